package pivotview

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// State is the expansion state of one branch path.
type State int

const (
	StateCollapsed State = iota
	StateLoading
	StateExpanded
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateExpanded:
		return "expanded"
	default:
		return "collapsed"
	}
}

// Stats are engine diagnostics.
type Stats struct {
	Requests       uint64
	StaleResponses uint64
	Failures       uint64
}

var engineIDs = atomic.NewUint64(0)

type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithRegisterer registers the engine metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) {
		e.metrics = newEngineMetrics(reg)
	}
}

// WithMemo shares a fetch memo between engines reading from the same
// service. Only identical requests share a call.
func WithMemo(m *Memo) Option {
	return func(e *Engine) {
		e.memo = m
	}
}

// Engine incrementally materializes a grouped and pivoted view. It fetches
// only expanded branches, caches them by path and discards responses that
// were issued under an older query shape.
//
// Engine methods are safe for concurrent use. The lock is never held
// while waiting on the service.
type Engine struct {
	id      uint64
	svc     Service
	memo    *Memo
	logger  *zap.Logger
	metrics *engineMetrics

	requests atomic.Uint64
	stale    atomic.Uint64
	failures atomic.Uint64

	mu       sync.Mutex
	query    *Query
	epoch    uint64
	cache    *BranchCache
	expanded PathSet
	loading  PathSet
	pivots   *PivotKeyTree
	rootErr  error
	rowCount *int
}

func NewEngine(svc Service, opts ...Option) *Engine {
	e := &Engine{
		id:       engineIDs.Inc(),
		svc:      svc,
		logger:   zap.NewNop(),
		cache:    NewBranchCache(),
		expanded: make(PathSet),
		loading:  make(PathSet),
		pivots:   NewPivotKeyTree(0),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.memo == nil {
		e.memo = NewMemo()
	}
	if e.metrics == nil {
		e.metrics = newEngineMetrics(nil)
	}

	return e
}

// SetQuery applies a query shape. An unchanged query is a no-op unless
// the last root fetch failed; any change starts a new epoch, drops all
// cached state and fetches the root.
func (e *Engine) SetQuery(ctx context.Context, q Query) error {
	next := q.clone()

	e.mu.Lock()
	if e.query != nil && e.query.equal(next) && e.rootErr == nil {
		e.mu.Unlock()
		return nil
	}
	epoch := e.invalidateLocked(next)
	e.mu.Unlock()

	return e.fetchRoot(ctx, epoch, next)
}

// Refresh drops all cached state and refetches the root under the
// current query.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	if e.query == nil {
		e.mu.Unlock()
		return ErrNoQuery
	}
	q := e.query
	epoch := e.invalidateLocked(q)
	e.mu.Unlock()

	return e.fetchRoot(ctx, epoch, q)
}

func (e *Engine) invalidateLocked(q *Query) uint64 {
	if e.query == nil || !e.query.samePivot(q) {
		e.pivots = NewPivotKeyTree(len(q.PivotBy))
	}

	e.query = q
	e.epoch++
	e.cache.ResetAll()
	e.expanded = make(PathSet)
	e.loading = PathSet{RootPath: {}}
	e.rootErr = nil
	e.rowCount = nil

	e.logger.Debug("query invalidated", zap.Uint64("epoch", e.epoch))

	return e.epoch
}

func (e *Engine) fetchRoot(ctx context.Context, epoch uint64, q *Query) error {
	resp, err := e.fetch(ctx, epoch, RootPath, BuildRequest(q, nil))

	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch != e.epoch {
		e.discardLocked(epoch, RootPath)
		return nil
	}
	e.loading.Delete(RootPath)

	if err != nil {
		e.rootErr = &FetchError{Path: RootPath, Root: true, Err: err}
		return e.rootErr
	}

	e.commitLocked(q, nil, RootPath, resp)
	if n, ok := resp.RowCount(); ok {
		e.rowCount = &n
	}

	return nil
}

// Toggle flips the expansion of the row identified by groupKeys. A cached
// branch expands immediately; otherwise it is fetched first. Toggling a
// path that is already loading is a no-op that reports StateLoading.
func (e *Engine) Toggle(ctx context.Context, groupKeys []any) (State, error) {
	path, err := SerializePath(groupKeys)
	if err != nil {
		return StateCollapsed, err
	}

	e.mu.Lock()
	if e.query == nil {
		e.mu.Unlock()
		return StateCollapsed, ErrNoQuery
	}
	if e.expanded.Has(path) {
		e.expanded.Delete(path)
		e.mu.Unlock()
		return StateCollapsed, nil
	}

	row, err := e.findRowLocked(groupKeys, path)
	if err != nil {
		e.mu.Unlock()
		return StateCollapsed, err
	}
	if !row.HasChildren {
		e.mu.Unlock()
		return StateCollapsed, nil
	}
	if _, ok := e.cache.Get(path); ok {
		e.expanded.Add(path)
		e.mu.Unlock()
		return StateExpanded, nil
	}
	if e.loading.Has(path) {
		e.mu.Unlock()
		return StateLoading, nil
	}

	e.loading.Add(path)
	epoch, q := e.epoch, e.query
	ancestors := row.GroupKeys
	e.mu.Unlock()

	resp, err := e.fetch(ctx, epoch, path, BuildRequest(q, ancestors))

	e.mu.Lock()
	defer e.mu.Unlock()

	if epoch != e.epoch {
		e.discardLocked(epoch, path)
		return StateCollapsed, nil
	}
	e.loading.Delete(path)

	if err != nil {
		return StateCollapsed, &FetchError{Path: path, Err: err}
	}

	e.commitLocked(q, ancestors, path, resp)
	e.expanded.Add(path)

	return StateExpanded, nil
}

func (e *Engine) findRowLocked(groupKeys []any, path PathKey) (*Row, error) {
	if len(groupKeys) == 0 {
		return nil, ErrUnknownPath
	}
	parent, err := parentPath(groupKeys)
	if err != nil {
		return nil, err
	}
	rows, ok := e.cache.Get(parent)
	if !ok {
		return nil, ErrUnknownPath
	}
	for _, row := range rows {
		if row.ID == string(path) {
			return row, nil
		}
	}

	return nil, ErrUnknownPath
}

func (e *Engine) commitLocked(q *Query, ancestors []any, path PathKey, resp *Response) {
	if resp == nil {
		resp = &Response{}
	}
	e.cache.Put(path, transformRows(q, ancestors, resp, e.logger))
	if q.pivoting() {
		if added := e.pivots.Merge(resp.PivotKeys); added > 0 {
			e.logger.Debug("pivot keys discovered",
				zap.String("path", string(path)), zap.Int("added", added))
		}
	}
}

func (e *Engine) discardLocked(epoch uint64, path PathKey) {
	e.stale.Inc()
	e.metrics.stale.Inc()
	e.logger.Debug("stale response discarded",
		zap.String("path", string(path)),
		zap.Uint64("epoch", epoch),
		zap.Uint64("current_epoch", e.epoch))
}

func (e *Engine) fetch(ctx context.Context, epoch uint64, path PathKey, req *Request) (*Response, error) {
	kind := fetchKindBranch
	if path == RootPath {
		kind = fetchKindRoot
	}
	key, err := fetchKey(path, req)
	if err != nil {
		e.logger.Debug("request not shareable", zap.String("path", string(path)), zap.Error(err))
		key = "engine:" + strconv.FormatUint(e.id, 10) + "|" + strconv.FormatUint(epoch, 10) + "|" + string(path)
	}

	resp, err := e.memo.FetchKeyed(ctx, key, func(ctx context.Context) (*Response, error) {
		e.requests.Inc()
		e.metrics.fetches.WithLabelValues(kind).Inc()
		e.logger.Debug("fetching branch",
			zap.String("path", string(path)), zap.Uint64("epoch", epoch))

		start := time.Now()
		defer func() {
			e.metrics.duration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		}()

		return e.svc.Fetch(ctx, req)
	})
	if err != nil {
		e.failures.Inc()
		e.metrics.failures.WithLabelValues(kind).Inc()
		if !errors.Is(err, context.Canceled) {
			e.logger.Error("failed to fetch branch",
				zap.String("path", string(path)), zap.Uint64("epoch", epoch), zap.Error(err))
		}
	}

	return resp, err
}

// Rows returns the materialized view in display order.
func (e *Engine) Rows() []*Row {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Materialize(e.cache, e.expanded)
}

// Columns returns the pivot column tree derived from every pivot key seen
// under the current pivot configuration.
func (e *Engine) Columns() []*Column {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.query == nil || !e.query.pivoting() {
		return nil
	}

	return e.pivots.DeriveColumns(e.query.Values)
}

// Branch returns the cached rows of the branch below groupKeys.
func (e *Engine) Branch(groupKeys []any) ([]*Row, bool) {
	path, err := SerializePath(groupKeys)
	if err != nil {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	return e.cache.Get(path)
}

// State returns the expansion state of the branch below groupKeys.
func (e *Engine) State(groupKeys []any) State {
	path, err := SerializePath(groupKeys)
	if err != nil {
		return StateCollapsed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch {
	case e.expanded.Has(path):
		return StateExpanded
	case e.loading.Has(path):
		return StateLoading
	default:
		return StateCollapsed
	}
}

// Loading reports whether any fetch of the current epoch is in flight.
func (e *Engine) Loading() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.loading) > 0
}

// RootErr returns the error of the last root fetch of the current epoch.
func (e *Engine) RootErr() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.rootErr
}

// RowCount returns the root row count reported by the service, if known.
func (e *Engine) RowCount() (int, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rowCount == nil {
		return 0, false
	}

	return *e.rowCount, true
}

// Epoch returns the current query epoch.
func (e *Engine) Epoch() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.epoch
}

func (e *Engine) Stats() Stats {
	return Stats{
		Requests:       e.requests.Load(),
		StaleResponses: e.stale.Load(),
		Failures:       e.failures.Load(),
	}
}
