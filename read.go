package pivotview

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
)

const defaultTotalColumnName = "total"

var aggFuncs = map[string]string{
	"sum":   "sum",
	"avg":   "avg",
	"min":   "min",
	"max":   "max",
	"count": "count",
}

// Dimension is a queryable field and the SQL expression behind it.
type Dimension struct {
	Name       string
	Expression string
}

// SQLService answers branch requests from a single SQL table. Every field
// a request references must be registered as a Dimension.
type SQLService struct {
	conn   *sql.DB
	logger *zap.Logger

	dimensions    []*Dimension
	mapDimensions map[string]*Dimension

	// contains table name or sql expression like table.
	table           string
	totalColumnName string
}

type SQLServiceOption func(*SQLService)

// LoggerSQLServiceOption sets the service logger.
func LoggerSQLServiceOption(logger *zap.Logger) SQLServiceOption {
	return func(s *SQLService) {
		s.logger = logger
	}
}

// TotalColumnSQLServiceOption renames the alias of count queries.
func TotalColumnSQLServiceOption(name string) SQLServiceOption {
	return func(s *SQLService) {
		s.totalColumnName = name
	}
}

// NewSQLService returns new instance of SQLService.
func NewSQLService(
	connection *sql.DB, table string, dimensions []*Dimension, opts ...SQLServiceOption,
) *SQLService {
	mDimensions := make(map[string]*Dimension, len(dimensions))
	for i := range dimensions {
		mDimensions[dimensions[i].Name] = dimensions[i]
	}

	s := &SQLService{
		conn:            connection,
		logger:          zap.NewNop(),
		dimensions:      dimensions,
		mapDimensions:   mDimensions,
		table:           table,
		totalColumnName: defaultTotalColumnName,
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *SQLService) Ping(ctx context.Context) error {
	_, err := s.conn.ExecContext(ctx, `SELECT 1`)
	return err
}

// Fetch implements Service. The branch below req.GroupKeys is grouped by
// the next row group column; once grouping is exhausted it returns detail
// rows, or a single pivoted totals row in pivot mode.
func (s *SQLService) Fetch(ctx context.Context, req *Request) (*Response, error) {
	level := len(req.GroupKeys)
	if level > len(req.RowGroupCols) {
		return nil, fmt.Errorf("group keys deeper than row groups: %d > %d", level, len(req.RowGroupCols))
	}

	var group *Dimension
	if level < len(req.RowGroupCols) {
		dim, err := s.getDimension(req.RowGroupCols[level].Field)
		if err != nil {
			return nil, err
		}
		group = dim
	}

	where, params, err := s.applyWhere(req)
	if err != nil {
		return nil, err
	}

	switch {
	case req.PivotMode && len(req.PivotCols) > 0:
		return s.fetchPivoted(ctx, req, group, where, params)
	case group == nil && !req.PivotMode:
		return s.fetchDetail(ctx, req, where, params)
	default:
		return s.fetchGrouped(ctx, req, group, where, params)
	}
}

func (s *SQLService) fetchGrouped(
	ctx context.Context, req *Request, group *Dimension, where string, params []interface{},
) (*Response, error) {
	measures, err := s.measures(req)
	if err != nil {
		return nil, err
	}

	selects := make([]string, 0, len(measures)+1)
	if group != nil {
		selects = append(selects, group.Expression+` AS `+group.Name)
	}
	selects = append(selects, measures...)

	query := `SELECT ` + strings.Join(selects, `, `) + ` FROM ` + s.table
	applyClause(&query, `WHERE`, where)
	if group != nil {
		applyClause(&query, `GROUP BY`, group.Expression)
		applyClause(&query, `ORDER BY`, s.applyOrder(req, s.allowOnly(group), measureOrder(req, measures)))
		applyLimit(req, &query)
	}

	values, err := s.query(ctx, query, params)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(values))
	for _, row := range values {
		rec := make(Record, len(row))
		offset := 0
		if group != nil {
			rec[group.Name] = row[0]
			offset = 1
		}
		for i, vc := range req.ValueCols {
			rec[vc.ID] = row[offset+i]
		}
		records = append(records, rec)
	}

	resp := &Response{Rows: records}
	if group == nil {
		resp.LastRow = intPtr(len(records))
		return resp, nil
	}

	count := `SELECT count(*) AS ` + s.totalColumnName + ` FROM (SELECT ` + group.Expression + ` FROM ` + s.table
	applyClause(&count, `WHERE`, where)
	count += ` GROUP BY ` + group.Expression + `) AS g`
	if resp.LastRow, err = s.lastRow(ctx, req, len(records), count, params); err != nil {
		return nil, err
	}

	return resp, nil
}

func (s *SQLService) fetchDetail(
	ctx context.Context, req *Request, where string, params []interface{},
) (*Response, error) {
	selects := make([]string, 0, len(s.dimensions))
	for _, dim := range s.dimensions {
		selects = append(selects, dim.Expression+` AS `+dim.Name)
	}

	query := `SELECT ` + strings.Join(selects, `, `) + ` FROM ` + s.table
	applyClause(&query, `WHERE`, where)
	applyClause(&query, `ORDER BY`, s.applyOrder(req, s.allowAll, nil))
	applyLimit(req, &query)

	values, err := s.query(ctx, query, params)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(values))
	for _, row := range values {
		rec := make(Record, len(row))
		for i, dim := range s.dimensions {
			rec[dim.Name] = row[i]
		}
		records = append(records, rec)
	}

	resp := &Response{Rows: records}
	count := `SELECT count(*) AS ` + s.totalColumnName + ` FROM ` + s.table
	applyClause(&count, `WHERE`, where)
	if resp.LastRow, err = s.lastRow(ctx, req, len(records), count, params); err != nil {
		return nil, err
	}

	return resp, nil
}

type pivotGroup struct {
	record Record
	cells  map[string]map[string]any
	keys   []string
}

// fetchPivoted groups by the row group and every pivot column, then folds
// the result into one record per row group. The root window is applied
// after folding.
func (s *SQLService) fetchPivoted(
	ctx context.Context, req *Request, group *Dimension, where string, params []interface{},
) (*Response, error) {
	measures, err := s.measures(req)
	if err != nil {
		return nil, err
	}

	pivots := make([]*Dimension, 0, len(req.PivotCols))
	for _, pc := range req.PivotCols {
		dim, err := s.getDimension(pc.Field)
		if err != nil {
			return nil, err
		}
		pivots = append(pivots, dim)
	}

	selects := make([]string, 0, len(pivots)+len(measures)+1)
	groupBy := make([]string, 0, len(pivots)+1)
	order := make([]string, 0, len(pivots)+1)
	if group != nil {
		selects = append(selects, group.Expression+` AS `+group.Name)
		groupBy = append(groupBy, group.Expression)
		if o := s.applyOrder(req, s.allowOnly(group), nil); o != "" {
			order = append(order, o)
		}
	}
	for _, dim := range pivots {
		selects = append(selects, dim.Expression+` AS `+dim.Name)
		groupBy = append(groupBy, dim.Expression)
		order = append(order, dim.Expression)
	}
	selects = append(selects, measures...)

	query := `SELECT ` + strings.Join(selects, `, `) + ` FROM ` + s.table
	applyClause(&query, `WHERE`, where)
	applyClause(&query, `GROUP BY`, strings.Join(groupBy, `,`))
	applyClause(&query, `ORDER BY`, strings.Join(order, `,`))

	values, err := s.query(ctx, query, params)
	if err != nil {
		return nil, err
	}

	groups := make([]*pivotGroup, 0)
	index := make(map[PathKey]int)
	offset := 0
	if group != nil {
		offset = 1
	}

	for _, row := range values {
		var groupValue any
		if group != nil {
			groupValue = row[0]
		}
		gk, err := SerializePath([]any{groupValue})
		if err != nil {
			return nil, err
		}

		inx, ok := index[gk]
		if !ok {
			g := &pivotGroup{record: make(Record), cells: make(map[string]map[string]any)}
			if group != nil {
				g.record[group.Name] = groupValue
			}
			g.record[PivotCellsField] = g.cells
			inx = len(groups)
			index[gk] = inx
			groups = append(groups, g)
		}
		g := groups[inx]

		segments := make([]string, len(pivots))
		for j := range pivots {
			segments[j] = pivotSegment(row[offset+j])
		}
		key := JoinPivotKey(segments)

		cell, ok := g.cells[key]
		if !ok {
			cell = make(map[string]any, len(req.ValueCols))
			g.cells[key] = cell
			g.keys = append(g.keys, key)
		}
		for i, vc := range req.ValueCols {
			cell[vc.ID] = row[offset+len(pivots)+i]
		}
	}

	total := len(groups)
	if req.StartRow != nil && req.EndRow != nil {
		start, end := clampWindow(*req.StartRow, *req.EndRow, total)
		groups = groups[start:end]
	}

	resp := &Response{
		Rows:      make([]Record, 0, len(groups)),
		LastRow:   intPtr(total),
		PivotKeys: make([]string, 0),
	}
	seen := make(map[string]struct{})
	for _, g := range groups {
		resp.Rows = append(resp.Rows, g.record)
		for _, key := range g.keys {
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			resp.PivotKeys = append(resp.PivotKeys, key)
		}
	}

	return resp, nil
}

func (s *SQLService) query(ctx context.Context, query string, params []interface{}) ([][]interface{}, error) {
	s.logger.Debug("aggregation query", zap.String("query", query), zap.Any("params", params))

	rows, err := s.conn.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("failed to exec query: %w, query: %s, params: %v", err, query, params)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	response := make([][]interface{}, 0)
	for rows.Next() {
		dest := make([]interface{}, len(columns))
		ptrs := make([]interface{}, len(columns))
		for i := range dest {
			ptrs[i] = &dest[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		for i := range dest {
			dest[i] = SafeValue(dest[i])
		}
		response = append(response, dest)
	}

	return response, rows.Err()
}

// lastRow answers the row count of a branch. Unwindowed branches and
// short pages are counted from the rows themselves.
func (s *SQLService) lastRow(
	ctx context.Context, req *Request, fetched int, count string, params []interface{},
) (*int, error) {
	if req.StartRow == nil || req.EndRow == nil {
		return intPtr(fetched), nil
	}
	// An empty page past the end says nothing about the total.
	if fetched < *req.EndRow-*req.StartRow && (fetched > 0 || *req.StartRow == 0) {
		return intPtr(*req.StartRow + fetched), nil
	}

	values, err := s.query(ctx, count, params)
	if err != nil {
		return nil, err
	}
	if len(values) == 0 || len(values[0]) == 0 {
		return nil, nil
	}

	total, ok := toInt(values[0][0])
	if !ok {
		return nil, nil
	}

	return intPtr(total), nil
}

func (s *SQLService) measures(req *Request) ([]string, error) {
	measures := make([]string, 0, len(req.ValueCols))
	for _, vc := range req.ValueCols {
		fn, ok := aggFuncs[strings.ToLower(vc.AggFunc)]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownAggFunc, vc.AggFunc)
		}

		if vc.Field == "" || vc.Field == "*" {
			if fn != "count" {
				return nil, fmt.Errorf("%w: %s requires a field", ErrUnknownAggFunc, fn)
			}
			measures = append(measures, `count(*)`)
			continue
		}

		dim, err := s.getDimension(vc.Field)
		if err != nil {
			return nil, err
		}
		measures = append(measures, fmt.Sprintf(`%s(%s)`, fn, dim.Expression))
	}

	return measures, nil
}

func (s *SQLService) applyWhere(req *Request) (string, []interface{}, error) {
	where := make([]string, 0)
	params := make([]interface{}, 0)

	for i, key := range req.GroupKeys {
		dim, err := s.getDimension(req.RowGroupCols[i].Field)
		if err != nil {
			return "", nil, err
		}
		if key == nil || key == Undefined {
			where = append(where, dim.Expression+` IS NULL`)
			continue
		}
		where = append(where, dim.Expression+` = ?`)
		params = append(params, key)
	}

	var filters []*Filter
	switch fm := req.FilterModel.(type) {
	case nil:
	case []*Filter:
		filters = fm
	default:
		return "", nil, fmt.Errorf("%w: %T", ErrUnsupportedFilter, req.FilterModel)
	}

	for _, filter := range filters {
		dim, exists := s.mapDimensions[filter.Key]
		if !exists || len(filter.Values) == 0 {
			continue
		}

		key := dim.Expression
		in := strings.TrimRight(strings.Repeat(`?,`, len(filter.Values)), `,`)

		switch filter.Condition {
		case CondNotEq, CondNotEq2:
			where = append(where, fmt.Sprintf(`%s NOT IN (%s)`, key, in))
			params = append(params, filter.Values...)

		case CondLike:
			where = append(where, key+` LIKE ?`)
			params = append(params, `%`+fmt.Sprint(filter.Values[0])+`%`)

		case CondGreater, CondGreaterOrEq, CondLess, CondLessOrEq:
			where = append(where, fmt.Sprintf(`%s %s ?`, key, filter.Condition))
			params = append(params, filter.Values[0])

		default:
			where = append(where, fmt.Sprintf(`%s IN (%s)`, key, in))
			params = append(params, filter.Values...)
		}
	}

	return strings.Join(where, ` AND `), params, nil
}

// applyOrder resolves the sort model against the fields allowed in the
// query and the measure expressions by value column ID.
func (s *SQLService) applyOrder(
	req *Request, allowed func(field string) (*Dimension, bool), measures map[string]string,
) string {
	sortBy := make([]string, 0, len(req.SortModel))
	for _, item := range req.SortModel {
		expr := ""
		if dim, ok := allowed(item.ColID); ok {
			expr = dim.Expression
		} else if m, ok := measures[item.ColID]; ok {
			expr = m
		} else {
			continue
		}

		direction := `ASC`
		if item.Sort == SortDesc {
			direction = `DESC`
		}
		sortBy = append(sortBy, expr+` `+direction)
	}

	return strings.Join(sortBy, `,`)
}

func (s *SQLService) allowAll(field string) (*Dimension, bool) {
	dim, ok := s.mapDimensions[field]
	return dim, ok
}

func (s *SQLService) allowOnly(group *Dimension) func(string) (*Dimension, bool) {
	return func(field string) (*Dimension, bool) {
		if field == group.Name {
			return group, true
		}
		return nil, false
	}
}

func (s *SQLService) getDimension(field string) (*Dimension, error) {
	if dim, ok := s.mapDimensions[field]; ok {
		return dim, nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnknownField, field)
}

func measureOrder(req *Request, measures []string) map[string]string {
	out := make(map[string]string, len(measures))
	for i, vc := range req.ValueCols {
		out[vc.ID] = measures[i]
	}

	return out
}

func applyClause(query *string, keyword, clause string) {
	if clause != "" {
		*query += ` ` + keyword + ` ` + clause
	}
}

func applyLimit(req *Request, query *string) {
	if req.StartRow == nil || req.EndRow == nil {
		return
	}

	limit := *req.EndRow - *req.StartRow
	if limit < 0 {
		limit = 0
	}
	*query += fmt.Sprintf(` LIMIT %d OFFSET %d`, limit, *req.StartRow)
}

func clampWindow(start, end, total int) (int, int) {
	if start < 0 {
		start = 0
	}
	if start > total {
		start = total
	}
	if end > total {
		end = total
	}
	if end < start {
		end = start
	}

	return start, end
}

func pivotSegment(v interface{}) string {
	if v == nil {
		return ""
	}

	return fmt.Sprint(v)
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case int:
		return n, true
	case int32:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		return int(n), true
	}

	return 0, false
}

func intPtr(v int) *int {
	return &v
}

// SafeValue replaces NaN and infinite floats with zero and byte slices
// with strings.
func SafeValue(i interface{}) interface{} {
	switch v := i.(type) {
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return float64(0)
		}
	case []byte:
		return string(v)
	}

	return i
}
