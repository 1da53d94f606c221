package pivotview

import "reflect"

const (
	// PivotKeyDelimiter separates the segments of a composite pivot key.
	PivotKeyDelimiter = "\x1f"
	// PivotColumnPrefix marks column IDs derived from pivot keys. Such
	// columns are not sortable.
	PivotColumnPrefix = "pivot:"
	// PivotCellsField is the record field that carries pivot cells in a
	// Response row: map[pivotKey]map[measureID]value.
	PivotCellsField = "$pivot"
)

type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// Measure is an aggregation computed per group and pivot cell.
type Measure struct {
	// ID keys the measure value in rows and pivot cells. Defaults to Field.
	ID      string
	Field   string
	AggFunc string
	Label   string
}

// Key returns the identifier the measure value is stored under.
func (m Measure) Key() string {
	if m.ID != "" {
		return m.ID
	}

	return m.Field
}

type SortItem struct {
	ColID     string
	Direction SortDirection
}

// Query is the full query shape of a view. Any change to it starts a new
// epoch and drops every cached branch.
type Query struct {
	GroupBy []string
	PivotBy []string
	Values  []Measure
	// Filter is passed to the service unmodified.
	Filter any
	Sort   []SortItem
	// ColumnFields maps UI column IDs to fields for sort resolution.
	// Unmapped IDs are used as fields directly.
	ColumnFields map[string]string
	// DisplayNames maps fields to human readable names.
	DisplayNames map[string]string

	PageSize  int
	PageIndex int

	BasePipeline any
	Dataset      any
}

func (q *Query) pivoting() bool {
	return len(q.PivotBy) > 0
}

func (q *Query) displayName(field string) string {
	if name, ok := q.DisplayNames[field]; ok {
		return name
	}

	return field
}

func (q *Query) equal(other *Query) bool {
	return reflect.DeepEqual(q, other)
}

func (q *Query) samePivot(other *Query) bool {
	if len(q.PivotBy) != len(other.PivotBy) {
		return false
	}
	for i := range q.PivotBy {
		if q.PivotBy[i] != other.PivotBy[i] {
			return false
		}
	}

	return true
}

// Record is one row as returned by the aggregation service.
type Record map[string]any

// Row is a cached, depth-tagged row of the view.
type Row struct {
	ID          string                    `json:"id"`
	GroupKeys   []any                     `json:"groupKeys"`
	Depth       int                       `json:"depth"`
	HasChildren bool                      `json:"hasChildren"`
	PivotCells  map[string]map[string]any `json:"pivotCells,omitempty"`
	Fields      map[string]any            `json:"fields,omitempty"`
}

// Path returns the key of the branch this row expands into.
func (r *Row) Path() PathKey {
	return PathKey(r.ID)
}

func (q *Query) clone() *Query {
	c := *q
	c.GroupBy = cloneSlice(q.GroupBy)
	c.PivotBy = cloneSlice(q.PivotBy)
	c.Values = cloneSlice(q.Values)
	c.Sort = cloneSlice(q.Sort)
	if q.ColumnFields != nil {
		c.ColumnFields = make(map[string]string, len(q.ColumnFields))
		for k, v := range q.ColumnFields {
			c.ColumnFields[k] = v
		}
	}
	if q.DisplayNames != nil {
		c.DisplayNames = make(map[string]string, len(q.DisplayNames))
		for k, v := range q.DisplayNames {
			c.DisplayNames[k] = v
		}
	}

	return &c
}

func cloneSlice[T any](s []T) []T {
	if s == nil {
		return nil
	}

	return append(make([]T, 0, len(s)), s...)
}
