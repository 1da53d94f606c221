package pivotview

import (
	"context"
	"strings"
)

// Service is the remote aggregation service the engine reads branches from.
type Service interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// ServiceFunc adapts a function to Service.
type ServiceFunc func(ctx context.Context, req *Request) (*Response, error)

func (f ServiceFunc) Fetch(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

type ColumnRef struct {
	ID          string `json:"id"`
	Field       string `json:"field"`
	DisplayName string `json:"displayName"`
}

type ValueColumn struct {
	ID          string `json:"id"`
	Field       string `json:"field"`
	AggFunc     string `json:"aggFunc"`
	DisplayName string `json:"displayName"`
}

type SortColumn struct {
	ColID string        `json:"colId"`
	Sort  SortDirection `json:"sort"`
}

// Request is the wire request for one branch.
type Request struct {
	StartRow     *int          `json:"startRow,omitempty"`
	EndRow       *int          `json:"endRow,omitempty"`
	RowGroupCols []ColumnRef   `json:"rowGroupCols"`
	ValueCols    []ValueColumn `json:"valueCols"`
	PivotCols    []ColumnRef   `json:"pivotCols"`
	PivotMode    bool          `json:"pivotMode"`
	GroupKeys    []any         `json:"groupKeys"`
	FilterModel  any           `json:"filterModel"`
	SortModel    []SortColumn  `json:"sortModel"`
	BasePipeline any           `json:"basePipeline,omitempty"`
	DatasetRef   any           `json:"datasetRef"`
}

// Response is the service answer for one branch. PivotKeys lists the
// composite pivot keys observed in this response only.
type Response struct {
	Rows      []Record `json:"rows"`
	LastRow   *int     `json:"lastRow,omitempty"`
	PivotKeys []string `json:"pivotKeys,omitempty"`
}

// RowCount reports the total row count, if the service knows it.
func (r *Response) RowCount() (int, bool) {
	if r == nil || r.LastRow == nil || *r.LastRow < 0 {
		return 0, false
	}

	return *r.LastRow, true
}

// BuildRequest returns the request for the branch below groupKeys. Only
// the root branch is paginated.
func BuildRequest(q *Query, groupKeys []any) *Request {
	depth := len(groupKeys)
	levels := depth + 1
	if levels > len(q.GroupBy) {
		levels = len(q.GroupBy)
	}

	req := &Request{
		RowGroupCols: make([]ColumnRef, 0, levels),
		ValueCols:    make([]ValueColumn, 0, len(q.Values)),
		PivotCols:    make([]ColumnRef, 0, len(q.PivotBy)),
		PivotMode:    q.pivoting(),
		GroupKeys:    append(make([]any, 0, depth), groupKeys...),
		FilterModel:  q.Filter,
		SortModel:    resolveSort(q),
		BasePipeline: q.BasePipeline,
		DatasetRef:   q.Dataset,
	}

	for _, field := range q.GroupBy[:levels] {
		req.RowGroupCols = append(req.RowGroupCols, ColumnRef{
			ID: field, Field: field, DisplayName: q.displayName(field),
		})
	}
	for _, field := range q.PivotBy {
		req.PivotCols = append(req.PivotCols, ColumnRef{
			ID: field, Field: field, DisplayName: q.displayName(field),
		})
	}
	for _, m := range q.Values {
		label := m.Label
		if label == "" {
			label = q.displayName(m.Field)
		}
		req.ValueCols = append(req.ValueCols, ValueColumn{
			ID: m.Key(), Field: m.Field, AggFunc: m.AggFunc, DisplayName: label,
		})
	}

	if depth == 0 && q.PageSize > 0 {
		start := q.PageIndex * q.PageSize
		end := start + q.PageSize
		req.StartRow = &start
		req.EndRow = &end
	}

	return req
}

func resolveSort(q *Query) []SortColumn {
	sortModel := make([]SortColumn, 0, len(q.Sort))
	for _, item := range q.Sort {
		if strings.HasPrefix(item.ColID, PivotColumnPrefix) {
			continue
		}

		field := item.ColID
		if mapped, ok := q.ColumnFields[item.ColID]; ok {
			field = mapped
		}

		direction := SortAsc
		if strings.EqualFold(string(item.Direction), string(SortDesc)) {
			direction = SortDesc
		}
		sortModel = append(sortModel, SortColumn{ColID: field, Sort: direction})
	}

	return sortModel
}
