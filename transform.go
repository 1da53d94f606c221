package pivotview

import (
	"strconv"

	"go.uber.org/zap"
)

// transformRows annotates the records of the branch below ancestors with
// depth, group keys, child availability and a stable row ID.
func transformRows(q *Query, ancestors []any, resp *Response, logger *zap.Logger) []*Row {
	depth := len(ancestors)
	levels := len(q.GroupBy)
	detail := depth >= levels && !q.pivoting()

	rows := make([]*Row, 0, len(resp.Rows))
	for i, rec := range resp.Rows {
		row := &Row{
			Depth:  depth,
			Fields: make(map[string]any, len(rec)),
		}

		for k, v := range rec {
			if k == PivotCellsField {
				row.PivotCells = pivotCells(v)
				continue
			}
			row.Fields[k] = v
		}

		if depth < levels {
			v, ok := rec[q.GroupBy[depth]]
			if !ok {
				v = Undefined
			}
			row.GroupKeys = append(append(make([]any, 0, depth+1), ancestors...), v)
			row.HasChildren = depth < levels-1 || !q.pivoting()
		} else {
			row.GroupKeys = append(make([]any, 0, depth), ancestors...)
		}

		key, err := SerializePath(row.GroupKeys)
		if err != nil {
			logger.Warn("row is not expandable",
				zap.Int("depth", depth), zap.Int("index", i), zap.Error(err))
			row.HasChildren = false
			row.ID = "unencodable#" + strconv.Itoa(depth) + "." + strconv.Itoa(i)
			rows = append(rows, row)
			continue
		}

		row.ID = string(key)
		if detail {
			row.ID += "#" + strconv.Itoa(i)
		}
		rows = append(rows, row)
	}

	return rows
}

func pivotCells(v any) map[string]map[string]any {
	switch cells := v.(type) {
	case map[string]map[string]any:
		return cells
	case map[string]any:
		out := make(map[string]map[string]any, len(cells))
		for key, raw := range cells {
			measures, ok := raw.(map[string]any)
			if !ok {
				continue
			}
			out[key] = measures
		}
		return out
	case Record:
		return pivotCells(map[string]any(cells))
	}

	return nil
}
