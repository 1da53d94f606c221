package pivotview

// Materialize flattens the cached branches into display order, descending
// into every expanded row that has children. It never fetches.
func Materialize(cache *BranchCache, expanded PathSet) []*Row {
	out := make([]*Row, 0)

	var expand func(path PathKey)
	expand = func(path PathKey) {
		rows, ok := cache.Get(path)
		if !ok {
			return
		}
		for _, row := range rows {
			out = append(out, row)
			if row.HasChildren && expanded.Has(row.Path()) {
				expand(row.Path())
			}
		}
	}
	expand(RootPath)

	return out
}
