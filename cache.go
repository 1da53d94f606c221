package pivotview

// BranchCache maps a branch path to the rows fetched for it. Entries are
// replaced wholesale, never patched. BranchCache is not safe for
// concurrent use; the engine serializes access to it.
type BranchCache struct {
	branches map[PathKey][]*Row
}

func NewBranchCache() *BranchCache {
	return &BranchCache{branches: make(map[PathKey][]*Row)}
}

// Get returns the rows of a branch and whether it was fetched.
func (c *BranchCache) Get(path PathKey) ([]*Row, bool) {
	rows, ok := c.branches[path]
	return rows, ok
}

// Put replaces the branch at path with a copy of rows.
func (c *BranchCache) Put(path PathKey, rows []*Row) {
	c.branches[path] = append(make([]*Row, 0, len(rows)), rows...)
}

// ResetAll drops every branch.
func (c *BranchCache) ResetAll() {
	c.branches = make(map[PathKey][]*Row)
}

func (c *BranchCache) Len() int {
	return len(c.branches)
}

// PathSet is a set of branch paths.
type PathSet map[PathKey]struct{}

func (s PathSet) Has(path PathKey) bool {
	_, ok := s[path]
	return ok
}

func (s PathSet) Add(path PathKey) {
	s[path] = struct{}{}
}

func (s PathSet) Delete(path PathKey) {
	delete(s, path)
}
