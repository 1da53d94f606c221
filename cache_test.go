package pivotview

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBranchCache(t *testing.T) {
	t.Parallel()

	c := NewBranchCache()
	_, ok := c.Get(RootPath)
	require.False(t, ok)

	rows := []*Row{{ID: `[s"open"]`}, {ID: `[s"closed"]`}}
	c.Put(RootPath, rows)

	// the cache holds its own slice
	rows[0] = &Row{ID: "mutated"}

	got, ok := c.Get(RootPath)
	require.True(t, ok)
	require.Equal(t, `[s"open"]`, got[0].ID)
	require.Equal(t, 1, c.Len())

	c.Put(RootPath, []*Row{{ID: "replaced"}})
	got, _ = c.Get(RootPath)
	require.Len(t, got, 1)

	c.Put(`[s"open"]`, nil)
	got, ok = c.Get(`[s"open"]`)
	require.True(t, ok)
	require.Empty(t, got)

	c.ResetAll()
	require.Zero(t, c.Len())
	_, ok = c.Get(RootPath)
	require.False(t, ok)
}
