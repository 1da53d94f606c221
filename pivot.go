package pivotview

import (
	"fmt"
	"strings"
)

// Column is a node of the derived pivot column tree. Group nodes carry
// Children; leaves carry PivotKey and Measure.
type Column struct {
	ID       string    `json:"id"`
	Header   string    `json:"header"`
	PivotKey string    `json:"pivotKey,omitempty"`
	Measure  string    `json:"measure,omitempty"`
	AggFunc  string    `json:"aggFunc,omitempty"`
	Children []*Column `json:"children,omitempty"`
}

// Value reads the cell the column renders for row, or nil when the row
// has no value for it.
func (c *Column) Value(row *Row) any {
	if c.PivotKey == "" || row == nil {
		return nil
	}
	cells, ok := row.PivotCells[c.PivotKey]
	if !ok {
		return nil
	}

	return cells[c.Measure]
}

type pivotNode struct {
	segment  string
	prefix   string
	depth    int
	key      string
	terminal bool
	children []*pivotNode
	index    map[string]*pivotNode
}

func newPivotNode(segment, prefix string) *pivotNode {
	return &pivotNode{segment: segment, prefix: prefix, index: make(map[string]*pivotNode)}
}

func (n *pivotNode) child(segment string) (*pivotNode, bool) {
	if c, ok := n.index[segment]; ok {
		return c, false
	}

	prefix := segment
	if n.depth > 0 {
		prefix = n.prefix + PivotKeyDelimiter + segment
	}
	c := newPivotNode(segment, prefix)
	c.depth = n.depth + 1
	n.index[segment] = c
	n.children = append(n.children, c)

	return c, true
}

// PivotKeyTree is a trie of every composite pivot key seen for one pivot
// configuration. It only grows, and children keep insertion order, so a
// column once derived keeps its identity and position.
type PivotKeyTree struct {
	levels int
	root   *pivotNode
	size   int
}

func NewPivotKeyTree(levels int) *PivotKeyTree {
	return &PivotKeyTree{levels: levels, root: newPivotNode("", "")}
}

// Merge adds keys to the tree and returns how many were new.
func (t *PivotKeyTree) Merge(keys []string) int {
	added := 0
	for _, key := range keys {
		node := t.root
		for _, segment := range SplitPivotKey(key, t.levels) {
			node, _ = node.child(segment)
		}
		if !node.terminal {
			node.terminal = true
			node.key = key
			added++
		}
	}
	t.size += added

	return added
}

// Len returns the number of distinct keys merged so far.
func (t *PivotKeyTree) Len() int {
	return t.size
}

// Keys returns every merged key in depth-first tree order.
func (t *PivotKeyTree) Keys() []string {
	keys := make([]string, 0, t.size)

	var walk func(n *pivotNode)
	walk = func(n *pivotNode) {
		if n.terminal {
			keys = append(keys, n.key)
		}
		for _, c := range n.children {
			walk(c)
		}
	}
	walk(t.root)

	return keys
}

// DeriveColumns builds the nested header tree: one group per segment and,
// under each complete key, one leaf per measure.
func (t *PivotKeyTree) DeriveColumns(values []Measure) []*Column {
	var walk func(n *pivotNode) []*Column
	walk = func(n *pivotNode) []*Column {
		out := make([]*Column, 0, len(n.children))
		for _, c := range n.children {
			group := &Column{
				ID:     PivotColumnPrefix + "group:" + c.prefix,
				Header: c.segment,
			}
			if c.terminal {
				for _, m := range values {
					group.Children = append(group.Children, &Column{
						ID:       PivotColumnPrefix + c.key + "/" + m.Key(),
						Header:   measureHeader(m),
						PivotKey: c.key,
						Measure:  m.Key(),
						AggFunc:  m.AggFunc,
					})
				}
			}
			group.Children = append(group.Children, walk(c)...)
			out = append(out, group)
		}

		return out
	}

	return walk(t.root)
}

func measureHeader(m Measure) string {
	if m.Label != "" {
		return m.Label
	}
	if m.AggFunc == "" {
		return m.Field
	}

	return fmt.Sprintf("%s(%s)", m.AggFunc, m.Field)
}

// SplitPivotKey returns the segments of a composite key. A single-level
// pivot uses the raw key.
func SplitPivotKey(key string, levels int) []string {
	if levels <= 1 {
		return []string{key}
	}

	return strings.SplitN(key, PivotKeyDelimiter, levels)
}

// JoinPivotKey builds a composite key from per-level segments.
func JoinPivotKey(segments []string) string {
	return strings.Join(segments, PivotKeyDelimiter)
}
