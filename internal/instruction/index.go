// Package instruction indexes the child-instruction prefixes tasks declare
// when they spawn subtasks.
//
// The index answers one question only: "which tasks declared an instruction
// resembling this text?". It is consulted with the text a task was started
// with to find the task that declared it. The index holds no reverse
// mapping from a task to its own parent and offers no way to derive one; a
// link can only come from a prefix some other task explicitly declared.
package instruction

import (
	"sort"
	"unicode/utf8"

	"github.com/HendryAvila/tasklens/internal/skeleton"
)

// DefaultThreshold is the minimum similarity for FindDeclaredChildren.
const DefaultThreshold = 0.2

// Match is a declaration that resembles the queried instruction text.
type Match struct {
	DeclaringTaskID string  `json:"declaring_task_id"`
	MatchedPrefix   string  `json:"matched_prefix"`
	Score           float64 `json:"score"`
	order           int
}

// Stats describes the trie shape, for diagnostics.
type Stats struct {
	Nodes             int     `json:"nodes"`
	Instructions      int     `json:"instructions"`
	Declarations      int     `json:"declarations"`
	AverageDepth      float64 `json:"average_depth"`
	AverageLabelRunes float64 `json:"average_label_runes"`
}

// declaration is one (prefix, task) pair, numbered in insertion order.
type declaration struct {
	taskID string
	order  int
}

type node struct {
	label    string
	terminal bool
	declared []declaration
	children map[rune]*node
}

// Index is a radix trie over normalized instruction prefixes. It is built
// once per scan generation and then only read; it is not safe for
// concurrent Insert.
type Index struct {
	root      *node
	threshold float64
	next      int
}

// Option configures an Index.
type Option func(*Index)

// WithThreshold overrides the minimum match score.
func WithThreshold(t float64) Option {
	return func(ix *Index) {
		if t > 0 && t <= 1 {
			ix.threshold = t
		}
	}
}

// New returns an empty index.
func New(opts ...Option) *Index {
	ix := &Index{root: &node{children: map[rune]*node{}}, threshold: DefaultThreshold}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// Insert records that taskID declared prefix as a child instruction. The
// prefix is normalized first. Inserting the same pair twice is a no-op.
// It reports whether the pair was new.
func (ix *Index) Insert(prefix, taskID string) bool {
	key := skeleton.NormalizePrefix(prefix)
	if key == "" || taskID == "" {
		return false
	}

	n := ix.root
	for key != "" {
		first, _ := utf8.DecodeRuneInString(key)
		child, ok := n.children[first]
		if !ok {
			leaf := &node{label: key, children: map[rune]*node{}}
			n.children[first] = leaf
			n = leaf
			break
		}

		common := commonPrefixLen(child.label, key)
		if common < len(child.label) {
			// Split: child keeps the divergent tail under a new intermediate.
			mid := &node{label: child.label[:common], children: map[rune]*node{}}
			child.label = child.label[common:]
			r, _ := utf8.DecodeRuneInString(child.label)
			mid.children[r] = child
			n.children[first] = mid
			child = mid
		}
		n = child
		key = key[common:]
	}

	for _, d := range n.declared {
		if d.taskID == taskID {
			return false
		}
	}
	n.terminal = true
	n.declared = append(n.declared, declaration{taskID: taskID, order: ix.next})
	ix.next++
	return true
}

// FindDeclaredChildren scans every declared prefix and returns the
// declarations whose similarity with instructionText reaches the
// threshold, best first. Equal scores keep insertion order.
func (ix *Index) FindDeclaredChildren(instructionText string) []Match {
	if instructionText == "" {
		return nil
	}
	var matches []Match
	ix.walk(func(prefix string, n *node, _ int) {
		score := Similarity(instructionText, prefix)
		if score <= 0 || score < ix.threshold {
			return
		}
		for _, d := range n.declared {
			matches = append(matches, Match{
				DeclaringTaskID: d.taskID,
				MatchedPrefix:   prefix,
				Score:           score,
				order:           d.order,
			})
		}
	})
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].order < matches[j].order
	})
	return matches
}

// Lookup returns the ids of tasks that declared exactly prefix, in
// insertion order.
func (ix *Index) Lookup(prefix string) []string {
	key := skeleton.NormalizePrefix(prefix)
	n := ix.root
	for key != "" {
		first, _ := utf8.DecodeRuneInString(key)
		child, ok := n.children[first]
		if !ok || len(key) < len(child.label) || key[:len(child.label)] != child.label {
			return nil
		}
		n = child
		key = key[len(child.label):]
	}
	if !n.terminal {
		return nil
	}
	ids := make([]string, len(n.declared))
	for i, d := range n.declared {
		ids[i] = d.taskID
	}
	return ids
}

// Len returns the number of distinct prefixes.
func (ix *Index) Len() int {
	count := 0
	ix.walk(func(string, *node, int) { count++ })
	return count
}

// Stats reports node count, terminal count and average terminal depth
// (measured in edges from the root).
func (ix *Index) Stats() Stats {
	var st Stats
	var depthSum, labelSum int
	var visit func(n *node, depth int)
	visit = func(n *node, depth int) {
		for _, c := range n.children {
			st.Nodes++
			labelSum += utf8.RuneCountInString(c.label)
			if c.terminal {
				st.Instructions++
				st.Declarations += len(c.declared)
				depthSum += depth + 1
			}
			visit(c, depth+1)
		}
	}
	visit(ix.root, 0)
	if st.Instructions > 0 {
		st.AverageDepth = float64(depthSum) / float64(st.Instructions)
	}
	if st.Nodes > 0 {
		st.AverageLabelRunes = float64(labelSum) / float64(st.Nodes)
	}
	return st
}

// walk visits terminal nodes in deterministic (sorted edge) order with the
// full prefix they spell.
func (ix *Index) walk(fn func(prefix string, n *node, depth int)) {
	var visit func(n *node, prefix string, depth int)
	visit = func(n *node, prefix string, depth int) {
		keys := make([]rune, 0, len(n.children))
		for r := range n.children {
			keys = append(keys, r)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
		for _, r := range keys {
			c := n.children[r]
			full := prefix + c.label
			if c.terminal {
				fn(full, c, depth+1)
			}
			visit(c, full, depth+1)
		}
	}
	visit(ix.root, "", 0)
}

// commonPrefixLen returns the byte length of the longest common prefix of
// a and b that ends on a rune boundary.
func commonPrefixLen(a, b string) int {
	i := 0
	for i < len(a) && i < len(b) {
		ra, sa := utf8.DecodeRuneInString(a[i:])
		rb, sb := utf8.DecodeRuneInString(b[i:])
		if ra != rb || sa != sb {
			break
		}
		i += sa
	}
	return i
}
