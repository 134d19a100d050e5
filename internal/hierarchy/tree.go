package hierarchy

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/HendryAvila/tasklens/internal/skeleton"
)

// DefaultMaxDepth bounds tree depth so corrupted data always terminates.
const DefaultMaxDepth = 100

// TreeNode is one task in a built tree. Trees are built fresh for every
// query; use Clone before handing a shared tree to another caller.
type TreeNode struct {
	TaskID          string          `json:"task_id"`
	ParentID        string          `json:"parent_id,omitempty"`
	Title           string          `json:"title"`
	Mode            string          `json:"mode,omitempty"`
	WorkspacePath   string          `json:"workspace_path,omitempty"`
	LastActivityAt  time.Time       `json:"last_activity_at"`
	MessageCount    int             `json:"message_count"`
	ActionCount     int             `json:"action_count"`
	IsCompleted     bool            `json:"is_completed"`
	Depth           int             `json:"depth"`
	Confidence      float64         `json:"confidence,omitempty"`
	DetectionMethod DetectionMethod `json:"detection_method,omitempty"`
	ChildrenCount   int             `json:"children_count"`
	HasParent       bool            `json:"has_parent"`
	IsCurrentTask   bool            `json:"is_current_task"`
	// DepthLimited is set when children exist but were not expanded.
	DepthLimited bool        `json:"depth_limited,omitempty"`
	Children     []*TreeNode `json:"children,omitempty"`
}

// Clone deep-copies the subtree rooted at n.
func (n *TreeNode) Clone() *TreeNode {
	if n == nil {
		return nil
	}
	out := *n
	if n.Children != nil {
		out.Children = make([]*TreeNode, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return &out
}

// Walk visits the subtree in pre-order until fn returns false.
func (n *TreeNode) Walk(fn func(*TreeNode) bool) bool {
	if n == nil {
		return true
	}
	if !fn(n) {
		return false
	}
	for _, c := range n.Children {
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// Count returns the number of nodes in the subtree.
func (n *TreeNode) Count() int {
	count := 0
	n.Walk(func(*TreeNode) bool { count++; return true })
	return count
}

// IDs returns task ids in pre-order.
func (n *TreeNode) IDs() []string {
	var ids []string
	n.Walk(func(t *TreeNode) bool { ids = append(ids, t.TaskID); return true })
	return ids
}

// TreeOptions controls a tree query.
type TreeOptions struct {
	// IncludeSiblings builds the whole tree from the absolute root. When
	// false only the path from the root to the task and the task's own
	// descendants are kept.
	IncludeSiblings bool `json:"include_siblings"`
	// MaxDepth caps node depth; 0 or anything above DefaultMaxDepth means
	// DefaultMaxDepth.
	MaxDepth int `json:"max_depth,omitempty"`
	// CurrentTaskID flags the matching node: an exact id, or a short id
	// prefix of at most skeleton.ShortIDLength characters.
	CurrentTaskID string `json:"current_task_id,omitempty"`
}

func (o TreeOptions) maxDepth() int {
	if o.MaxDepth <= 0 || o.MaxDepth > DefaultMaxDepth {
		return DefaultMaxDepth
	}
	return o.MaxDepth
}

// Forest is the read-only arena of one scan generation: records by id plus
// the reconstructed edges between them.
type Forest struct {
	records map[string]skeleton.TaskRecord
	order   []string
	rec     *Reconstruction
	logger  *slog.Logger
}

// NewForest indexes records by id. A nil logger discards output.
func NewForest(records []skeleton.TaskRecord, rec *Reconstruction, logger *slog.Logger) *Forest {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if rec == nil {
		rec = &Reconstruction{Adjacency: map[string][]string{}, Parents: map[string]Edge{}}
	}
	f := &Forest{
		records: make(map[string]skeleton.TaskRecord, len(records)),
		order:   make([]string, 0, len(records)),
		rec:     rec,
		logger:  logger,
	}
	for _, r := range records {
		if _, dup := f.records[r.ID]; dup {
			logger.Warn("duplicate task id ignored", "task_id", r.ID)
			continue
		}
		f.records[r.ID] = r
		f.order = append(f.order, r.ID)
	}
	return f
}

// Len returns the number of records.
func (f *Forest) Len() int { return len(f.order) }

// IDs returns all record ids in load order.
func (f *Forest) IDs() []string { return append([]string(nil), f.order...) }

// Reconstruction returns the edges the forest was built from.
func (f *Forest) Reconstruction() *Reconstruction { return f.rec }

// Record returns the record with exactly id. The returned value shares its
// slices with the arena and must be treated as read-only.
func (f *Forest) Record(id string) (skeleton.TaskRecord, bool) {
	r, ok := f.records[id]
	return r, ok
}

// ResolveID accepts an exact id or a unique id prefix.
func (f *Forest) ResolveID(id string) (string, error) {
	id = strings.TrimSpace(id)
	if _, ok := f.records[id]; ok {
		return id, nil
	}
	var matches []string
	if id != "" {
		for _, rid := range f.order {
			if strings.HasPrefix(rid, id) {
				matches = append(matches, rid)
			}
		}
	}
	switch len(matches) {
	case 0:
		samples := f.order
		if len(samples) > maxNotFoundSamples {
			samples = samples[:maxNotFoundSamples]
		}
		return "", &NotFoundError{ID: id, Samples: append([]string(nil), samples...)}
	case 1:
		return matches[0], nil
	default:
		if len(matches) > maxAmbiguousSamples {
			matches = matches[:maxAmbiguousSamples]
		}
		return "", &AmbiguousIDError{Prefix: id, Candidates: matches}
	}
}

// parentOf returns the resolved parent, falling back to declared metadata.
func (f *Forest) parentOf(id string) string {
	if e, ok := f.rec.Parents[id]; ok {
		return e.ParentID
	}
	if r, ok := f.records[id]; ok {
		return r.DeclaredParentID
	}
	return ""
}

// Roots returns the ids of records without a loaded parent, in load order.
func (f *Forest) Roots() []string {
	var roots []string
	for _, id := range f.order {
		p := f.parentOf(id)
		if _, ok := f.records[p]; p == "" || !ok {
			roots = append(roots, id)
		}
	}
	return roots
}

// FindAbsoluteRoot walks parents upward from id and returns the topmost
// task. The walk stops at a missing parent, and at the first repeated id,
// which is logged as a cycle.
func (f *Forest) FindAbsoluteRoot(id string) string {
	visited := map[string]bool{}
	cur := id
	for {
		visited[cur] = true
		parent := f.parentOf(cur)
		if parent == "" {
			return cur
		}
		if _, ok := f.records[parent]; !ok {
			return cur
		}
		if visited[parent] {
			f.logger.Warn("cycle detected while resolving root", "task_id", id, "at", cur, "parent_id", parent)
			return cur
		}
		cur = parent
	}
}

// BuildTree builds the full subtree under rootID using every reconstructed
// edge.
func (f *Forest) BuildTree(rootID string, opts TreeOptions) (*TreeNode, error) {
	id, err := f.ResolveID(rootID)
	if err != nil {
		return nil, err
	}
	return f.buildTree(id, 0, map[string]bool{}, opts.maxDepth(), f.rec.Adjacency, opts.CurrentTaskID), nil
}

// Tree answers a tree query for id: either the whole tree it belongs to or,
// without siblings, only its ancestry and descendants.
func (f *Forest) Tree(id string, opts TreeOptions) (*TreeNode, error) {
	target, err := f.ResolveID(id)
	if err != nil {
		return nil, err
	}
	current := opts.CurrentTaskID
	if current == "" {
		current = target
	}
	root := f.FindAbsoluteRoot(target)
	adj := f.rec.Adjacency
	if !opts.IncludeSiblings {
		adj = f.pathAdjacency(root, target)
	}
	return f.buildTree(root, 0, map[string]bool{}, opts.maxDepth(), adj, current), nil
}

// FullTree builds one tree per root. Tasks caught in a parent cycle have
// no root; each such cycle is entered at the task FindAbsoluteRoot picks.
func (f *Forest) FullTree(opts TreeOptions) []*TreeNode {
	visited := map[string]bool{}
	var trees []*TreeNode
	for _, id := range f.Roots() {
		if t := f.buildTree(id, 0, visited, opts.maxDepth(), f.rec.Adjacency, opts.CurrentTaskID); t != nil {
			trees = append(trees, t)
		}
	}
	for _, id := range f.order {
		if visited[id] {
			continue
		}
		root := f.FindAbsoluteRoot(id)
		if t := f.buildTree(root, 0, visited, opts.maxDepth(), f.rec.Adjacency, opts.CurrentTaskID); t != nil {
			trees = append(trees, t)
		}
	}
	return trees
}

// buildTree is the depth-first builder. id is marked visited before its
// children are expanded, so a cycle is cut at its second occurrence.
func (f *Forest) buildTree(id string, depth int, visited map[string]bool, maxDepth int, adj map[string][]string, current string) *TreeNode {
	if visited[id] {
		f.logger.Warn("cycle detected, edge dropped", "task_id", id, "depth", depth)
		return nil
	}
	if depth > maxDepth {
		return nil
	}
	r, ok := f.records[id]
	if !ok {
		return nil
	}
	visited[id] = true

	node := &TreeNode{
		TaskID:         r.ID,
		Title:          r.Title,
		Mode:           r.Mode,
		WorkspacePath:  r.WorkspacePath,
		LastActivityAt: r.LastActivityAt,
		MessageCount:   r.MessageCount,
		ActionCount:    r.ActionCount,
		IsCompleted:    r.IsCompleted,
		Depth:          depth,
		IsCurrentTask:  matchesCurrent(r.ID, current),
	}
	if e, ok := f.rec.Parents[id]; ok {
		node.ParentID = e.ParentID
		node.HasParent = true
		node.DetectionMethod = e.Method
		if e.Method == MethodFuzzyIndex {
			node.Confidence = e.Confidence
		}
	}

	children := adj[id]
	node.ChildrenCount = len(children)
	if depth >= maxDepth {
		if len(children) > 0 {
			node.DepthLimited = true
			f.logger.Debug("depth limit reached", "task_id", id, "depth", depth, "hidden_children", len(children))
		}
		return node
	}
	for _, c := range children {
		if child := f.buildTree(c, depth+1, visited, maxDepth, adj, current); child != nil {
			node.Children = append(node.Children, child)
		}
	}
	return node
}

// pathAdjacency keeps only edges on the path from root to target plus the
// whole subtree below target. A node is kept if it is the target or if at
// least one of its children is kept.
func (f *Forest) pathAdjacency(root, target string) map[string][]string {
	out := make(map[string][]string)
	visited := make(map[string]bool)

	var copySubtree func(id string)
	copySubtree = func(id string) {
		for _, c := range f.rec.Adjacency[id] {
			if visited[c] {
				continue
			}
			visited[c] = true
			out[id] = append(out[id], c)
			copySubtree(c)
		}
	}

	var keep func(id string) bool
	keep = func(id string) bool {
		if visited[id] {
			return false
		}
		visited[id] = true
		if id == target {
			copySubtree(id)
			return true
		}
		kept := false
		for _, c := range f.rec.Adjacency[id] {
			if keep(c) {
				out[id] = append(out[id], c)
				kept = true
			}
		}
		return kept
	}
	keep(root)
	return out
}

// Chain returns the records on the path from the absolute root down to id,
// root first.
func (f *Forest) Chain(id string) ([]skeleton.TaskRecord, error) {
	target, err := f.ResolveID(id)
	if err != nil {
		return nil, err
	}
	var path []string
	visited := map[string]bool{}
	for cur := target; cur != ""; cur = f.parentOf(cur) {
		if _, ok := f.records[cur]; !ok || visited[cur] {
			break
		}
		visited[cur] = true
		path = append(path, cur)
	}
	chain := make([]skeleton.TaskRecord, len(path))
	for i, pid := range path {
		chain[len(path)-1-i] = f.records[pid]
	}
	return chain, nil
}

// Flatten returns the records of a tree in pre-order.
func (f *Forest) Flatten(tree *TreeNode) []skeleton.TaskRecord {
	var out []skeleton.TaskRecord
	tree.Walk(func(n *TreeNode) bool {
		if r, ok := f.records[n.TaskID]; ok {
			out = append(out, r)
		}
		return true
	})
	return out
}

func matchesCurrent(id, current string) bool {
	if current == "" {
		return false
	}
	if id == current {
		return true
	}
	return len(current) <= skeleton.ShortIDLength && strings.HasPrefix(id, current)
}
