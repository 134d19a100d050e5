package state

import (
	"fmt"
	"sort"
	"strings"

	"github.com/HendryAvila/tasklens/internal/cache"
	"github.com/HendryAvila/tasklens/internal/hierarchy"
	"github.com/HendryAvila/tasklens/internal/skeleton"
	"github.com/HendryAvila/tasklens/internal/truncation"
)

// ─── Trees ───────────────────────────────────────────────────────────────────

// Tree answers a tree query for id. Results are cached per generation and
// options; the caller receives its own copy.
func (m *Manager) Tree(id string, opts hierarchy.TreeOptions) (*hierarchy.TreeNode, error) {
	g, err := m.generation()
	if err != nil {
		return nil, err
	}
	target, err := g.Forest.ResolveID(id)
	if err != nil {
		return nil, err
	}
	opts = m.treeOptions(opts)

	key := fmt.Sprintf("%s%s:%s:siblings=%t:depth=%d:current=%s",
		cache.TreePrefix, g.Key, target, opts.IncludeSiblings, opts.MaxDepth, opts.CurrentTaskID)
	if tree, ok := cache.GetAs[*hierarchy.TreeNode](m.cache, key); ok {
		return tree.Clone(), nil
	}

	tree, err := g.Forest.Tree(target, opts)
	if err != nil {
		return nil, err
	}
	m.remember(g, key, tree,
		cache.WithTags(cache.TagTree, cache.ConfigTag(ConfigHierarchy)),
		cache.WithVersion(m.cache.ConfigVersion(ConfigHierarchy)))
	return tree.Clone(), nil
}

// FullTree returns one tree per root of the current generation. Queries
// without a current task are cached under the generation's full-tree key.
func (m *Manager) FullTree(opts hierarchy.TreeOptions) ([]*hierarchy.TreeNode, error) {
	g, err := m.generation()
	if err != nil {
		return nil, err
	}
	cacheable := opts.CurrentTaskID == ""
	opts = m.treeOptions(opts)
	key := cache.TaskTreeKey(g.Key, opts.MaxDepth)
	if cacheable {
		if trees, ok := cache.GetAs[[]*hierarchy.TreeNode](m.cache, key); ok {
			return cloneTrees(trees), nil
		}
	}
	trees := g.Forest.FullTree(opts)
	if cacheable {
		m.remember(g, key, trees,
			cache.WithTags(cache.TagTree, cache.ConfigTag(ConfigHierarchy)),
			cache.WithVersion(m.cache.ConfigVersion(ConfigHierarchy)))
	}
	return cloneTrees(trees), nil
}

func (m *Manager) treeOptions(opts hierarchy.TreeOptions) hierarchy.TreeOptions {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = m.Config().Hierarchy.MaxDepth
	}
	return opts
}

func cloneTrees(trees []*hierarchy.TreeNode) []*hierarchy.TreeNode {
	out := make([]*hierarchy.TreeNode, len(trees))
	for i, t := range trees {
		out[i] = t.Clone()
	}
	return out
}

// Chain returns the records from the absolute root down to id.
func (m *Manager) Chain(id string) ([]skeleton.TaskRecord, error) {
	g, err := m.generation()
	if err != nil {
		return nil, err
	}
	return g.Forest.Chain(id)
}

// ─── Truncated views ─────────────────────────────────────────────────────────

// ViewMode selects which records a truncated view covers.
type ViewMode string

const (
	// ViewChain covers the path from the root down to the task.
	ViewChain ViewMode = "chain"
	// ViewTree covers the whole tree the task belongs to, in pre-order.
	ViewTree ViewMode = "tree"
)

// View is a size-bounded rendering input: the records of a chain or tree
// with truncation plans applied. Views are shared through the cache and
// must be treated as read-only.
type View struct {
	GenerationID string                `json:"generation_id"`
	TargetID     string                `json:"target_id"`
	Mode         ViewMode              `json:"mode"`
	Records      []skeleton.TaskRecord `json:"records"`
	Truncation   truncation.Result     `json:"truncation"`
}

// TruncatedView plans and projects truncation over the records around id.
// A nil override uses the configured truncation settings; only those
// views are cached.
func (m *Manager) TruncatedView(id string, mode ViewMode, override *truncation.Config) (*View, error) {
	g, err := m.generation()
	if err != nil {
		return nil, err
	}
	target, err := g.Forest.ResolveID(id)
	if err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ViewChain
	}

	cfg := m.Config().Truncation
	key := ""
	if override != nil {
		cfg = *override
	} else {
		key = fmt.Sprintf("view:%s:%s:%s:depth=%d:%s",
			g.Key, target, mode, m.Config().Hierarchy.MaxDepth, m.cache.ConfigVersion(ConfigTruncation))
		if v, ok := cache.GetAs[*View](m.cache, key); ok {
			return v, nil
		}
	}

	var records []skeleton.TaskRecord
	switch mode {
	case ViewChain:
		if records, err = g.Forest.Chain(target); err != nil {
			return nil, err
		}
	case ViewTree:
		tree, err := g.Forest.Tree(target, m.treeOptions(hierarchy.TreeOptions{IncludeSiblings: true}))
		if err != nil {
			return nil, err
		}
		records = g.Forest.Flatten(tree)
	default:
		return nil, fmt.Errorf("state: unknown view mode %q", mode)
	}

	res := m.trunc.Apply(records, cfg)
	view := &View{
		GenerationID: g.ID,
		TargetID:     target,
		Mode:         mode,
		Records:      truncation.Project(records, res.Plans),
		Truncation:   res,
	}
	if key != "" {
		m.remember(g, key, view,
			cache.WithTags(cache.TagTree, cache.ConfigTag(ConfigTruncation)),
			cache.WithVersion(m.cache.ConfigVersion(ConfigTruncation)))
	}
	return view, nil
}

// ─── Search ──────────────────────────────────────────────────────────────────

type searchFilters struct {
	Generation string                 `json:"generation"`
	Options    skeleton.SearchOptions `json:"options"`
}

// Search finds tasks by text. Results come from the record source when
// one is configured and from the in-memory generation otherwise; each
// distinct query and filter combination is cached separately.
func (m *Manager) Search(query string, opts skeleton.SearchOptions) ([]skeleton.SearchResult, error) {
	g, err := m.generation()
	if err != nil {
		return nil, err
	}
	filters := searchFilters{Generation: g.Key, Options: opts}
	key := cache.SearchKey(query, filters)
	if results, ok := cache.GetAs[[]skeleton.SearchResult](m.cache, key); ok {
		return append([]skeleton.SearchResult(nil), results...), nil
	}

	var results []skeleton.SearchResult
	if m.source != nil {
		if results, err = m.source.Search(query, opts); err != nil {
			return nil, fmt.Errorf("state: search: %w", err)
		}
	} else {
		results = searchRecords(g.Records, query, opts)
	}
	m.cache.SetSearch(query, filters, results, cache.WithTags(cache.GenerationTag(g.Key)))
	m.dropIfSuperseded(g, key)
	return append([]skeleton.SearchResult(nil), results...), nil
}

// searchRecords is a case-insensitive substring search over titles and
// message text, most recently active first.
func searchRecords(records []skeleton.TaskRecord, query string, opts skeleton.SearchOptions) []skeleton.SearchResult {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	q := strings.ToLower(strings.TrimSpace(query))

	var results []skeleton.SearchResult
	for _, r := range records {
		if opts.Workspace != "" && r.WorkspacePath != opts.Workspace {
			continue
		}
		if opts.Mode != "" && r.Mode != opts.Mode {
			continue
		}
		snippet, ok := matchRecord(r, q)
		if !ok {
			continue
		}
		results = append(results, skeleton.SearchResult{
			ID:             r.ID,
			Title:          r.Title,
			WorkspacePath:  r.WorkspacePath,
			Mode:           r.Mode,
			LastActivityAt: r.LastActivityAt,
			IsCompleted:    r.IsCompleted,
			Snippet:        snippet,
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].LastActivityAt.After(results[j].LastActivityAt)
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

func matchRecord(r skeleton.TaskRecord, q string) (string, bool) {
	if q == "" {
		return skeleton.Truncate(r.Title, 200), true
	}
	if strings.Contains(strings.ToLower(r.Title), q) {
		return skeleton.Truncate(r.Title, 200), true
	}
	for _, e := range r.Sequence {
		if e.Message == nil {
			continue
		}
		if strings.Contains(strings.ToLower(e.Message.Content), q) {
			return skeleton.Truncate(e.Message.Content, 200), true
		}
	}
	return "", false
}

// ─── Declarations ────────────────────────────────────────────────────────────

// DeclaredChild is a child reconstructed under a task.
type DeclaredChild struct {
	TaskID     string                    `json:"task_id"`
	Title      string                    `json:"title"`
	Method     hierarchy.DetectionMethod `json:"method"`
	Confidence float64                   `json:"confidence,omitempty"`
	Prefix     string                    `json:"prefix,omitempty"`
}

// Declarations lists what a task declared and which children were linked
// under it.
type Declarations struct {
	TaskID   string          `json:"task_id"`
	Title    string          `json:"title"`
	Prefixes []string        `json:"prefixes"`
	Children []DeclaredChild `json:"children"`
}

// DeclaredChildren reports the child-instruction prefixes of id and the
// children the current generation linked under it.
func (m *Manager) DeclaredChildren(id string) (*Declarations, error) {
	g, err := m.generation()
	if err != nil {
		return nil, err
	}
	target, err := g.Forest.ResolveID(id)
	if err != nil {
		return nil, err
	}
	r, _ := g.Forest.Record(target)
	recon := g.Forest.Reconstruction()

	out := &Declarations{
		TaskID:   target,
		Title:    r.Title,
		Prefixes: append([]string(nil), r.ChildInstructionPrefixes...),
	}
	for _, cid := range recon.Children(target) {
		e, _ := recon.Parent(cid)
		child, _ := g.Forest.Record(cid)
		dc := DeclaredChild{TaskID: cid, Title: child.Title, Method: e.Method, Prefix: e.Prefix}
		if e.Method == hierarchy.MethodFuzzyIndex {
			dc.Confidence = e.Confidence
		}
		out.Children = append(out.Children, dc)
	}
	return out, nil
}
