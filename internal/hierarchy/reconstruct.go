// Package hierarchy rebuilds parent/child relationships between task
// records and turns them into cycle-safe trees.
//
// Reconstruction runs in two passes. The first trusts declared parent ids
// from metadata and nothing else. The second is best effort: a task with no
// declared parent is attached under the task whose declared child
// instruction best matches the text the task was started with.
package hierarchy

import (
	"io"
	"log/slog"
	"sort"

	"github.com/HendryAvila/tasklens/internal/instruction"
	"github.com/HendryAvila/tasklens/internal/skeleton"
)

// DetectionMethod records how an edge was established.
type DetectionMethod string

const (
	MethodMetadata   DetectionMethod = "metadata"
	MethodFuzzyIndex DetectionMethod = "fuzzy-index"
)

// Edge is a resolved parent → child link.
type Edge struct {
	ParentID   string          `json:"parent_id"`
	ChildID    string          `json:"child_id"`
	Method     DetectionMethod `json:"method"`
	Confidence float64         `json:"confidence"`
	// Prefix is the declared instruction a fuzzy edge matched.
	Prefix string `json:"prefix,omitempty"`
}

// Reconstruction is the output of one reconstruction pass. It is built once
// and only read afterwards.
type Reconstruction struct {
	// Adjacency maps a parent id to its children, in record order.
	Adjacency map[string][]string
	// Parents maps a child id to the edge linking it to its parent.
	Parents map[string]Edge
	// MetadataEdges and FuzzyEdges count edges per pass.
	MetadataEdges int
	FuzzyEdges    int
	// DanglingParents lists children whose declared parent is not loaded.
	DanglingParents []string
}

// Children returns the child ids of id.
func (r *Reconstruction) Children(id string) []string {
	return r.Adjacency[id]
}

// Parent returns the resolved parent edge of id.
func (r *Reconstruction) Parent(id string) (Edge, bool) {
	e, ok := r.Parents[id]
	return e, ok
}

// Engine reconstructs task hierarchies.
type Engine struct {
	logger *slog.Logger
}

// NewEngine creates an Engine. A nil logger discards output.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Engine{logger: logger}
}

// BuildIndex populates a fresh instruction index from every record's
// declared child-instruction prefixes.
func BuildIndex(records []skeleton.TaskRecord, opts ...instruction.Option) *instruction.Index {
	ix := instruction.New(opts...)
	for _, r := range records {
		for _, p := range r.ChildInstructionPrefixes {
			ix.Insert(p, r.ID)
		}
	}
	return ix
}

// Reconstruct computes parent/child edges for records. Records are expected
// in chronological order; children lists follow that order.
func (e *Engine) Reconstruct(records []skeleton.TaskRecord, ix *instruction.Index) *Reconstruction {
	rec := &Reconstruction{
		Adjacency: make(map[string][]string),
		Parents:   make(map[string]Edge),
	}

	known := make(map[string]bool, len(records))
	for _, r := range records {
		known[r.ID] = true
	}

	// Pass 1: declared parents only. Never consults the index.
	for _, r := range records {
		parent := r.DeclaredParentID
		if parent == "" {
			continue
		}
		if parent == r.ID {
			e.logger.Warn("ignoring self-declared parent", "task_id", r.ID)
			continue
		}
		if !known[parent] {
			rec.DanglingParents = append(rec.DanglingParents, r.ID)
			e.logger.Debug("declared parent not loaded", "task_id", r.ID, "parent_id", parent)
			continue
		}
		rec.link(Edge{ParentID: parent, ChildID: r.ID, Method: MethodMetadata, Confidence: 1})
		rec.MetadataEdges++
	}

	// Pass 2: orphans look for a task that declared their instruction.
	if ix == nil {
		rec.sortChildren(records)
		return rec
	}
	for _, r := range records {
		if r.DeclaredParentID != "" {
			continue
		}
		text := r.InstructionText()
		if text == "" {
			continue
		}
		for _, m := range ix.FindDeclaredChildren(text) {
			if m.DeclaringTaskID == r.ID || !known[m.DeclaringTaskID] {
				continue
			}
			rec.link(Edge{
				ParentID:   m.DeclaringTaskID,
				ChildID:    r.ID,
				Method:     MethodFuzzyIndex,
				Confidence: m.Score,
				Prefix:     m.MatchedPrefix,
			})
			rec.FuzzyEdges++
			e.logger.Debug("linked orphan by declared instruction",
				"task_id", r.ID, "parent_id", m.DeclaringTaskID, "score", m.Score, "prefix", m.MatchedPrefix)
			break
		}
	}

	rec.sortChildren(records)
	e.logger.Info("hierarchy reconstructed",
		"tasks", len(records), "metadata_edges", rec.MetadataEdges, "fuzzy_edges", rec.FuzzyEdges)
	return rec
}

func (r *Reconstruction) link(edge Edge) {
	r.Adjacency[edge.ParentID] = append(r.Adjacency[edge.ParentID], edge.ChildID)
	r.Parents[edge.ChildID] = edge
}

// sortChildren orders every children list by record position, so metadata
// and fuzzy children interleave chronologically.
func (r *Reconstruction) sortChildren(records []skeleton.TaskRecord) {
	pos := make(map[string]int, len(records))
	for i, rec := range records {
		pos[rec.ID] = i
	}
	for _, children := range r.Adjacency {
		sort.SliceStable(children, func(i, j int) bool { return pos[children[i]] < pos[children[j]] })
	}
}
