package hierarchy_test

import (
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/HendryAvila/tasklens/internal/hierarchy"
	"github.com/HendryAvila/tasklens/internal/skeleton"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

var baseTime = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// rec builds a record created i minutes after baseTime.
func rec(i int, id, parent, title string, prefixes ...string) skeleton.TaskRecord {
	created := baseTime.Add(time.Duration(i) * time.Minute)
	return skeleton.TaskRecord{
		ID:                       id,
		DeclaredParentID:         parent,
		Title:                    title,
		CreatedAt:                created,
		LastActivityAt:           created,
		ChildInstructionPrefixes: prefixes,
	}
}

func build(t *testing.T, records ...skeleton.TaskRecord) *hierarchy.Forest {
	t.Helper()
	ix := hierarchy.BuildIndex(records)
	recon := hierarchy.NewEngine(nil).Reconstruct(records, ix)
	return hierarchy.NewForest(records, recon, nil)
}

func mustTree(t *testing.T, f *hierarchy.Forest, id string, opts hierarchy.TreeOptions) *hierarchy.TreeNode {
	t.Helper()
	tree, err := f.Tree(id, opts)
	if err != nil {
		t.Fatalf("Tree(%q) error: %v", id, err)
	}
	if tree == nil {
		t.Fatalf("Tree(%q) returned nil", id)
	}
	return tree
}

func find(tree *hierarchy.TreeNode, id string) *hierarchy.TreeNode {
	var found *hierarchy.TreeNode
	tree.Walk(func(n *hierarchy.TreeNode) bool {
		if n.TaskID == id {
			found = n
			return false
		}
		return true
	})
	return found
}

// ─── Reconstruction ──────────────────────────────────────────────────────────

func TestReconstruct_MetadataEdges(t *testing.T) {
	records := []skeleton.TaskRecord{
		rec(0, "root", "", "Plan the release"),
		rec(1, "child-1", "root", "Write changelog"),
		rec(2, "child-2", "root", "Tag the build"),
		rec(3, "grandchild", "child-1", "Collect merged PRs"),
	}
	recon := hierarchy.NewEngine(nil).Reconstruct(records, nil)

	if got := recon.Children("root"); !reflect.DeepEqual(got, []string{"child-1", "child-2"}) {
		t.Errorf("Children(root) = %v", got)
	}
	if recon.MetadataEdges != 3 || recon.FuzzyEdges != 0 {
		t.Errorf("edges = %d metadata / %d fuzzy, want 3 / 0", recon.MetadataEdges, recon.FuzzyEdges)
	}
	e, ok := recon.Parent("grandchild")
	if !ok || e.ParentID != "child-1" || e.Method != hierarchy.MethodMetadata {
		t.Errorf("Parent(grandchild) = %+v, %v", e, ok)
	}
}

func TestReconstruct_DanglingAndSelfParent(t *testing.T) {
	records := []skeleton.TaskRecord{
		rec(0, "a", "missing", "Alpha"),
		rec(1, "b", "b", "Beta"),
	}
	recon := hierarchy.NewEngine(nil).Reconstruct(records, hierarchy.BuildIndex(records))
	if len(recon.Parents) != 0 {
		t.Errorf("expected no edges, got %+v", recon.Parents)
	}
	if !reflect.DeepEqual(recon.DanglingParents, []string{"a"}) {
		t.Errorf("DanglingParents = %v", recon.DanglingParents)
	}
}

func TestReconstruct_FuzzyLinksOrphanUnderDeclaringTask(t *testing.T) {
	records := []skeleton.TaskRecord{
		rec(0, "A", "", "Coordinate the work", "do x"),
		rec(1, "B", "A", "Something declared"),
		rec(2, "C", "", "do X"),
	}
	f := build(t, records...)

	e, ok := f.Reconstruction().Parent("C")
	if !ok {
		t.Fatal("C should be linked under A")
	}
	if e.ParentID != "A" {
		t.Errorf("C parent = %q, want A", e.ParentID)
	}
	if e.Method != hierarchy.MethodFuzzyIndex {
		t.Errorf("method = %q, want fuzzy-index", e.Method)
	}
	if e.Confidence <= 0.2 {
		t.Errorf("confidence = %v, want > 0.2", e.Confidence)
	}

	tree := mustTree(t, f, "C", hierarchy.TreeOptions{IncludeSiblings: true})
	if tree.TaskID != "A" {
		t.Fatalf("root = %q, want A", tree.TaskID)
	}
	c := find(tree, "C")
	if c == nil || c.DetectionMethod != hierarchy.MethodFuzzyIndex || c.Confidence != e.Confidence {
		t.Errorf("tree node for C = %+v", c)
	}
	if b := find(tree, "B"); b == nil || b.DetectionMethod != hierarchy.MethodMetadata || b.Confidence != 0 {
		t.Errorf("tree node for B = %+v", b)
	}
}

func TestReconstruct_DeclaredParentNeverOverriddenByIndex(t *testing.T) {
	records := []skeleton.TaskRecord{
		rec(0, "P1", "", "First parent", "refactor storage layer"),
		rec(1, "P2", "", "Second parent"),
		rec(2, "K", "P2", "refactor storage layer"),
	}
	f := build(t, records...)
	e, _ := f.Reconstruction().Parent("K")
	if e.ParentID != "P2" || e.Method != hierarchy.MethodMetadata {
		t.Errorf("K parent = %+v, want metadata edge from P2", e)
	}
}

func TestReconstruct_TopCandidateWins(t *testing.T) {
	records := []skeleton.TaskRecord{
		rec(0, "weak", "", "Weak parent", "write integration tests for billing"),
		rec(1, "strong", "", "Strong parent", "write integration tests for payment service"),
		rec(2, "orphan", "", "Write integration tests for payment service"),
	}
	f := build(t, records...)
	e, ok := f.Reconstruction().Parent("orphan")
	if !ok || e.ParentID != "strong" {
		t.Errorf("orphan parent = %+v, want strong", e)
	}
}

// A task is never linked by matching its own declarations, and a task
// that declared nothing never becomes anyone's parent.
func TestReconstruct_NoBackwardInference(t *testing.T) {
	records := []skeleton.TaskRecord{
		rec(0, "self", "", "deploy staging cluster", "deploy staging cluster"),
		rec(1, "silent", "", "deploy staging cluster nodes"),
		rec(2, "other", "", "deploy staging cluster again"),
	}
	f := build(t, records...)
	recon := f.Reconstruction()

	if e, ok := recon.Parent("self"); ok {
		t.Errorf("self linked to %+v", e)
	}
	for child, e := range recon.Parents {
		if e.ParentID != "self" {
			t.Errorf("%s linked under %s, which declared nothing", child, e.ParentID)
		}
	}
	if len(recon.Children("silent")) != 0 || len(recon.Children("other")) != 0 {
		t.Errorf("tasks without declarations gained children: %v", recon.Adjacency)
	}
}

// ─── ID resolution ───────────────────────────────────────────────────────────

func TestResolveID(t *testing.T) {
	records := []skeleton.TaskRecord{
		rec(0, "abc12345-0001", "", "one"),
		rec(1, "abc12345-0002", "", "two"),
		rec(2, "fff00000-0003", "", "three"),
	}
	f := build(t, records...)

	if id, err := f.ResolveID("fff"); err != nil || id != "fff00000-0003" {
		t.Errorf("ResolveID(fff) = %q, %v", id, err)
	}
	if id, err := f.ResolveID("abc12345-0001"); err != nil || id != "abc12345-0001" {
		t.Errorf("exact ResolveID = %q, %v", id, err)
	}

	_, err := f.ResolveID("abc")
	var amb *hierarchy.AmbiguousIDError
	if !errors.As(err, &amb) || !errors.Is(err, hierarchy.ErrAmbiguousID) {
		t.Fatalf("expected AmbiguousIDError, got %v", err)
	}
	if len(amb.Candidates) != 2 {
		t.Errorf("candidates = %v", amb.Candidates)
	}

	_, err = f.ResolveID("zzz")
	var nf *hierarchy.NotFoundError
	if !errors.As(err, &nf) || !errors.Is(err, hierarchy.ErrTaskNotFound) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	if len(nf.Samples) != 3 {
		t.Errorf("samples = %v", nf.Samples)
	}
}

func TestResolveID_BoundedSamples(t *testing.T) {
	var records []skeleton.TaskRecord
	for i := 0; i < 25; i++ {
		records = append(records, rec(i, fmt.Sprintf("task-%02d", i), "", "t"))
	}
	f := build(t, records...)

	_, err := f.ResolveID("nope")
	var nf *hierarchy.NotFoundError
	if !errors.As(err, &nf) || len(nf.Samples) != 10 {
		t.Fatalf("expected 10 samples, got %v", err)
	}

	_, err = f.ResolveID("task-")
	var amb *hierarchy.AmbiguousIDError
	if !errors.As(err, &amb) || len(amb.Candidates) != 5 {
		t.Fatalf("expected 5 candidates, got %v", err)
	}
}

// ─── Trees ───────────────────────────────────────────────────────────────────

func familyRecords() []skeleton.TaskRecord {
	return []skeleton.TaskRecord{
		rec(0, "root", "", "Root"),
		rec(1, "left", "root", "Left"),
		rec(2, "right", "root", "Right"),
		rec(3, "left-a", "left", "Left A"),
		rec(4, "left-b", "left", "Left B"),
		rec(5, "right-a", "right", "Right A"),
		rec(6, "left-a-1", "left-a", "Left A 1"),
	}
}

func TestTree_IncludeSiblings(t *testing.T) {
	f := build(t, familyRecords()...)
	tree := mustTree(t, f, "left-a", hierarchy.TreeOptions{IncludeSiblings: true})

	if tree.TaskID != "root" {
		t.Fatalf("root = %q", tree.TaskID)
	}
	if tree.Count() != 7 {
		t.Errorf("Count() = %d, want 7", tree.Count())
	}
	if n := find(tree, "left-a"); n == nil || !n.IsCurrentTask || n.Depth != 2 || !n.HasParent {
		t.Errorf("left-a node = %+v", n)
	}
	if tree.HasParent || tree.ChildrenCount != 2 {
		t.Errorf("root node = %+v", tree)
	}
}

func TestTree_ExcludeSiblings(t *testing.T) {
	f := build(t, familyRecords()...)
	tree := mustTree(t, f, "left-a", hierarchy.TreeOptions{})

	want := []string{"root", "left", "left-a", "left-a-1"}
	if got := tree.IDs(); !reflect.DeepEqual(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
}

func TestTree_CurrentTaskShortID(t *testing.T) {
	records := []skeleton.TaskRecord{
		rec(0, "0123456789abcdef", "", "Root"),
		rec(1, "fedcba9876543210", "0123456789abcdef", "Child"),
	}
	f := build(t, records...)
	tree := mustTree(t, f, "0123456789abcdef", hierarchy.TreeOptions{IncludeSiblings: true, CurrentTaskID: "fedcba98"})

	if tree.IsCurrentTask {
		t.Error("root should not be current")
	}
	if len(tree.Children) != 1 || !tree.Children[0].IsCurrentTask {
		t.Errorf("child should be current: %+v", tree.Children)
	}
}

func TestBuildTree_CycleTerminates(t *testing.T) {
	records := []skeleton.TaskRecord{
		rec(0, "A", "B", "A"),
		rec(1, "B", "A", "B"),
		rec(2, "C", "B", "C"),
	}
	f := build(t, records...)

	for _, id := range []string{"A", "B", "C"} {
		tree := mustTree(t, f, id, hierarchy.TreeOptions{IncludeSiblings: true})
		seen := map[string]int{}
		tree.Walk(func(n *hierarchy.TreeNode) bool {
			seen[n.TaskID]++
			return true
		})
		for tid, count := range seen {
			if count > 1 {
				t.Errorf("tree for %s repeats %s %d times", id, tid, count)
			}
		}
		if tree.Count() != 3 {
			t.Errorf("tree for %s has %d nodes, want 3", id, tree.Count())
		}
	}

	if root := f.FindAbsoluteRoot("C"); root != "A" && root != "B" {
		t.Errorf("FindAbsoluteRoot(C) = %q, want a cycle member", root)
	}
}

func TestBuildTree_DepthBound(t *testing.T) {
	var records []skeleton.TaskRecord
	parent := ""
	for i := 0; i < 30; i++ {
		id := fmt.Sprintf("n%02d", i)
		records = append(records, rec(i, id, parent, id))
		parent = id
	}
	f := build(t, records...)

	for _, k := range []int{1, 3, 10} {
		tree, err := f.BuildTree("n00", hierarchy.TreeOptions{MaxDepth: k})
		if err != nil {
			t.Fatal(err)
		}
		deepest := 0
		tree.Walk(func(n *hierarchy.TreeNode) bool {
			if n.Depth > deepest {
				deepest = n.Depth
			}
			return true
		})
		if deepest > k {
			t.Errorf("MaxDepth %d produced depth %d", k, deepest)
		}
		last := find(tree, fmt.Sprintf("n%02d", deepest))
		if last == nil || !last.DepthLimited {
			t.Errorf("MaxDepth %d: deepest node should be marked depth-limited: %+v", k, last)
		}
	}
}

func TestBuildTree_NotFound(t *testing.T) {
	f := build(t, familyRecords()...)
	if _, err := f.BuildTree("missing", hierarchy.TreeOptions{}); !errors.Is(err, hierarchy.ErrTaskNotFound) {
		t.Errorf("expected not-found, got %v", err)
	}
}

func TestFullTree_CoversEveryTask(t *testing.T) {
	records := append(familyRecords(),
		rec(10, "X", "Y", "X"),
		rec(11, "Y", "X", "Y"),
		rec(12, "solo", "", "Solo"),
	)
	f := build(t, records...)
	trees := f.FullTree(hierarchy.TreeOptions{})

	total := 0
	for _, tr := range trees {
		total += tr.Count()
	}
	if total != len(records) {
		t.Errorf("FullTree covers %d nodes, want %d", total, len(records))
	}
}

func TestChain(t *testing.T) {
	f := build(t, familyRecords()...)
	chain, err := f.Chain("left-a-1")
	if err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, r := range chain {
		ids = append(ids, r.ID)
	}
	want := []string{"root", "left", "left-a", "left-a-1"}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("Chain = %v, want %v", ids, want)
	}
}

func TestTreeNode_CloneIsIndependent(t *testing.T) {
	f := build(t, familyRecords()...)
	tree := mustTree(t, f, "root", hierarchy.TreeOptions{IncludeSiblings: true})
	cp := tree.Clone()
	cp.Children[0].Title = "changed"
	cp.Children = cp.Children[:1]
	if tree.Children[0].Title == "changed" || len(tree.Children) != 2 {
		t.Error("Clone shares state with the original")
	}
}
