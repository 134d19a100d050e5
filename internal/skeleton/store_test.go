package skeleton_test

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/HendryAvila/tasklens/internal/skeleton"
)

// newTestStore creates a Store backed by a temp directory.
// The store is automatically closed when the test finishes.
func newTestStore(t *testing.T) *skeleton.Store {
	t.Helper()
	s, err := skeleton.New(skeleton.Config{
		DataDir:          t.TempDir(),
		MaxSearchResults: 20,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var base = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func record(id, title string, minutes int) skeleton.TaskRecord {
	ts := base.Add(time.Duration(minutes) * time.Minute)
	return skeleton.TaskRecord{
		ID:             id,
		Title:          title,
		WorkspacePath:  "/ws/app",
		Mode:           "code",
		CreatedAt:      ts,
		LastActivityAt: ts,
		Sequence: []skeleton.Element{
			{Message: &skeleton.Message{Role: skeleton.RoleUser, Content: title, Timestamp: ts}},
		},
	}
}

// ─── New ─────────────────────────────────────────────────────────────────────

func TestNew_CreatesDBFile(t *testing.T) {
	dir := t.TempDir()
	s, err := skeleton.New(skeleton.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(filepath.Join(dir, "tasks.db")); err != nil {
		t.Fatalf("expected tasks.db to exist: %v", err)
	}
}

func TestNew_IdempotentReopen(t *testing.T) {
	dir := t.TempDir()
	s1, err := skeleton.New(skeleton.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("first New() failed: %v", err)
	}
	if err := s1.ReplaceAll("scan-1", []skeleton.TaskRecord{record("a", "first task", 0)}); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}
	s1.Close()

	s2, err := skeleton.New(skeleton.Config{DataDir: dir})
	if err != nil {
		t.Fatalf("second New() failed: %v", err)
	}
	defer s2.Close()

	all, err := s2.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 1 || all[0].ID != "a" {
		t.Fatalf("records lost on reopen: %+v", all)
	}
}

func TestNew_WALMode(t *testing.T) {
	s := newTestStore(t)
	var mode string
	if err := s.DB().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatalf("query journal_mode: %v", err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
}

// ─── ReplaceAll / All / Get ──────────────────────────────────────────────────

func TestReplaceAll_RoundTrip(t *testing.T) {
	s := newTestStore(t)

	parent := record("parent-1", "Build the feature", 0)
	parent.ChildInstructionPrefixes = []string{"write tests", "update docs"}
	parent.Sequence = append(parent.Sequence, skeleton.Element{Action: &skeleton.Action{
		Kind:      skeleton.ActionTool,
		Name:      "write_file",
		Params:    skeleton.ParseActionParams(map[string]any{"path": "main.go", "content": "package main", "mode": 420.0}),
		Status:    "ok",
		Timestamp: base.Add(time.Minute),
	}})
	child := record("child-1", "write tests", 5)
	child.DeclaredParentID = "parent-1"
	child.IsCompleted = true

	if err := s.ReplaceAll("scan-1", []skeleton.TaskRecord{child, parent}); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	all, err := s.All()
	if err != nil {
		t.Fatalf("All failed: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 records, got %d", len(all))
	}
	if all[0].ID != "parent-1" || all[1].ID != "child-1" {
		t.Errorf("expected chronological order, got %s, %s", all[0].ID, all[1].ID)
	}

	got := all[0]
	if len(got.ChildInstructionPrefixes) != 2 || got.ChildInstructionPrefixes[1] != "update docs" {
		t.Errorf("prefixes = %v", got.ChildInstructionPrefixes)
	}
	if len(got.Sequence) != 2 || !got.Sequence[1].IsAction() {
		t.Fatalf("sequence = %+v", got.Sequence)
	}
	action := got.Sequence[1].Action
	if action.Name != "write_file" || action.Status != "ok" {
		t.Errorf("action = %+v", action)
	}
	if action.Params.Get(skeleton.ParamPath) != "main.go" {
		t.Errorf("path param = %q", action.Params.Get(skeleton.ParamPath))
	}
	if action.Params.Extra["mode"] != 420.0 {
		t.Errorf("extra param lost: %+v", action.Params.Extra)
	}
	if !action.Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("action timestamp = %v", action.Timestamp)
	}

	if all[1].DeclaredParentID != "parent-1" || !all[1].IsCompleted {
		t.Errorf("child = %+v", all[1])
	}
	if all[1].WorkspacePath != "/ws/app" || all[1].Mode != "code" {
		t.Errorf("child metadata = %+v", all[1])
	}
}

func TestReplaceAll_ReplacesPreviousScan(t *testing.T) {
	s := newTestStore(t)
	if err := s.ReplaceAll("scan-1", []skeleton.TaskRecord{record("old", "old task", 0)}); err != nil {
		t.Fatalf("first ReplaceAll failed: %v", err)
	}
	if err := s.ReplaceAll("scan-2", []skeleton.TaskRecord{record("new", "new task", 1)}); err != nil {
		t.Fatalf("second ReplaceAll failed: %v", err)
	}

	all, _ := s.All()
	if len(all) != 1 || all[0].ID != "new" {
		t.Fatalf("expected only the new scan, got %+v", all)
	}
	if _, err := s.Get("old"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("old record should be gone, got %v", err)
	}
	results, _ := s.Search("old", skeleton.SearchOptions{})
	if len(results) != 0 {
		t.Errorf("FTS index still holds the old scan: %+v", results)
	}
}

func TestReplaceAll_DuplicateRollsBack(t *testing.T) {
	s := newTestStore(t)
	if err := s.ReplaceAll("scan-1", []skeleton.TaskRecord{record("keep", "keep me", 0)}); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	err := s.ReplaceAll("scan-2", []skeleton.TaskRecord{record("dup", "a", 0), record("dup", "b", 1)})
	if err == nil || !strings.Contains(err.Error(), "duplicate task id") {
		t.Fatalf("expected duplicate error, got %v", err)
	}

	all, _ := s.All()
	if len(all) != 1 || all[0].ID != "keep" {
		t.Fatalf("failed scan must leave the previous one intact, got %+v", all)
	}
}

func TestReplaceAll_CommitFailure(t *testing.T) {
	s := newTestStore(t)
	if err := s.ReplaceAll("scan-1", []skeleton.TaskRecord{record("keep", "keep me", 0)}); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	s.FailCommit(errors.New("disk full"))
	err := s.ReplaceAll("scan-2", []skeleton.TaskRecord{record("lost", "lost", 1)})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected commit error, got %v", err)
	}
	all, _ := s.All()
	if len(all) != 1 || all[0].ID != "keep" {
		t.Fatalf("expected previous scan, got %+v", all)
	}
}

func TestGet(t *testing.T) {
	s := newTestStore(t)
	r := record("task-1", "Fix the login bug", 0)
	r.ChildInstructionPrefixes = []string{"reproduce"}
	if err := s.ReplaceAll("scan-1", []skeleton.TaskRecord{r, record("task-2", "other", 1)}); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	got, err := s.Get("task-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != "Fix the login bug" || len(got.Sequence) != 1 || len(got.ChildInstructionPrefixes) != 1 {
		t.Errorf("Get = %+v", got)
	}
}

func TestGet_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get("missing")
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

// ─── Search ──────────────────────────────────────────────────────────────────

func seedSearch(t *testing.T, s *skeleton.Store) {
	t.Helper()
	other := record("task-3", "Deploy staging authentication service", 2)
	other.WorkspacePath = "/ws/infra"
	err := s.ReplaceAll("scan-1", []skeleton.TaskRecord{
		record("task-1", "Fix authentication bug in login", 0),
		record("task-2", "Refactor the billing module", 1),
		other,
	})
	if err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}
}

func TestSearch_Basic(t *testing.T) {
	s := newTestStore(t)
	seedSearch(t, s)

	results, err := s.Search("authentication", skeleton.SearchOptions{})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	for _, r := range results {
		if r.ID == "task-2" {
			t.Errorf("billing task should not match")
		}
	}
}

func TestSearch_FilterByWorkspace(t *testing.T) {
	s := newTestStore(t)
	seedSearch(t, s)

	results, err := s.Search("authentication", skeleton.SearchOptions{Workspace: "/ws/infra"})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 1 || results[0].ID != "task-3" {
		t.Fatalf("expected only task-3, got %+v", results)
	}
}

func TestSearch_EmptyQueryReturnsRecent(t *testing.T) {
	s := newTestStore(t)
	seedSearch(t, s)

	results, err := s.Search("   ", skeleton.SearchOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].ID != "task-3" || results[1].ID != "task-2" {
		t.Errorf("expected most recent first, got %s, %s", results[0].ID, results[1].ID)
	}
}

func TestSearch_SpecialCharsSanitized(t *testing.T) {
	s := newTestStore(t)
	seedSearch(t, s)

	for _, q := range []string{`"login`, `fix OR`, `bug*`, `billing) AND (`} {
		if _, err := s.Search(q, skeleton.SearchOptions{}); err != nil {
			t.Errorf("Search(%q) failed: %v", q, err)
		}
	}
}

func TestSearch_LimitCapped(t *testing.T) {
	s := newTestStore(t)
	var records []skeleton.TaskRecord
	for i := 0; i < 30; i++ {
		records = append(records, record(fmt.Sprintf("task-%02d", i), "common words here", i))
	}
	if err := s.ReplaceAll("scan-1", records); err != nil {
		t.Fatalf("ReplaceAll failed: %v", err)
	}

	results, err := s.Search("common", skeleton.SearchOptions{Limit: 100})
	if err != nil {
		t.Fatalf("Search failed: %v", err)
	}
	if len(results) != 20 {
		t.Errorf("expected results capped at 20, got %d", len(results))
	}
}

// ─── Stats ───────────────────────────────────────────────────────────────────

func TestStats(t *testing.T) {
	s := newTestStore(t)
	seedSearch(t, s)

	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalTasks != 3 || stats.TotalElements != 3 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.LastScanID != "scan-1" {
		t.Errorf("LastScanID = %q", stats.LastScanID)
	}
	if len(stats.Workspaces) != 2 || stats.Workspaces[0] != "/ws/infra" {
		t.Errorf("Workspaces = %v", stats.Workspaces)
	}
}

func TestStats_Empty(t *testing.T) {
	s := newTestStore(t)
	stats, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalTasks != 0 || len(stats.Workspaces) != 0 || stats.LastScanID != "" {
		t.Errorf("expected empty stats, got %+v", stats)
	}
}

// ─── Import / Export ─────────────────────────────────────────────────────────

func TestImport_SkipsInvalidAndDuplicates(t *testing.T) {
	s := newTestStore(t)

	malformed := record("malformed", "x", 3)
	malformed.Sequence = append(malformed.Sequence, skeleton.Element{})

	data := &skeleton.ExportData{Tasks: []skeleton.TaskRecord{
		record("b", "second", 1),
		record("a", "first", 0),
		{ID: "  "},
		record("a", "again", 4),
		malformed,
	}}
	result, err := s.Import("scan-1", data)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.TasksImported != 2 {
		t.Errorf("TasksImported = %d, want 2", result.TasksImported)
	}
	if len(result.Skipped) != 3 {
		t.Fatalf("expected 3 skipped, got %v", result.Skipped)
	}
	if !strings.Contains(strings.Join(result.Skipped, "\n"), `duplicate task id "a"`) {
		t.Errorf("duplicate not reported: %v", result.Skipped)
	}

	all, _ := s.All()
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Fatalf("unexpected stored records: %+v", all)
	}
	if all[0].MessageCount != 1 || all[0].TotalSizeBytes != int64(len("first")) {
		t.Errorf("counters not derived: %+v", all[0])
	}
}

func TestImport_NormalizesPrefixes(t *testing.T) {
	s := newTestStore(t)
	r := record("a", "parent", 0)
	r.ChildInstructionPrefixes = []string{"  Write Tests ", "write tests", "", "Update DOCS"}

	if _, err := s.Import("scan-1", &skeleton.ExportData{Tasks: []skeleton.TaskRecord{r}}); err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	got, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	want := []string{"write tests", "update docs"}
	if strings.Join(got.ChildInstructionPrefixes, "|") != strings.Join(want, "|") {
		t.Errorf("prefixes = %v, want %v", got.ChildInstructionPrefixes, want)
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	src := newTestStore(t)
	seedSearch(t, src)

	data, err := src.Export()
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if data.Version != "1" || len(data.Tasks) != 3 {
		t.Fatalf("export = %+v", data)
	}

	dst := newTestStore(t)
	result, err := dst.Import("scan-2", data)
	if err != nil {
		t.Fatalf("Import failed: %v", err)
	}
	if result.TasksImported != 3 || len(result.Skipped) != 0 {
		t.Errorf("import result = %+v", result)
	}
	results, _ := dst.Search("billing", skeleton.SearchOptions{})
	if len(results) != 1 || results[0].ID != "task-2" {
		t.Errorf("imported store not searchable: %+v", results)
	}
}
