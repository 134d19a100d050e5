package statetools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/HendryAvila/tasklens/internal/cache"
	"github.com/HendryAvila/tasklens/internal/hierarchy"
	"github.com/HendryAvila/tasklens/internal/skeleton"
	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/mark3labs/mcp-go/mcp"
)

// ─── Test helpers ────────────────────────────────────────────────────────────

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

func rec(i int, id, parent, title string, prefixes ...string) skeleton.TaskRecord {
	at := t0.Add(time.Duration(i) * time.Minute)
	return skeleton.TaskRecord{
		ID:                       id,
		DeclaredParentID:         parent,
		Title:                    title,
		WorkspacePath:            "/work/app",
		CreatedAt:                at,
		LastActivityAt:           at,
		ChildInstructionPrefixes: prefixes,
		Sequence: []skeleton.Element{
			{Message: &skeleton.Message{Role: skeleton.RoleUser, Content: "please " + title, Timestamp: at}},
			{Message: &skeleton.Message{Role: skeleton.RoleAssistant, Content: strings.Repeat("working on it\n", 40), Timestamp: at}},
			{Action: &skeleton.Action{
				Kind:      skeleton.ActionTool,
				Name:      "read_file",
				Params:    skeleton.ParseActionParams(map[string]any{"path": "CHANGELOG.md"}),
				Status:    "ok",
				Timestamp: at,
			}},
		},
	}
}

// scenario: C has no declared parent but matches the instruction A declared.
func scenario() []skeleton.TaskRecord {
	return []skeleton.TaskRecord{
		rec(0, "aaaa0001", "", "Ship the release", "do x"),
		rec(1, "bbbb0002", "aaaa0001", "Write the changelog"),
		rec(2, "cccc0003", "", "do X"),
		rec(3, "dddd0004", "bbbb0002", "Collect merged pull requests"),
	}
}

// newTestStore creates a skeleton.Store in a temp directory holding records.
func newTestStore(t *testing.T, records []skeleton.TaskRecord) *skeleton.Store {
	t.Helper()
	store, err := skeleton.New(skeleton.Config{DataDir: t.TempDir(), MaxSearchResults: 20})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	if err := store.ReplaceAll("scan-test", records); err != nil {
		t.Fatalf("ReplaceAll: %v", err)
	}
	return store
}

// newTestState creates a state manager over a store and rebuilds it.
func newTestState(t *testing.T) *state.Manager {
	t.Helper()
	sm, err := state.New(newTestStore(t, scenario()), cache.New(cache.DefaultConfig(), nil), state.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	if _, err := sm.RebuildFromStore(context.Background()); err != nil {
		t.Fatalf("RebuildFromStore: %v", err)
	}
	return sm
}

// newEmptyState creates a state manager that was never rebuilt.
func newEmptyState(t *testing.T) *state.Manager {
	t.Helper()
	sm, err := state.New(nil, nil, state.DefaultConfig(), nil)
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	return sm
}

// makeReq builds a mcp.CallToolRequest with the given arguments.
func makeReq(args map[string]interface{}) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = args
	return req
}

// resultText extracts the text content from a tool result.
func resultText(r *mcp.CallToolResult) string {
	if r == nil || len(r.Content) == 0 {
		return ""
	}
	for _, c := range r.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			return tc.Text
		}
	}
	return ""
}

func call(t *testing.T, handle func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	res, err := handle(context.Background(), makeReq(args))
	if err != nil {
		t.Fatalf("handler returned a Go error: %v", err)
	}
	if res == nil {
		t.Fatal("handler returned a nil result")
	}
	return res
}

// ─── Definitions ─────────────────────────────────────────────────────────────

func TestDefinitions(t *testing.T) {
	sm := newEmptyState(t)
	tests := []struct {
		def      mcp.Tool
		name     string
		required []string
	}{
		{NewTreeTool(sm).Definition(), "task_tree", nil},
		{NewChainTool(sm).Definition(), "task_chain", []string{"task_id"}},
		{NewSearchTool(sm).Definition(), "task_search", nil},
		{NewDeclaredChildrenTool(sm).Definition(), "task_declared_children", []string{"task_id"}},
		{NewRebuildTool(sm).Definition(), "state_rebuild", nil},
		{NewStatsTool(sm).Definition(), "state_stats", nil},
		{NewInvalidateTool(sm).Definition(), "cache_invalidate", nil},
		{NewConfigureTool(sm).Definition(), "state_configure", nil},
	}
	for _, tt := range tests {
		if tt.def.Name != tt.name {
			t.Errorf("tool name = %q, want %q", tt.def.Name, tt.name)
		}
		if tt.def.Description == "" {
			t.Errorf("%s has no description", tt.name)
		}
		if strings.Join(tt.def.InputSchema.Required, ",") != strings.Join(tt.required, ",") {
			t.Errorf("%s required = %v, want %v", tt.name, tt.def.InputSchema.Required, tt.required)
		}
	}
}

// ─── Not ready ───────────────────────────────────────────────────────────────

func TestTools_BeforeFirstRebuild(t *testing.T) {
	sm := newEmptyState(t)
	handlers := map[string]func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error){
		"task_tree":              NewTreeTool(sm).Handle,
		"task_chain":             NewChainTool(sm).Handle,
		"task_search":            NewSearchTool(sm).Handle,
		"task_declared_children": NewDeclaredChildrenTool(sm).Handle,
	}
	for name, h := range handlers {
		res := call(t, h, map[string]interface{}{"task_id": "aaaa0001"})
		if !res.IsError {
			t.Errorf("%s should fail before the first rebuild", name)
		}
		if !strings.Contains(resultText(res), "state_rebuild") {
			t.Errorf("%s error should point at state_rebuild: %s", name, resultText(res))
		}
	}

	res := call(t, NewRebuildTool(sm).Handle, nil)
	if !res.IsError || !strings.Contains(resultText(res), "no record source") {
		t.Errorf("rebuild without a source should fail: %s", resultText(res))
	}
}

// ─── task_tree ───────────────────────────────────────────────────────────────

func TestTreeTool_ASCII(t *testing.T) {
	sm := newTestState(t)
	res := call(t, NewTreeTool(sm).Handle, map[string]interface{}{
		"task_id":         "dddd",
		"current_task_id": "dddd0004",
	})
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(res))
	}
	text := resultText(res)

	for _, want := range []string{
		"aaaa0001 Ship the release\n",
		"├── bbbb0002 Write the changelog\n",
		"│   └── dddd0004 Collect merged pull requests ◀ current\n",
		"└── cccc0003 do X (fuzzy ",
		"4 tasks in 1 tree(s)",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}
}

func TestTreeTool_ExcludeSiblings(t *testing.T) {
	sm := newTestState(t)
	res := call(t, NewTreeTool(sm).Handle, map[string]interface{}{
		"task_id":          "bbbb0002",
		"include_siblings": false,
	})
	text := resultText(res)
	if strings.Contains(text, "cccc0003") {
		t.Errorf("sibling subtree should be excluded:\n%s", text)
	}
	if !strings.Contains(text, "dddd0004") {
		t.Errorf("descendants should be kept:\n%s", text)
	}
}

func TestTreeTool_FullForestJSON(t *testing.T) {
	sm := newTestState(t)
	res := call(t, NewTreeTool(sm).Handle, map[string]interface{}{"format": "json", "max_depth": float64(1)})
	text := resultText(res)
	if !strings.HasPrefix(text, "[") {
		t.Fatalf("expected a JSON array, got %s", text)
	}
	if !strings.Contains(text, `"task_id": "aaaa0001"`) || !strings.Contains(text, `"depth_limited": true`) {
		t.Errorf("unexpected JSON:\n%s", text)
	}
	if strings.Contains(text, "dddd0004") {
		t.Errorf("depth 2 node rendered despite max_depth=1:\n%s", text)
	}
}

func TestTreeTool_UnknownAndAmbiguousIDs(t *testing.T) {
	sm := newTestState(t)
	tool := NewTreeTool(sm)

	res := call(t, tool.Handle, map[string]interface{}{"task_id": "zzzz"})
	if !res.IsError || !strings.Contains(resultText(res), "not found") {
		t.Errorf("expected not-found error, got %s", resultText(res))
	}
	if !strings.Contains(resultText(res), "aaaa0001") {
		t.Errorf("not-found error should list known ids: %s", resultText(res))
	}

	extra := append(scenario(), rec(4, "aaaa0099", "", "Another release"))
	if _, err := sm.Rebuild(context.Background(), extra); err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	res = call(t, tool.Handle, map[string]interface{}{"task_id": "aaaa00"})
	if !res.IsError || !strings.Contains(resultText(res), "ambiguous") {
		t.Errorf("expected ambiguous error, got %s", resultText(res))
	}
}

func TestRenderTree_DepthLimitedMarker(t *testing.T) {
	var b strings.Builder
	RenderTree(&b, &hierarchy.TreeNode{TaskID: "root-task-id", Title: "  Root\n task ", DepthLimited: true, ChildrenCount: 3, IsCompleted: true})
	want := "root-tas Root task ✓\n└── … 3 more (depth limit)\n"
	if b.String() != want {
		t.Errorf("RenderTree =\n%q\nwant\n%q", b.String(), want)
	}
}

// ─── task_chain ──────────────────────────────────────────────────────────────

func TestChainTool(t *testing.T) {
	sm := newTestState(t)
	res := call(t, NewChainTool(sm).Handle, map[string]interface{}{"task_id": "dddd0004"})
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(res))
	}
	text := resultText(res)

	first := strings.Index(text, "aaaa0001")
	mid := strings.Index(text, "bbbb0002")
	last := strings.Index(text, "dddd0004")
	if first < 0 || mid < first || last < mid {
		t.Fatalf("chain should run root to target:\n%s", text)
	}
	if strings.Contains(text, "cccc0003") {
		t.Errorf("chain should not include siblings:\n%s", text)
	}
	if !strings.Contains(text, "◀ target") {
		t.Errorf("target not marked:\n%s", text)
	}
	if !strings.Contains(text, "`tool read_file`") {
		t.Errorf("actions not rendered:\n%s", text)
	}
}

func TestChainTool_BudgetOverride(t *testing.T) {
	sm := newTestState(t)
	res := call(t, NewChainTool(sm).Handle, map[string]interface{}{
		"task_id":           "dddd0004",
		"max_output_length": float64(1200),
		"show_plan":         true,
	})
	text := resultText(res)
	if !strings.Contains(text, "lines truncated") {
		t.Errorf("middle task should be shortened:\n%s", text)
	}
	if !strings.Contains(text, "Truncated ") || !strings.Contains(text, "### Plan") {
		t.Errorf("summary or plan missing:\n%s", text)
	}
	if got := sm.Config().Truncation.MaxOutputLength; got != 300_000 {
		t.Errorf("override leaked into the configuration: %d", got)
	}
}

func TestChainTool_RequiresID(t *testing.T) {
	sm := newTestState(t)
	res := call(t, NewChainTool(sm).Handle, map[string]interface{}{})
	if !res.IsError {
		t.Error("expected error without task_id")
	}
}

// ─── task_search ─────────────────────────────────────────────────────────────

func TestSearchTool(t *testing.T) {
	sm := newTestState(t)
	res := call(t, NewSearchTool(sm).Handle, map[string]interface{}{"query": "changelog"})
	text := resultText(res)
	if !strings.Contains(text, "Found 1 tasks") || !strings.Contains(text, "bbbb0002 - Write the changelog") {
		t.Errorf("unexpected search output:\n%s", text)
	}

	res = call(t, NewSearchTool(sm).Handle, map[string]interface{}{"query": "nonexistentword"})
	if !strings.Contains(resultText(res), "No tasks found") {
		t.Errorf("expected empty result message, got %s", resultText(res))
	}
}

func TestSearchTool_RecentWhenEmpty(t *testing.T) {
	sm := newTestState(t)
	res := call(t, NewSearchTool(sm).Handle, map[string]interface{}{"limit": float64(2)})
	text := resultText(res)
	if !strings.Contains(text, "Found 2 tasks") || !strings.Contains(text, "[1] dddd0004") {
		t.Errorf("expected the two most recent tasks:\n%s", text)
	}
}

// ─── task_declared_children ──────────────────────────────────────────────────

func TestDeclaredChildrenTool(t *testing.T) {
	sm := newTestState(t)
	res := call(t, NewDeclaredChildrenTool(sm).Handle, map[string]interface{}{"task_id": "aaaa"})
	text := resultText(res)
	for _, want := range []string{
		`- "do x"`,
		"bbbb0002 Write the changelog (metadata)",
		"cccc0003 do X (fuzzy-index, confidence ",
		`matched "do x"`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("output missing %q:\n%s", want, text)
		}
	}

	res = call(t, NewDeclaredChildrenTool(sm).Handle, map[string]interface{}{"task_id": "dddd0004"})
	if !strings.Contains(resultText(res), "Declared instructions: none") || !strings.Contains(resultText(res), "Linked subtasks: none") {
		t.Errorf("leaf task output:\n%s", resultText(res))
	}
}

// ─── state_rebuild / state_stats ─────────────────────────────────────────────

func TestRebuildTool(t *testing.T) {
	sm := newTestState(t)
	before := sm.Current().ID

	res := call(t, NewRebuildTool(sm).Handle, nil)
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(res))
	}
	text := resultText(res)
	if !strings.Contains(text, "**Tasks**: 4") || !strings.Contains(text, "**Instruction links**: 1") {
		t.Errorf("unexpected rebuild output:\n%s", text)
	}
	if sm.Current().ID == before {
		t.Error("rebuild should publish a new generation")
	}
}

func TestStatsTool(t *testing.T) {
	sm := newTestState(t)
	call(t, NewTreeTool(sm).Handle, map[string]interface{}{"task_id": "aaaa0001"})
	call(t, NewTreeTool(sm).Handle, map[string]interface{}{"task_id": "aaaa0001"})

	text := resultText(call(t, NewStatsTool(sm).Handle, nil))
	for _, want := range []string{
		"**Tasks**: 4 in 1 root(s)",
		"**Links**: 2 metadata, 1 instruction",
		"**Workspaces** (1): /work/app",
		"**Hit rate**: 50.0%",
		"**Truncation**: budget 300,000",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("stats missing %q:\n%s", want, text)
		}
	}

	empty := resultText(call(t, NewStatsTool(newEmptyState(t)).Handle, nil))
	if !strings.Contains(empty, "none (run state_rebuild)") {
		t.Errorf("empty stats:\n%s", empty)
	}
}

// ─── cache_invalidate ────────────────────────────────────────────────────────

func TestInvalidateTool(t *testing.T) {
	sm := newTestState(t)
	call(t, NewTreeTool(sm).Handle, map[string]interface{}{"task_id": "aaaa0001"})
	call(t, NewSearchTool(sm).Handle, map[string]interface{}{"query": "release"})
	if sm.Cache().Len() != 2 {
		t.Fatalf("expected 2 cached entries, got %d", sm.Cache().Len())
	}

	tool := NewInvalidateTool(sm)
	res := call(t, tool.Handle, map[string]interface{}{"tag": cache.TagTree})
	if !strings.Contains(resultText(res), "Invalidated 1 entries. 1 entries remain.") {
		t.Errorf("unexpected output: %s", resultText(res))
	}

	res = call(t, tool.Handle, map[string]interface{}{"pattern": "^search:"})
	if !strings.Contains(resultText(res), "Invalidated 1 entries. 0 entries remain.") {
		t.Errorf("unexpected output: %s", resultText(res))
	}

	res = call(t, tool.Handle, map[string]interface{}{"pattern": "("})
	if !res.IsError {
		t.Error("invalid pattern should fail")
	}
	res = call(t, tool.Handle, map[string]interface{}{})
	if !res.IsError {
		t.Error("missing selector should fail")
	}
	res = call(t, tool.Handle, map[string]interface{}{"sweep": true})
	if !strings.Contains(resultText(res), "Removed 0 expired entries") {
		t.Errorf("unexpected sweep output: %s", resultText(res))
	}
}

// ─── state_configure ─────────────────────────────────────────────────────────

type recordingSaver struct {
	saved []state.Config
	err   error
}

func (r *recordingSaver) SaveStateConfig(cfg state.Config) error {
	r.saved = append(r.saved, cfg)
	return r.err
}

func TestConfigureTool_InvalidatesAndSaves(t *testing.T) {
	sm := newTestState(t)
	call(t, NewChainTool(sm).Handle, map[string]interface{}{"task_id": "dddd0004"})
	call(t, NewTreeTool(sm).Handle, map[string]interface{}{"task_id": "aaaa0001"})

	saver := &recordingSaver{}
	tool := NewConfigureTool(sm)
	tool.SetSaver(saver)

	res := call(t, tool.Handle, map[string]interface{}{"max_output_length": float64(5000)})
	if res.IsError {
		t.Fatalf("unexpected error: %s", resultText(res))
	}
	text := resultText(res)
	if !strings.Contains(text, "Updated: max_output_length") || !strings.Contains(text, "0 hierarchy and 1 truncation") {
		t.Errorf("unexpected output:\n%s", text)
	}
	if sm.Config().Truncation.MaxOutputLength != 5000 {
		t.Errorf("config not applied: %+v", sm.Config().Truncation)
	}
	if len(saver.saved) != 1 || saver.saved[0].Truncation.MaxOutputLength != 5000 {
		t.Errorf("saver not called with the new config: %+v", saver.saved)
	}
	if sm.Cache().Len() != 1 {
		t.Errorf("tree entry should survive a truncation change, cache has %d entries", sm.Cache().Len())
	}
}

func TestConfigureTool_ThresholdRebuilds(t *testing.T) {
	sm := newTestState(t)
	before := sm.Current().ID
	res := call(t, NewConfigureTool(sm).Handle, map[string]interface{}{"fuzzy_threshold": 0.5})
	if !strings.Contains(resultText(res), "Hierarchy rebuilt") {
		t.Errorf("unexpected output:\n%s", resultText(res))
	}
	if sm.Current().ID == before {
		t.Error("threshold change should rebuild")
	}
}

func TestConfigureTool_Rejected(t *testing.T) {
	sm := newTestState(t)
	saver := &recordingSaver{}
	tool := NewConfigureTool(sm)
	tool.SetSaver(saver)

	res := call(t, tool.Handle, map[string]interface{}{"max_truncation_rate": 1.5})
	if !res.IsError || !strings.Contains(resultText(res), "rejected") {
		t.Errorf("expected rejection, got %s", resultText(res))
	}
	if sm.Config().Truncation.MaxTruncationRate != 0.7 || len(saver.saved) != 0 {
		t.Errorf("rejected config must not be applied or saved")
	}

	res = call(t, tool.Handle, map[string]interface{}{})
	if !res.IsError {
		t.Error("empty request should fail")
	}
}

func TestConfigureTool_SaveFailureIsAWarning(t *testing.T) {
	sm := newTestState(t)
	tool := NewConfigureTool(sm)
	tool.SetSaver(&recordingSaver{err: errors.New("read-only file system")})

	res := call(t, tool.Handle, map[string]interface{}{"start_lines": float64(3)})
	if res.IsError {
		t.Fatalf("save failures should not fail the call: %s", resultText(res))
	}
	if !strings.Contains(resultText(res), "could not be saved: read-only file system") {
		t.Errorf("unexpected output:\n%s", resultText(res))
	}
	if sm.Config().Truncation.StartLines != 3 {
		t.Errorf("setting not applied")
	}
}
