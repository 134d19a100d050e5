package skeleton

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ─── Types ───────────────────────────────────────────────────────────────────

// SearchResult is a compact task summary returned by Search.
type SearchResult struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	WorkspacePath  string    `json:"workspace_path,omitempty"`
	Mode           string    `json:"mode,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	IsCompleted    bool      `json:"is_completed"`
	Snippet        string    `json:"snippet,omitempty"`
	Rank           float64   `json:"rank"`
}

// SearchOptions holds filters for Search.
type SearchOptions struct {
	Workspace string `json:"workspace,omitempty"`
	Mode      string `json:"mode,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// Stats holds aggregate store statistics.
type Stats struct {
	TotalTasks     int      `json:"total_tasks"`
	TotalElements  int      `json:"total_elements"`
	TotalPrefixes  int      `json:"total_prefixes"`
	TotalSizeBytes int64    `json:"total_size_bytes"`
	Workspaces     []string `json:"workspaces"`
	LastScanID     string   `json:"last_scan_id,omitempty"`
	LastScanAt     string   `json:"last_scan_at,omitempty"`
}

// ExportData is the serializable dump of the store, also used as the
// ingest format.
type ExportData struct {
	Version    string       `json:"version"`
	ExportedAt string       `json:"exported_at,omitempty"`
	Tasks      []TaskRecord `json:"tasks"`
}

// ImportResult holds counts of imported records.
type ImportResult struct {
	TasksImported int      `json:"tasks_imported"`
	Skipped       []string `json:"skipped,omitempty"`
}

// ─── Config ──────────────────────────────────────────────────────────────────

// Config holds store configuration.
type Config struct {
	DataDir          string
	MaxSearchResults int
}

// DefaultConfig returns the default configuration for the store.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:          filepath.Join(home, ".tasklens"),
		MaxSearchResults: 50,
	}
}

// ─── Store ───────────────────────────────────────────────────────────────────

// Store persists task records of the latest scan in SQLite with an FTS5
// index over titles and message text.
type Store struct {
	db    *sql.DB
	cfg   Config
	hooks storeHooks
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

type queryer interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

type storeHooks struct {
	exec    func(db execer, query string, args ...any) (sql.Result, error)
	query   func(db queryer, query string, args ...any) (*sql.Rows, error)
	beginTx func(db *sql.DB) (*sql.Tx, error)
	commit  func(tx *sql.Tx) error
}

func defaultStoreHooks() storeHooks {
	return storeHooks{
		exec: func(db execer, query string, args ...any) (sql.Result, error) {
			return db.Exec(query, args...)
		},
		query: func(db queryer, query string, args ...any) (*sql.Rows, error) {
			return db.Query(query, args...)
		},
		beginTx: func(db *sql.DB) (*sql.Tx, error) {
			return db.Begin()
		},
		commit: func(tx *sql.Tx) error {
			return tx.Commit()
		},
	}
}

func (s *Store) execHook(db execer, query string, args ...any) (sql.Result, error) {
	if s.hooks.exec != nil {
		return s.hooks.exec(db, query, args...)
	}
	return db.Exec(query, args...)
}

func (s *Store) queryHook(db queryer, query string, args ...any) (*sql.Rows, error) {
	if s.hooks.query != nil {
		return s.hooks.query(db, query, args...)
	}
	return db.Query(query, args...)
}

func (s *Store) beginTxHook() (*sql.Tx, error) {
	if s.hooks.beginTx != nil {
		return s.hooks.beginTx(s.db)
	}
	return s.db.Begin()
}

func (s *Store) commitHook(tx *sql.Tx) error {
	if s.hooks.commit != nil {
		return s.hooks.commit(tx)
	}
	return tx.Commit()
}

// New creates a Store with the given configuration. It creates the data
// directory if needed, opens SQLite with WAL mode, and runs migrations.
func New(cfg Config) (*Store, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("skeleton: create data dir: %w", err)
	}
	if cfg.MaxSearchResults <= 0 {
		cfg.MaxSearchResults = DefaultConfig().MaxSearchResults
	}

	dbPath := filepath.Join(cfg.DataDir, "tasks.db")
	db, err := openDB("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("skeleton: open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("skeleton: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db, cfg: cfg, hooks: defaultStoreHooks()}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("skeleton: migration: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ─── Migrations ──────────────────────────────────────────────────────────────

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS tasks (
			id                 TEXT PRIMARY KEY,
			declared_parent_id TEXT,
			title              TEXT    NOT NULL DEFAULT '',
			workspace_path     TEXT    NOT NULL DEFAULT '',
			mode               TEXT    NOT NULL DEFAULT '',
			created_at         TEXT    NOT NULL,
			last_activity_at   TEXT    NOT NULL,
			message_count      INTEGER NOT NULL DEFAULT 0,
			action_count       INTEGER NOT NULL DEFAULT 0,
			total_size_bytes   INTEGER NOT NULL DEFAULT 0,
			is_completed       INTEGER NOT NULL DEFAULT 0,
			search_text        TEXT    NOT NULL DEFAULT '',
			scan_id            TEXT    NOT NULL DEFAULT ''
		);

		CREATE INDEX IF NOT EXISTS idx_tasks_parent    ON tasks(declared_parent_id);
		CREATE INDEX IF NOT EXISTS idx_tasks_workspace ON tasks(workspace_path);
		CREATE INDEX IF NOT EXISTS idx_tasks_activity  ON tasks(last_activity_at DESC);

		CREATE TABLE IF NOT EXISTS task_elements (
			task_id     TEXT    NOT NULL,
			seq         INTEGER NOT NULL,
			kind        TEXT    NOT NULL,
			role        TEXT,
			content     TEXT,
			action_kind TEXT,
			name        TEXT,
			params_json TEXT,
			status      TEXT,
			ts          TEXT    NOT NULL,
			PRIMARY KEY (task_id, seq),
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS task_prefixes (
			task_id TEXT    NOT NULL,
			ord     INTEGER NOT NULL,
			prefix  TEXT    NOT NULL,
			PRIMARY KEY (task_id, ord),
			FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS scans (
			id          TEXT PRIMARY KEY,
			task_count  INTEGER NOT NULL,
			finished_at TEXT    NOT NULL DEFAULT (datetime('now'))
		);

		CREATE VIRTUAL TABLE IF NOT EXISTS tasks_fts USING fts5(
			title,
			search_text,
			content='tasks',
			content_rowid='rowid'
		);
	`
	if _, err := s.execHook(s.db, schema); err != nil {
		return err
	}

	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='trigger' AND name='tasks_fts_insert'",
	).Scan(&name)
	if err == sql.ErrNoRows {
		triggers := `
			CREATE TRIGGER tasks_fts_insert AFTER INSERT ON tasks BEGIN
				INSERT INTO tasks_fts(rowid, title, search_text)
				VALUES (new.rowid, new.title, new.search_text);
			END;

			CREATE TRIGGER tasks_fts_delete AFTER DELETE ON tasks BEGIN
				INSERT INTO tasks_fts(tasks_fts, rowid, title, search_text)
				VALUES ('delete', old.rowid, old.title, old.search_text);
			END;

			CREATE TRIGGER tasks_fts_update AFTER UPDATE ON tasks BEGIN
				INSERT INTO tasks_fts(tasks_fts, rowid, title, search_text)
				VALUES ('delete', old.rowid, old.title, old.search_text);
				INSERT INTO tasks_fts(rowid, title, search_text)
				VALUES (new.rowid, new.title, new.search_text);
			END;
		`
		if _, err := s.execHook(s.db, triggers); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	return nil
}

// ─── Writes ──────────────────────────────────────────────────────────────────

// ReplaceAll swaps the stored corpus for the records of a new scan in one
// transaction. Readers never observe a half-written scan.
func (s *Store) ReplaceAll(scanID string, records []TaskRecord) error {
	tx, err := s.beginTxHook()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{`DELETE FROM task_elements`, `DELETE FROM task_prefixes`, `DELETE FROM tasks`} {
		if _, err := s.execHook(tx, q); err != nil {
			return fmt.Errorf("clearing previous scan: %w", err)
		}
	}

	for _, r := range records {
		if err := s.insertRecord(tx, scanID, r); err != nil {
			return err
		}
	}

	if _, err := s.execHook(tx,
		`INSERT OR REPLACE INTO scans (id, task_count, finished_at) VALUES (?, ?, datetime('now'))`,
		scanID, len(records),
	); err != nil {
		return fmt.Errorf("recording scan: %w", err)
	}

	if err := s.commitHook(tx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (s *Store) insertRecord(tx *sql.Tx, scanID string, r TaskRecord) error {
	if _, err := s.execHook(tx,
		`INSERT INTO tasks (id, declared_parent_id, title, workspace_path, mode, created_at, last_activity_at,
		                    message_count, action_count, total_size_bytes, is_completed, search_text, scan_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nullableString(r.DeclaredParentID), r.Title, r.WorkspacePath, r.Mode,
		formatTime(r.CreatedAt), formatTime(r.LastActivityAt),
		r.MessageCount, r.ActionCount, r.TotalSizeBytes, boolInt(r.IsCompleted),
		searchText(r), scanID,
	); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("duplicate task id %q", r.ID)
		}
		return fmt.Errorf("inserting task %s: %w", r.ID, err)
	}

	for i, p := range r.ChildInstructionPrefixes {
		if _, err := s.execHook(tx,
			`INSERT INTO task_prefixes (task_id, ord, prefix) VALUES (?, ?, ?)`, r.ID, i, p,
		); err != nil {
			return fmt.Errorf("inserting prefix for %s: %w", r.ID, err)
		}
	}

	for i, e := range r.Sequence {
		var err error
		switch {
		case e.Message != nil:
			_, err = s.execHook(tx,
				`INSERT INTO task_elements (task_id, seq, kind, role, content, ts) VALUES (?, ?, 'message', ?, ?, ?)`,
				r.ID, i, e.Message.Role, e.Message.Content, formatTime(e.Message.Timestamp),
			)
		case e.Action != nil:
			_, err = s.execHook(tx,
				`INSERT INTO task_elements (task_id, seq, kind, action_kind, name, params_json, status, ts)
				 VALUES (?, ?, 'action', ?, ?, ?, ?, ?)`,
				r.ID, i, e.Action.Kind, e.Action.Name, e.Action.Params.Serialize(),
				nullableString(e.Action.Status), formatTime(e.Action.Timestamp),
			)
		}
		if err != nil {
			return fmt.Errorf("inserting element %d of %s: %w", i, r.ID, err)
		}
	}
	return nil
}

// ─── Reads ───────────────────────────────────────────────────────────────────

// All loads every stored record with its sequence and prefixes, ordered
// chronologically.
func (s *Store) All() ([]TaskRecord, error) {
	rows, err := s.queryHook(s.db, `
		SELECT id, COALESCE(declared_parent_id, ''), title, workspace_path, mode, created_at, last_activity_at,
		       message_count, action_count, total_size_bytes, is_completed
		FROM tasks ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("loading tasks: %w", err)
	}
	var records []TaskRecord
	byID := make(map[string]int)
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		byID[r.ID] = len(records)
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := s.loadPrefixes(records, byID, ""); err != nil {
		return nil, err
	}
	if err := s.loadElements(records, byID, ""); err != nil {
		return nil, err
	}
	return records, nil
}

// Get loads a single record by exact id.
func (s *Store) Get(id string) (*TaskRecord, error) {
	rows, err := s.queryHook(s.db, `
		SELECT id, COALESCE(declared_parent_id, ''), title, workspace_path, mode, created_at, last_activity_at,
		       message_count, action_count, total_size_bytes, is_completed
		FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("loading task %s: %w", id, err)
	}
	if !rows.Next() {
		rows.Close()
		return nil, fmt.Errorf("task %s: %w", id, sql.ErrNoRows)
	}
	r, err := scanRecord(rows)
	rows.Close()
	if err != nil {
		return nil, err
	}

	records := []TaskRecord{r}
	byID := map[string]int{r.ID: 0}
	if err := s.loadPrefixes(records, byID, id); err != nil {
		return nil, err
	}
	if err := s.loadElements(records, byID, id); err != nil {
		return nil, err
	}
	return &records[0], nil
}

func scanRecord(rows *sql.Rows) (TaskRecord, error) {
	var r TaskRecord
	var created, last string
	var completed int
	if err := rows.Scan(&r.ID, &r.DeclaredParentID, &r.Title, &r.WorkspacePath, &r.Mode, &created, &last,
		&r.MessageCount, &r.ActionCount, &r.TotalSizeBytes, &completed); err != nil {
		return r, fmt.Errorf("scanning task: %w", err)
	}
	r.CreatedAt = parseTime(created)
	r.LastActivityAt = parseTime(last)
	r.IsCompleted = completed != 0
	return r, nil
}

func (s *Store) loadPrefixes(records []TaskRecord, byID map[string]int, only string) error {
	query := `SELECT task_id, prefix FROM task_prefixes`
	var args []any
	if only != "" {
		query += ` WHERE task_id = ?`
		args = append(args, only)
	}
	query += ` ORDER BY task_id, ord`

	rows, err := s.queryHook(s.db, query, args...)
	if err != nil {
		return fmt.Errorf("loading prefixes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, prefix string
		if err := rows.Scan(&taskID, &prefix); err != nil {
			return fmt.Errorf("scanning prefix: %w", err)
		}
		if i, ok := byID[taskID]; ok {
			records[i].ChildInstructionPrefixes = append(records[i].ChildInstructionPrefixes, prefix)
		}
	}
	return rows.Err()
}

func (s *Store) loadElements(records []TaskRecord, byID map[string]int, only string) error {
	query := `SELECT task_id, kind, COALESCE(role, ''), COALESCE(content, ''), COALESCE(action_kind, ''),
	                 COALESCE(name, ''), COALESCE(params_json, ''), COALESCE(status, ''), ts
	          FROM task_elements`
	var args []any
	if only != "" {
		query += ` WHERE task_id = ?`
		args = append(args, only)
	}
	query += ` ORDER BY task_id, seq`

	rows, err := s.queryHook(s.db, query, args...)
	if err != nil {
		return fmt.Errorf("loading elements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var taskID, kind, role, content, actionKind, name, params, status, ts string
		if err := rows.Scan(&taskID, &kind, &role, &content, &actionKind, &name, &params, &status, &ts); err != nil {
			return fmt.Errorf("scanning element: %w", err)
		}
		i, ok := byID[taskID]
		if !ok {
			continue
		}
		var e Element
		if kind == "action" {
			var raw map[string]any
			if params != "" {
				if err := json.Unmarshal([]byte(params), &raw); err != nil {
					return fmt.Errorf("decoding params of %s: %w", taskID, err)
				}
			}
			e.Action = &Action{
				Kind:      actionKind,
				Name:      name,
				Params:    ParseActionParams(raw),
				Status:    status,
				Timestamp: parseTime(ts),
			}
		} else {
			e.Message = &Message{Role: role, Content: content, Timestamp: parseTime(ts)}
		}
		records[i].Sequence = append(records[i].Sequence, e)
	}
	return rows.Err()
}

// ─── Search (FTS5) ───────────────────────────────────────────────────────────

// Search performs full-text search over task titles and message text. An
// empty or whitespace-only query falls back to the most recently active tasks.
func (s *Store) Search(query string, opts SearchOptions) ([]SearchResult, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > s.cfg.MaxSearchResults {
		limit = s.cfg.MaxSearchResults
	}

	ftsQuery := sanitizeFTS(query)
	var (
		sqlStr string
		args   []any
	)
	if ftsQuery == "" {
		sqlStr = `
			SELECT t.id, t.title, t.workspace_path, t.mode, t.last_activity_at, t.is_completed,
			       substr(t.search_text, 1, 200), 0 AS rank
			FROM tasks t
			WHERE 1=1`
	} else {
		sqlStr = `
			SELECT t.id, t.title, t.workspace_path, t.mode, t.last_activity_at, t.is_completed,
			       snippet(tasks_fts, 1, '[', ']', '…', 16), fts.rank
			FROM tasks_fts fts
			JOIN tasks t ON t.rowid = fts.rowid
			WHERE tasks_fts MATCH ?`
		args = append(args, ftsQuery)
	}

	if opts.Workspace != "" {
		sqlStr += " AND t.workspace_path = ?"
		args = append(args, opts.Workspace)
	}
	if opts.Mode != "" {
		sqlStr += " AND t.mode = ?"
		args = append(args, opts.Mode)
	}
	if ftsQuery == "" {
		sqlStr += " ORDER BY t.last_activity_at DESC LIMIT ?"
	} else {
		sqlStr += " ORDER BY fts.rank LIMIT ?"
	}
	args = append(args, limit)

	rows, err := s.queryHook(s.db, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	defer rows.Close()

	var results []SearchResult
	for rows.Next() {
		var sr SearchResult
		var last string
		var completed int
		if err := rows.Scan(&sr.ID, &sr.Title, &sr.WorkspacePath, &sr.Mode, &last, &completed, &sr.Snippet, &sr.Rank); err != nil {
			return nil, err
		}
		sr.LastActivityAt = parseTime(last)
		sr.IsCompleted = completed != 0
		results = append(results, sr)
	}
	return results, rows.Err()
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats returns aggregate store statistics.
func (s *Store) Stats() (*Stats, error) {
	stats := &Stats{}

	_ = s.db.QueryRow("SELECT COUNT(*), COALESCE(SUM(total_size_bytes), 0) FROM tasks").Scan(&stats.TotalTasks, &stats.TotalSizeBytes)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM task_elements").Scan(&stats.TotalElements)
	_ = s.db.QueryRow("SELECT COUNT(*) FROM task_prefixes").Scan(&stats.TotalPrefixes)
	_ = s.db.QueryRow("SELECT id, finished_at FROM scans ORDER BY finished_at DESC LIMIT 1").Scan(&stats.LastScanID, &stats.LastScanAt)

	rows, err := s.queryHook(s.db, "SELECT workspace_path FROM tasks WHERE workspace_path != '' GROUP BY workspace_path ORDER BY MAX(last_activity_at) DESC")
	if err != nil {
		return stats, nil
	}
	defer rows.Close()
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err == nil {
			stats.Workspaces = append(stats.Workspaces, w)
		}
	}
	return stats, nil
}

// ─── Export / Import ─────────────────────────────────────────────────────────

// Export dumps every stored record.
func (s *Store) Export() (*ExportData, error) {
	records, err := s.All()
	if err != nil {
		return nil, err
	}
	return &ExportData{
		Version:    "1",
		ExportedAt: time.Now().UTC().Format(time.RFC3339),
		Tasks:      records,
	}, nil
}

// Import normalizes and validates the records of data and stores them as a
// new scan. Invalid records are skipped and reported, not fatal.
func (s *Store) Import(scanID string, data *ExportData) (*ImportResult, error) {
	result := &ImportResult{}
	valid := make([]TaskRecord, 0, len(data.Tasks))
	seen := make(map[string]bool, len(data.Tasks))
	for _, r := range data.Tasks {
		r.Normalize()
		if err := r.Validate(); err != nil {
			result.Skipped = append(result.Skipped, err.Error())
			continue
		}
		if seen[r.ID] {
			result.Skipped = append(result.Skipped, fmt.Sprintf("duplicate task id %q", r.ID))
			continue
		}
		seen[r.ID] = true
		valid = append(valid, r)
	}
	SortChronologically(valid)

	if err := s.ReplaceAll(scanID, valid); err != nil {
		return nil, err
	}
	result.TasksImported = len(valid)
	return result, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// searchText concatenates the message text indexed by FTS5.
func searchText(r TaskRecord) string {
	var b strings.Builder
	for _, e := range r.Sequence {
		if e.Message == nil {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(e.Message.Content)
	}
	return b.String()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

// Truncate shortens a string to max bytes with an ellipsis.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}

// sanitizeFTS wraps each word in quotes for safe FTS5 queries.
// "fix auth bug" → `"fix" "auth" "bug"`
func sanitizeFTS(query string) string {
	var words []string
	for _, w := range strings.Fields(query) {
		w = strings.ReplaceAll(w, `"`, "")
		if w == "" {
			continue
		}
		words = append(words, `"`+w+`"`)
	}
	return strings.Join(words, " ")
}

// isUniqueViolation checks if an error is a SQLite UNIQUE constraint violation.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
