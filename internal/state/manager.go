// Package state is the state manager: it owns the current scan generation
// (records, instruction index and reconstructed hierarchy) and serves every
// derived view through the cache.
//
// A generation is built off to the side and published with a single
// atomic swap. Readers always see one complete generation; a rebuild that
// is cancelled or fails publishes nothing.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/HendryAvila/tasklens/internal/cache"
	"github.com/HendryAvila/tasklens/internal/hierarchy"
	"github.com/HendryAvila/tasklens/internal/instruction"
	"github.com/HendryAvila/tasklens/internal/skeleton"
	"github.com/HendryAvila/tasklens/internal/truncation"
)

// ErrNotReady is returned by read paths before the first rebuild.
var ErrNotReady = errors.New("state: no generation built yet")

// Config names registered with the cache.
const (
	ConfigHierarchy  = "hierarchy"
	ConfigTruncation = "truncation"
)

// HierarchyConfig controls reconstruction and tree queries.
type HierarchyConfig struct {
	MaxDepth       int     `toml:"max_depth" json:"max_depth"`
	FuzzyThreshold float64 `toml:"fuzzy_threshold" json:"fuzzy_threshold"`
}

// DefaultHierarchyConfig returns the depth cap and similarity threshold
// used when nothing is configured.
func DefaultHierarchyConfig() HierarchyConfig {
	return HierarchyConfig{MaxDepth: hierarchy.DefaultMaxDepth, FuzzyThreshold: instruction.DefaultThreshold}
}

// Validate checks the hierarchy settings.
func (c HierarchyConfig) Validate() error {
	if c.MaxDepth < 1 || c.MaxDepth > hierarchy.DefaultMaxDepth {
		return fmt.Errorf("max_depth must be in [1,%d], got %d", hierarchy.DefaultMaxDepth, c.MaxDepth)
	}
	if c.FuzzyThreshold < 0 || c.FuzzyThreshold > 1 {
		return fmt.Errorf("fuzzy_threshold must be in [0,1], got %v", c.FuzzyThreshold)
	}
	return nil
}

// Config is the runtime-adjustable configuration of the manager.
type Config struct {
	Hierarchy  HierarchyConfig   `json:"hierarchy"`
	Truncation truncation.Config `json:"truncation"`
}

// DefaultConfig returns the defaults of both sections.
func DefaultConfig() Config {
	return Config{Hierarchy: DefaultHierarchyConfig(), Truncation: truncation.DefaultConfig()}
}

// Validate checks both sections.
func (c Config) Validate() error {
	if err := c.Hierarchy.Validate(); err != nil {
		return fmt.Errorf("hierarchy: %w", err)
	}
	if err := c.Truncation.Validate(); err != nil {
		return fmt.Errorf("truncation: %w", err)
	}
	return nil
}

// RecordSource supplies the records of the latest scan and answers text
// searches over them. *skeleton.Store implements it.
type RecordSource interface {
	All() ([]skeleton.TaskRecord, error)
	Search(query string, opts skeleton.SearchOptions) ([]skeleton.SearchResult, error)
}

// Generation is one published, read-only scan generation.
type Generation struct {
	ID          string
	BuiltAt     time.Time
	Duration    time.Duration
	Fingerprint string
	// Key names the derived views of this generation in the cache. Two
	// generations share a key only when they hold the same records and
	// were linked with the same threshold.
	Key     string
	Records []skeleton.TaskRecord
	Index   *instruction.Index
	Forest  *hierarchy.Forest
}

// Manager owns the current generation. It is safe for concurrent use;
// rebuilds are serialized.
type Manager struct {
	current atomic.Pointer[Generation]
	cfg     atomic.Pointer[Config]

	// writeMu serializes rebuilds and reconfiguration.
	writeMu sync.Mutex

	source   RecordSource
	cache    *cache.Manager
	recon    *hierarchy.Engine
	trunc    *truncation.Engine
	logger   *slog.Logger
	rebuilds atomic.Int64
}

// New creates a Manager. source may be nil, in which case only Rebuild
// with explicit records is available and Search runs in memory. A nil
// cache gets a default one; a nil logger discards output.
func New(source RecordSource, c *cache.Manager, cfg Config, logger *slog.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if c == nil {
		c = cache.New(cache.DefaultConfig(), logger)
	}
	m := &Manager{
		source: source,
		cache:  c,
		recon:  hierarchy.NewEngine(logger),
		trunc:  truncation.NewEngine(logger),
		logger: logger,
	}
	m.cfg.Store(&cfg)
	if _, err := c.RegisterConfigVersion(ConfigHierarchy, cfg.Hierarchy); err != nil {
		return nil, err
	}
	if _, err := c.RegisterConfigVersion(ConfigTruncation, cfg.Truncation); err != nil {
		return nil, err
	}
	return m, nil
}

// Cache exposes the underlying cache.
func (m *Manager) Cache() *cache.Manager { return m.cache }

// Config returns the active configuration.
func (m *Manager) Config() Config { return *m.cfg.Load() }

// Current returns the published generation, or nil before the first
// rebuild.
func (m *Manager) Current() *Generation { return m.current.Load() }

func (m *Manager) generation() (*Generation, error) {
	g := m.current.Load()
	if g == nil {
		return nil, ErrNotReady
	}
	return g, nil
}

// ─── Rebuild ─────────────────────────────────────────────────────────────────

// Rebuild builds a new generation from records and publishes it. The
// records are copied; the caller keeps ownership of the slice. ctx is
// checked before publishing only: a cancelled rebuild leaves the previous
// generation in place.
func (m *Manager) Rebuild(ctx context.Context, records []skeleton.TaskRecord) (*Generation, error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return m.rebuild(ctx, records)
}

// RebuildFromStore loads every record from the source and rebuilds.
func (m *Manager) RebuildFromStore(ctx context.Context) (*Generation, error) {
	if m.source == nil {
		return nil, errors.New("state: no record source configured")
	}
	records, err := m.source.All()
	if err != nil {
		return nil, fmt.Errorf("state: load records: %w", err)
	}
	return m.Rebuild(ctx, records)
}

func (m *Manager) rebuild(ctx context.Context, records []skeleton.TaskRecord) (*Generation, error) {
	start := time.Now()
	cfg := m.Config()

	owned := make([]skeleton.TaskRecord, len(records))
	copy(owned, records)
	skeleton.SortChronologically(owned)

	ix := hierarchy.BuildIndex(owned, instruction.WithThreshold(cfg.Hierarchy.FuzzyThreshold))
	recon := m.recon.Reconstruct(owned, ix)
	forest := hierarchy.NewForest(owned, recon, m.logger)

	fp := fingerprint(owned)
	gen := &Generation{
		ID:          uuid.NewString(),
		BuiltAt:     time.Now().UTC(),
		Fingerprint: fp,
		Key:         generationKey(fp, cfg.Hierarchy.FuzzyThreshold),
		Records:     owned,
		Index:       ix,
		Forest:      forest,
	}
	gen.Duration = time.Since(start)

	if err := ctx.Err(); err != nil {
		m.logger.Info("rebuild abandoned", "error", err, "tasks", len(owned))
		return nil, fmt.Errorf("state: rebuild: %w", err)
	}

	prev := m.current.Swap(gen)
	m.rebuilds.Add(1)
	// The first generation keeps entries restored from a snapshot of the
	// same generation; later rebuilds drop every derived entry.
	keep := gen.Key
	if prev != nil {
		keep = ""
	}
	trees := m.cache.InvalidateTrees(keep)
	searches := m.cache.InvalidateSearches(keep)

	attrs := []any{
		"generation", gen.ID, "tasks", len(owned),
		"metadata_edges", recon.MetadataEdges, "fuzzy_edges", recon.FuzzyEdges,
		"invalidated", trees + searches, "duration", gen.Duration,
	}
	if prev != nil {
		attrs = append(attrs, "previous", prev.ID)
	}
	m.logger.Info("generation published", attrs...)
	return gen, nil
}

// fingerprint hashes the parts of the records that derived views depend
// on, so cache keys from a different corpus never collide.
func fingerprint(records []skeleton.TaskRecord) string {
	h := sha256.New()
	for _, r := range records {
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d\x00%s\x00%d\n",
			r.ID, r.DeclaredParentID, r.LastActivityAt.UnixNano(), len(r.Sequence),
			strings.Join(r.ChildInstructionPrefixes, "\x01"), r.TotalSizeBytes)
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

func generationKey(fingerprint string, threshold float64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%g", fingerprint, threshold)))
	return hex.EncodeToString(sum[:8])
}

// remember caches value for generation g. A value computed while a rebuild
// published a newer generation is dropped again.
func (m *Manager) remember(g *Generation, key string, value any, opts ...cache.SetOption) {
	opts = append(opts, cache.WithTags(cache.GenerationTag(g.Key)))
	m.cache.Set(key, value, opts...)
	m.dropIfSuperseded(g, key)
}

func (m *Manager) dropIfSuperseded(g *Generation, key string) {
	if cur := m.current.Load(); cur != g && cur.Key != g.Key {
		m.cache.Delete(key)
	}
}

// ─── Configuration ───────────────────────────────────────────────────────────

// ConfigureResult reports what a reconfiguration invalidated.
type ConfigureResult struct {
	HierarchyInvalidated  int  `json:"hierarchy_invalidated"`
	TruncationInvalidated int  `json:"truncation_invalidated"`
	Rebuilt               bool `json:"rebuilt"`
}

// Configure replaces the configuration. Entries computed under a changed
// section are invalidated; a changed fuzzy threshold also rebuilds the
// current generation, since it changes the edges themselves.
func (m *Manager) Configure(ctx context.Context, cfg Config) (ConfigureResult, error) {
	var res ConfigureResult
	if err := cfg.Validate(); err != nil {
		return res, fmt.Errorf("state: %w", err)
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	prev := m.Config()
	m.cfg.Store(&cfg)

	var err error
	if res.HierarchyInvalidated, err = m.cache.InvalidateOnConfigChange(ConfigHierarchy, cfg.Hierarchy); err != nil {
		return res, err
	}
	if res.TruncationInvalidated, err = m.cache.InvalidateOnConfigChange(ConfigTruncation, cfg.Truncation); err != nil {
		return res, err
	}

	if gen := m.current.Load(); gen != nil && prev.Hierarchy.FuzzyThreshold != cfg.Hierarchy.FuzzyThreshold {
		if _, err := m.rebuild(ctx, gen.Records); err != nil {
			return res, err
		}
		res.Rebuilt = true
	}
	return res, nil
}

// ─── Stats ───────────────────────────────────────────────────────────────────

// Stats describes the current generation and the cache.
type Stats struct {
	GenerationID   string            `json:"generation_id,omitempty"`
	Fingerprint    string            `json:"fingerprint,omitempty"`
	BuiltAt        time.Time         `json:"built_at"`
	RebuildTime    time.Duration     `json:"rebuild_time"`
	Rebuilds       int64             `json:"rebuilds"`
	Tasks          int               `json:"tasks"`
	Roots          int               `json:"roots"`
	MetadataEdges  int               `json:"metadata_edges"`
	FuzzyEdges     int               `json:"fuzzy_edges"`
	DanglingParent int               `json:"dangling_parents"`
	Workspaces     []string          `json:"workspaces,omitempty"`
	Index          instruction.Stats `json:"index"`
	Cache          cache.Metrics     `json:"cache"`
	Config         Config            `json:"config"`
}

// Stats returns diagnostics. It works before the first rebuild.
func (m *Manager) Stats() Stats {
	st := Stats{
		Rebuilds: m.rebuilds.Load(),
		Cache:    m.cache.Metrics(),
		Config:   m.Config(),
	}
	g := m.current.Load()
	if g == nil {
		return st
	}
	recon := g.Forest.Reconstruction()
	st.GenerationID = g.ID
	st.Fingerprint = g.Fingerprint
	st.BuiltAt = g.BuiltAt
	st.RebuildTime = g.Duration
	st.Tasks = len(g.Records)
	st.Roots = len(g.Forest.Roots())
	st.MetadataEdges = recon.MetadataEdges
	st.FuzzyEdges = recon.FuzzyEdges
	st.DanglingParent = len(recon.DanglingParents)
	st.Index = g.Index.Stats()

	seen := map[string]bool{}
	for _, r := range g.Records {
		if r.WorkspacePath != "" && !seen[r.WorkspacePath] {
			seen[r.WorkspacePath] = true
			st.Workspaces = append(st.Workspaces, r.WorkspacePath)
		}
	}
	sort.Strings(st.Workspaces)
	return st
}
