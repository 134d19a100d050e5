// Package cache is a process-local memoization store for derived views:
// trees, search results, rendered chains. Entries expire by TTL, count
// against an approximate byte budget and carry dependency tags so whole
// families of entries can be dropped at once.
//
// Expiry is checked lazily on access and by an optional periodic sweep.
package cache

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// EvictionPolicy picks the victim when the byte budget is exceeded.
type EvictionPolicy string

const (
	// EvictOldest drops the entry stored first.
	EvictOldest EvictionPolicy = "oldest"
	// EvictShortestTTL drops the entry closest to expiry.
	EvictShortestTTL EvictionPolicy = "shortest-ttl"
)

// Config controls a Manager.
type Config struct {
	// DefaultTTL applies when Set is given no TTL. Zero means no expiry.
	DefaultTTL time.Duration
	// MaxSizeBytes is the approximate byte budget. Zero means unbounded.
	MaxSizeBytes int64
	Eviction     EvictionPolicy
}

// DefaultConfig returns a 10 minute TTL and a 64 MiB budget.
func DefaultConfig() Config {
	return Config{
		DefaultTTL:   10 * time.Minute,
		MaxSizeBytes: 64 << 20,
		Eviction:     EvictOldest,
	}
}

// Entry is a read-only view of a cached entry.
type Entry struct {
	Key           string        `json:"key"`
	StoredAt      time.Time     `json:"stored_at"`
	TTL           time.Duration `json:"ttl"`
	Tags          []string      `json:"tags,omitempty"`
	ConfigVersion string        `json:"config_version,omitempty"`
	SizeBytes     int64         `json:"size_bytes"`
}

type entry struct {
	key       string
	value     any
	storedAt  time.Time
	ttl       time.Duration
	tags      map[string]struct{}
	version   string
	sizeBytes int64
}

func (e *entry) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.storedAt) > e.ttl
}

// remaining is the time left before expiry; entries without a TTL sort last.
func (e *entry) remaining(now time.Time) time.Duration {
	if e.ttl <= 0 {
		return time.Duration(1<<63 - 1)
	}
	return e.ttl - now.Sub(e.storedAt)
}

func (e *entry) hasTag(tag string) bool {
	_, ok := e.tags[tag]
	return ok
}

func (e *entry) view() Entry {
	tags := make([]string, 0, len(e.tags))
	for t := range e.tags {
		tags = append(tags, t)
	}
	sort.Strings(tags)
	return Entry{
		Key:           e.key,
		StoredAt:      e.storedAt,
		TTL:           e.ttl,
		Tags:          tags,
		ConfigVersion: e.version,
		SizeBytes:     e.sizeBytes,
	}
}

// SetOption customises a single Set.
type SetOption func(*entry)

// WithTTL overrides the default TTL. Zero keeps the default; a negative
// TTL disables expiry.
func WithTTL(ttl time.Duration) SetOption {
	return func(e *entry) {
		switch {
		case ttl < 0:
			e.ttl = 0
		case ttl > 0:
			e.ttl = ttl
		}
	}
}

// WithTags attaches dependency tags.
func WithTags(tags ...string) SetOption {
	return func(e *entry) {
		for _, t := range tags {
			if t != "" {
				e.tags[t] = struct{}{}
			}
		}
	}
}

// WithVersion records the config version the value was computed under.
func WithVersion(version string) SetOption {
	return func(e *entry) { e.version = version }
}

// Manager is the cache. It is safe for concurrent use.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	entries  map[string]*entry
	size     int64
	versions map[string]configVersion
	stats    counters
	logger   *slog.Logger

	// nowFunc is swapped in tests.
	nowFunc func() time.Time
}

// New creates a Manager. A nil logger discards output.
func New(cfg Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Eviction == "" {
		cfg.Eviction = EvictOldest
	}
	return &Manager{
		cfg:      cfg,
		entries:  make(map[string]*entry),
		versions: make(map[string]configVersion),
		logger:   logger,
		nowFunc:  time.Now,
	}
}

// Get returns the value stored under key, if present and not expired.
// Entries restored from a snapshot come back as json.RawMessage until a
// GetAs call decodes them.
func (m *Manager) Get(key string) (any, bool) {
	v, ok := m.lookup(key)
	if r, isRaw := v.(*restored); isRaw {
		return r.raw, ok
	}
	return v, ok
}

func (m *Manager) lookup(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.stats.misses++
		return nil, false
	}
	if e.expired(m.nowFunc()) {
		m.remove(e)
		m.stats.expirations++
		m.stats.misses++
		return nil, false
	}
	m.stats.hits++
	return e.value, true
}

// GetAs is Get with a type assertion. A value of another type is a miss.
// A value restored from a snapshot is decoded into V and kept decoded;
// one that does not decode is dropped.
func GetAs[V any](m *Manager, key string) (V, bool) {
	var zero V
	v, ok := m.lookup(key)
	if !ok {
		return zero, false
	}
	if typed, ok := v.(V); ok {
		return typed, true
	}
	r, ok := v.(*restored)
	if !ok {
		return zero, false
	}
	var decoded V
	if err := json.Unmarshal(r.raw, &decoded); err != nil {
		m.logger.Debug("dropping undecodable restored entry", "key", key, "error", err)
		m.Delete(key)
		return zero, false
	}
	m.settle(key, r, decoded)
	return decoded, true
}

// settle replaces a restored value with its decoded form, unless the
// entry was replaced meanwhile.
func (m *Manager) settle(key string, r *restored, decoded any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok && e.value == any(r) {
		e.value = decoded
	}
}

// Set stores value under key, replacing any previous entry, and evicts
// other entries while the byte budget is exceeded.
func (m *Manager) Set(key string, value any, opts ...SetOption) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := &entry{
		key:   key,
		value: value,
		ttl:   m.cfg.DefaultTTL,
		tags:  make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.storedAt = m.nowFunc()
	e.sizeBytes = int64(len(key)) + estimateSize(value)

	if old, ok := m.entries[key]; ok {
		m.remove(old)
	}
	m.entries[key] = e
	m.size += e.sizeBytes
	m.stats.sets++

	m.evict(key)
}

// Delete removes key and reports whether it existed.
func (m *Manager) Delete(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if ok {
		m.remove(e)
	}
	return ok
}

// Len returns the number of stored entries, expired ones included until
// they are swept.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Entries lists the stored entries, oldest first.
func (m *Manager) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.view())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StoredAt.Equal(out[j].StoredAt) {
			return out[i].StoredAt.Before(out[j].StoredAt)
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// ─── Invalidation ────────────────────────────────────────────────────────────

// Selector picks entries to invalidate. An entry matches when any set
// field matches it; the zero Selector matches nothing. Entries carrying
// the Except tag never match.
type Selector struct {
	All        bool
	Pattern    *regexp.Regexp
	Prefix     string
	Dependency string
	Except     string
}

// PatternSelector compiles expr into a Selector.
func PatternSelector(expr string) (Selector, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return Selector{}, err
	}
	return Selector{Pattern: re}, nil
}

func (s Selector) matches(e *entry) bool {
	if s.Except != "" && e.hasTag(s.Except) {
		return false
	}
	switch {
	case s.All:
		return true
	case s.Pattern != nil && s.Pattern.MatchString(e.key):
		return true
	case s.Prefix != "" && strings.HasPrefix(e.key, s.Prefix):
		return true
	case s.Dependency != "" && e.hasTag(s.Dependency):
		return true
	}
	return false
}

// Invalidate removes every entry sel matches and returns how many.
func (m *Manager) Invalidate(sel Selector) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.invalidate(sel)
}

func (m *Manager) invalidate(sel Selector) int {
	removed := 0
	for _, e := range m.entries {
		if sel.matches(e) {
			m.remove(e)
			removed++
		}
	}
	m.stats.invalidations += int64(removed)
	if removed > 0 {
		m.logger.Debug("cache entries invalidated", "count", removed,
			"all", sel.All, "prefix", sel.Prefix, "dependency", sel.Dependency)
	}
	return removed
}

// ─── Expiry and eviction ─────────────────────────────────────────────────────

// Sweep removes every expired entry and returns how many.
func (m *Manager) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	removed := 0
	for _, e := range m.entries {
		if e.expired(now) {
			m.remove(e)
			removed++
		}
	}
	m.stats.expirations += int64(removed)
	return removed
}

// StartSweeper runs Sweep every interval until ctx is done.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := m.Sweep(); n > 0 {
					m.logger.Debug("cache sweep", "expired", n)
				}
			}
		}
	}()
}

// evict drops entries, never keep, while the budget is exceeded. Expired
// entries go first.
func (m *Manager) evict(keep string) {
	if m.cfg.MaxSizeBytes <= 0 || m.size <= m.cfg.MaxSizeBytes {
		return
	}
	now := m.nowFunc()
	for _, e := range m.entries {
		if e.key != keep && e.expired(now) {
			m.remove(e)
			m.stats.expirations++
		}
	}
	for m.size > m.cfg.MaxSizeBytes {
		victim := m.victim(keep, now)
		if victim == nil {
			m.logger.Warn("cache entry larger than budget", "key", keep, "size_bytes", m.size, "max_bytes", m.cfg.MaxSizeBytes)
			return
		}
		m.remove(victim)
		m.stats.evictions++
	}
}

func (m *Manager) victim(keep string, now time.Time) *entry {
	var best *entry
	for _, e := range m.entries {
		if e.key == keep {
			continue
		}
		if best == nil || m.before(e, best, now) {
			best = e
		}
	}
	return best
}

// before reports whether a should be evicted ahead of b.
func (m *Manager) before(a, b *entry, now time.Time) bool {
	if m.cfg.Eviction == EvictShortestTTL {
		ra, rb := a.remaining(now), b.remaining(now)
		if ra != rb {
			return ra < rb
		}
	}
	if !a.storedAt.Equal(b.storedAt) {
		return a.storedAt.Before(b.storedAt)
	}
	return a.key < b.key
}

func (m *Manager) remove(e *entry) {
	delete(m.entries, e.key)
	m.size -= e.sizeBytes
}

// estimateSize approximates the memory held by v through its JSON form.
func estimateSize(v any) int64 {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return int64(len(t))
	case []byte:
		return int64(len(t))
	case json.RawMessage:
		return int64(len(t))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 64
	}
	return int64(len(b))
}
