package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const snapshotVersion = 2

type snapshotFile struct {
	Version int             `json:"version"`
	SavedAt time.Time       `json:"saved_at"`
	Entries []snapshotEntry `json:"entries"`
}

type snapshotEntry struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
	// Text marks values that were Go strings.
	Text          bool          `json:"text,omitempty"`
	StoredAt      time.Time     `json:"stored_at"`
	TTL           time.Duration `json:"ttl"`
	Tags          []string      `json:"tags,omitempty"`
	ConfigVersion string        `json:"config_version,omitempty"`
}

// restored holds a snapshot value until GetAs decodes it.
type restored struct {
	raw json.RawMessage
}

// SaveSnapshot writes every live entry to path as JSON. Values that cannot
// be encoded are skipped. It returns the number of entries written.
func (m *Manager) SaveSnapshot(path string) (int, error) {
	type live struct {
		entry snapshotEntry
		value any
	}
	m.mu.Lock()
	now := m.nowFunc()
	pending := make([]live, 0, len(m.entries))
	for _, e := range m.entries {
		if e.expired(now) {
			continue
		}
		v := e.view()
		pending = append(pending, live{
			entry: snapshotEntry{
				Key:           e.key,
				StoredAt:      e.storedAt,
				TTL:           e.ttl,
				Tags:          v.Tags,
				ConfigVersion: e.version,
			},
			value: e.value,
		})
	}
	m.mu.Unlock()

	snap := snapshotFile{Version: snapshotVersion, SavedAt: now}
	for _, p := range pending {
		raw, text, err := encodeValue(p.value)
		if err != nil {
			m.logger.Debug("cache entry not snapshotted", "key", p.entry.Key, "error", err)
			continue
		}
		p.entry.Value, p.entry.Text = raw, text
		snap.Entries = append(snap.Entries, p.entry)
	}
	sort.Slice(snap.Entries, func(i, j int) bool { return snap.Entries[i].Key < snap.Entries[j].Key })

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return 0, fmt.Errorf("cache: encode snapshot: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("cache: create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return 0, fmt.Errorf("cache: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, fmt.Errorf("cache: replace snapshot: %w", err)
	}
	return len(snap.Entries), nil
}

// encodeValue returns the JSON form of v and whether v is a string.
func encodeValue(v any) (raw json.RawMessage, text bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("encode panicked: %v", r)
		}
	}()
	switch t := v.(type) {
	case *restored:
		return t.raw, false, nil
	case string:
		raw, err = json.Marshal(t)
		return raw, true, err
	}
	raw, err = json.Marshal(v)
	return raw, false, err
}

// LoadSnapshot restores entries saved by SaveSnapshot, keeping their
// original store time so TTLs carry over. Failures are logged and leave
// the cache as it was; the result is the number of entries restored.
func (m *Manager) LoadSnapshot(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("cache snapshot unreadable", "path", path, "error", err)
		}
		return 0
	}
	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("cache snapshot corrupt", "path", path, "error", err)
		return 0
	}
	if snap.Version != snapshotVersion {
		m.logger.Warn("cache snapshot version mismatch", "path", path, "version", snap.Version)
		return 0
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFunc()
	loaded := 0
	for _, se := range snap.Entries {
		if _, exists := m.entries[se.Key]; exists {
			continue
		}
		var value any = &restored{raw: se.Value}
		if se.Text {
			var s string
			if err := json.Unmarshal(se.Value, &s); err != nil {
				continue
			}
			value = s
		}
		e := &entry{
			key:       se.Key,
			value:     value,
			storedAt:  se.StoredAt,
			ttl:       se.TTL,
			tags:      make(map[string]struct{}, len(se.Tags)),
			version:   se.ConfigVersion,
			sizeBytes: int64(len(se.Key) + len(se.Value)),
		}
		for _, t := range se.Tags {
			e.tags[t] = struct{}{}
		}
		if e.expired(now) {
			continue
		}
		m.entries[e.key] = e
		m.size += e.sizeBytes
		loaded++
	}
	m.evict("")
	m.logger.Info("cache snapshot loaded", "path", path, "entries", loaded)
	return loaded
}
