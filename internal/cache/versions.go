package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/tidwall/gjson"
)

// ConfigTag is the dependency tag for entries computed under config name.
func ConfigTag(name string) string { return "config:" + name }

type configVersion struct {
	raw     string
	version string
}

// Diff is a structural comparison between two config snapshots, keyed by
// flattened paths ("truncation.max_output_length", "tags.0").
type Diff struct {
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// Empty reports whether the snapshots are structurally equal.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0
}

// RegisterConfigVersion snapshots cfg under name and returns the version
// string derived from its content.
func (m *Manager) RegisterConfigVersion(name string, cfg any) (string, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("cache: register config %q: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v := configVersion{raw: string(raw), version: versionOf(raw)}
	m.versions[name] = v
	return v.version, nil
}

// ConfigVersion returns the registered version of name, or "" if none.
func (m *Manager) ConfigVersion(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.versions[name].version
}

// HasConfigChanged reports whether cfg differs structurally from the
// registered snapshot. A name never registered counts as changed, as does
// a config that cannot be serialized.
func (m *Manager) HasConfigChanged(name string, cfg any) bool {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.versions[name]
	if !ok {
		return true
	}
	return !diffJSON(prev.raw, string(raw)).Empty()
}

// ConfigDiff compares cfg against the registered snapshot of name. With
// nothing registered every key of cfg is reported as added.
func (m *Manager) ConfigDiff(name string, cfg any) (Diff, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return Diff{}, fmt.Errorf("cache: diff config %q: %w", name, err)
	}
	m.mu.Lock()
	prev := m.versions[name].raw
	m.mu.Unlock()
	if prev == "" {
		prev = "{}"
	}
	return diffJSON(prev, string(raw)), nil
}

// InvalidateOnConfigChange drops every entry tagged ConfigTag(name) when
// cfg differs from the registered snapshot, then registers cfg. It returns
// the number of entries removed: 0 when nothing changed.
func (m *Manager) InvalidateOnConfigChange(name string, cfg any) (int, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return 0, fmt.Errorf("cache: config %q: %w", name, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, registered := m.versions[name]
	if registered {
		if d := diffJSON(prev.raw, string(raw)); d.Empty() {
			return 0, nil
		}
	}
	removed := m.invalidate(Selector{Dependency: ConfigTag(name)})
	m.stats.configChange += int64(removed)
	m.versions[name] = configVersion{raw: string(raw), version: versionOf(raw)}
	m.logger.Info("config changed", "name", name, "invalidated", removed)
	return removed, nil
}

func versionOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:6])
}

// diffJSON flattens both documents to leaf paths and compares them.
func diffJSON(before, after string) Diff {
	a, b := flatten(before), flatten(after)
	var d Diff
	for k, v := range b {
		old, ok := a[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case old != v:
			d.Modified = append(d.Modified, k)
		}
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			d.Removed = append(d.Removed, k)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Modified)
	return d
}

// flatten maps every leaf of a JSON document to its raw value. Empty
// objects and arrays are leaves too, so adding the first key to one shows
// up as a change.
func flatten(doc string) map[string]string {
	out := make(map[string]string)
	if !gjson.Valid(doc) {
		out[""] = doc
		return out
	}
	var walk func(path string, v gjson.Result)
	walk = func(path string, v gjson.Result) {
		if !v.IsObject() && !v.IsArray() {
			out[path] = v.Raw
			return
		}
		isArray := v.IsArray()
		i, n := 0, 0
		v.ForEach(func(key, val gjson.Result) bool {
			seg := key.String()
			if isArray {
				seg = strconv.Itoa(i)
			}
			i++
			n++
			walk(join(path, seg), val)
			return true
		})
		if n == 0 {
			out[path] = v.Raw
		}
	}
	walk("", gjson.Parse(doc))
	return out
}

func join(path, seg string) string {
	if path == "" {
		return seg
	}
	return path + "." + seg
}
