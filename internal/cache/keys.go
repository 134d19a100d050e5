package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Well-known keys, prefixes and tags.
const (
	// TaskTreePrefix prefixes the full task forest entries.
	TaskTreePrefix = "tree:full:"
	// TreePrefix prefixes every per-task tree entry.
	TreePrefix = "tree:"
	// SearchPrefix prefixes every search result entry.
	SearchPrefix = "search:"
	// TagTree marks entries derived from the current hierarchy; a rebuild
	// drops them all.
	TagTree = "tree"
	// TagSearch marks search results.
	TagSearch = "search"
)

// GenerationTag marks entries computed from the generation with the given
// key.
func GenerationTag(generation string) string { return "gen:" + generation }

// TaskTreeKey is the key of the full forest of a generation expanded to
// maxDepth.
func TaskTreeKey(generation string, maxDepth int) string {
	return fmt.Sprintf("%s%s:depth=%d", TaskTreePrefix, generation, maxDepth)
}

// SetTaskTree stores the full forest of a generation.
func (m *Manager) SetTaskTree(generation string, maxDepth int, value any, opts ...SetOption) {
	base := []SetOption{WithTags(TagTree, GenerationTag(generation))}
	m.Set(TaskTreeKey(generation, maxDepth), value, append(base, opts...)...)
}

// TaskTree returns the cached full forest of a generation.
func (m *Manager) TaskTree(generation string, maxDepth int) (any, bool) {
	return m.Get(TaskTreeKey(generation, maxDepth))
}

// InvalidateTrees drops every tree-derived entry, the full forest
// included, except those of generation keep. An empty keep drops them all.
func (m *Manager) InvalidateTrees(keep string) int {
	return m.Invalidate(Selector{Dependency: TagTree, Except: keepTag(keep)})
}

// InvalidateSearches drops every search result except those of
// generation keep.
func (m *Manager) InvalidateSearches(keep string) int {
	return m.Invalidate(Selector{Dependency: TagSearch, Except: keepTag(keep)})
}

func keepTag(generation string) string {
	if generation == "" {
		return ""
	}
	return GenerationTag(generation)
}

// SearchKey derives the key for a search: the same query text under
// different filters gets a different key.
func SearchKey(query string, filters any) string {
	payload, err := json.Marshal(struct {
		Query   string `json:"q"`
		Filters any    `json:"f"`
	}{query, filters})
	if err != nil {
		payload = []byte(query)
	}
	sum := sha256.Sum256(payload)
	return SearchPrefix + hex.EncodeToString(sum[:12])
}

// SetSearch caches a search result.
func (m *Manager) SetSearch(query string, filters any, value any, opts ...SetOption) {
	m.Set(SearchKey(query, filters), value, append([]SetOption{WithTags(TagSearch)}, opts...)...)
}
