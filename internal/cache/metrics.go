package cache

type counters struct {
	hits, misses, sets          int64
	evictions, expirations      int64
	invalidations, configChange int64
}

// Metrics is a point-in-time snapshot of cache activity.
type Metrics struct {
	Hits                int64   `json:"hits"`
	Misses              int64   `json:"misses"`
	Sets                int64   `json:"sets"`
	Evictions           int64   `json:"evictions"`
	Expirations         int64   `json:"expirations"`
	Invalidations       int64   `json:"invalidations"`
	ConfigInvalidations int64   `json:"config_invalidations"`
	Entries             int     `json:"entries"`
	SizeBytes           int64   `json:"size_bytes"`
	MaxSizeBytes        int64   `json:"max_size_bytes"`
	HitRate             float64 `json:"hit_rate"`
	ConfigVersions      int     `json:"config_versions"`
}

// Metrics returns the current counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := Metrics{
		Hits:                m.stats.hits,
		Misses:              m.stats.misses,
		Sets:                m.stats.sets,
		Evictions:           m.stats.evictions,
		Expirations:         m.stats.expirations,
		Invalidations:       m.stats.invalidations,
		ConfigInvalidations: m.stats.configChange,
		Entries:             len(m.entries),
		SizeBytes:           m.size,
		MaxSizeBytes:        m.cfg.MaxSizeBytes,
		ConfigVersions:      len(m.versions),
	}
	if total := out.Hits + out.Misses; total > 0 {
		out.HitRate = float64(out.Hits) / float64(total)
	}
	return out
}
