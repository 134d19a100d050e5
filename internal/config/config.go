// Package config loads the tasklens configuration file
// ($TASKLENS_HOME/config.toml) and applies environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/HendryAvila/tasklens/internal/cache"
	"github.com/HendryAvila/tasklens/internal/skeleton"
	"github.com/HendryAvila/tasklens/internal/state"
	"github.com/HendryAvila/tasklens/internal/truncation"
)

// Environment variables.
const (
	EnvHome     = "TASKLENS_HOME"
	EnvLogLevel = "TASKLENS_LOG_LEVEL"
	EnvCacheTTL = "TASKLENS_CACHE_TTL"
)

const (
	configFileName   = "config.toml"
	snapshotFileName = "cache-snapshot.json"
)

// StoreConfig is the [store] section.
type StoreConfig struct {
	DataDir          string `toml:"data_dir" json:"data_dir"`
	MaxSearchResults int    `toml:"max_search_results" json:"max_search_results"`
}

// CacheConfig is the [cache] section. Durations use time.ParseDuration
// syntax ("10m", "30s").
type CacheConfig struct {
	DefaultTTL    string `toml:"default_ttl" json:"default_ttl"`
	MaxSizeBytes  int64  `toml:"max_size_bytes" json:"max_size_bytes"`
	Eviction      string `toml:"eviction" json:"eviction"`
	SweepInterval string `toml:"sweep_interval" json:"sweep_interval"`
	// Snapshot persists string-valued entries across restarts.
	Snapshot bool `toml:"snapshot" json:"snapshot"`
}

// LogConfig is the [log] section.
type LogConfig struct {
	Level string `toml:"level" json:"level"`
	// Format is "json" (default) or "text".
	Format string `toml:"format" json:"format"`
}

// Config is the whole configuration file.
type Config struct {
	Store      StoreConfig           `toml:"store" json:"store"`
	Cache      CacheConfig           `toml:"cache" json:"cache"`
	Truncation truncation.Config     `toml:"truncation" json:"truncation"`
	Hierarchy  state.HierarchyConfig `toml:"hierarchy" json:"hierarchy"`
	Log        LogConfig             `toml:"log" json:"log"`
}

// Home returns $TASKLENS_HOME, or ~/.tasklens.
func Home() string {
	if h := strings.TrimSpace(os.Getenv(EnvHome)); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tasklens"
	}
	return filepath.Join(home, ".tasklens")
}

// DefaultPath is the configuration file inside Home.
func DefaultPath() string { return filepath.Join(Home(), configFileName) }

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			DataDir:          Home(),
			MaxSearchResults: 50,
		},
		Cache: CacheConfig{
			DefaultTTL:    "10m",
			MaxSizeBytes:  64 << 20,
			Eviction:      string(cache.EvictOldest),
			SweepInterval: "1m",
			Snapshot:      true,
		},
		Truncation: truncation.DefaultConfig(),
		Hierarchy:  state.DefaultHierarchyConfig(),
		Log:        LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path atomically, creating the directory.
func Save(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("config: create dir: %w", err)
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return fmt.Errorf("config: write: %w", err)
	}
	return os.Rename(tmp, path)
}

func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		c.Log.Level = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvCacheTTL)); v != "" {
		c.Cache.DefaultTTL = v
	}
}

func (c *Config) normalize() {
	c.Store.DataDir = strings.TrimSpace(c.Store.DataDir)
	if c.Store.DataDir == "" {
		c.Store.DataDir = Home()
	}
	c.Cache.Eviction = strings.ToLower(strings.TrimSpace(c.Cache.Eviction))
	if c.Cache.Eviction == "" {
		c.Cache.Eviction = string(cache.EvictOldest)
	}
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Store.MaxSearchResults <= 0 {
		errs = append(errs, fmt.Errorf("store.max_search_results must be positive, got %d", c.Store.MaxSearchResults))
	}
	if _, err := parseDuration(c.Cache.DefaultTTL); err != nil {
		errs = append(errs, fmt.Errorf("cache.default_ttl: %w", err))
	}
	if _, err := parseDuration(c.Cache.SweepInterval); err != nil {
		errs = append(errs, fmt.Errorf("cache.sweep_interval: %w", err))
	}
	if c.Cache.MaxSizeBytes < 0 {
		errs = append(errs, fmt.Errorf("cache.max_size_bytes must not be negative, got %d", c.Cache.MaxSizeBytes))
	}
	switch cache.EvictionPolicy(c.Cache.Eviction) {
	case cache.EvictOldest, cache.EvictShortestTTL, "":
	default:
		errs = append(errs, fmt.Errorf("cache.eviction must be %q or %q, got %q", cache.EvictOldest, cache.EvictShortestTTL, c.Cache.Eviction))
	}
	if err := c.Truncation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("truncation: %w", err))
	}
	if err := c.Hierarchy.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("hierarchy: %w", err))
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json or text, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// parseDuration accepts "" and "0" as zero.
func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("must not be negative, got %s", s)
	}
	return d, nil
}

// ─── Views for the components ────────────────────────────────────────────────

// StoreOptions returns the record store configuration.
func (c Config) StoreOptions() skeleton.Config {
	return skeleton.Config{DataDir: c.Store.DataDir, MaxSearchResults: c.Store.MaxSearchResults}
}

// CacheOptions returns the cache configuration. Call Validate first;
// unparsable durations become zero here.
func (c Config) CacheOptions() cache.Config {
	ttl, _ := parseDuration(c.Cache.DefaultTTL)
	return cache.Config{
		DefaultTTL:   ttl,
		MaxSizeBytes: c.Cache.MaxSizeBytes,
		Eviction:     cache.EvictionPolicy(c.Cache.Eviction),
	}
}

// SweepInterval returns the cache sweep period; zero disables sweeping.
func (c Config) SweepInterval() time.Duration {
	d, _ := parseDuration(c.Cache.SweepInterval)
	return d
}

// SnapshotPath is where the cache snapshot lives, or "" when disabled.
func (c Config) SnapshotPath() string {
	if !c.Cache.Snapshot {
		return ""
	}
	return filepath.Join(c.Store.DataDir, snapshotFileName)
}

// StateOptions returns the state manager configuration.
func (c Config) StateOptions() state.Config {
	return state.Config{Hierarchy: c.Hierarchy, Truncation: c.Truncation}
}
