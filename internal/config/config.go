// Package config holds the tunables for a mounted block filesystem:
// cache sizing, write-behind interval, and device geometry. Grounded on
// TheReallyRealWanderer-WiCOS64-Remote-Storage-Server's internal/config
// (config.go)'s Default/Load/Validate shape, trimmed to this engine's
// much smaller surface, with durable Save added via natefinch/atomic.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/natefinch/atomic"

	"github.com/wicos64/blockfs/internal/block"
	"github.com/wicos64/blockfs/internal/cache"
)

// Config controls how an Engine is constructed around a device.
type Config struct {
	// CacheCapacity is the maximum number of resident sector entries
	// (spec.md §3: "at most 64").
	CacheCapacity int `json:"cache_capacity"`
	// FlushIntervalMs is the write-behind sweep period in milliseconds.
	FlushIntervalMs int `json:"flush_interval_ms"`
	// NumSectors is the device's total sector count. blockfs.Format does
	// not read it; it takes the count from the device itself.
	NumSectors uint32 `json:"num_sectors"`

	// FaultInjection optionally wraps the device for chaos testing; a
	// zero value disables it entirely.
	FaultInjection FaultInjectionConfig `json:"fault_injection"`

	// LogRingCapacity bounds the in-memory diagnostic log (blocklog.Hub).
	LogRingCapacity int `json:"log_ring_capacity"`
}

// FaultInjectionConfig mirrors internal/block.FaultyConfig for
// serialization; zero rates mean "no injected faults".
type FaultInjectionConfig struct {
	ReadFailRate  float64 `json:"read_fail_rate"`
	WriteFailRate float64 `json:"write_fail_rate"`
	Seed          int64   `json:"seed"`
}

// Default returns the configuration spec.md's design assumes: a 64-entry
// cache, a 500ms write-behind sweep (standing in for "a few hundred
// device ticks"), and no fault injection.
func Default() Config {
	return Config{
		CacheCapacity:   cache.DefaultCapacity,
		FlushIntervalMs: 500,
		NumSectors:      8192,
		LogRingCapacity: 1024,
	}
}

// Load reads a JSON config file at path, falling back to Default for any
// zero-valued field a partial file omits. path == "" returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Save durably persists cfg as formatted JSON via a temp-file-and-rename,
// so a crash mid-write never leaves a truncated config on disk.
func Save(path string, cfg Config) error {
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader(b)); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate clamps zero-valued fields to their defaults and rejects
// combinations that can't produce a working engine.
func (c *Config) Validate() error {
	if c.CacheCapacity <= 0 {
		c.CacheCapacity = cache.DefaultCapacity
	}
	if c.FlushIntervalMs <= 0 {
		c.FlushIntervalMs = 500
	}
	if c.NumSectors == 0 {
		c.NumSectors = 8192
	}
	if c.LogRingCapacity <= 0 {
		c.LogRingCapacity = 1024
	}
	if c.FaultInjection.ReadFailRate < 0 || c.FaultInjection.ReadFailRate > 1 {
		return fmt.Errorf("config: fault_injection.read_fail_rate out of [0,1]: %v", c.FaultInjection.ReadFailRate)
	}
	if c.FaultInjection.WriteFailRate < 0 || c.FaultInjection.WriteFailRate > 1 {
		return fmt.Errorf("config: fault_injection.write_fail_rate out of [0,1]: %v", c.FaultInjection.WriteFailRate)
	}
	minSectors := uint32(16)
	if c.NumSectors < minSectors {
		return fmt.Errorf("config: num_sectors %d below minimum %d", c.NumSectors, minSectors)
	}
	return nil
}

// BlockDeviceConfig returns the FaultyConfig equivalent for wiring into
// internal/block.NewFaultyDevice, for callers that opted into fault
// injection.
func (c Config) BlockDeviceConfig() block.FaultyConfig {
	return block.FaultyConfig{
		ReadFailRate:  c.FaultInjection.ReadFailRate,
		WriteFailRate: c.FaultInjection.WriteFailRate,
	}
}
