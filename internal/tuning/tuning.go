// Package tuning loads config.yaml.
package tuning

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/ledger"
)

type Config struct {
	Network          Network  `yaml:"network"`
	Storage          Storage  `yaml:"storage"`
	BlacklistedItems []string `yaml:"blacklisted_items"`
	Logging          Logging  `yaml:"logging"`
	Agents           Agents   `yaml:"agents"`
	Cache            Cache    `yaml:"cache"`
}

type Network struct {
	MaxBlocks           int `yaml:"max_blocks"`
	OperationCooldownMs int `yaml:"operation_cooldown_ms"`
}

type Storage struct {
	DefaultCellsPerDisk  int    `yaml:"default_cells_per_disk"`
	DriveBaySlots        int    `yaml:"drive_bay_slots"`
	EnforceCellCeiling   bool   `yaml:"enforce_cell_ceiling"`
	LockTimeoutMs        int    `yaml:"lock_timeout_ms"`
	PersistenceTimeoutMs int    `yaml:"persistence_timeout_ms"`
	DefaultTier          string `yaml:"default_tier"`
}

type Logging struct {
	LogNetworkOperations bool `yaml:"log_network_operations"`
	LogStorageOperations bool `yaml:"log_storage_operations"`
	Audit                bool `yaml:"audit"`
}

type Agents struct {
	Enabled        bool `yaml:"enabled"`
	IntervalMs     int  `yaml:"interval_ms"`
	MaxPerTransfer int  `yaml:"max_per_transfer"`
}

type Cache struct {
	MarkerTTLMs int `yaml:"marker_ttl_ms"`
}

func Defaults() Config {
	return Config{
		Network: Network{MaxBlocks: 128, OperationCooldownMs: 100},
		Storage: Storage{
			DefaultCellsPerDisk:  27,
			DriveBaySlots:        8,
			LockTimeoutMs:        2000,
			PersistenceTimeoutMs: 5000,
			DefaultTier:          string(ledger.Tier1K),
		},
		BlacklistedItems: []string{},
		Logging:          Logging{Audit: true},
		Agents:           Agents{Enabled: true, IntervalMs: 1000, MaxPerTransfer: 64},
		Cache:            Cache{MarkerTTLMs: 5000},
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		cfg.Normalize()
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, fmt.Errorf("config.yaml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config.yaml: %w", err)
	}
	return cfg, nil
}

// Normalize fills zero values with defaults and canonicalizes the
// blacklist.
func (c *Config) Normalize() {
	d := Defaults()
	if c.Network.MaxBlocks == 0 {
		c.Network.MaxBlocks = d.Network.MaxBlocks
	}
	if c.Storage.DefaultCellsPerDisk == 0 {
		c.Storage.DefaultCellsPerDisk = d.Storage.DefaultCellsPerDisk
	}
	if c.Storage.DriveBaySlots == 0 {
		c.Storage.DriveBaySlots = d.Storage.DriveBaySlots
	}
	if c.Storage.LockTimeoutMs == 0 {
		c.Storage.LockTimeoutMs = d.Storage.LockTimeoutMs
	}
	if c.Storage.PersistenceTimeoutMs == 0 {
		c.Storage.PersistenceTimeoutMs = d.Storage.PersistenceTimeoutMs
	}
	c.Storage.DefaultTier = strings.ToLower(strings.TrimSpace(c.Storage.DefaultTier))
	if c.Storage.DefaultTier == "" {
		c.Storage.DefaultTier = d.Storage.DefaultTier
	}
	if c.Agents.IntervalMs == 0 {
		c.Agents.IntervalMs = d.Agents.IntervalMs
	}
	if c.Agents.MaxPerTransfer == 0 {
		c.Agents.MaxPerTransfer = d.Agents.MaxPerTransfer
	}
	if c.Cache.MarkerTTLMs == 0 {
		c.Cache.MarkerTTLMs = d.Cache.MarkerTTLMs
	}
	seen := map[string]bool{}
	out := make([]string, 0, len(c.BlacklistedItems))
	for _, t := range c.BlacklistedItems {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	c.BlacklistedItems = out
}

func (c Config) Validate() error {
	if c.Network.MaxBlocks < 3 {
		return fmt.Errorf("network.max_blocks must be >= 3 (server, drive bay, terminal)")
	}
	if c.Network.OperationCooldownMs < 0 {
		return fmt.Errorf("network.operation_cooldown_ms must be >= 0")
	}
	if c.Storage.DefaultCellsPerDisk <= 0 {
		return fmt.Errorf("storage.default_cells_per_disk must be > 0")
	}
	if c.Storage.DriveBaySlots <= 0 {
		return fmt.Errorf("storage.drive_bay_slots must be > 0")
	}
	if c.Storage.LockTimeoutMs <= 0 {
		return fmt.Errorf("storage.lock_timeout_ms must be > 0")
	}
	if c.Storage.PersistenceTimeoutMs <= 0 {
		return fmt.Errorf("storage.persistence_timeout_ms must be > 0")
	}
	if _, err := ledger.ParseTier(c.Storage.DefaultTier); err != nil {
		return fmt.Errorf("storage.default_tier: %w", err)
	}
	if c.Agents.IntervalMs <= 0 {
		return fmt.Errorf("agents.interval_ms must be > 0")
	}
	if c.Agents.MaxPerTransfer <= 0 {
		return fmt.Errorf("agents.max_per_transfer must be > 0")
	}
	if c.Cache.MarkerTTLMs < 0 {
		return fmt.Errorf("cache.marker_ttl_ms must be >= 0")
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (c Config) OperationCooldown() time.Duration { return ms(c.Network.OperationCooldownMs) }
func (c Config) AgentInterval() time.Duration     { return ms(c.Agents.IntervalMs) }
func (c Config) MarkerTTL() time.Duration         { return ms(c.Cache.MarkerTTLMs) }

// Engine maps the storage and logging sections onto engine.Config.
func (c Config) Engine() engine.Config {
	return engine.Config{
		CellsPerDisk:       c.Storage.DefaultCellsPerDisk,
		BaySlots:           c.Storage.DriveBaySlots,
		EnforceCellCeiling: c.Storage.EnforceCellCeiling,
		LockTimeout:        ms(c.Storage.LockTimeoutMs),
		PersistenceTimeout: ms(c.Storage.PersistenceTimeoutMs),
		LogNetworkOps:      c.Logging.LogNetworkOperations,
		LogStorageOps:      c.Logging.LogStorageOperations,
	}
}
