package tuning

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_ConfigYAML(t *testing.T) {
	cfg, err := Load("../../configs/config.yaml")
	if err != nil {
		t.Fatalf("load config.yaml: %v", err)
	}
	if cfg.Network.MaxBlocks != 128 || cfg.Storage.DefaultCellsPerDisk != 27 || cfg.Storage.DriveBaySlots != 8 {
		t.Fatalf("unexpected values: %+v", cfg)
	}
	if len(cfg.BlacklistedItems) == 0 {
		t.Fatalf("expected blacklisted_items from config")
	}
	if cfg.OperationCooldown() != 100*time.Millisecond || cfg.MarkerTTL() != 5*time.Second {
		t.Fatalf("durations: cooldown=%s ttl=%s", cfg.OperationCooldown(), cfg.MarkerTTL())
	}
	ec := cfg.Engine()
	if ec.LockTimeout != 2*time.Second || ec.PersistenceTimeout != 5*time.Second || ec.CellsPerDisk != 27 {
		t.Fatalf("engine config = %+v", ec)
	}
}

func TestLoad_EmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := "storage:\n  enforce_cell_ceiling: true\nblacklisted_items: [tnt, ' tnt ', lava_bucket]\n"
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Storage.EnforceCellCeiling || cfg.Storage.DriveBaySlots != 8 {
		t.Fatalf("storage = %+v", cfg.Storage)
	}
	if got := strings.Join(cfg.BlacklistedItems, ","); got != "LAVA_BUCKET,TNT" {
		t.Fatalf("blacklist = %s", got)
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"max_blocks":  func(c *Config) { c.Network.MaxBlocks = 2 },
		"cooldown":    func(c *Config) { c.Network.OperationCooldownMs = -1 },
		"cells":       func(c *Config) { c.Storage.DefaultCellsPerDisk = -5 },
		"tier":        func(c *Config) { c.Storage.DefaultTier = "2k" },
		"marker ttl":  func(c *Config) { c.Cache.MarkerTTLMs = -1 },
		"agent batch": func(c *Config) { c.Agents.MaxPerTransfer = -1 },
	}
	for name, mutate := range cases {
		cfg := Defaults()
		mutate(&cfg)
		if err := cfg.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("network: [\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "config.yaml") {
		t.Fatalf("err = %v", err)
	}
}
