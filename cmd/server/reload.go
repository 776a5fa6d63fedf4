package main

import (
	"context"
	"log"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/filter"
	"mss.voxelcraft.ai/internal/guard"
	"mss.voxelcraft.ai/internal/topology"
	"mss.voxelcraft.ai/internal/tuning"
)

// live is the set of components a config reload reaches.
type live struct {
	eng     *engine.Engine
	res     *topology.Resolver
	markers *guard.MarkerCache
	cool    *guard.Cooldowns
	deny    *filter.DenyList
	logger  *log.Logger
}

// apply pushes a reloaded config into the live components. Agent interval
// and the audit switch need a restart.
func (r *live) apply(cfg tuning.Config) {
	r.eng.SetConfig(cfg.Engine())
	r.res.SetMaxBlocks(cfg.Network.MaxBlocks)
	r.cool.SetCooldown(cfg.OperationCooldown())
	r.markers.SetTTL(cfg.MarkerTTL())
	r.deny.Set(cfg.BlacklistedItems)
	r.logger.Printf("config reloaded: cooldown=%s max_blocks=%d blacklist=%d",
		cfg.OperationCooldown(), cfg.Network.MaxBlocks, len(cfg.BlacklistedItems))
}

const reloadDebounce = 200 * time.Millisecond

// watchConfig calls fn with every successfully parsed version of path
// until ctx ends. The directory is watched since editors often replace the
// file instead of writing it in place. Invalid files are logged and skipped.
func watchConfig(ctx context.Context, path string, fn func(tuning.Config), logger *log.Logger) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Printf("config watch: %v", err)
		case <-fire:
			fire = nil
			cfg, err := tuning.Load(path)
			if err != nil {
				logger.Printf("config reload rejected: %v", err)
				continue
			}
			fn(cfg)
		}
	}
}
