package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"mss.voxelcraft.ai/internal/engine"
	persistlog "mss.voxelcraft.ai/internal/persistence/log"
	"mss.voxelcraft.ai/internal/persistence/snapshot"
	"mss.voxelcraft.ai/internal/persistence/sqlstore"
	"mss.voxelcraft.ai/internal/topology"
	"mss.voxelcraft.ai/internal/tuning"
)

var errNotEmpty = errors.New("store is not empty (use -force to import anyway)")

// offline is an engine opened directly on the sqlite store, next to or
// instead of a running server.
type offline struct {
	db    *sqlstore.Store
	eng   *engine.Engine
	audit *persistlog.AuditLogger
}

func (o *offline) Close() error {
	if o.audit != nil {
		o.audit.Close()
	}
	return o.db.Close()
}

func dbPath(dataDir string) string { return filepath.Join(dataDir, "mss.sqlite") }

func openStore(dataDir string) (*sqlstore.Store, error) { return sqlstore.Open(dbPath(dataDir)) }

func loadConfig(path string) tuning.Config {
	cfg, err := tuning.Load(path)
	if err != nil {
		cfg, _ = tuning.Load("")
	}
	return cfg
}

func openOffline(ctx context.Context, dataDir, configPath string, logger *log.Logger) (*offline, error) {
	if _, err := os.Stat(dbPath(dataDir)); err != nil {
		return nil, fmt.Errorf("no store in %s: %w", dataDir, err)
	}
	db, err := openStore(dataDir)
	if err != nil {
		return nil, err
	}
	cfg := loadConfig(configPath)
	o := &offline{db: db}
	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.Logging.Audit {
		o.audit = persistlog.NewAuditLogger(dataDir)
		opts = append(opts, engine.WithAudit(o.audit))
	}
	o.eng = engine.New(db, topology.NewResolver(cfg.Network.MaxBlocks), cfg.Engine(), opts...)
	if err := o.eng.Open(ctx); err != nil {
		o.Close()
		return nil, fmt.Errorf("restore: %w", err)
	}
	return o, nil
}

func exportSnapshot(ctx context.Context, b engine.Backend, out string, now time.Time) (snapshot.Header, error) {
	st, err := b.Load(ctx)
	if err != nil {
		return snapshot.Header{}, fmt.Errorf("load state: %w", err)
	}
	snap := snapshot.New(st, now)
	if err := snapshot.WriteSnapshot(out, snap); err != nil {
		return snapshot.Header{}, err
	}
	return snap.Header, nil
}

// importSnapshot writes a snapshot into b as one batch. Rows already in b
// are overwritten by key; rows the snapshot lacks are left alone, so a
// merge into live data needs force.
func importSnapshot(ctx context.Context, b engine.Backend, path string, force bool) (snapshot.Header, error) {
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		return snapshot.Header{}, err
	}
	if !force {
		cur, err := b.Load(ctx)
		if err != nil {
			return snapshot.Header{}, fmt.Errorf("load state: %w", err)
		}
		if len(cur.Blocks) > 0 || len(cur.Disks) > 0 {
			return snapshot.Header{}, errNotEmpty
		}
	}
	if err := b.Commit(ctx, snapshot.Batch(snap.State)); err != nil {
		return snapshot.Header{}, err
	}
	return snap.Header, nil
}
