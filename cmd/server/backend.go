package main

import (
	"path/filepath"

	"mss.voxelcraft.ai/internal/agents"
	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/persistence/memstore"
	"mss.voxelcraft.ai/internal/persistence/sqlstore"
)

type backend struct {
	state  engine.Backend
	agents agents.Store // nil in memory mode
	close  func() error
}

func (b backend) Close() error {
	if b.close == nil {
		return nil
	}
	return b.close()
}

func openBackend(memory bool, dataDir string) (backend, error) {
	if memory {
		return backend{state: memstore.New()}, nil
	}
	db, err := sqlstore.Open(filepath.Join(dataDir, "mss.sqlite"))
	if err != nil {
		return backend{}, err
	}
	return backend{state: db, agents: db, close: db.Close}, nil
}
