package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/ledger"
	"mss.voxelcraft.ai/internal/persistence/memstore"
	"mss.voxelcraft.ai/internal/topology"
	"mss.voxelcraft.ai/internal/transport/ws"
)

func startServer(t *testing.T) (string, *engine.Engine) {
	t.Helper()
	eng := engine.New(memstore.New(), topology.NewResolver(128), engine.Config{})
	if err := eng.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	s, err := ws.NewServer(ws.Config{Engine: eng, Logger: log.New(io.Discard, "", 0)})
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		s.Close()
		ts.Close()
	})
	return "ws" + strings.TrimPrefix(ts.URL, "http"), eng
}

func TestRunKeep(t *testing.T) {
	url, eng := startServer(t)
	d, err := eng.CreateDisk(context.Background(), ledger.Tier1K, ledger.Crafter{Name: "op"})
	if err != nil {
		t.Fatalf("CreateDisk: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o := options{URL: url, Name: "bot", Actor: "bot", World: "w", Y: 64, Disk: d.ID, ItemType: "sand", Quantity: 10, Keep: true}
	if err := run(ctx, o, log.New(io.Discard, "", 0)); err != nil {
		t.Fatalf("run: %v", err)
	}
	netID, err := eng.Resolve(topology.Location{World: "w", X: 2, Y: 64})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	items, err := eng.QueryNetworkItems(ctx, netID)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(items) != 1 || items[0].Hash != item.Hash(item.Descriptor{Type: "SAND"}) || items[0].Quantity != 5 {
		t.Fatalf("items = %+v", items)
	}
}

func TestRunCleansUp(t *testing.T) {
	url, eng := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// No disk: STORE and RETRIEVE fail softly, teardown still runs.
	o := options{URL: url, Name: "bot", Actor: "bot", World: "w", ItemType: "DIRT", Quantity: 4}
	if err := run(ctx, o, log.New(io.Discard, "", 0)); err != nil {
		t.Fatalf("run: %v", err)
	}
	if st := eng.Stats(); st.Blocks != 0 || st.Networks != 0 {
		t.Fatalf("stats after teardown = %+v", st)
	}
}

func TestRunStopsOnHardFailure(t *testing.T) {
	url, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	o := options{URL: url, Name: "bot", World: "w", Disk: "DOESNOTEXIST0000", ItemType: "DIRT", Quantity: 1}
	if err := run(ctx, o, log.New(io.Discard, "", 0)); !errors.Is(err, errStep) {
		t.Fatalf("err = %v, want errStep", err)
	}
}
