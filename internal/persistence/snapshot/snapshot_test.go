package snapshot

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/ledger"
	"mss.voxelcraft.ai/internal/persistence/memstore"
	"mss.voxelcraft.ai/internal/topology"
)

func at(x int) topology.Location { return topology.Location{World: "world", X: x, Y: 70, Z: 1} }

func populated(t *testing.T) (*memstore.Store, topology.NetworkID) {
	t.Helper()
	ctx := context.Background()
	st := memstore.New()
	e := engine.New(st, topology.NewResolver(128), engine.Config{})
	if err := e.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	for x, role := range []topology.Role{topology.RoleServer, topology.RoleDriveBay, topology.RoleTerminal} {
		if _, err := e.BlockAdded(ctx, at(x), role); err != nil {
			t.Fatalf("BlockAdded: %v", err)
		}
	}
	d, err := e.CreateDisk(ctx, ledger.Tier16K, ledger.Crafter{Name: "alice"})
	if err != nil {
		t.Fatalf("CreateDisk: %v", err)
	}
	if err := e.InsertDisk(ctx, at(1), 0, d.ID); err != nil {
		t.Fatalf("InsertDisk: %v", err)
	}
	id, _ := e.Resolve(at(0))
	lore := item.Descriptor{Type: "BOOK", Lore: []string{"chapter one"}}
	if _, err := e.StoreItems(ctx, id, []engine.ItemStack{{Descriptor: lore, Quantity: 3}, {Descriptor: item.Descriptor{Type: "SAND"}, Quantity: 640}}); err != nil {
		t.Fatalf("StoreItems: %v", err)
	}
	return st, id
}

func TestWriteReadRestore(t *testing.T) {
	ctx := context.Background()
	src, id := populated(t)
	st, err := src.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	path := filepath.Join(t.TempDir(), "snaps", FileName(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	if filepath.Base(path) != "mss-20260301-120000.snap.zst" {
		t.Fatalf("file name = %s", filepath.Base(path))
	}
	if err := WriteSnapshot(path, New(st, time.Now())); err != nil {
		t.Fatalf("write: %v", err)
	}

	h, err := ReadHeader(path)
	if err != nil {
		t.Fatalf("header: %v", err)
	}
	if h.Version != Version || h.Disks != 1 || h.Items != 2 || h.Blocks != 3 {
		t.Fatalf("header = %+v", h)
	}

	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	dst := memstore.New()
	if err := dst.Commit(ctx, Batch(snap.State)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	e := engine.New(dst, topology.NewResolver(128), engine.Config{})
	if err := e.Open(ctx); err != nil {
		t.Fatalf("open restored: %v", err)
	}
	got, err := e.Resolve(at(2))
	if err != nil || got != id {
		t.Fatalf("Resolve = %s, %v; want %s", got, err, id)
	}
	items, err := e.QueryNetworkItems(ctx, id)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items = %+v", items)
	}
	for _, it := range items {
		switch it.Descriptor.Type {
		case "BOOK":
			if it.Quantity != 3 || len(it.Descriptor.Lore) != 1 {
				t.Fatalf("book = %+v", it)
			}
		case "SAND":
			if it.Quantity != 640 {
				t.Fatalf("sand = %+v", it)
			}
		default:
			t.Fatalf("unexpected %+v", it)
		}
	}
}

func TestOverwriteIsAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x"+Ext)
	if err := WriteSnapshot(path, New(engine.State{}, time.Now())); err != nil {
		t.Fatalf("first write: %v", err)
	}
	src, _ := populated(t)
	st, _ := src.Load(context.Background())
	if err := WriteSnapshot(path, New(st, time.Now())); err != nil {
		t.Fatalf("second write: %v", err)
	}
	snap, err := ReadSnapshot(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(snap.State.Disks) != 1 {
		t.Fatalf("disks = %d, want 1", len(snap.State.Disks))
	}
	matches, _ := filepath.Glob(filepath.Join(filepath.Dir(path), "*"))
	if len(matches) != 1 {
		t.Fatalf("leftover files: %v", matches)
	}
}

func TestDecodeRejectsOtherVersion(t *testing.T) {
	var buf bytes.Buffer
	snap := New(engine.State{}, time.Now())
	snap.Header.Version = 9
	if err := Encode(&buf, snap); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := Decode(&buf); !errors.Is(err, ErrVersion) {
		t.Fatalf("err = %v, want ErrVersion", err)
	}
}
