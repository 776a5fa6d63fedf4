// Package memstore is an in-memory engine.Backend. Commits are applied to
// a copy and swapped in whole, so a failed commit leaves nothing behind.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/topology"
)

type itemKey struct {
	disk string
	hash item.ContentHash
}

type tables struct {
	networks    map[topology.NetworkID]engine.NetworkRecord
	blocks      map[topology.Location]topology.BlockRecord
	disks       map[string]engine.DiskRecord
	items       map[itemKey]int64
	slots       map[engine.SlotKey]engine.SlotRecord
	descriptors map[item.ContentHash]item.Descriptor
}

func newTables() *tables {
	return &tables{
		networks:    map[topology.NetworkID]engine.NetworkRecord{},
		blocks:      map[topology.Location]topology.BlockRecord{},
		disks:       map[string]engine.DiskRecord{},
		items:       map[itemKey]int64{},
		slots:       map[engine.SlotKey]engine.SlotRecord{},
		descriptors: map[item.ContentHash]item.Descriptor{},
	}
}

func (t *tables) clone() *tables {
	c := newTables()
	for k, v := range t.networks {
		c.networks[k] = v
	}
	for k, v := range t.blocks {
		c.blocks[k] = v
	}
	for k, v := range t.disks {
		c.disks[k] = v
	}
	for k, v := range t.items {
		c.items[k] = v
	}
	for k, v := range t.slots {
		c.slots[k] = v
	}
	for k, v := range t.descriptors {
		c.descriptors[k] = v
	}
	return c
}

type Store struct {
	mu      sync.Mutex
	t       *tables
	commits int

	// Hooks for failure tests.
	failErr error
	delay   time.Duration
}

func New() *Store {
	return &Store{t: newTables()}
}

// FailCommits makes every later Commit return err (nil restores).
func (s *Store) FailCommits(err error) {
	s.mu.Lock()
	s.failErr = err
	s.mu.Unlock()
}

// SetDelay makes Commit wait d before applying, honoring ctx.
func (s *Store) SetDelay(d time.Duration) {
	s.mu.Lock()
	s.delay = d
	s.mu.Unlock()
}

func (s *Store) Commits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.commits
}

func (s *Store) Load(ctx context.Context) (engine.State, error) {
	if err := ctx.Err(); err != nil {
		return engine.State{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.t
	st := engine.State{Descriptors: map[item.ContentHash]item.Descriptor{}}
	for _, n := range t.networks {
		st.Networks = append(st.Networks, n)
	}
	sort.Slice(st.Networks, func(i, j int) bool { return st.Networks[i].ID < st.Networks[j].ID })
	for _, b := range t.blocks {
		st.Blocks = append(st.Blocks, b)
	}
	sort.Slice(st.Blocks, func(i, j int) bool { return st.Blocks[i].Location.Less(st.Blocks[j].Location) })
	for _, d := range t.disks {
		st.Disks = append(st.Disks, d)
	}
	sort.Slice(st.Disks, func(i, j int) bool { return st.Disks[i].ID < st.Disks[j].ID })
	for k, q := range t.items {
		st.Items = append(st.Items, engine.ItemRecord{Disk: k.disk, Hash: k.hash, Quantity: q})
	}
	sort.Slice(st.Items, func(i, j int) bool {
		if st.Items[i].Disk != st.Items[j].Disk {
			return st.Items[i].Disk < st.Items[j].Disk
		}
		return st.Items[i].Hash < st.Items[j].Hash
	})
	for _, sl := range t.slots {
		st.Slots = append(st.Slots, sl)
	}
	sort.Slice(st.Slots, func(i, j int) bool {
		if st.Slots[i].Bay != st.Slots[j].Bay {
			return st.Slots[i].Bay.Less(st.Slots[j].Bay)
		}
		return st.Slots[i].Slot < st.Slots[j].Slot
	})
	for h, d := range t.descriptors {
		st.Descriptors[h] = d
	}
	return st, nil
}

// Seed writes rows directly, bypassing hooks. Tests use it to stage drift.
func (s *Store) Seed(b engine.Batch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	apply(s.t, b)
}

func (s *Store) Commit(ctx context.Context, b engine.Batch) error {
	s.mu.Lock()
	failErr, delay := s.failErr, s.delay
	s.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	if failErr != nil {
		return failErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.t.clone()
	apply(next, b)
	s.t = next
	s.commits++
	return nil
}

func apply(t *tables, b engine.Batch) {
	for _, id := range b.DeleteNetworks {
		delete(t.networks, id)
	}
	for _, n := range b.Networks {
		t.networks[n.ID] = n
	}
	for _, loc := range b.DeleteBlocks {
		delete(t.blocks, loc)
	}
	for _, r := range b.Blocks {
		t.blocks[r.Location] = r
	}
	for _, d := range b.Disks {
		t.disks[d.ID] = d
	}
	for _, it := range b.Items {
		k := itemKey{disk: it.Disk, hash: it.Hash}
		if it.Quantity <= 0 {
			delete(t.items, k)
			continue
		}
		t.items[k] = it.Quantity
	}
	for _, k := range b.ClearSlots {
		delete(t.slots, k)
	}
	for _, sl := range b.Slots {
		t.slots[sl.SlotKey] = sl
	}
	for _, id := range b.Descriptors {
		t.descriptors[id.Hash] = id.Descriptor
	}
	for _, h := range b.DropDescriptor {
		delete(t.descriptors, h)
	}
}
