package engine

import (
	"context"
	"fmt"
	"sort"

	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/topology"
)

type Stats struct {
	Networks      int   `json:"networks"`
	ValidNetworks int   `json:"valid_networks"`
	Blocks        int   `json:"blocks"`
	Cables        int   `json:"cables"`
	Importers     int   `json:"importers"`
	Exporters     int   `json:"exporters"`
	Disks         int   `json:"disks"`
	OrphanedDisks int   `json:"orphaned_disks"`
	ItemTypes     int   `json:"item_types"`
	TotalItems    int64 `json:"total_items"`
}

func (e *Engine) Stats() Stats {
	var s Stats
	maxBlocks := e.topo.MaxBlocks()
	for _, n := range e.topo.Networks() {
		s.Networks++
		if n.Validate(maxBlocks) == nil {
			s.ValidNetworks++
		}
		s.Blocks += len(n.Blocks)
		s.Cables += n.Count(topology.RoleCable)
		s.Importers += n.Count(topology.RoleImporter)
		s.Exporters += n.Count(topology.RoleExporter)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	types := map[item.ContentHash]bool{}
	for _, ds := range e.disks {
		s.Disks++
		if ds.orphaned {
			s.OrphanedDisks++
		}
		for _, en := range ds.disk.Entries() {
			types[en.Hash] = true
			s.TotalItems = addSat(s.TotalItems, en.Quantity)
		}
	}
	s.ItemTypes = len(types)
	return s
}

type CleanupReport struct {
	RemovedItems       int `json:"removed_items"`
	FixedDisks         int `json:"fixed_disks"`
	DroppedDescriptors int `json:"dropped_descriptors"`
}

// Cleanup deletes item rows that reference missing disks or hold no
// quantity, rewrites disks whose persisted used-cell count drifted, and
// drops descriptors no disk references. It holds every network lock from
// scan to commit so no store can re-use a descriptor being dropped.
func (e *Engine) Cleanup(ctx context.Context) (CleanupReport, error) {
	e.topoMu.Lock()
	defer e.topoMu.Unlock()

	nets := e.topo.Networks()
	ids := make([]topology.NetworkID, 0, len(nets))
	for _, n := range nets {
		ids = append(ids, n.ID)
	}
	release, err := e.lock(ctx, ids...)
	if err != nil {
		return CleanupReport{}, err
	}
	defer release()

	var b Batch
	e.mu.RLock()
	b.Items = append(b.Items, e.staleItems...)
	for id := range e.driftDisks {
		if ds, ok := e.disks[id]; ok {
			b.Disks = append(b.Disks, diskRecord(ds.disk, ds.orphaned, ds.lastBay))
		}
	}
	held := map[item.ContentHash]bool{}
	for _, ds := range e.disks {
		for _, en := range ds.disk.Entries() {
			held[en.Hash] = true
		}
	}
	for h := range e.descriptors {
		if !held[h] {
			b.DropDescriptor = append(b.DropDescriptor, h)
		}
	}
	e.mu.RUnlock()
	sort.Slice(b.Disks, func(i, j int) bool { return b.Disks[i].ID < b.Disks[j].ID })
	sort.Slice(b.DropDescriptor, func(i, j int) bool { return b.DropDescriptor[i] < b.DropDescriptor[j] })

	rep := CleanupReport{RemovedItems: len(b.Items), FixedDisks: len(b.Disks), DroppedDescriptors: len(b.DropDescriptor)}
	if b.Empty() {
		return rep, nil
	}
	if err := e.commit(ctx, b); err != nil {
		return CleanupReport{}, err
	}
	e.mu.Lock()
	e.staleItems = nil
	e.driftDisks = map[string]bool{}
	for _, h := range b.DropDescriptor {
		delete(e.descriptors, h)
	}
	e.mu.Unlock()
	e.auditEvent(ctx, AuditEntry{Action: "CLEANUP", Details: map[string]any{
		"removed_items": rep.RemovedItems, "fixed_disks": rep.FixedDisks, "dropped_descriptors": rep.DroppedDescriptors,
	}})
	e.logger.Printf("cleanup: removed %d item row(s), fixed %d disk(s), dropped %d descriptor(s)",
		rep.RemovedItems, rep.FixedDisks, rep.DroppedDescriptors)
	return rep, nil
}

func (e *Engine) OrphanedDisks() []DiskInfo {
	var out []DiskInfo
	for _, d := range e.Disks() {
		if d.Orphaned {
			out = append(out, d)
		}
	}
	return out
}

// RecoverDisk returns a disk to the loose state so it can be handed out
// and re-inserted. Orphaned disks are always recoverable. A disk still in
// a drive bay is only pulled out when force is set.
func (e *Engine) RecoverDisk(ctx context.Context, id string, force bool) (DiskInfo, error) {
	e.topoMu.Lock()
	defer e.topoMu.Unlock()

	e.mu.RLock()
	ds, ok := e.disks[id]
	key, inBay := e.where[id]
	e.mu.RUnlock()
	switch {
	case !ok:
		return DiskInfo{}, fmt.Errorf("%w: %s", ErrUnknownDisk, id)
	case inBay && !force:
		return DiskInfo{}, fmt.Errorf("%w: %s is in %s#%d (use confirm to pull it)", ErrDiskInUse, id, key.Bay, key.Slot)
	case !inBay && !ds.orphaned:
		return DiskInfo{}, fmt.Errorf("%w: %s", ErrDiskNotOrphan, id)
	}

	var b Batch
	if inBay {
		netID, _ := e.topo.Owner(key.Bay)
		release, err := e.lock(ctx, netID)
		if err != nil {
			return DiskInfo{}, err
		}
		defer release()
		b.ClearSlots = []SlotKey{key}
	}
	b.Disks = []DiskRecord{diskRecord(ds.disk, false, nil)}
	if err := e.commit(ctx, b); err != nil {
		return DiskInfo{}, err
	}

	e.mu.Lock()
	if inBay {
		e.clearSlotLocked(key.Bay, key.Slot, id)
	}
	next := &diskState{disk: e.disks[id].disk}
	e.disks[id] = next
	info := e.infoLocked(next, true)
	e.mu.Unlock()

	if inBay {
		netID, _ := e.topo.Owner(key.Bay)
		e.invalidateNetworks(netID)
	}
	e.auditEvent(ctx, AuditEntry{Action: "DISK_RECOVERED", Disk: id, Details: map[string]any{"forced": inBay}})
	e.logger.Printf("recovery: disk %s recovered (%d types, %d items)", id, info.Types, info.TotalQuantity)
	return info, nil
}
