package engine

import (
	"time"

	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/ledger"
	"mss.voxelcraft.ai/internal/topology"
)

// Persisted record shapes.

type NetworkRecord struct {
	ID        topology.NetworkID
	Server    *topology.Location
	Valid     bool
	Blocks    int
	UpdatedAt time.Time
}

type DiskRecord struct {
	ID          string
	Tier        ledger.Tier
	MaxCells    int
	UsedCells   int
	CellCeiling int64
	Crafter     ledger.Crafter
	CreatedAt   time.Time
	Orphaned    bool
	LastBay     *topology.Location
}

type ItemRecord struct {
	Disk     string
	Hash     item.ContentHash
	Quantity int64
}

type SlotKey struct {
	Bay  topology.Location `json:"bay"`
	Slot int               `json:"slot"`
}

type SlotRecord struct {
	SlotKey
	Disk    string
	Network topology.NetworkID
}

// State is everything Load returns.
type State struct {
	Networks    []NetworkRecord
	Blocks      []topology.BlockRecord
	Disks       []DiskRecord
	Items       []ItemRecord
	Slots       []SlotRecord
	Descriptors map[item.ContentHash]item.Descriptor
}

// Batch is one atomic set of writes. Items with Quantity 0 are deletes.
type Batch struct {
	Networks       []NetworkRecord
	DeleteNetworks []topology.NetworkID
	Blocks         []topology.BlockRecord
	DeleteBlocks   []topology.Location
	Disks          []DiskRecord
	Items          []ItemRecord
	Slots          []SlotRecord
	ClearSlots     []SlotKey
	Descriptors    []item.Identity
	DropDescriptor []item.ContentHash
}

func (b Batch) Empty() bool {
	return len(b.Networks) == 0 && len(b.DeleteNetworks) == 0 &&
		len(b.Blocks) == 0 && len(b.DeleteBlocks) == 0 &&
		len(b.Disks) == 0 && len(b.Items) == 0 &&
		len(b.Slots) == 0 && len(b.ClearSlots) == 0 &&
		len(b.Descriptors) == 0 && len(b.DropDescriptor) == 0
}

func diskRecord(d *ledger.Disk, orphaned bool, lastBay *topology.Location) DiskRecord {
	return DiskRecord{
		ID:          d.ID,
		Tier:        d.Tier,
		MaxCells:    d.MaxCells,
		UsedCells:   d.UsedCells(),
		CellCeiling: d.CellCeiling,
		Crafter:     d.Crafter,
		CreatedAt:   d.CreatedAt,
		Orphaned:    orphaned,
		LastBay:     lastBay,
	}
}

// itemDiff returns the rows that changed between two versions of a disk.
func itemDiff(before, after *ledger.Disk) []ItemRecord {
	var out []ItemRecord
	seen := map[item.ContentHash]bool{}
	for _, e := range after.Entries() {
		seen[e.Hash] = true
		if before.Quantity(e.Hash) != e.Quantity {
			out = append(out, ItemRecord{Disk: after.ID, Hash: e.Hash, Quantity: e.Quantity})
		}
	}
	for _, e := range before.Entries() {
		if !seen[e.Hash] {
			out = append(out, ItemRecord{Disk: after.ID, Hash: e.Hash, Quantity: 0})
		}
	}
	return out
}
