package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"mss.voxelcraft.ai/internal/ledger"
	"mss.voxelcraft.ai/internal/topology"
)

var ErrSlotOutOfRange = errors.New("drive bay slot out of range")

type DiskInfo struct {
	ID            string             `json:"id"`
	Tier          ledger.Tier        `json:"tier"`
	MaxCells      int                `json:"max_cells"`
	UsedCells     int                `json:"used_cells"`
	CellCeiling   int64              `json:"cell_ceiling,omitempty"`
	Crafter       ledger.Crafter     `json:"crafter"`
	CreatedAt     time.Time          `json:"created_at"`
	Orphaned      bool               `json:"orphaned,omitempty"`
	LastBay       *topology.Location `json:"last_bay,omitempty"`
	Slot          *SlotKey           `json:"slot,omitempty"`
	Network       topology.NetworkID `json:"network,omitempty"`
	Types         int                `json:"types"`
	TotalQuantity int64              `json:"total_quantity"`
	Entries       []ledger.Entry     `json:"entries,omitempty"`
}

func (e *Engine) infoLocked(ds *diskState, withEntries bool) DiskInfo {
	d := ds.disk
	info := DiskInfo{
		ID:            d.ID,
		Tier:          d.Tier,
		MaxCells:      d.MaxCells,
		UsedCells:     d.UsedCells(),
		CellCeiling:   d.CellCeiling,
		Crafter:       d.Crafter,
		CreatedAt:     d.CreatedAt,
		Orphaned:      ds.orphaned,
		LastBay:       ds.lastBay,
		Types:         len(d.Entries()),
		TotalQuantity: d.TotalQuantity(),
	}
	if withEntries {
		info.Entries = d.Entries()
	}
	if k, ok := e.where[d.ID]; ok {
		k := k
		info.Slot = &k
		info.Network, _ = e.topo.Owner(k.Bay)
	}
	return info
}

// CreateDisk issues a fresh, empty disk that is not in any drive bay.
func (e *Engine) CreateDisk(ctx context.Context, tier ledger.Tier, crafter ledger.Crafter) (DiskInfo, error) {
	if _, err := ledger.ParseTier(string(tier)); err != nil {
		return DiskInfo{}, fmt.Errorf("%w: %w", ErrBadRequest, err)
	}
	cfg := e.Config()
	var ceiling int64
	if cfg.EnforceCellCeiling {
		ceiling = tier.ItemsPerCell()
	}
	d := ledger.NewDisk(ledger.NewDiskID(), tier, cfg.CellsPerDisk, ceiling)
	d.Crafter = crafter
	d.CreatedAt = e.now().UTC()

	if err := e.commit(ctx, Batch{Disks: []DiskRecord{diskRecord(d, false, nil)}}); err != nil {
		return DiskInfo{}, err
	}
	ds := &diskState{disk: d}
	e.mu.Lock()
	e.disks[d.ID] = ds
	info := e.infoLocked(ds, false)
	e.mu.Unlock()
	e.auditEvent(ctx, AuditEntry{Action: "DISK_CREATED", Disk: d.ID, Details: map[string]any{"tier": string(tier), "crafter": crafter.Name}})
	return info, nil
}

func (e *Engine) DiskInfo(id string) (DiskInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ds, ok := e.disks[id]
	if !ok {
		return DiskInfo{}, fmt.Errorf("%w: %s", ErrUnknownDisk, id)
	}
	return e.infoLocked(ds, true), nil
}

// Disks lists every known disk ordered by id.
func (e *Engine) Disks() []DiskInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]DiskInfo, 0, len(e.disks))
	for _, ds := range e.disks {
		out = append(out, e.infoLocked(ds, false))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// BaySlots returns the disk id per slot of a drive bay ("" for empty).
func (e *Engine) BaySlots(bay topology.Location) ([]string, error) {
	if role, ok := e.topo.RoleAt(bay); !ok || role != topology.RoleDriveBay {
		return nil, fmt.Errorf("%w: %s", ErrNotDriveBay, bay)
	}
	n := e.Config().BaySlots
	e.mu.RLock()
	defer e.mu.RUnlock()
	row := e.bays[bay]
	if len(row) > n {
		n = len(row)
	}
	out := make([]string, n)
	copy(out, row)
	return out, nil
}

func (e *Engine) checkSlot(bay topology.Location, slot int) (topology.NetworkID, error) {
	if role, ok := e.topo.RoleAt(bay); !ok || role != topology.RoleDriveBay {
		return "", fmt.Errorf("%w: %s", ErrNotDriveBay, bay)
	}
	if slot < 0 || slot >= e.Config().BaySlots {
		return "", fmt.Errorf("%w: %d (bay has %d)", ErrSlotOutOfRange, slot, e.Config().BaySlots)
	}
	id, _ := e.topo.Owner(bay)
	return id, nil
}

// InsertDisk places a loose disk into an empty slot. The bay's network
// need not be valid.
func (e *Engine) InsertDisk(ctx context.Context, bay topology.Location, slot int, diskID string) error {
	e.topoMu.Lock()
	defer e.topoMu.Unlock()
	netID, err := e.checkSlot(bay, slot)
	if err != nil {
		return err
	}
	release, err := e.lock(ctx, netID)
	if err != nil {
		return err
	}
	defer release()

	e.mu.RLock()
	ds, ok := e.disks[diskID]
	_, inBay := e.where[diskID]
	var occupant string
	if row := e.bays[bay]; slot < len(row) {
		occupant = row[slot]
	}
	e.mu.RUnlock()
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrUnknownDisk, diskID)
	case ds.orphaned:
		return fmt.Errorf("%w: %s", ErrDiskIsOrphan, diskID)
	case inBay:
		return fmt.Errorf("%w: %s", ErrDiskInUse, diskID)
	case occupant != "":
		return fmt.Errorf("%w: %s#%d holds %s", ErrSlotOccupied, bay, slot, occupant)
	}

	key := SlotKey{Bay: bay, Slot: slot}
	if err := e.commit(ctx, Batch{Slots: []SlotRecord{{SlotKey: key, Disk: diskID, Network: netID}}}); err != nil {
		return err
	}
	e.mu.Lock()
	row := append([]string(nil), e.bays[bay]...)
	for len(row) < e.cfg.BaySlots {
		row = append(row, "")
	}
	row[slot] = diskID
	e.bays[bay] = row
	e.where[diskID] = key
	e.mu.Unlock()

	e.invalidateNetworks(netID)
	loc := bay
	e.auditEvent(ctx, AuditEntry{Action: "DISK_INSERTED", Network: netID, Location: &loc, Disk: diskID, Details: map[string]any{"slot": slot}})
	return nil
}

// EjectDisk takes the disk out of a slot. Its ledger persists with it.
func (e *Engine) EjectDisk(ctx context.Context, bay topology.Location, slot int) (DiskInfo, error) {
	e.topoMu.Lock()
	defer e.topoMu.Unlock()
	netID, err := e.checkSlot(bay, slot)
	if err != nil {
		return DiskInfo{}, err
	}
	release, err := e.lock(ctx, netID)
	if err != nil {
		return DiskInfo{}, err
	}
	defer release()

	e.mu.RLock()
	var diskID string
	if row := e.bays[bay]; slot < len(row) {
		diskID = row[slot]
	}
	e.mu.RUnlock()
	if diskID == "" {
		return DiskInfo{}, fmt.Errorf("%w: %s#%d", ErrSlotEmpty, bay, slot)
	}
	if err := e.commit(ctx, Batch{ClearSlots: []SlotKey{{Bay: bay, Slot: slot}}}); err != nil {
		return DiskInfo{}, err
	}
	e.mu.Lock()
	e.clearSlotLocked(bay, slot, diskID)
	info := e.infoLocked(e.disks[diskID], false)
	e.mu.Unlock()

	e.invalidateNetworks(netID)
	loc := bay
	e.auditEvent(ctx, AuditEntry{Action: "DISK_EJECTED", Network: netID, Location: &loc, Disk: diskID, Details: map[string]any{"slot": slot}})
	return info, nil
}

func (e *Engine) clearSlotLocked(bay topology.Location, slot int, diskID string) {
	row := append([]string(nil), e.bays[bay]...)
	if slot < len(row) {
		row[slot] = ""
	}
	e.bays[bay] = row
	delete(e.where, diskID)
}
