// Package engine runs store, retrieve and query operations against the
// disks resident in a network's drive bays.
//
// Disks are copy-on-write: an operation plans on clones, commits one
// Batch to the Backend and only then swaps the clones in. A failed commit
// leaves memory untouched.
package engine

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"
	"time"

	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/ledger"
	"mss.voxelcraft.ai/internal/topology"
)

type diskState struct {
	disk     *ledger.Disk
	orphaned bool
	lastBay  *topology.Location
}

type Option func(*Engine)

func WithLogger(l *log.Logger) Option      { return func(e *Engine) { e.logger = l } }
func WithAudit(a AuditSink) Option         { return func(e *Engine) { e.audit = a } }
func WithInvalidator(i Invalidator) Option { return func(e *Engine) { e.inval = i } }
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	backend Backend
	topo    *topology.Resolver
	logger  *log.Logger
	audit   AuditSink
	inval   Invalidator
	now     func() time.Time

	locks *lockTable
	// topoMu serializes topology changes and disk insert/eject.
	topoMu sync.Mutex

	mu          sync.RWMutex
	cfg         Config
	disks       map[string]*diskState
	bays        map[topology.Location][]string
	where       map[string]SlotKey
	descriptors map[item.ContentHash]item.Descriptor

	// Drift found at Open, settled by Cleanup.
	staleItems []ItemRecord
	driftDisks map[string]bool
}

func New(backend Backend, topo *topology.Resolver, cfg Config, opts ...Option) *Engine {
	cfg.normalize()
	e := &Engine{
		backend:     backend,
		topo:        topo,
		logger:      log.New(io.Discard, "", 0),
		now:         time.Now,
		locks:       newLockTable(),
		cfg:         cfg,
		disks:       map[string]*diskState{},
		bays:        map[topology.Location][]string{},
		where:       map[string]SlotKey{},
		descriptors: map[item.ContentHash]item.Descriptor{},
		driftDisks:  map[string]bool{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) Resolver() *topology.Resolver { return e.topo }

func (e *Engine) Config() Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// SetConfig swaps tunables. CellsPerDisk only affects disks created later;
// a smaller BaySlots keeps disks already inserted beyond the new bound.
func (e *Engine) SetConfig(cfg Config) {
	cfg.normalize()
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Open loads persisted state, rebuilds topology and re-syncs network ids
// that changed during the rebuild.
func (e *Engine) Open(ctx context.Context) error {
	st, err := e.backend.Load(ctx)
	if err != nil {
		return fmt.Errorf("%w: load: %w", ErrPersistenceFailure, err)
	}
	if err := e.topo.Restore(st.Blocks); err != nil {
		return fmt.Errorf("restore topology: %w", err)
	}

	disks := make(map[string]*diskState, len(st.Disks))
	used := map[string]int{}
	for _, rec := range st.Disks {
		d := ledger.NewDisk(rec.ID, rec.Tier, rec.MaxCells, rec.CellCeiling)
		d.Crafter = rec.Crafter
		d.CreatedAt = rec.CreatedAt
		disks[rec.ID] = &diskState{disk: d, orphaned: rec.Orphaned, lastBay: rec.LastBay}
		used[rec.ID] = rec.UsedCells
	}
	entries := map[string][]ledger.Entry{}
	var stale []ItemRecord
	for _, it := range st.Items {
		if _, ok := disks[it.Disk]; !ok || it.Quantity <= 0 {
			stale = append(stale, ItemRecord{Disk: it.Disk, Hash: it.Hash})
			continue
		}
		entries[it.Disk] = append(entries[it.Disk], ledger.Entry{Hash: it.Hash, Quantity: it.Quantity})
	}
	drift := map[string]bool{}
	for id, ds := range disks {
		ds.disk.Load(entries[id])
		if err := ds.disk.Validate(); err != nil {
			e.logger.Printf("WARN open: %v", err)
		}
		if ds.disk.UsedCells() != used[id] {
			drift[id] = true
		}
	}

	cfg := e.Config()
	bays := map[topology.Location][]string{}
	where := map[string]SlotKey{}
	var batch Batch
	for _, s := range st.Slots {
		ds, ok := disks[s.Disk]
		if !ok {
			e.logger.Printf("WARN open: slot %s#%d references unknown disk %s", s.Bay, s.Slot, s.Disk)
			batch.ClearSlots = append(batch.ClearSlots, s.SlotKey)
			continue
		}
		if role, ok := e.topo.RoleAt(s.Bay); !ok || role != topology.RoleDriveBay {
			bay := s.Bay
			e.logger.Printf("WARN open: disk %s sits in missing drive bay %s; orphaned", s.Disk, s.Bay)
			ds.orphaned, ds.lastBay = true, &bay
			batch.ClearSlots = append(batch.ClearSlots, s.SlotKey)
			batch.Disks = append(batch.Disks, diskRecord(ds.disk, true, &bay))
			continue
		}
		row := bays[s.Bay]
		for len(row) <= s.Slot {
			row = append(row, "")
		}
		row[s.Slot] = s.Disk
		bays[s.Bay] = row
		where[s.Disk] = s.SlotKey
		if id, _ := e.topo.Owner(s.Bay); id != s.Network {
			batch.Slots = append(batch.Slots, SlotRecord{SlotKey: s.SlotKey, Disk: s.Disk, Network: id})
		}
	}
	for bay, row := range bays {
		for len(row) < cfg.BaySlots {
			row = append(row, "")
		}
		bays[bay] = row
	}

	// Block rows whose cluster id moved during Restore.
	persisted := map[topology.NetworkID]bool{}
	for _, n := range st.Networks {
		persisted[n.ID] = true
	}
	live := map[topology.NetworkID]bool{}
	maxBlocks := e.topo.MaxBlocks()
	for _, n := range e.topo.Networks() {
		live[n.ID] = true
		if !persisted[n.ID] {
			batch.Networks = append(batch.Networks, e.networkRecord(n, maxBlocks))
		}
	}
	for _, b := range st.Blocks {
		if id, _ := e.topo.Owner(b.Location); id != b.Network {
			batch.Blocks = append(batch.Blocks, topology.BlockRecord{Location: b.Location, Role: b.Role, Network: id})
		}
	}
	for id := range persisted {
		if !live[id] {
			batch.DeleteNetworks = append(batch.DeleteNetworks, id)
		}
	}

	descs := make(map[item.ContentHash]item.Descriptor, len(st.Descriptors))
	for h, d := range st.Descriptors {
		descs[h] = d
	}

	if !batch.Empty() {
		if err := e.commit(ctx, batch); err != nil {
			return err
		}
		e.logger.Printf("open: re-synced %d block(s) %d slot(s) %d network(s)",
			len(batch.Blocks), len(batch.Slots)+len(batch.ClearSlots), len(batch.Networks)+len(batch.DeleteNetworks))
	}

	e.mu.Lock()
	e.disks = disks
	e.bays = bays
	e.where = where
	e.descriptors = descs
	e.staleItems = stale
	e.driftDisks = drift
	e.mu.Unlock()
	e.logger.Printf("open: %d network(s) %d disk(s) %d descriptor(s)", len(live), len(disks), len(descs))
	return nil
}

// commit writes one batch bounded by the persistence timeout.
func (e *Engine) commit(ctx context.Context, b Batch) error {
	pctx, cancel := context.WithTimeout(ctx, e.Config().PersistenceTimeout)
	defer cancel()
	if err := e.backend.Commit(pctx, b); err != nil {
		return fmt.Errorf("%w: %w", ErrPersistenceFailure, err)
	}
	return nil
}

func (e *Engine) lock(ctx context.Context, ids ...topology.NetworkID) (func(), error) {
	return e.locks.acquire(ctx, e.Config().LockTimeout, ids...)
}

func (e *Engine) networkRecord(n topology.Network, maxBlocks int) NetworkRecord {
	rec := NetworkRecord{
		ID:        n.ID,
		Valid:     n.Validate(maxBlocks) == nil,
		Blocks:    len(n.Blocks),
		UpdatedAt: e.now().UTC(),
	}
	if srv, ok := n.Server(); ok {
		rec.Server = &srv
	}
	return rec
}

// residentLocked returns the disks in n's drive bays. Caller holds e.mu.
func (e *Engine) residentLocked(n topology.Network) []*ledger.Disk {
	var out []*ledger.Disk
	for _, bay := range n.DriveBays() {
		for _, id := range e.bays[bay] {
			if id == "" {
				continue
			}
			if ds, ok := e.disks[id]; ok {
				out = append(out, ds.disk)
			}
		}
	}
	return out
}

func (e *Engine) resident(n topology.Network) []*ledger.Disk {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.residentLocked(n)
}

// orderDisks sorts disks for h: holders first, then ascending tier rank,
// then ascending id.
func orderDisks(disks []*ledger.Disk, h item.ContentHash) []*ledger.Disk {
	out := append([]*ledger.Disk(nil), disks...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if ha, hb := a.Holds(h), b.Holds(h); ha != hb {
			return ha
		}
		if ra, rb := a.Tier.Rank(), b.Tier.Rank(); ra != rb {
			return ra < rb
		}
		return a.ID < b.ID
	})
	return out
}

func (e *Engine) invalidateNetworks(ids ...topology.NetworkID) {
	if e.inval == nil {
		return
	}
	for _, id := range dedupeIDs(ids) {
		e.inval.InvalidateNetwork(id)
	}
}

func (e *Engine) auditEvent(ctx context.Context, entry AuditEntry) {
	if e.audit == nil {
		return
	}
	entry.Time = e.now().UTC()
	if entry.Actor == "" {
		entry.Actor = ActorFrom(ctx)
	}
	if err := e.audit.WriteAudit(entry); err != nil {
		e.logger.Printf("WARN audit %s: %v", entry.Action, err)
	}
}
