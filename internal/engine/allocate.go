package engine

import (
	"context"
	"fmt"
	"math"
	"sort"

	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/ledger"
	"mss.voxelcraft.ai/internal/topology"
)

var ErrBadQuantity = ledger.ErrBadQuantity

// plan tracks cloned disks for one call.
type plan struct {
	base    map[string]*ledger.Disk
	working map[string]*ledger.Disk
	order   []string
}

func newPlan(disks []*ledger.Disk) *plan {
	p := &plan{base: map[string]*ledger.Disk{}, working: map[string]*ledger.Disk{}}
	for _, d := range disks {
		p.base[d.ID] = d
	}
	return p
}

// view returns the current version of every disk, clones where touched.
func (p *plan) view() []*ledger.Disk {
	out := make([]*ledger.Disk, 0, len(p.base))
	for id, d := range p.base {
		if w, ok := p.working[id]; ok {
			d = w
		}
		out = append(out, d)
	}
	return out
}

func (p *plan) mutable(d *ledger.Disk) *ledger.Disk {
	if w, ok := p.working[d.ID]; ok {
		return w
	}
	w := d.Clone()
	p.working[d.ID] = w
	p.order = append(p.order, d.ID)
	return w
}

func (p *plan) batch() Batch {
	var b Batch
	for _, id := range p.order {
		before, after := p.base[id], p.working[id]
		rows := itemDiff(before, after)
		if len(rows) == 0 {
			continue
		}
		b.Items = append(b.Items, rows...)
		b.Disks = append(b.Disks, diskRecord(after, false, nil))
	}
	return b
}

// swap publishes the working disks after a successful commit.
func (p *plan) swap(e *Engine) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, d := range p.working {
		if ds, ok := e.disks[id]; ok {
			e.disks[id] = &diskState{disk: d, orphaned: ds.orphaned, lastBay: ds.lastBay}
		}
	}
}

// StoreItems places each item, in order, on the network's resident disks.
// The result lists only items with unplaced quantity.
func (e *Engine) StoreItems(ctx context.Context, netID topology.NetworkID, items []ItemStack) ([]Remainder, error) {
	ids := make([]item.Identity, len(items))
	for i, it := range items {
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d: %w", ErrBadRequest, i, ErrBadQuantity)
		}
		if err := it.Descriptor.Validate(); err != nil {
			return nil, fmt.Errorf("%w: item %d: %w", ErrBadRequest, i, err)
		}
		ids[i] = item.Identify(it.Descriptor)
	}

	release, err := e.lock(ctx, netID)
	if err != nil {
		return nil, err
	}
	defer release()
	n, err := e.topo.Valid(netID)
	if err != nil {
		return nil, err
	}

	p := newPlan(e.resident(n))
	var rem []Remainder
	placed := map[item.ContentHash]int64{}
	for i, it := range items {
		h := ids[i].Hash
		left := it.Quantity
		for _, d := range orderDisks(p.view(), h) {
			if left == 0 {
				break
			}
			if d.Holds(h) || d.FreeCells() > 0 {
				r, err := p.mutable(d).TryReserve(h, left)
				if err != nil {
					return nil, err
				}
				left -= r.Accepted
			}
		}
		placed[h] += it.Quantity - left
		if left > 0 {
			rem = append(rem, Remainder{Index: i, Descriptor: it.Descriptor, Quantity: left, Reason: ErrDiskFull})
		}
	}

	b := p.batch()
	if len(b.Items) == 0 {
		return rem, nil
	}
	e.mu.RLock()
	for _, id := range ids {
		if _, known := e.descriptors[id.Hash]; !known && placed[id.Hash] > 0 {
			b.Descriptors = append(b.Descriptors, id)
		}
	}
	e.mu.RUnlock()
	b.Descriptors = dedupeIdentities(b.Descriptors)
	if err := e.commit(ctx, b); err != nil {
		return nil, err
	}
	p.swap(e)
	e.mu.Lock()
	for _, id := range b.Descriptors {
		e.descriptors[id.Hash] = id.Descriptor
	}
	e.mu.Unlock()

	e.invalidateNetworks(netID)
	hashes := make([]item.ContentHash, 0, len(placed))
	for h := range placed {
		hashes = append(hashes, h)
	}
	sort.Slice(hashes, func(i, j int) bool { return hashes[i] < hashes[j] })
	for _, h := range hashes {
		if placed[h] == 0 {
			continue
		}
		e.auditEvent(ctx, AuditEntry{Action: "STORE", Network: netID, Hash: h, Quantity: placed[h]})
		if e.Config().LogStorageOps {
			e.logger.Printf("store net=%s hash=%s qty=%d", netID, h.Short(), placed[h])
		}
	}
	return rem, nil
}

func dedupeIdentities(in []item.Identity) []item.Identity {
	seen := map[item.ContentHash]bool{}
	out := in[:0]
	for _, id := range in {
		if seen[id.Hash] {
			continue
		}
		seen[id.Hash] = true
		out = append(out, id)
	}
	return out
}

// RetrieveItems releases up to q units of h from the network's disks. It
// returns ErrItemNotFound when nothing of h is stored.
func (e *Engine) RetrieveItems(ctx context.Context, netID topology.NetworkID, h item.ContentHash, q int64) (Retrieval, error) {
	if q <= 0 {
		return Retrieval{}, fmt.Errorf("%w: %w", ErrBadRequest, ErrBadQuantity)
	}
	release, err := e.lock(ctx, netID)
	if err != nil {
		return Retrieval{}, err
	}
	defer release()
	n, err := e.topo.Valid(netID)
	if err != nil {
		return Retrieval{}, err
	}

	p := newPlan(e.resident(n))
	var got int64
	for _, d := range orderDisks(p.view(), h) {
		if got == q || !d.Holds(h) {
			break
		}
		got += p.mutable(d).Release(h, q-got)
	}
	if got == 0 {
		return Retrieval{Hash: h}, fmt.Errorf("%w: %s in %s", ErrItemNotFound, h.Short(), netID)
	}
	if err := e.commit(ctx, p.batch()); err != nil {
		return Retrieval{}, err
	}
	p.swap(e)

	e.mu.RLock()
	desc := e.descriptors[h]
	e.mu.RUnlock()
	e.invalidateNetworks(netID)
	e.auditEvent(ctx, AuditEntry{Action: "RETRIEVE", Network: netID, Hash: h, Quantity: got})
	if e.Config().LogStorageOps {
		e.logger.Printf("retrieve net=%s hash=%s want=%d got=%d", netID, h.Short(), q, got)
	}
	return Retrieval{Hash: h, Descriptor: desc, Retrieved: got}, nil
}

// QueryNetworkItems returns one entry per hash stored in the network,
// ordered by item type then hash.
func (e *Engine) QueryNetworkItems(ctx context.Context, netID topology.NetworkID) ([]StoredItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	n, err := e.topo.Valid(netID)
	if err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	totals := map[item.ContentHash]int64{}
	for _, d := range e.residentLocked(n) {
		for _, en := range d.Entries() {
			totals[en.Hash] = addSat(totals[en.Hash], en.Quantity)
		}
	}
	out := make([]StoredItem, 0, len(totals))
	for h, q := range totals {
		out = append(out, StoredItem{Hash: h, Quantity: q, Descriptor: e.descriptors[h]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Descriptor.Type != out[j].Descriptor.Type {
			return out[i].Descriptor.Type < out[j].Descriptor.Type
		}
		return out[i].Hash < out[j].Hash
	})
	return out, nil
}

// Resolve returns the valid network containing loc.
func (e *Engine) Resolve(loc topology.Location) (topology.NetworkID, error) {
	return e.topo.Resolve(loc)
}

func addSat(a, b int64) int64 {
	if a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}
