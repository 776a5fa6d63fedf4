package engine

import (
	"context"
	"errors"
	"sort"

	"mss.voxelcraft.ai/internal/topology"
)

// TopologyResult is a committed topology change plus its effect on disks.
type TopologyResult struct {
	Change topology.Change
	// Orphaned disks sat in a drive bay that was removed.
	Orphaned []string
	// Stranded disks sit in bays of clusters that are not valid after the
	// change. They stay in place and return to service once valid again.
	Stranded []string
}

// BlockAdded registers a block. Every network the block touches is locked
// for the duration of the reconciliation.
func (e *Engine) BlockAdded(ctx context.Context, loc topology.Location, role topology.Role) (TopologyResult, error) {
	e.topoMu.Lock()
	defer e.topoMu.Unlock()

	p, err := e.topo.PlanAdd(loc, role)
	if err != nil {
		return TopologyResult{}, err
	}
	release, err := e.lock(ctx, p.Change.Affected...)
	if err != nil {
		return TopologyResult{}, err
	}
	defer release()

	b := e.topologyBatch(p)
	if err := e.commit(ctx, b); err != nil {
		return TopologyResult{}, err
	}
	e.topo.Apply(p)
	return e.finishTopology(ctx, p, nil), nil
}

// BlockRemoved unregisters a block. Removing a drive bay that still holds
// disks orphans them; the change is applied and an *OrphanedError is
// returned with the result.
func (e *Engine) BlockRemoved(ctx context.Context, loc topology.Location) (TopologyResult, error) {
	e.topoMu.Lock()
	defer e.topoMu.Unlock()

	p, err := e.topo.PlanRemove(loc)
	if err != nil {
		return TopologyResult{}, err
	}
	release, err := e.lock(ctx, p.Change.Affected...)
	if err != nil {
		return TopologyResult{}, err
	}
	defer release()

	b := e.topologyBatch(p)
	var orphaned []string
	if p.Change.Role == topology.RoleDriveBay {
		orphaned = e.orphanBay(loc, &b)
	}
	if err := e.commit(ctx, b); err != nil {
		return TopologyResult{}, err
	}
	e.topo.Apply(p)

	bay := loc
	e.mu.Lock()
	for _, id := range orphaned {
		ds := e.disks[id]
		e.disks[id] = &diskState{disk: ds.disk, orphaned: true, lastBay: &bay}
		delete(e.where, id)
	}
	delete(e.bays, loc)
	e.mu.Unlock()

	res := e.finishTopology(ctx, p, orphaned)
	if len(orphaned) > 0 {
		e.logger.Printf("WARN drive bay %s removed with disks %v; orphaned pending recovery", loc, orphaned)
		return res, &OrphanedError{Bay: loc, Disks: orphaned}
	}
	return res, nil
}

// orphanBay adds the writes that detach every disk in bay to b.
func (e *Engine) orphanBay(bay topology.Location, b *Batch) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []string
	for slot, id := range e.bays[bay] {
		if id == "" {
			continue
		}
		last := bay
		b.ClearSlots = append(b.ClearSlots, SlotKey{Bay: bay, Slot: slot})
		b.Disks = append(b.Disks, diskRecord(e.disks[id].disk, true, &last))
		out = append(out, id)
	}
	return out
}

// topologyBatch persists a plan: network rows for the resulting clusters,
// block rows whose owner changes and slot rows of bays that move.
func (e *Engine) topologyBatch(p topology.Plan) Batch {
	ch := p.Change
	maxBlocks := e.topo.MaxBlocks()
	var b Batch
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, n := range p.Networks() {
		b.Networks = append(b.Networks, e.networkRecord(n, maxBlocks))
		for _, loc := range n.SortedBlocks() {
			cur, ok := e.topo.Owner(loc)
			if ok && cur == n.ID {
				continue
			}
			role := n.Blocks[loc]
			b.Blocks = append(b.Blocks, topology.BlockRecord{Location: loc, Role: role, Network: n.ID})
			if role != topology.RoleDriveBay {
				continue
			}
			for slot, id := range e.bays[loc] {
				if id != "" {
					b.Slots = append(b.Slots, SlotRecord{SlotKey: SlotKey{Bay: loc, Slot: slot}, Disk: id, Network: n.ID})
				}
			}
		}
	}
	b.DeleteNetworks = append(b.DeleteNetworks, ch.Absorbed...)
	if ch.Destroyed != "" {
		b.DeleteNetworks = append(b.DeleteNetworks, ch.Destroyed)
	}
	switch ch.Kind {
	case topology.ChangeLeft, topology.ChangeSplit, topology.ChangeDestroyed:
		b.DeleteBlocks = append(b.DeleteBlocks, ch.Location)
	}
	return b
}

func (e *Engine) finishTopology(ctx context.Context, p topology.Plan, orphaned []string) TopologyResult {
	ch := p.Change
	res := TopologyResult{Change: ch, Orphaned: orphaned}

	maxBlocks := e.topo.MaxBlocks()
	e.mu.RLock()
	for _, n := range p.Networks() {
		if n.Validate(maxBlocks) == nil {
			continue
		}
		for _, d := range e.residentLocked(n) {
			res.Stranded = append(res.Stranded, d.ID)
		}
	}
	e.mu.RUnlock()
	sort.Strings(res.Stranded)

	if e.inval != nil {
		e.inval.InvalidateBlock(ch.Location)
	}
	ids := append(append([]topology.NetworkID(nil), ch.Affected...), ch.Resulting()...)
	e.invalidateNetworks(ids...)
	gone := append([]topology.NetworkID(nil), ch.Absorbed...)
	if ch.Destroyed != "" {
		gone = append(gone, ch.Destroyed)
	}
	e.locks.drop(gone...)

	loc := ch.Location
	details := map[string]any{"kind": string(ch.Kind), "role": string(ch.Role)}
	if len(ch.Absorbed) > 0 {
		details["absorbed"] = ch.Absorbed
	}
	if len(ch.Created) > 0 {
		details["created"] = ch.Created
	}
	if len(orphaned) > 0 {
		details["orphaned"] = orphaned
	}
	if len(res.Stranded) > 0 {
		details["stranded"] = res.Stranded
	}
	action := "BLOCK_ADDED"
	netID := ch.Network
	switch ch.Kind {
	case topology.ChangeLeft, topology.ChangeSplit, topology.ChangeDestroyed:
		action = "BLOCK_REMOVED"
		if netID == "" {
			netID = ch.Destroyed
		}
	}
	e.auditEvent(ctx, AuditEntry{Action: action, Network: netID, Location: &loc, Details: details})
	if e.Config().LogNetworkOps {
		e.logger.Printf("topology %s %s %s net=%s absorbed=%v created=%v", ch.Kind, ch.Role, loc, netID, ch.Absorbed, ch.Created)
	}
	if len(res.Stranded) > 0 {
		e.logger.Printf("WARN topology %s: disks %v stranded in invalid network(s)", ch.Kind, res.Stranded)
	}
	return res
}

// IsOrphaned reports whether err carries orphaned disks.
func IsOrphaned(err error) ([]string, bool) {
	var oe *OrphanedError
	if errors.As(err, &oe) {
		return oe.Disks, true
	}
	return nil, false
}
