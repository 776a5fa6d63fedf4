// Package topology resolves which blocks form one logical storage network.
//
// The resolver keeps an explicit map of block locations to clusters and
// maintains it incrementally: an added block joins, creates or merges
// clusters; a removed block leaves, destroys or splits one. Splits are
// detected by forward traversal from each neighbor of the removed block.
package topology

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type ChangeKind string

const (
	ChangeCreated   ChangeKind = "CREATED"
	ChangeJoined    ChangeKind = "JOINED"
	ChangeMerged    ChangeKind = "MERGED"
	ChangeLeft      ChangeKind = "LEFT"
	ChangeSplit     ChangeKind = "SPLIT"
	ChangeDestroyed ChangeKind = "DESTROYED"
)

// Change describes the effect of one block mutation.
type Change struct {
	Kind     ChangeKind
	Location Location
	Role     Role

	// Network is the id the mutated block's cluster carries afterwards
	// (for removals: the id kept by the surviving cluster, if any).
	Network NetworkID
	// Absorbed ids were merged into Network and no longer exist.
	Absorbed []NetworkID
	// Created ids are new clusters split off from Network.
	Created []NetworkID
	// Destroyed is set when the last block of a cluster was removed.
	Destroyed NetworkID
	// Affected lists every id that existed before the change and was touched.
	Affected []NetworkID
}

// Resulting returns every id that exists after the change and was touched.
func (c Change) Resulting() []NetworkID {
	var out []NetworkID
	if c.Network != "" {
		out = append(out, c.Network)
	}
	out = append(out, c.Created...)
	return out
}

type cluster struct {
	id     NetworkID
	blocks map[Location]Role
}

func (c *cluster) clone() *cluster {
	out := &cluster{id: c.id, blocks: make(map[Location]Role, len(c.blocks)+1)}
	for k, v := range c.blocks {
		out.blocks[k] = v
	}
	return out
}

func (c *cluster) view() Network {
	return c.clone().asNetwork()
}

func (c *cluster) asNetwork() Network {
	return Network{ID: c.id, Blocks: c.blocks}
}

// Plan is a computed but not yet applied topology mutation. Plans let the
// caller persist a change before the in-memory view moves.
type Plan struct {
	Change Change

	remove  []NetworkID
	install []*cluster
	drop    *Location
}

// Networks returns views of the clusters the plan will install.
func (p Plan) Networks() []Network {
	out := make([]Network, 0, len(p.install))
	for _, c := range p.install {
		out = append(out, c.view())
	}
	return out
}

type Option func(*Resolver)

// WithIDFunc overrides network id generation.
func WithIDFunc(fn func() NetworkID) Option {
	return func(r *Resolver) { r.newID = fn }
}

// Resolver is safe for concurrent use. Plan/Apply pairs must be
// serialized by the caller.
//
// A component larger than maxBlocks is never truncated: it keeps every
// block and its Network.Validate reports ErrNetworkTooLarge until blocks
// are removed or the limit is raised.
type Resolver struct {
	mu        sync.RWMutex
	maxBlocks int
	newID     func() NetworkID

	owner    map[Location]NetworkID
	clusters map[NetworkID]*cluster
}

func NewResolver(maxBlocks int, opts ...Option) *Resolver {
	r := &Resolver{
		maxBlocks: maxBlocks,
		newID:     NewNetworkID,
		owner:     map[Location]NetworkID{},
		clusters:  map[NetworkID]*cluster{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func NewNetworkID() NetworkID {
	return NetworkID(strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16]))
}

func (r *Resolver) MaxBlocks() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxBlocks
}

func (r *Resolver) SetMaxBlocks(n int) {
	r.mu.Lock()
	r.maxBlocks = n
	r.mu.Unlock()
}

// Resolve returns the id of the valid network containing loc.
func (r *Resolver) Resolve(loc Location) (NetworkID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owner[loc]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotPartOfNetwork, loc)
	}
	if err := r.clusters[id].asNetwork().Validate(r.maxBlocks); err != nil {
		return "", err
	}
	return id, nil
}

// Lookup returns the cluster containing loc, valid or not.
func (r *Resolver) Lookup(loc Location) (Network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owner[loc]
	if !ok {
		return Network{}, false
	}
	return r.clusters[id].view(), true
}

// Owner returns the id of the cluster containing loc without copying it.
func (r *Resolver) Owner(loc Location) (NetworkID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owner[loc]
	return id, ok
}

func (r *Resolver) RoleAt(loc Location) (Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owner[loc]
	if !ok {
		return "", false
	}
	return r.clusters[id].blocks[loc], true
}

func (r *Resolver) Network(id NetworkID) (Network, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[id]
	if !ok {
		return Network{}, false
	}
	return c.view(), true
}

// Valid returns the network if it exists and passes validation.
func (r *Resolver) Valid(id NetworkID) (Network, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clusters[id]
	if !ok {
		return Network{}, fmt.Errorf("%w: unknown network %s", ErrNetworkInvalid, id)
	}
	n := c.view()
	if err := n.Validate(r.maxBlocks); err != nil {
		return Network{}, err
	}
	return n, nil
}

// Networks returns every cluster ordered by id.
func (r *Resolver) Networks() []Network {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]NetworkID, 0, len(r.clusters))
	for id := range r.clusters {
		ids = append(ids, id)
	}
	sortIDs(ids)
	out := make([]Network, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.clusters[id].view())
	}
	return out
}

// AffectedBy lists the clusters a mutation at loc would touch.
func (r *Resolver) AffectedBy(loc Location) []NetworkID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.owner[loc]; ok {
		return []NetworkID{id}
	}
	return r.neighborClustersLocked(loc)
}

func (r *Resolver) neighborClustersLocked(loc Location) []NetworkID {
	seen := map[NetworkID]bool{}
	var ids []NetworkID
	for _, nb := range loc.Neighbors() {
		id, ok := r.owner[nb]
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sortIDs(ids)
	return ids
}

// OnBlockAdded registers a block and applies the resulting change.
func (r *Resolver) OnBlockAdded(loc Location, role Role) (Change, error) {
	p, err := r.PlanAdd(loc, role)
	if err != nil {
		return Change{}, err
	}
	r.Apply(p)
	return p.Change, nil
}

// OnBlockRemoved unregisters a block and applies the resulting change.
func (r *Resolver) OnBlockRemoved(loc Location) (Change, error) {
	p, err := r.PlanRemove(loc)
	if err != nil {
		return Change{}, err
	}
	r.Apply(p)
	return p.Change, nil
}

func (r *Resolver) PlanAdd(loc Location, role Role) (Plan, error) {
	if _, err := ParseRole(string(role)); err != nil {
		return Plan{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.owner[loc]; ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrBlockExists, loc)
	}

	ids := r.neighborClustersLocked(loc)
	ch := Change{Location: loc, Role: role, Affected: ids}
	switch len(ids) {
	case 0:
		c := &cluster{id: r.newID(), blocks: map[Location]Role{loc: role}}
		ch.Kind = ChangeCreated
		ch.Network = c.id
		return Plan{Change: ch, install: []*cluster{c}}, nil
	case 1:
		c := r.clusters[ids[0]].clone()
		c.blocks[loc] = role
		ch.Kind = ChangeJoined
		ch.Network = c.id
		return Plan{Change: ch, remove: ids, install: []*cluster{c}}, nil
	}

	// Merge: the lexicographically smallest id survives.
	merged := r.clusters[ids[0]].clone()
	for _, id := range ids[1:] {
		for k, v := range r.clusters[id].blocks {
			merged.blocks[k] = v
		}
	}
	merged.blocks[loc] = role
	ch.Kind = ChangeMerged
	ch.Network = merged.id
	ch.Absorbed = append([]NetworkID(nil), ids[1:]...)
	return Plan{Change: ch, remove: ids, install: []*cluster{merged}}, nil
}

func (r *Resolver) PlanRemove(loc Location) (Plan, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.owner[loc]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrNotPartOfNetwork, loc)
	}
	old := r.clusters[id]
	role := old.blocks[loc]
	ch := Change{Location: loc, Role: role, Affected: []NetworkID{id}}
	drop := loc

	if len(old.blocks) == 1 {
		ch.Kind = ChangeDestroyed
		ch.Destroyed = id
		return Plan{Change: ch, remove: []NetworkID{id}, drop: &drop}, nil
	}

	rest := old.clone()
	delete(rest.blocks, loc)

	var starts []Location
	for _, nb := range loc.Neighbors() {
		if _, ok := rest.blocks[nb]; ok {
			starts = append(starts, nb)
		}
	}

	parts := components(rest.blocks, starts)
	if len(parts) <= 1 {
		ch.Kind = ChangeLeft
		ch.Network = id
		return Plan{Change: ch, remove: []NetworkID{id}, install: []*cluster{rest}, drop: &drop}, nil
	}

	keep := keeperIndex(parts, old)
	install := make([]*cluster, 0, len(parts))
	for i, part := range parts {
		c := &cluster{blocks: part}
		if i == keep {
			c.id = id
		} else {
			c.id = r.newID()
			ch.Created = append(ch.Created, c.id)
		}
		install = append(install, c)
	}
	sortIDs(ch.Created)
	ch.Kind = ChangeSplit
	ch.Network = id
	return Plan{Change: ch, remove: []NetworkID{id}, install: install, drop: &drop}, nil
}

// Apply installs a plan computed by PlanAdd or PlanRemove.
func (r *Resolver) Apply(p Plan) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range p.remove {
		delete(r.clusters, id)
	}
	if p.drop != nil {
		delete(r.owner, *p.drop)
	}
	for _, c := range p.install {
		r.clusters[c.id] = c
		for loc := range c.blocks {
			r.owner[loc] = c.id
		}
	}
}

// BlockRecord is the persisted shape of one network block.
type BlockRecord struct {
	Location Location
	Role     Role
	Network  NetworkID
}

// Restore rebuilds every cluster from persisted block records by full
// traversal. A component keeps the persisted id most of its blocks carry
// (ties by smallest id) unless another component already claimed it.
func (r *Resolver) Restore(records []BlockRecord) error {
	all := make(map[Location]Role, len(records))
	persisted := make(map[Location]NetworkID, len(records))
	for _, rec := range records {
		if _, err := ParseRole(string(rec.Role)); err != nil {
			return fmt.Errorf("restore %s: %w", rec.Location, err)
		}
		all[rec.Location] = rec.Role
		persisted[rec.Location] = rec.Network
	}
	locs := make([]Location, 0, len(all))
	for loc := range all {
		locs = append(locs, loc)
	}
	sort.Slice(locs, func(i, j int) bool { return locs[i].Less(locs[j]) })

	owner := map[Location]NetworkID{}
	clusters := map[NetworkID]*cluster{}
	seen := map[Location]bool{}
	for _, start := range locs {
		if seen[start] {
			continue
		}
		part := traverse(all, start, seen)
		votes := map[NetworkID]int{}
		for loc := range part {
			if id := persisted[loc]; id != "" {
				votes[id]++
			}
		}
		id := pickID(votes, clusters)
		if id == "" {
			id = r.newID()
		}
		clusters[id] = &cluster{id: id, blocks: part}
		for loc := range part {
			owner[loc] = id
		}
	}

	r.mu.Lock()
	r.owner = owner
	r.clusters = clusters
	r.mu.Unlock()
	return nil
}

func pickID(votes map[NetworkID]int, taken map[NetworkID]*cluster) NetworkID {
	ids := make([]NetworkID, 0, len(votes))
	for id := range votes {
		if _, used := taken[id]; !used {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		if votes[ids[i]] != votes[ids[j]] {
			return votes[ids[i]] > votes[ids[j]]
		}
		return ids[i] < ids[j]
	})
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// components partitions members reachable from starts into disjoint
// connected sets. Traversal from a start already covered is skipped, so
// the common no-split case costs one traversal.
func components(members map[Location]Role, starts []Location) []map[Location]Role {
	seen := make(map[Location]bool, len(members))
	var parts []map[Location]Role
	for _, s := range starts {
		if seen[s] {
			continue
		}
		parts = append(parts, traverse(members, s, seen))
	}
	return parts
}

// traverse is a breadth-first walk over face adjacency restricted to
// members. It marks visited blocks in seen and is bounded by len(members).
func traverse(members map[Location]Role, start Location, seen map[Location]bool) map[Location]Role {
	part := map[Location]Role{}
	queue := []Location{start}
	seen[start] = true
	for len(queue) > 0 && len(part) < len(members) {
		cur := queue[0]
		queue = queue[1:]
		part[cur] = members[cur]
		for _, nb := range cur.Neighbors() {
			if seen[nb] {
				continue
			}
			if _, ok := members[nb]; !ok {
				continue
			}
			seen[nb] = true
			queue = append(queue, nb)
		}
	}
	return part
}

// keeperIndex picks which split component keeps the old id: the one with
// the old cluster's single server, else the largest, ties by the smallest
// member location.
func keeperIndex(parts []map[Location]Role, old *cluster) int {
	servers := old.asNetwork().Servers()
	if len(servers) == 1 {
		for i, p := range parts {
			if _, ok := p[servers[0]]; ok {
				return i
			}
		}
	}
	best := 0
	for i := 1; i < len(parts); i++ {
		if len(parts[i]) != len(parts[best]) {
			if len(parts[i]) > len(parts[best]) {
				best = i
			}
			continue
		}
		if minLocation(parts[i]).Less(minLocation(parts[best])) {
			best = i
		}
	}
	return best
}

func minLocation(m map[Location]Role) Location {
	var out Location
	first := true
	for loc := range m {
		if first || loc.Less(out) {
			out = loc
			first = false
		}
	}
	return out
}

func sortIDs(ids []NetworkID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
