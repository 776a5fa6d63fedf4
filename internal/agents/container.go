package agents

import (
	"context"
	"sync"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/topology"
)

// Container is the inventory an agent faces. Implementations mirror a
// world container and must be safe for concurrent use.
type Container interface {
	// Take removes up to max units of stacks accepted by keep.
	Take(ctx context.Context, max int64, keep func(item.Descriptor) bool) ([]engine.ItemStack, error)
	// Put adds up to s.Quantity units and returns how many fit.
	Put(ctx context.Context, s engine.ItemStack) (int64, error)
	// Room reports how many units of d would fit.
	Room(d item.Descriptor) int64
}

type Containers interface {
	At(loc topology.Location) (Container, bool)
}

type memSlot struct {
	hash item.ContentHash
	s    engine.ItemStack
}

// MemContainer is a bounded in-memory container of distinct stacks.
type MemContainer struct {
	mu       sync.Mutex
	capacity int64
	slots    []memSlot
}

// NewMemContainer holds at most capacity units in total.
func NewMemContainer(capacity int64) *MemContainer {
	return &MemContainer{capacity: capacity}
}

func (c *MemContainer) totalLocked() int64 {
	var n int64
	for _, s := range c.slots {
		n += s.s.Quantity
	}
	return n
}

func (c *MemContainer) Take(ctx context.Context, max int64, keep func(item.Descriptor) bool) ([]engine.ItemStack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []engine.ItemStack
	rest := c.slots[:0]
	for _, s := range c.slots {
		if max <= 0 || (keep != nil && !keep(s.s.Descriptor)) {
			rest = append(rest, s)
			continue
		}
		n := s.s.Quantity
		if n > max {
			n = max
		}
		out = append(out, engine.ItemStack{Descriptor: s.s.Descriptor, Quantity: n})
		max -= n
		s.s.Quantity -= n
		if s.s.Quantity > 0 {
			rest = append(rest, s)
		}
	}
	c.slots = rest
	return out, nil
}

func (c *MemContainer) Put(ctx context.Context, s engine.ItemStack) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.Quantity <= 0 {
		return 0, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n := s.Quantity
	if free := c.capacity - c.totalLocked(); n > free {
		n = free
	}
	if n <= 0 {
		return 0, nil
	}
	h := item.Hash(s.Descriptor)
	for i := range c.slots {
		if c.slots[i].hash == h {
			c.slots[i].s.Quantity += n
			return n, nil
		}
	}
	c.slots = append(c.slots, memSlot{hash: h, s: engine.ItemStack{Descriptor: s.Descriptor, Quantity: n}})
	return n, nil
}

func (c *MemContainer) Room(item.Descriptor) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if free := c.capacity - c.totalLocked(); free > 0 {
		return free
	}
	return 0
}

// Contents returns a copy of the stacks in insertion order.
func (c *MemContainer) Contents() []engine.ItemStack {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]engine.ItemStack, 0, len(c.slots))
	for _, s := range c.slots {
		out = append(out, s.s)
	}
	return out
}

func (c *MemContainer) Capacity() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.capacity
}

// Reset replaces capacity and contents, merging equal stacks. Stacks
// beyond capacity are dropped.
func (c *MemContainer) Reset(capacity int64, stacks []engine.ItemStack) {
	c.mu.Lock()
	c.capacity = capacity
	c.slots = nil
	c.mu.Unlock()
	for _, s := range stacks {
		_, _ = c.Put(context.Background(), s)
	}
}

// MemContainers maps locations to in-memory containers.
type MemContainers struct {
	mu       sync.Mutex
	capacity int64
	byLoc    map[topology.Location]*MemContainer
}

func NewMemContainers(capacity int64) *MemContainers {
	return &MemContainers{capacity: capacity, byLoc: map[topology.Location]*MemContainer{}}
}

func (m *MemContainers) At(loc topology.Location) (Container, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byLoc[loc]
	if !ok {
		return nil, false
	}
	return c, true
}

// Ensure returns the container at loc, creating it if needed.
func (m *MemContainers) Ensure(loc topology.Location) *MemContainer {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byLoc[loc]
	if !ok {
		c = NewMemContainer(m.capacity)
		m.byLoc[loc] = c
	}
	return c
}

func (m *MemContainers) Drop(loc topology.Location) {
	m.mu.Lock()
	delete(m.byLoc, loc)
	m.mu.Unlock()
}
