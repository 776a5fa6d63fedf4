package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"mss.voxelcraft.ai/internal/topology"
)

// lockTable hands out one exclusive lock per network id. Locks are
// buffered channels so waiters can give up on a deadline.
type lockTable struct {
	mu    sync.Mutex
	locks map[topology.NetworkID]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: map[topology.NetworkID]chan struct{}{}}
}

func (t *lockTable) get(id topology.NetworkID) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[id]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[id] = ch
	}
	return ch
}

// drop forgets the locks of networks that no longer exist. The caller holds
// them; a waiter that already fetched one wakes up to a missing network.
func (t *lockTable) drop(ids ...topology.NetworkID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range ids {
		delete(t.locks, id)
	}
}

func (t *lockTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.locks)
}

// acquire locks ids in sorted order. It returns a release func, or
// ErrConcurrentModification when a lock is not obtained within timeout.
func (t *lockTable) acquire(ctx context.Context, timeout time.Duration, ids ...topology.NetworkID) (func(), error) {
	ids = dedupeIDs(ids)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	held := make([]chan struct{}, 0, len(ids))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, id := range ids {
		ch := t.get(id)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-timer.C:
			release()
			return nil, fmt.Errorf("%w: network %s busy for %s", ErrConcurrentModification, id, timeout)
		case <-ctx.Done():
			release()
			return nil, fmt.Errorf("%w: %v", ErrConcurrentModification, ctx.Err())
		}
	}
	return release, nil
}

func dedupeIDs(ids []topology.NetworkID) []topology.NetworkID {
	out := make([]topology.NetworkID, 0, len(ids))
	seen := map[topology.NetworkID]bool{}
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
