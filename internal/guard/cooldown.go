// Package guard holds advisory helpers the surrounding system uses to
// avoid redundant engine calls. Nothing here is needed for correctness.
package guard

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"mss.voxelcraft.ai/internal/topology"
)

type bucket struct {
	lim  *rate.Limiter
	seen time.Time
}

// Cooldowns throttles operations per (actor, network) pair to one per
// cooldown interval.
type Cooldowns struct {
	mu      sync.Mutex
	every   time.Duration
	buckets map[string]*bucket
	now     func() time.Time
}

func NewCooldowns(every time.Duration) *Cooldowns {
	return &Cooldowns{every: every, buckets: map[string]*bucket{}, now: time.Now}
}

func cooldownKey(actor string, net topology.NetworkID) string {
	return actor + ":" + string(net)
}

func (c *Cooldowns) limit() rate.Limit {
	if c.every <= 0 {
		return rate.Inf
	}
	return rate.Every(c.every)
}

func (c *Cooldowns) bucketLocked(key string, now time.Time) *bucket {
	b, ok := c.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(c.limit(), 1)}
		c.buckets[key] = b
	}
	b.seen = now
	return b
}

// Allow consumes the pair's token if one is available.
func (c *Cooldowns) Allow(actor string, net topology.NetworkID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	return c.bucketLocked(cooldownKey(actor, net), now).lim.AllowN(now, 1)
}

// Remaining reports how long until Allow would succeed, without consuming.
func (c *Cooldowns) Remaining(actor string, net topology.NetworkID) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.buckets[cooldownKey(actor, net)]
	if !ok {
		return 0
	}
	now := c.now()
	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		return 0
	}
	d := r.DelayFrom(now)
	r.CancelAt(now)
	return d
}

// Sweep drops pairs idle for longer than idle and returns how many went.
func (c *Cooldowns) Sweep(idle time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cutoff := c.now().Add(-idle)
	n := 0
	for k, b := range c.buckets {
		if b.seen.Before(cutoff) {
			delete(c.buckets, k)
			n++
		}
	}
	return n
}

// SetCooldown changes the interval for existing and future pairs.
func (c *Cooldowns) SetCooldown(every time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.every = every
	now := c.now()
	for _, b := range c.buckets {
		b.lim.SetLimitAt(now, c.limit())
	}
}

func (c *Cooldowns) Cooldown() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.every
}

func (c *Cooldowns) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buckets)
}
