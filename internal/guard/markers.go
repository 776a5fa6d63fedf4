package guard

import (
	"fmt"
	"sync"
	"time"

	"mss.voxelcraft.ai/internal/topology"
)

// MarkerSource answers whether a location is a registered network block.
// *topology.Resolver satisfies it.
type MarkerSource interface {
	RoleAt(loc topology.Location) (topology.Role, bool)
	Owner(loc topology.Location) (topology.NetworkID, bool)
}

// AnyRole matches a registered block of any role.
const AnyRole topology.Role = "ANY"

type marker struct {
	ok      bool
	network topology.NetworkID
	expires time.Time
}

// MarkerCache memoizes MarkerSource lookups for a short TTL.
type MarkerCache struct {
	src MarkerSource
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	entries map[string]marker
	hits    uint64
	misses  uint64
}

func NewMarkerCache(src MarkerSource, ttl time.Duration) *MarkerCache {
	return &MarkerCache{src: src, ttl: ttl, now: time.Now, entries: map[string]marker{}}
}

func markerKey(loc topology.Location, role topology.Role) string {
	return fmt.Sprintf("%s:%d:%d:%d:%s", loc.World, loc.X, loc.Y, loc.Z, role)
}

// IsMarked reports whether loc holds a block of role (AnyRole for any).
func (c *MarkerCache) IsMarked(loc topology.Location, role topology.Role) bool {
	if role == "" {
		role = AnyRole
	}
	key := markerKey(loc, role)
	now := c.now()

	c.mu.Lock()
	if m, ok := c.entries[key]; ok && now.Before(m.expires) {
		c.hits++
		c.mu.Unlock()
		return m.ok
	}
	c.misses++
	c.mu.Unlock()

	got, present := c.src.RoleAt(loc)
	ok := present && (role == AnyRole || got == role)
	net, _ := c.src.Owner(loc)

	c.mu.Lock()
	c.entries[key] = marker{ok: ok, network: net, expires: now.Add(c.ttl)}
	c.mu.Unlock()
	return ok
}

// InvalidateBlock drops every cached role at loc.
func (c *MarkerCache) InvalidateBlock(loc topology.Location) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, markerKey(loc, AnyRole))
	for _, r := range topology.Roles {
		delete(c.entries, markerKey(loc, r))
	}
}

// InvalidateNetwork drops entries recorded as belonging to id.
func (c *MarkerCache) InvalidateNetwork(id topology.NetworkID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, m := range c.entries {
		if m.network == id {
			delete(c.entries, k)
		}
	}
}

// SetTTL applies to entries cached after the call.
func (c *MarkerCache) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	c.ttl = ttl
	c.mu.Unlock()
}

// Sweep removes expired entries.
func (c *MarkerCache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for k, m := range c.entries {
		if !now.Before(m.expires) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

type CacheStats struct {
	Entries int    `json:"entries"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
}

func (c *MarkerCache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CacheStats{Entries: len(c.entries), Hits: c.hits, Misses: c.misses}
}
