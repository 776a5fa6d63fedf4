// Package filter decides which items may enter a storage network. The
// check runs before the engine is called; the engine assumes filtered
// input.
package filter

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"mss.voxelcraft.ai/internal/item"
)

var ErrDenied = errors.New("item not allowed in storage")

// Internal tag keys the rules read from raw descriptors.
const (
	TagDiskID   = item.InternalNamespace + "disk_id"
	TagContents = "contents"
)

// Containers that are never accepted, whatever they hold.
var containerTypes = map[string]bool{
	"CHEST":         true,
	"TRAPPED_CHEST": true,
	"BARREL":        true,
	"HOPPER":        true,
	"DROPPER":       true,
	"DISPENSER":     true,
	"ENDER_CHEST":   true,
}

type DenyList struct {
	mu      sync.RWMutex
	blocked map[string]bool
}

func NewDenyList(blacklist []string) *DenyList {
	l := &DenyList{}
	l.Set(blacklist)
	return l
}

// Set replaces the configured blacklist. Entries are item types and match
// case-insensitively.
func (l *DenyList) Set(blacklist []string) {
	m := make(map[string]bool, len(blacklist))
	for _, t := range blacklist {
		if t = normType(t); t != "" {
			m[t] = true
		}
	}
	l.mu.Lock()
	l.blocked = m
	l.mu.Unlock()
}

func (l *DenyList) Blacklist() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]string, 0, len(l.blocked))
	for t := range l.blocked {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func normType(t string) string {
	return strings.ToUpper(strings.TrimSpace(t))
}

// Check returns nil when d may be stored, else an error wrapping ErrDenied.
// d is the raw descriptor, internal tags included.
func (l *DenyList) Check(d item.Descriptor) error {
	typ := normType(d.Type)
	if _, ok := d.Tag(TagDiskID); ok {
		return fmt.Errorf("%w: storage disks cannot be stored", ErrDenied)
	}
	l.mu.RLock()
	blocked := l.blocked[typ]
	l.mu.RUnlock()
	if blocked {
		return fmt.Errorf("%w: %s is blacklisted", ErrDenied, typ)
	}
	if containerTypes[typ] {
		return fmt.Errorf("%w: %s is a container", ErrDenied, typ)
	}
	if strings.HasSuffix(typ, "SHULKER_BOX") || typ == "BUNDLE" || strings.HasSuffix(typ, "_BUNDLE") {
		if v, ok := d.Tag(TagContents); ok && v.Kind == item.TagInt && v.Int > 0 {
			return fmt.Errorf("%w: %s is not empty", ErrDenied, typ)
		}
	}
	return nil
}

func (l *DenyList) Allowed(d item.Descriptor) bool { return l.Check(d) == nil }

// Partition splits stacks into allowed and denied by index.
func (l *DenyList) Partition(ds []item.Descriptor) (allowed, denied []int) {
	for i, d := range ds {
		if l.Allowed(d) {
			allowed = append(allowed, i)
		} else {
			denied = append(denied, i)
		}
	}
	return allowed, denied
}
