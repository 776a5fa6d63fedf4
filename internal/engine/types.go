package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/ledger"
	"mss.voxelcraft.ai/internal/topology"
)

var (
	ErrNetworkInvalid  = topology.ErrNetworkInvalid
	ErrNetworkTooLarge = topology.ErrNetworkTooLarge
	ErrDiskFull        = ledger.ErrDiskFull

	ErrItemNotFound           = errors.New("item not found")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrPersistenceFailure     = errors.New("persistence failure")
	ErrDisksOrphaned          = errors.New("disks orphaned")
	ErrBadRequest             = errors.New("bad request")

	ErrNotDriveBay   = errors.New("block is not a drive bay")
	ErrSlotOccupied  = errors.New("drive bay slot occupied")
	ErrSlotEmpty     = errors.New("drive bay slot empty")
	ErrUnknownDisk   = errors.New("unknown disk")
	ErrDiskInUse     = errors.New("disk is in a drive bay")
	ErrDiskIsOrphan  = errors.New("disk awaits recovery")
	ErrDiskNotOrphan = errors.New("disk is not orphaned")
)

// OrphanedError reports disks detached by the loss of their drive bay.
// The topology change that caused it has been applied.
type OrphanedError struct {
	Bay   topology.Location
	Disks []string
}

func (e *OrphanedError) Error() string {
	return fmt.Sprintf("drive bay %s removed with %d disk(s) inside: %s (recover with admin recovery)",
		e.Bay, len(e.Disks), strings.Join(e.Disks, ","))
}

func (e *OrphanedError) Is(target error) bool { return target == ErrDisksOrphaned }

type Config struct {
	CellsPerDisk       int
	BaySlots           int
	EnforceCellCeiling bool
	LockTimeout        time.Duration
	PersistenceTimeout time.Duration

	LogNetworkOps bool
	LogStorageOps bool
}

func DefaultConfig() Config {
	return Config{
		CellsPerDisk:       27,
		BaySlots:           8,
		LockTimeout:        2 * time.Second,
		PersistenceTimeout: 5 * time.Second,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.CellsPerDisk <= 0 {
		c.CellsPerDisk = d.CellsPerDisk
	}
	if c.BaySlots <= 0 {
		c.BaySlots = d.BaySlots
	}
	if c.LockTimeout <= 0 {
		c.LockTimeout = d.LockTimeout
	}
	if c.PersistenceTimeout <= 0 {
		c.PersistenceTimeout = d.PersistenceTimeout
	}
}

type ItemStack struct {
	Descriptor item.Descriptor `json:"descriptor"`
	Quantity   int64           `json:"quantity"`
}

// Remainder is the unplaced part of one stored item. Index points into
// the caller's slice.
type Remainder struct {
	Index      int
	Descriptor item.Descriptor
	Quantity   int64
	Reason     error
}

type Retrieval struct {
	Hash       item.ContentHash
	Descriptor item.Descriptor
	Retrieved  int64
}

type StoredItem struct {
	Hash       item.ContentHash `json:"hash"`
	Quantity   int64            `json:"quantity"`
	Descriptor item.Descriptor  `json:"descriptor"`
}

// Backend is the durable store. Commit applies a batch atomically or not at
// all and must honor ctx deadlines.
type Backend interface {
	Load(ctx context.Context) (State, error)
	Commit(ctx context.Context, b Batch) error
}

type AuditSink interface {
	WriteAudit(AuditEntry) error
}

// Invalidator is told about every committed mutation so collaborators can
// drop cached markers.
type Invalidator interface {
	InvalidateBlock(loc topology.Location)
	InvalidateNetwork(id topology.NetworkID)
}

type AuditEntry struct {
	Time     time.Time          `json:"time"`
	Actor    string             `json:"actor"`
	Action   string             `json:"action"`
	Network  topology.NetworkID `json:"network,omitempty"`
	Location *topology.Location `json:"location,omitempty"`
	Disk     string             `json:"disk,omitempty"`
	Hash     item.ContentHash   `json:"hash,omitempty"`
	Quantity int64              `json:"quantity,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Details  map[string]any     `json:"details,omitempty"`
}

type actorKey struct{}

// WithActor tags ctx with the actor recorded in audit entries.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// ActorFrom returns the actor set by WithActor, or SYSTEM.
func ActorFrom(ctx context.Context) string {
	if a, ok := ctx.Value(actorKey{}).(string); ok && a != "" {
		return a
	}
	return "SYSTEM"
}
