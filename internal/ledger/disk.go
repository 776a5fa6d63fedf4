// Package ledger tracks per-disk cell usage and item quantities.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

	"mss.voxelcraft.ai/internal/item"
)

var (
	// ErrDiskFull means no free cell remains for a new content hash.
	ErrDiskFull = errors.New("disk full")
	// ErrBadQuantity is returned for non-positive quantities.
	ErrBadQuantity = errors.New("quantity must be > 0")
)

type Tier string

const (
	Tier1K  Tier = "1k"
	Tier4K  Tier = "4k"
	Tier16K Tier = "16k"
	Tier64K Tier = "64k"
)

var tiers = map[Tier]struct {
	rank    int
	perCell int64
}{
	Tier1K:  {rank: 1, perCell: 1024},
	Tier4K:  {rank: 2, perCell: 4096},
	Tier16K: {rank: 3, perCell: 16384},
	Tier64K: {rank: 4, perCell: 65536},
}

func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := tiers[t]; !ok {
		return "", fmt.Errorf("unknown disk tier %q", s)
	}
	return t, nil
}

// Rank orders tiers ascending by capacity. Unknown tiers sort last.
func (t Tier) Rank() int {
	if v, ok := tiers[t]; ok {
		return v.rank
	}
	return math.MaxInt32
}

// ItemsPerCell is the per-cell quantity ceiling of the tier.
func (t Tier) ItemsPerCell() int64 {
	return tiers[t].perCell
}

type Crafter struct {
	UUID string `json:"uuid"`
	Name string `json:"name"`
}

type Entry struct {
	Hash     item.ContentHash `json:"hash"`
	Quantity int64            `json:"quantity"`
}

// Disk is a removable medium holding an ordered ledger of entries.
//
// CellCeiling == 0 means a cell holds an unbounded counter for one hash;
// otherwise a hash occupies ceil(quantity/CellCeiling) cells.
//
// A Disk is not safe for concurrent use; the engine serializes access.
type Disk struct {
	ID          string
	Tier        Tier
	MaxCells    int
	CellCeiling int64
	Crafter     Crafter
	CreatedAt   time.Time

	entries []Entry
	index   map[item.ContentHash]int
}

func NewDisk(id string, tier Tier, maxCells int, ceiling int64) *Disk {
	return &Disk{
		ID:          id,
		Tier:        tier,
		MaxCells:    maxCells,
		CellCeiling: ceiling,
		index:       map[item.ContentHash]int{},
	}
}

// NewDiskID returns 16 upper-case hex characters derived from a random UUID.
func NewDiskID() string {
	u := uuid.New()
	sum := sha256.Sum256([]byte(u.String()))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:16])
}

func (d *Disk) cellsFor(q int64) int {
	if q <= 0 {
		return 0
	}
	if d.CellCeiling <= 0 {
		return 1
	}
	n := q / d.CellCeiling
	if q%d.CellCeiling != 0 {
		n++
	}
	if n > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(n)
}

func (d *Disk) UsedCells() int {
	used := 0
	for _, e := range d.entries {
		used += d.cellsFor(e.Quantity)
	}
	return used
}

func (d *Disk) FreeCells() int {
	free := d.MaxCells - d.UsedCells()
	if free < 0 {
		return 0
	}
	return free
}

func (d *Disk) Quantity(h item.ContentHash) int64 {
	if i, ok := d.index[h]; ok {
		return d.entries[i].Quantity
	}
	return 0
}

func (d *Disk) Holds(h item.ContentHash) bool {
	_, ok := d.index[h]
	return ok
}

// Entries returns a copy of the ledger in insertion order.
func (d *Disk) Entries() []Entry {
	return append([]Entry(nil), d.entries...)
}

func (d *Disk) TotalQuantity() int64 {
	var total int64
	for _, e := range d.entries {
		total += e.Quantity
	}
	return total
}

// Load replaces the ledger with persisted entries, dropping zero rows.
func (d *Disk) Load(entries []Entry) {
	d.entries = d.entries[:0]
	d.index = make(map[item.ContentHash]int, len(entries))
	for _, e := range entries {
		if e.Quantity <= 0 {
			continue
		}
		if i, ok := d.index[e.Hash]; ok {
			d.entries[i].Quantity += e.Quantity
			continue
		}
		d.index[e.Hash] = len(d.entries)
		d.entries = append(d.entries, e)
	}
}

func (d *Disk) Clone() *Disk {
	c := *d
	c.entries = append([]Entry(nil), d.entries...)
	c.index = make(map[item.ContentHash]int, len(d.index))
	for k, v := range d.index {
		c.index[k] = v
	}
	return &c
}

// Validate checks the cells-used invariant.
func (d *Disk) Validate() error {
	if used := d.UsedCells(); used > d.MaxCells {
		return fmt.Errorf("disk %s: %d cells used > max %d", d.ID, used, d.MaxCells)
	}
	for _, e := range d.entries {
		if e.Quantity <= 0 {
			return fmt.Errorf("disk %s: non-positive entry for %s", d.ID, e.Hash.Short())
		}
	}
	return nil
}

func (d *Disk) set(h item.ContentHash, q int64) {
	i, ok := d.index[h]
	switch {
	case ok && q > 0:
		d.entries[i].Quantity = q
	case ok:
		d.entries = append(d.entries[:i], d.entries[i+1:]...)
		delete(d.index, h)
		for j := i; j < len(d.entries); j++ {
			d.index[d.entries[j].Hash] = j
		}
	case q > 0:
		d.index[h] = len(d.entries)
		d.entries = append(d.entries, Entry{Hash: h, Quantity: q})
	}
}
