package ledger

import (
	"math"

	"mss.voxelcraft.ai/internal/item"
)

type Outcome int

const (
	Reserved Outcome = iota + 1
	Partial
	Full
)

func (o Outcome) String() string {
	switch o {
	case Reserved:
		return "RESERVED"
	case Partial:
		return "PARTIAL"
	case Full:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

type Reservation struct {
	Outcome  Outcome
	Accepted int64
}

// capacityFor is how much more of h the disk can take.
func (d *Disk) capacityFor(h item.ContentHash) int64 {
	cur := d.Quantity(h)
	headroom := int64(math.MaxInt64) - cur
	if d.CellCeiling <= 0 {
		if cur == 0 && d.UsedCells() >= d.MaxCells {
			return 0
		}
		return headroom
	}
	cells := int64(d.cellsFor(cur) + d.FreeCells())
	if cells > math.MaxInt64/d.CellCeiling {
		return headroom
	}
	c := cells*d.CellCeiling - cur
	if c > headroom {
		c = headroom
	}
	if c < 0 {
		return 0
	}
	return c
}

// TryReserve adds up to q of h to the disk and reports how much fit.
// A new hash on a disk with no free cell is Full regardless of q.
func (d *Disk) TryReserve(h item.ContentHash, q int64) (Reservation, error) {
	if q <= 0 {
		return Reservation{}, ErrBadQuantity
	}
	capacity := d.capacityFor(h)
	if capacity <= 0 {
		return Reservation{Outcome: Full}, nil
	}
	accepted := q
	if accepted > capacity {
		accepted = capacity
	}
	d.set(h, d.Quantity(h)+accepted)
	if accepted < q {
		return Reservation{Outcome: Partial, Accepted: accepted}, nil
	}
	return Reservation{Outcome: Reserved, Accepted: accepted}, nil
}

// Release removes up to q of h and returns the amount actually removed.
// The entry disappears when its quantity reaches zero.
func (d *Disk) Release(h item.ContentHash, q int64) int64 {
	if q <= 0 {
		return 0
	}
	cur := d.Quantity(h)
	if cur == 0 {
		return 0
	}
	released := q
	if released > cur {
		released = cur
	}
	d.set(h, cur-released)
	return released
}
