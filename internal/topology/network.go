package topology

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotPartOfNetwork = errors.New("block is not part of a network")
	ErrNetworkInvalid   = errors.New("network invalid")
	ErrNetworkTooLarge  = errors.New("network too large")
	ErrBlockExists      = errors.New("block already registered")
	ErrBadRole          = errors.New("unknown block role")
)

type Role string

const (
	RoleServer           Role = "STORAGE_SERVER"
	RoleDriveBay         Role = "DRIVE_BAY"
	RoleTerminal         Role = "MSS_TERMINAL"
	RoleCable            Role = "NETWORK_CABLE"
	RoleImporter         Role = "IMPORTER"
	RoleExporter         Role = "EXPORTER"
	RoleSecurityTerminal Role = "SECURITY_TERMINAL"
)

// Roles lists every eligible role; blocks of any other kind never join a
// network.
var Roles = []Role{
	RoleServer,
	RoleDriveBay,
	RoleTerminal,
	RoleCable,
	RoleImporter,
	RoleExporter,
	RoleSecurityTerminal,
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrBadRole, s)
}

type NetworkID string

// Network is an immutable view of one connected cluster of blocks. A
// cluster exists whether or not it is valid; Validate reports whether
// allocation may run against it.
type Network struct {
	ID     NetworkID
	Blocks map[Location]Role
}

func (n Network) locations(role Role) []Location {
	out := make([]Location, 0, 4)
	for loc, r := range n.Blocks {
		if r == role {
			out = append(out, loc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

func (n Network) Servers() []Location   { return n.locations(RoleServer) }
func (n Network) DriveBays() []Location { return n.locations(RoleDriveBay) }
func (n Network) Terminals() []Location { return n.locations(RoleTerminal) }

// Server returns the single server block of a valid network.
func (n Network) Server() (Location, bool) {
	s := n.Servers()
	if len(s) != 1 {
		return Location{}, false
	}
	return s[0], true
}

func (n Network) Count(role Role) int {
	c := 0
	for _, r := range n.Blocks {
		if r == role {
			c++
		}
	}
	return c
}

func (n Network) Contains(loc Location) bool {
	_, ok := n.Blocks[loc]
	return ok
}

// SortedBlocks returns member locations in ascending order.
func (n Network) SortedBlocks() []Location {
	out := make([]Location, 0, len(n.Blocks))
	for loc := range n.Blocks {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Validate returns nil when the network has exactly one server, at least
// one drive bay and one terminal, and does not exceed maxBlocks (<= 0
// disables the bound).
func (n Network) Validate(maxBlocks int) error {
	if maxBlocks > 0 && len(n.Blocks) > maxBlocks {
		return fmt.Errorf("%w: %s has %d blocks (max %d)", ErrNetworkTooLarge, n.ID, len(n.Blocks), maxBlocks)
	}
	switch servers := n.Count(RoleServer); {
	case servers == 0:
		return fmt.Errorf("%w: %s has no storage server", ErrNetworkInvalid, n.ID)
	case servers > 1:
		return fmt.Errorf("%w: %s has %d storage servers", ErrNetworkInvalid, n.ID, servers)
	}
	if n.Count(RoleDriveBay) == 0 {
		return fmt.Errorf("%w: %s has no drive bay", ErrNetworkInvalid, n.ID)
	}
	if n.Count(RoleTerminal) == 0 {
		return fmt.Errorf("%w: %s has no terminal", ErrNetworkInvalid, n.ID)
	}
	return nil
}

func (n Network) String() string {
	return fmt.Sprintf("Network{id=%s server=%d bays=%d terminals=%d blocks=%d}",
		n.ID, n.Count(RoleServer), n.Count(RoleDriveBay), n.Count(RoleTerminal), len(n.Blocks))
}
