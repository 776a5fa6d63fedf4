package protocol

import (
	"errors"

	"mss.voxelcraft.ai/internal/agents"
	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/filter"
	"mss.voxelcraft.ai/internal/topology"
)

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"

	// Topology.
	ErrNotInNetwork    = "E_NOT_IN_NETWORK"
	ErrNetworkInvalid  = "E_NETWORK_INVALID"
	ErrNetworkTooLarge = "E_NETWORK_TOO_LARGE"
	ErrDisksOrphaned   = "E_DISKS_ORPHANED"

	// Storage.
	ErrDiskFull               = "E_DISK_FULL"
	ErrItemNotFound           = "E_ITEM_NOT_FOUND"
	ErrConcurrentModification = "E_CONCURRENT_MODIFICATION"
	ErrPersistenceFailure     = "E_PERSISTENCE_FAILURE"

	// Request layer.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrNotFound   = "E_NOT_FOUND"
	ErrConflict   = "E_CONFLICT"
	ErrRateLimit  = "E_RATE_LIMIT"
	ErrDenied     = "E_DENIED"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest:        {},
	ErrNotInNetwork:           {},
	ErrNetworkInvalid:         {},
	ErrNetworkTooLarge:        {},
	ErrDisksOrphaned:          {},
	ErrDiskFull:               {},
	ErrItemNotFound:           {},
	ErrConcurrentModification: {},
	ErrPersistenceFailure:     {},
	ErrBadRequest:             {},
	ErrNotFound:               {},
	ErrConflict:               {},
	ErrRateLimit:              {},
	ErrDenied:                 {},
	ErrInternal:               {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}

// Order matters: a persistence failure can wrap a context error, and a
// bad request can wrap a quantity error.
var codeTable = []struct {
	err  error
	code string
}{
	{engine.ErrPersistenceFailure, ErrPersistenceFailure},
	{engine.ErrConcurrentModification, ErrConcurrentModification},
	{engine.ErrBadRequest, ErrBadRequest},
	{engine.ErrBadQuantity, ErrBadRequest},
	{engine.ErrSlotOutOfRange, ErrBadRequest},
	{engine.ErrNotDriveBay, ErrBadRequest},
	{topology.ErrBadRole, ErrBadRequest},
	{agents.ErrTooManyFilters, ErrBadRequest},
	{agents.ErrWrongBlock, ErrBadRequest},
	{topology.ErrNetworkTooLarge, ErrNetworkTooLarge},
	{topology.ErrNetworkInvalid, ErrNetworkInvalid},
	{topology.ErrNotPartOfNetwork, ErrNotInNetwork},
	{engine.ErrDisksOrphaned, ErrDisksOrphaned},
	{engine.ErrDiskFull, ErrDiskFull},
	{engine.ErrItemNotFound, ErrItemNotFound},
	{engine.ErrUnknownDisk, ErrNotFound},
	{agents.ErrUnknownAgent, ErrNotFound},
	{engine.ErrSlotOccupied, ErrConflict},
	{engine.ErrSlotEmpty, ErrConflict},
	{engine.ErrDiskInUse, ErrConflict},
	{engine.ErrDiskIsOrphan, ErrConflict},
	{engine.ErrDiskNotOrphan, ErrConflict},
	{topology.ErrBlockExists, ErrConflict},
	{agents.ErrAgentExists, ErrConflict},
	{filter.ErrDenied, ErrDenied},
}

// CodeFor maps an error to its wire code. nil maps to "".
func CodeFor(err error) string {
	if err == nil {
		return ""
	}
	for _, c := range codeTable {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return ErrInternal
}
