package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/filter"
	"mss.voxelcraft.ai/internal/topology"
)

func TestIsKnownCode(t *testing.T) {
	for c := range knownCodes {
		if !IsKnownCode(c) {
			t.Fatalf("expected known code: %q", c)
		}
	}
	if !IsKnownCode("") {
		t.Fatalf("empty code is the success code")
	}
	if IsKnownCode("E_NOT_DEFINED") {
		t.Fatalf("expected unknown code rejected")
	}
}

func TestCodeFor(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{engine.ErrDiskFull, ErrDiskFull},
		{fmt.Errorf("cluster N1: %w", topology.ErrNetworkInvalid), ErrNetworkInvalid},
		{fmt.Errorf("N1: %w", topology.ErrNetworkTooLarge), ErrNetworkTooLarge},
		{fmt.Errorf("%w: %s", topology.ErrNotPartOfNetwork, "world:1,2,3"), ErrNotInNetwork},
		{engine.ErrItemNotFound, ErrItemNotFound},
		{engine.ErrConcurrentModification, ErrConcurrentModification},
		{fmt.Errorf("%w: %w", engine.ErrPersistenceFailure, context.DeadlineExceeded), ErrPersistenceFailure},
		{fmt.Errorf("%w: %w", engine.ErrBadRequest, engine.ErrBadQuantity), ErrBadRequest},
		{&engine.OrphanedError{Disks: []string{"A"}}, ErrDisksOrphaned},
		{engine.ErrSlotOccupied, ErrConflict},
		{engine.ErrUnknownDisk, ErrNotFound},
		{filter.ErrDenied, ErrDenied},
		{errors.New("boom"), ErrInternal},
	}
	for _, tc := range cases {
		got := CodeFor(tc.err)
		if got != tc.want {
			t.Fatalf("CodeFor(%v) = %q, want %q", tc.err, got, tc.want)
		}
		if !IsKnownCode(got) {
			t.Fatalf("CodeFor(%v) returned unknown code %q", tc.err, got)
		}
	}
}

func TestRateLimited(t *testing.T) {
	for _, typ := range RequestTypes {
		want := typ == TypeStore || typ == TypeRetrieve
		if RateLimited(typ) != want {
			t.Fatalf("RateLimited(%s) = %v", typ, !want)
		}
	}
}
