package agents

import (
	"context"
	"errors"
	"io"
	"log"
	"time"

	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/topology"
)

// Storage is the part of the engine agents use.
type Storage interface {
	Resolve(loc topology.Location) (topology.NetworkID, error)
	StoreItems(ctx context.Context, netID topology.NetworkID, items []engine.ItemStack) ([]engine.Remainder, error)
	RetrieveItems(ctx context.Context, netID topology.NetworkID, h item.ContentHash, q int64) (engine.Retrieval, error)
	QueryNetworkItems(ctx context.Context, netID topology.NetworkID) ([]engine.StoredItem, error)
}

// Checker is the allow predicate run before items enter a network.
type Checker interface {
	Allowed(d item.Descriptor) bool
}

type Report struct {
	Ran      int   `json:"ran"`
	Skipped  int   `json:"skipped"`
	Imported int64 `json:"imported"`
	Exported int64 `json:"exported"`
	Errors   int   `json:"errors"`
}

type Scheduler struct {
	reg        *Registry
	store      Storage
	containers Containers
	check      Checker
	logger     *log.Logger

	Interval       time.Duration
	MaxPerTransfer int64
}

func NewScheduler(reg *Registry, store Storage, containers Containers, check Checker, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Scheduler{
		reg:            reg,
		store:          store,
		containers:     containers,
		check:          check,
		logger:         logger,
		Interval:       time.Second,
		MaxPerTransfer: 64,
	}
}

// Run ticks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	t := time.NewTicker(s.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			rep := s.RunOnce(ctx)
			if rep.Errors > 0 {
				s.logger.Printf("agents: ran=%d imported=%d exported=%d errors=%d", rep.Ran, rep.Imported, rep.Exported, rep.Errors)
			}
		}
	}
}

// RunOnce runs every enabled agent once, importers first.
func (s *Scheduler) RunOnce(ctx context.Context) Report {
	var rep Report
	for _, a := range s.reg.List() {
		if !a.Enabled {
			rep.Skipped++
			continue
		}
		c, ok := s.containers.At(a.Target)
		if !ok {
			rep.Skipped++
			continue
		}
		netID, err := s.store.Resolve(a.Location)
		if err != nil {
			rep.Skipped++
			continue
		}
		rep.Ran++
		actx := engine.WithActor(ctx, "agent:"+a.ID)
		var n int64
		if a.Kind == KindImporter {
			n, err = s.runImporter(actx, a, netID, c)
			rep.Imported += n
		} else {
			n, err = s.runExporter(actx, a, netID, c)
			rep.Exported += n
		}
		if err != nil {
			rep.Errors++
			s.logger.Printf("WARN agent %s %s at %s: %v", a.Kind, a.ID, a.Location, err)
		}
	}
	return rep
}

func (s *Scheduler) runImporter(ctx context.Context, a Agent, netID topology.NetworkID, c Container) (int64, error) {
	keep := func(d item.Descriptor) bool {
		if s.check != nil && !s.check.Allowed(d) {
			return false
		}
		return a.Matches(item.Hash(d))
	}
	taken, err := c.Take(ctx, s.MaxPerTransfer, keep)
	if err != nil || len(taken) == 0 {
		return 0, err
	}
	var moved int64
	for _, st := range taken {
		moved += st.Quantity
	}
	rem, err := s.store.StoreItems(ctx, netID, taken)
	if err != nil {
		// Nothing was stored; hand everything back.
		s.giveBack(ctx, c, taken)
		return 0, err
	}
	var back []engine.ItemStack
	for _, r := range rem {
		moved -= r.Quantity
		back = append(back, engine.ItemStack{Descriptor: r.Descriptor, Quantity: r.Quantity})
	}
	s.giveBack(ctx, c, back)
	return moved, nil
}

func (s *Scheduler) giveBack(ctx context.Context, c Container, stacks []engine.ItemStack) {
	for _, st := range stacks {
		n, err := c.Put(ctx, st)
		if err != nil || n < st.Quantity {
			s.logger.Printf("WARN agents: could not return %d of %s to container", st.Quantity-n, st.Descriptor.Type)
		}
	}
}

func (s *Scheduler) runExporter(ctx context.Context, a Agent, netID topology.NetworkID, c Container) (int64, error) {
	if len(a.Filters) == 0 {
		return 0, nil
	}
	items, err := s.store.QueryNetworkItems(ctx, netID)
	if err != nil {
		return 0, err
	}
	have := make(map[item.ContentHash]engine.StoredItem, len(items))
	for _, it := range items {
		have[it.Hash] = it
	}
	budget := s.MaxPerTransfer
	var moved int64
	for _, h := range a.Filters {
		if budget <= 0 {
			break
		}
		it, ok := have[h]
		if !ok {
			continue
		}
		want := min(budget, it.Quantity, c.Room(it.Descriptor))
		if want <= 0 {
			continue
		}
		got, err := s.store.RetrieveItems(ctx, netID, h, want)
		if errors.Is(err, engine.ErrItemNotFound) {
			continue
		}
		if err != nil {
			return moved, err
		}
		put, err := c.Put(ctx, engine.ItemStack{Descriptor: got.Descriptor, Quantity: got.Retrieved})
		if put < got.Retrieved {
			// The container filled up; store the rest back.
			left := engine.ItemStack{Descriptor: got.Descriptor, Quantity: got.Retrieved - put}
			if _, serr := s.store.StoreItems(ctx, netID, []engine.ItemStack{left}); serr != nil {
				s.logger.Printf("WARN agents: exporter %s lost %d of %s: %v", a.ID, left.Quantity, h.Short(), serr)
			}
		}
		moved += put
		budget -= put
		if err != nil {
			return moved, err
		}
	}
	return moved, nil
}
