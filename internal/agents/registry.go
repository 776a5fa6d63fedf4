// Package agents runs importers and exporters: blocks that move items
// between an adjacent container and the network on a schedule.
package agents

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/topology"
)

// MaxFilters is the filter capacity of one agent.
const MaxFilters = 18

var (
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrTooManyFilters = fmt.Errorf("at most %d filters", MaxFilters)
	ErrWrongBlock     = errors.New("block role does not match agent kind")
	ErrAgentExists    = errors.New("agent already registered at location")
)

type Kind string

const (
	KindImporter Kind = "IMPORTER"
	KindExporter Kind = "EXPORTER"
)

func (k Kind) role() topology.Role {
	if k == KindExporter {
		return topology.RoleExporter
	}
	return topology.RoleImporter
}

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToUpper(strings.TrimSpace(s))); k {
	case KindImporter, KindExporter:
		return k, nil
	}
	return "", fmt.Errorf("unknown agent kind %q", s)
}

type Agent struct {
	ID       string             `json:"id"`
	Kind     Kind               `json:"kind"`
	Location topology.Location  `json:"location"`
	Target   topology.Location  `json:"target"`
	Enabled  bool               `json:"enabled"`
	Filters  []item.ContentHash `json:"filters,omitempty"`
	Created  time.Time          `json:"created"`
	Updated  time.Time          `json:"updated"`
}

func (a Agent) clone() Agent {
	a.Filters = append([]item.ContentHash(nil), a.Filters...)
	return a
}

// Matches reports whether h passes the agent's filters. An importer with
// no filters takes everything; an exporter with none moves nothing.
func (a Agent) Matches(h item.ContentHash) bool {
	if len(a.Filters) == 0 {
		return a.Kind == KindImporter
	}
	for _, f := range a.Filters {
		if f == h {
			return true
		}
	}
	return false
}

// Store persists agent configuration.
type Store interface {
	SaveAgent(ctx context.Context, a Agent) error
	DeleteAgent(ctx context.Context, id string) error
	LoadAgents(ctx context.Context) ([]Agent, error)
}

// RoleSource tells the registry which blocks exist.
type RoleSource interface {
	RoleAt(loc topology.Location) (topology.Role, bool)
}

type Registry struct {
	store Store
	roles RoleSource
	now   func() time.Time

	mu     sync.RWMutex
	agents map[string]Agent
	byLoc  map[topology.Location]string
}

// NewRegistry returns a registry. store may be nil for a volatile one.
func NewRegistry(store Store, roles RoleSource) *Registry {
	return &Registry{
		store:  store,
		roles:  roles,
		now:    time.Now,
		agents: map[string]Agent{},
		byLoc:  map[topology.Location]string{},
	}
}

func (r *Registry) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	list, err := r.store.LoadAgents(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = make(map[string]Agent, len(list))
	r.byLoc = make(map[topology.Location]string, len(list))
	for _, a := range list {
		r.agents[a.ID] = a
		r.byLoc[a.Location] = a.ID
	}
	return nil
}

func (r *Registry) save(ctx context.Context, a Agent) error {
	if r.store == nil {
		return nil
	}
	return r.store.SaveAgent(ctx, a)
}

// Register creates an enabled agent on an importer or
// exporter block, pointed at an adjacent container.
func (r *Registry) Register(ctx context.Context, kind Kind, loc, target topology.Location) (Agent, error) {
	if !loc.Adjacent(target) {
		return Agent{}, fmt.Errorf("target %s is not adjacent to %s", target, loc)
	}
	if role, ok := r.roles.RoleAt(loc); !ok || role != kind.role() {
		return Agent{}, fmt.Errorf("%w: %s at %s", ErrWrongBlock, kind, loc)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if id, ok := r.byLoc[loc]; ok {
		return Agent{}, fmt.Errorf("%w: %s (%s)", ErrAgentExists, loc, id)
	}
	now := r.now().UTC()
	a := Agent{ID: uuid.NewString(), Kind: kind, Location: loc, Target: target, Enabled: true, Created: now, Updated: now}
	if err := r.save(ctx, a); err != nil {
		return Agent{}, err
	}
	r.agents[a.ID] = a
	r.byLoc[loc] = a.ID
	return a.clone(), nil
}

func (r *Registry) update(ctx context.Context, id string, fn func(*Agent) error) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	a = a.clone()
	if err := fn(&a); err != nil {
		return Agent{}, err
	}
	a.Updated = r.now().UTC()
	if err := r.save(ctx, a); err != nil {
		return Agent{}, err
	}
	r.agents[id] = a
	return a.clone(), nil
}

func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) (Agent, error) {
	return r.update(ctx, id, func(a *Agent) error {
		a.Enabled = enabled
		return nil
	})
}

// SetFilters replaces the filter list, deduplicated in given order.
func (r *Registry) SetFilters(ctx context.Context, id string, filters []item.ContentHash) (Agent, error) {
	seen := map[item.ContentHash]bool{}
	var out []item.ContentHash
	for _, f := range filters {
		if _, err := item.ParseContentHash(string(f)); err != nil {
			return Agent{}, err
		}
		if !seen[f] {
			seen[f] = true
			out = append(out, f)
		}
	}
	if len(out) > MaxFilters {
		return Agent{}, fmt.Errorf("%w: got %d", ErrTooManyFilters, len(out))
	}
	return r.update(ctx, id, func(a *Agent) error {
		a.Filters = out
		return nil
	})
}

func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	if r.store != nil {
		if err := r.store.DeleteAgent(ctx, id); err != nil {
			return err
		}
	}
	delete(r.agents, id)
	delete(r.byLoc, a.Location)
	return nil
}

// RemoveAt drops the agent on loc, if any. Called when the block goes.
func (r *Registry) RemoveAt(ctx context.Context, loc topology.Location) (bool, error) {
	r.mu.RLock()
	id, ok := r.byLoc[loc]
	r.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return true, r.Remove(ctx, id)
}

// At returns the agent registered on loc.
func (r *Registry) At(loc topology.Location) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byLoc[loc]
	if !ok {
		return Agent{}, false
	}
	return r.agents[id].clone(), true
}

func (r *Registry) Get(id string) (Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	return a.clone(), ok
}

// List returns agents ordered by kind then location.
func (r *Registry) List() []Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Agent, 0, len(r.agents))
	for _, a := range r.agents {
		out = append(out, a.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].Location.Less(out[j].Location)
	})
	return out
}
