package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"mss.voxelcraft.ai/internal/agents"
	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/filter"
	"mss.voxelcraft.ai/internal/guard"
	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/protocol"
	"mss.voxelcraft.ai/internal/topology"
)

// errRateLimited is reported as E_RATE_LIMIT.
var errRateLimited = errors.New("operation cooldown active")

type handler func(s *Server, ctx context.Context, raw []byte) (any, error)

var handlers = map[string]handler{
	protocol.TypeStore:          (*Server).handleStore,
	protocol.TypeRetrieve:       (*Server).handleRetrieve,
	protocol.TypeQuery:          (*Server).handleQuery,
	protocol.TypeBlockAdded:     (*Server).handleBlockAdded,
	protocol.TypeBlockRemoved:   (*Server).handleBlockRemoved,
	protocol.TypeDiskInsert:     (*Server).handleDiskInsert,
	protocol.TypeDiskEject:      (*Server).handleDiskEject,
	protocol.TypeDiskInfo:       (*Server).handleDiskInfo,
	protocol.TypeAgentRegister:  (*Server).handleAgentRegister,
	protocol.TypeAgentConfigure: (*Server).handleAgentConfigure,
	protocol.TypeAgentRemove:    (*Server).handleAgentRemove,
	protocol.TypeContainerSet:   (*Server).handleContainerSet,
	protocol.TypeContainerGet:   (*Server).handleContainerGet,
}

func result(reqID string) protocol.ResultMsg {
	return protocol.ResultMsg{Type: protocol.TypeResult, ProtocolVersion: protocol.Version, ReqID: reqID}
}

func failure(reqID, code string, err error) protocol.ResultMsg {
	r := result(reqID)
	r.Code = code
	r.Message = err.Error()
	return r
}

func badRequest(err error) error { return fmt.Errorf("%w: %w", engine.ErrBadRequest, err) }

// Dispatch validates and runs one raw request and builds its RESULT.
// client is the session's client name, the actor when a request names none.
func (s *Server) Dispatch(ctx context.Context, client string, raw []byte) protocol.ResultMsg {
	base, err := protocol.DecodeBase(raw)
	if err != nil {
		return failure("", protocol.ErrProtoBadRequest, err)
	}
	h, ok := handlers[base.Type]
	if !ok {
		return failure(base.ReqID, protocol.ErrProtoBadRequest, fmt.Errorf("unknown message type %q", base.Type))
	}
	if base.ProtocolVersion != protocol.Version {
		return failure(base.ReqID, protocol.ErrProtoBadRequest, fmt.Errorf("protocol_version %q, want %q", base.ProtocolVersion, protocol.Version))
	}
	if err := s.schemas.Validate(base.Type, raw); err != nil {
		return failure(base.ReqID, protocol.ErrProtoBadRequest, err)
	}
	var env protocol.Request
	if err := json.Unmarshal(raw, &env); err != nil {
		return failure(base.ReqID, protocol.ErrProtoBadRequest, err)
	}
	actor := env.Actor
	if actor == "" {
		actor = client
	}
	ctx = engine.WithActor(ctx, actor)

	data, err := h(s, ctx, raw)
	if err != nil {
		if errors.Is(err, errRateLimited) {
			return failure(base.ReqID, protocol.ErrRateLimit, err)
		}
		code := protocol.CodeFor(err)
		if code == protocol.ErrInternal {
			s.log.Printf("%s %s: %v", base.Type, base.ReqID, err)
		}
		r := failure(base.ReqID, code, err)
		if code == protocol.ErrDisksOrphaned {
			r.Data = data
		}
		return r
	}
	r := result(base.ReqID)
	r.OK = true
	r.Data = data
	return r
}

// network resolves the network a storage request addresses, consulting
// the marker cache before asking the engine.
func (s *Server) network(at topology.Location) (topology.NetworkID, error) {
	if !s.markers.IsMarked(at, guard.AnyRole) {
		return "", fmt.Errorf("%w: %s", topology.ErrNotPartOfNetwork, at)
	}
	return s.eng.Resolve(at)
}

func (s *Server) cooldown(ctx context.Context, id topology.NetworkID) error {
	actor := engine.ActorFrom(ctx)
	if !s.cool.Allow(actor, id) {
		return fmt.Errorf("%w: %s on %s, retry in %s", errRateLimited, actor, id, s.cool.Remaining(actor, id))
	}
	return nil
}

func (s *Server) handleStore(ctx context.Context, raw []byte) (any, error) {
	var m protocol.StoreMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	id, err := s.network(m.At)
	if err != nil {
		return nil, err
	}
	if err := s.cooldown(ctx, id); err != nil {
		return nil, err
	}

	all := make([]engine.ItemStack, len(m.Items))
	descs := make([]item.Descriptor, len(m.Items))
	for i, st := range m.Items {
		all[i] = engine.ItemStack{Descriptor: st.Item, Quantity: st.Quantity}
		descs[i] = st.Item
	}
	allowed, denied := s.deny.Partition(descs)
	var rem []engine.Remainder
	for _, i := range denied {
		rem = append(rem, engine.Remainder{Index: i, Descriptor: all[i].Descriptor, Quantity: all[i].Quantity, Reason: filter.ErrDenied})
	}
	if len(allowed) > 0 {
		req := make([]engine.ItemStack, len(allowed))
		for j, i := range allowed {
			req[j] = all[i]
		}
		got, err := s.eng.StoreItems(ctx, id, req)
		if err != nil {
			return nil, err
		}
		for _, r := range got {
			r.Index = allowed[r.Index]
			rem = append(rem, r)
		}
	}
	return protocol.NewStoreResult(all, rem), nil
}

func (s *Server) handleRetrieve(ctx context.Context, raw []byte) (any, error) {
	var m protocol.RetrieveMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	var h item.ContentHash
	switch {
	case m.Hash != "":
		var err error
		if h, err = item.ParseContentHash(m.Hash); err != nil {
			return nil, badRequest(err)
		}
	case m.Item != nil:
		h = item.Hash(*m.Item)
	default:
		return nil, badRequest(errors.New("hash or item required"))
	}
	id, err := s.network(m.At)
	if err != nil {
		return nil, err
	}
	if err := s.cooldown(ctx, id); err != nil {
		return nil, err
	}
	got, err := s.eng.RetrieveItems(ctx, id, h, m.Quantity)
	if err != nil {
		return nil, err
	}
	return protocol.RetrieveResult{Hash: string(got.Hash), Item: got.Descriptor, Retrieved: got.Retrieved}, nil
}

func (s *Server) handleQuery(ctx context.Context, raw []byte) (any, error) {
	var m protocol.QueryMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	id, err := s.network(m.At)
	if err != nil {
		return nil, err
	}
	items, err := s.eng.QueryNetworkItems(ctx, id)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []engine.StoredItem{}
	}
	return protocol.QueryResult{Network: string(id), Items: items}, nil
}

func (s *Server) handleBlockAdded(ctx context.Context, raw []byte) (any, error) {
	var m protocol.BlockAddedMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	role, err := topology.ParseRole(m.Role)
	if err != nil {
		return nil, err
	}
	res, err := s.eng.BlockAdded(ctx, m.At, role)
	if err != nil {
		return nil, err
	}
	return protocol.NewTopologyResult(res), nil
}

// handleBlockRemoved reports orphaned disks as a failure code while still
// carrying the change: the block is gone either way.
func (s *Server) handleBlockRemoved(ctx context.Context, raw []byte) (any, error) {
	var m protocol.BlockRemovedMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	res, err := s.eng.BlockRemoved(ctx, m.At)
	if _, orphaned := engine.IsOrphaned(err); err != nil && !orphaned {
		return nil, err
	}
	if _, rerr := s.reg.RemoveAt(ctx, m.At); rerr != nil {
		s.log.Printf("remove agent at %s: %v", m.At, rerr)
	}
	s.boxes.Drop(m.At)
	return protocol.NewTopologyResult(res), err
}

func (s *Server) handleDiskInsert(ctx context.Context, raw []byte) (any, error) {
	var m protocol.DiskInsertMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	if !s.markers.IsMarked(m.Bay, topology.RoleDriveBay) {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotDriveBay, m.Bay)
	}
	if err := s.eng.InsertDisk(ctx, m.Bay, m.Slot, m.DiskID); err != nil {
		return nil, err
	}
	return s.eng.DiskInfo(m.DiskID)
}

func (s *Server) handleDiskEject(ctx context.Context, raw []byte) (any, error) {
	var m protocol.DiskEjectMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	if !s.markers.IsMarked(m.Bay, topology.RoleDriveBay) {
		return nil, fmt.Errorf("%w: %s", engine.ErrNotDriveBay, m.Bay)
	}
	return s.eng.EjectDisk(ctx, m.Bay, m.Slot)
}

func (s *Server) handleDiskInfo(_ context.Context, raw []byte) (any, error) {
	var m protocol.DiskInfoMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	return s.eng.DiskInfo(m.DiskID)
}

func (s *Server) handleAgentRegister(ctx context.Context, raw []byte) (any, error) {
	var m protocol.AgentRegisterMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	kind, err := agents.ParseKind(m.Kind)
	if err != nil {
		return nil, badRequest(err)
	}
	a, err := s.reg.Register(ctx, kind, m.At, m.Target)
	if err != nil {
		return nil, err
	}
	s.boxes.Ensure(m.Target)
	return a, nil
}

func (s *Server) handleAgentConfigure(ctx context.Context, raw []byte) (any, error) {
	var m protocol.AgentConfigureMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	a, ok := s.reg.At(m.At)
	if !ok {
		return nil, fmt.Errorf("%w: at %s", agents.ErrUnknownAgent, m.At)
	}
	var err error
	if m.Filters != nil {
		hs := make([]item.ContentHash, 0, len(*m.Filters))
		for _, f := range *m.Filters {
			hs = append(hs, item.ContentHash(f))
		}
		if a, err = s.reg.SetFilters(ctx, a.ID, hs); err != nil {
			return nil, err
		}
	}
	if m.Enabled != nil {
		if a, err = s.reg.SetEnabled(ctx, a.ID, *m.Enabled); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (s *Server) handleAgentRemove(ctx context.Context, raw []byte) (any, error) {
	var m protocol.AgentRemoveMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	ok, err := s.reg.RemoveAt(ctx, m.At)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: at %s", agents.ErrUnknownAgent, m.At)
	}
	return nil, nil
}

func toStacks(in []engine.ItemStack) []protocol.Stack {
	out := make([]protocol.Stack, len(in))
	for i, st := range in {
		out[i] = protocol.Stack{Item: st.Descriptor, Quantity: st.Quantity}
	}
	return out
}

func (s *Server) handleContainerSet(_ context.Context, raw []byte) (any, error) {
	var m protocol.ContainerSetMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	stacks := make([]engine.ItemStack, len(m.Items))
	for i, st := range m.Items {
		stacks[i] = engine.ItemStack{Descriptor: st.Item, Quantity: st.Quantity}
	}
	c := s.boxes.Ensure(m.At)
	c.Reset(m.Capacity, stacks)
	return protocol.ContainerResult{Capacity: c.Capacity(), Items: toStacks(c.Contents())}, nil
}

func (s *Server) handleContainerGet(_ context.Context, raw []byte) (any, error) {
	var m protocol.ContainerGetMsg
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, badRequest(err)
	}
	c, ok := s.boxes.At(m.At)
	if !ok {
		return nil, fmt.Errorf("%w: no container at %s", engine.ErrBadRequest, m.At)
	}
	mc := c.(*agents.MemContainer)
	return protocol.ContainerResult{Capacity: mc.Capacity(), Items: toStacks(mc.Contents())}, nil
}
