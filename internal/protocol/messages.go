package protocol

import (
	"mss.voxelcraft.ai/internal/engine"
	"mss.voxelcraft.ai/internal/item"
	"mss.voxelcraft.ai/internal/topology"
)

// HELLO (client -> server)
type HelloMsg struct {
	Type            string     `json:"type"`
	ProtocolVersion string     `json:"protocol_version"`
	ClientName      string     `json:"client_name"`
	Auth            *HelloAuth `json:"auth,omitempty"`
}

type HelloAuth struct {
	Token string `json:"token,omitempty"`
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	SessionID       string `json:"session_id"`
	Limits          Limits `json:"limits"`
}

type Limits struct {
	MaxNetworkBlocks    int `json:"max_network_blocks"`
	OperationCooldownMs int `json:"operation_cooldown_ms"`
	DriveBaySlots       int `json:"drive_bay_slots"`
	MaxAgentFilters     int `json:"max_agent_filters"`
}

// Request is the envelope shared by every client request. Actor names the
// player on whose behalf the plugin acts; it keys cooldowns and audit.
type Request struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id"`
	Actor           string `json:"actor,omitempty"`
}

type Stack struct {
	Item     item.Descriptor `json:"item"`
	Quantity int64           `json:"quantity"`
}

// STORE: offer stacks to the network owning At.
type StoreMsg struct {
	Request
	At    topology.Location `json:"at"`
	Items []Stack           `json:"items"`
}

// RETRIEVE: Hash wins over Item when both are set.
type RetrieveMsg struct {
	Request
	At       topology.Location `json:"at"`
	Hash     string            `json:"hash,omitempty"`
	Item     *item.Descriptor  `json:"item,omitempty"`
	Quantity int64             `json:"quantity"`
}

type QueryMsg struct {
	Request
	At topology.Location `json:"at"`
}

type BlockAddedMsg struct {
	Request
	At   topology.Location `json:"at"`
	Role string            `json:"role"`
}

type BlockRemovedMsg struct {
	Request
	At topology.Location `json:"at"`
}

type DiskInsertMsg struct {
	Request
	Bay    topology.Location `json:"bay"`
	Slot   int               `json:"slot"`
	DiskID string            `json:"disk_id"`
}

type DiskEjectMsg struct {
	Request
	Bay  topology.Location `json:"bay"`
	Slot int               `json:"slot"`
}

type DiskInfoMsg struct {
	Request
	DiskID string `json:"disk_id"`
}

type AgentRegisterMsg struct {
	Request
	At     topology.Location `json:"at"`
	Kind   string            `json:"kind"`
	Target topology.Location `json:"target"`
}

// AGENT_CONFIGURE: nil fields are left unchanged.
type AgentConfigureMsg struct {
	Request
	At      topology.Location `json:"at"`
	Enabled *bool             `json:"enabled,omitempty"`
	Filters *[]string         `json:"filters,omitempty"`
}

type AgentRemoveMsg struct {
	Request
	At topology.Location `json:"at"`
}

// CONTAINER_SET mirrors a world container into the server so agents can
// move items through it.
type ContainerSetMsg struct {
	Request
	At       topology.Location `json:"at"`
	Capacity int64             `json:"capacity"`
	Items    []Stack           `json:"items"`
}

type ContainerGetMsg struct {
	Request
	At topology.Location `json:"at"`
}

// RESULT (server -> client)
type ResultMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ReqID           string `json:"req_id,omitempty"`
	OK              bool   `json:"ok"`
	Code            string `json:"code,omitempty"`
	Message         string `json:"message,omitempty"`
	Data            any    `json:"data,omitempty"`
}

type RemainderOut struct {
	Index    int             `json:"index"`
	Item     item.Descriptor `json:"item"`
	Quantity int64           `json:"quantity"`
	Code     string          `json:"code"`
}

type StoreResult struct {
	Stored     int64          `json:"stored"`
	Remainders []RemainderOut `json:"remainders"`
}

type RetrieveResult struct {
	Hash      string          `json:"hash"`
	Item      item.Descriptor `json:"item"`
	Retrieved int64           `json:"retrieved"`
}

type QueryResult struct {
	Network string              `json:"network"`
	Items   []engine.StoredItem `json:"items"`
}

type TopologyResult struct {
	Kind      string   `json:"kind"`
	Network   string   `json:"network,omitempty"`
	Absorbed  []string `json:"absorbed,omitempty"`
	Created   []string `json:"created,omitempty"`
	Destroyed string   `json:"destroyed,omitempty"`
	Orphaned  []string `json:"orphaned,omitempty"`
	Stranded  []string `json:"stranded,omitempty"`
}

type ContainerResult struct {
	Capacity int64   `json:"capacity"`
	Items    []Stack `json:"items"`
}

func ids(in []topology.NetworkID) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	for i, id := range in {
		out[i] = string(id)
	}
	return out
}

func NewTopologyResult(r engine.TopologyResult) TopologyResult {
	return TopologyResult{
		Kind:      string(r.Change.Kind),
		Network:   string(r.Change.Network),
		Absorbed:  ids(r.Change.Absorbed),
		Created:   ids(r.Change.Created),
		Destroyed: string(r.Change.Destroyed),
		Orphaned:  r.Orphaned,
		Stranded:  r.Stranded,
	}
}

func NewStoreResult(req []engine.ItemStack, rem []engine.Remainder) StoreResult {
	out := StoreResult{Remainders: make([]RemainderOut, 0, len(rem))}
	for _, s := range req {
		out.Stored += s.Quantity
	}
	for _, r := range rem {
		out.Stored -= r.Quantity
		out.Remainders = append(out.Remainders, RemainderOut{
			Index:    r.Index,
			Item:     r.Descriptor,
			Quantity: r.Quantity,
			Code:     CodeFor(r.Reason),
		})
	}
	return out
}
