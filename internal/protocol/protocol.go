package protocol

import "encoding/json"

const Version = "1.0"

// Message types.
const (
	TypeHello   = "HELLO"
	TypeWelcome = "WELCOME"
	TypeResult  = "RESULT"

	TypeStore        = "STORE"
	TypeRetrieve     = "RETRIEVE"
	TypeQuery        = "QUERY"
	TypeBlockAdded   = "BLOCK_ADDED"
	TypeBlockRemoved = "BLOCK_REMOVED"
	TypeDiskInsert   = "DISK_INSERT"
	TypeDiskEject    = "DISK_EJECT"
	TypeDiskInfo     = "DISK_INFO"

	TypeAgentRegister  = "AGENT_REGISTER"
	TypeAgentConfigure = "AGENT_CONFIGURE"
	TypeAgentRemove    = "AGENT_REMOVE"
	TypeContainerSet   = "CONTAINER_SET"
	TypeContainerGet   = "CONTAINER_GET"
)

// RequestTypes lists every client request answered by a RESULT.
var RequestTypes = []string{
	TypeStore,
	TypeRetrieve,
	TypeQuery,
	TypeBlockAdded,
	TypeBlockRemoved,
	TypeDiskInsert,
	TypeDiskEject,
	TypeDiskInfo,
	TypeAgentRegister,
	TypeAgentConfigure,
	TypeAgentRemove,
	TypeContainerSet,
	TypeContainerGet,
}

// RateLimited reports whether a request type is a player storage operation
// subject to the per (actor, network) cooldown.
func RateLimited(typ string) bool {
	return typ == TypeStore || typ == TypeRetrieve
}

// BaseMessage lets us route unknown JSON messages by type.
type BaseMessage struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version,omitempty"`
	ReqID           string `json:"req_id,omitempty"`
}

func DecodeBase(b []byte) (BaseMessage, error) {
	var m BaseMessage
	err := json.Unmarshal(b, &m)
	return m, err
}
