package ws

import "github.com/coderace/backend/internal/session"

type MessageType string

// Inbound message types.
const (
	MsgJoinOrCreate   MessageType = "joinOrCreate"
	MsgJoin           MessageType = "join"
	MsgReportProgress MessageType = "reportProgress"
	MsgHeartbeat      MessageType = "heartbeat"
)

// Outbound message types not produced by the session package.
const (
	MsgError MessageType = "error"
	MsgPong  MessageType = "pong"
)

// Older clients still send these names.
var legacyTypes = map[MessageType]MessageType{
	"joinOrCreateRace": MsgJoinOrCreate,
	"joinRace":         MsgJoin,
	"progress":         MsgReportProgress,
	"ping":             MsgHeartbeat,
}

func (t MessageType) canonical() MessageType {
	if c, ok := legacyTypes[t]; ok {
		return c
	}
	return t
}

// Inbound is any client message. Fields a type does not use are ignored.
type Inbound struct {
	Type      MessageType   `json:"type"`
	RequestID string        `json:"requestId,omitempty"`
	User      *session.User `json:"user,omitempty"`
	RaceID    string        `json:"raceId,omitempty"`
	Progress  *int          `json:"progress,omitempty"`
	T         int64         `json:"t,omitempty"`
}

type ErrorMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	Error     string      `json:"error"`
}

// PongMessage answers a heartbeat with this server's id and clock, in Unix
// milliseconds.
type PongMessage struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"requestId"`
	ServerID  string      `json:"serverId"`
	T         int64       `json:"t"`
}
