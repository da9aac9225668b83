package protocol

import (
	"time"

	"github.com/EternisAI/remote-control/internal/command"
)

type MessageType uint8

const (
	TypeHello        MessageType = 1
	TypeAuth         MessageType = 2
	TypeAuthOK       MessageType = 3
	TypeRequest      MessageType = 4
	TypeResult       MessageType = 5
	TypeHeartbeat    MessageType = 6
	TypeHeartbeatAck MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case TypeHello:
		return "HELLO"
	case TypeAuth:
		return "AUTH"
	case TypeAuthOK:
		return "AUTH_OK"
	case TypeRequest:
		return "REQUEST"
	case TypeResult:
		return "RESULT"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeHeartbeatAck:
		return "HEARTBEAT_ACK"
	default:
		return "UNKNOWN"
	}
}

// Message is any frame payload. CorrelationID is the request id carried in
// the frame header; handshake frames use 0.
type Message interface {
	Type() MessageType
	CorrelationID() uint32
}

// Hello is the agent's challenge, sent right after the transport is up.
type Hello struct {
	Nonce      string
	AgentName  string
	ServerTime time.Time
}

// Auth answers a Hello with a signed token bound to the nonce.
type Auth struct {
	ClientID string
	Token    string
}

// AuthOK marks the connection authenticated.
type AuthOK struct {
	SessionID string
	AgentName string
}

type CommandRequest struct {
	command.Request
}

type CommandResult struct {
	command.Result
}

type Heartbeat struct {
	Seq uint32
}

type HeartbeatAck struct {
	Seq uint32
}

func (*Hello) Type() MessageType          { return TypeHello }
func (*Auth) Type() MessageType           { return TypeAuth }
func (*AuthOK) Type() MessageType         { return TypeAuthOK }
func (*CommandRequest) Type() MessageType { return TypeRequest }
func (*CommandResult) Type() MessageType  { return TypeResult }
func (*Heartbeat) Type() MessageType      { return TypeHeartbeat }
func (*HeartbeatAck) Type() MessageType   { return TypeHeartbeatAck }

func (*Hello) CorrelationID() uint32            { return 0 }
func (*Auth) CorrelationID() uint32             { return 0 }
func (*AuthOK) CorrelationID() uint32           { return 0 }
func (m *CommandRequest) CorrelationID() uint32 { return m.ID }
func (m *CommandResult) CorrelationID() uint32  { return m.RequestID }
func (m *Heartbeat) CorrelationID() uint32      { return m.Seq }
func (m *HeartbeatAck) CorrelationID() uint32   { return m.Seq }
