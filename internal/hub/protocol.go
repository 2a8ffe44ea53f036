package hub

import (
	"encoding/json"

	"github.com/pulseai/pulsehub/internal/models"
)

// MessageType is the "type" discriminator of a data-channel message.
type MessageType string

const (
	TypeHello     MessageType = "hello"
	TypeJoin      MessageType = "join"
	TypeLeave     MessageType = "leave"
	TypeSend      MessageType = "send"
	TypeBroadcast MessageType = "broadcast"
	TypePing      MessageType = "ping"
	TypeMetrics   MessageType = "metrics"
	TypeData      MessageType = "data"

	TypeWelcome  MessageType = "welcome"
	TypeHelloAck MessageType = "hello_ack"
	TypeJoinAck  MessageType = "join_ack"
	TypeLeaveAck MessageType = "leave_ack"
	TypeRelay    MessageType = "relay"
	TypePong     MessageType = "pong"
	TypeError    MessageType = "error"
	TypeDataAck  MessageType = "data_ack"
	TypeAnomaly  MessageType = "anomaly"
)

// Message is one decoded inbound message. The set of implementations is closed.
type Message interface {
	Kind() MessageType
	inbound()
}

type Hello struct {
	Role string          `json:"role"`
	Meta json.RawMessage `json:"meta,omitempty"`
}

type Join struct {
	Room string `json:"room"`
}

type Leave struct {
	Room string `json:"room"`
}

type Send struct {
	To      string          `json:"to"`
	Payload json.RawMessage `json:"payload"`
}

type Broadcast struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

type Ping struct {
	TS json.RawMessage `json:"ts"`
}

// Metrics is a telemetry sample; AgentID defaults to the sender's client id.
type Metrics struct {
	AgentID string `json:"agent_id"`
	models.MetricSample
}

// Data carries a legacy capitalised sample in Payload.
type Data struct {
	Payload json.RawMessage `json:"payload"`
	TS      json.RawMessage `json:"ts"`
}

// Unrecognized stands in for anything that is not a known message.
type Unrecognized struct {
	Type   string
	Reason string
}

func (Hello) Kind() MessageType        { return TypeHello }
func (Join) Kind() MessageType         { return TypeJoin }
func (Leave) Kind() MessageType        { return TypeLeave }
func (Send) Kind() MessageType         { return TypeSend }
func (Broadcast) Kind() MessageType    { return TypeBroadcast }
func (Ping) Kind() MessageType         { return TypePing }
func (Metrics) Kind() MessageType      { return TypeMetrics }
func (Data) Kind() MessageType         { return TypeData }
func (Unrecognized) Kind() MessageType { return "unrecognized" }

func (Hello) inbound()        {}
func (Join) inbound()         {}
func (Leave) inbound()        {}
func (Send) inbound()         {}
func (Broadcast) inbound()    {}
func (Ping) inbound()         {}
func (Metrics) inbound()      {}
func (Data) inbound()         {}
func (Unrecognized) inbound() {}

// Decode parses one raw message. It never fails: malformed input yields Unrecognized.
func Decode(raw []byte) Message {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Unrecognized{Reason: "invalid json"}
	}

	switch MessageType(envelope.Type) {
	case TypeHello:
		return decodeAs[Hello](raw, envelope.Type)
	case TypeJoin:
		return decodeAs[Join](raw, envelope.Type)
	case TypeLeave:
		return decodeAs[Leave](raw, envelope.Type)
	case TypeSend:
		return decodeAs[Send](raw, envelope.Type)
	case TypeBroadcast:
		return decodeAs[Broadcast](raw, envelope.Type)
	case TypePing:
		return decodeAs[Ping](raw, envelope.Type)
	case TypeMetrics:
		return decodeAs[Metrics](raw, envelope.Type)
	case TypeData:
		return decodeAs[Data](raw, envelope.Type)
	case "":
		return Unrecognized{Reason: "missing type"}
	default:
		return Unrecognized{Type: envelope.Type, Reason: "unknown type"}
	}
}

func decodeAs[T Message](raw []byte, msgType string) Message {
	var msg T
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Unrecognized{Type: msgType, Reason: "invalid " + msgType + " message"}
	}
	return msg
}

// Outbound messages.

type Welcome struct {
	Type     MessageType `json:"type"`
	ClientID string      `json:"client_id"`
	Mode     string      `json:"mode"`
}

type HelloAck struct {
	Type MessageType `json:"type"`
	Role string      `json:"role"`
}

type RoomAck struct {
	Type MessageType `json:"type"`
	Room string      `json:"room"`
}

type Relay struct {
	Type    MessageType     `json:"type"`
	From    string          `json:"from"`
	Room    string          `json:"room,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

type Pong struct {
	Type MessageType     `json:"type"`
	TS   json.RawMessage `json:"ts"`
}

type ErrorMessage struct {
	Type  MessageType `json:"type"`
	Error string      `json:"error"`
}

type DataAck struct {
	Type MessageType     `json:"type"`
	TS   json.RawMessage `json:"ts"`
}

type AnomalyMessage struct {
	Type MessageType `json:"type"`
	models.AnomalyEvent
}

type MetricsMessage struct {
	Type    MessageType `json:"type"`
	AgentID string      `json:"agent_id"`
	models.MetricSample
}
