package replication

import (
	"fmt"
	"time"

	"github.com/mdheller/hyperdrive/pkg/codec"
	"github.com/mdheller/hyperdrive/pkg/merkle"
)

// MessageType represents the type of replication message
type MessageType uint8

const (
	// Control messages
	MsgHandshake MessageType = iota + 1
	MsgHave
	MsgClose

	// Block transfer
	MsgRequest
	MsgData
	MsgNoData

	// Error messages
	MsgError
)

func (t MessageType) String() string {
	switch t {
	case MsgHandshake:
		return "handshake"
	case MsgHave:
		return "have"
	case MsgClose:
		return "close"
	case MsgRequest:
		return "request"
	case MsgData:
		return "data"
	case MsgNoData:
		return "no_data"
	case MsgError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is the envelope every frame carries.
type Message struct {
	Type      MessageType `cbor:"1,keyasint"`
	Timestamp int64       `cbor:"2,keyasint"`
	Data      []byte      `cbor:"3,keyasint,omitempty"`
}

// NewMessage creates a new message with the given type and payload
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	var data []byte
	if payload != nil {
		var err error
		data, err = codec.Marshal(payload)
		if err != nil {
			return nil, err
		}
	}
	return &Message{
		Type:      msgType,
		Timestamp: time.Now().Unix(),
		Data:      data,
	}, nil
}

// Decode decodes the payload into v
func (m *Message) Decode(v any) error {
	return codec.Unmarshal(m.Data, v)
}

// Marshal encodes the whole envelope for a transport frame.
func (m *Message) Marshal() ([]byte, error) {
	return codec.Marshal(m)
}

// ParseMessage decodes a transport frame.
func ParseMessage(frame []byte) (*Message, error) {
	var m Message
	if err := codec.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("decoding message: %w", err)
	}
	if m.Type == 0 {
		return nil, fmt.Errorf("decoding message: missing type")
	}
	return &m, nil
}

// Range is a half-open run of block indexes [Start, End).
type Range struct {
	Start uint64 `cbor:"1,keyasint"`
	End   uint64 `cbor:"2,keyasint"`
}

// FeedState describes one feed in a handshake.
type FeedState struct {
	ID   string       `cbor:"1,keyasint"`
	Head *merkle.Head `cbor:"2,keyasint,omitempty"`
	Have []Range      `cbor:"3,keyasint,omitempty"`
}

// Handshake is the first message each side sends.
type Handshake struct {
	Session string      `cbor:"1,keyasint"`
	Version string      `cbor:"2,keyasint"`
	Sparse  bool        `cbor:"3,keyasint,omitempty"`
	Feeds   []FeedState `cbor:"4,keyasint"`
}

// HaveMessage announces newly available blocks and, when the feed grew, the
// head covering them.
type HaveMessage struct {
	Feed string       `cbor:"1,keyasint"`
	Head *merkle.Head `cbor:"2,keyasint,omitempty"`
	Have []Range      `cbor:"3,keyasint,omitempty"`
}

// RequestMessage asks for one block.
type RequestMessage struct {
	ID    uint64 `cbor:"1,keyasint"`
	Feed  string `cbor:"2,keyasint"`
	Index uint64 `cbor:"3,keyasint"`
}

// DataMessage answers a request with the block and its inclusion proof.
type DataMessage struct {
	ID    uint64       `cbor:"1,keyasint"`
	Feed  string       `cbor:"2,keyasint"`
	Index uint64       `cbor:"3,keyasint"`
	Data  []byte       `cbor:"4,keyasint"`
	Proof merkle.Proof `cbor:"5,keyasint"`
}

// NoDataMessage answers a request the peer cannot serve.
type NoDataMessage struct {
	ID     uint64 `cbor:"1,keyasint"`
	Feed   string `cbor:"2,keyasint"`
	Index  uint64 `cbor:"3,keyasint"`
	Reason string `cbor:"4,keyasint,omitempty"`
}

// ErrorMessage reports errors
type ErrorMessage struct {
	Code    string `cbor:"1,keyasint"`
	Message string `cbor:"2,keyasint"`
	Fatal   bool   `cbor:"3,keyasint,omitempty"`
}

// ProtocolVersion is sent in every handshake.
const ProtocolVersion = "hyperdrive/1"
