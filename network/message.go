package network

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType is the closed set of message kinds carried on the wire.
type MessageType uint8

const (
	HandshakeRequest MessageType = iota + 1
	HandshakeResponse
	Ping
	Pong
	DiscoveryRequest
	DiscoveryResponse
	Data
	Disconnect
	Error
	Ack
	Retransmit
)

var messageTypeNames = map[MessageType]string{
	HandshakeRequest:  "HandshakeRequest",
	HandshakeResponse: "HandshakeResponse",
	Ping:              "Ping",
	Pong:              "Pong",
	DiscoveryRequest:  "DiscoveryRequest",
	DiscoveryResponse: "DiscoveryResponse",
	Data:              "Data",
	Disconnect:        "Disconnect",
	Error:             "Error",
	Ack:               "Ack",
	Retransmit:        "Retransmit",
}

var messageTypeByName = func() map[string]MessageType {
	m := make(map[string]MessageType, len(messageTypeNames))
	for t, name := range messageTypeNames {
		m[name] = t
	}
	return m
}()

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	_, ok := messageTypeNames[t]
	return ok
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(%d)", uint8(t))
}

// MarshalText encodes the type by name.
func (t MessageType) MarshalText() ([]byte, error) {
	name, ok := messageTypeNames[t]
	if !ok {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, uint8(t))
	}
	return []byte(name), nil
}

// UnmarshalText decodes a type name, rejecting anything outside the enumeration.
func (t *MessageType) UnmarshalText(text []byte) error {
	v, ok := messageTypeByName[string(text)]
	if !ok {
		return fmt.Errorf("%w: unknown message type %q", ErrMalformedMessage, text)
	}
	*t = v
	return nil
}

// Message is the unit exchanged between peers.
type Message struct {
	ID             uuid.UUID       `json:"id"`
	Type           MessageType     `json:"message_type"`
	Timestamp      int64           `json:"timestamp"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	SenderAddress  string          `json:"sender_address,omitempty"`
	SequenceNumber uint32          `json:"sequence_number"`
	RequiresAck    bool            `json:"requires_ack"`
	AckFor         *uint32         `json:"ack_for,omitempty"`
}

// NewMessage creates a message of the given type. A nil payload is sent as null.
func NewMessage(t MessageType, payload any) (Message, error) {
	msg := Message{
		ID:        uuid.New(),
		Type:      t,
		Timestamp: time.Now().Unix(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("failed to marshal %s payload: %w", t, err)
		}
		msg.Payload = raw
	}
	return msg, nil
}

// NewAck creates an acknowledgement for the given sequence number.
func NewAck(seq uint32) Message {
	ackFor := seq
	return Message{
		ID:        uuid.New(),
		Type:      Ack,
		Timestamp: time.Now().Unix(),
		AckFor:    &ackFor,
	}
}

// NewErrorMessage creates an Error message carrying a reason string.
func NewErrorMessage(reason string) Message {
	msg, _ := NewMessage(Error, ErrorPayload{Error: reason})
	return msg
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v any) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformedMessage, m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedMessage, m.Type, err)
	}
	return nil
}

// Validate checks the structural rules of a decoded message.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown message type %d", ErrMalformedMessage, uint8(m.Type))
	}
	if m.ID == uuid.Nil {
		return fmt.Errorf("%w: missing message id", ErrMalformedMessage)
	}
	if (m.Type == Ack) != (m.AckFor != nil) {
		return fmt.Errorf("%w: ack_for must be set only on Ack messages", ErrMalformedMessage)
	}
	if m.Type == Ack && m.RequiresAck {
		return fmt.Errorf("%w: Ack cannot require an ack", ErrMalformedMessage)
	}
	if m.RequiresAck && m.SequenceNumber == 0 {
		return fmt.Errorf("%w: reliable message without sequence number", ErrMalformedMessage)
	}
	return nil
}

// ErrorPayload is the payload of an Error message.
type ErrorPayload struct {
	Error string `json:"error"`
}

// DisconnectPayload is the payload of a Disconnect message.
type DisconnectPayload struct {
	Reason string `json:"reason"`
}

// RetransmitPayload asks the receiver to resend a pending sequence number.
type RetransmitPayload struct {
	SequenceNumber uint32 `json:"sequence_number"`
}
