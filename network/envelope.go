package network

import (
	"fmt"

	"github.com/google/uuid"
)

// RoutedMessage is the envelope carried inside Data payloads.
type RoutedMessage struct {
	Payload     []byte    `json:"original_message"`
	Source      uuid.UUID `json:"source_node"`
	Destination uuid.UUID `json:"destination_node"`
	HopCount    uint32    `json:"hop_count"`
	MaxHops     uint32    `json:"max_hops"`
	RouteID     uuid.UUID `json:"route_id"`
}

// NewRoutedMessage creates an envelope with a fresh route id and zero hops.
func NewRoutedMessage(payload []byte, source, destination uuid.UUID, maxHops uint32) RoutedMessage {
	return RoutedMessage{
		Payload:     payload,
		Source:      source,
		Destination: destination,
		MaxHops:     maxHops,
		RouteID:     uuid.New(),
	}
}

// Expired reports whether the envelope has used up its hop budget.
func (r RoutedMessage) Expired() bool {
	return r.HopCount >= r.MaxHops
}

// ToMessage wraps the envelope in a Data message.
func (r RoutedMessage) ToMessage() (Message, error) {
	return NewMessage(Data, r)
}

// RoutedMessageFromMessage extracts the envelope of a Data message.
func RoutedMessageFromMessage(msg Message) (RoutedMessage, error) {
	if msg.Type != Data {
		return RoutedMessage{}, fmt.Errorf("%w: %s is not a data message", ErrMalformedMessage, msg.Type)
	}
	var env RoutedMessage
	if err := msg.DecodePayload(&env); err != nil {
		return RoutedMessage{}, err
	}
	if env.RouteID == uuid.Nil || env.Destination == uuid.Nil {
		return RoutedMessage{}, fmt.Errorf("%w: envelope missing route or destination id", ErrMalformedMessage)
	}
	if env.HopCount > env.MaxHops {
		return RoutedMessage{}, fmt.Errorf("%w: hop_count %d exceeds max_hops %d", ErrMalformedMessage, env.HopCount, env.MaxHops)
	}
	return env, nil
}
