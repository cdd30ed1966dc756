// Package peer tracks the remote endpoints a node talks to.
//
// Peers are keyed by transport address and, once a handshake has
// completed, also by logical node id.
package peer

import (
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/VanDung-dev/HieraMesh/reliability"
)

// State is the lifecycle state of a peer.
type State uint8

const (
	Discovered State = iota
	HandshakeInitiated
	Authenticated
	Disconnected
)

var stateNames = [...]string{
	Discovered:         "discovered",
	HandshakeInitiated: "handshake_initiated",
	Authenticated:      "authenticated",
	Disconnected:       "disconnected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Peer is a copy of one directory entry.
type Peer struct {
	Addr         string            `json:"addr"`
	NodeID       uuid.UUID         `json:"node_id"`
	Name         string            `json:"name,omitempty"`
	Version      string            `json:"version,omitempty"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	State        State             `json:"state"`
	LastActivity time.Time         `json:"last_activity"`
	CreatedAt    time.Time         `json:"created_at"`

	// Engine is the reliability state owned by this entry. Copies share it.
	Engine *reliability.Engine `json:"-"`
}

// IsAuthenticated reports whether the peer completed a handshake.
func (p Peer) IsAuthenticated() bool {
	return p.State == Authenticated
}

func (p *Peer) clone() Peer {
	out := *p
	out.Capabilities = slices.Clone(p.Capabilities)
	if p.Metadata != nil {
		out.Metadata = maps.Clone(p.Metadata)
	}
	return out
}
