package network

import (
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Version is the protocol version advertised in handshakes.
const Version = "0.1.0"

// Default capabilities advertised by every node.
var DefaultCapabilities = []string{"handshake", "discovery", "data_transfer"}

// NodeInfo describes a node during the handshake.
type NodeInfo struct {
	ID           uuid.UUID         `json:"id"`
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	ListenAddr   string            `json:"listen_addr"`
	Capabilities []string          `json:"capabilities"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	NetworkID    string            `json:"network_id"`
}

// NewNodeInfo creates a NodeInfo with a fresh id and the default capabilities.
func NewNodeInfo(name, listenAddr, networkID string) NodeInfo {
	return NodeInfo{
		ID:           uuid.New(),
		Name:         name,
		Version:      Version,
		ListenAddr:   listenAddr,
		Capabilities: slices.Clone(DefaultCapabilities),
		Metadata:     make(map[string]string),
		NetworkID:    networkID,
	}
}

// AddCapability adds a capability if it is not already present.
func (n *NodeInfo) AddCapability(c string) {
	if !slices.Contains(n.Capabilities, c) {
		n.Capabilities = append(n.Capabilities, c)
	}
}

// SetMetadata sets a metadata key.
func (n *NodeInfo) SetMetadata(key, value string) {
	if n.Metadata == nil {
		n.Metadata = make(map[string]string)
	}
	n.Metadata[key] = value
}

// Clone returns a deep copy.
func (n NodeInfo) Clone() NodeInfo {
	out := n
	out.Capabilities = slices.Clone(n.Capabilities)
	if n.Metadata != nil {
		out.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Validate checks the fields a handshake requires.
func (n NodeInfo) Validate() error {
	if n.ID == uuid.Nil {
		return errors.New("node id is required")
	}
	if n.Name == "" {
		return errors.New("node name is required")
	}
	if n.Version == "" {
		return errors.New("node version is required")
	}
	return nil
}

// HandshakeReply is the payload of a HandshakeResponse message.
type HandshakeReply struct {
	NodeInfo     NodeInfo `json:"node_info"`
	Success      bool     `json:"success"`
	ErrorMessage string   `json:"error_message,omitempty"`
}

// PeerInfo is one entry of a DiscoveryResponse.
type PeerInfo struct {
	ID           uuid.UUID `json:"id"`
	Addr         string    `json:"addr"`
	LastSeen     int64     `json:"last_seen"`
	Capabilities []string  `json:"capabilities,omitempty"`
}

// NewPeerInfo creates a PeerInfo stamped with the given time.
func NewPeerInfo(id uuid.UUID, addr string, lastSeen time.Time, capabilities []string) PeerInfo {
	return PeerInfo{
		ID:           id,
		Addr:         addr,
		LastSeen:     lastSeen.Unix(),
		Capabilities: slices.Clone(capabilities),
	}
}

// DiscoveryReply is the payload of a DiscoveryResponse message.
type DiscoveryReply struct {
	Peers []PeerInfo `json:"peers"`
}
