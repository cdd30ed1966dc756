package api

import (
	"time"

	"github.com/VanDung-dev/HieraMesh/peer"
	"github.com/VanDung-dev/HieraMesh/routing"
)

// Empty is the request of parameterless calls.
type Empty struct{}

// SendRequest asks the node to route a payload.
type SendRequest struct {
	Destination string `json:"destination"`
	Payload     []byte `json:"payload"`
	MaxHops     uint32 `json:"max_hops,omitempty"`
}

// SendResponse reports what the local router did with the payload.
type SendResponse struct {
	RouteID string `json:"route_id"`
	Outcome string `json:"outcome"`
}

// RouteEntry is one routing table row.
type RouteEntry struct {
	Destination string    `json:"destination"`
	NextHop     string    `json:"next_hop"`
	Distance    uint32    `json:"distance"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// RoutingSnapshotResponse lists the routing table.
type RoutingSnapshotResponse struct {
	Routes []RouteEntry `json:"routes"`
}

// PeerEntry is one directory row.
type PeerEntry struct {
	Addr         string    `json:"addr"`
	NodeID       string    `json:"node_id,omitempty"`
	Name         string    `json:"name,omitempty"`
	State        string    `json:"state"`
	LastActivity time.Time `json:"last_activity"`
}

// PeerStatsResponse counts peers by state and lists them.
type PeerStatsResponse struct {
	Stats peer.Stats  `json:"stats"`
	Peers []PeerEntry `json:"peers"`
}

// ConnectRequest asks the node to handshake with an address.
type ConnectRequest struct {
	Addr string `json:"addr"`
	// Wait blocks until the handshake request is acknowledged.
	Wait bool `json:"wait,omitempty"`
}

// ConnectResponse reports the handshake start.
type ConnectResponse struct {
	AlreadyAuthenticated bool `json:"already_authenticated,omitempty"`
	Acknowledged         bool `json:"acknowledged,omitempty"`
}

// ExportResponse carries Arrow IPC streams of the routing table and peers.
type ExportResponse struct {
	Routes []byte `json:"routes"`
	Peers  []byte `json:"peers"`
}

// HealthResponse reports node liveness.
type HealthResponse struct {
	Healthy       bool   `json:"healthy"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	NodeID        string `json:"node_id"`
}

func routeEntries(routes []routing.Route) []RouteEntry {
	out := make([]RouteEntry, 0, len(routes))
	for _, r := range routes {
		out = append(out, RouteEntry{
			Destination: r.Destination.String(),
			NextHop:     r.NextHop.String(),
			Distance:    r.Distance,
			UpdatedAt:   r.UpdatedAt,
		})
	}
	return out
}

func peerEntries(peers []peer.Peer) []PeerEntry {
	out := make([]PeerEntry, 0, len(peers))
	for _, p := range peers {
		e := PeerEntry{
			Addr:         p.Addr,
			Name:         p.Name,
			State:        p.State.String(),
			LastActivity: p.LastActivity,
		}
		if p.IsAuthenticated() {
			e.NodeID = p.NodeID.String()
		}
		out = append(out, e)
	}
	return out
}
