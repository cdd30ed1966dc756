package peer

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/VanDung-dev/HieraMesh/network"
	"github.com/VanDung-dev/HieraMesh/reliability"
)

// Common errors for directory operations
var (
	ErrDirectoryFull = errors.New("peer directory is full")
	ErrUnknownPeer   = errors.New("unknown peer")
)

// EngineFactory creates the reliability engine for a new peer.
type EngineFactory func(addr string) *reliability.Engine

// Stats counts directory entries by state.
type Stats struct {
	Total              int `json:"total"`
	Discovered         int `json:"discovered"`
	HandshakeInitiated int `json:"handshake_initiated"`
	Authenticated      int `json:"authenticated"`
	Disconnected       int `json:"disconnected"`
}

// AuthResult describes the effect of MarkAuthenticated.
type AuthResult struct {
	Peer Peer
	// Displaced is the entry that previously held the node id at another
	// address, if any. It has been removed and its engine closed.
	Displaced *Peer
	// PreviousNode is the node id this address held before, if it changed.
	PreviousNode uuid.UUID
}

// Directory is the set of known peers indexed by address and node id.
type Directory struct {
	mu     sync.RWMutex
	byAddr map[string]*Peer
	byNode map[uuid.UUID]string

	maxPeers  int
	newEngine EngineFactory
}

// NewDirectory creates a directory holding at most maxPeers entries
// (zero means unbounded). A nil factory uses reliability defaults.
func NewDirectory(maxPeers int, factory EngineFactory) *Directory {
	if factory == nil {
		factory = func(string) *reliability.Engine {
			return reliability.NewEngine(reliability.DefaultConfig(), reliability.Hooks{}, nil)
		}
	}
	return &Directory{
		byAddr:    make(map[string]*Peer),
		byNode:    make(map[uuid.UUID]string),
		maxPeers:  maxPeers,
		newEngine: factory,
	}
}

// createLocked adds a Discovered entry. Caller holds the write lock.
func (d *Directory) createLocked(addr string, now time.Time) (*Peer, error) {
	if d.maxPeers > 0 && len(d.byAddr) >= d.maxPeers {
		return nil, fmt.Errorf("%w: %d peers", ErrDirectoryFull, d.maxPeers)
	}
	p := &Peer{
		Addr:         addr,
		State:        Discovered,
		LastActivity: now,
		CreatedAt:    now,
		Engine:       d.newEngine(addr),
	}
	d.byAddr[addr] = p
	return p, nil
}

// GetOrCreate returns the peer at addr, creating a Discovered entry if needed.
func (d *Directory) GetOrCreate(addr string) (Peer, bool, error) {
	d.mu.RLock()
	if p, ok := d.byAddr[addr]; ok {
		out := p.clone()
		d.mu.RUnlock()
		return out, false, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.byAddr[addr]; ok {
		return p.clone(), false, nil
	}
	p, err := d.createLocked(addr, time.Now())
	if err != nil {
		return Peer{}, false, err
	}
	return p.clone(), true, nil
}

// Upsert sets the state of the peer at addr, creating it if needed.
func (d *Directory) Upsert(addr string, state State) (Peer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.byAddr[addr]
	if !ok {
		var err error
		if p, err = d.createLocked(addr, time.Now()); err != nil {
			return Peer{}, err
		}
	}
	p.State = state
	return p.clone(), nil
}

// Lookup returns the peer at addr.
func (d *Directory) Lookup(addr string) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.byAddr[addr]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

// LookupNode returns the peer currently bound to node id.
func (d *Directory) LookupNode(id uuid.UUID) (Peer, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	addr, ok := d.byNode[id]
	if !ok {
		return Peer{}, false
	}
	p, ok := d.byAddr[addr]
	if !ok {
		return Peer{}, false
	}
	return p.clone(), true
}

// MarkAuthenticated binds info to the peer at addr and marks it
// Authenticated. If the node id was bound to a different address, that entry
// is removed and the identity moves to addr.
func (d *Directory) MarkAuthenticated(addr string, info network.NodeInfo) (AuthResult, error) {
	d.mu.Lock()

	p, ok := d.byAddr[addr]
	if !ok {
		d.mu.Unlock()
		return AuthResult{}, fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}

	var res AuthResult
	var displaced *Peer
	if oldAddr, bound := d.byNode[info.ID]; bound && oldAddr != addr {
		if old, exists := d.byAddr[oldAddr]; exists {
			delete(d.byAddr, oldAddr)
			displaced = old
			copied := old.clone()
			res.Displaced = &copied
		}
	}
	if p.NodeID != uuid.Nil && p.NodeID != info.ID {
		if d.byNode[p.NodeID] == addr {
			delete(d.byNode, p.NodeID)
		}
		res.PreviousNode = p.NodeID
	}

	p.NodeID = info.ID
	p.Name = info.Name
	p.Version = info.Version
	p.Capabilities = slices.Clone(info.Capabilities)
	p.Metadata = maps.Clone(info.Metadata)
	p.State = Authenticated
	p.LastActivity = time.Now()
	d.byNode[info.ID] = addr
	res.Peer = p.clone()
	d.mu.Unlock()

	if displaced != nil {
		displaced.Engine.Close()
	}
	return res, nil
}

// SetState changes the state of the peer at addr.
func (d *Directory) SetState(addr string, state State) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byAddr[addr]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, addr)
	}
	p.State = state
	return nil
}

// Touch records activity from addr at t.
func (d *Directory) Touch(addr string, t time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.byAddr[addr]
	if !ok {
		return false
	}
	if t.After(p.LastActivity) {
		p.LastActivity = t
	}
	return true
}

// Remove deletes the peer at addr and closes its engine.
func (d *Directory) Remove(addr string) (Peer, bool) {
	return d.removeIf(addr, func(*Peer) bool { return true })
}

// RemoveIfInactive removes the entry at addr only if its last activity is
// still before cutoff. The check and the removal happen under one lock, so a
// peer touched since it was listed by Inactive is kept.
func (d *Directory) RemoveIfInactive(addr string, cutoff time.Time) (Peer, bool) {
	return d.removeIf(addr, func(p *Peer) bool { return p.LastActivity.Before(cutoff) })
}

func (d *Directory) removeIf(addr string, cond func(*Peer) bool) (Peer, bool) {
	d.mu.Lock()
	p, ok := d.byAddr[addr]
	if !ok || !cond(p) {
		d.mu.Unlock()
		return Peer{}, false
	}
	delete(d.byAddr, addr)
	if p.NodeID != uuid.Nil && d.byNode[p.NodeID] == addr {
		delete(d.byNode, p.NodeID)
	}
	out := p.clone()
	d.mu.Unlock()

	p.Engine.Close()
	return out, true
}

// Snapshot returns copies of all peers ordered by address.
func (d *Directory) Snapshot() []Peer {
	return d.collect(func(*Peer) bool { return true })
}

// SnapshotAuthenticated returns copies of all Authenticated peers.
func (d *Directory) SnapshotAuthenticated() []Peer {
	return d.collect(func(p *Peer) bool { return p.State == Authenticated })
}

// Inactive returns peers whose last activity is before cutoff.
func (d *Directory) Inactive(cutoff time.Time) []Peer {
	return d.collect(func(p *Peer) bool { return p.LastActivity.Before(cutoff) })
}

func (d *Directory) collect(keep func(*Peer) bool) []Peer {
	d.mu.RLock()
	out := make([]Peer, 0, len(d.byAddr))
	for _, p := range d.byAddr {
		if keep(p) {
			out = append(out, p.clone())
		}
	}
	d.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return strings.Compare(out[i].Addr, out[j].Addr) < 0
	})
	return out
}

// PeerInfos lists Authenticated peers for a DiscoveryResponse, leaving out
// the peer at exclude.
func (d *Directory) PeerInfos(exclude string) []network.PeerInfo {
	peers := d.SnapshotAuthenticated()
	out := make([]network.PeerInfo, 0, len(peers))
	for _, p := range peers {
		if p.Addr == exclude {
			continue
		}
		out = append(out, network.NewPeerInfo(p.NodeID, p.Addr, p.LastActivity, p.Capabilities))
	}
	return out
}

// Len returns the number of entries.
func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byAddr)
}

// Stats counts entries by state.
func (d *Directory) Stats() Stats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	s := Stats{Total: len(d.byAddr)}
	for _, p := range d.byAddr {
		switch p.State {
		case Discovered:
			s.Discovered++
		case HandshakeInitiated:
			s.HandshakeInitiated++
		case Authenticated:
			s.Authenticated++
		case Disconnected:
			s.Disconnected++
		}
	}
	return s
}
