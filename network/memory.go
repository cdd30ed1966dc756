package network

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

// ErrUnreachable is returned when a memory transport sends to an unknown address.
var ErrUnreachable = errors.New("address unreachable")

// DropFunc decides whether a datagram from one address to another is lost.
type DropFunc func(from, to string, data []byte) bool

// MemoryNetwork is an in-process datagram hub. Transports created from the
// same network can reach each other by address.
type MemoryNetwork struct {
	mu         sync.RWMutex
	transports map[string]*MemoryTransport
	drop       DropFunc
	next       atomic.Uint64

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewMemoryNetwork creates an empty hub.
func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		transports: make(map[string]*MemoryTransport),
	}
}

// SetDropFunc installs a loss filter. Nil delivers everything.
func (n *MemoryNetwork) SetDropFunc(fn DropFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.drop = fn
}

// Partition drops all traffic between a and b in both directions.
func (n *MemoryNetwork) Partition(a, b string) {
	n.SetDropFunc(func(from, to string, _ []byte) bool {
		return (from == a && to == b) || (from == b && to == a)
	})
}

// Heal removes any loss filter.
func (n *MemoryNetwork) Heal() {
	n.SetDropFunc(nil)
}

// Stats returns the number of datagrams delivered and dropped.
func (n *MemoryNetwork) Stats() (sent, dropped uint64) {
	return n.sent.Load(), n.dropped.Load()
}

// Listen creates a transport. An empty addr is assigned a unique one.
func (n *MemoryNetwork) Listen(addr string) (*MemoryTransport, error) {
	if addr == "" {
		addr = fmt.Sprintf("mem://%d", n.next.Add(1))
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.transports[addr]; ok {
		return nil, &TransportError{Op: "bind", Addr: addr, Err: errors.New("address in use")}
	}
	t := &MemoryTransport{
		network: n,
		addr:    addr,
		inbox:   make(chan Datagram, 1024),
		closed:  make(chan struct{}),
	}
	n.transports[addr] = t
	return t, nil
}

func (n *MemoryNetwork) deliver(from, to string, data []byte) error {
	n.mu.RLock()
	dst, ok := n.transports[to]
	drop := n.drop
	n.mu.RUnlock()

	if !ok {
		return &TransportError{Op: "send", Addr: to, Err: ErrUnreachable}
	}
	if drop != nil && drop(from, to, data) {
		n.dropped.Add(1)
		return nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	select {
	case dst.inbox <- Datagram{Data: buf, From: from}:
		n.sent.Add(1)
	case <-dst.closed:
		n.dropped.Add(1)
	default:
		// receiver queue full, lost like a real datagram
		n.dropped.Add(1)
	}
	return nil
}

func (n *MemoryNetwork) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.transports, addr)
}

// MemoryTransport is a Transport attached to a MemoryNetwork.
type MemoryTransport struct {
	network *MemoryNetwork
	addr    string
	inbox   chan Datagram

	closeOnce sync.Once
	closed    chan struct{}
}

// LocalAddr returns the address assigned by the network.
func (t *MemoryTransport) LocalAddr() string {
	return t.addr
}

// Resolve returns addr unchanged. Memory addresses are already canonical.
func (t *MemoryTransport) Resolve(addr string) (string, error) {
	return addr, nil
}

// Send delivers a copy of data to the transport bound at addr.
func (t *MemoryTransport) Send(ctx context.Context, addr string, data []byte) error {
	if len(data) > MaxDatagramSize {
		return &TransportError{Op: "send", Addr: addr, Err: ErrDatagramTooLarge}
	}
	select {
	case <-t.closed:
		return &TransportError{Op: "send", Addr: addr, Err: ErrTransportClosed}
	default:
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "send", Addr: addr, Err: err}
	}
	return t.network.deliver(t.addr, addr, data)
}

// Receive waits for the next datagram.
func (t *MemoryTransport) Receive(ctx context.Context) (Datagram, error) {
	select {
	case d := <-t.inbox:
		return d, nil
	case <-t.closed:
		return Datagram{}, &TransportError{Op: "receive", Err: ErrTransportClosed}
	case <-ctx.Done():
		return Datagram{}, &TransportError{Op: "receive", Err: ctx.Err()}
	}
}

// Close detaches the transport from the network.
func (t *MemoryTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.network.remove(t.addr)
	})
	return nil
}
