package network

import (
	"context"
	"errors"
	"fmt"
)

// Common errors for transport operations
var (
	ErrTransportClosed  = errors.New("transport is closed")
	ErrDatagramTooLarge = errors.New("datagram exceeds maximum size")
)

// TransportError describes a failed transport operation.
type TransportError struct {
	Op   string
	Addr string
	Err  error
}

func (e *TransportError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Datagram is one received packet and the address it came from.
type Datagram struct {
	Data []byte
	From string
}

// Transport sends and receives discrete datagrams bound to one local endpoint.
// It gives no delivery or ordering guarantee.
type Transport interface {
	// LocalAddr returns the bound address peers should reply to.
	LocalAddr() string
	// Resolve maps addr to the canonical form Receive reports senders in.
	Resolve(addr string) (string, error)
	// Send transmits one datagram to addr.
	Send(ctx context.Context, addr string, data []byte) error
	// Receive blocks until a datagram arrives, the context ends or the
	// transport is closed.
	Receive(ctx context.Context) (Datagram, error)
	// Close releases the endpoint and unblocks pending receives.
	Close() error
}
