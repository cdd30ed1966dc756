package network

import (
	"context"
	"errors"
	"net"
	"sync"
)

// UDPTransport is a Transport over a single UDP socket.
type UDPTransport struct {
	conn *net.UDPConn

	// resolved destination addresses
	addrs   map[string]*net.UDPAddr
	addrsMu sync.RWMutex

	closeOnce sync.Once
	closed    chan struct{}
}

// NewUDPTransport binds a UDP socket. A bind failure is fatal for the caller.
func NewUDPTransport(bindAddr string) (*UDPTransport, error) {
	laddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, &TransportError{Op: "resolve", Addr: bindAddr, Err: err}
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, &TransportError{Op: "bind", Addr: bindAddr, Err: err}
	}
	return &UDPTransport{
		conn:   conn,
		addrs:  make(map[string]*net.UDPAddr),
		closed: make(chan struct{}),
	}, nil
}

// LocalAddr returns the bound socket address.
func (t *UDPTransport) LocalAddr() string {
	return t.conn.LocalAddr().String()
}

// Resolve returns addr as host IP and port, the form Receive reports
// senders in.
func (t *UDPTransport) Resolve(addr string) (string, error) {
	raddr, err := t.resolve(addr)
	if err != nil {
		return "", &TransportError{Op: "resolve", Addr: addr, Err: err}
	}
	return raddr.String(), nil
}

// Send writes one datagram to addr.
func (t *UDPTransport) Send(ctx context.Context, addr string, data []byte) error {
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

	raddr, err := t.resolve(addr)
	if err != nil {
		return &TransportError{Op: "resolve", Addr: addr, Err: err}
	}
	// The socket is shared by concurrent senders; no write deadline is set.
	if _, err := t.conn.WriteToUDP(data, raddr); err != nil {
		return &TransportError{Op: "send", Addr: addr, Err: err}
	}
	return nil
}

// Receive reads the next datagram.
func (t *UDPTransport) Receive(ctx context.Context) (Datagram, error) {
	if err := ctx.Err(); err != nil {
		return Datagram{}, &TransportError{Op: "receive", Err: err}
	}

	buf := make([]byte, MaxDatagramSize)
	n, from, err := t.conn.ReadFromUDP(buf)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return Datagram{}, &TransportError{Op: "receive", Err: ErrTransportClosed}
		}
		return Datagram{}, &TransportError{Op: "receive", Err: err}
	}
	return Datagram{Data: buf[:n:n], From: from.String()}, nil
}

// Close closes the socket.
func (t *UDPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		err = t.conn.Close()
	})
	return err
}

func (t *UDPTransport) resolve(addr string) (*net.UDPAddr, error) {
	t.addrsMu.RLock()
	raddr, ok := t.addrs[addr]
	t.addrsMu.RUnlock()
	if ok {
		return raddr, nil
	}

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	t.addrsMu.Lock()
	t.addrs[addr] = raddr
	t.addrsMu.Unlock()
	return raddr, nil
}
