package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-zeromq/zmq4"
)

// ZmqTransport carries datagrams over ZeroMQ.
//
// Each node binds a ROUTER socket whose identity is its own endpoint. Outgoing
// datagrams go through one DEALER socket per destination, dialed with the same
// identity, so the identity frame seen by the receiving ROUTER is the sender's
// reply address.
type ZmqTransport struct {
	endpoint string

	ctx    context.Context
	cancel context.CancelFunc

	router  zmq4.Socket
	dealers map[string]zmq4.Socket
	mu      sync.Mutex

	inbox chan Datagram

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewZmqTransport binds a ROUTER socket on endpoint, e.g. "tcp://127.0.0.1:7000".
func NewZmqTransport(endpoint string) (*ZmqTransport, error) {
	ctx, cancel := context.WithCancel(context.Background())

	router := zmq4.NewRouter(ctx, zmq4.WithID(zmq4.SocketIdentity(endpoint)))
	if err := router.Listen(endpoint); err != nil {
		cancel()
		return nil, &TransportError{Op: "bind", Addr: endpoint, Err: err}
	}

	t := &ZmqTransport{
		endpoint: endpoint,
		ctx:      ctx,
		cancel:   cancel,
		router:   router,
		dealers:  make(map[string]zmq4.Socket),
		inbox:    make(chan Datagram, 1000),
	}

	t.wg.Add(1)
	go t.receiverLoop()

	return t, nil
}

// LocalAddr returns the bound endpoint.
func (t *ZmqTransport) LocalAddr() string {
	return t.endpoint
}

// Resolve returns addr unchanged. Peers are identified by the endpoint they
// bound, which is the identity their DEALER sockets present.
func (t *ZmqTransport) Resolve(addr string) (string, error) {
	return addr, nil
}

// Send transmits one datagram to the ROUTER bound at addr.
func (t *ZmqTransport) Send(ctx context.Context, addr string, data []byte) error {
	if len(data) > MaxDatagramSize {
		return &TransportError{Op: "send", Addr: addr, Err: ErrDatagramTooLarge}
	}
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "send", Addr: addr, Err: err}
	}

	dealer, err := t.getOrCreateDealer(addr)
	if err != nil {
		return err
	}
	if err := dealer.Send(zmq4.NewMsg(data)); err != nil {
		t.dropDealer(addr)
		return &TransportError{Op: "send", Addr: addr, Err: err}
	}
	return nil
}

// Receive returns the next datagram read by the ROUTER socket.
func (t *ZmqTransport) Receive(ctx context.Context) (Datagram, error) {
	select {
	case d, ok := <-t.inbox:
		if !ok {
			return Datagram{}, &TransportError{Op: "receive", Err: ErrTransportClosed}
		}
		return d, nil
	case <-ctx.Done():
		return Datagram{}, &TransportError{Op: "receive", Err: ctx.Err()}
	}
}

// Close shuts down all sockets and waits for the receiver to exit.
func (t *ZmqTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.cancel()
		err = t.router.Close()

		t.mu.Lock()
		for addr, dealer := range t.dealers {
			_ = dealer.Close()
			delete(t.dealers, addr)
		}
		t.mu.Unlock()

		t.wg.Wait()
		close(t.inbox)
	})
	return err
}

func (t *ZmqTransport) getOrCreateDealer(addr string) (zmq4.Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.ctx.Err() != nil {
		return nil, &TransportError{Op: "send", Addr: addr, Err: ErrTransportClosed}
	}
	if dealer, ok := t.dealers[addr]; ok {
		return dealer, nil
	}

	dealer := zmq4.NewDealer(t.ctx, zmq4.WithID(zmq4.SocketIdentity(t.endpoint)))
	if err := dealer.Dial(addr); err != nil {
		return nil, &TransportError{Op: "dial", Addr: addr, Err: fmt.Errorf("failed to connect: %w", err)}
	}
	t.dealers[addr] = dealer
	return dealer, nil
}

func (t *ZmqTransport) dropDealer(addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if dealer, ok := t.dealers[addr]; ok {
		_ = dealer.Close()
		delete(t.dealers, addr)
	}
}

// receiverLoop reads ROUTER frames until the transport is closed.
func (t *ZmqTransport) receiverLoop() {
	defer t.wg.Done()

	for {
		msg, err := t.router.Recv()
		if err != nil {
			if t.ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return
			}
			continue
		}
		// ROUTER prepends the peer identity frame.
		if len(msg.Frames) < 2 {
			continue
		}
		d := Datagram{
			From: string(msg.Frames[0]),
			Data: msg.Frames[len(msg.Frames)-1],
		}

		select {
		case t.inbox <- d:
		case <-t.ctx.Done():
			return
		default:
			// inbox full, drop
		}
	}
}
