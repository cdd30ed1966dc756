package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraMesh/cache"
	"github.com/VanDung-dev/HieraMesh/engine"
	"github.com/VanDung-dev/HieraMesh/monitoring"
	"github.com/VanDung-dev/HieraMesh/network"
	"github.com/VanDung-dev/HieraMesh/peer"
	"github.com/VanDung-dev/HieraMesh/reliability"
	"github.com/VanDung-dev/HieraMesh/routing"
)

// Common errors for server operations
var (
	ErrHandshakeRejected = errors.New("handshake rejected")
	ErrNotAuthenticated  = errors.New("peer is not authenticated")
	ErrAlreadyRunning    = errors.New("server already running")
	ErrNotRunning        = errors.New("server is not running")
	ErrServerClosed      = errors.New("server closed")
)

// Stats describes a running node.
type Stats struct {
	NodeID       uuid.UUID        `json:"node_id"`
	Name         string           `json:"name"`
	ListenAddr   string           `json:"listen_addr"`
	IsRunning    bool             `json:"is_running"`
	Uptime       time.Duration    `json:"uptime"`
	Peers        peer.Stats       `json:"peers"`
	Routes       int              `json:"routes"`
	DedupEntries int              `json:"dedup_entries"`
	Routing      routing.Stats    `json:"routing"`
	Pool         engine.PoolStats `json:"pool"`
}

// Server is one mesh node bound to a transport.
type Server struct {
	opts      Options
	log       *zap.Logger
	metrics   *monitoring.Metrics
	transport network.Transport
	codec     *network.Codec
	local     network.NodeInfo

	dir    *peer.Directory
	table  *routing.Table
	seen   *cache.TTLCache[uuid.UUID]
	router *routing.Router
	pool   *engine.WorkerPool
	guard  *rateGuard

	// discovered receives handshake candidates learned from peers.
	discovered chan string

	// lifetime bounds sends made from timers and pool tasks.
	lifetime context.Context
	stop     context.CancelFunc

	mu      sync.RWMutex
	running bool
	started time.Time
	done    chan struct{}
}

// New creates a server on an already bound transport.
func New(t network.Transport, opts Options) (*Server, error) {
	if t == nil {
		return nil, errors.New("transport is required")
	}
	opts = opts.withDefaults()

	local := network.NewNodeInfo(opts.Name, t.LocalAddr(), opts.NetworkID)
	for _, c := range opts.Capabilities {
		local.AddCapability(c)
	}
	if opts.AuthToken != "" {
		local.SetMetadata(MetadataAuthToken, opts.AuthToken)
	}
	if err := local.Validate(); err != nil {
		return nil, fmt.Errorf("invalid local node: %w", err)
	}

	lifetime, stop := context.WithCancel(context.Background())
	s := &Server{
		opts:       opts,
		log:        opts.Logger.With(zap.String("node", opts.Name)),
		metrics:    opts.Metrics,
		transport:  t,
		codec:      network.NewCodec(opts.CompressThreshold),
		local:      local,
		table:      routing.NewTable(),
		seen:       cache.NewTTLCache[uuid.UUID](opts.DedupTTL),
		guard:      newRateGuard(opts.RateLimit, opts.RateBurst),
		discovered: make(chan string, 64),
		lifetime:   lifetime,
		stop:       stop,
		done:       make(chan struct{}),
	}

	s.dir = peer.NewDirectory(opts.MaxPeers, s.newEngine)
	s.pool = engine.NewWorkerPool("deliver", opts.Workers, 0, s.log)
	s.router = routing.NewRouter(routing.Options{
		Local:          local.ID,
		DefaultMaxHops: opts.DefaultMaxHops,
		Deliver:        s.deliver,
		OnOutcome: func(o routing.Outcome) {
			s.metrics.RecordRouting(o.String())
			if o == routing.OutcomeDuplicate {
				s.metrics.RecordDuplicate("route")
			}
		},
		OnSendFailure: func(string, error) {
			s.metrics.SendErrors.Inc()
		},
		Logger: s.log,
	}, s.dir, s.table, s.seen, s)

	return s, nil
}

// newEngine builds the reliability engine of a new directory entry.
func (s *Server) newEngine(addr string) *reliability.Engine {
	return reliability.NewEngine(s.opts.Reliability, reliability.Hooks{
		OnRetransmit: func(uint32, int) {
			s.metrics.Retransmissions.Inc()
		},
		OnFailure: func(seq uint32, msg network.Message) {
			s.metrics.DeliveryFailures.Inc()
			s.log.Warn("Peer did not acknowledge message",
				zap.String("addr", addr),
				zap.Uint32("seq", seq),
				zap.Stringer("type", msg.Type),
				zap.Error(reliability.ErrDeliveryFailed))
		},
		OnAck: func(_ uint32, latency time.Duration) {
			s.metrics.RecordAck(latency)
		},
	}, s.log.With(zap.String("peer", addr)))
}

// deliver hands a routed payload to the application on the worker pool.
// When the queue is full it waits, holding up the receive loop, until a
// worker frees a slot or ctx ends.
func (s *Server) deliver(ctx context.Context, payload []byte, source uuid.UUID) error {
	if s.opts.Deliver == nil {
		s.log.Debug("Dropping payload, no deliver callback", zap.Stringer("source", source))
		return nil
	}
	fn := s.opts.Deliver
	task := engine.NewTask(uuid.NewString(), func(context.Context) error {
		fn(payload, source)
		return nil
	})

	err := s.pool.Submit(task)
	if errors.Is(err, engine.ErrQueueFull) {
		s.log.Debug("Delivery queue full, waiting", zap.Stringer("source", source))
		err = s.pool.SubmitWait(ctx, task)
	}
	if err != nil {
		s.log.Warn("Failed to queue delivery", zap.Stringer("source", source), zap.Error(err))
		return err
	}
	return nil
}

// LocalNode returns this node's handshake identity without its token.
func (s *Server) LocalNode() network.NodeInfo {
	info := s.local.Clone()
	delete(info.Metadata, MetadataAuthToken)
	return info
}

// LocalID returns this node's id.
func (s *Server) LocalID() uuid.UUID {
	return s.local.ID
}

// Addr returns the transport address.
func (s *Server) Addr() string {
	return s.transport.LocalAddr()
}

// Run serves until ctx is cancelled or the transport fails. On return
// Disconnect has been sent to authenticated peers, the transport is closed,
// all tasks have exited and queued deliveries have run.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	select {
	case <-s.done:
		s.mu.Unlock()
		return ErrServerClosed
	default:
	}
	s.running = true
	s.started = time.Now()
	s.mu.Unlock()

	s.log.Info("Node started",
		zap.Stringer("node_id", s.local.ID),
		zap.String("addr", s.transport.LocalAddr()),
		zap.String("network_id", s.opts.NetworkID))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.receiveLoop(gctx) })
	g.Go(func() error { return s.candidateLoop(gctx) })
	s.startScheduler(gctx, g)
	g.Go(func() error {
		<-gctx.Done()
		s.shutdownPeers()
		s.stop()
		return s.transport.Close()
	})

	err := g.Wait()

	// Closing engines resolves any outstanding deliveries.
	for _, p := range s.dir.Snapshot() {
		s.dir.Remove(p.Addr)
	}
	s.pool.Shutdown()

	s.mu.Lock()
	s.running = false
	close(s.done)
	s.mu.Unlock()

	s.log.Info("Node stopped", zap.Stringer("node_id", s.local.ID))
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, network.ErrTransportClosed) {
		return err
	}
	return nil
}

// Done is closed once Run has returned.
func (s *Server) Done() <-chan struct{} {
	return s.done
}

// IsRunning reports whether Run is active.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Health reports an error once the node has stopped.
func (s *Server) Health() error {
	if !s.IsRunning() {
		return ErrNotRunning
	}
	return nil
}

// shutdownPeers tells every authenticated peer that this node is leaving.
func (s *Server) shutdownPeers() {
	msg, err := network.NewMessage(network.Disconnect, network.DisconnectPayload{Reason: "shutdown"})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, p := range s.dir.SnapshotAuthenticated() {
		if err := s.send(ctx, p.Addr, msg); err != nil {
			s.log.Debug("Failed to send disconnect", zap.String("addr", p.Addr), zap.Error(err))
		}
	}
}

// receiveLoop reads datagrams until the transport is closed.
func (s *Server) receiveLoop(ctx context.Context) error {
	for {
		d, err := s.transport.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, network.ErrTransportClosed) {
				return err
			}
			s.log.Warn("Receive failed", zap.Error(err))
			continue
		}
		s.handleDatagram(ctx, d)
	}
}

// candidateLoop handshakes with addresses supplied by configuration or
// learned through discovery.
func (s *Server) candidateLoop(ctx context.Context) error {
	external := s.opts.Candidates
	for {
		var addr string
		select {
		case <-ctx.Done():
			return nil
		case a, ok := <-external:
			if !ok {
				external = nil
				continue
			}
			addr = a
		case addr = <-s.discovered:
		}

		if addr == "" {
			continue
		}
		addr, err := s.transport.Resolve(addr)
		if err != nil {
			s.log.Warn("Failed to resolve candidate", zap.Error(err))
			continue
		}
		if addr == s.transport.LocalAddr() {
			continue
		}
		if p, ok := s.dir.Lookup(addr); ok && (p.IsAuthenticated() || p.State == peer.HandshakeInitiated) {
			continue
		}
		if _, err := s.Connect(ctx, addr); err != nil {
			s.log.Warn("Failed to connect to candidate", zap.String("addr", addr), zap.Error(err))
		}
	}
}

// send encodes msg and writes it to addr.
func (s *Server) send(ctx context.Context, addr string, msg network.Message) error {
	msg.SenderAddress = s.transport.LocalAddr()
	data, err := s.codec.Encode(msg)
	if err != nil {
		return err
	}
	if err := s.transport.Send(ctx, addr, data); err != nil {
		s.metrics.SendErrors.Inc()
		return err
	}
	s.metrics.RecordSent(msg.Type.String())
	return nil
}

// sendReliable sends msg through the peer's reliability engine.
func (s *Server) sendReliable(p peer.Peer, msg network.Message) (*reliability.Delivery, error) {
	addr := p.Addr
	return p.Engine.SendReliable(msg, func(m network.Message) error {
		return s.send(s.lifetime, addr, m)
	})
}

// SendToPeer forwards a routed Data message to p reliably.
func (s *Server) SendToPeer(_ context.Context, p peer.Peer, msg network.Message) error {
	_, err := s.sendReliable(p, msg)
	return err
}

// Connect starts a handshake with addr. It returns the delivery of the
// HandshakeRequest; a nil delivery means the peer is already authenticated.
// The peer is recorded under the transport's canonical form of addr, so a
// host name matches the address its replies arrive from.
func (s *Server) Connect(ctx context.Context, addr string) (*reliability.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr, err := s.transport.Resolve(addr)
	if err != nil {
		return nil, err
	}
	if addr == s.transport.LocalAddr() {
		return nil, errors.New("cannot connect to self")
	}
	if p, ok := s.dir.Lookup(addr); ok && p.IsAuthenticated() {
		return nil, nil
	}

	p, err := s.dir.Upsert(addr, peer.HandshakeInitiated)
	if err != nil {
		return nil, err
	}
	msg, err := network.NewMessage(network.HandshakeRequest, s.local)
	if err != nil {
		return nil, err
	}
	s.log.Debug("Sending handshake", zap.String("addr", addr))
	return s.sendReliable(p, msg)
}

// SendReliable sends payload directly to an authenticated peer.
func (s *Server) SendReliable(ctx context.Context, nodeID uuid.UUID, payload []byte) (*reliability.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, ok := s.dir.LookupNode(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", peer.ErrUnknownPeer, nodeID)
	}
	if !p.IsAuthenticated() {
		return nil, fmt.Errorf("%w: %s", ErrNotAuthenticated, nodeID)
	}

	env := network.NewRoutedMessage(payload, s.local.ID, nodeID, s.opts.DefaultMaxHops)
	s.seen.CheckAndAdd(env.RouteID, time.Now())
	msg, err := env.ToMessage()
	if err != nil {
		return nil, err
	}
	return s.sendReliable(p, msg)
}

// SendRoutedData routes payload to dest over as many hops as needed.
func (s *Server) SendRoutedData(ctx context.Context, dest uuid.UUID, payload []byte, maxHops uint32) (uuid.UUID, routing.Outcome, error) {
	return s.router.SendRoutedData(ctx, dest, payload, maxHops)
}

// RoutingSnapshot returns the routing table.
func (s *Server) RoutingSnapshot() []routing.Route {
	return s.table.Snapshot()
}

// PeerStats counts peers by state.
func (s *Server) PeerStats() peer.Stats {
	return s.dir.Stats()
}

// Peers returns copies of all directory entries.
func (s *Server) Peers() []peer.Peer {
	return s.dir.Snapshot()
}

// Stats returns node statistics.
func (s *Server) Stats() Stats {
	s.mu.RLock()
	running := s.running
	started := s.started
	s.mu.RUnlock()

	var uptime time.Duration
	if running {
		uptime = time.Since(started)
	}
	return Stats{
		NodeID:       s.local.ID,
		Name:         s.local.Name,
		ListenAddr:   s.transport.LocalAddr(),
		IsRunning:    running,
		Uptime:       uptime,
		Peers:        s.dir.Stats(),
		Routes:       s.table.Len(),
		DedupEntries: s.seen.Len(),
		Routing:      s.router.Stats(),
		Pool:         s.pool.GetStats(),
	}
}

// dropPeer removes a peer and every route through or to it.
func (s *Server) dropPeer(addr, reason string) {
	if p, ok := s.dir.Remove(addr); ok {
		s.peerRemoved(p, reason)
	}
}

// peerRemoved tears down the routes of a removed peer.
func (s *Server) peerRemoved(p peer.Peer, reason string) {
	routes := 0
	if p.NodeID != uuid.Nil {
		routes = s.table.RemoveVia(p.NodeID)
	}
	s.log.Info("Peer removed",
		zap.String("addr", p.Addr),
		zap.Stringer("node_id", p.NodeID),
		zap.String("reason", reason),
		zap.Int("routes_removed", routes))
}
