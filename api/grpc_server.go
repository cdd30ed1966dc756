// Package api provides the gRPC control service of a mesh node.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/VanDung-dev/HieraMesh/arrow"
	"github.com/VanDung-dev/HieraMesh/monitoring"
	"github.com/VanDung-dev/HieraMesh/peer"
	"github.com/VanDung-dev/HieraMesh/reliability"
	"github.com/VanDung-dev/HieraMesh/routing"
)

// Version is the current version of HieraMesh.
const Version = "0.1.0"

// Node is the part of a running mesh node the control service drives.
type Node interface {
	LocalID() uuid.UUID
	SendRoutedData(ctx context.Context, dest uuid.UUID, payload []byte, maxHops uint32) (uuid.UUID, routing.Outcome, error)
	RoutingSnapshot() []routing.Route
	PeerStats() peer.Stats
	Peers() []peer.Peer
	Connect(ctx context.Context, addr string) (*reliability.Delivery, error)
	Health() error
}

// ServerConfig holds configuration for the control server.
type ServerConfig struct {
	// Token, when set, must be presented as a bearer token
	Token string

	// MaxRecvMsgSize is the maximum message size in bytes
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes
	MaxSendMsgSize int
}

// DefaultServerConfig returns a ServerConfig with sensible defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxRecvMsgSize: 4 * 1024 * 1024,  // 4MB
		MaxSendMsgSize: 16 * 1024 * 1024, // 16MB
	}
}

// ControlServer implements hieramesh.Control on top of a Node.
type ControlServer struct {
	node    Node
	auth    *Authenticator
	encoder *arrow.SnapshotEncoder
	metrics *monitoring.Metrics
	log     *zap.Logger

	grpcServer *grpc.Server
	startTime  time.Time

	running bool
	mu      sync.RWMutex
}

// NewControlServer creates a control server for node. A nil metrics or
// logger disables them.
func NewControlServer(node Node, config *ServerConfig, metrics *monitoring.Metrics, log *zap.Logger) (*ControlServer, error) {
	if node == nil {
		return nil, errors.New("node is required")
	}
	if config == nil {
		config = DefaultServerConfig()
	}
	if log == nil {
		log = zap.NewNop()
	}

	s := &ControlServer{
		node:      node,
		auth:      NewTokenAuthenticator(config.Token),
		encoder:   arrow.NewSnapshotEncoder(),
		metrics:   metrics,
		log:       log,
		startTime: time.Now(),
	}

	s.grpcServer = grpc.NewServer(
		grpc.MaxRecvMsgSize(config.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(config.MaxSendMsgSize),
		grpc.ChainUnaryInterceptor(s.observe, s.auth.UnaryInterceptor()),
	)
	RegisterControlService(s.grpcServer, s)
	return s, nil
}

// Serve accepts control connections on lis until Stop is called.
func (s *ControlServer) Serve(lis net.Listener) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.startTime = time.Now()
	s.mu.Unlock()

	s.log.Info("Control server listening", zap.String("addr", lis.Addr().String()))
	return s.grpcServer.Serve(lis)
}

// StartAsync listens on address and serves in the background.
func (s *ControlServer) StartAsync(address string) (net.Addr, error) {
	lis, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	go func() {
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("Control server failed", zap.Error(err))
		}
	}()

	return lis.Addr(), nil
}

// Stop gracefully stops the gRPC server.
func (s *ControlServer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	s.grpcServer.GracefulStop()
}

// observe records duration and status of every call.
func (s *ControlServer) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)

	if s.metrics != nil {
		s.metrics.RecordGRPCRequest(info.FullMethod, code.String(), time.Since(start))
	}
	if err != nil {
		s.log.Debug("Control call failed",
			zap.String("method", info.FullMethod),
			zap.Stringer("code", code),
			zap.Error(err))
	}
	return resp, err
}

// SendRoutedData routes a payload to a destination node.
func (s *ControlServer) SendRoutedData(ctx context.Context, req *SendRequest) (*SendResponse, error) {
	dest, err := uuid.Parse(req.Destination)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "invalid destination: %v", err)
	}
	if dest == s.node.LocalID() {
		return nil, status.Error(codes.InvalidArgument, "destination is the local node")
	}
	if len(req.Payload) == 0 {
		return nil, status.Error(codes.InvalidArgument, "empty payload")
	}

	routeID, outcome, err := s.node.SendRoutedData(ctx, dest, req.Payload, req.MaxHops)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SendResponse{
		RouteID: routeID.String(),
		Outcome: outcome.String(),
	}, nil
}

// GetRoutingSnapshot returns the routing table.
func (s *ControlServer) GetRoutingSnapshot(_ context.Context, _ *Empty) (*RoutingSnapshotResponse, error) {
	return &RoutingSnapshotResponse{Routes: routeEntries(s.node.RoutingSnapshot())}, nil
}

// GetPeerStats returns peer counts and the directory.
func (s *ControlServer) GetPeerStats(_ context.Context, _ *Empty) (*PeerStatsResponse, error) {
	return &PeerStatsResponse{
		Stats: s.node.PeerStats(),
		Peers: peerEntries(s.node.Peers()),
	}, nil
}

// Connect starts a handshake with an address.
func (s *ControlServer) Connect(ctx context.Context, req *ConnectRequest) (*ConnectResponse, error) {
	if req.Addr == "" {
		return nil, status.Error(codes.InvalidArgument, "address is required")
	}

	d, err := s.node.Connect(ctx, req.Addr)
	if err != nil {
		return nil, toStatus(err)
	}
	if d == nil {
		return &ConnectResponse{AlreadyAuthenticated: true}, nil
	}
	if !req.Wait {
		return &ConnectResponse{}, nil
	}
	if err := d.Wait(ctx); err != nil {
		return nil, toStatus(err)
	}
	return &ConnectResponse{Acknowledged: true}, nil
}

// ExportSnapshot returns the routing table and peers as Arrow IPC streams.
func (s *ControlServer) ExportSnapshot(_ context.Context, _ *Empty) (*ExportResponse, error) {
	routes, err := s.encoder.EncodeRoutes(s.node.RoutingSnapshot())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode routes: %v", err)
	}
	peers, err := s.encoder.EncodePeers(s.node.Peers())
	if err != nil {
		return nil, status.Errorf(codes.Internal, "failed to encode peers: %v", err)
	}
	return &ExportResponse{Routes: routes, Peers: peers}, nil
}

// HealthCheck returns the health status of the node.
func (s *ControlServer) HealthCheck(_ context.Context, _ *Empty) (*HealthResponse, error) {
	s.mu.RLock()
	startTime := s.startTime
	s.mu.RUnlock()

	return &HealthResponse{
		Healthy:       s.node.Health() == nil,
		Version:       Version,
		UptimeSeconds: int64(time.Since(startTime).Seconds()),
		NodeID:        s.node.LocalID().String(),
	}, nil
}

// toStatus maps node errors to gRPC status codes.
func toStatus(err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return status.FromContextError(err).Err()
	case errors.Is(err, routing.ErrRouteUnreachable),
		errors.Is(err, reliability.ErrDeliveryFailed),
		errors.Is(err, reliability.ErrPeerGone):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, peer.ErrDirectoryFull):
		return status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, peer.ErrUnknownPeer):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}
