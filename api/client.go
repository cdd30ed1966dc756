package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
)

// ControlClient calls hieramesh.Control on a remote node.
type ControlClient struct {
	conn *grpc.ClientConn
}

// NewControlClient connects to target. A non-empty token is sent as a bearer
// token on every call. Extra options are appended to the defaults.
func NewControlClient(target, token string, opts ...grpc.DialOption) (*ControlClient, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	}
	if token != "" {
		dialOpts = append(dialOpts, grpc.WithUnaryInterceptor(bearerToken(token)))
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", target, err)
	}
	return &ControlClient{conn: conn}, nil
}

func bearerToken(token string) grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = metadata.AppendToOutgoingContext(ctx, authorizationHeader, "Bearer "+token)
		return invoker(ctx, method, req, reply, cc, opts...)
	}
}

// Close releases the connection.
func (c *ControlClient) Close() error {
	return c.conn.Close()
}

// SendRoutedData routes payload to the node with id dest.
func (c *ControlClient) SendRoutedData(ctx context.Context, dest string, payload []byte, maxHops uint32) (*SendResponse, error) {
	resp := new(SendResponse)
	req := &SendRequest{Destination: dest, Payload: payload, MaxHops: maxHops}
	if err := c.conn.Invoke(ctx, MethodSendRoutedData, req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// RoutingSnapshot returns the remote routing table.
func (c *ControlClient) RoutingSnapshot(ctx context.Context) ([]RouteEntry, error) {
	resp := new(RoutingSnapshotResponse)
	if err := c.conn.Invoke(ctx, MethodGetRoutingSnapshot, &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp.Routes, nil
}

// PeerStats returns the remote peer directory.
func (c *ControlClient) PeerStats(ctx context.Context) (*PeerStatsResponse, error) {
	resp := new(PeerStatsResponse)
	if err := c.conn.Invoke(ctx, MethodGetPeerStats, &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Connect asks the remote node to handshake with addr.
func (c *ControlClient) Connect(ctx context.Context, addr string, wait bool) (*ConnectResponse, error) {
	resp := new(ConnectResponse)
	if err := c.conn.Invoke(ctx, MethodConnect, &ConnectRequest{Addr: addr, Wait: wait}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// ExportSnapshot returns Arrow IPC streams of routes and peers.
func (c *ControlClient) ExportSnapshot(ctx context.Context) (*ExportResponse, error) {
	resp := new(ExportResponse)
	if err := c.conn.Invoke(ctx, MethodExportSnapshot, &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// HealthCheck returns the remote node's health.
func (c *ControlClient) HealthCheck(ctx context.Context) (*HealthResponse, error) {
	resp := new(HealthResponse)
	if err := c.conn.Invoke(ctx, MethodHealthCheck, &Empty{}, resp); err != nil {
		return nil, err
	}
	return resp, nil
}
