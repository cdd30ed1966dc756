package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraMesh/network"
	"github.com/VanDung-dev/HieraMesh/peer"
)

// MetadataAuthToken is the NodeInfo metadata key carrying the shared token.
const MetadataAuthToken = "auth_token"

// Handshake rejection reasons
var (
	ErrNetworkMismatch = errors.New("network id mismatch")
	ErrAuthRequired    = errors.New("authentication required")
	ErrAuthMismatch    = errors.New("auth token mismatch")
	ErrSelfConnection  = errors.New("handshake from own node id")
)

// AcceptFunc decides whether a peer presenting info may join.
type AcceptFunc func(info network.NodeInfo) error

// NetworkAcceptor admits peers on the same network id. When token is not
// empty the peer must also present it in its metadata.
func NetworkAcceptor(networkID, token string) AcceptFunc {
	return func(info network.NodeInfo) error {
		if info.NetworkID != networkID {
			return fmt.Errorf("%w: got %q, want %q", ErrNetworkMismatch, info.NetworkID, networkID)
		}
		if token == "" {
			return nil
		}
		provided := info.Metadata[MetadataAuthToken]
		if provided == "" {
			return ErrAuthRequired
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(provided)) != 1 {
			return ErrAuthMismatch
		}
		return nil
	}
}

// admit runs every check a remote NodeInfo must pass.
func (s *Server) admit(info network.NodeInfo) error {
	if err := info.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
	}
	if info.ID == s.local.ID {
		return fmt.Errorf("%w: %w", ErrHandshakeRejected, ErrSelfConnection)
	}
	if err := s.opts.Accept(info); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshakeRejected, err)
	}
	return nil
}

func (s *Server) handleHandshakeRequest(ctx context.Context, p peer.Peer, msg network.Message) {
	var info network.NodeInfo
	if err := msg.DecodePayload(&info); err != nil {
		s.rejectHandshake(ctx, p, fmt.Errorf("%w: %w", ErrHandshakeRejected, err))
		return
	}
	if err := s.admit(info); err != nil {
		s.rejectHandshake(ctx, p, err)
		return
	}

	authed, ok := s.authenticate(p, info)
	if !ok {
		return
	}

	reply, err := network.NewMessage(network.HandshakeResponse, network.HandshakeReply{
		NodeInfo: s.local,
		Success:  true,
	})
	if err != nil {
		return
	}
	if _, err := s.sendReliable(authed, reply); err != nil {
		s.log.Warn("Failed to send handshake response", zap.String("addr", p.Addr), zap.Error(err))
	}
	s.requestDiscovery(ctx, authed)
}

func (s *Server) handleHandshakeResponse(ctx context.Context, p peer.Peer, msg network.Message) {
	var reply network.HandshakeReply
	if err := msg.DecodePayload(&reply); err != nil {
		s.log.Debug("Bad handshake response", zap.String("addr", p.Addr), zap.Error(err))
		s.metrics.MalformedTotal.Inc()
		return
	}
	if p.State != peer.HandshakeInitiated && p.State != peer.Authenticated {
		s.log.Debug("Ignoring unsolicited handshake response", zap.String("addr", p.Addr))
		return
	}
	if !reply.Success {
		s.log.Warn("Peer rejected handshake", zap.String("addr", p.Addr), zap.String("error", reply.ErrorMessage))
		s.metrics.RecordHandshake("refused")
		_ = s.dir.SetState(p.Addr, peer.Discovered)
		return
	}
	if err := s.admit(reply.NodeInfo); err != nil {
		s.rejectHandshake(ctx, p, err)
		_ = s.dir.SetState(p.Addr, peer.Discovered)
		return
	}

	authed, ok := s.authenticate(p, reply.NodeInfo)
	if !ok {
		return
	}
	s.requestDiscovery(ctx, authed)
}

// authenticate marks p as the node described by info and installs the
// direct route.
func (s *Server) authenticate(p peer.Peer, info network.NodeInfo) (peer.Peer, bool) {
	stored := info.Clone()
	delete(stored.Metadata, MetadataAuthToken)

	res, err := s.dir.MarkAuthenticated(p.Addr, stored)
	if err != nil {
		s.log.Warn("Failed to authenticate peer", zap.String("addr", p.Addr), zap.Error(err))
		return peer.Peer{}, false
	}
	if res.Displaced != nil {
		s.log.Info("Peer rebound to new address",
			zap.Stringer("node_id", info.ID),
			zap.String("old_addr", res.Displaced.Addr),
			zap.String("new_addr", p.Addr))
	}
	if res.PreviousNode != uuid.Nil {
		n := s.table.RemoveVia(res.PreviousNode)
		s.log.Info("Address changed identity",
			zap.String("addr", p.Addr),
			zap.Stringer("previous", res.PreviousNode),
			zap.Int("routes_removed", n))
	}
	s.table.Update(info.ID, info.ID, 1)
	s.metrics.RecordHandshake("accepted")

	if p.State != peer.Authenticated {
		s.log.Info("Peer authenticated",
			zap.String("addr", p.Addr),
			zap.Stringer("node_id", info.ID),
			zap.String("name", info.Name))
	}
	return res.Peer, true
}

// rejectHandshake answers with an Error and leaves the peer state alone.
func (s *Server) rejectHandshake(ctx context.Context, p peer.Peer, err error) {
	s.metrics.RecordHandshake("rejected")
	s.log.Warn("Handshake rejected", zap.String("addr", p.Addr), zap.Error(err))
	if sendErr := s.send(ctx, p.Addr, network.NewErrorMessage(err.Error())); sendErr != nil {
		s.log.Debug("Failed to send handshake error", zap.String("addr", p.Addr), zap.Error(sendErr))
	}
}

func (s *Server) requestDiscovery(ctx context.Context, p peer.Peer) {
	if !s.opts.DiscoveryEnabled {
		return
	}
	msg, err := network.NewMessage(network.DiscoveryRequest, nil)
	if err != nil {
		return
	}
	if err := s.send(ctx, p.Addr, msg); err != nil {
		s.log.Debug("Failed to send discovery request", zap.String("addr", p.Addr), zap.Error(err))
	}
}
