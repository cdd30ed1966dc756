package server

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraMesh/network"
	"github.com/VanDung-dev/HieraMesh/peer"
)

// handleDatagram runs one inbound datagram through the receive pipeline.
// Failures are logged and never stop the loop.
func (s *Server) handleDatagram(ctx context.Context, d network.Datagram) {
	now := time.Now()
	s.metrics.DatagramsReceived.Inc()

	if !s.guard.Allow(d.From, now) {
		s.metrics.RateLimitedTotal.Inc()
		return
	}

	msg, err := s.codec.Decode(d.Data)
	if err != nil {
		s.metrics.MalformedTotal.Inc()
		s.log.Debug("Dropping malformed datagram", zap.String("addr", d.From), zap.Error(err))
		return
	}
	s.metrics.RecordReceived(msg.Type.String())

	p, created, err := s.dir.GetOrCreate(d.From)
	if err != nil {
		s.log.Warn("Dropping datagram from new peer", zap.String("addr", d.From), zap.Error(err))
		return
	}
	if created {
		s.log.Debug("New peer discovered", zap.String("addr", d.From))
	}
	s.dir.Touch(d.From, now)

	// Every copy of a reliable message is acknowledged, duplicates included.
	if msg.RequiresAck {
		if err := s.send(ctx, d.From, network.NewAck(msg.SequenceNumber)); err != nil {
			s.log.Debug("Failed to send ack", zap.String("addr", d.From), zap.Error(err))
		} else {
			s.metrics.AcksSent.Inc()
		}
	}
	if p.Engine.OnReceive(msg.SequenceNumber, msg.ID) {
		s.metrics.RecordDuplicate("sequence")
		return
	}

	s.dispatch(ctx, p, msg)
}

func (s *Server) dispatch(ctx context.Context, p peer.Peer, msg network.Message) {
	switch msg.Type {
	case network.HandshakeRequest:
		s.handleHandshakeRequest(ctx, p, msg)

	case network.HandshakeResponse:
		s.handleHandshakeResponse(ctx, p, msg)

	case network.Ping:
		pong, err := network.NewMessage(network.Pong, nil)
		if err != nil {
			return
		}
		if err := s.send(ctx, p.Addr, pong); err != nil {
			s.log.Debug("Failed to send pong", zap.String("addr", p.Addr), zap.Error(err))
		}

	case network.Pong:
		// activity already recorded

	case network.DiscoveryRequest:
		if !s.requireAuthenticated(ctx, p, msg) {
			return
		}
		reply, err := network.NewMessage(network.DiscoveryResponse, network.DiscoveryReply{
			Peers: s.dir.PeerInfos(p.Addr),
		})
		if err != nil {
			return
		}
		if err := s.send(ctx, p.Addr, reply); err != nil {
			s.log.Debug("Failed to send discovery response", zap.String("addr", p.Addr), zap.Error(err))
		}

	case network.DiscoveryResponse:
		if !s.requireAuthenticated(ctx, p, msg) {
			return
		}
		s.handleDiscoveryResponse(p, msg)

	case network.Data:
		if !s.requireAuthenticated(ctx, p, msg) {
			return
		}
		env, err := network.RoutedMessageFromMessage(msg)
		if err != nil {
			s.metrics.MalformedTotal.Inc()
			s.log.Debug("Bad routed message", zap.String("addr", p.Addr), zap.Error(err))
			return
		}
		if _, err := s.router.Route(ctx, env, p.Addr); err != nil {
			s.log.Debug("Routing failed", zap.Stringer("route_id", env.RouteID), zap.Error(err))
		}

	case network.Ack:
		if !p.Engine.OnAck(*msg.AckFor) {
			s.log.Debug("Ack for unknown sequence", zap.String("addr", p.Addr), zap.Uint32("seq", *msg.AckFor))
		}

	case network.Retransmit:
		var req network.RetransmitPayload
		if err := msg.DecodePayload(&req); err != nil {
			s.metrics.MalformedTotal.Inc()
			return
		}
		if !p.Engine.Resend(req.SequenceNumber) {
			s.log.Debug("Retransmit for unknown sequence", zap.String("addr", p.Addr), zap.Uint32("seq", req.SequenceNumber))
		}

	case network.Disconnect:
		var reason network.DisconnectPayload
		_ = msg.DecodePayload(&reason)
		if reason.Reason == "" {
			reason.Reason = "peer disconnected"
		}
		s.dropPeer(p.Addr, reason.Reason)

	case network.Error:
		var e network.ErrorPayload
		_ = msg.DecodePayload(&e)
		s.metrics.ErrorsReceived.Inc()
		s.log.Warn("Peer reported error", zap.String("addr", p.Addr), zap.String("error", e.Error))

	default:
		s.log.Warn("Unhandled message type",
			zap.String("addr", p.Addr),
			zap.Stringer("type", msg.Type),
			zap.Error(network.ErrMalformedMessage))
	}
}

// requireAuthenticated answers unauthenticated peers with an Error.
func (s *Server) requireAuthenticated(ctx context.Context, p peer.Peer, msg network.Message) bool {
	if p.IsAuthenticated() {
		return true
	}
	s.log.Debug("Message from unauthenticated peer",
		zap.String("addr", p.Addr),
		zap.Stringer("type", msg.Type),
		zap.Stringer("state", p.State))
	reply := network.NewErrorMessage(ErrNotAuthenticated.Error() + ": " + msg.Type.String())
	if err := s.send(ctx, p.Addr, reply); err != nil {
		s.log.Debug("Failed to send error", zap.String("addr", p.Addr), zap.Error(err))
	}
	return false
}

// handleDiscoveryResponse learns distance-2 routes through the announcing
// peer and queues unknown addresses as handshake candidates.
func (s *Server) handleDiscoveryResponse(p peer.Peer, msg network.Message) {
	var reply network.DiscoveryReply
	if err := msg.DecodePayload(&reply); err != nil {
		s.metrics.MalformedTotal.Inc()
		return
	}

	learned := 0
	for _, info := range reply.Peers {
		if info.ID == s.local.ID || info.ID == p.NodeID || info.ID == uuid.Nil {
			continue
		}
		if s.table.Update(info.ID, p.NodeID, 2) {
			learned++
		}

		if !s.opts.AutoConnect || info.Addr == "" || info.Addr == s.transport.LocalAddr() {
			continue
		}
		if _, known := s.dir.LookupNode(info.ID); known {
			continue
		}
		if _, known := s.dir.Lookup(info.Addr); known {
			continue
		}
		select {
		case s.discovered <- info.Addr:
		default:
		}
	}
	if learned > 0 {
		s.log.Debug("Learned routes from discovery",
			zap.String("addr", p.Addr),
			zap.Int("routes", learned))
	}
}
