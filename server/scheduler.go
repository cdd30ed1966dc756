package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/HieraMesh/network"
	"github.com/VanDung-dev/HieraMesh/peer"
)

// startScheduler adds the periodic maintenance tasks to g.
func (s *Server) startScheduler(ctx context.Context, g *errgroup.Group) {
	s.every(ctx, g, s.opts.HeartbeatInterval, s.heartbeat)
	s.every(ctx, g, s.opts.CleanupInterval, s.cleanup)
	s.every(ctx, g, s.opts.StatsInterval, s.reportStats)
	s.every(ctx, g, s.opts.DedupSweepInterval, s.sweepDedup)
	if s.opts.RouteTTL > 0 {
		s.every(ctx, g, s.opts.RouteTTL/2, s.ageRoutes)
	}
}

// every runs task on its own ticker until ctx ends.
func (s *Server) every(ctx context.Context, g *errgroup.Group, interval time.Duration, task func(context.Context)) {
	if interval <= 0 {
		return
	}
	g.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				task(ctx)
			}
		}
	})
}

// heartbeat pings every authenticated peer and refreshes discovery.
func (s *Server) heartbeat(ctx context.Context) {
	peers := s.dir.SnapshotAuthenticated()
	for _, p := range peers {
		ping, err := network.NewMessage(network.Ping, nil)
		if err != nil {
			return
		}
		if err := s.send(ctx, p.Addr, ping); err != nil {
			s.log.Debug("Heartbeat failed", zap.String("addr", p.Addr), zap.Error(err))
			continue
		}
		s.requestDiscovery(ctx, p)
	}
}

// cleanup evicts peers idle for longer than the peer timeout.
func (s *Server) cleanup(_ context.Context) {
	now := time.Now()
	cutoff := now.Add(-s.opts.PeerTimeout)

	for _, idle := range s.dir.Inactive(cutoff) {
		// The receive loop may have touched the peer since the listing.
		if p, ok := s.dir.RemoveIfInactive(idle.Addr, cutoff); ok {
			s.peerRemoved(p, "timeout")
		}
	}
	if n := s.guard.Prune(cutoff); n > 0 {
		s.log.Debug("Pruned idle rate buckets", zap.Int("count", n))
	}
}

// reportStats logs directory totals and refreshes the gauges.
func (s *Server) reportStats(_ context.Context) {
	st := s.dir.Stats()
	s.metrics.UpdatePeers(map[string]int{
		peer.Discovered.String():         st.Discovered,
		peer.HandshakeInitiated.String(): st.HandshakeInitiated,
		peer.Authenticated.String():      st.Authenticated,
		peer.Disconnected.String():       st.Disconnected,
	})
	s.metrics.UpdateRouting(s.table.Len(), s.seen.Len())

	pool := s.pool.GetStats()
	s.metrics.UpdateWorkerPool(int(pool.Active), pool.Pending)

	s.log.Info("Node stats",
		zap.Int("peers", st.Total),
		zap.Int("authenticated", st.Authenticated),
		zap.Int("handshaking", st.HandshakeInitiated),
		zap.Int("discovered", st.Discovered),
		zap.Int("routes", s.table.Len()),
		zap.Int("dedup_entries", s.seen.Len()))
}

// sweepDedup drops expired route ids.
func (s *Server) sweepDedup(_ context.Context) {
	if n := s.router.SweepSeen(time.Now()); n > 0 {
		s.log.Debug("Swept dedup cache", zap.Int("removed", n))
	}
}

// ageRoutes drops indirect routes that were not re-announced in time.
func (s *Server) ageRoutes(_ context.Context) {
	if n := s.table.Expire(s.opts.RouteTTL, 2); n > 0 {
		s.log.Debug("Expired stale routes", zap.Int("removed", n))
	}
}
