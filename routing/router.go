package routing

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraMesh/cache"
	"github.com/VanDung-dev/HieraMesh/network"
	"github.com/VanDung-dev/HieraMesh/peer"
)

// ErrRouteUnreachable is reported when a stored next hop can no longer be used
// or a routed message has nowhere to go.
var ErrRouteUnreachable = errors.New("route unreachable")

// DefaultMaxHops is the hop budget of messages sent without an explicit one.
const DefaultMaxHops = 10

// Outcome is what the router did with an envelope.
type Outcome uint8

const (
	OutcomeDuplicate Outcome = iota
	OutcomeDelivered
	OutcomeExpired
	OutcomeForwarded
	OutcomeBroadcast
	OutcomeDropped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeDelivered:
		return "delivered"
	case OutcomeExpired:
		return "expired"
	case OutcomeForwarded:
		return "forwarded"
	case OutcomeBroadcast:
		return "broadcast"
	case OutcomeDropped:
		return "dropped"
	default:
		return fmt.Sprintf("Outcome(%d)", uint8(o))
	}
}

// DeliverFunc hands a payload addressed to this node to the application.
// An error means the payload was not accepted and may be routed again.
type DeliverFunc func(ctx context.Context, payload []byte, source uuid.UUID) error

// Sender puts a message on the wire towards one peer.
type Sender interface {
	SendToPeer(ctx context.Context, p peer.Peer, msg network.Message) error
}

// Options configures a Router.
type Options struct {
	Local          uuid.UUID
	DefaultMaxHops uint32
	Deliver        DeliverFunc
	// OnOutcome observes every routing decision.
	OnOutcome func(Outcome)
	// OnSendFailure observes failed per-peer sends.
	OnSendFailure func(addr string, err error)
	Logger        *zap.Logger
}

// Stats counts routing decisions.
type Stats struct {
	Delivered    uint64 `json:"delivered"`
	Forwarded    uint64 `json:"forwarded"`
	Broadcast    uint64 `json:"broadcast"`
	Duplicate    uint64 `json:"duplicate"`
	Expired      uint64 `json:"expired"`
	Dropped      uint64 `json:"dropped"`
	SendFailures uint64 `json:"send_failures"`
}

// Router forwards RoutedMessage envelopes towards their destination.
type Router struct {
	opts   Options
	log    *zap.Logger
	dir    *peer.Directory
	table  *Table
	seen   *cache.TTLCache[uuid.UUID]
	sender Sender

	counts       [OutcomeDropped + 1]atomic.Uint64
	sendFailures atomic.Uint64
}

// NewRouter creates a router over the given directory, table and dedup cache.
func NewRouter(opts Options, dir *peer.Directory, table *Table, seen *cache.TTLCache[uuid.UUID], sender Sender) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.DefaultMaxHops == 0 {
		opts.DefaultMaxHops = DefaultMaxHops
	}
	return &Router{
		opts:   opts,
		log:    opts.Logger,
		dir:    dir,
		table:  table,
		seen:   seen,
		sender: sender,
	}
}

// SendRoutedData originates a routed message to dest. A zero maxHops uses the
// default budget.
func (r *Router) SendRoutedData(ctx context.Context, dest uuid.UUID, payload []byte, maxHops uint32) (uuid.UUID, Outcome, error) {
	if maxHops == 0 {
		maxHops = r.opts.DefaultMaxHops
	}
	env := network.NewRoutedMessage(payload, r.opts.Local, dest, maxHops)

	outcome, err := r.Route(ctx, env, "")
	return env.RouteID, outcome, err
}

// Route processes an envelope received from the peer at from, or originated
// locally when from is empty.
func (r *Router) Route(ctx context.Context, env network.RoutedMessage, from string) (Outcome, error) {
	if !r.seen.CheckAndAdd(env.RouteID, time.Now()) {
		return r.done(OutcomeDuplicate), nil
	}

	if env.Destination == r.opts.Local {
		if r.opts.Deliver != nil {
			if err := r.opts.Deliver(ctx, env.Payload, env.Source); err != nil {
				// Forget the id so another copy of the envelope is accepted.
				r.seen.Remove(env.RouteID)
				return r.done(OutcomeDropped), err
			}
		}
		return r.done(OutcomeDelivered), nil
	}

	if env.Expired() {
		r.log.Debug("Dropping routed message at hop limit",
			zap.Stringer("route_id", env.RouteID),
			zap.Uint32("hop_count", env.HopCount))
		return r.done(OutcomeExpired), nil
	}
	env.HopCount++

	msg, err := env.ToMessage()
	if err != nil {
		return r.done(OutcomeExpired), err
	}

	if route, ok := r.table.Lookup(env.Destination); ok {
		next, found := r.dir.LookupNode(route.NextHop)
		if found && next.IsAuthenticated() {
			err := r.sender.SendToPeer(ctx, next, msg)
			if err == nil {
				return r.done(OutcomeForwarded), nil
			}
			r.sendFailed(next.Addr, err)
		}
		r.table.Remove(env.Destination)
		r.log.Debug("Next hop unusable, falling back to broadcast",
			zap.Error(ErrRouteUnreachable),
			zap.Stringer("destination", env.Destination),
			zap.Stringer("next_hop", route.NextHop))
	}

	sent := r.broadcast(ctx, env, msg, from)
	if sent == 0 && from == "" {
		return r.done(OutcomeBroadcast), fmt.Errorf("%w: no authenticated peers for %s", ErrRouteUnreachable, env.Destination)
	}
	return r.done(OutcomeBroadcast), nil
}

// broadcast sends msg to every Authenticated peer except the one at
// exceptAddr and the envelope's source node. It returns how many sends
// succeeded.
func (r *Router) broadcast(ctx context.Context, env network.RoutedMessage, msg network.Message, exceptAddr string) int {
	peers := r.dir.SnapshotAuthenticated()

	sent := 0
	for _, p := range peers {
		if p.Addr == exceptAddr || p.NodeID == env.Source {
			continue
		}
		if err := r.sender.SendToPeer(ctx, p, msg); err != nil {
			r.sendFailed(p.Addr, err)
			continue
		}
		sent++
	}
	return sent
}

func (r *Router) sendFailed(addr string, err error) {
	r.sendFailures.Add(1)
	r.log.Warn("Failed to send routed message", zap.String("addr", addr), zap.Error(err))
	if r.opts.OnSendFailure != nil {
		r.opts.OnSendFailure(addr, err)
	}
}

func (r *Router) done(o Outcome) Outcome {
	r.counts[o].Add(1)
	if r.opts.OnOutcome != nil {
		r.opts.OnOutcome(o)
	}
	return o
}

// Stats returns the routing counters.
func (r *Router) Stats() Stats {
	return Stats{
		Delivered:    r.counts[OutcomeDelivered].Load(),
		Forwarded:    r.counts[OutcomeForwarded].Load(),
		Broadcast:    r.counts[OutcomeBroadcast].Load(),
		Duplicate:    r.counts[OutcomeDuplicate].Load(),
		Expired:      r.counts[OutcomeExpired].Load(),
		Dropped:      r.counts[OutcomeDropped].Load(),
		SendFailures: r.sendFailures.Load(),
	}
}

// SweepSeen drops expired dedup entries.
func (r *Router) SweepSeen(now time.Time) int {
	return r.seen.Sweep(now)
}
