package server

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/VanDung-dev/HieraMesh/config"
	"github.com/VanDung-dev/HieraMesh/monitoring"
	"github.com/VanDung-dev/HieraMesh/reliability"
)

// DeliverFunc receives a payload routed to this node and its source node id.
type DeliverFunc func(payload []byte, source uuid.UUID)

// Options configures a Server.
type Options struct {
	Name      string
	NetworkID string
	// AuthToken is presented to peers in handshake metadata and, with the
	// default acceptance predicate, required from them.
	AuthToken string
	// Accept decides whether a validated handshake is admitted. Nil uses
	// NetworkAcceptor(NetworkID, AuthToken).
	Accept AcceptFunc

	// Capabilities are announced in the handshake on top of the defaults.
	Capabilities []string

	MaxPeers          int
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	CleanupInterval   time.Duration
	StatsInterval     time.Duration

	Reliability reliability.Config

	DedupTTL           time.Duration
	DedupSweepInterval time.Duration

	DefaultMaxHops uint32
	RouteTTL       time.Duration

	DiscoveryEnabled bool
	AutoConnect      bool

	CompressThreshold int

	RateLimit rate.Limit
	RateBurst int

	Workers int

	// Candidates supplies addresses to handshake with.
	Candidates <-chan string
	// Deliver receives payloads routed to this node. It runs on the worker
	// pool, never on the receive loop.
	Deliver DeliverFunc

	Metrics *monitoring.Metrics
	Logger  *zap.Logger
}

// DefaultOptions mirrors config.Default.
func DefaultOptions() Options {
	return OptionsFromConfig(config.Default())
}

// OptionsFromConfig maps a loaded configuration to server options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Name:              cfg.NodeName,
		NetworkID:         cfg.NetworkID,
		AuthToken:         cfg.AuthToken,
		Capabilities:      cfg.Capabilities,
		MaxPeers:          cfg.MaxPeers,
		HeartbeatInterval: cfg.HeartbeatInterval.Std(),
		PeerTimeout:       cfg.PeerTimeout.Std(),
		CleanupInterval:   cfg.CleanupInterval.Std(),
		StatsInterval:     cfg.StatsInterval.Std(),
		Reliability: reliability.Config{
			BaseInterval: cfg.Reliability.BaseInterval.Std(),
			MaxInterval:  cfg.Reliability.MaxInterval.Std(),
			MaxRetries:   cfg.Reliability.MaxRetries,
			WindowSize:   cfg.Reliability.WindowSize,
		},
		DedupTTL:           cfg.Dedup.TTL.Std(),
		DedupSweepInterval: cfg.Dedup.SweepInterval.Std(),
		DefaultMaxHops:     cfg.Routing.DefaultMaxHops,
		RouteTTL:           cfg.Routing.RouteTTL.Std(),
		DiscoveryEnabled:   cfg.Discovery.Enabled,
		AutoConnect:        cfg.Discovery.AutoConnect,
		CompressThreshold:  cfg.Codec.CompressThreshold,
		RateLimit:          rate.Limit(cfg.RateLimit.PerSecond),
		RateBurst:          cfg.RateLimit.Burst,
		Workers:            cfg.Workers,
	}
}

func (o Options) withDefaults() Options {
	d := config.Default()
	if o.Name == "" {
		o.Name = d.NodeName
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = d.HeartbeatInterval.Std()
	}
	if o.PeerTimeout <= 0 {
		o.PeerTimeout = d.PeerTimeout.Std()
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = d.CleanupInterval.Std()
	}
	if o.StatsInterval <= 0 {
		o.StatsInterval = d.StatsInterval.Std()
	}
	if o.DedupSweepInterval <= 0 {
		o.DedupSweepInterval = d.Dedup.SweepInterval.Std()
	}
	if o.DefaultMaxHops == 0 {
		o.DefaultMaxHops = d.Routing.DefaultMaxHops
	}
	if o.Workers <= 0 {
		o.Workers = d.Workers
	}
	if o.Accept == nil {
		o.Accept = NetworkAcceptor(o.NetworkID, o.AuthToken)
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = monitoring.NewMetrics(monitoring.DefaultNamespace, nil)
	}
	return o
}
