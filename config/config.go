// Package config loads node configuration from YAML files.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportUDP = "udp"
	TransportZMQ = "zmq"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid configuration")

// Duration is a time.Duration read from a Go duration string.
type Duration time.Duration

// UnmarshalYAML parses strings such as "500ms" or "30s".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Reliability holds retransmission parameters.
type Reliability struct {
	BaseInterval Duration `yaml:"base_interval"`
	MaxInterval  Duration `yaml:"max_interval"`
	MaxRetries   int      `yaml:"max_retries"`
	WindowSize   int      `yaml:"window_size"`
}

// Dedup holds route-id deduplication parameters.
type Dedup struct {
	TTL           Duration `yaml:"ttl"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// Routing holds routing parameters.
type Routing struct {
	DefaultMaxHops uint32   `yaml:"default_max_hops"`
	RouteTTL       Duration `yaml:"route_ttl"`
}

// Discovery holds peer discovery parameters.
type Discovery struct {
	Enabled     bool     `yaml:"enabled"`
	AutoConnect bool     `yaml:"auto_connect"`
	Seeds       []string `yaml:"seeds,omitempty"`
}

// Codec holds wire codec parameters.
type Codec struct {
	CompressThreshold int `yaml:"compress_threshold"`
}

// RateLimit bounds inbound datagrams per source address.
type RateLimit struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// Control configures the gRPC control API.
type Control struct {
	Address string `yaml:"address"`
	Token   string `yaml:"token"`
}

// Metrics configures the Prometheus endpoint.
type Metrics struct {
	Address string `yaml:"address"`
}

// Log configures logging.
type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the node configuration.
type Config struct {
	ListenAddress     string      `yaml:"listen_address"`
	Transport         string      `yaml:"transport"`
	NodeName          string      `yaml:"node_name"`
	NetworkID         string      `yaml:"network_id"`
	AuthToken         string      `yaml:"auth_token"`
	Capabilities      []string    `yaml:"capabilities,omitempty"`
	MaxPeers          int         `yaml:"max_peers"`
	HeartbeatInterval Duration    `yaml:"heartbeat_interval"`
	PeerTimeout       Duration    `yaml:"peer_timeout"`
	CleanupInterval   Duration    `yaml:"cleanup_interval"`
	StatsInterval     Duration    `yaml:"stats_interval"`
	Reliability       Reliability `yaml:"reliability"`
	Dedup             Dedup       `yaml:"dedup"`
	Routing           Routing     `yaml:"routing"`
	Discovery         Discovery   `yaml:"discovery"`
	Codec             Codec       `yaml:"codec"`
	RateLimit         RateLimit   `yaml:"rate_limit"`
	Workers           int         `yaml:"workers"`
	Control           Control     `yaml:"control"`
	Metrics           Metrics     `yaml:"metrics"`
	Log               Log         `yaml:"log"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		ListenAddress:     "0.0.0.0:7946",
		Transport:         TransportUDP,
		NodeName:          "hieramesh-node",
		NetworkID:         "hieramesh",
		MaxPeers:          100,
		HeartbeatInterval: Duration(30 * time.Second),
		PeerTimeout:       Duration(60 * time.Second),
		CleanupInterval:   Duration(10 * time.Second),
		StatsInterval:     Duration(60 * time.Second),
		Reliability: Reliability{
			BaseInterval: Duration(500 * time.Millisecond),
			MaxInterval:  Duration(8 * time.Second),
			MaxRetries:   5,
			WindowSize:   1024,
		},
		Dedup: Dedup{
			TTL:           Duration(5 * time.Minute),
			SweepInterval: Duration(time.Minute),
		},
		Routing: Routing{
			DefaultMaxHops: 10,
			RouteTTL:       Duration(5 * time.Minute),
		},
		Discovery: Discovery{
			Enabled:     true,
			AutoConnect: true,
		},
		Codec: Codec{
			CompressThreshold: 1024,
		},
		RateLimit: RateLimit{
			PerSecond: 200,
			Burst:     400,
		},
		Workers: 4,
		Log: Log{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Marshal encodes the configuration as YAML.
func (c Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// Validate checks that the configuration is usable.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.ListenAddress != "", "listen_address is required")
	check(c.Transport == TransportUDP || c.Transport == TransportZMQ, "transport must be %q or %q, got %q", TransportUDP, TransportZMQ, c.Transport)
	check(c.NodeName != "", "node_name is required")
	check(c.MaxPeers >= 0, "max_peers must not be negative")
	check(c.HeartbeatInterval > 0, "heartbeat_interval must be positive")
	check(c.PeerTimeout > c.HeartbeatInterval, "peer_timeout must exceed heartbeat_interval")
	check(c.CleanupInterval > 0, "cleanup_interval must be positive")
	check(c.StatsInterval > 0, "stats_interval must be positive")
	check(c.Reliability.BaseInterval > 0, "reliability.base_interval must be positive")
	check(c.Reliability.MaxInterval >= c.Reliability.BaseInterval, "reliability.max_interval must be at least base_interval")
	check(c.Reliability.MaxRetries >= 0, "reliability.max_retries must not be negative")
	check(c.Reliability.WindowSize > 0, "reliability.window_size must be positive")
	check(c.Dedup.TTL > 0, "dedup.ttl must be positive")
	check(c.Dedup.SweepInterval > 0, "dedup.sweep_interval must be positive")
	check(c.Routing.DefaultMaxHops > 0, "routing.default_max_hops must be positive")
	check(c.Routing.RouteTTL >= 0, "routing.route_ttl must not be negative")
	check(c.RateLimit.PerSecond >= 0, "rate_limit.per_second must not be negative")
	check(c.RateLimit.PerSecond == 0 || c.RateLimit.Burst > 0, "rate_limit.burst must be positive when rate limiting is on")
	check(c.Workers > 0, "workers must be positive")
	check(c.Log.Format == "" || c.Log.Format == "json" || c.Log.Format == "console", "log.format must be json or console")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
