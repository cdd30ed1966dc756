package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "hieramesh"

// Metrics holds all Prometheus metrics for a node.
type Metrics struct {
	// Transport metrics
	DatagramsReceived prometheus.Counter
	DatagramsSent     prometheus.Counter
	SendErrors        prometheus.Counter
	MalformedTotal    prometheus.Counter
	RateLimitedTotal  prometheus.Counter

	// Message metrics
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec
	ErrorsReceived   prometheus.Counter
	HandshakesTotal  *prometheus.CounterVec

	// Reliability metrics
	AcksSent         prometheus.Counter
	Retransmissions  prometheus.Counter
	DeliveryFailures prometheus.Counter
	Duplicates       *prometheus.CounterVec
	AckLatency       prometheus.Histogram

	// Routing metrics
	RoutingOutcomes *prometheus.CounterVec
	Routes          prometheus.Gauge
	DedupEntries    prometheus.Gauge

	// System metrics
	Peers             *prometheus.GaugeVec
	WorkerPoolActive  prometheus.Gauge
	WorkerPoolPending prometheus.Gauge

	// gRPC metrics
	GRPCRequestsTotal   *prometheus.CounterVec
	GRPCRequestDuration *prometheus.HistogramVec
}

// NewMetrics registers a new set of metrics on reg. A nil reg uses a fresh
// private registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		DatagramsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_received_total",
			Help:      "Total number of datagrams read from the transport",
		}),
		DatagramsSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "datagrams_sent_total",
			Help:      "Total number of datagrams written to the transport",
		}),
		SendErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total number of failed transport sends",
		}),
		MalformedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_messages_total",
			Help:      "Total number of datagrams that failed to decode",
		}),
		RateLimitedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Total number of datagrams dropped by the inbound rate guard",
		}),

		MessagesReceived: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total messages received by type",
		}, []string{"type"}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Total messages sent by type",
		}, []string{"type"}),
		ErrorsReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "error_messages_received_total",
			Help:      "Total Error messages received from peers",
		}),
		HandshakesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Handshakes by result",
		}, []string{"result"}),

		AcksSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "acks_sent_total",
			Help:      "Total acknowledgements sent",
		}),
		Retransmissions: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retransmissions_total",
			Help:      "Total timer-driven retransmissions",
		}),
		DeliveryFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_failures_total",
			Help:      "Total reliable sends that exhausted their retries",
		}),
		Duplicates: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicates_suppressed_total",
			Help:      "Duplicates suppressed by layer",
		}, []string{"layer"}),
		AckLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "ack_latency_seconds",
			Help:      "Time from first send to acknowledgement",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),

		RoutingOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "routing_outcomes_total",
			Help:      "Routed messages by outcome",
		}, []string{"outcome"}),
		Routes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routes",
			Help:      "Current number of routing table entries",
		}),
		DedupEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dedup_entries",
			Help:      "Current number of route ids in the dedup cache",
		}),

		Peers: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Current number of peers by state",
		}, []string{"state"}),
		WorkerPoolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_active",
			Help:      "Number of deliver callbacks running",
		}),
		WorkerPoolPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_pending",
			Help:      "Number of deliver callbacks queued",
		}),

		GRPCRequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "Total gRPC requests by method and status",
		}, []string{"method", "status"}),
		GRPCRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request duration by method",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
}

// RecordReceived counts one decoded inbound message.
func (m *Metrics) RecordReceived(msgType string) {
	m.MessagesReceived.WithLabelValues(msgType).Inc()
}

// RecordSent counts one outbound message.
func (m *Metrics) RecordSent(msgType string) {
	m.DatagramsSent.Inc()
	m.MessagesSent.WithLabelValues(msgType).Inc()
}

// RecordDuplicate counts a suppressed duplicate at the given layer
// ("sequence" or "route").
func (m *Metrics) RecordDuplicate(layer string) {
	m.Duplicates.WithLabelValues(layer).Inc()
}

// RecordHandshake counts a handshake by result.
func (m *Metrics) RecordHandshake(result string) {
	m.HandshakesTotal.WithLabelValues(result).Inc()
}

// RecordRouting counts a routing decision.
func (m *Metrics) RecordRouting(outcome string) {
	m.RoutingOutcomes.WithLabelValues(outcome).Inc()
}

// RecordAck observes the latency of an acknowledged reliable send.
func (m *Metrics) RecordAck(latency time.Duration) {
	m.AckLatency.Observe(latency.Seconds())
}

// RecordGRPCRequest records a gRPC request.
func (m *Metrics) RecordGRPCRequest(method, status string, duration time.Duration) {
	m.GRPCRequestsTotal.WithLabelValues(method, status).Inc()
	m.GRPCRequestDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// UpdatePeers sets the peer gauges from counts by state name.
func (m *Metrics) UpdatePeers(byState map[string]int) {
	for state, n := range byState {
		m.Peers.WithLabelValues(state).Set(float64(n))
	}
}

// UpdateRouting sets the routing gauges.
func (m *Metrics) UpdateRouting(routes, dedupEntries int) {
	m.Routes.Set(float64(routes))
	m.DedupEntries.Set(float64(dedupEntries))
}

// UpdateWorkerPool updates worker pool gauges.
func (m *Metrics) UpdateWorkerPool(active, pending int) {
	m.WorkerPoolActive.Set(float64(active))
	m.WorkerPoolPending.Set(float64(pending))
}
