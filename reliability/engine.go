package reliability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VanDung-dev/HieraMesh/network"
)

// Common errors for reliable delivery
var (
	ErrDeliveryFailed = errors.New("delivery failed: retries exhausted")
	ErrPeerGone       = errors.New("peer is gone")
)

// Default retransmission parameters.
const (
	DefaultBaseInterval = 500 * time.Millisecond
	DefaultMaxInterval  = 8 * time.Second
	DefaultMaxRetries   = 5
)

// Config holds the retransmission parameters of an Engine.
type Config struct {
	BaseInterval time.Duration
	MaxInterval  time.Duration
	MaxRetries   int
	WindowSize   int
}

// DefaultConfig returns the default retransmission parameters.
func DefaultConfig() Config {
	return Config{
		BaseInterval: DefaultBaseInterval,
		MaxInterval:  DefaultMaxInterval,
		MaxRetries:   DefaultMaxRetries,
		WindowSize:   DefaultWindowSize,
	}
}

func (c Config) normalized() Config {
	d := DefaultConfig()
	if c.BaseInterval <= 0 {
		c.BaseInterval = d.BaseInterval
	}
	if c.MaxInterval < c.BaseInterval {
		c.MaxInterval = c.BaseInterval
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	return c
}

// TransmitFunc puts one encoded copy of msg on the wire.
type TransmitFunc func(msg network.Message) error

// Hooks receive engine events. Any field may be nil.
type Hooks struct {
	// OnRetransmit is called after each timer-driven resend.
	OnRetransmit func(seq uint32, attempt int)
	// OnFailure is called once when a message exhausts its retries.
	OnFailure func(seq uint32, msg network.Message)
	// OnAck is called when a pending message is acknowledged.
	OnAck func(seq uint32, latency time.Duration)
}

// Delivery is the outcome of one reliable send.
type Delivery struct {
	seq  uint32
	done chan struct{}
	once sync.Once
	err  error
}

func newDelivery(seq uint32) *Delivery {
	return &Delivery{seq: seq, done: make(chan struct{})}
}

func (d *Delivery) resolve(err error) bool {
	resolved := false
	d.once.Do(func() {
		d.err = err
		close(d.done)
		resolved = true
	})
	return resolved
}

// Seq returns the sequence number assigned to the message.
func (d *Delivery) Seq() uint32 { return d.seq }

// Done is closed when the message is acknowledged or has failed.
func (d *Delivery) Done() <-chan struct{} { return d.done }

// Err returns nil once acknowledged, or the failure. It is only meaningful
// after Done is closed.
func (d *Delivery) Err() error {
	select {
	case <-d.done:
		return d.err
	default:
		return nil
	}
}

// Wait blocks until the delivery resolves or ctx ends.
func (d *Delivery) Wait(ctx context.Context) error {
	select {
	case <-d.done:
		return d.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pendingEntry struct {
	msg       network.Message
	transmit  TransmitFunc
	firstSent time.Time
	attempts  int
	backoff   time.Duration
	timer     *time.Timer
	delivery  *Delivery
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Pending       int    `json:"pending"`
	Sent          uint64 `json:"sent"`
	Acked         uint64 `json:"acked"`
	Retransmitted uint64 `json:"retransmitted"`
	Failed        uint64 `json:"failed"`
}

// Engine tracks reliable messages exchanged with one peer.
type Engine struct {
	cfg   Config
	hooks Hooks
	log   *zap.Logger

	mu      sync.Mutex
	nextSeq uint32
	pending map[uint32]*pendingEntry
	closed  bool

	window *Window

	sent          atomic.Uint64
	acked         atomic.Uint64
	retransmitted atomic.Uint64
	failed        atomic.Uint64
}

// NewEngine creates an engine. A nil logger disables logging.
func NewEngine(cfg Config, hooks Hooks, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.normalized()
	return &Engine{
		cfg:     cfg,
		hooks:   hooks,
		log:     log,
		pending: make(map[uint32]*pendingEntry),
		window:  NewWindow(cfg.WindowSize),
	}
}

// SendReliable assigns the next sequence number to msg, marks it as requiring
// an ack and transmits it. The copy is retransmitted until acknowledged or
// the retry budget is spent. A failed first transmit counts as a lost copy.
func (e *Engine) SendReliable(msg network.Message, transmit TransmitFunc) (*Delivery, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrPeerGone
	}

	e.nextSeq++
	if e.nextSeq == 0 {
		e.nextSeq = 1
	}
	seq := e.nextSeq

	msg.SequenceNumber = seq
	msg.RequiresAck = true
	msg.AckFor = nil

	entry := &pendingEntry{
		msg:       msg,
		transmit:  transmit,
		firstSent: time.Now(),
		backoff:   e.cfg.BaseInterval,
		delivery:  newDelivery(seq),
	}
	entry.timer = time.AfterFunc(entry.backoff, func() { e.onTimer(seq) })
	e.pending[seq] = entry
	e.mu.Unlock()

	e.sent.Add(1)
	if err := transmit(msg); err != nil {
		e.log.Debug("Initial transmit failed, will retry",
			zap.Uint32("seq", seq), zap.Error(err))
	}
	return entry.delivery, nil
}

// OnAck resolves the pending message with the given sequence number. Unknown
// or already resolved sequence numbers are ignored and return false.
func (e *Engine) OnAck(seq uint32) bool {
	e.mu.Lock()
	entry, ok := e.pending[seq]
	if ok {
		entry.timer.Stop()
		delete(e.pending, seq)
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	e.acked.Add(1)
	entry.delivery.resolve(nil)
	if e.hooks.OnAck != nil {
		e.hooks.OnAck(seq, time.Since(entry.firstSent))
	}
	return true
}

// Resend retransmits a pending message on the peer's request.
func (e *Engine) Resend(seq uint32) bool {
	e.mu.Lock()
	entry, ok := e.pending[seq]
	var msg network.Message
	var transmit TransmitFunc
	if ok {
		msg = entry.msg
		transmit = entry.transmit
	}
	e.mu.Unlock()

	if !ok {
		return false
	}
	e.retransmitted.Add(1)
	if err := transmit(msg); err != nil {
		e.log.Debug("Requested resend failed", zap.Uint32("seq", seq), zap.Error(err))
	}
	return true
}

// onTimer runs when a pending message's backoff elapses.
func (e *Engine) onTimer(seq uint32) {
	e.mu.Lock()
	entry, ok := e.pending[seq]
	if !ok || e.closed {
		e.mu.Unlock()
		return
	}

	if entry.attempts >= e.cfg.MaxRetries {
		delete(e.pending, seq)
		e.mu.Unlock()

		if entry.delivery.resolve(ErrDeliveryFailed) {
			e.failed.Add(1)
			e.log.Warn("Reliable delivery failed",
				zap.Uint32("seq", seq),
				zap.Stringer("type", entry.msg.Type),
				zap.Int("retries", entry.attempts),
				zap.Duration("elapsed", time.Since(entry.firstSent)))
			if e.hooks.OnFailure != nil {
				e.hooks.OnFailure(seq, entry.msg)
			}
		}
		return
	}

	entry.attempts++
	attempt := entry.attempts
	entry.backoff *= 2
	if entry.backoff > e.cfg.MaxInterval {
		entry.backoff = e.cfg.MaxInterval
	}
	entry.timer.Reset(entry.backoff)
	msg := entry.msg
	transmit := entry.transmit
	e.mu.Unlock()

	e.retransmitted.Add(1)
	if err := transmit(msg); err != nil {
		e.log.Debug("Retransmit failed", zap.Uint32("seq", seq), zap.Error(err))
	}
	if e.hooks.OnRetransmit != nil {
		e.hooks.OnRetransmit(seq, attempt)
	}
}

// OnReceive records an incoming reliable message and reports whether it is a
// copy of one already handled. Messages without a sequence number are never
// duplicates.
func (e *Engine) OnReceive(seq uint32, id uuid.UUID) bool {
	if seq == 0 {
		return false
	}
	return e.window.Observe(seq, id)
}

// Pending returns the number of unacknowledged messages.
func (e *Engine) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Pending:       e.Pending(),
		Sent:          e.sent.Load(),
		Acked:         e.acked.Load(),
		Retransmitted: e.retransmitted.Load(),
		Failed:        e.failed.Load(),
	}
}

// Close stops all timers and resolves outstanding deliveries with ErrPeerGone.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	entries := e.pending
	e.pending = make(map[uint32]*pendingEntry)
	e.mu.Unlock()

	for _, entry := range entries {
		entry.timer.Stop()
		entry.delivery.resolve(ErrPeerGone)
	}
}
