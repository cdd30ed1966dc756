package reliability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/VanDung-dev/HieraMesh/network"
)

func testConfig(maxRetries int) Config {
	return Config{
		BaseInterval: 10 * time.Millisecond,
		MaxInterval:  40 * time.Millisecond,
		MaxRetries:   maxRetries,
		WindowSize:   16,
	}
}

type recorder struct {
	mu   sync.Mutex
	msgs []network.Message
}

func (r *recorder) transmit(msg network.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func newData(t *testing.T) network.Message {
	t.Helper()
	msg, err := network.NewMessage(network.Data, map[string]string{"k": "v"})
	require.NoError(t, err)
	return msg
}

func TestSendReliableAssignsSequence(t *testing.T) {
	cfg := testConfig(3)
	cfg.BaseInterval = time.Hour
	e := NewEngine(cfg, Hooks{}, nil)
	defer e.Close()
	rec := &recorder{}

	d1, err := e.SendReliable(newData(t), rec.transmit)
	require.NoError(t, err)
	d2, err := e.SendReliable(newData(t), rec.transmit)
	require.NoError(t, err)

	assert.Equal(t, uint32(1), d1.Seq())
	assert.Equal(t, uint32(2), d2.Seq())
	require.GreaterOrEqual(t, rec.count(), 2)

	first := rec.msgs[0]
	assert.True(t, first.RequiresAck)
	assert.Equal(t, uint32(1), first.SequenceNumber)
	assert.Equal(t, 2, e.Pending())
}

func TestOnAckResolvesDelivery(t *testing.T) {
	e := NewEngine(testConfig(3), Hooks{}, nil)
	defer e.Close()
	rec := &recorder{}

	d, err := e.SendReliable(newData(t), rec.transmit)
	require.NoError(t, err)

	assert.True(t, e.OnAck(d.Seq()))
	assert.False(t, e.OnAck(d.Seq()), "second ack for the same seq is ignored")
	assert.False(t, e.OnAck(999), "unknown seq is ignored")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, d.Wait(ctx))
	assert.Equal(t, 0, e.Pending())

	sent := rec.count()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, sent, rec.count(), "acked message must not be retransmitted")
}

func TestRetryExhaustionFailsOnce(t *testing.T) {
	var failures atomic.Int32
	var retransmits atomic.Int32
	hooks := Hooks{
		OnFailure:    func(uint32, network.Message) { failures.Add(1) },
		OnRetransmit: func(uint32, int) { retransmits.Add(1) },
	}
	e := NewEngine(testConfig(3), hooks, nil)
	defer e.Close()
	rec := &recorder{}

	d, err := e.SendReliable(newData(t), rec.transmit)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = d.Wait(ctx)
	require.ErrorIs(t, err, ErrDeliveryFailed)

	// initial send plus three retransmissions
	assert.Equal(t, 4, rec.count())
	assert.Equal(t, int32(3), retransmits.Load())

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), failures.Load())
	assert.Equal(t, uint64(1), e.Stats().Failed)
	assert.Equal(t, 0, e.Pending())
	assert.False(t, e.OnAck(d.Seq()), "late ack after failure is ignored")
}

func TestRetransmittedCopiesAreIdentical(t *testing.T) {
	e := NewEngine(testConfig(2), Hooks{}, nil)
	defer e.Close()
	rec := &recorder{}

	d, err := e.SendReliable(newData(t), rec.transmit)
	require.NoError(t, err)

	require.Eventually(t, func() bool { return rec.count() >= 2 }, time.Second, 5*time.Millisecond)
	e.OnAck(d.Seq())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	for _, m := range rec.msgs {
		assert.Equal(t, rec.msgs[0].ID, m.ID)
		assert.Equal(t, d.Seq(), m.SequenceNumber)
	}
}

func TestTransmitErrorIsTreatedAsLoss(t *testing.T) {
	e := NewEngine(testConfig(5), Hooks{}, nil)
	defer e.Close()

	var calls atomic.Int32
	transmit := func(network.Message) error {
		if calls.Add(1) == 1 {
			return errors.New("send failed")
		}
		return nil
	}

	d, err := e.SendReliable(newData(t), transmit)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	assert.True(t, e.OnAck(d.Seq()))
}

func TestResend(t *testing.T) {
	cfg := testConfig(3)
	cfg.BaseInterval = time.Hour
	cfg.MaxInterval = time.Hour
	e := NewEngine(cfg, Hooks{}, nil)
	defer e.Close()
	rec := &recorder{}

	d, err := e.SendReliable(newData(t), rec.transmit)
	require.NoError(t, err)

	assert.True(t, e.Resend(d.Seq()))
	assert.Equal(t, 2, rec.count())
	assert.False(t, e.Resend(d.Seq()+1))
}

func TestCloseResolvesWithPeerGone(t *testing.T) {
	cfg := testConfig(3)
	cfg.BaseInterval = time.Hour
	e := NewEngine(cfg, Hooks{}, nil)
	rec := &recorder{}

	d, err := e.SendReliable(newData(t), rec.transmit)
	require.NoError(t, err)

	e.Close()
	<-d.Done()
	assert.ErrorIs(t, d.Err(), ErrPeerGone)

	_, err = e.SendReliable(newData(t), rec.transmit)
	assert.ErrorIs(t, err, ErrPeerGone)
}

func TestOnReceiveDetectsCopies(t *testing.T) {
	e := NewEngine(testConfig(3), Hooks{}, nil)
	defer e.Close()

	id := uuid.New()
	assert.False(t, e.OnReceive(1, id))
	assert.True(t, e.OnReceive(1, id))
	assert.False(t, e.OnReceive(0, id), "unsequenced messages are never duplicates")
	assert.False(t, e.OnReceive(0, id))
	assert.False(t, e.OnReceive(1, uuid.New()), "restarted sender reusing seq 1 is new")
}

func TestWindowEviction(t *testing.T) {
	w := NewWindow(3)
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New(), uuid.New()}

	for i, id := range ids {
		assert.False(t, w.Observe(uint32(i+1), id))
	}
	assert.Equal(t, 3, w.Len())
	assert.False(t, w.Observe(1, ids[0]), "evicted seq is forgotten")
	assert.True(t, w.Observe(4, ids[3]))
}
