package ticklog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cryptopulse/marketpipe/internal/config"
	pkgerrors "github.com/cryptopulse/marketpipe/pkg/errors"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

// capturingWriter stands in for the broker append. It can be told to fail
// the first N attempts.
type capturingWriter struct {
	mu       sync.Mutex
	msgs     []kafka.Message
	failures int
	attempts int
}

func (w *capturingWriter) write(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.attempts++
	if w.failures > 0 {
		w.failures--
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *capturingWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

func testPublisher(t *testing.T, queueSize int, w *capturingWriter) *Publisher {
	t.Helper()
	cfg := config.KafkaConfig{
		Brokers:      []string{"localhost:9092"},
		Topic:        "price_updates",
		QueueSize:    queueSize,
		BatchMax:     256,
		BatchTimeout: 10 * time.Millisecond,
		RetryFloor:   time.Millisecond,
		RetryCap:     4 * time.Millisecond,
	}
	p := NewPublisher(cfg, zaptest.NewLogger(t))
	p.writeFn = w.write
	return p
}

func tickFor(instrument string, seq int) models.Tick {
	return models.Tick{
		InstrumentID: instrument,
		Price:        decimal.NewFromInt(int64(100 + seq)),
		Volume:       decimal.NewFromInt(1),
		Venue:        "binance",
		EventTime:    time.Now().UTC(),
	}
}

func TestGateWaitBlocksUntilOpen(t *testing.T) {
	g := newGate()
	require.NoError(t, g.Wait(context.Background()), "new gate starts open")

	g.Shut()
	shutCtx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, g.Wait(shutCtx), context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() { done <- g.Wait(context.Background()) }()
	g.Open()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Open")
	}
}

func TestPublishReportsBackpressureWhenFull(t *testing.T) {
	p := testPublisher(t, 4, &capturingWriter{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		require.NoError(t, p.Publish(ctx, tickFor("BTCUSDT", i)))
	}

	err := p.Publish(ctx, tickFor("BTCUSDT", 4))
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrPublishBackpressure)

	var bp *pkgerrors.PublishBackpressureError
	require.ErrorAs(t, err, &bp)
	assert.Equal(t, 4, bp.QueueDepth)

	// Gate stays shut until the drain loop catches up, so the next call
	// is rejected without even probing the queue.
	err = p.Publish(ctx, tickFor("BTCUSDT", 5))
	assert.ErrorIs(t, err, pkgerrors.ErrPublishBackpressure)

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Ready(waitCtx), context.DeadlineExceeded)
}

func TestDrainPreservesPublishOrder(t *testing.T) {
	w := &capturingWriter{}
	p := testPublisher(t, 16, w)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 10; i++ {
		require.NoError(t, p.Publish(ctx, tickFor("BTCUSDT", i)))
	}
	p.Start(ctx)

	require.Eventually(t, func() bool { return w.count() == 10 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	p.wg.Wait()

	prev := decimal.Zero
	for i, msg := range w.msgs {
		tick, err := decodeTick(msg.Value)
		require.NoError(t, err)
		assert.Equal(t, "BTCUSDT", string(msg.Key))
		require.True(t, tick.Price.GreaterThan(prev), "record %d out of order: %s <= %s", i, tick.Price, prev)
		prev = tick.Price
	}
}

func TestWriteRetriesUntilBrokerAccepts(t *testing.T) {
	w := &capturingWriter{failures: 2}
	p := testPublisher(t, 4, w)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, p.Publish(ctx, tickFor("ETHUSDT", 0)))
	p.Start(ctx)

	require.Eventually(t, func() bool { return w.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	p.wg.Wait()

	assert.GreaterOrEqual(t, w.attempts, 3)
	assert.Equal(t, 1, w.count(), "tick must be delivered exactly once after retries")
}

func TestIntakeResumesAfterDrain(t *testing.T) {
	w := &capturingWriter{}
	p := testPublisher(t, 4, w)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 4; i++ {
		require.NoError(t, p.Publish(ctx, tickFor("BTCUSDT", i)))
	}
	assert.ErrorIs(t, p.Publish(ctx, tickFor("BTCUSDT", 4)), pkgerrors.ErrPublishBackpressure)

	p.Start(ctx)

	readyCtx, readyCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readyCancel()
	require.NoError(t, p.Ready(readyCtx), "gate should reopen once the queue drains")

	require.NoError(t, p.Publish(ctx, tickFor("BTCUSDT", 5)))
	require.Eventually(t, func() bool { return w.count() == 5 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	p.wg.Wait()
}

func TestPublishRejectsCanceledContext(t *testing.T) {
	p := testPublisher(t, 4, &capturingWriter{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, p.Publish(ctx, tickFor("BTCUSDT", 0)), context.Canceled)
}
