package ticklog

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/internal/config"
	pkgerrors "github.com/cryptopulse/marketpipe/pkg/errors"
	"github.com/cryptopulse/marketpipe/pkg/metrics"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

// gate is a reopenable barrier with hysteresis. Closed while the queue is
// full; reopened by the drain loop at the low-water mark so intake does not
// thrash open and shut on every message.
type gate struct {
	mu   sync.Mutex
	open bool
	ch   chan struct{} // closed chan means the gate is open
}

func newGate() *gate {
	g := &gate{open: true, ch: make(chan struct{})}
	close(g.ch)
	return g
}

func (g *gate) Shut() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		g.open = false
		g.ch = make(chan struct{})
	}
}

func (g *gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		g.open = true
		close(g.ch)
	}
}

func (g *gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

func (g *gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ch := g.ch
	g.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publisher appends ticks to the event log. A bounded in-memory queue
// decouples venue reads from broker round trips; when it fills, Publish
// returns PublishBackpressureError and the gate stays shut until the drain
// loop works the queue down to half.
type Publisher struct {
	cfg    config.KafkaConfig
	writer *kafka.Writer
	logger *zap.Logger

	queue chan models.Tick
	gate  *gate

	// writeFn is the broker append; tests stub it.
	writeFn func(ctx context.Context, msgs ...kafka.Message) error

	wg      sync.WaitGroup
	started bool
}

// NewPublisher builds a publisher for the configured topic. Messages are
// keyed by instrument and hash-balanced so per-instrument order survives
// partitioning.
func NewPublisher(cfg config.KafkaConfig, logger *zap.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchMax,
		BatchTimeout: cfg.BatchTimeout,
		RequiredAcks: kafka.RequireOne,
		Compression:  kafka.Snappy,
	}
	p := &Publisher{
		cfg:    cfg,
		writer: writer,
		logger: logger.Named("publisher"),
		queue:  make(chan models.Tick, cfg.QueueSize),
		gate:   newGate(),
	}
	p.writeFn = writer.WriteMessages
	return p
}

// Publish enqueues one tick. It never blocks: a full queue yields a
// PublishBackpressureError and the caller pauses on Ready.
func (p *Publisher) Publish(ctx context.Context, tick models.Tick) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !p.gate.IsOpen() {
		return &pkgerrors.PublishBackpressureError{
			QueueDepth: len(p.queue),
			RetryAfter: p.cfg.RetryFloor,
		}
	}

	select {
	case p.queue <- tick:
		metrics.TicksIngested.WithLabelValues(tick.Venue, tick.InstrumentID).Inc()
		metrics.PublishQueueDepth.Set(float64(len(p.queue)))
		return nil
	default:
		p.gate.Shut()
		metrics.PublishBackpressure.Inc()
		p.logger.Warn("publish queue full, pausing intake",
			zap.Int("depth", len(p.queue)))
		return &pkgerrors.PublishBackpressureError{
			QueueDepth: len(p.queue),
			RetryAfter: p.cfg.RetryFloor,
		}
	}
}

// Ready blocks until the intake gate is open again.
func (p *Publisher) Ready(ctx context.Context) error {
	return p.gate.Wait(ctx)
}

// QueueDepth reports how many ticks are waiting for the broker.
func (p *Publisher) QueueDepth() int {
	return len(p.queue)
}

// Start launches the drain loop.
func (p *Publisher) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.drainLoop(ctx)
	}()
	p.logger.Info("publisher started",
		zap.String("topic", p.cfg.Topic),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Stop waits for the drain loop to flush and closes the writer.
func (p *Publisher) Stop() error {
	p.wg.Wait()
	return p.writer.Close()
}

func (p *Publisher) drainLoop(ctx context.Context) {
	batch := make([]kafka.Message, 0, p.cfg.BatchMax)
	for {
		select {
		case <-ctx.Done():
			p.flushRemaining(nil)
			return
		case tick := <-p.queue:
			batch = batch[:0]
			msg, err := encodeTick(tick)
			if err != nil {
				p.logger.Error("dropping unencodable tick", zap.Error(err))
				continue
			}
			batch = append(batch, msg)

		more:
			for len(batch) < p.cfg.BatchMax {
				select {
				case t := <-p.queue:
					m, err := encodeTick(t)
					if err != nil {
						p.logger.Error("dropping unencodable tick", zap.Error(err))
						continue
					}
					batch = append(batch, m)
				default:
					break more
				}
			}

			if err := p.writeWithRetry(ctx, batch); err != nil {
				// Only context cancellation ends the retry loop; the
				// unwritten batch gets one last flush attempt.
				p.flushRemaining(batch)
				return
			}
			metrics.PublishQueueDepth.Set(float64(len(p.queue)))
			p.maybeReopen()
		}
	}
}

// writeWithRetry appends one batch, retrying with capped exponential
// backoff until the brokers accept it. The single drain goroutine plus
// in-order retries keep per-instrument FIFO intact; duplicates from a
// partially acked batch are shed downstream by the event-time guard.
func (p *Publisher) writeWithRetry(ctx context.Context, batch []kafka.Message) error {
	delay := p.cfg.RetryFloor
	if delay <= 0 {
		delay = 250 * time.Millisecond
	}
	for {
		err := p.writeFn(ctx, batch...)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.PublishRetries.Inc()
		p.logger.Warn("event log append failed, retrying",
			zap.Error(err),
			zap.Int("batch", len(batch)),
			zap.Duration("delay", delay))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if p.cfg.RetryCap > 0 && delay > p.cfg.RetryCap {
			delay = p.cfg.RetryCap
		}
	}
}

// flushRemaining gives queued ticks one best-effort append on shutdown.
func (p *Publisher) flushRemaining(batch []kafka.Message) {
	for {
		select {
		case tick := <-p.queue:
			if msg, err := encodeTick(tick); err == nil {
				batch = append(batch, msg)
			}
		default:
			if len(batch) == 0 {
				return
			}
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.writeFn(flushCtx, batch...); err != nil {
				p.logger.Error("final flush failed", zap.Error(err), zap.Int("batch", len(batch)))
			}
			return
		}
	}
}

func (p *Publisher) maybeReopen() {
	if p.gate.IsOpen() {
		return
	}
	if len(p.queue) <= cap(p.queue)/2 {
		p.gate.Open()
		p.logger.Info("intake resumed", zap.Int("depth", len(p.queue)))
	}
}
