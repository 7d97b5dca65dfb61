package venue

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/internal/config"
	pkgerrors "github.com/cryptopulse/marketpipe/pkg/errors"
	"github.com/cryptopulse/marketpipe/pkg/metrics"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 10 * time.Second
	maxFrameSize     = 512 * 1024 // 512KB max message size
)

// TickSink receives normalized ticks. A full downstream queue surfaces as
// PublishBackpressureError; the connector then parks on Ready instead of
// reading venue frames, which pushes the pressure into TCP flow control.
// Ticks are never dropped on this path.
type TickSink interface {
	Publish(ctx context.Context, tick models.Tick) error
	Ready(ctx context.Context) error
}

// errResubscribe ends a session so it can restart with a new instrument set.
var errResubscribe = pkgerrors.New("resubscribe requested")

// Connector owns one venue session end to end: dialing, subscribing,
// reading, liveness and reconnection with jittered backoff. Run is the
// only goroutine that touches the transport; everything else communicates
// through SetInstruments and Status.
type Connector struct {
	name    string
	url     string
	dialect Dialect
	sink    TickSink
	cfg     config.BackoffConfig
	logger  *zap.Logger

	mu          sync.RWMutex
	instruments []string
	status      models.VenueStatus

	resub     chan struct{}
	resubWant atomic.Bool

	// written by the session goroutine only
	attempt     int
	streamedFor time.Duration
}

// NewConnector builds a connector for one configured venue.
func NewConnector(vc config.VenueConfig, bc config.BackoffConfig, instruments []string, sink TickSink, logger *zap.Logger) (*Connector, error) {
	dialect, err := NewDialect(vc.Dialect)
	if err != nil {
		return nil, err
	}
	if len(vc.Instruments) > 0 {
		instruments = vc.Instruments
	}
	return &Connector{
		name:        vc.Name,
		url:         vc.URL,
		dialect:     dialect,
		sink:        sink,
		cfg:         bc,
		logger:      logger.Named(vc.Name),
		instruments: append([]string(nil), instruments...),
		status: models.VenueStatus{
			Venue: vc.Name,
			State: models.VenueDisconnected,
		},
		resub: make(chan struct{}, 1),
	}, nil
}

// Name returns the configured venue name.
func (c *Connector) Name() string { return c.name }

// SetInstruments replaces the subscription set. The active session is torn
// down and re-established with the new set; other venues are untouched.
func (c *Connector) SetInstruments(instruments []string) {
	c.mu.Lock()
	c.instruments = append([]string(nil), instruments...)
	c.mu.Unlock()
	select {
	case c.resub <- struct{}{}:
	default:
	}
}

// Instruments returns a copy of the current subscription set.
func (c *Connector) Instruments() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.instruments...)
}

// State returns the connector lifecycle state.
func (c *Connector) State() models.VenueState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.State
}

// Status returns a health snapshot for the facade and logs.
func (c *Connector) Status() models.VenueStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Run drives the reconnect loop until the context ends or the venue
// rejects the session outright. Connection failures never bubble out;
// they feed the backoff schedule.
func (c *Connector) Run(ctx context.Context) error {
	bo := newBackoff(c.cfg.Floor, c.cfg.Cap)
	for {
		c.setState(models.VenueConnecting)
		c.attempt++

		err := c.session(ctx)
		metrics.VenueConnected.WithLabelValues(c.name).Set(0)

		switch {
		case ctx.Err() != nil:
			c.setState(models.VenueDisconnected)
			return ctx.Err()
		case pkgerrors.IsFatal(err):
			c.setState(models.VenueDisconnected)
			c.recordError(err)
			c.logger.Error("venue rejected session, not retrying", zap.Error(err))
			return err
		case pkgerrors.Is(err, errResubscribe):
			c.logger.Info("instrument set changed, resubscribing",
				zap.Strings("instruments", c.Instruments()))
			continue
		}

		// Backoff resets only after the session streamed long enough to
		// count as healthy, never on the first message of a flapping link.
		if c.streamedFor >= c.cfg.SustainedSuccess {
			bo.Reset()
			c.attempt = 0
		}

		c.setState(models.VenueReconnecting)
		c.recordError(err)
		metrics.VenueReconnects.WithLabelValues(c.name).Inc()

		delay := bo.Next()
		c.logger.Warn("venue session ended, reconnecting",
			zap.Error(err),
			zap.Duration("delay", delay),
			zap.Int("attempt", c.attempt))

		select {
		case <-ctx.Done():
			c.setState(models.VenueDisconnected)
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

// session runs one dial-subscribe-stream cycle and reports why it ended.
func (c *Connector) session(ctx context.Context) error {
	c.streamedFor = 0

	// Drop any resubscribe signal that raced a previous teardown; the
	// instrument snapshot below already sees the newest set.
	select {
	case <-c.resub:
	default:
	}
	instruments := c.Instruments()

	if len(instruments) == 0 {
		c.logger.Info("no instruments configured, waiting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.resub:
			return errResubscribe
		}
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return &pkgerrors.ConnectionError{Venue: c.name, Attempt: c.attempt, Err: err}
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		conn.Close()
		wg.Wait()
	}()

	conn.SetReadLimit(maxFrameSize)
	if err := conn.SetReadDeadline(time.Now().Add(c.cfg.StaleAfter)); err != nil {
		return &pkgerrors.ConnectionError{Venue: c.name, Attempt: c.attempt, Err: err}
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.StaleAfter))
	})

	payload, err := c.dialect.SubscribePayload(instruments)
	if err != nil {
		return err
	}
	if payload != nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(payload); err != nil {
			return &pkgerrors.ConnectionError{Venue: c.name, Attempt: c.attempt, Err: fmt.Errorf("subscribe: %w", err)}
		}
	}
	c.setState(models.VenueSubscribed)
	c.logger.Info("subscribed", zap.Strings("instruments", instruments))

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.pingPump(sessionCtx, conn)
	}()

	// Closing the transport is the only way to unblock ReadMessage when
	// the context ends or the instrument set changes.
	wg.Add(1)
	go func() {
		defer wg.Done()
		select {
		case <-sessionCtx.Done():
		case <-c.resub:
			c.resubWant.Store(true)
		}
		conn.Close()
	}()

	streaming := false
	var streamingSince time.Time
	defer func() {
		if streaming {
			c.streamedFor = time.Since(streamingSince)
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if c.resubWant.CompareAndSwap(true, false) {
				return errResubscribe
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &pkgerrors.ConnectionError{Venue: c.name, Attempt: c.attempt, Err: err}
		}
		conn.SetReadDeadline(time.Now().Add(c.cfg.StaleAfter))
		c.touchLastMessage()

		ticks, perr := c.dialect.Parse(raw)
		if perr != nil {
			if pkgerrors.IsFatal(perr) {
				return perr
			}
			metrics.TicksDropped.WithLabelValues(c.name, "malformed").Inc()
			c.recordError(perr)
			c.logger.Debug("dropped malformed frame", zap.Error(perr))
			continue
		}
		if len(ticks) == 0 {
			continue
		}

		if !streaming {
			streaming = true
			streamingSince = time.Now()
			c.setState(models.VenueStreaming)
			metrics.VenueConnected.WithLabelValues(c.name).Set(1)
		}

		for i := range ticks {
			tick := ticks[i]
			tick.Venue = c.name
			tick.IngestTime = time.Now().UTC()
			if err := c.emit(ctx, tick); err != nil {
				return err
			}
		}
	}
}

// emit hands one tick to the sink, pausing the read loop for as long as
// the publisher reports backpressure. The tick is retried, not dropped.
func (c *Connector) emit(ctx context.Context, tick models.Tick) error {
	for {
		err := c.sink.Publish(ctx, tick)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		var bp *pkgerrors.PublishBackpressureError
		if pkgerrors.As(err, &bp) {
			c.logger.Warn("publisher backpressure, pausing venue reads",
				zap.Int("queue_depth", bp.QueueDepth),
				zap.Duration("retry_after", bp.RetryAfter))
			if err := c.sink.Ready(ctx); err != nil {
				return err
			}
			continue
		}
		return &pkgerrors.ConnectionError{Venue: c.name, Attempt: c.attempt, Err: fmt.Errorf("publish: %w", err)}
	}
}

// pingPump keeps the venue's idle timers fed. A failed ping closes the
// transport so the read loop observes the loss immediately.
func (c *Connector) pingPump(ctx context.Context, conn *websocket.Conn) {
	period := c.cfg.PingPeriod
	if period <= 0 {
		period = 15 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
				conn.Close()
				return
			}
		}
	}
}

func (c *Connector) setState(state models.VenueState) {
	c.mu.Lock()
	c.status.State = state
	c.mu.Unlock()
}

func (c *Connector) touchLastMessage() {
	c.mu.Lock()
	c.status.LastMessage = time.Now()
	c.mu.Unlock()
}

func (c *Connector) recordError(err error) {
	if err == nil {
		return
	}
	c.mu.Lock()
	c.status.ErrorCount++
	c.status.LastError = err.Error()
	if c.status.State == models.VenueReconnecting {
		c.status.ReconnectCount++
	}
	c.mu.Unlock()
}
