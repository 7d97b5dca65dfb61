package aggregator

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/internal/config"
	pkgerrors "github.com/cryptopulse/marketpipe/pkg/errors"
	"github.com/cryptopulse/marketpipe/pkg/metrics"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

type computeReq struct {
	instrument string
	kind       models.IndicatorKind
	period     int
	pair       string
	reply      chan computeResp
}

type computeResp struct {
	result models.IndicatorResult
	err    error
}

type controlReq struct {
	instrument string
	pause      bool
	done       chan struct{}
}

// instrumentState is everything one instrument accumulates. Only the
// owning worker goroutine touches it.
type instrumentState struct {
	windows map[int]*window
	emas    map[int]*emaState
	macd    *macdState

	venueLast  map[string]time.Time
	lastEvent  time.Time
	lastIngest time.Time
	paused     bool
}

// worker owns the window state of every instrument that hashes to it.
// Ticks, snapshot queries and pause controls all arrive over channels, so
// the state needs no locks.
type worker struct {
	id     int
	cfg    config.AggregatorConfig
	logger *zap.Logger
	sink   ResultSink

	ticks    chan models.Tick
	queries  chan computeReq
	controls chan controlReq

	state map[string]*instrumentState
	// pairs and index exist only for instruments in a configured
	// correlation pair; routing guarantees both members land here.
	pairs map[string][]string
	index map[string]*pairIndex
}

func newWorker(id int, cfg config.AggregatorConfig, logger *zap.Logger, sink ResultSink) *worker {
	return &worker{
		id:       id,
		cfg:      cfg,
		logger:   logger.With(zap.Int("worker", id)),
		sink:     sink,
		ticks:    make(chan models.Tick, cfg.MailboxSize),
		queries:  make(chan computeReq, 16),
		controls: make(chan controlReq, 4),
		state:    make(map[string]*instrumentState),
		pairs:    make(map[string][]string),
		index:    make(map[string]*pairIndex),
	}
}

func (w *worker) run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case tick := <-w.ticks:
			w.apply(ctx, tick)
		case req := <-w.queries:
			req.reply <- w.snapshot(req)
		case req := <-w.controls:
			w.control(req)
		}
	}
}

func (w *worker) stateFor(instrument string) *instrumentState {
	st, ok := w.state[instrument]
	if !ok {
		st = &instrumentState{
			windows:   make(map[int]*window, len(w.cfg.Periods)),
			emas:      make(map[int]*emaState, len(w.cfg.Periods)),
			macd:      newMACD(w.cfg.MACDFast, w.cfg.MACDSlow, w.cfg.MACDSignal),
			venueLast: make(map[string]time.Time),
		}
		for _, period := range w.cfg.Periods {
			st.windows[period] = newWindow(period)
			st.emas[period] = newEMA(period)
		}
		w.state[instrument] = st
	}
	return st
}

func (w *worker) apply(ctx context.Context, tick models.Tick) {
	st := w.stateFor(tick.InstrumentID)

	if st.paused {
		metrics.TicksDropped.WithLabelValues(tick.Venue, "paused").Inc()
		return
	}

	// Event time must advance per (instrument, venue); late and duplicate
	// frames never reach the windows.
	if last, ok := st.venueLast[tick.Venue]; ok && !tick.EventTime.After(last) {
		reason := "out_of_order"
		if tick.EventTime.Equal(last) {
			reason = "duplicate"
		}
		metrics.TicksDropped.WithLabelValues(tick.Venue, reason).Inc()
		w.logger.Debug("dropping non-monotonic tick",
			zap.String("instrument", tick.InstrumentID),
			zap.String("venue", tick.Venue),
			zap.Time("event_time", tick.EventTime),
			zap.Time("last", last))
		return
	}
	st.venueLast[tick.Venue] = tick.EventTime

	if !st.lastIngest.IsZero() && w.cfg.GapLogInterval > 0 {
		if gap := tick.IngestTime.Sub(st.lastIngest); gap > w.cfg.GapLogInterval {
			metrics.IngestGap.WithLabelValues(tick.InstrumentID).Set(gap.Seconds())
			w.logger.Warn("feed gap, windows resume without interpolation",
				zap.String("instrument", tick.InstrumentID),
				zap.Duration("gap", gap))
		}
	}
	st.lastIngest = tick.IngestTime
	if tick.EventTime.After(st.lastEvent) {
		st.lastEvent = tick.EventTime
	}

	price, _ := tick.Price.Float64()
	for _, period := range w.cfg.Periods {
		st.windows[period].push(price)
		st.emas[period].push(price)
	}
	st.macd.push(price)

	if idx, ok := w.index[tick.InstrumentID]; ok {
		idx.record(tick.EventTime, price)
	}

	w.publishAll(ctx, tick.InstrumentID, st)
}

// publishAll recomputes every ready indicator for the instrument and
// hands the results to the sink. Recomputation runs on every accepted
// tick; each read is O(1) off the window partials.
func (w *worker) publishAll(ctx context.Context, instrument string, st *instrumentState) {
	now := time.Now().UTC()

	for _, period := range w.cfg.Periods {
		win := st.windows[period]
		if win.full() {
			w.deliver(ctx, models.IndicatorResult{
				InstrumentID: instrument, Kind: models.KindSMA,
				Period: period, Value: win.sma(), ComputedAt: now,
			})
			w.deliver(ctx, models.IndicatorResult{
				InstrumentID: instrument, Kind: models.KindVolatility,
				Period: period, Value: win.stddev(), ComputedAt: now,
			})
		}
		// RSI spans a full period of deltas, one tick beyond a full ring.
		if win.rsiReady() {
			w.deliver(ctx, models.IndicatorResult{
				InstrumentID: instrument, Kind: models.KindRSI,
				Period: period, Value: win.rsi(), ComputedAt: now,
			})
		}
		if ema := st.emas[period]; ema.ready() {
			w.deliver(ctx, models.IndicatorResult{
				InstrumentID: instrument, Kind: models.KindEMA,
				Period: period, Value: ema.value, ComputedAt: now,
			})
		}
	}

	if st.macd.ready() {
		macd, signal, histogram := st.macd.lines()
		w.deliver(ctx, models.IndicatorResult{
			InstrumentID: instrument, Kind: models.KindMACD,
			Period: w.cfg.MACDSlow, Value: macd,
			Extra:      map[string]float64{"signal": signal, "histogram": histogram},
			ComputedAt: now,
		})
	}

	for _, other := range w.pairs[instrument] {
		r, _, ok := w.correlateFor(instrument, other, w.cfg.PairHorizon)
		if !ok {
			continue
		}
		w.deliver(ctx, models.IndicatorResult{
			InstrumentID: instrument, Kind: models.KindCorrelation,
			Period: w.cfg.PairHorizon, Value: r,
			PairInstrumentID: other, ComputedAt: now,
		})
	}
}

// correlateFor orders the legs lexicographically before aligning, so the
// coefficient is identical whichever leg the caller names first.
func (w *worker) correlateFor(instrument, pair string, limit int) (float64, int, bool) {
	lo, hi := instrument, pair
	if hi < lo {
		lo, hi = hi, lo
	}
	a, okA := w.index[lo]
	b, okB := w.index[hi]
	if !okA || !okB {
		return 0, 0, false
	}
	return correlate(a, b, w.cfg.PairTolerance, limit)
}

func (w *worker) deliver(ctx context.Context, result models.IndicatorResult) {
	metrics.IndicatorsComputed.WithLabelValues(string(result.Kind)).Inc()
	w.sink.Deliver(ctx, result)
}

// snapshot serves an on-demand recompute from current window state.
func (w *worker) snapshot(req computeReq) computeResp {
	insufficient := func(have int) computeResp {
		return computeResp{err: &pkgerrors.InsufficientWindowError{
			InstrumentID: req.instrument, Period: req.period, Have: have,
		}}
	}

	st, ok := w.state[req.instrument]
	if !ok {
		return insufficient(0)
	}
	now := time.Now().UTC()

	switch req.kind {
	case models.KindSMA, models.KindVolatility, models.KindRSI:
		win, ok := st.windows[req.period]
		if !ok {
			return insufficient(0)
		}
		if req.kind == models.KindRSI {
			if !win.rsiReady() {
				return insufficient(win.deltas())
			}
		} else if !win.full() {
			return insufficient(win.count())
		}
		var value float64
		switch req.kind {
		case models.KindSMA:
			value = win.sma()
		case models.KindVolatility:
			value = win.stddev()
		case models.KindRSI:
			value = win.rsi()
		}
		return computeResp{result: models.IndicatorResult{
			InstrumentID: req.instrument, Kind: req.kind,
			Period: req.period, Value: value, ComputedAt: now,
		}}

	case models.KindEMA:
		ema, ok := st.emas[req.period]
		if !ok {
			return insufficient(0)
		}
		if !ema.ready() {
			return insufficient(ema.seen)
		}
		return computeResp{result: models.IndicatorResult{
			InstrumentID: req.instrument, Kind: models.KindEMA,
			Period: req.period, Value: ema.value, ComputedAt: now,
		}}

	case models.KindMACD:
		if !st.macd.ready() {
			return insufficient(st.macd.samples())
		}
		macd, signal, histogram := st.macd.lines()
		return computeResp{result: models.IndicatorResult{
			InstrumentID: req.instrument, Kind: models.KindMACD,
			Period: w.cfg.MACDSlow, Value: macd,
			Extra:      map[string]float64{"signal": signal, "histogram": histogram},
			ComputedAt: now,
		}}

	case models.KindCorrelation:
		// An unset period falls back to the full retention horizon.
		limit := req.period
		if limit <= 0 {
			limit = w.cfg.PairHorizon
		}
		r, pairs, ok := w.correlateFor(req.instrument, req.pair, limit)
		if !ok {
			return insufficient(pairs)
		}
		return computeResp{result: models.IndicatorResult{
			InstrumentID: req.instrument, Kind: models.KindCorrelation,
			Period: limit, Value: r,
			PairInstrumentID: req.pair, ComputedAt: now,
		}}
	}

	return insufficient(0)
}

func (w *worker) control(req controlReq) {
	st := w.stateFor(req.instrument)
	st.paused = req.pause
	w.logger.Info("instrument pause state changed",
		zap.String("instrument", req.instrument),
		zap.Bool("paused", req.pause))
	close(req.done)
}
