// Package aggregator maintains rolling price windows per instrument and
// recomputes indicators on every accepted tick. Instruments are hash
// partitioned across a fixed worker pool; a worker is the sole owner of
// its instruments' state, so the hot path takes no locks.
package aggregator

import (
	"context"
	"hash/fnv"
	"sync"

	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/internal/config"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

// ResultSink receives every computed indicator value. Implementations
// must return quickly; the worker hot path calls them inline.
type ResultSink interface {
	Deliver(ctx context.Context, result models.IndicatorResult)
}

// Aggregator routes ticks to window workers and answers snapshot queries.
type Aggregator struct {
	cfg     config.AggregatorConfig
	logger  *zap.Logger
	workers []*worker
	// groups maps instruments of configured correlation pairs to a shared
	// routing key so both series land on one worker.
	groups map[string]string

	wg sync.WaitGroup
}

func New(cfg config.AggregatorConfig, logger *zap.Logger, sink ResultSink) *Aggregator {
	log := logger.Named("aggregator")
	a := &Aggregator{
		cfg:    cfg,
		logger: log,
		groups: buildGroups(cfg.Pairs),
	}

	a.workers = make([]*worker, cfg.Workers)
	for i := range a.workers {
		a.workers[i] = newWorker(i, cfg, log, sink)
	}

	for _, pair := range cfg.Pairs {
		if pair.A == "" || pair.B == "" || pair.A == pair.B {
			log.Warn("skipping degenerate correlation pair",
				zap.String("a", pair.A), zap.String("b", pair.B))
			continue
		}
		w := a.workerFor(pair.A)
		w.pairs[pair.A] = append(w.pairs[pair.A], pair.B)
		w.pairs[pair.B] = append(w.pairs[pair.B], pair.A)
		if w.index[pair.A] == nil {
			w.index[pair.A] = newPairIndex(cfg.PairHorizon)
		}
		if w.index[pair.B] == nil {
			w.index[pair.B] = newPairIndex(cfg.PairHorizon)
		}
	}

	return a
}

// buildGroups unions instruments connected through correlation pairs into
// routing groups keyed by their lexicographically smallest member, so
// chained pairs such as (A,B)+(B,C) still share one worker.
func buildGroups(pairs []config.CorrelationPair) map[string]string {
	parent := make(map[string]string)

	var find func(string) string
	find = func(x string) string {
		if parent[x] != x {
			parent[x] = find(parent[x])
		}
		return parent[x]
	}

	for _, p := range pairs {
		if p.A == "" || p.B == "" || p.A == p.B {
			continue
		}
		for _, m := range []string{p.A, p.B} {
			if _, ok := parent[m]; !ok {
				parent[m] = m
			}
		}
		ra, rb := find(p.A), find(p.B)
		if ra == rb {
			continue
		}
		if rb < ra {
			ra, rb = rb, ra
		}
		parent[rb] = ra
	}

	groups := make(map[string]string, len(parent))
	for member := range parent {
		groups[member] = find(member)
	}
	return groups
}

func (a *Aggregator) workerFor(instrument string) *worker {
	key := instrument
	if root, ok := a.groups[instrument]; ok {
		key = root
	}
	h := fnv.New32a()
	h.Write([]byte(key))
	return a.workers[int(h.Sum32())%len(a.workers)]
}

// Start launches the worker pool. Workers exit when ctx is canceled;
// undrained mailbox ticks are reproduced from the event log on restart.
func (a *Aggregator) Start(ctx context.Context) {
	for _, w := range a.workers {
		a.wg.Add(1)
		go w.run(ctx, &a.wg)
	}
	a.logger.Info("aggregator started",
		zap.Int("workers", len(a.workers)),
		zap.Ints("periods", a.cfg.Periods),
		zap.Int("pairs", len(a.cfg.Pairs)))
}

// Stop blocks until every worker has exited.
func (a *Aggregator) Stop() {
	a.wg.Wait()
}

// HandleTick enqueues one tick with its owning worker. It blocks when the
// worker mailbox is full; the durable log upstream absorbs the stall.
func (a *Aggregator) HandleTick(ctx context.Context, tick models.Tick) error {
	w := a.workerFor(tick.InstrumentID)
	select {
	case w.ticks <- tick:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SnapshotCompute recomputes one indicator from current window state,
// routed through the owning worker so state is never read off-owner.
// Returns InsufficientWindowError when the window cannot serve the period.
func (a *Aggregator) SnapshotCompute(ctx context.Context, instrument string, kind models.IndicatorKind, period int, pair string) (models.IndicatorResult, error) {
	req := computeReq{
		instrument: instrument,
		kind:       kind,
		period:     period,
		pair:       pair,
		reply:      make(chan computeResp, 1),
	}

	w := a.workerFor(instrument)
	select {
	case w.queries <- req:
	case <-ctx.Done():
		return models.IndicatorResult{}, ctx.Err()
	}

	select {
	case resp := <-req.reply:
		return resp.result, resp.err
	case <-ctx.Done():
		return models.IndicatorResult{}, ctx.Err()
	}
}

// Pause stops window updates for one instrument; ticks arriving while
// paused are dropped and counted, window state is kept.
func (a *Aggregator) Pause(ctx context.Context, instrument string) error {
	return a.setPaused(ctx, instrument, true)
}

// Resume re-enables window updates for one instrument.
func (a *Aggregator) Resume(ctx context.Context, instrument string) error {
	return a.setPaused(ctx, instrument, false)
}

func (a *Aggregator) setPaused(ctx context.Context, instrument string, paused bool) error {
	req := controlReq{instrument: instrument, pause: paused, done: make(chan struct{})}

	w := a.workerFor(instrument)
	select {
	case w.controls <- req:
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-req.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
