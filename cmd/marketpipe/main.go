package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/internal/aggregator"
	"github.com/cryptopulse/marketpipe/internal/config"
	"github.com/cryptopulse/marketpipe/internal/facade"
	"github.com/cryptopulse/marketpipe/internal/history"
	"github.com/cryptopulse/marketpipe/internal/push"
	"github.com/cryptopulse/marketpipe/internal/rescache"
	"github.com/cryptopulse/marketpipe/internal/telemetry"
	"github.com/cryptopulse/marketpipe/internal/ticklog"
	"github.com/cryptopulse/marketpipe/internal/venue"
	"github.com/cryptopulse/marketpipe/pkg/logger"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

const replayBudget = 5 * time.Minute

// resultFanout hands each computed indicator to the cache, the websocket
// hub, and the history store. All three paths are non-blocking.
type resultFanout struct {
	cache  *rescache.Cache
	hub    *push.Hub
	store  *history.Store
	logger *zap.Logger
}

func (f *resultFanout) Deliver(ctx context.Context, result models.IndicatorResult) {
	key := rescache.Key(result.Kind, result.InstrumentID, result.Period, result.PairInstrumentID)
	if err := f.cache.Put(ctx, key, result); err != nil {
		f.logger.Warn("result cache put failed", zap.String("key", key), zap.Error(err))
	}
	f.hub.Broadcast(result)
	if f.store != nil {
		f.store.Insert(ctx, result)
	}
}

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	rootCtx := context.Background()

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.Setup(rootCtx)
		if err != nil {
			zapLogger.Fatal("Failed to set up telemetry", zap.Error(err))
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdownTelemetry(ctx); err != nil {
				zapLogger.Error("Telemetry shutdown failed", zap.Error(err))
			}
		}()
	}

	// Result cache: in-process L1, redis L2 when an address is configured.
	var rdb redis.UniversalClient
	if cfg.Cache.Address != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.Address,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
		})
		if err := rdb.Ping(rootCtx).Err(); err != nil {
			zapLogger.Warn("Redis unreachable, cache degrades to L1 only", zap.Error(err))
		}
	}
	cache := rescache.New(cfg.Cache, zapLogger, rdb)

	// Optional indicator history.
	var store *history.Store
	historyCtx, stopHistory := context.WithCancel(rootCtx)
	defer stopHistory()
	if cfg.History.Enabled {
		store, err = history.Open(cfg.History, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to open history store", zap.Error(err))
		}
		store.Start(historyCtx)
	}

	// Websocket push hub.
	hubCtx, stopHub := context.WithCancel(rootCtx)
	defer stopHub()
	hub := push.NewHub(zapLogger)
	go hub.Run(hubCtx)

	// Aggregator with fan-out delivery.
	fanout := &resultFanout{cache: cache, hub: hub, store: store, logger: zapLogger}
	agg := aggregator.New(cfg.Aggregator, zapLogger, fanout)
	aggCtx, stopAggregator := context.WithCancel(rootCtx)
	defer stopAggregator()
	agg.Start(aggCtx)

	// Rebuild windows from the tick log before accepting live traffic.
	replayCtx, cancelReplay := context.WithTimeout(rootCtx, replayBudget)
	replayed, err := ticklog.Replay(replayCtx, cfg.Kafka, zapLogger, agg.HandleTick)
	cancelReplay()
	if err != nil {
		zapLogger.Warn("Window replay incomplete, continuing with partial state",
			zap.Int("ticks", replayed), zap.Error(err))
	} else {
		zapLogger.Info("Windows rebuilt from tick log", zap.Int("ticks", replayed))
	}

	// Live consumer tails the log from here on.
	consumer := ticklog.NewConsumer(cfg.Kafka, zapLogger)
	consumerCtx, stopConsumer := context.WithCancel(rootCtx)
	defer stopConsumer()
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		if err := consumer.Run(consumerCtx, agg.HandleTick); err != nil && !errors.Is(err, context.Canceled) {
			zapLogger.Error("Tick consumer stopped", zap.Error(err))
		}
	}()

	// Publisher feeds the log; venue connectors feed the publisher.
	publisher := ticklog.NewPublisher(cfg.Kafka, zapLogger)
	pubCtx, stopPublisher := context.WithCancel(rootCtx)
	defer stopPublisher()
	publisher.Start(pubCtx)

	manager, err := venue.NewManager(cfg, publisher, zapLogger)
	if err != nil {
		zapLogger.Fatal("Failed to create venue manager", zap.Error(err))
	}
	venueCtx, stopVenues := context.WithCancel(rootCtx)
	defer stopVenues()
	manager.Start(venueCtx)

	// Query facade.
	var historyDep facade.HistoryReader
	if store != nil {
		historyDep = store
	}
	server := facade.NewServer(cfg, facade.Deps{
		Indicators: agg,
		Cache:      cache,
		Venues:     manager,
		History:    historyDep,
		Hub:        hub,
		QueueDepth: publisher.QueueDepth,
	}, zapLogger)
	go func() {
		if err := server.Start(); err != nil {
			zapLogger.Fatal("Facade server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt; fatal venue rejections are surfaced but the
	// remaining venues keep streaming.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	for running := true; running; {
		select {
		case sig := <-quit:
			zapLogger.Info("Shutdown signal received", zap.String("signal", sig.String()))
			running = false
		case err := <-manager.Fatal():
			zapLogger.Error("Venue session rejected, operator action required", zap.Error(err))
		}
	}

	// Stop intake first so queues only drain from here.
	stopVenues()
	manager.Wait()

	// Flush buffered ticks to the broker.
	stopPublisher()
	if err := publisher.Stop(); err != nil {
		zapLogger.Error("Publisher close failed", zap.Error(err))
	}

	// Let the consumer hand the aggregator what the log already holds.
	stopConsumer()
	<-consumerDone

	// Drain worker mailboxes.
	stopAggregator()
	agg.Stop()

	// Facade drains in-flight requests; push clients get close frames.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := server.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Facade shutdown failed", zap.Error(err))
	}
	cancel()
	stopHub()

	// History last so every delivered result lands.
	stopHistory()
	if store != nil {
		store.Stop()
	}

	zapLogger.Info("Pipeline stopped")
}
