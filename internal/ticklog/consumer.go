package ticklog

import (
	"context"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/internal/config"
	"github.com/cryptopulse/marketpipe/pkg/metrics"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

// Handler consumes one decoded tick.
type Handler func(ctx context.Context, tick models.Tick) error

const handlerRetries = 3

// Consumer tails the event log within a consumer group and feeds the
// aggregator. Offsets commit only after the handler accepts the tick.
type Consumer struct {
	cfg    config.KafkaConfig
	reader *kafka.Reader
	logger *zap.Logger
}

// NewConsumer builds the group consumer. New groups start at the latest
// offset; window history comes from Replay instead.
func NewConsumer(cfg config.KafkaConfig, logger *zap.Logger) *Consumer {
	log := logger.Named("consumer")
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.ConsumerGroup,
		MaxBytes:    1 << 20,
		StartOffset: kafka.LastOffset,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			log.Sugar().Errorf(msg, args...)
		}),
	})
	return &Consumer{cfg: cfg, reader: reader, logger: log}
}

// Run consumes until the context ends. Broker errors pause and retry;
// they never kill the loop.
func (c *Consumer) Run(ctx context.Context, handler Handler) error {
	defer c.reader.Close()
	c.logger.Info("consuming event log",
		zap.String("topic", c.cfg.Topic),
		zap.String("group", c.cfg.ConsumerGroup))

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error("fetch failed, retrying", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		c.handleRecord(ctx, msg, handler)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error("offset commit failed", zap.Error(err),
				zap.Int64("offset", msg.Offset))
		}
	}
}

// handleRecord decodes and dispatches one log record. Undecodable records
// are counted and skipped; handler failures get a few attempts before the
// record is abandoned so one poison tick cannot stall the partition.
func (c *Consumer) handleRecord(ctx context.Context, msg kafka.Message, handler Handler) {
	tick, err := decodeTick(msg.Value)
	if err != nil {
		metrics.TicksDropped.WithLabelValues("ticklog", "malformed").Inc()
		c.logger.Warn("skipping undecodable log record",
			zap.Error(err),
			zap.Int64("offset", msg.Offset),
			zap.Int("partition", msg.Partition))
		return
	}

	for attempt := 1; attempt <= handlerRetries; attempt++ {
		if err = handler(ctx, tick); err == nil {
			return
		}
		if ctx.Err() != nil {
			return
		}
		if attempt < handlerRetries {
			time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
		}
	}
	c.logger.Error("handler failed, abandoning record",
		zap.Error(err),
		zap.String("instrument", tick.InstrumentID),
		zap.Int64("offset", msg.Offset))
}
