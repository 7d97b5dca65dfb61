package ticklog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/internal/config"
)

// logReader is the slice of kafka.Reader the replay path needs.
type logReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// fetchTimeout bounds one replay read; hitting it means the partition is
// drained up to the live edge.
const fetchTimeout = 2 * time.Second

// Replay streams recent log history into the handler so rolling windows
// can be rebuilt after a restart. It reads every partition from the
// configured horizon up to the live edge and returns the record count.
// Records the live consumer re-delivers around the cutover are shed by the
// aggregator's event-time guard, so overlap is harmless.
func Replay(ctx context.Context, cfg config.KafkaConfig, logger *zap.Logger, handler Handler) (int, error) {
	log := logger.Named("replay").With(zap.String("session", uuid.NewString()))
	since := time.Now().Add(-cfg.ReplayHorizon)

	conn, err := kafka.DialContext(ctx, "tcp", cfg.Brokers[0])
	if err != nil {
		return 0, fmt.Errorf("replay dial: %w", err)
	}
	partitions, err := conn.ReadPartitions(cfg.Topic)
	conn.Close()
	if err != nil {
		return 0, fmt.Errorf("replay partitions: %w", err)
	}

	log.Info("rebuilding windows from event log",
		zap.String("topic", cfg.Topic),
		zap.Int("partitions", len(partitions)),
		zap.Time("since", since))

	total := 0
	for _, p := range partitions {
		reader := kafka.NewReader(kafka.ReaderConfig{
			Brokers:   cfg.Brokers,
			Topic:     cfg.Topic,
			Partition: p.ID,
			MinBytes:  1,
			MaxBytes:  1 << 20,
		})
		if err := reader.SetOffsetAt(ctx, since); err != nil {
			// Nothing at or after the horizon on this partition.
			log.Debug("partition has no replayable range",
				zap.Int("partition", p.ID), zap.Error(err))
			reader.Close()
			continue
		}

		n, err := replayPartition(ctx, reader, handler)
		reader.Close()
		total += n
		if err != nil {
			return total, fmt.Errorf("replay partition %d: %w", p.ID, err)
		}
		log.Debug("partition replayed", zap.Int("partition", p.ID), zap.Int("records", n))
	}

	log.Info("replay complete", zap.Int("records", total))
	return total, nil
}

// replayPartition drains one partition until a read times out at the live
// edge. Undecodable records are skipped the same way the live consumer
// skips them.
func replayPartition(ctx context.Context, reader logReader, handler Handler) (int, error) {
	count := 0
	for {
		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		msg, err := reader.ReadMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return count, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return count, nil
			}
			return count, err
		}

		tick, err := decodeTick(msg.Value)
		if err != nil {
			continue
		}
		if err := handler(ctx, tick); err != nil {
			return count, err
		}
		count++
	}
}
