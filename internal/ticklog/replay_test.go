package ticklog

import (
	"context"
	"errors"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptopulse/marketpipe/pkg/models"
)

// fakePartition replays scripted records, then reports the configured
// terminal error the way a drained fetch reports its deadline.
type fakePartition struct {
	msgs     []kafka.Message
	terminal error
}

func (f *fakePartition) ReadMessage(ctx context.Context) (kafka.Message, error) {
	if ctx.Err() != nil {
		return kafka.Message{}, ctx.Err()
	}
	if len(f.msgs) == 0 {
		if f.terminal != nil {
			return kafka.Message{}, f.terminal
		}
		return kafka.Message{}, context.DeadlineExceeded
	}
	msg := f.msgs[0]
	f.msgs = f.msgs[1:]
	return msg, nil
}

func (f *fakePartition) Close() error { return nil }

func scriptedRecords(t *testing.T, n int) []kafka.Message {
	t.Helper()
	records := make([]kafka.Message, 0, n)
	for i := 0; i < n; i++ {
		msg, err := encodeTick(tickFor("BTCUSDT", i))
		require.NoError(t, err)
		records = append(records, msg)
	}
	return records
}

func TestReplayPartitionDrainsToLiveEdge(t *testing.T) {
	var replayed []models.Tick

	count, err := replayPartition(context.Background(), &fakePartition{msgs: scriptedRecords(t, 3)}, func(ctx context.Context, tick models.Tick) error {
		replayed = append(replayed, tick)
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, count)
	require.Len(t, replayed, 3)
	assert.True(t, replayed[0].Price.LessThan(replayed[2].Price), "replay must preserve log order")
}

func TestReplayPartitionSkipsUndecodable(t *testing.T) {
	msgs := append([]kafka.Message{{Value: []byte("{corrupt")}}, scriptedRecords(t, 2)...)

	count, err := replayPartition(context.Background(), &fakePartition{msgs: msgs}, func(ctx context.Context, tick models.Tick) error {
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestReplayPartitionStopsOnHandlerError(t *testing.T) {
	calls := 0

	count, err := replayPartition(context.Background(), &fakePartition{msgs: scriptedRecords(t, 3)}, func(ctx context.Context, tick models.Tick) error {
		calls++
		if calls == 2 {
			return errors.New("window rebuild failed")
		}
		return nil
	})

	assert.Error(t, err)
	assert.Equal(t, 1, count)
}

func TestReplayPartitionPropagatesBrokerError(t *testing.T) {
	broken := errors.New("partition offline")

	count, err := replayPartition(context.Background(), &fakePartition{terminal: broken}, func(ctx context.Context, tick models.Tick) error {
		return nil
	})

	assert.Zero(t, count)
	assert.ErrorIs(t, err, broken)
}

func TestReplayPartitionHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	count, err := replayPartition(ctx, &fakePartition{msgs: scriptedRecords(t, 1)}, func(ctx context.Context, tick models.Tick) error {
		return nil
	})

	assert.Zero(t, count)
	assert.ErrorIs(t, err, context.Canceled)
}
