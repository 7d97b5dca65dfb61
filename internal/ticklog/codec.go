// Package ticklog appends canonical ticks to the durable event log and
// reads them back, live or as replay. The log is the pipeline's only
// persistence; everything downstream can be rebuilt from it.
package ticklog

import (
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/cryptopulse/marketpipe/pkg/models"
)

// encodeTick builds the log record for one tick. The instrument is the
// message key so one partition owns one instrument's order.
func encodeTick(tick models.Tick) (kafka.Message, error) {
	value, err := json.Marshal(tick)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("encode tick: %w", err)
	}
	return kafka.Message{
		Key:   []byte(tick.InstrumentID),
		Value: value,
		Time:  tick.EventTime,
	}, nil
}

func decodeTick(value []byte) (models.Tick, error) {
	var tick models.Tick
	if err := json.Unmarshal(value, &tick); err != nil {
		return models.Tick{}, fmt.Errorf("decode tick: %w", err)
	}
	if err := tick.Validate(); err != nil {
		return models.Tick{}, fmt.Errorf("decode tick: %w", err)
	}
	return tick, nil
}
