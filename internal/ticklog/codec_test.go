package ticklog

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cryptopulse/marketpipe/pkg/models"
)

func sampleTick() models.Tick {
	return models.Tick{
		InstrumentID: "BTCUSDT",
		Price:        decimal.RequireFromString("104.25000001"),
		Volume:       decimal.RequireFromString("0.003"),
		Venue:        "binance",
		EventTime:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		IngestTime:   time.Date(2025, 6, 1, 12, 0, 0, 50_000_000, time.UTC),
	}
}

func TestEncodeTickKeysByInstrument(t *testing.T) {
	msg, err := encodeTick(sampleTick())
	require.NoError(t, err)

	assert.Equal(t, []byte("BTCUSDT"), msg.Key)
	assert.True(t, msg.Time.Equal(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)))
}

func TestTickRoundTripKeepsDecimalPrecision(t *testing.T) {
	in := sampleTick()
	msg, err := encodeTick(in)
	require.NoError(t, err)

	out, err := decodeTick(msg.Value)
	require.NoError(t, err)

	assert.Equal(t, in.InstrumentID, out.InstrumentID)
	assert.Equal(t, in.Venue, out.Venue)
	assert.True(t, in.Price.Equal(out.Price), "price %s != %s", in.Price, out.Price)
	assert.True(t, in.Volume.Equal(out.Volume))
	assert.True(t, in.EventTime.Equal(out.EventTime))
}

func TestDecodeTickRejectsBadRecords(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"not json", `{"price":`},
		{"missing instrument", `{"price":"1","venue":"binance","event_time":"2025-06-01T12:00:00Z"}`},
		{"missing venue", `{"instrument_id":"BTCUSDT","price":"1","event_time":"2025-06-01T12:00:00Z"}`},
		{"zero event time", `{"instrument_id":"BTCUSDT","price":"1","venue":"binance"}`},
		{"negative price", `{"instrument_id":"BTCUSDT","price":"-1","venue":"binance","event_time":"2025-06-01T12:00:00Z"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeTick([]byte(tt.value))
			assert.Error(t, err)
		})
	}
}
