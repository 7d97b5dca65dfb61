package venue

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/cryptopulse/marketpipe/pkg/errors"
)

func TestNewDialectUnknown(t *testing.T) {
	_, err := NewDialect("bogus")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestBinanceSubscribePayload(t *testing.T) {
	d, err := NewDialect("binance")
	require.NoError(t, err)

	payload, err := d.SubscribePayload([]string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)

	msg, ok := payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "SUBSCRIBE", msg["method"])
	assert.Equal(t, []string{"btcusdt@trade", "ethusdt@trade"}, msg["params"])

	_, err = d.SubscribePayload(nil)
	assert.Error(t, err)
}

func TestBinanceParseTrade(t *testing.T) {
	d := binanceDialect{}

	raw := []byte(`{"e":"trade","E":1700000000100,"s":"BTCUSDT","p":"104.25","q":"0.5","T":1700000000000,"m":true}`)
	ticks, err := d.Parse(raw)
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, "BTCUSDT", tick.InstrumentID)
	assert.True(t, tick.Price.Equal(decimal.RequireFromString("104.25")), "price %s", tick.Price)
	assert.True(t, tick.Volume.Equal(decimal.RequireFromString("0.5")))
	assert.Equal(t, time.UnixMilli(1700000000000).UTC(), tick.EventTime)
}

func TestBinanceParseCombinedStream(t *testing.T) {
	d := binanceDialect{}

	raw := []byte(`{"stream":"btcusdt@trade","data":{"e":"trade","s":"BTCUSDT","p":"99.10","q":"1","T":1700000000000}}`)
	ticks, err := d.Parse(raw)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.True(t, ticks[0].Price.Equal(decimal.RequireFromString("99.10")))
}

func TestBinanceParseControlFrames(t *testing.T) {
	d := binanceDialect{}

	ticks, err := d.Parse([]byte(`{"result":null,"id":1}`))
	require.NoError(t, err)
	assert.Empty(t, ticks)

	// Well-formed but unhandled event types are ignored, not errors.
	ticks, err = d.Parse([]byte(`{"e":"kline","s":"BTCUSDT"}`))
	require.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestBinanceParseMalformed(t *testing.T) {
	d := binanceDialect{}

	cases := map[string]string{
		"garbage":       `{{{`,
		"no event":      `{"s":"BTCUSDT"}`,
		"bad price":     `{"e":"trade","s":"BTCUSDT","p":"not-a-number","q":"1","T":1700000000000}`,
		"no symbol":     `{"e":"trade","p":"1.0","q":"1","T":1700000000000}`,
		"no timestamp":  `{"e":"trade","s":"BTCUSDT","p":"1.0","q":"1"}`,
		"bad wrapper":   `{"stream":"x","data":"not-an-object"}`,
		"bad quantity":  `{"e":"trade","s":"BTCUSDT","p":"1.0","q":"??","T":1700000000000}`,
	}
	for name, raw := range cases {
		_, err := d.Parse([]byte(raw))
		require.Error(t, err, name)
		assert.ErrorIs(t, err, pkgerrors.ErrMalformedMessage, name)
		assert.False(t, pkgerrors.IsFatal(err), name)
	}
}

func TestBinanceParseErrorFrameIsFatal(t *testing.T) {
	d := binanceDialect{}

	_, err := d.Parse([]byte(`{"error":{"code":2,"msg":"invalid api key"}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrAuthProtocol)
	assert.True(t, pkgerrors.IsFatal(err))

	var authErr *pkgerrors.AuthProtocolError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "binance", authErr.Venue)
	assert.Equal(t, "2", authErr.Code)
}

func TestCoinbaseSubscribePayload(t *testing.T) {
	d, err := NewDialect("coinbase")
	require.NoError(t, err)

	payload, err := d.SubscribePayload([]string{"BTCUSDT"})
	require.NoError(t, err)

	msg, ok := payload.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "subscribe", msg["type"])
	assert.Equal(t, []string{"BTC-USDT"}, msg["product_ids"])
	assert.Equal(t, []string{"ticker", "heartbeat"}, msg["channels"])
}

func TestCoinbaseParseTicker(t *testing.T) {
	d := coinbaseDialect{}

	raw := []byte(`{"type":"ticker","product_id":"BTC-USDT","price":"104.25","last_size":"0.02","time":"2023-06-01T12:00:00.500000Z"}`)
	ticks, err := d.Parse(raw)
	require.NoError(t, err)
	require.Len(t, ticks, 1)

	tick := ticks[0]
	assert.Equal(t, "BTCUSDT", tick.InstrumentID)
	assert.True(t, tick.Price.Equal(decimal.RequireFromString("104.25")))
	assert.Equal(t, 2023, tick.EventTime.Year())
	assert.Equal(t, 500*time.Millisecond, time.Duration(tick.EventTime.Nanosecond()))
}

func TestCoinbaseParseSnapshotWithoutTime(t *testing.T) {
	d := coinbaseDialect{}

	raw := []byte(`{"type":"ticker","product_id":"ETH-USDT","price":"2000"}`)
	ticks, err := d.Parse(raw)
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, "ETHUSDT", ticks[0].InstrumentID)
	assert.False(t, ticks[0].EventTime.IsZero())
	assert.True(t, ticks[0].Volume.IsZero())
}

func TestCoinbaseParseControlFrames(t *testing.T) {
	d := coinbaseDialect{}

	for _, raw := range []string{
		`{"type":"subscriptions","channels":[]}`,
		`{"type":"heartbeat","sequence":90,"product_id":"BTC-USDT"}`,
		`{"type":"l2update","product_id":"BTC-USDT"}`,
	} {
		ticks, err := d.Parse([]byte(raw))
		require.NoError(t, err, raw)
		assert.Empty(t, ticks, raw)
	}
}

func TestCoinbaseParseErrorIsFatal(t *testing.T) {
	d := coinbaseDialect{}

	_, err := d.Parse([]byte(`{"type":"error","message":"authentication failure","reason":"unauthorized"}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, pkgerrors.ErrAuthProtocol)
	assert.True(t, pkgerrors.IsFatal(err))
}

func TestCoinbaseParseMalformed(t *testing.T) {
	d := coinbaseDialect{}

	cases := map[string]string{
		"garbage":    `nope`,
		"no type":    `{"product_id":"BTC-USDT"}`,
		"bad price":  `{"type":"ticker","product_id":"BTC-USDT","price":"??"}`,
		"no product": `{"type":"ticker","price":"1.0"}`,
		"bad time":   `{"type":"ticker","product_id":"BTC-USDT","price":"1.0","time":"yesterday"}`,
	}
	for name, raw := range cases {
		_, err := d.Parse([]byte(raw))
		require.Error(t, err, name)
		assert.ErrorIs(t, err, pkgerrors.ErrMalformedMessage, name)
	}
}
