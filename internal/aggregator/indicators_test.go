package aggregator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEMASeedsWithSMA(t *testing.T) {
	e := newEMA(3) // K = 0.5

	e.push(10)
	e.push(11)
	assert.False(t, e.ready(), "needs period samples before seeding")

	e.push(12)
	require.True(t, e.ready())
	assert.InDelta(t, 11.0, e.value, 1e-12, "seed is the SMA of the first three")

	e.push(13)
	assert.InDelta(t, 12.0, e.value, 1e-12)

	e.push(14)
	assert.InDelta(t, 13.0, e.value, 1e-12)
}

func TestEMADeterministic(t *testing.T) {
	series := []float64{100, 102, 101, 105, 107, 103, 99, 104}

	a := newEMA(5)
	b := newEMA(5)
	for _, p := range series {
		a.push(p)
		b.push(p)
	}

	require.True(t, a.ready())
	assert.Equal(t, a.value, b.value, "same inputs must reproduce the identical value")
}

func TestMACDMatchesEMADifference(t *testing.T) {
	m := newMACD(2, 4, 3)
	fast := newEMA(2)
	slow := newEMA(4)

	series := []float64{10, 11, 13, 12, 14, 15, 13, 16, 17, 15}
	for _, p := range series {
		m.push(p)
		fast.push(p)
		slow.push(p)
	}

	require.True(t, m.ready())
	macd, signal, histogram := m.lines()
	assert.InDelta(t, fast.value-slow.value, macd, 1e-12)
	assert.InDelta(t, macd-signal, histogram, 1e-12)
}

func TestMACDReadyGating(t *testing.T) {
	m := newMACD(2, 4, 3)

	// Slow EMA seeds at sample 4; the signal line then needs three MACD
	// values of its own.
	for i, p := range []float64{10, 11, 12, 13, 14} {
		m.push(p)
		assert.False(t, m.ready(), "must not be ready after %d samples", i+1)
	}
	m.push(15)
	assert.True(t, m.ready())
	assert.Equal(t, 6, m.samples())
}
