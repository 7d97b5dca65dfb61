package aggregator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pairBase = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestPairIndexNearest(t *testing.T) {
	idx := newPairIndex(16)
	idx.record(pairBase, 100)
	idx.record(pairBase.Add(time.Second), 101)

	price, ok := idx.nearest(pairBase.Add(400*time.Millisecond).UnixNano(), time.Second)
	require.True(t, ok)
	assert.Equal(t, 100.0, price)

	price, ok = idx.nearest(pairBase.Add(700*time.Millisecond).UnixNano(), time.Second)
	require.True(t, ok)
	assert.Equal(t, 101.0, price, "nearest neighbor may be ahead of the lookup point")

	_, ok = idx.nearest(pairBase.Add(10*time.Second).UnixNano(), 500*time.Millisecond)
	assert.False(t, ok, "no sample within tolerance")
}

func TestPairIndexHorizonEviction(t *testing.T) {
	idx := newPairIndex(3)
	for i := 0; i < 5; i++ {
		idx.record(pairBase.Add(time.Duration(i)*time.Second), float64(i))
	}

	assert.Equal(t, 3, idx.series.Len())
	_, ok := idx.nearest(pairBase.UnixNano(), time.Second)
	assert.False(t, ok, "oldest samples fall off the horizon")
}

func TestCorrelatePerfectSeries(t *testing.T) {
	a := newPairIndex(32)
	b := newPairIndex(32)
	c := newPairIndex(32)
	for i := 0; i < 10; i++ {
		ts := pairBase.Add(time.Duration(i) * time.Second)
		x := float64(100 + i)
		a.record(ts, x)
		b.record(ts, 2*x+3)
		c.record(ts, -x)
	}

	r, pairs, ok := correlate(a, b, time.Second, 32)
	require.True(t, ok)
	assert.Equal(t, 10, pairs)
	assert.InDelta(t, 1.0, r, 1e-9)

	r, _, ok = correlate(a, c, time.Second, 32)
	require.True(t, ok)
	assert.InDelta(t, -1.0, r, 1e-9)
}

func TestCorrelateCapsAlignedPairs(t *testing.T) {
	a := newPairIndex(32)
	b := newPairIndex(32)
	aVals := []float64{5, 0, 1, 2}
	bVals := []float64{5, 10, 11, 12}
	for i := range aVals {
		ts := pairBase.Add(time.Duration(i) * time.Second)
		a.record(ts, aVals[i])
		b.record(ts, bVals[i])
	}

	// The most recent three pairs are exactly linear.
	r, pairs, ok := correlate(a, b, time.Second, 3)
	require.True(t, ok)
	assert.Equal(t, 3, pairs)
	assert.InDelta(t, 1.0, r, 1e-9)

	// A larger cap pulls in the oldest pair, which breaks the fit.
	r, pairs, ok = correlate(a, b, time.Second, 8)
	require.True(t, ok)
	assert.Equal(t, 4, pairs)
	assert.Less(t, r, 0.0)
}

func TestCorrelateSkewedClocks(t *testing.T) {
	a := newPairIndex(32)
	b := newPairIndex(32)
	for i := 0; i < 10; i++ {
		ts := pairBase.Add(time.Duration(i) * time.Second)
		a.record(ts, float64(i))
		// Counterparty samples lag by 300ms, inside tolerance.
		b.record(ts.Add(300*time.Millisecond), float64(3*i))
	}

	r, pairs, ok := correlate(a, b, 500*time.Millisecond, 32)
	require.True(t, ok)
	assert.Equal(t, 10, pairs)
	assert.InDelta(t, 1.0, r, 1e-9)
}

func TestCorrelateUndefined(t *testing.T) {
	t.Run("too few aligned samples", func(t *testing.T) {
		a := newPairIndex(32)
		b := newPairIndex(32)
		a.record(pairBase, 1)
		b.record(pairBase, 2)

		_, pairs, ok := correlate(a, b, time.Second, 32)
		assert.False(t, ok)
		assert.Equal(t, 1, pairs)
	})

	t.Run("flat series has no defined correlation", func(t *testing.T) {
		a := newPairIndex(32)
		b := newPairIndex(32)
		for i := 0; i < 5; i++ {
			ts := pairBase.Add(time.Duration(i) * time.Second)
			a.record(ts, 42) // zero variance
			b.record(ts, float64(i))
		}

		_, _, ok := correlate(a, b, time.Second, 32)
		assert.False(t, ok)
	})

	t.Run("nothing aligns outside tolerance", func(t *testing.T) {
		a := newPairIndex(32)
		b := newPairIndex(32)
		for i := 0; i < 5; i++ {
			a.record(pairBase.Add(time.Duration(i)*time.Minute), float64(i))
			b.record(pairBase.Add(time.Duration(i)*time.Minute+30*time.Second), float64(i))
		}

		_, pairs, ok := correlate(a, b, time.Second, 32)
		assert.False(t, ok)
		assert.Zero(t, pairs)
	})
}
