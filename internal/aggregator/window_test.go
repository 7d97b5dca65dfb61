package aggregator

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWindowSMAKnownSeries(t *testing.T) {
	w := newWindow(5)
	for _, p := range []float64{100, 102, 101, 105, 107, 103, 99, 104, 108, 110} {
		w.push(p)
	}

	require.True(t, w.full())
	// Last five prices are 103, 99, 104, 108, 110.
	assert.InDelta(t, 104.8, w.sma(), 1e-12)
}

func TestWindowVolatilityKnownSeries(t *testing.T) {
	w := newWindow(8)
	for _, p := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		w.push(p)
	}

	require.True(t, w.full())
	assert.InDelta(t, 4.0, w.variance(), 1e-12)
	assert.InDelta(t, 2.0, w.stddev(), 1e-12)
}

func TestWindowRSI(t *testing.T) {
	t.Run("no losses saturates at 100", func(t *testing.T) {
		w := newWindow(3)
		for _, p := range []float64{1, 2, 3, 4} {
			w.push(p)
		}
		require.True(t, w.rsiReady())
		assert.InDelta(t, 100.0, w.rsi(), 1e-12)
	})

	t.Run("no gains saturates at 0", func(t *testing.T) {
		w := newWindow(3)
		for _, p := range []float64{5, 4, 3, 2} {
			w.push(p)
		}
		require.True(t, w.rsiReady())
		assert.InDelta(t, 0.0, w.rsi(), 1e-12)
	})

	t.Run("mixed gains and losses", func(t *testing.T) {
		w := newWindow(5)
		for _, p := range []float64{1, 2, 3, 2, 3, 4} {
			w.push(p)
		}
		// Deltas into the ring are +1,+1,-1,+1,+1: gains 4, losses 1, RS 4.
		require.True(t, w.rsiReady())
		assert.InDelta(t, 80.0, w.rsi(), 1e-12)
	})
}

func TestWindowRSIKnownSeries(t *testing.T) {
	w := newWindow(5)
	for _, p := range []float64{100, 102, 101, 105, 107, 103, 99, 104, 108, 110} {
		w.push(p)
	}

	require.True(t, w.rsiReady())
	// The last five deltas are -4, -4, +5, +4, +2: average gain 2.2,
	// average loss 1.6, RS 1.375.
	assert.InDelta(t, 57.8947368421, w.rsi(), 1e-9)
}

// TestWindowRSIReadiness pins down that a freshly filled ring is not
// enough: five deltas take six prices.
func TestWindowRSIReadiness(t *testing.T) {
	w := newWindow(3)
	for _, p := range []float64{10, 11, 12} {
		w.push(p)
	}
	require.True(t, w.full())
	assert.False(t, w.rsiReady())
	assert.Equal(t, 2, w.deltas())

	w.push(13)
	assert.True(t, w.rsiReady())
	assert.Equal(t, 3, w.deltas())
}

func TestWindowFillAndEviction(t *testing.T) {
	w := newWindow(3)
	assert.False(t, w.full())
	assert.Zero(t, w.count())

	w.push(10)
	w.push(20)
	assert.False(t, w.full())
	assert.Equal(t, 2, w.count())
	assert.InDelta(t, 15.0, w.sma(), 1e-12)

	w.push(30)
	require.True(t, w.full())

	w.push(40) // evicts 10
	require.True(t, w.full())
	assert.Equal(t, 3, w.count())
	assert.InDelta(t, 30.0, w.sma(), 1e-12)
}

// TestWindowPartialsMatchNaive drives a window with a pseudo-random walk
// and checks each O(1) read against a recomputation from scratch.
func TestWindowPartialsMatchNaive(t *testing.T) {
	const capacity = 14
	rng := rand.New(rand.NewSource(42))

	w := newWindow(capacity)
	var history []float64
	price := 100.0

	for i := 0; i < 500; i++ {
		price += rng.Float64()*4 - 2
		w.push(price)
		history = append(history, price)

		if !w.full() {
			continue
		}
		tail := history[len(history)-capacity:]

		var sum, sumSq float64
		for _, v := range tail {
			sum += v
			sumSq += v * v
		}
		mean := sum / capacity
		naiveVar := sumSq/capacity - mean*mean
		if naiveVar < 0 {
			naiveVar = 0
		}

		require.InDelta(t, mean, w.sma(), 1e-9, "sma diverged at step %d", i)
		require.InDelta(t, math.Sqrt(naiveVar), w.stddev(), 1e-9, "stddev diverged at step %d", i)

		if !w.rsiReady() {
			continue
		}
		// RSI spans the last capacity deltas, one price more than the ring.
		dtail := history[len(history)-capacity-1:]
		var gains, losses float64
		for j := 1; j < len(dtail); j++ {
			if d := dtail[j] - dtail[j-1]; d > 0 {
				gains += d
			} else {
				losses -= d
			}
		}
		naiveRSI := 100.0
		if losses > 0 {
			naiveRSI = 100 - 100/(1+gains/losses)
		}
		require.InDelta(t, naiveRSI, w.rsi(), 1e-9, "rsi diverged at step %d", i)
	}
}
