package aggregator

import "math"

// window is a fixed-capacity ring over the most recent prices with running
// partials, so every indicator read costs O(1) regardless of period.
//
// Each slot stores the price plus the gain/loss of its arrival delta, and
// eviction subtracts the departing slot's contribution. The price that
// anchored the oldest slot's delta is gone, but the delta itself lives on
// in the slot, so once the ring has turned over gainSum/lossSum span
// exactly the last capacity deltas.
type window struct {
	values []float64
	gains  []float64
	losses []float64

	start int // index of the oldest slot
	size  int
	seen  int // lifetime pushes; the first one carries no delta

	sum     float64
	sumSq   float64
	gainSum float64
	lossSum float64
}

func newWindow(capacity int) *window {
	return &window{
		values: make([]float64, capacity),
		gains:  make([]float64, capacity),
		losses: make([]float64, capacity),
	}
}

func (w *window) push(price float64) {
	capacity := len(w.values)

	var gain, loss float64
	if w.size > 0 {
		newest := (w.start + w.size - 1) % capacity
		delta := price - w.values[newest]
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
	}

	if w.size == capacity {
		old := w.values[w.start]
		w.sum -= old
		w.sumSq -= old * old
		w.gainSum -= w.gains[w.start]
		w.lossSum -= w.losses[w.start]
		w.start = (w.start + 1) % capacity
		w.size--
	}

	idx := (w.start + w.size) % capacity
	w.values[idx] = price
	w.gains[idx] = gain
	w.losses[idx] = loss
	w.size++
	w.seen++

	w.sum += price
	w.sumSq += price * price
	w.gainSum += gain
	w.lossSum += loss
}

func (w *window) full() bool { return w.size == len(w.values) }

func (w *window) count() int { return w.size }

// deltas reports how many arrival deltas the partials cover. The first
// price ever pushed carries none, so the count trails seen by one until
// the ring turns over.
func (w *window) deltas() int {
	if w.seen == 0 {
		return 0
	}
	if w.seen <= len(w.values) {
		return w.seen - 1
	}
	return len(w.values)
}

// rsiReady reports whether a full period of deltas is available. That
// takes one price more than the ring holds: a freshly filled ring only
// covers capacity-1 of them.
func (w *window) rsiReady() bool { return w.deltas() == len(w.values) }

func (w *window) sma() float64 { return w.sum / float64(w.size) }

// variance is the population variance of the ring contents. Floating
// point drift can push the partials formula slightly below zero.
func (w *window) variance() float64 {
	mean := w.sum / float64(w.size)
	v := w.sumSq/float64(w.size) - mean*mean
	if v < 0 {
		v = 0
	}
	return v
}

func (w *window) stddev() float64 { return math.Sqrt(w.variance()) }

// rsi maps the balance of the last capacity deltas onto 0..100. A window
// with no losses saturates at 100, one with no gains at 0. Callers gate
// on rsiReady.
func (w *window) rsi() float64 {
	if w.lossSum <= 0 {
		return 100
	}
	rs := w.gainSum / w.lossSum
	return 100 - 100/(1+rs)
}
