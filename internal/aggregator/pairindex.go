package aggregator

import (
	"math"
	"time"

	"github.com/tidwall/btree"
)

// pairIndex keeps a bounded series of prices ordered by event time,
// used to align correlation pairs across instruments.
type pairIndex struct {
	series  *btree.Map[int64, float64]
	horizon int
}

func newPairIndex(horizon int) *pairIndex {
	return &pairIndex{series: btree.NewMap[int64, float64](32), horizon: horizon}
}

func (p *pairIndex) record(ts time.Time, price float64) {
	p.series.Set(ts.UnixNano(), price)
	for p.series.Len() > p.horizon {
		oldest, _, ok := p.series.Min()
		if !ok {
			break
		}
		p.series.Delete(oldest)
	}
}

// nearest returns the sample closest to ts, if one lies within tolerance.
func (p *pairIndex) nearest(ts int64, tolerance time.Duration) (float64, bool) {
	bestDist := int64(math.MaxInt64)
	var bestPrice float64
	found := false

	p.series.Descend(ts, func(key int64, price float64) bool {
		if d := ts - key; d < bestDist {
			bestDist, bestPrice, found = d, price, true
		}
		return false
	})
	p.series.Ascend(ts+1, func(key int64, price float64) bool {
		if d := key - ts; d < bestDist {
			bestDist, bestPrice, found = d, price, true
		}
		return false
	})

	if !found || bestDist > int64(tolerance) {
		return 0, false
	}
	return bestPrice, true
}

// correlate computes the Pearson coefficient over timestamp-aligned
// samples of two series, walking a newest-first and keeping at most limit
// aligned pairs. Each sample of a pairs with the nearest sample of b
// within tolerance; unmatched samples are skipped, never interpolated.
// The alignment scan follows a, so callers fix the leg order when the
// coefficient must not depend on it. ok is false when fewer than two
// samples align or either aligned series has zero variance.
func correlate(a, b *pairIndex, tolerance time.Duration, limit int) (r float64, pairs int, ok bool) {
	var sumX, sumY, sumXY, sumXX, sumYY float64

	a.series.Reverse(func(ts int64, x float64) bool {
		y, matched := b.nearest(ts, tolerance)
		if !matched {
			return true
		}
		pairs++
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
		sumYY += y * y
		return pairs < limit
	})

	if pairs < 2 {
		return 0, pairs, false
	}
	n := float64(pairs)
	cov := n*sumXY - sumX*sumY
	varX := n*sumXX - sumX*sumX
	varY := n*sumYY - sumY*sumY
	if varX <= 0 || varY <= 0 {
		return 0, pairs, false
	}
	return cov / math.Sqrt(varX*varY), pairs, true
}
