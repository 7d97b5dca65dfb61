package aggregator

// emaState implements the standard EMA recurrence with smoothing factor
// K = 2/(period+1), seeded by the SMA of the first period samples. The
// recurrence makes the value a pure function of the input sequence, so
// replaying the same ticks reproduces identical results.
type emaState struct {
	period  int
	k       float64
	seedSum float64
	seen    int
	value   float64
}

func newEMA(period int) *emaState {
	return &emaState{period: period, k: 2 / float64(period+1)}
}

func (e *emaState) push(price float64) {
	if e.seen >= e.period {
		e.value = price*e.k + e.value*(1-e.k)
		e.seen++
		return
	}
	e.seedSum += price
	e.seen++
	if e.seen == e.period {
		e.value = e.seedSum / float64(e.period)
	}
}

func (e *emaState) ready() bool { return e.seen >= e.period }

// macdState tracks the fast and slow price EMAs plus the signal EMA over
// the MACD line itself.
type macdState struct {
	fast   *emaState
	slow   *emaState
	signal *emaState
}

func newMACD(fast, slow, signal int) *macdState {
	return &macdState{
		fast:   newEMA(fast),
		slow:   newEMA(slow),
		signal: newEMA(signal),
	}
}

func (m *macdState) push(price float64) {
	m.fast.push(price)
	m.slow.push(price)
	if m.fast.ready() && m.slow.ready() {
		m.signal.push(m.fast.value - m.slow.value)
	}
}

// ready reports whether the signal line has seeded, which requires the
// slow EMA to be ready plus signal-period further samples.
func (m *macdState) ready() bool { return m.signal.ready() }

// samples is how many prices the state has consumed, used for
// insufficient-window reporting.
func (m *macdState) samples() int { return m.slow.seen }

func (m *macdState) lines() (macd, signal, histogram float64) {
	macd = m.fast.value - m.slow.value
	signal = m.signal.value
	return macd, signal, macd - signal
}
