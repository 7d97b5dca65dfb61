package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is the canonical market data event produced by venue connectors.
// Price and Volume stay decimal end to end; they are converted to float64
// only at the analytics boundary inside the aggregator.
type Tick struct {
	InstrumentID string          `json:"instrument_id" validate:"required"`
	Price        decimal.Decimal `json:"price" validate:"required"`
	Volume       decimal.Decimal `json:"volume"`
	Venue        string          `json:"venue" validate:"required"`
	EventTime    time.Time       `json:"event_time" validate:"required"`
	IngestTime   time.Time       `json:"ingest_time"`
}

// Validate checks the fields every downstream stage relies on.
func (t *Tick) Validate() error {
	switch {
	case t.InstrumentID == "":
		return fmt.Errorf("tick missing instrument_id")
	case t.Venue == "":
		return fmt.Errorf("tick missing venue")
	case t.EventTime.IsZero():
		return fmt.Errorf("tick missing event_time")
	case t.Price.IsNegative():
		return fmt.Errorf("tick price negative: %s", t.Price)
	}
	return nil
}

// IndicatorKind identifies one of the supported indicator families.
type IndicatorKind string

const (
	KindSMA         IndicatorKind = "sma"
	KindEMA         IndicatorKind = "ema"
	KindVolatility  IndicatorKind = "volatility"
	KindRSI         IndicatorKind = "rsi"
	KindMACD        IndicatorKind = "macd"
	KindCorrelation IndicatorKind = "correlation"
)

// Kinds lists every supported indicator kind.
func Kinds() []IndicatorKind {
	return []IndicatorKind{KindSMA, KindEMA, KindVolatility, KindRSI, KindMACD, KindCorrelation}
}

// ParseIndicatorKind validates an inbound kind string.
func ParseIndicatorKind(s string) (IndicatorKind, error) {
	k := IndicatorKind(strings.ToLower(strings.TrimSpace(s)))
	switch k {
	case KindSMA, KindEMA, KindVolatility, KindRSI, KindMACD, KindCorrelation:
		return k, nil
	}
	return "", fmt.Errorf("unknown indicator kind %q", s)
}

// IndicatorResult is one computed indicator value for one instrument.
// PairInstrumentID is set for correlation only; Extra carries the
// secondary MACD lines (signal, histogram).
type IndicatorResult struct {
	InstrumentID     string             `json:"instrument_id"`
	Kind             IndicatorKind      `json:"kind"`
	Period           int                `json:"period"`
	Value            float64            `json:"value"`
	PairInstrumentID string             `json:"pair_instrument_id,omitempty"`
	Extra            map[string]float64 `json:"extra,omitempty"`
	ComputedAt       time.Time          `json:"computed_at"`
}

// VenueState enumerates the connector lifecycle states.
type VenueState string

const (
	VenueDisconnected VenueState = "disconnected"
	VenueConnecting   VenueState = "connecting"
	VenueSubscribed   VenueState = "subscribed"
	VenueStreaming    VenueState = "streaming"
	VenueReconnecting VenueState = "reconnecting"
)

// VenueStatus is the health snapshot a connector exposes.
type VenueStatus struct {
	Venue          string     `json:"venue"`
	State          VenueState `json:"state"`
	LastMessage    time.Time  `json:"last_message"`
	ReconnectCount int        `json:"reconnect_count"`
	ErrorCount     int        `json:"error_count"`
	LastError      string     `json:"last_error,omitempty"`
}
