package venue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	pkgerrors "github.com/cryptopulse/marketpipe/pkg/errors"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

// binanceDialect speaks the Binance combined trade stream protocol.
type binanceDialect struct{}

func init() {
	RegisterDialect("binance", func() Dialect { return binanceDialect{} })
}

func (binanceDialect) Name() string { return "binance" }

// SubscribePayload subscribes to per-symbol trade streams. Binance stream
// names are lowercase symbol@trade.
func (binanceDialect) SubscribePayload(instruments []string) (interface{}, error) {
	if len(instruments) == 0 {
		return nil, fmt.Errorf("binance: no instruments to subscribe")
	}
	streams := make([]string, 0, len(instruments))
	for _, symbol := range instruments {
		streams = append(streams, strings.ToLower(symbol)+"@trade")
	}
	return map[string]interface{}{
		"method": "SUBSCRIBE",
		"params": streams,
		"id":     time.Now().Unix(),
	}, nil
}

type binanceError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// binanceEnvelope covers the three frame shapes the stream can deliver:
// combined-stream wrappers, bare events, and command responses.
type binanceEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *binanceError   `json:"error"`
	Event  string          `json:"e"`
}

type binanceTrade struct {
	Event     string `json:"e"`
	Symbol    string `json:"s"`
	Price     string `json:"p"`
	Quantity  string `json:"q"`
	TradeTime int64  `json:"T"`
}

func (d binanceDialect) Parse(raw []byte) ([]models.Tick, error) {
	var env binanceEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: fmt.Sprintf("invalid json: %v", err)}
	}

	if env.Error != nil {
		return nil, &pkgerrors.AuthProtocolError{
			Venue:  d.Name(),
			Code:   fmt.Sprintf("%d", env.Error.Code),
			Reason: env.Error.Msg,
		}
	}

	// Command acknowledgements carry an id and no event payload.
	if env.ID != nil && env.Stream == "" && env.Event == "" {
		return nil, nil
	}

	payload := raw
	event := env.Event
	if len(env.Data) > 0 {
		payload = env.Data
		var inner struct {
			Event string `json:"e"`
		}
		if err := json.Unmarshal(env.Data, &inner); err != nil {
			return nil, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: fmt.Sprintf("invalid stream data: %v", err)}
		}
		event = inner.Event
	}

	switch event {
	case "trade":
		tick, err := d.parseTrade(payload)
		if err != nil {
			return nil, err
		}
		return []models.Tick{tick}, nil
	case "":
		return nil, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: "frame without event type"}
	default:
		// Unhandled but well-formed event types are not an error.
		return nil, nil
	}
}

func (d binanceDialect) parseTrade(payload []byte) (models.Tick, error) {
	var trade binanceTrade
	if err := json.Unmarshal(payload, &trade); err != nil {
		return models.Tick{}, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: fmt.Sprintf("invalid trade: %v", err)}
	}
	if trade.Symbol == "" {
		return models.Tick{}, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: "trade without symbol"}
	}
	price, err := decimal.NewFromString(trade.Price)
	if err != nil {
		return models.Tick{}, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: fmt.Sprintf("bad price %q", trade.Price)}
	}
	volume := decimal.Zero
	if trade.Quantity != "" {
		volume, err = decimal.NewFromString(trade.Quantity)
		if err != nil {
			return models.Tick{}, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: fmt.Sprintf("bad quantity %q", trade.Quantity)}
		}
	}
	if trade.TradeTime <= 0 {
		return models.Tick{}, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: "trade without timestamp"}
	}

	return models.Tick{
		InstrumentID: strings.ToUpper(trade.Symbol),
		Price:        price,
		Volume:       volume,
		EventTime:    time.UnixMilli(trade.TradeTime).UTC(),
	}, nil
}
