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

// coinbaseDialect speaks the Coinbase Pro websocket feed protocol.
type coinbaseDialect struct{}

func init() {
	RegisterDialect("coinbase", func() Dialect { return coinbaseDialect{} })
}

func (coinbaseDialect) Name() string { return "coinbase" }

// SubscribePayload subscribes to ticker plus heartbeat channels. Heartbeats
// keep the staleness watchdog fed on quiet products.
func (coinbaseDialect) SubscribePayload(instruments []string) (interface{}, error) {
	if len(instruments) == 0 {
		return nil, fmt.Errorf("coinbase: no instruments to subscribe")
	}
	productIDs := make([]string, len(instruments))
	for i, symbol := range instruments {
		productIDs[i] = coinbaseProduct(symbol)
	}
	return map[string]interface{}{
		"type":        "subscribe",
		"product_ids": productIDs,
		"channels":    []string{"ticker", "heartbeat"},
	}, nil
}

// coinbaseProduct converts BTCUSDT to the BTC-USDT product form.
func coinbaseProduct(symbol string) string {
	if len(symbol) >= 6 {
		base := symbol[:len(symbol)-4]
		quote := symbol[len(symbol)-4:]
		return base + "-" + quote
	}
	return symbol
}

// coinbaseSymbol converts a BTC-USDT product back to BTCUSDT.
func coinbaseSymbol(productID string) string {
	return strings.ToUpper(strings.ReplaceAll(productID, "-", ""))
}

type coinbaseMessage struct {
	Type      string `json:"type"`
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	LastSize  string `json:"last_size"`
	Time      string `json:"time"`
	Message   string `json:"message"`
	Reason    string `json:"reason"`
}

func (d coinbaseDialect) Parse(raw []byte) ([]models.Tick, error) {
	var msg coinbaseMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: fmt.Sprintf("invalid json: %v", err)}
	}

	switch msg.Type {
	case "ticker":
		tick, err := d.parseTicker(&msg)
		if err != nil {
			return nil, err
		}
		return []models.Tick{tick}, nil
	case "subscriptions", "heartbeat":
		return nil, nil
	case "error":
		return nil, &pkgerrors.AuthProtocolError{
			Venue:  d.Name(),
			Code:   msg.Reason,
			Reason: msg.Message,
		}
	case "":
		return nil, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: "frame without type"}
	default:
		return nil, nil
	}
}

func (d coinbaseDialect) parseTicker(msg *coinbaseMessage) (models.Tick, error) {
	if msg.ProductID == "" {
		return models.Tick{}, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: "ticker without product_id"}
	}
	price, err := decimal.NewFromString(msg.Price)
	if err != nil {
		return models.Tick{}, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: fmt.Sprintf("bad price %q", msg.Price)}
	}
	volume := decimal.Zero
	if msg.LastSize != "" {
		volume, err = decimal.NewFromString(msg.LastSize)
		if err != nil {
			return models.Tick{}, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: fmt.Sprintf("bad last_size %q", msg.LastSize)}
		}
	}

	// The first ticker after subscribe is a snapshot without a time field.
	eventTime := time.Now().UTC()
	if msg.Time != "" {
		eventTime, err = time.Parse(time.RFC3339, msg.Time)
		if err != nil {
			return models.Tick{}, &pkgerrors.MalformedMessageError{Venue: d.Name(), Reason: fmt.Sprintf("bad time %q", msg.Time)}
		}
		eventTime = eventTime.UTC()
	}

	return models.Tick{
		InstrumentID: coinbaseSymbol(msg.ProductID),
		Price:        price,
		Volume:       volume,
		EventTime:    eventTime,
	}, nil
}
