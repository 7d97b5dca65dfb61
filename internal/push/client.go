package push

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	clientBuffer   = 64
)

const (
	actionSubscribe   = "subscribe"
	actionUnsubscribe = "unsubscribe"
)

// controlFrame is the only inbound message clients send. An empty
// subscription set means the client receives every instrument.
type controlFrame struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

type ackFrame struct {
	Action      string   `json:"action"`
	Instruments []string `json:"instruments"`
}

// Client is one websocket subscriber. The hub goroutine reads its filter
// while the read pump rewrites it, hence the lock. Both the hub and the
// read pump write send, so the hub signals shutdown through closed
// instead of closing the channel.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	closed chan struct{}

	mu   sync.RWMutex
	subs map[string]struct{}
}

func (c *Client) wants(instrument string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.subs) == 0 {
		return true
	}
	_, ok := c.subs[instrument]
	return ok
}

func (c *Client) setSubscriptions(instruments []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = make(map[string]struct{}, len(instruments))
	for _, instrument := range instruments {
		c.subs[instrument] = struct{}{}
	}
}

func (c *Client) removeSubscriptions(instruments []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(instruments) == 0 {
		c.subs = make(map[string]struct{})
		return
	}
	for _, instrument := range instruments {
		delete(c.subs, instrument)
	}
}

func (c *Client) subscriptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.subs))
	for instrument := range c.subs {
		out = append(out, instrument)
	}
	return out
}

// readPump consumes control frames until the connection drops, then hands
// the client back to the hub. The select on hub.done keeps the handoff
// from blocking once the hub has already shut down.
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.handleControl(raw)
	}
}

func (c *Client) handleControl(raw []byte) {
	var frame controlFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.hub.logger.Debug("unreadable control frame",
			zap.String("client", c.id), zap.Error(err))
		return
	}

	switch frame.Action {
	case actionSubscribe:
		c.setSubscriptions(frame.Instruments)
		c.ack("subscribed")
	case actionUnsubscribe:
		c.removeSubscriptions(frame.Instruments)
		c.ack("unsubscribed")
	default:
		c.hub.logger.Debug("unknown control action",
			zap.String("client", c.id), zap.String("action", frame.Action))
	}
}

// ack confirms a filter change on the client's own send channel so it
// serializes with result frames already in flight.
func (c *Client) ack(action string) {
	payload, err := json.Marshal(ackFrame{Action: action, Instruments: c.subscriptions()})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
