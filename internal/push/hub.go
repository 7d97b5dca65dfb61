// Package push streams freshly computed indicator results to websocket
// subscribers. Delivery is best effort: slow consumers lose frames, never
// the connection, and no ordering is guaranteed across instruments.
package push

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cryptopulse/marketpipe/pkg/metrics"
	"github.com/cryptopulse/marketpipe/pkg/models"
)

const broadcastBuffer = 256

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Hub owns the client registry. All registry mutation happens on the Run
// goroutine; pumps communicate over channels.
type Hub struct {
	logger *zap.Logger

	register   chan *Client
	unregister chan *Client
	broadcast  chan models.IndicatorResult
	done       chan struct{}

	clients map[*Client]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:     logger.Named("push"),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan models.IndicatorResult, broadcastBuffer),
		done:       make(chan struct{}),
		clients:    make(map[*Client]struct{}),
	}
}

// Run services the registry until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			for client := range h.clients {
				h.drop(client)
			}
			return
		case client := <-h.register:
			h.clients[client] = struct{}{}
			metrics.PushClients.Set(float64(len(h.clients)))
			h.logger.Debug("push client connected", zap.String("client", client.id))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				h.drop(client)
			}
		case result := <-h.broadcast:
			h.dispatch(result)
		}
	}
}

// Broadcast queues one result for fan-out without ever blocking the
// caller; a saturated hub sheds the frame.
func (h *Hub) Broadcast(result models.IndicatorResult) {
	select {
	case h.broadcast <- result:
	default:
	}
}

// ServeWS upgrades one HTTP request into a push subscription.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := newClient(h, conn)
	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) dispatch(result models.IndicatorResult) {
	payload, err := json.Marshal(result)
	if err != nil {
		h.logger.Error("encode push payload", zap.Error(err))
		return
	}
	for client := range h.clients {
		if !client.wants(result.InstrumentID) {
			continue
		}
		select {
		case client.send <- payload:
		default:
			// Slow consumer: skip the frame, keep the client.
			h.logger.Debug("push client lagging, frame dropped",
				zap.String("client", client.id))
		}
	}
}

func (h *Hub) drop(client *Client) {
	delete(h.clients, client)
	close(client.closed)
	metrics.PushClients.Set(float64(len(h.clients)))
	h.logger.Debug("push client disconnected", zap.String("client", client.id))
}

func newClient(h *Hub, conn *websocket.Conn) *Client {
	return &Client{
		id:     uuid.NewString(),
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, clientBuffer),
		closed: make(chan struct{}),
		subs:   make(map[string]struct{}),
	}
}
