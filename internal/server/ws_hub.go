package server

import (
	"PerpVault/internal/ingestion"
	"PerpVault/internal/observability"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsSendBuffer = 64
)

// EventHub streams persisted vault events to WebSocket clients. Clients may
// subscribe to one asset with ?asset=<id>; without it they receive every
// event.
type EventHub struct {
	clients    map[*wsClient]bool
	broadcast  chan ingestion.PublishableEvent
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	mu         sync.RWMutex
	metrics    *observability.Metrics
}

type wsClient struct {
	conn  *websocket.Conn
	asset string
	send  chan []byte
}

func NewEventHub(metrics *observability.Metrics) *EventHub {
	return &EventHub{
		clients:    make(map[*wsClient]bool),
		broadcast:  make(chan ingestion.PublishableEvent, 256),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		metrics:    metrics,
	}
}

// Run is the hub loop. It closes every client when ctx is done.
func (h *EventHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			h.setGauge()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.setGauge()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			h.setGauge()

		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			h.mu.Lock()
			for c := range h.clients {
				if c.asset != "" && c.asset != evt.AssetID {
					continue
				}
				select {
				case c.send <- data:
				default:
					// slow reader
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.mu.Unlock()
			h.setGauge()
		}
	}
}

// Publish queues an event for broadcast. Drops when the hub is behind.
func (h *EventHub) Publish(evt ingestion.PublishableEvent) {
	select {
	case h.broadcast <- evt:
	default:
	}
}

// ClientCount returns the number of connected clients.
func (h *EventHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventHub) setGauge() {
	if h.metrics != nil {
		h.metrics.WSClients.Set(float64(h.ClientCount()))
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS upgrades GET /v1/events/ws.
func (h *EventHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WARN: ws upgrade failed: %v", err)
		return
	}

	c := &wsClient{
		conn:  conn,
		asset: r.URL.Query().Get("asset"),
		send:  make(chan []byte, wsSendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}

	go h.writePump(c)
	go h.readPump(c)
}

// readPump only detects disconnects and handles pongs.
func (h *EventHub) readPump(c *wsClient) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump is the only writer on the connection.
func (h *EventHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
