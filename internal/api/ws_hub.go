package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pmarket/settlement-engine/internal/metrics"
)

// Event is a JSON message sent to subscribers when a market is created,
// traded, or resolved.
type Event struct {
	Type          string `json:"type"` // market_created | trade_executed | market_resolved
	MarketID      int64  `json:"market_id"`
	UserID        string `json:"user_id,omitempty"`
	SharesAmount  string `json:"shares_amount,omitempty"`
	ShareIndex    *int   `json:"share_index,omitempty"`
	BalanceChange string `json:"balance_change,omitempty"`
	Resolution    *int   `json:"resolution,omitempty"`
	Cancelled     bool   `json:"cancelled,omitempty"`
}

// EventHub manages WebSocket connections and fans settlement events out to
// all connected clients. Each client carries a uuid for log correlation.
type EventHub struct {
	clients    map[*websocket.Conn]string
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewEventHub creates a new event hub.
func NewEventHub() *EventHub {
	return &EventHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *EventHub) Run() {
	for {
		select {
		case conn := <-h.register:
			id := uuid.New().String()
			h.mu.Lock()
			h.clients[conn] = id
			total := len(h.clients)
			h.mu.Unlock()
			metrics.EventClients.Set(float64(total))
			slog.Info("event client connected", "client", id, "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if id, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
				slog.Info("event client disconnected", "client", id)
			}
			total := len(h.clients)
			h.mu.Unlock()
			metrics.EventClients.Set(float64(total))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to all connected clients.
func (h *EventHub) Broadcast(ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking settlement.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *EventHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}
