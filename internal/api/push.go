package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/kalambet/lensdesk/internal/model"
)

const defaultPushBuffer = 64

// Hub fans product changes out to every connected push client. A client
// whose buffer is full is disconnected rather than allowed to stall the
// broadcaster.
type Hub struct {
	logger *slog.Logger
	buffer int

	mu      sync.Mutex
	clients map[*pushClient]struct{}
	closed  bool
}

type pushClient struct {
	send chan model.PushMessage
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger,
		buffer:  defaultPushBuffer,
		clients: make(map[*pushClient]struct{}),
	}
}

// Handler upgrades the request to a websocket and streams broadcasts until
// the peer goes away or the hub is closed. Origin is not checked: clients are
// local processes authenticated by bearer token.
func (h *Hub) Handler() http.Handler {
	return websocket.Server{Handler: h.serve}
}

func (h *Hub) serve(ws *websocket.Conn) {
	defer ws.Close()

	c := &pushClient{send: make(chan model.PushMessage, h.buffer)}
	if !h.add(c) {
		return
	}
	defer h.remove(c)
	h.logger.Debug("push client connected", "remote", ws.Request().RemoteAddr)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var discard string
		for {
			if err := websocket.Message.Receive(ws, &discard); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(ws, msg); err != nil {
				h.logger.Debug("push send failed", "error", err)
				return
			}
		case <-gone:
			h.logger.Debug("push client disconnected", "remote", ws.Request().RemoteAddr)
			return
		}
	}
}

func (h *Hub) add(c *pushClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *pushClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// Broadcast sends event with data to every connected client.
func (h *Hub) Broadcast(event string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("dropping push message", "event", event, "error", err)
		return
	}
	msg := model.PushMessage{Event: event, Data: raw}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("push client too slow, disconnecting", "event", event)
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
