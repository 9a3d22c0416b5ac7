package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/remote-test-proxy/backend/internal/model"
	"github.com/remote-test-proxy/backend/internal/sequencer"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// Handler accepts event sockets.
type Handler struct {
	sequencer *sequencer.Sequencer
	upgrader  websocket.Upgrader

	mu      sync.Mutex
	clients map[*Client]bool
}

// NewHandler creates a new WebSocket handler.
func NewHandler(seq *sequencer.Sequencer) *Handler {
	return &Handler{
		sequencer: seq,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 1024,
			// Test pages are served from the asset port, a different origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		clients: make(map[*Client]bool),
	}
}

// ServeHTTP upgrades the connection and starts its pumps.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	client := NewClient(conn)
	h.register(client)

	go h.writePump(client)
	go h.readPump(client)
}

// ClientCount returns the number of connected clients.
func (h *Handler) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close closes every connected client.
func (h *Handler) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, c := range clients {
		c.Close()
		c.Conn().Close()
	}
}

func (h *Handler) register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *Handler) unregister(c *Client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.Close()
}

// handleFrame submits one frame and acknowledges it once delivery settles.
// Malformed frames and delivery failures reach the sequencer's reporter, not
// the peer.
func (h *Handler) handleFrame(client *Client, frame []byte) {
	ev, err := model.ParseEvent(frame)
	if err != nil {
		h.sequencer.Report(nil, err)
		return
	}

	d := h.sequencer.Submit(ev)
	go func() {
		select {
		case <-d.Done():
		case <-client.Done():
			return
		}

		data, err := json.Marshal(model.Ack{ID: ev.ID})
		if err != nil {
			return
		}
		client.Send(data)
	}()
}

// readPump pumps frames from the WebSocket connection to the sequencer.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.unregister(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(model.MaxPayloadSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		h.handleFrame(client, message)
	}
}

// writePump pumps acknowledgements to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
