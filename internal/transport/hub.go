package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/anime-shed/growth-kiosk/internal/observer"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 32
)

// Hub relays workflow events to websocket clients. It is an observer on the
// event publisher and never blocks the publisher: a client that cannot keep
// up is disconnected.
type Hub struct {
	upgrader websocket.Upgrader
	logger   *logrus.Logger

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewHub creates an empty hub.
func NewHub(logger *logrus.Logger) *Hub {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The kiosk UI is served from a local origin
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger:  logger,
		clients: make(map[*wsClient]struct{}),
	}
}

// OnEvent implements observer.Observer.
func (h *Hub) OnEvent(_ context.Context, event observer.Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.WithError(err).Warn("Failed to encode event for websocket clients")
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		h.deliverLocked(c, payload)
	}
}

// deliverLocked queues payload for c, disconnecting it when its buffer is full.
func (h *Hub) deliverLocked(c *wsClient, payload []byte) {
	select {
	case c.send <- payload:
	default:
		h.logger.WithField("remote", c.conn.RemoteAddr().String()).Warn("Dropping slow websocket client")
		delete(h.clients, c)
		c.close()
	}
}

// GetObserverName implements observer.Observer.
func (h *Hub) GetObserverName() string {
	return "websocket_hub"
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Serve upgrades the request and streams events until the client leaves.
// When initial is given, its snapshot is taken after the client is
// registered, so an event is either reflected in the snapshot or delivered
// ahead of it.
func (h *Hub) Serve(initial func() interface{}) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.WithError(err).Warn("Websocket upgrade failed")
			return
		}

		client := &wsClient{conn: conn, send: make(chan []byte, clientSendSize)}
		h.mu.Lock()
		h.clients[client] = struct{}{}
		h.mu.Unlock()

		if initial != nil {
			if payload, err := json.Marshal(initial()); err == nil {
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					h.deliverLocked(client, payload)
				}
				h.mu.Unlock()
			}
		}

		h.logger.WithField("remote", conn.RemoteAddr().String()).Info("Websocket client connected")

		go h.writeLoop(client)
		h.readLoop(client)
	}
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// readLoop discards client messages and detects disconnects.
func (h *Hub) readLoop(c *wsClient) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		h.logger.WithField("remote", c.conn.RemoteAddr().String()).Info("Websocket client disconnected")
	}()

	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writeLoop(c *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
