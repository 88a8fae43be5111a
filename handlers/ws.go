package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/padraicbc/racesync/models"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StatusFunc reads the current sync status.
type StatusFunc func(ctx context.Context) (models.SyncStatus, error)

// Hub pushes the sync status to websocket clients whenever it changes. It
// polls committed state so it also follows an engine in another process.
type Hub struct {
	status   StatusFunc
	interval time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	last    []byte
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub(status StatusFunc, interval time.Duration, logger *zap.Logger) *Hub {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Hub{status: status, interval: interval, logger: logger, clients: map[*wsClient]struct{}{}}
}

// Run polls until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) error {
	t := time.NewTicker(h.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return nil
		case <-t.C:
			h.poll(ctx)
		}
	}
}

func (h *Hub) poll(ctx context.Context) {
	st, err := h.status(ctx)
	if err != nil {
		h.logger.Warn("ws: status poll failed", zap.Error(err))
		return
	}
	msg, err := json.Marshal(st)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if bytes.Equal(msg, h.last) {
		return
	}
	h.last = msg
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			h.logger.Warn("ws: dropping status for slow client")
		}
	}
}

// Serve upgrades the request and streams status messages, the current one first.
func (h *Hub) Serve(c echo.Context) error {
	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return nil
	}
	cl := &wsClient{conn: conn, send: make(chan []byte, sendBufferSize)}

	st, err := h.status(c.Request().Context())
	if err == nil {
		if msg, err := json.Marshal(st); err == nil {
			cl.send <- msg
		}
	}
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Debug("ws: client connected", zap.Int("clients", n))

	go h.writePump(cl)
	h.readPump(cl)
	return nil
}

func (h *Hub) drop(cl *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}

// readPump only watches for close and pong frames; clients send nothing.
func (h *Hub) readPump(cl *wsClient) {
	defer func() {
		h.drop(cl)
		cl.conn.Close()
	}()
	cl.conn.SetReadLimit(512)
	cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("ws: unexpected close", zap.Error(err))
			}
			return
		}
	}
}

func (h *Hub) writePump(cl *wsClient) {
	t := time.NewTicker(pingPeriod)
	defer func() {
		t.Stop()
		cl.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-t.C:
			cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
