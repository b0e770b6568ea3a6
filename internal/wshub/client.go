package wshub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = 25 * time.Second
	maxFrameSize = 4096
)

// inFrame is the wire shape of client-to-server messages.
type inFrame struct {
	Type  string `json:"type"` // "subscribe" | "unsubscribe"
	Pool  string `json:"pool"`
	Limit int    `json:"limit"` // optional snapshot size
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	once sync.Once

	mu    sync.RWMutex
	pools map[string]struct{}
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, sendBuffer),
		pools: make(map[string]struct{}),
	}
}

func (c *client) subscribed(poolID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.pools[poolID]
	return ok
}

// enqueue queues a frame without blocking; a full buffer drops the frame.
// Slow consumers lose frames, never stall the broadcast path.
func (c *client) enqueue(payload []byte) {
	if payload == nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.hub.metrics.WSDropped.Inc()
	}
}

func (c *client) close() {
	c.once.Do(func() {
		c.hub.drop(c)
		close(c.send)
	})
}

func (c *client) readPump() {
	defer func() {
		c.close()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxFrameSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame inFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		switch frame.Type {
		case "subscribe":
			if frame.Pool == "" {
				continue
			}
			c.mu.Lock()
			_, already := c.pools[frame.Pool]
			c.pools[frame.Pool] = struct{}{}
			c.mu.Unlock()
			if !already {
				c.enqueue(c.hub.snapshot(frame.Pool, frame.Limit))
			}
		case "unsubscribe":
			c.mu.Lock()
			delete(c.pools, frame.Pool)
			c.mu.Unlock()
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
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
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}
