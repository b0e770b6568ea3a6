// Package wshub fans indexed trades and events out to websocket clients
// with per-pool subscriptions, ticket-gated upgrades, and snapshot-on-
// subscribe semantics.
package wshub

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
	"github.com/orbitlabs/orbit-indexer/internal/metrics"
)

const snapshotLimit = 50

// TradeFeed is the hub's view of the in-memory trade rings.
type TradeFeed interface {
	Recent(poolID string, limit int) []dex.Trade
}

// Hub owns the client registry and the broadcast paths.
type Hub struct {
	programID string
	feed      TradeFeed
	tickets   *TicketStore
	metrics   *metrics.Metrics
	logger    *zap.Logger
	now       func() time.Time

	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[*client]struct{}
}

// New creates a hub over the given trade feed and ticket store.
func New(programID string, feed TradeFeed, tickets *TicketStore, m *metrics.Metrics, logger *zap.Logger) *Hub {
	return &Hub{
		programID: programID,
		feed:      feed,
		tickets:   tickets,
		metrics:   m,
		logger:    logger.With(zap.String("component", "wshub")),
		now:       time.Now,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// ServeWS handles the upgrade endpoint. The ticket query parameter must
// redeem; otherwise the socket is closed with policy violation 1008.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.Error(err))
		return
	}
	if !h.tickets.Redeem(r.URL.Query().Get("ticket")) {
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "invalid ticket")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
		return
	}

	c := newClient(h, conn)
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.metrics.WSClients.Set(float64(len(h.clients)))
	h.mu.Unlock()

	c.enqueue(h.helloFrame())
	go c.writePump()
	go c.readPump()
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		h.metrics.WSClients.Set(float64(len(h.clients)))
	}
	h.mu.Unlock()
}

// BroadcastTrade sends the trade to every client subscribed to its pool.
func (h *Hub) BroadcastTrade(t dex.Trade) {
	payload, err := json.Marshal(outFrame{Type: "trade", Pool: t.PoolID, Data: tradeView(t)})
	if err != nil {
		return
	}
	h.broadcast(t.PoolID, payload)
}

// BroadcastEvent routes a decoded program event by peeking at its payload's
// pool reference under the usual keys. Events without one go to every client.
func (h *Hub) BroadcastEvent(signature string, slot uint64, blockTime *int64, name string, data map[string]interface{}) {
	pool := ""
	for _, key := range []string{"pool", "pairId", "poolId"} {
		if v, ok := data[key].(string); ok && v != "" {
			pool = v
			break
		}
	}
	payload, err := json.Marshal(outFrame{Type: "event", Pool: pool, Data: eventJSON{
		Signature: signature,
		Slot:      slot,
		BlockTime: blockTime,
		Event:     eventBody{Name: name, Data: data},
	}})
	if err != nil {
		return
	}
	if pool == "" {
		h.broadcastAll(payload)
		return
	}
	h.broadcast(pool, payload)
}

func (h *Hub) broadcast(poolID string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if c.subscribed(poolID) {
			c.enqueue(payload)
		}
	}
}

func (h *Hub) broadcastAll(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		c.enqueue(payload)
	}
}

// snapshot builds the per-pool snapshot frame sent on subscribe, ordered by
// blockTime desc then slot desc. The ring preserves insertion order, which
// can interleave when the live and backfill drivers race, so the sort is on
// the copy here.
func (h *Hub) snapshot(poolID string, limit int) []byte {
	if limit <= 0 || limit > snapshotLimit {
		limit = snapshotLimit
	}
	trades := h.feed.Recent(poolID, limit)
	sorted := make([]dex.Trade, len(trades))
	copy(sorted, trades)
	bt := func(t dex.Trade) int64 {
		if t.BlockTime == nil {
			return 0
		}
		return *t.BlockTime
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		if bt(sorted[i]) != bt(sorted[j]) {
			return bt(sorted[i]) > bt(sorted[j])
		}
		return sorted[i].Slot > sorted[j].Slot
	})

	views := make([]tradeJSON, 0, len(sorted))
	for _, t := range sorted {
		views = append(views, tradeView(t))
	}
	payload, err := json.Marshal(outFrame{Type: "snapshot", Pool: poolID, Trades: views, TS: h.now().UnixMilli()})
	if err != nil {
		return nil
	}
	return payload
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// outFrame is the wire shape of every server-to-client message.
type outFrame struct {
	Type      string      `json:"type"`
	Pool      string      `json:"pool,omitempty"`
	ProgramID string      `json:"programId,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Trades    []tradeJSON `json:"trades,omitempty"`
	TS        int64       `json:"ts,omitempty"`
}

// eventJSON is the data payload of an "event" frame.
type eventJSON struct {
	Signature string    `json:"signature"`
	Slot      uint64    `json:"slot"`
	BlockTime *int64    `json:"blockTime"`
	Event     eventBody `json:"event"`
}

type eventBody struct {
	Name string                 `json:"name"`
	Data map[string]interface{} `json:"data,omitempty"`
}

func (h *Hub) helloFrame() []byte {
	payload, _ := json.Marshal(outFrame{Type: "hello", ProgramID: h.programID, TS: h.now().UnixMilli()})
	return payload
}

// tradeJSON is the serialized trade, raw atoms as strings and UI values as
// floats.
type tradeJSON struct {
	Signature   string  `json:"signature"`
	Pool        string  `json:"pool"`
	Slot        uint64  `json:"slot"`
	BlockTime   *int64  `json:"blockTime"`
	User        string  `json:"user"`
	InMint      string  `json:"inMint"`
	OutMint     string  `json:"outMint"`
	AmountIn    string  `json:"amountInRaw"`
	AmountOut   string  `json:"amountOutRaw"`
	PriceQuote  float64 `json:"priceQuote"`
	VolumeQuote float64 `json:"volumeQuote"`
}

func tradeView(t dex.Trade) tradeJSON {
	v := tradeJSON{
		Signature: t.Signature,
		Pool:      t.PoolID,
		Slot:      t.Slot,
		BlockTime: t.BlockTime,
		User:      t.User,
		InMint:    t.InMint,
		OutMint:   t.OutMint,
	}
	if t.AmountIn != nil {
		v.AmountIn = t.AmountIn.String()
	}
	if t.AmountOut != nil {
		v.AmountOut = t.AmountOut.String()
	}
	if price, volume, ok := t.PriceAndVolume(); ok {
		v.PriceQuote = dex.RatFloat(price)
		v.VolumeQuote = dex.RatFloat(volume)
	}
	return v
}
