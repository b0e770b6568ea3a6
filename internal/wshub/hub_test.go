package wshub

import (
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
	"github.com/orbitlabs/orbit-indexer/internal/metrics"
)

type fakeFeed struct {
	trades map[string][]dex.Trade
}

func (f *fakeFeed) Recent(poolID string, limit int) []dex.Trade {
	ts := f.trades[poolID]
	if limit > 0 && limit < len(ts) {
		ts = ts[:limit]
	}
	return ts
}

func sampleTrade(sig, pool string) dex.Trade {
	bt := int64(1700000000)
	return dex.Trade{
		Signature:     sig,
		Slot:          100,
		BlockTime:     &bt,
		PoolID:        pool,
		User:          "UserA",
		InMint:        "BaseMint",
		OutMint:       "QuoteMint",
		AmountIn:      big.NewInt(1000000000),
		AmountOut:     big.NewInt(3000000),
		BaseDecimals:  9,
		QuoteDecimals: 6,
		BaseMint:      "BaseMint",
		QuoteMint:     "QuoteMint",
	}
}

func tradeAt(sig, pool string, blockTime int64, slot uint64) dex.Trade {
	t := sampleTrade(sig, pool)
	t.BlockTime = &blockTime
	t.Slot = slot
	return t
}

func newTestHub(feed TradeFeed) (*Hub, *TicketStore) {
	tickets := NewTicketStore(30 * time.Second)
	return New("OrbitProgram", feed, tickets, metrics.New(), zap.NewNop()), tickets
}

func dialHub(t *testing.T, hub *Hub, ticket string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?ticket=" + ticket
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]interface{}
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return frame
}

func subscribe(t *testing.T, conn *websocket.Conn, pool string) {
	t.Helper()
	frame, _ := json.Marshal(map[string]interface{}{"type": "subscribe", "pool": pool})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
}

func TestTicketSingleUse(t *testing.T) {
	tickets := NewTicketStore(time.Minute)
	ticket := tickets.Mint()
	if !tickets.Redeem(ticket) {
		t.Fatal("fresh ticket rejected")
	}
	if tickets.Redeem(ticket) {
		t.Error("ticket redeemed twice")
	}
	if tickets.Redeem("no-such-ticket") {
		t.Error("unknown ticket redeemed")
	}
}

func TestTicketExpiry(t *testing.T) {
	tickets := NewTicketStore(time.Second)
	now := time.Unix(1700000000, 0)
	tickets.now = func() time.Time { return now }
	ticket := tickets.Mint()
	now = now.Add(2 * time.Second)
	if tickets.Redeem(ticket) {
		t.Error("expired ticket redeemed")
	}
}

func TestServeWSRejectsBadTicket(t *testing.T) {
	hub, _ := newTestHub(&fakeFeed{})
	conn := dialHub(t, hub, "bogus")

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	if !ok {
		t.Fatalf("err = %v, want close error", err)
	}
	if closeErr.Code != websocket.ClosePolicyViolation {
		t.Errorf("close code = %d, want 1008", closeErr.Code)
	}
}

func TestHelloCarriesProgramAndTimestamp(t *testing.T) {
	hub, tickets := newTestHub(&fakeFeed{})
	conn := dialHub(t, hub, tickets.Mint())

	hello := readFrame(t, conn)
	if hello["type"] != "hello" {
		t.Fatalf("first frame = %v, want hello", hello["type"])
	}
	if hello["programId"] != "OrbitProgram" {
		t.Errorf("programId = %v", hello["programId"])
	}
	if ts, _ := hello["ts"].(float64); ts <= 0 {
		t.Errorf("ts = %v, want a unix millisecond timestamp", hello["ts"])
	}
}

func TestSubscribeSnapshotThenLiveTrade(t *testing.T) {
	feed := &fakeFeed{trades: map[string][]dex.Trade{
		"PoolA": {sampleTrade("sig2", "PoolA"), sampleTrade("sig1", "PoolA")},
	}}
	hub, tickets := newTestHub(feed)
	conn := dialHub(t, hub, tickets.Mint())
	readFrame(t, conn) // hello

	subscribe(t, conn, "PoolA")

	snapshot := readFrame(t, conn)
	if snapshot["type"] != "snapshot" || snapshot["pool"] != "PoolA" {
		t.Fatalf("snapshot frame = %v", snapshot)
	}
	if ts, _ := snapshot["ts"].(float64); ts <= 0 {
		t.Errorf("snapshot ts = %v", snapshot["ts"])
	}
	trades := snapshot["trades"].([]interface{})
	if len(trades) != 2 {
		t.Fatalf("snapshot trades = %d, want 2", len(trades))
	}
	first := trades[0].(map[string]interface{})
	if first["signature"] != "sig2" {
		t.Errorf("snapshot not newest-first: %v", first["signature"])
	}
	if first["priceQuote"].(float64) != 3 {
		t.Errorf("priceQuote = %v, want 3", first["priceQuote"])
	}

	hub.BroadcastTrade(sampleTrade("sig3", "PoolA"))
	live := readFrame(t, conn)
	if live["type"] != "trade" || live["pool"] != "PoolA" {
		t.Fatalf("live frame = %v", live)
	}
	if live["data"].(map[string]interface{})["signature"] != "sig3" {
		t.Errorf("live trade = %v", live["data"])
	}
}

func TestSnapshotSortedByBlockTimeThenSlot(t *testing.T) {
	// ring order interleaved: the live driver inserted a newer trade before
	// the backfill replayed older ones
	feed := &fakeFeed{trades: map[string][]dex.Trade{
		"PoolA": {
			tradeAt("mid", "PoolA", 1700000050, 120),
			tradeAt("newest", "PoolA", 1700000100, 140),
			tradeAt("tieLow", "PoolA", 1700000050, 110),
			tradeAt("oldest", "PoolA", 1700000000, 100),
		},
	}}
	hub, tickets := newTestHub(feed)
	conn := dialHub(t, hub, tickets.Mint())
	readFrame(t, conn) // hello

	subscribe(t, conn, "PoolA")
	snapshot := readFrame(t, conn)
	trades := snapshot["trades"].([]interface{})
	want := []string{"newest", "mid", "tieLow", "oldest"}
	if len(trades) != len(want) {
		t.Fatalf("snapshot trades = %d, want %d", len(trades), len(want))
	}
	for i, w := range want {
		got := trades[i].(map[string]interface{})["signature"]
		if got != w {
			t.Errorf("trades[%d] = %v, want %s", i, got, w)
		}
	}
}

func TestSubscribeLimitBoundsSnapshot(t *testing.T) {
	feed := &fakeFeed{trades: map[string][]dex.Trade{
		"PoolA": {sampleTrade("sig3", "PoolA"), sampleTrade("sig2", "PoolA"), sampleTrade("sig1", "PoolA")},
	}}
	hub, tickets := newTestHub(feed)
	conn := dialHub(t, hub, tickets.Mint())
	readFrame(t, conn) // hello

	frame, _ := json.Marshal(map[string]interface{}{"type": "subscribe", "pool": "PoolA", "limit": 1})
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	snapshot := readFrame(t, conn)
	if got := len(snapshot["trades"].([]interface{})); got != 1 {
		t.Errorf("snapshot trades = %d, want 1", got)
	}
}

func TestBroadcastRespectsSubscriptions(t *testing.T) {
	hub, tickets := newTestHub(&fakeFeed{})
	conn := dialHub(t, hub, tickets.Mint())
	readFrame(t, conn) // hello

	subscribe(t, conn, "PoolA")
	readFrame(t, conn) // snapshot

	// a trade on an unsubscribed pool must not arrive; the sentinel event
	// carries no pool reference and goes to every client
	bt := int64(1700000000)
	hub.BroadcastTrade(sampleTrade("sigOther", "PoolB"))
	hub.BroadcastEvent("sigFee", 500, &bt, "FeesDistributed", map[string]interface{}{"creatorFee": "1"})

	frame := readFrame(t, conn)
	if frame["type"] != "event" {
		t.Fatalf("frame = %v, want the global event, not PoolB's trade", frame)
	}
	data := frame["data"].(map[string]interface{})
	if data["signature"] != "sigFee" || data["slot"].(float64) != 500 {
		t.Errorf("event coordinates = %v", data)
	}
	if data["blockTime"].(float64) != float64(bt) {
		t.Errorf("blockTime = %v", data["blockTime"])
	}
	event := data["event"].(map[string]interface{})
	if event["name"] != "FeesDistributed" {
		t.Errorf("event name = %v", event["name"])
	}
	if event["data"].(map[string]interface{})["creatorFee"] != "1" {
		t.Errorf("event payload = %v", event["data"])
	}
}

func TestBroadcastEventPoolRouting(t *testing.T) {
	hub, tickets := newTestHub(&fakeFeed{})
	conn := dialHub(t, hub, tickets.Mint())
	readFrame(t, conn) // hello

	subscribe(t, conn, "PoolA")
	readFrame(t, conn) // snapshot

	// routed by the pairId key to PoolB subscribers only, then to PoolA
	hub.BroadcastEvent("sigB", 501, nil, "BinUpdated", map[string]interface{}{"pairId": "PoolB"})
	hub.BroadcastEvent("sigA", 502, nil, "BinUpdated", map[string]interface{}{"pool": "PoolA", "binId": float64(7)})

	frame := readFrame(t, conn)
	if frame["pool"] != "PoolA" {
		t.Fatalf("frame = %v, want PoolA's event only", frame)
	}
	if frame["data"].(map[string]interface{})["signature"] != "sigA" {
		t.Errorf("event = %v", frame["data"])
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, tickets := newTestHub(&fakeFeed{})
	conn := dialHub(t, hub, tickets.Mint())
	readFrame(t, conn) // hello

	subscribe(t, conn, "PoolA")
	readFrame(t, conn) // snapshot

	unsub, _ := json.Marshal(map[string]interface{}{"type": "unsubscribe", "pool": "PoolA"})
	if err := conn.WriteMessage(websocket.TextMessage, unsub); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	// wait until the read pump has applied the unsubscribe
	unsubscribed := func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		for c := range hub.clients {
			if c.subscribed("PoolA") {
				return false
			}
		}
		return true
	}
	deadline := time.Now().Add(2 * time.Second)
	for !unsubscribed() {
		if time.Now().After(deadline) {
			t.Fatal("unsubscribe never applied")
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.BroadcastTrade(sampleTrade("sigX", "PoolA"))
	hub.BroadcastEvent("sigPing", 503, nil, "Ping", map[string]interface{}{"n": float64(2)})
	frame := readFrame(t, conn)
	if frame["type"] == "trade" {
		t.Error("trade delivered after unsubscribe")
	}
}
