package store

import (
	"fmt"
	"sync"
	"testing"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
)

func trade(sig, pool string, slot uint64) dex.Trade {
	return dex.Trade{Signature: sig, PoolID: pool, Slot: slot}
}

func TestInsertDedupPerSignatureAndPool(t *testing.T) {
	s := NewTradeStore()

	if !s.Insert(trade("sig", "P1", 10)) {
		t.Fatal("first insert rejected")
	}
	if s.Insert(trade("sig", "P1", 10)) {
		t.Fatal("duplicate (signature, pool) accepted")
	}
	// same signature, different pool is a distinct fact
	if !s.Insert(trade("sig", "P2", 10)) {
		t.Fatal("cross-pool insert rejected")
	}

	if got := len(s.Recent("P1", 0)); got != 1 {
		t.Errorf("P1 ring has %d trades, want 1", got)
	}
	if got := len(s.Recent("P2", 0)); got != 1 {
		t.Errorf("P2 ring has %d trades, want 1", got)
	}
}

func TestMarkSeenBlocksLaterInsert(t *testing.T) {
	s := NewTradeStore()
	s.MarkSeen("sig", "P", 5)
	if !s.Seen("sig", "P") {
		t.Fatal("MarkSeen not visible")
	}
	if s.Insert(trade("sig", "P", 5)) {
		t.Fatal("insert after MarkSeen accepted")
	}
}

func TestRingCapAndOrder(t *testing.T) {
	s := NewTradeStore()
	for i := 0; i < RingCapacity+50; i++ {
		s.Insert(trade(fmt.Sprintf("sig%d", i), "P", uint64(i)))
	}
	recent := s.Recent("P", 0)
	if len(recent) != RingCapacity {
		t.Fatalf("ring size = %d, want %d", len(recent), RingCapacity)
	}
	if recent[0].Signature != fmt.Sprintf("sig%d", RingCapacity+49) {
		t.Errorf("newest = %s", recent[0].Signature)
	}
	if recent[1].Slot <= recent[2].Slot-2 {
		t.Error("ring not newest-first")
	}

	limited := s.Recent("P", 10)
	if len(limited) != 10 {
		t.Errorf("limit ignored: %d", len(limited))
	}
}

func TestTradesSinceCursor(t *testing.T) {
	s := NewTradeStore()
	s.Insert(trade("a", "P", 1))
	s.Insert(trade("b", "P", 2))

	batch, cur := s.TradesSince("P", 0)
	if len(batch) != 2 {
		t.Fatalf("batch = %d, want 2", len(batch))
	}
	if batch[0].Signature != "a" || batch[1].Signature != "b" {
		t.Errorf("batch not oldest-first: %s, %s", batch[0].Signature, batch[1].Signature)
	}

	batch, cur2 := s.TradesSince("P", cur)
	if len(batch) != 0 || cur2 != cur {
		t.Errorf("idle cursor advanced: %d trades, cur %d -> %d", len(batch), cur, cur2)
	}

	s.Insert(trade("c", "P", 3))
	batch, _ = s.TradesSince("P", cur)
	if len(batch) != 1 || batch[0].Signature != "c" {
		t.Errorf("incremental batch = %+v", batch)
	}
}

func TestConcurrentInsertersSingleWinner(t *testing.T) {
	s := NewTradeStore()
	const workers = 16
	wins := make(chan bool, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- s.Insert(trade("contended", "P", 7))
		}()
	}
	wg.Wait()
	close(wins)

	won := 0
	for w := range wins {
		if w {
			won++
		}
	}
	if won != 1 {
		t.Fatalf("%d inserts won, want exactly 1", won)
	}
	if len(s.Recent("P", 0)) != 1 {
		t.Fatalf("ring has %d entries", len(s.Recent("P", 0)))
	}
}

func TestCompactDropsOldEntries(t *testing.T) {
	s := NewTradeStore()
	s.Insert(trade("old", "P", 100))
	s.Insert(trade("new", "P", 9000))
	s.MarkSeen("skip", "P", 200)

	removed := s.Compact(1000)
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if s.Seen("old", "P") || s.Seen("skip", "P") {
		t.Error("old entries survived compaction")
	}
	if !s.Seen("new", "P") {
		t.Error("recent entry lost")
	}
}

func TestSubscribeNotifiedOncePerInsert(t *testing.T) {
	s := NewTradeStore()
	var mu sync.Mutex
	var got []string
	s.Subscribe(func(tr dex.Trade) {
		mu.Lock()
		got = append(got, tr.Signature)
		mu.Unlock()
	})

	s.Insert(trade("x", "P", 1))
	s.Insert(trade("x", "P", 1)) // duplicate: no notification

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "x" {
		t.Fatalf("notifications = %v, want [x]", got)
	}
}
