// Package store holds the in-memory trade ring buffers shared between the
// ingestion engine (sole writer per (signature, pool)) and the aggregators,
// HTTP façade, and websocket snapshot builder (readers).
package store

import (
	"sync"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
)

// RingCapacity is the per-pool trade ring size.
const RingCapacity = 500

// seenEntry pairs the dedup key with the slot it was observed at so the
// set can be compacted by slot watermark.
type seenEntry struct {
	slot uint64
}

type poolRing struct {
	trades []dex.Trade // newest-first
	seq    uint64      // increments on every append
}

// TradeStore is the shared trade feed. Ring append and dedup insertion are
// a single critical section per (signature, pool); readers get stable
// copies.
type TradeStore struct {
	mu    sync.RWMutex
	rings map[string]*poolRing
	seen  map[string]seenEntry // "sig:pool" -> slot

	notifyMu  sync.RWMutex
	notifiers []func(dex.Trade)
}

// NewTradeStore creates an empty store.
func NewTradeStore() *TradeStore {
	return &TradeStore{
		rings: make(map[string]*poolRing),
		seen:  make(map[string]seenEntry),
	}
}

func seenKey(signature, poolID string) string {
	return signature + ":" + poolID
}

// Seen reports whether (signature, pool) was already processed.
func (s *TradeStore) Seen(signature, poolID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.seen[seenKey(signature, poolID)]
	return ok
}

// MarkSeen records (signature, pool) as processed without storing a trade.
// Used for definite non-swap outcomes.
func (s *TradeStore) MarkSeen(signature, poolID string, slot uint64) {
	s.mu.Lock()
	s.seen[seenKey(signature, poolID)] = seenEntry{slot: slot}
	s.mu.Unlock()
}

// Insert atomically inserts the trade newest-first and marks its dedup key.
// Returns false (and stores nothing) when the key was already present.
// Post-insert notifiers run outside the critical section.
func (s *TradeStore) Insert(trade dex.Trade) bool {
	key := seenKey(trade.Signature, trade.PoolID)

	s.mu.Lock()
	if _, dup := s.seen[key]; dup {
		s.mu.Unlock()
		return false
	}
	s.seen[key] = seenEntry{slot: trade.Slot}
	ring := s.rings[trade.PoolID]
	if ring == nil {
		ring = &poolRing{}
		s.rings[trade.PoolID] = ring
	}
	ring.trades = append([]dex.Trade{trade}, ring.trades...)
	if len(ring.trades) > RingCapacity {
		ring.trades = ring.trades[:RingCapacity]
	}
	ring.seq++
	s.mu.Unlock()

	s.notifyMu.RLock()
	for _, fn := range s.notifiers {
		fn(trade)
	}
	s.notifyMu.RUnlock()
	return true
}

// Subscribe registers a post-insert notification callback. Callbacks must
// not block; aggregators that need ordered history use TradesSince instead.
func (s *TradeStore) Subscribe(fn func(dex.Trade)) {
	s.notifyMu.Lock()
	s.notifiers = append(s.notifiers, fn)
	s.notifyMu.Unlock()
}

// Recent returns up to limit most recent trades for the pool, newest-first,
// as a copy.
func (s *TradeStore) Recent(poolID string, limit int) []dex.Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.rings[poolID]
	if ring == nil {
		return nil
	}
	n := len(ring.trades)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]dex.Trade, n)
	copy(out, ring.trades[:n])
	return out
}

// TradesSince returns trades appended after the given sequence cursor,
// oldest-first, plus the new cursor. The consumer misses trades only if
// more than RingCapacity arrived since its last call.
func (s *TradeStore) TradesSince(poolID string, cursor uint64) ([]dex.Trade, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring := s.rings[poolID]
	if ring == nil || ring.seq == cursor {
		if ring == nil {
			return nil, cursor
		}
		return nil, ring.seq
	}
	missed := ring.seq - cursor
	if missed > uint64(len(ring.trades)) {
		missed = uint64(len(ring.trades))
	}
	out := make([]dex.Trade, missed)
	// ring is newest-first; emit oldest-first
	for i := uint64(0); i < missed; i++ {
		out[i] = ring.trades[missed-1-i]
	}
	return out, ring.seq
}

// Pools returns the pool ids that currently hold trades.
func (s *TradeStore) Pools() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.rings))
	for id := range s.rings {
		out = append(out, id)
	}
	return out
}

// Compact discards dedup entries observed below minSlot. The rings keep
// their trades; only replay protection is narrowed, which is safe because
// backfill never reaches below the compaction watermark.
func (s *TradeStore) Compact(minSlot uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, e := range s.seen {
		if e.slot < minSlot {
			delete(s.seen, k)
			removed++
		}
	}
	return removed
}

// SeenCount returns the dedup set size, for metrics.
func (s *TradeStore) SeenCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.seen)
}
