package wshub

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TicketStore mints single-use websocket tickets with a TTL. Tickets bind
// the HTTP auth step to the upgrade request without putting credentials in
// the websocket URL.
type TicketStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	tickets map[string]time.Time // ticket -> expiry
	now     func() time.Time
}

// NewTicketStore creates a store with the given ticket lifetime.
func NewTicketStore(ttl time.Duration) *TicketStore {
	return &TicketStore{
		ttl:     ttl,
		tickets: make(map[string]time.Time),
		now:     time.Now,
	}
}

// Mint issues a fresh ticket.
func (t *TicketStore) Mint() string {
	ticket := uuid.NewString()
	t.mu.Lock()
	t.tickets[ticket] = t.now().Add(t.ttl)
	t.sweepLocked()
	t.mu.Unlock()
	return ticket
}

// Redeem consumes a ticket. Returns false for unknown, expired, or already
// redeemed tickets.
func (t *TicketStore) Redeem(ticket string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, ok := t.tickets[ticket]
	if !ok {
		return false
	}
	delete(t.tickets, ticket)
	return t.now().Before(expiry)
}

func (t *TicketStore) sweepLocked() {
	now := t.now()
	for ticket, expiry := range t.tickets {
		if now.After(expiry) {
			delete(t.tickets, ticket)
		}
	}
}
