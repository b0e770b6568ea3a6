package persist

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

type fakeBlocks struct {
	calls int
	sigs  map[uint64][]string
	err   error
}

func (f *fakeBlocks) GetBlockSignatures(_ context.Context, slot uint64) ([]string, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.sigs[slot], nil
}

func TestTxnIndexMapsAndCaches(t *testing.T) {
	blocks := &fakeBlocks{sigs: map[uint64][]string{
		500: {"sigA", "sigB", "sigC"},
	}}
	s := NewStore(nil, blocks, zap.NewNop())

	if idx := s.TxnIndex(context.Background(), 500, "sigB"); idx != 1 {
		t.Errorf("index = %d, want 1", idx)
	}
	if idx := s.TxnIndex(context.Background(), 500, "sigC"); idx != 2 {
		t.Errorf("index = %d, want 2", idx)
	}
	if blocks.calls != 1 {
		t.Errorf("block fetches = %d, want 1 (cached per slot)", blocks.calls)
	}
	// unknown signature in a cached slot degrades to 0
	if idx := s.TxnIndex(context.Background(), 500, "other"); idx != 0 {
		t.Errorf("unknown signature index = %d, want 0", idx)
	}
}

func TestTxnIndexDegradesOnFetchFailure(t *testing.T) {
	blocks := &fakeBlocks{err: errors.New("rpc down")}
	s := NewStore(nil, blocks, zap.NewNop())

	if idx := s.TxnIndex(context.Background(), 7, "sig"); idx != 0 {
		t.Fatalf("index = %d, want degraded 0", idx)
	}
	// failures are not cached; the next call retries
	s.TxnIndex(context.Background(), 7, "sig")
	if blocks.calls != 2 {
		t.Errorf("fetches = %d, want retry on failure", blocks.calls)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	uniq := &pgconn.PgError{Code: "23505"}
	if !isUniqueViolation(uniq) {
		t.Error("23505 not detected")
	}
	if !isUniqueViolation(errors.Wrap(uniq, "insert event")) {
		t.Error("wrapped 23505 not detected")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "23503"}) {
		t.Error("foreign-key violation misclassified")
	}
	if isUniqueViolation(errors.New("plain")) {
		t.Error("plain error misclassified")
	}
}
