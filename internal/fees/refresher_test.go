package fees

import (
	"context"
	"encoding/binary"
	"math/big"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
	"github.com/orbitlabs/orbit-indexer/internal/metrics"
	"github.com/orbitlabs/orbit-indexer/internal/solana"
)

type fakeVaultRPC struct {
	reads    atomic.Int64
	accounts map[string]*solana.AccountInfo
}

func (f *fakeVaultRPC) GetMultipleAccounts(_ context.Context, pks []string) ([]*solana.AccountInfo, error) {
	f.reads.Add(1)
	out := make([]*solana.AccountInfo, len(pks))
	for i, pk := range pks {
		out[i] = f.accounts[pk]
	}
	return out, nil
}

type fakePools struct{ pool *dex.Pool }

func (f *fakePools) ReadPool(_ context.Context, _ string) (*dex.Pool, error) { return f.pool, nil }
func (f *fakePools) MintDecimals(_ context.Context, mints []string) (map[string]int, error) {
	out := make(map[string]int)
	for _, m := range mints {
		out[m] = 6
	}
	return out, nil
}

type fakeSink struct {
	mu      sync.Mutex
	updates []*dex.FeeBalances
}

func (f *fakeSink) UpdatePoolFees(_ context.Context, b *dex.FeeBalances) error {
	f.mu.Lock()
	f.updates = append(f.updates, b)
	f.mu.Unlock()
	return nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func tokenAccount(mintTag byte, amount uint64) *solana.AccountInfo {
	data := make([]byte, 72)
	data[0] = mintTag
	binary.LittleEndian.PutUint64(data[64:], amount)
	return &solana.AccountInfo{Data: data}
}

func newTestRefresher(t *testing.T, debounce, minInterval time.Duration) (*Refresher, *fakeVaultRPC, *fakeSink) {
	t.Helper()
	pool := &dex.Pool{
		PoolID:          "P",
		CreatorFeeVault: "VC",
		HoldersFeeVault: "VH",
		NFTFeeVault:     "VN",
	}
	rpc := &fakeVaultRPC{accounts: map[string]*solana.AccountInfo{
		"VC": tokenAccount(1, 5_000_000), // 5.0 at 6 decimals
		"VH": tokenAccount(1, 1_500_000),
		"VN": tokenAccount(1, 0),
	}}
	sink := &fakeSink{}
	r := NewRefresher(rpc, &fakePools{pool: pool}, sink, dex.ParseTokenAccount,
		debounce, minInterval, metrics.New(), zap.NewNop())
	t.Cleanup(r.Stop)
	return r, rpc, sink
}

func TestRefreshComputesUIBalances(t *testing.T) {
	r, _, sink := newTestRefresher(t, 10*time.Millisecond, 50*time.Millisecond)

	if err := r.Refresh(context.Background(), "P"); err != nil {
		t.Fatal(err)
	}
	if sink.count() != 1 {
		t.Fatalf("updates = %d", sink.count())
	}
	fb := sink.updates[0]
	if fb.Creator.Cmp(big.NewRat(5, 1)) != 0 {
		t.Errorf("creator = %s, want 5", fb.Creator)
	}
	if fb.Holders.Cmp(big.NewRat(3, 2)) != 0 {
		t.Errorf("holders = %s, want 1.5", fb.Holders)
	}
	if fb.NFT.Sign() != 0 {
		t.Errorf("nft = %s, want 0", fb.NFT)
	}
	if fb.LastRefreshMs == 0 {
		t.Error("lastRefreshMs unset")
	}
}

// Burst of trades inside the debounce window collapses into one refresh,
// and a follow-up trade inside the min-interval floor schedules exactly one
// more at the floor boundary.
func TestDebounceAndMinIntervalFloor(t *testing.T) {
	r, rpc, sink := newTestRefresher(t, 50*time.Millisecond, 300*time.Millisecond)

	r.OnTrade("P")
	time.Sleep(10 * time.Millisecond)
	r.OnTrade("P")
	time.Sleep(10 * time.Millisecond)
	r.OnTrade("P")

	// debounce: one refresh ~50ms after the last trade
	time.Sleep(120 * time.Millisecond)
	if got := rpc.reads.Load(); got != 1 {
		t.Fatalf("vault reads after burst = %d, want 1", got)
	}

	// inside the floor: schedules for the floor boundary, no extra read yet
	r.OnTrade("P")
	time.Sleep(50 * time.Millisecond)
	if got := rpc.reads.Load(); got != 1 {
		t.Fatalf("read fired inside min interval: %d", got)
	}
	// more trades inside the floor do not stack timers
	r.OnTrade("P")
	r.OnTrade("P")

	time.Sleep(400 * time.Millisecond)
	if got := rpc.reads.Load(); got != 2 {
		t.Fatalf("reads after floor = %d, want 2", got)
	}
	if sink.count() != 2 {
		t.Errorf("sink updates = %d, want 2", sink.count())
	}
}

func TestStopCancelsPendingTimers(t *testing.T) {
	r, rpc, _ := newTestRefresher(t, 30*time.Millisecond, 100*time.Millisecond)
	r.OnTrade("P")
	r.Stop()
	time.Sleep(80 * time.Millisecond)
	if rpc.reads.Load() != 0 {
		t.Fatal("refresh fired after Stop")
	}
}
