// Package fees refreshes per-pool fee-vault balances after swaps, with a
// trailing debounce and a minimum-interval floor so burst traffic never
// turns into an RPC herd.
package fees

import (
	"context"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
	"github.com/orbitlabs/orbit-indexer/internal/metrics"
	"github.com/orbitlabs/orbit-indexer/internal/solana"
)

// VaultReader is the RPC slice the refresher needs.
type VaultReader interface {
	GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*solana.AccountInfo, error)
}

// PoolResolver resolves the pool view (fee vault addresses).
type PoolResolver interface {
	ReadPool(ctx context.Context, poolID string) (*dex.Pool, error)
	MintDecimals(ctx context.Context, mints []string) (map[string]int, error)
}

// Sink persists the refreshed UI balances atomically per pool.
type Sink interface {
	UpdatePoolFees(ctx context.Context, balances *dex.FeeBalances) error
}

// TokenAccountParser decodes (mint, amount) from a raw token account blob.
type TokenAccountParser func(data []byte) (mint string, amount uint64, err error)

type poolState struct {
	lastRefreshMs int64
	timer         *time.Timer
}

// Refresher is the per-pool fee refresh state machine.
type Refresher struct {
	rpc         VaultReader
	pools       PoolResolver
	sink        Sink
	parse       TokenAccountParser
	metrics     *metrics.Metrics
	logger      *zap.Logger
	debounce    time.Duration
	minInterval time.Duration
	now         func() time.Time

	mu      sync.Mutex
	state   map[string]*poolState
	stopped bool
}

// NewRefresher builds the refresher with the configured cadence.
func NewRefresher(rpc VaultReader, pools PoolResolver, sink Sink, parse TokenAccountParser, debounce, minInterval time.Duration, m *metrics.Metrics, logger *zap.Logger) *Refresher {
	return &Refresher{
		rpc:         rpc,
		pools:       pools,
		sink:        sink,
		parse:       parse,
		metrics:     m,
		logger:      logger.With(zap.String("component", "fees")),
		debounce:    debounce,
		minInterval: minInterval,
		now:         time.Now,
		state:       make(map[string]*poolState),
	}
}

// OnTrade schedules a fee refresh for the pool:
//   - inside the min-interval window with no timer pending, schedule at the
//     window's end;
//   - otherwise reset the trailing debounce timer.
//
// The net effect is at most one refresh per pool per minInterval, with a
// burst collapsing into a single trailing refresh.
func (r *Refresher) OnTrade(poolID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	st := r.state[poolID]
	if st == nil {
		st = &poolState{}
		r.state[poolID] = st
	}

	nowMs := r.now().UnixMilli()
	sinceLast := time.Duration(nowMs-st.lastRefreshMs) * time.Millisecond

	if sinceLast < r.minInterval {
		if st.timer != nil {
			return // a refresh is already pending inside the floor
		}
		st.timer = time.AfterFunc(r.minInterval-sinceLast, func() { r.fire(poolID) })
		return
	}

	if st.timer != nil {
		st.timer.Stop()
	}
	st.timer = time.AfterFunc(r.debounce, func() { r.fire(poolID) })
}

func (r *Refresher) fire(poolID string) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	st := r.state[poolID]
	if st != nil {
		st.timer = nil
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := r.Refresh(ctx, poolID); err != nil {
		r.logger.Warn("fee refresh failed", zap.String("pool", poolID), zap.Error(err))
	}
}

// Refresh batch-reads the three fee vaults, resolves decimals, and writes
// UI balances to the sink. Updates lastRefreshMs only on success.
func (r *Refresher) Refresh(ctx context.Context, poolID string) error {
	pool, err := r.pools.ReadPool(ctx, poolID)
	if err != nil {
		return err
	}

	vaults := []string{pool.CreatorFeeVault, pool.HoldersFeeVault, pool.NFTFeeVault}
	infos, err := r.rpc.GetMultipleAccounts(ctx, vaults)
	if err != nil {
		return err
	}

	type vaultBalance struct {
		mint   string
		amount uint64
	}
	balances := make([]vaultBalance, 3)
	var mints []string
	for i, info := range infos {
		if info == nil || len(info.Data) == 0 {
			continue
		}
		mint, amount, err := r.parse(info.Data)
		if err != nil {
			r.logger.Warn("undecodable fee vault", zap.String("vault", vaults[i]), zap.Error(err))
			continue
		}
		balances[i] = vaultBalance{mint: mint, amount: amount}
		mints = append(mints, mint)
	}

	decimals := map[string]int{}
	if len(mints) > 0 {
		decimals, err = r.pools.MintDecimals(ctx, mints)
		if err != nil {
			return err
		}
	}

	ui := func(b vaultBalance) *big.Rat {
		if b.mint == "" {
			return new(big.Rat)
		}
		scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals[b.mint])), nil)
		return new(big.Rat).SetFrac(new(big.Int).SetUint64(b.amount), scale)
	}

	nowMs := r.now().UnixMilli()
	fb := &dex.FeeBalances{
		PoolID:        poolID,
		Creator:       ui(balances[0]),
		Holders:       ui(balances[1]),
		NFT:           ui(balances[2]),
		LastRefreshMs: nowMs,
	}
	if err := r.sink.UpdatePoolFees(ctx, fb); err != nil {
		return err
	}
	r.metrics.FeeRefreshes.Inc()

	r.mu.Lock()
	if st := r.state[poolID]; st != nil {
		st.lastRefreshMs = nowMs
	} else {
		r.state[poolID] = &poolState{lastRefreshMs: nowMs}
	}
	r.mu.Unlock()
	return nil
}

// Stop cancels all pending timers; no refresh fires afterwards.
func (r *Refresher) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for _, st := range r.state {
		if st.timer != nil {
			st.timer.Stop()
			st.timer = nil
		}
	}
}
