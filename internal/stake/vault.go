// Package stake maintains per-owner staking balances for the token-vault
// program and position rows for the NFT staking program.
package stake

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/metrics"
	"github.com/orbitlabs/orbit-indexer/internal/persist"
	"github.com/orbitlabs/orbit-indexer/internal/solana"
)

// RPC is the client slice the vault indexer needs.
type RPC interface {
	GetSignaturesForAddress(ctx context.Context, address string, opts solana.SignaturesOpts) ([]solana.SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*solana.Transaction, error)
}

// LogStream provides live log subscriptions.
type LogStream interface {
	SubscribeLogs(ctx context.Context, mention string) (<-chan solana.LogNotification, error)
}

// VaultStore is the persistence slice for token-vault staking.
type VaultStore interface {
	UpsertVault(ctx context.Context, v *persist.VaultRow) error
	LoadStakes(ctx context.Context, vaultID string) (map[string]*big.Int, error)
	StakeEventSignatures(ctx context.Context, vaultID string) ([]string, error)
	LastStakeEventSlot(ctx context.Context, vaultID string) (uint64, bool, error)
	InsertStakeEvent(ctx context.Context, e *persist.StakeEventRow) error
	ApplyStakeFlush(ctx context.Context, vaultID string, upserts map[string]*big.Int, deletes []string, holders int, total *big.Int) error
}

// VaultConfig identifies one token vault to index.
type VaultConfig struct {
	VaultID      string
	TokenMint    string
	ScanAddress  string
	StakeProgram string
	Decimals     int
}

// VaultIndexer tracks per-owner staked balances for one vault. Single
// mutating actor: its Run loop (and the boot recovery that precedes it).
type VaultIndexer struct {
	cfg     VaultConfig
	rpc     RPC
	stream  LogStream
	store   VaultStore
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.RWMutex
	byOwner map[string]*big.Int
	total   *big.Int
	seen    map[string]uint64 // signature -> slot
}

// NewVaultIndexer builds an indexer for one vault.
func NewVaultIndexer(cfg VaultConfig, rpc RPC, stream LogStream, store VaultStore, m *metrics.Metrics, logger *zap.Logger) *VaultIndexer {
	return &VaultIndexer{
		cfg:     cfg,
		rpc:     rpc,
		stream:  stream,
		store:   store,
		metrics: m,
		logger:  logger.With(zap.String("component", "stake-vault"), zap.String("vault", cfg.VaultID)),
		byOwner: make(map[string]*big.Int),
		total:   new(big.Int),
		seen:    make(map[string]uint64),
	}
}

// Boot hydrates state from persistence and recovers signatures missed
// while the process was down.
func (v *VaultIndexer) Boot(ctx context.Context) error {
	if err := v.store.UpsertVault(ctx, &persist.VaultRow{
		VaultID:      v.cfg.VaultID,
		TokenMint:    v.cfg.TokenMint,
		ScanAddress:  v.cfg.ScanAddress,
		StakeProgram: v.cfg.StakeProgram,
		Decimals:     v.cfg.Decimals,
	}); err != nil {
		return err
	}

	stakes, err := v.store.LoadStakes(ctx, v.cfg.VaultID)
	if err != nil {
		return errors.Wrap(err, "hydrate stakes")
	}
	sigs, err := v.store.StakeEventSignatures(ctx, v.cfg.VaultID)
	if err != nil {
		return errors.Wrap(err, "hydrate signatures")
	}

	v.mu.Lock()
	v.byOwner = stakes
	v.total = new(big.Int)
	for _, b := range stakes {
		v.total.Add(v.total, b)
	}
	for _, sig := range sigs {
		v.seen[sig] = 0 // slot unknown for hydrated entries; compacted eagerly
	}
	v.mu.Unlock()

	return v.recover(ctx)
}

// recover replays signatures strictly newer than the persisted watermark.
// With no watermark, only the most recent page is examined.
func (v *VaultIndexer) recover(ctx context.Context) error {
	watermark, ok, err := v.store.LastStakeEventSlot(ctx, v.cfg.VaultID)
	if err != nil {
		return errors.Wrap(err, "load watermark")
	}

	var pending []solana.SignatureInfo
	before := ""
	for {
		page, err := v.rpc.GetSignaturesForAddress(ctx, v.cfg.ScanAddress,
			solana.SignaturesOpts{Limit: 1000, Before: before})
		if err != nil {
			return errors.Wrap(err, "recover signatures")
		}
		if len(page) == 0 {
			break
		}
		done := false
		for _, si := range page {
			if ok && si.Slot <= watermark {
				done = true
				break
			}
			pending = append(pending, si)
		}
		if done || !ok {
			break
		}
		before = page[len(page)-1].Signature
	}

	// oldest first so balances fold in chain order
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].Slot < pending[j].Slot })
	for _, si := range pending {
		if si.Failed() {
			continue
		}
		v.handleSignature(ctx, si.Signature, si.Slot)
	}
	v.logger.Info("recovery complete", zap.Int("replayed", len(pending)))
	return nil
}

// Run boots the indexer and then follows the live log stream until the
// context ends.
func (v *VaultIndexer) Run(ctx context.Context) error {
	if err := v.Boot(ctx); err != nil {
		return err
	}
	notifs, err := v.stream.SubscribeLogs(ctx, v.cfg.ScanAddress)
	if err != nil {
		return errors.Wrap(err, "subscribe vault logs")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case n, ok := <-notifs:
			if !ok {
				return nil
			}
			if n.Failed() {
				continue
			}
			if !mentionsProgram(n.Logs, v.cfg.StakeProgram) {
				continue
			}
			v.handleSignature(ctx, n.Signature, n.Slot)
		}
	}
}

// handleSignature fetches the transaction, derives per-owner deltas from
// the vault mint's balance changes, appends audit events, applies the
// mutation, and flushes dirty owners. Transient RPC failures leave the
// signature unseen for a later retry.
func (v *VaultIndexer) handleSignature(ctx context.Context, signature string, slot uint64) {
	v.mu.RLock()
	_, dup := v.seen[signature]
	v.mu.RUnlock()
	if dup {
		return
	}

	tx, err := v.rpc.GetTransaction(ctx, signature)
	if err != nil {
		v.logger.Warn("transaction fetch failed, will retry", zap.String("signature", signature), zap.Error(err))
		return
	}
	if tx.Failed() {
		v.markSeen(signature, slot)
		return
	}
	if !v.touchesProgram(tx) {
		v.markSeen(signature, slot)
		return
	}

	deltas := v.ownerDeltas(tx)
	if len(deltas) == 0 {
		v.markSeen(signature, slot)
		return
	}

	v.mu.Lock()
	dirty := make(map[string]struct{})
	var events []*persist.StakeEventRow
	for owner, stakedChange := range deltas {
		current := v.byOwner[owner]
		if current == nil {
			current = new(big.Int)
		}
		after := new(big.Int).Add(current, stakedChange)
		kind := "stake"
		if stakedChange.Sign() < 0 {
			kind = "unstake"
		}
		events = append(events, &persist.StakeEventRow{
			VaultID:         v.cfg.VaultID,
			Signature:       signature,
			Owner:           owner,
			Slot:            slot,
			BlockTime:       tx.BlockTime,
			Kind:            kind,
			DeltaRaw:        stakedChange.String(),
			BalanceAfterRaw: after.String(),
		})

		v.total.Sub(v.total, current)
		if after.Sign() > 0 {
			v.byOwner[owner] = after
			v.total.Add(v.total, after)
		} else {
			delete(v.byOwner, owner)
		}
		dirty[owner] = struct{}{}
	}
	v.seen[signature] = slot
	upserts, deletes, holders, total := v.snapshotLocked(dirty)
	v.mu.Unlock()

	// audit trail first; duplicate rejections do not block the mutation,
	// the in-memory dedup already accepted the signature
	for _, e := range events {
		v.metrics.StakeEvents.WithLabelValues(e.Kind).Inc()
		if err := v.store.InsertStakeEvent(ctx, e); err != nil && !errors.Is(err, persist.ErrDuplicateStakeEvent) {
			v.logger.Warn("stake event append failed", zap.String("signature", signature), zap.Error(err))
		}
	}
	if err := v.store.ApplyStakeFlush(ctx, v.cfg.VaultID, upserts, deletes, holders, total); err != nil {
		v.logger.Warn("stake flush failed", zap.Error(err))
	}
}

// ownerDeltas computes cumulative staked changes per owner: a decrease in
// an owner's token balance is a stake of that amount, an increase is an
// unstake. The vault's own account is excluded.
func (v *VaultIndexer) ownerDeltas(tx *solana.Transaction) map[string]*big.Int {
	if tx.Meta == nil {
		return nil
	}
	type side struct {
		owner  string
		amount *big.Int
	}
	pre := make(map[int]side)
	for _, b := range tx.Meta.PreTokenBalances {
		if b.Mint != v.cfg.TokenMint {
			continue
		}
		if amt, ok := new(big.Int).SetString(b.UITokenAmount.Amount, 10); ok {
			pre[b.AccountIndex] = side{owner: b.Owner, amount: amt}
		}
	}
	deltas := make(map[string]*big.Int)
	add := func(owner string, d *big.Int) {
		if owner == "" || owner == v.cfg.ScanAddress || d.Sign() == 0 {
			return
		}
		stakedChange := new(big.Int).Neg(d)
		if acc := deltas[owner]; acc != nil {
			acc.Add(acc, stakedChange)
			if acc.Sign() == 0 {
				delete(deltas, owner)
			}
		} else {
			deltas[owner] = stakedChange
		}
	}
	seenIdx := make(map[int]bool)
	for _, b := range tx.Meta.PostTokenBalances {
		if b.Mint != v.cfg.TokenMint {
			continue
		}
		post, ok := new(big.Int).SetString(b.UITokenAmount.Amount, 10)
		if !ok {
			continue
		}
		seenIdx[b.AccountIndex] = true
		p := pre[b.AccountIndex]
		owner := b.Owner
		if owner == "" {
			owner = p.owner
		}
		delta := new(big.Int).Set(post)
		if p.amount != nil {
			delta.Sub(delta, p.amount)
		}
		add(owner, delta)
	}
	// accounts closed in this transaction appear only on the pre side
	for idx, p := range pre {
		if seenIdx[idx] || p.amount == nil {
			continue
		}
		add(p.owner, new(big.Int).Neg(p.amount))
	}
	return deltas
}

func (v *VaultIndexer) touchesProgram(tx *solana.Transaction) bool {
	for _, k := range tx.AccountKeys() {
		if k == v.cfg.StakeProgram {
			return true
		}
	}
	return mentionsProgram(tx.Logs(), v.cfg.StakeProgram)
}

func mentionsProgram(logs []string, program string) bool {
	for _, l := range logs {
		if strings.Contains(l, program) {
			return true
		}
	}
	return false
}

func (v *VaultIndexer) markSeen(signature string, slot uint64) {
	v.mu.Lock()
	v.seen[signature] = slot
	v.mu.Unlock()
}

// snapshotLocked builds the flush batch for the dirty owners. Caller holds
// the write lock.
func (v *VaultIndexer) snapshotLocked(dirty map[string]struct{}) (map[string]*big.Int, []string, int, *big.Int) {
	upserts := make(map[string]*big.Int)
	var deletes []string
	for owner := range dirty {
		if b, ok := v.byOwner[owner]; ok {
			upserts[owner] = new(big.Int).Set(b)
		} else {
			deletes = append(deletes, owner)
		}
	}
	return upserts, deletes, len(v.byOwner), new(big.Int).Set(v.total)
}

// Snapshot returns copies of the current balances and totals.
func (v *VaultIndexer) Snapshot() (byOwner map[string]*big.Int, holders int, total *big.Int) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	byOwner = make(map[string]*big.Int, len(v.byOwner))
	for o, b := range v.byOwner {
		byOwner[o] = new(big.Int).Set(b)
	}
	return byOwner, len(v.byOwner), new(big.Int).Set(v.total)
}

// CompactSeen drops dedup entries below minSlot.
func (v *VaultIndexer) CompactSeen(minSlot uint64) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	removed := 0
	for sig, slot := range v.seen {
		if slot < minSlot {
			delete(v.seen, sig)
			removed++
		}
	}
	return removed
}
