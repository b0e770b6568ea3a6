package stake

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/anchor"
	"github.com/orbitlabs/orbit-indexer/internal/persist"
)

// NFT stake position statuses. Withdrawn is terminal; active vs unlocked
// is derived from the unlock timestamp at write time and recomputed by
// readers.
const (
	NftStatusActive    = "active"
	NftStatusUnlocked  = "unlocked"
	NftStatusWithdrawn = "withdrawn"
)

// NftStore is the persistence slice for NFT staking positions.
type NftStore interface {
	UpsertNftStake(ctx context.Context, r *persist.NftStakeRow) error
	MarkNftWithdrawn(ctx context.Context, nftMint, owner string, slot uint64) error
}

// NftIndexer follows the NFT staking program's event stream and keeps one
// row per (nftMint, owner) position.
type NftIndexer struct {
	program string
	stream  LogStream
	decoder *anchor.Decoder
	store   NftStore
	logger  *zap.Logger
	now     func() time.Time

	mu   sync.Mutex
	seen map[string]uint64
}

// NewNftIndexer builds an indexer for the given staking program.
func NewNftIndexer(program string, stream LogStream, store NftStore, logger *zap.Logger) *NftIndexer {
	return &NftIndexer{
		program: program,
		stream:  stream,
		decoder: anchor.NewDecoder(),
		store:   store,
		logger:  logger.With(zap.String("component", "stake-nft")),
		now:     time.Now,
		seen:    make(map[string]uint64),
	}
}

// Run subscribes to the staking program's logs and applies stake and
// unstake events until the context ends.
func (n *NftIndexer) Run(ctx context.Context) error {
	notifs, err := n.stream.SubscribeLogs(ctx, n.program)
	if err != nil {
		return errors.Wrap(err, "subscribe nft logs")
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case notif, ok := <-notifs:
			if !ok {
				return nil
			}
			if notif.Failed() {
				continue
			}
			n.Handle(ctx, notif.Signature, notif.Slot, notif.Logs)
		}
	}
}

// Handle decodes one transaction's logs and applies every staking event
// it carries. Repeated signatures are no-ops.
func (n *NftIndexer) Handle(ctx context.Context, signature string, slot uint64, logs []string) {
	n.mu.Lock()
	if _, dup := n.seen[signature]; dup {
		n.mu.Unlock()
		return
	}
	n.seen[signature] = slot
	n.mu.Unlock()

	for _, ev := range n.decoder.DecodeLogs(logs) {
		switch ev.Name {
		case "NftStaked":
			n.applyStaked(ctx, ev, slot)
		case "NftUnstaked":
			n.applyUnstaked(ctx, ev, slot)
		}
	}
}

func (n *NftIndexer) applyStaked(ctx context.Context, ev anchor.Event, slot uint64) {
	nftMint, _ := ev.Data["nftMint"].(string)
	owner, _ := ev.Data["owner"].(string)
	stakeAccount, _ := ev.Data["stakeAccount"].(string)
	lockDuration, _ := ev.Data["lockDurationSec"].(int64)
	unlockAt, _ := ev.Data["unlockAt"].(int64)
	if nftMint == "" || owner == "" {
		return
	}
	var pool *string
	if p, ok := ev.Data["pool"].(string); ok && p != "" {
		pool = &p
	}
	row := &persist.NftStakeRow{
		NftMint:         nftMint,
		Owner:           owner,
		StakeAccount:    stakeAccount,
		LockDurationSec: lockDuration,
		UnlockAtSec:     unlockAt,
		Status:          NftStatusFor(unlockAt, n.now().Unix()),
		AssociatedPool:  pool,
		Slot:            slot,
	}
	if err := n.store.UpsertNftStake(ctx, row); err != nil {
		n.logger.Warn("nft stake upsert failed", zap.String("nftMint", nftMint), zap.Error(err))
	}
}

func (n *NftIndexer) applyUnstaked(ctx context.Context, ev anchor.Event, slot uint64) {
	nftMint, _ := ev.Data["nftMint"].(string)
	owner, _ := ev.Data["owner"].(string)
	if nftMint == "" || owner == "" {
		return
	}
	if err := n.store.MarkNftWithdrawn(ctx, nftMint, owner, slot); err != nil {
		n.logger.Warn("nft withdraw update failed", zap.String("nftMint", nftMint), zap.Error(err))
	}
}

// CompactSeen drops dedup entries below minSlot.
func (n *NftIndexer) CompactSeen(minSlot uint64) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	removed := 0
	for sig, slot := range n.seen {
		if slot < minSlot {
			delete(n.seen, sig)
			removed++
		}
	}
	return removed
}

// NftStatusFor derives active vs unlocked from the unlock timestamp.
func NftStatusFor(unlockAtSec, nowSec int64) string {
	if nowSec >= unlockAtSec {
		return NftStatusUnlocked
	}
	return NftStatusActive
}
