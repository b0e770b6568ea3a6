// Package ingest drives signature discovery, transaction fetching, event
// persistence, and trade derivation for the tracked pools.
package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/anchor"
	"github.com/orbitlabs/orbit-indexer/internal/dex"
	"github.com/orbitlabs/orbit-indexer/internal/metrics"
	"github.com/orbitlabs/orbit-indexer/internal/persist"
	"github.com/orbitlabs/orbit-indexer/internal/solana"
	"github.com/orbitlabs/orbit-indexer/internal/store"
)

// RPC is the client slice the engine needs.
type RPC interface {
	GetSignaturesForAddress(ctx context.Context, address string, opts solana.SignaturesOpts) ([]solana.SignatureInfo, error)
	GetTransaction(ctx context.Context, signature string) (*solana.Transaction, error)
	GetSlot(ctx context.Context) (uint64, error)
	GetProgramAccountsBySize(ctx context.Context, programID string, size int) (map[string]*solana.AccountInfo, error)
}

// LogStream provides live log subscriptions.
type LogStream interface {
	SubscribeLogs(ctx context.Context, mention string) (<-chan solana.LogNotification, error)
}

// PoolReader resolves on-chain pool views.
type PoolReader interface {
	ReadPool(ctx context.Context, poolID string) (*dex.Pool, error)
}

// Persister is the database slice the engine writes through.
type Persister interface {
	TxnIndex(ctx context.Context, slot uint64, signature string) int
	AppendEvent(ctx context.Context, rec *persist.EventRecord) error
	InsertTrade(ctx context.Context, t *dex.Trade) error
	ApplyPoolUpdate(ctx context.Context, u *persist.PoolUpdate) (bool, error)
	UpdateLiquidityEventSlot(ctx context.Context, poolID string, slot uint64) error
	UpsertPool(ctx context.Context, programID string, p *dex.Pool) error
}

// Config carries the engine's runtime parameters.
type Config struct {
	ProgramID          string
	Pools              []string
	PollInterval       time.Duration
	SignatureLookback  int
	BackfillMax        int
	BackfillPageSize   int
	SafetyWindowSlots  uint64
	PersistRawTxEvents bool
	DiscoverPools      bool
	DiscoveryRefresh   time.Duration
	CompactionInterval time.Duration
}

// Engine is the ingestion pipeline: per-pool signature pollers, an optional
// live log subscription, pool discovery, and dedup compaction.
type Engine struct {
	cfg     Config
	rpc     RPC
	stream  LogStream
	pools   PoolReader
	trades  *store.TradeStore
	db      Persister
	decoder *anchor.Decoder
	metrics *metrics.Metrics
	logger  *zap.Logger

	notifyEvent func(signature string, slot uint64, blockTime *int64, name string, data map[string]interface{})

	mu      sync.RWMutex
	tracked map[string]context.CancelFunc

	runCtx context.Context
	wg     sync.WaitGroup
}

// New builds an engine over the given collaborators. stream may be nil to
// run on polling alone.
func New(cfg Config, rpc RPC, stream LogStream, pools PoolReader, trades *store.TradeStore, db Persister, m *metrics.Metrics, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:     cfg,
		rpc:     rpc,
		stream:  stream,
		pools:   pools,
		trades:  trades,
		db:      db,
		decoder: anchor.NewDecoder(),
		metrics: m,
		logger:  logger.With(zap.String("component", "ingest")),
		tracked: make(map[string]context.CancelFunc),
	}
}

// OnEvent registers a callback invoked once per newly persisted event, with
// the transaction coordinates the wire protocol carries. Must be set before
// Run.
func (e *Engine) OnEvent(fn func(signature string, slot uint64, blockTime *int64, name string, data map[string]interface{})) {
	e.notifyEvent = fn
}

// Run starts every worker and blocks until the context ends.
func (e *Engine) Run(ctx context.Context) error {
	e.runCtx = ctx
	for _, poolID := range e.cfg.Pools {
		e.track(poolID)
	}
	if e.cfg.DiscoverPools {
		if err := e.discoverOnce(ctx); err != nil {
			e.logger.Warn("initial pool discovery failed", zap.Error(err))
		}
		e.wg.Add(1)
		go e.runDiscovery(ctx)
	}
	if e.stream != nil {
		e.wg.Add(1)
		go e.runLogStream(ctx)
	}
	e.wg.Add(1)
	go e.runCompaction(ctx)

	<-ctx.Done()
	e.wg.Wait()
	return nil
}

// track registers a pool and starts its poller. Idempotent.
func (e *Engine) track(poolID string) {
	e.mu.Lock()
	if _, ok := e.tracked[poolID]; ok {
		e.mu.Unlock()
		return
	}
	poolCtx, cancel := context.WithCancel(e.runCtx)
	e.tracked[poolID] = cancel
	e.metrics.TrackedPools.Set(float64(len(e.tracked)))
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.backfillPool(poolCtx, poolID)
		e.pollPool(poolCtx, poolID)
	}()
}

// TrackedPools returns the pool ids currently being polled.
func (e *Engine) TrackedPools() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.tracked))
	for id := range e.tracked {
		out = append(out, id)
	}
	return out
}

func (e *Engine) isTracked(poolID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.tracked[poolID]
	return ok
}

// pollPool walks the pool's recent signatures oldest to newest on every
// tick. Each signature is processed at most once; transient failures leave
// it unmarked for the next tick.
func (e *Engine) pollPool(ctx context.Context, poolID string) {
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			page, err := e.rpc.GetSignaturesForAddress(ctx, poolID,
				solana.SignaturesOpts{Limit: e.cfg.SignatureLookback})
			if err != nil {
				e.metrics.RPCErrors.WithLabelValues("getSignaturesForAddress").Inc()
				e.logger.Warn("signature poll failed", zap.String("pool", poolID), zap.Error(err))
				continue
			}
			for i := len(page) - 1; i >= 0; i-- {
				si := page[i]
				if si.Failed() {
					continue
				}
				e.processSignature(ctx, poolID, si.Signature, si.Slot, nil)
			}
		}
	}
}

// backfillPool pages backwards through the pool's history up to the
// configured cap, then replays oldest first.
func (e *Engine) backfillPool(ctx context.Context, poolID string) {
	if e.cfg.BackfillMax <= 0 {
		return
	}
	var collected []solana.SignatureInfo
	before := ""
	for len(collected) < e.cfg.BackfillMax {
		limit := e.cfg.BackfillPageSize
		if remaining := e.cfg.BackfillMax - len(collected); remaining < limit {
			limit = remaining
		}
		page, err := e.rpc.GetSignaturesForAddress(ctx, poolID,
			solana.SignaturesOpts{Limit: limit, Before: before})
		if err != nil {
			e.metrics.RPCErrors.WithLabelValues("getSignaturesForAddress").Inc()
			e.logger.Warn("backfill page failed", zap.String("pool", poolID), zap.Error(err))
			break
		}
		if len(page) == 0 {
			break
		}
		collected = append(collected, page...)
		before = page[len(page)-1].Signature
	}
	for i := len(collected) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return
		}
		si := collected[i]
		if si.Failed() {
			continue
		}
		e.processSignature(ctx, poolID, si.Signature, si.Slot, nil)
	}
	e.logger.Info("backfill complete", zap.String("pool", poolID), zap.Int("signatures", len(collected)))
}

// runLogStream follows the program's live logs. Each notified transaction
// is fetched once and fanned out to every tracked pool it touches.
func (e *Engine) runLogStream(ctx context.Context) {
	defer e.wg.Done()
	notifs, err := e.stream.SubscribeLogs(ctx, e.cfg.ProgramID)
	if err != nil {
		e.logger.Error("log subscription failed, polling only", zap.Error(err))
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifs:
			if !ok {
				return
			}
			if n.Failed() {
				continue
			}
			e.handleNotification(ctx, n)
		}
	}
}

func (e *Engine) handleNotification(ctx context.Context, n solana.LogNotification) {
	tx, err := e.rpc.GetTransaction(ctx, n.Signature)
	if err != nil {
		if !errors.Is(err, solana.ErrNotFound) {
			e.metrics.RPCErrors.WithLabelValues("getTransaction").Inc()
		}
		// the poller picks it up on its next tick
		return
	}
	for _, key := range tx.AccountKeys() {
		if e.isTracked(key) {
			e.processSignature(ctx, key, n.Signature, n.Slot, tx)
		}
	}
}

// processSignature runs the full pipeline for one (signature, pool). tx may
// be pre-fetched by the log driver; nil means fetch here.
func (e *Engine) processSignature(ctx context.Context, poolID, signature string, slot uint64, tx *solana.Transaction) {
	if e.trades.Seen(signature, poolID) {
		return
	}

	if tx == nil {
		var err error
		tx, err = e.rpc.GetTransaction(ctx, signature)
		if err != nil {
			// not yet visible at confirmed commitment, or a transient RPC
			// failure; leave unmarked and retry on a later tick
			if !errors.Is(err, solana.ErrNotFound) {
				e.metrics.RPCErrors.WithLabelValues("getTransaction").Inc()
			}
			e.metrics.SignaturesProcessed.WithLabelValues(poolID, "retry").Inc()
			return
		}
	}
	if slot == 0 {
		slot = tx.Slot
	}
	if tx.Failed() {
		e.trades.MarkSeen(signature, poolID, slot)
		e.metrics.SignaturesProcessed.WithLabelValues(poolID, "skipped").Inc()
		return
	}

	events := e.decoder.DecodeLogs(tx.Logs())
	e.persistEvents(ctx, poolID, signature, slot, tx, events)

	if !looksLikeSwap(tx, e.cfg.ProgramID) {
		e.trades.MarkSeen(signature, poolID, slot)
		e.metrics.SignaturesProcessed.WithLabelValues(poolID, "skipped").Inc()
		return
	}

	pool, err := e.pools.ReadPool(ctx, poolID)
	if err != nil {
		e.logger.Warn("pool read failed, will retry", zap.String("pool", poolID), zap.Error(err))
		e.metrics.SignaturesProcessed.WithLabelValues(poolID, "retry").Inc()
		return
	}

	trade := dex.DeriveTrade(tx, signature, pool)
	if trade == nil {
		e.trades.MarkSeen(signature, poolID, slot)
		e.metrics.SignaturesProcessed.WithLabelValues(poolID, "skipped").Inc()
		return
	}

	if !e.trades.Insert(*trade) {
		return
	}
	e.metrics.SwapsIndexed.WithLabelValues(poolID).Inc()
	e.metrics.SignaturesProcessed.WithLabelValues(poolID, "swap").Inc()

	if err := e.db.InsertTrade(ctx, trade); err != nil {
		e.logger.Warn("trade persist failed", zap.String("signature", signature), zap.Error(err))
	}
	e.applyPoolUpdate(ctx, pool, trade, events)
}

// persistEvents appends the decoded events, or one raw "tx" record when
// nothing decoded. Duplicate-key rejections from the fan-out paths are
// no-ops. Liquidity events also bump the pool's liquidity watermark, which
// is why this runs before swap classification.
func (e *Engine) persistEvents(ctx context.Context, poolID, signature string, slot uint64, tx *solana.Transaction, events []anchor.Event) {
	if len(events) == 0 {
		if !e.cfg.PersistRawTxEvents {
			return
		}
		err := e.db.AppendEvent(ctx, &persist.EventRecord{
			Signature:  signature,
			Slot:       slot,
			BlockTime:  tx.BlockTime,
			ProgramID:  e.cfg.ProgramID,
			EventType:  "tx",
			TxnIndex:   e.db.TxnIndex(ctx, slot, signature),
			EventIndex: 0,
			Logs:       tx.Logs(),
		})
		if err != nil && !errors.Is(err, persist.ErrDuplicateEvent) {
			e.logger.Warn("raw tx event persist failed", zap.String("signature", signature), zap.Error(err))
		}
		return
	}

	txnIndex := e.db.TxnIndex(ctx, slot, signature)
	for i, ev := range events {
		err := e.db.AppendEvent(ctx, &persist.EventRecord{
			Signature:  signature,
			Slot:       slot,
			BlockTime:  tx.BlockTime,
			ProgramID:  e.cfg.ProgramID,
			EventType:  ev.Name,
			TxnIndex:   txnIndex,
			EventIndex: i,
			EventData:  ev.Data,
		})
		if err != nil {
			if errors.Is(err, persist.ErrDuplicateEvent) {
				continue
			}
			e.logger.Warn("event persist failed",
				zap.String("signature", signature), zap.String("event", ev.Name), zap.Error(err))
			continue
		}
		e.metrics.EventsPersisted.WithLabelValues(ev.Name).Inc()
		if e.notifyEvent != nil {
			e.notifyEvent(signature, slot, tx.BlockTime, ev.Name, ev.Data)
		}

		switch ev.Name {
		case "LiquidityDeposited", "LiquidityWithdrawn":
			if pool, _ := ev.Data["pool"].(string); pool == poolID {
				if err := e.db.UpdateLiquidityEventSlot(ctx, poolID, slot); err != nil {
					e.logger.Warn("liquidity watermark update failed", zap.String("pool", poolID), zap.Error(err))
				}
			}
		}
	}
}

// applyPoolUpdate writes the pool's live row under slot gating. The active
// bin prefers the swap event's post-trade value over the cached account
// view.
func (e *Engine) applyPoolUpdate(ctx context.Context, pool *dex.Pool, trade *dex.Trade, events []anchor.Event) {
	activeBin := pool.ActiveBin
	for _, ev := range events {
		if ev.Name != "SwapExecuted" {
			continue
		}
		if p, _ := ev.Data["pool"].(string); p != pool.PoolID {
			continue
		}
		if bin, ok := ev.Data["activeBin"].(int64); ok {
			activeBin = int32(bin)
		}
	}
	price := pool.PriceQuotePerBase()
	if p, _, ok := trade.PriceAndVolume(); ok {
		price = dex.RatFloat(p)
	}
	if _, err := e.db.ApplyPoolUpdate(ctx, &persist.PoolUpdate{
		PoolID:         pool.PoolID,
		Slot:           trade.Slot,
		ActiveBin:      activeBin,
		LastPriceQuote: price,
		LastSignature:  trade.Signature,
	}); err != nil {
		e.logger.Warn("pool update failed", zap.String("pool", pool.PoolID), zap.Error(err))
	}
}

// runCompaction trims the dedup set to the safety window behind the chain
// head.
func (e *Engine) runCompaction(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.CompactionInterval
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			head, err := e.rpc.GetSlot(ctx)
			if err != nil {
				e.metrics.RPCErrors.WithLabelValues("getSlot").Inc()
				continue
			}
			if head <= e.cfg.SafetyWindowSlots {
				continue
			}
			removed := e.trades.Compact(head - e.cfg.SafetyWindowSlots)
			e.metrics.DedupEntries.Set(float64(e.trades.SeenCount()))
			if removed > 0 {
				e.logger.Info("dedup compaction", zap.Int("removed", removed), zap.Uint64("head", head))
			}
		}
	}
}

// runDiscovery periodically merges program accounts of pool size into the
// tracked set.
func (e *Engine) runDiscovery(ctx context.Context) {
	defer e.wg.Done()
	interval := e.cfg.DiscoveryRefresh
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.discoverOnce(ctx); err != nil {
				e.logger.Warn("pool discovery failed", zap.Error(err))
			}
		}
	}
}

func (e *Engine) discoverOnce(ctx context.Context) error {
	accounts, err := e.rpc.GetProgramAccountsBySize(ctx, e.cfg.ProgramID, dex.PoolAccountSize)
	if err != nil {
		e.metrics.RPCErrors.WithLabelValues("getProgramAccounts").Inc()
		return err
	}
	added := 0
	for pubkey, info := range accounts {
		if e.isTracked(pubkey) {
			continue
		}
		pool, err := dex.ParsePoolAccount(pubkey, info.Data)
		if err != nil {
			e.logger.Warn("discovered account did not parse", zap.String("pubkey", pubkey), zap.Error(err))
			continue
		}
		if err := e.db.UpsertPool(ctx, e.cfg.ProgramID, pool); err != nil {
			e.logger.Warn("discovered pool persist failed", zap.String("pool", pubkey), zap.Error(err))
		}
		e.track(pubkey)
		added++
	}
	if added > 0 {
		e.logger.Info("discovered pools", zap.Int("added", added))
	}
	return nil
}
