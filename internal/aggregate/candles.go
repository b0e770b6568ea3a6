// Package aggregate folds the trade feed into rolling in-memory state:
// OHLCV candles per timeframe and per-pool quote-volume windows.
package aggregate

import (
	"context"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
	"github.com/orbitlabs/orbit-indexer/internal/metrics"
	"github.com/orbitlabs/orbit-indexer/internal/store"
)

// CandleSink is the persistence slice the aggregator flushes into: a
// batched idempotent upsert keyed on (pool, timeframe, bucketStartSec).
type CandleSink interface {
	UpsertCandles(ctx context.Context, candles []*dex.Candle) error
	Candles(ctx context.Context, poolID, timeframe string, limit int) ([]*dex.Candle, error)
}

type bucketKey struct {
	poolID    string
	timeframe string
}

// CandleAggregator owns the per-pool current buckets. The Run loop is the
// only writer; HTTP readers come in through GetCandles concurrently, so the
// bucket maps are mutex-guarded. The lock is never held across a sink call.
type CandleAggregator struct {
	trades  *store.TradeStore
	sink    CandleSink
	metrics *metrics.Metrics
	logger  *zap.Logger
	tick    time.Duration
	flush   time.Duration
	now     func() time.Time

	mu      sync.Mutex
	cursors map[string]uint64             // pool -> trade feed cursor
	current map[bucketKey]*dex.Candle     // latest bucket per (pool, tf)
	dirty   map[bucketKey]map[int64]*dex.Candle // buckets pending flush
}

// NewCandleAggregator wires the aggregator to the trade feed and sink.
func NewCandleAggregator(trades *store.TradeStore, sink CandleSink, tick, flush time.Duration, m *metrics.Metrics, logger *zap.Logger) *CandleAggregator {
	return &CandleAggregator{
		trades:  trades,
		sink:    sink,
		metrics: m,
		logger:  logger.With(zap.String("component", "candles")),
		tick:    tick,
		flush:   flush,
		now:     time.Now,
		cursors: make(map[string]uint64),
		current: make(map[bucketKey]*dex.Candle),
		dirty:   make(map[bucketKey]map[int64]*dex.Candle),
	}
}

// Run ingests newly appended trades every tick and flushes dirty buckets
// every flush interval until the context ends. A final flush runs on exit.
func (a *CandleAggregator) Run(ctx context.Context) {
	tick := time.NewTicker(a.tick)
	flush := time.NewTicker(a.flush)
	defer tick.Stop()
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			a.flushDirty(context.Background())
			return
		case <-tick.C:
			a.ingest()
		case <-flush.C:
			a.flushDirty(ctx)
		}
	}
}

// ingest walks each pool's feed oldest-to-newest from the last cursor.
func (a *CandleAggregator) ingest() {
	for _, poolID := range a.trades.Pools() {
		batch, cur := a.trades.TradesSince(poolID, a.cursors[poolID])
		a.cursors[poolID] = cur
		for i := range batch {
			a.Apply(&batch[i])
		}
	}
}

// Apply folds one trade into every timeframe's current bucket. Trades whose
// mints do not form the pool's (base, quote) pair are dropped.
func (a *CandleAggregator) Apply(trade *dex.Trade) {
	price, volume, ok := trade.PriceAndVolume()
	if !ok {
		return
	}
	tsSec := trade.TimestampSec(a.now)
	nowMs := a.now().UnixMilli()

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, tf := range dex.CandleTimeframes {
		key := bucketKey{poolID: trade.PoolID, timeframe: tf.Label}
		bucketStart := tf.BucketStart(tsSec)

		c := a.current[key]
		if c == nil || c.BucketStartSec != bucketStart {
			c = &dex.Candle{
				PoolID:         trade.PoolID,
				Timeframe:      tf.Label,
				BucketStartSec: bucketStart,
				Open:           new(big.Rat).Set(price),
				High:           new(big.Rat).Set(price),
				Low:            new(big.Rat).Set(price),
				Close:          new(big.Rat).Set(price),
				VolumeQuote:    new(big.Rat).Set(volume),
				TradesCount:    1,
				UpdatedAtMs:    nowMs,
			}
			a.current[key] = c
		} else {
			if price.Cmp(c.High) > 0 {
				c.High.Set(price)
			}
			if price.Cmp(c.Low) < 0 {
				c.Low.Set(price)
			}
			c.Close.Set(price)
			c.VolumeQuote.Add(c.VolumeQuote, volume)
			c.TradesCount++
			c.UpdatedAtMs = nowMs
		}

		byStart := a.dirty[key]
		if byStart == nil {
			byStart = make(map[int64]*dex.Candle)
			a.dirty[key] = byStart
		}
		byStart[bucketStart] = c
	}
}

// flushDirty snapshots and clears the dirty set, then upserts the batch.
// On failure the buckets are re-marked dirty so no work is lost. The clones
// are taken under the lock; the sink call runs outside it.
func (a *CandleAggregator) flushDirty(ctx context.Context) {
	a.mu.Lock()
	if len(a.dirty) == 0 {
		a.mu.Unlock()
		return
	}
	var batch []*dex.Candle
	flushed := a.dirty
	a.dirty = make(map[bucketKey]map[int64]*dex.Candle)
	for _, byStart := range flushed {
		for _, c := range byStart {
			batch = append(batch, c.Clone())
		}
	}
	a.mu.Unlock()

	if err := a.sink.UpsertCandles(ctx, batch); err != nil {
		a.metrics.CandleFlushErrors.Inc()
		a.logger.Warn("candle flush failed, keeping dirty", zap.Int("buckets", len(batch)), zap.Error(err))
		a.mu.Lock()
		for key, byStart := range flushed {
			dst := a.dirty[key]
			if dst == nil {
				a.dirty[key] = byStart
				continue
			}
			for start, c := range byStart {
				if _, exists := dst[start]; !exists {
					dst[start] = c
				}
			}
		}
		a.mu.Unlock()
		return
	}
	a.metrics.CandleFlushes.Inc()
}

// CurrentBucket returns a copy of the live bucket for (pool, tf), or nil.
func (a *CandleAggregator) CurrentBucket(poolID, timeframe string) *dex.Candle {
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.current[bucketKey{poolID: poolID, timeframe: timeframe}]
	if c == nil {
		return nil
	}
	return c.Clone()
}

// GetCandles returns the most recent limit buckets ascending from the sink,
// gap-filled with flat candles. When the sink holds nothing, the in-memory
// current bucket alone is returned.
func (a *CandleAggregator) GetCandles(ctx context.Context, poolID, timeframe string, limit int) ([]*dex.Candle, error) {
	var tf dex.Timeframe
	for _, t := range dex.CandleTimeframes {
		if t.Label == timeframe {
			tf = t
			break
		}
	}
	if tf.Seconds == 0 {
		return nil, nil
	}

	persisted, err := a.sink.Candles(ctx, poolID, timeframe, limit)
	if err != nil {
		return nil, err
	}
	if len(persisted) == 0 {
		if c := a.CurrentBucket(poolID, timeframe); c != nil {
			return []*dex.Candle{c}, nil
		}
		return nil, nil
	}
	return FillGaps(persisted, tf), nil
}

// FillGaps synthesizes a flat candle for every missing bucket between two
// present ones: open=high=low=close=prevClose, zero volume, zero trades.
func FillGaps(ascending []*dex.Candle, tf dex.Timeframe) []*dex.Candle {
	if len(ascending) == 0 {
		return ascending
	}
	out := make([]*dex.Candle, 0, len(ascending))
	out = append(out, ascending[0])
	for i := 1; i < len(ascending); i++ {
		prev := out[len(out)-1]
		next := ascending[i]
		for start := prev.BucketStartSec + tf.Seconds; start < next.BucketStartSec; start += tf.Seconds {
			flat := &dex.Candle{
				PoolID:         prev.PoolID,
				Timeframe:      prev.Timeframe,
				BucketStartSec: start,
				Open:           new(big.Rat).Set(prev.Close),
				High:           new(big.Rat).Set(prev.Close),
				Low:            new(big.Rat).Set(prev.Close),
				Close:          new(big.Rat).Set(prev.Close),
				VolumeQuote:    new(big.Rat),
				TradesCount:    0,
			}
			out = append(out, flat)
		}
		out = append(out, next)
	}
	return out
}
