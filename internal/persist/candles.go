package persist

import (
	"context"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
)

// UpsertCandles writes a batch of dirty buckets with last-writer semantics
// on (pool, timeframe, bucket_start). Correct because each bucket's fields
// are produced by a monotonic in-memory fold.
func (s *Store) UpsertCandles(ctx context.Context, candles []*dex.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(`
			INSERT INTO dex_pool_candles
				(pool_id, timeframe, bucket_start_sec, open, high, low, close, volume_quote, trades_count, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (pool_id, timeframe, bucket_start_sec) DO UPDATE SET
				open = EXCLUDED.open,
				high = EXCLUDED.high,
				low = EXCLUDED.low,
				close = EXCLUDED.close,
				volume_quote = EXCLUDED.volume_quote,
				trades_count = EXCLUDED.trades_count,
				updated_at = now()`,
			c.PoolID, c.Timeframe, c.BucketStartSec,
			dex.RatFloat(c.Open), dex.RatFloat(c.High), dex.RatFloat(c.Low), dex.RatFloat(c.Close),
			dex.RatFloat(c.VolumeQuote), c.TradesCount)
	}
	results := s.db.SendBatch(ctx, batch)
	defer results.Close()
	for range candles {
		if _, err := results.Exec(); err != nil {
			return errors.Wrap(err, "upsert candle batch")
		}
	}
	return nil
}

// Candles returns the most recent limit buckets for (pool, timeframe),
// ascending by bucket start. Gap-filling happens in the aggregator.
func (s *Store) Candles(ctx context.Context, poolID, timeframe string, limit int) ([]*dex.Candle, error) {
	rows, err := s.db.Query(ctx, `
		SELECT pool_id, timeframe, bucket_start_sec, open, high, low, close, volume_quote, trades_count
		FROM (
			SELECT * FROM dex_pool_candles
			WHERE pool_id = $1 AND timeframe = $2
			ORDER BY bucket_start_sec DESC
			LIMIT $3
		) recent
		ORDER BY bucket_start_sec ASC`, poolID, timeframe, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query candles")
	}
	defer rows.Close()

	var out []*dex.Candle
	for rows.Next() {
		var c dex.Candle
		var open, high, low, closeP, volume float64
		if err := rows.Scan(&c.PoolID, &c.Timeframe, &c.BucketStartSec,
			&open, &high, &low, &closeP, &volume, &c.TradesCount); err != nil {
			return nil, errors.Wrap(err, "scan candle")
		}
		c.Open = floatRat(open)
		c.High = floatRat(high)
		c.Low = floatRat(low)
		c.Close = floatRat(closeP)
		c.VolumeQuote = floatRat(volume)
		out = append(out, &c)
	}
	return out, rows.Err()
}

func floatRat(f float64) *big.Rat {
	r := new(big.Rat)
	if r.SetFloat64(f) == nil {
		return new(big.Rat)
	}
	return r
}
