package persist

import (
	"context"

	"github.com/pkg/errors"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
)

// InsertTrade writes one derived trade row, keyed (signature, pool_id).
// Replays are no-ops: the in-memory dedup already guarantees at-most-once
// per process, ON CONFLICT guarantees it across restarts.
func (s *Store) InsertTrade(ctx context.Context, t *dex.Trade) error {
	var amountIn, amountOut *string
	if t.AmountIn != nil {
		v := t.AmountIn.String()
		amountIn = &v
	}
	if t.AmountOut != nil {
		v := t.AmountOut.String()
		amountOut = &v
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO dex_trades
			(signature, pool_id, slot, block_time, user_address, in_mint, out_mint, amount_in_raw, amount_out_raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (signature, pool_id) DO NOTHING`,
		t.Signature, t.PoolID, t.Slot, t.BlockTime, t.User,
		nullable(t.InMint), nullable(t.OutMint), amountIn, amountOut)
	return errors.Wrap(err, "insert trade")
}

// TradeRow is a persisted trade with string-rendered raw amounts.
type TradeRow struct {
	Signature    string
	PoolID       string
	Slot         uint64
	BlockTime    *int64
	User         *string
	InMint       *string
	OutMint      *string
	AmountInRaw  *string
	AmountOutRaw *string
}

// RecentTrades returns the newest trades for a pool ordered by
// (block_time, slot) descending.
func (s *Store) RecentTrades(ctx context.Context, poolID string, limit int) ([]*TradeRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT signature, pool_id, slot, block_time, user_address, in_mint, out_mint, amount_in_raw, amount_out_raw
		FROM dex_trades
		WHERE pool_id = $1
		ORDER BY block_time DESC NULLS LAST, slot DESC
		LIMIT $2`, poolID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "query trades")
	}
	defer rows.Close()
	var out []*TradeRow
	for rows.Next() {
		var t TradeRow
		if err := rows.Scan(&t.Signature, &t.PoolID, &t.Slot, &t.BlockTime,
			&t.User, &t.InMint, &t.OutMint, &t.AmountInRaw, &t.AmountOutRaw); err != nil {
			return nil, errors.Wrap(err, "scan trade")
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
