package persist

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
)

// PoolRow is the persisted pool record, UI-denominated where noted.
type PoolRow struct {
	PoolID             string
	ProgramID          string
	BaseMint           string
	QuoteMint          string
	BaseDecimals       int
	QuoteDecimals      int
	BaseVault          string
	QuoteVault         string
	LPMint             *string
	ActiveBin          int32
	LastPriceQuote     float64
	LiquidityQuote     float64
	TVLLockedQuote     float64
	CreatorFeeUI       float64
	HoldersFeeUI       float64
	NFTFeeUI           float64
	LastUpdateSlot     *uint64
	LatestLiqEventSlot *uint64
}

// UpsertPool registers a pool's static identity. Live fields are written by
// ApplyPoolUpdate under slot gating, not here.
func (s *Store) UpsertPool(ctx context.Context, programID string, p *dex.Pool) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO dex_pools
			(pool_id, program_id, base_mint, quote_mint, base_decimals, quote_decimals,
			 base_vault, quote_vault, lp_mint, active_bin, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
		ON CONFLICT (pool_id) DO UPDATE SET
			base_decimals = EXCLUDED.base_decimals,
			quote_decimals = EXCLUDED.quote_decimals,
			lp_mint = EXCLUDED.lp_mint,
			updated_at = now()`,
		p.PoolID, programID, p.BaseMint, p.QuoteMint, p.BaseDecimals, p.QuoteDecimals,
		p.BaseVault, p.QuoteVault, p.LPMint, p.ActiveBin)
	return errors.Wrap(err, "upsert pool")
}

// PoolUpdate carries a slot-stamped change to a pool's live state.
type PoolUpdate struct {
	PoolID         string
	Slot           uint64
	ActiveBin      int32
	LastPriceQuote float64
	LiquidityQuote float64
	TVLLockedQuote float64
	LastSignature  string
}

// ApplyPoolUpdate writes live pool state only when the incoming slot
// strictly exceeds the stored last_update_slot. Out-of-order writes from
// the backfill path become no-ops. Returns whether the row changed.
func (s *Store) ApplyPoolUpdate(ctx context.Context, u *PoolUpdate) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE dex_pools SET
			active_bin = $2,
			last_price_quote = $3,
			liquidity_quote = $4,
			tvl_locked_quote = $5,
			last_trade_signature = $6,
			last_update_slot = $7,
			updated_at = now()
		WHERE pool_id = $1
		  AND (last_update_slot IS NULL OR last_update_slot < $7)`,
		u.PoolID, u.ActiveBin, u.LastPriceQuote, u.LiquidityQuote,
		u.TVLLockedQuote, u.LastSignature, u.Slot)
	if err != nil {
		return false, errors.Wrap(err, "slot-gated pool update")
	}
	return tag.RowsAffected() > 0, nil
}

// UpdateLiquidityEventSlot bumps the latest liquidity-event watermark,
// slot-gated the same way.
func (s *Store) UpdateLiquidityEventSlot(ctx context.Context, poolID string, slot uint64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE dex_pools SET latest_liq_event_slot = $2, updated_at = now()
		WHERE pool_id = $1
		  AND (latest_liq_event_slot IS NULL OR latest_liq_event_slot < $2)`,
		poolID, slot)
	return errors.Wrap(err, "update liquidity event slot")
}

// UpdatePoolFees atomically writes the refreshed fee-vault UI balances.
func (s *Store) UpdatePoolFees(ctx context.Context, b *dex.FeeBalances) error {
	_, err := s.db.Exec(ctx, `
		UPDATE dex_pools SET
			creator_fee_ui = $2,
			holders_fee_ui = $3,
			nft_fee_ui = $4,
			updated_at = now()
		WHERE pool_id = $1`,
		b.PoolID, dex.RatFloat(b.Creator), dex.RatFloat(b.Holders), dex.RatFloat(b.NFT))
	return errors.Wrap(err, "update pool fees")
}

const poolColumns = `pool_id, program_id, base_mint, quote_mint, base_decimals, quote_decimals,
	base_vault, quote_vault, lp_mint, active_bin,
	COALESCE(last_price_quote, 0), COALESCE(liquidity_quote, 0), COALESCE(tvl_locked_quote, 0),
	COALESCE(creator_fee_ui, 0), COALESCE(holders_fee_ui, 0), COALESCE(nft_fee_ui, 0),
	last_update_slot, latest_liq_event_slot`

func scanPool(row interface{ Scan(...any) error }) (*PoolRow, error) {
	var p PoolRow
	err := row.Scan(&p.PoolID, &p.ProgramID, &p.BaseMint, &p.QuoteMint,
		&p.BaseDecimals, &p.QuoteDecimals, &p.BaseVault, &p.QuoteVault,
		&p.LPMint, &p.ActiveBin, &p.LastPriceQuote, &p.LiquidityQuote,
		&p.TVLLockedQuote, &p.CreatorFeeUI, &p.HoldersFeeUI, &p.NFTFeeUI,
		&p.LastUpdateSlot, &p.LatestLiqEventSlot)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPool fetches one persisted pool row, nil when absent.
func (s *Store) GetPool(ctx context.Context, poolID string) (*PoolRow, error) {
	row := s.db.QueryRow(ctx, `SELECT `+poolColumns+` FROM dex_pools WHERE pool_id = $1`, poolID)
	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get pool")
	}
	return p, nil
}

// ListPools returns every persisted pool.
func (s *Store) ListPools(ctx context.Context) ([]*PoolRow, error) {
	rows, err := s.db.Query(ctx, `SELECT `+poolColumns+` FROM dex_pools ORDER BY pool_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list pools")
	}
	defer rows.Close()
	var out []*PoolRow
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan pool")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
