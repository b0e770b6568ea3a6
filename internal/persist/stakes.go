package persist

import (
	"context"
	"math/big"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// ErrDuplicateStakeEvent marks a replayed (vault, signature, owner) audit
// row. Callers apply the state mutation anyway: the in-memory dedup has
// already accepted the signature.
var ErrDuplicateStakeEvent = errors.New("persist: duplicate stake event")

// VaultRow is a token-vault staking configuration row.
type VaultRow struct {
	VaultID      string
	TokenMint    string
	ScanAddress  string
	StakeProgram string
	Decimals     int
}

// UpsertVault registers a vault's identity and refreshes its config fields.
func (s *Store) UpsertVault(ctx context.Context, v *VaultRow) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO streamflow_vaults (vault_id, token_mint, scan_address, stake_program, decimals, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (vault_id) DO UPDATE SET
			token_mint = EXCLUDED.token_mint,
			scan_address = EXCLUDED.scan_address,
			stake_program = EXCLUDED.stake_program,
			decimals = EXCLUDED.decimals,
			updated_at = now()`,
		v.VaultID, v.TokenMint, v.ScanAddress, v.StakeProgram, v.Decimals)
	return errors.Wrap(err, "upsert vault")
}

// LoadStakes hydrates the per-owner balances snapshot for a vault.
func (s *Store) LoadStakes(ctx context.Context, vaultID string) (map[string]*big.Int, error) {
	rows, err := s.db.Query(ctx,
		`SELECT owner, staked_raw FROM streamflow_stakes WHERE vault_id = $1`, vaultID)
	if err != nil {
		return nil, errors.Wrap(err, "load stakes")
	}
	defer rows.Close()

	out := make(map[string]*big.Int)
	for rows.Next() {
		var owner, raw string
		if err := rows.Scan(&owner, &raw); err != nil {
			return nil, errors.Wrap(err, "scan stake")
		}
		v, ok := new(big.Int).SetString(raw, 10)
		if !ok || v.Sign() <= 0 {
			continue // never resurrect zero/negative balances
		}
		out[owner] = v
	}
	return out, rows.Err()
}

// ApplyStakeFlush writes a vault's dirty owners in one transaction-shaped
// batch: upserts for positive balances, deletes for zeroed owners, then the
// vault totals after the per-owner writes.
func (s *Store) ApplyStakeFlush(ctx context.Context, vaultID string, upserts map[string]*big.Int, deletes []string, holders int, total *big.Int) error {
	batch := &pgx.Batch{}
	for owner, balance := range upserts {
		batch.Queue(`
			INSERT INTO streamflow_stakes (vault_id, owner, staked_raw, updated_at)
			VALUES ($1, $2, $3, now())
			ON CONFLICT (vault_id, owner) DO UPDATE SET
				staked_raw = EXCLUDED.staked_raw,
				updated_at = now()`,
			vaultID, owner, balance.String())
	}
	for _, owner := range deletes {
		batch.Queue(`DELETE FROM streamflow_stakes WHERE vault_id = $1 AND owner = $2`, vaultID, owner)
	}
	batch.Queue(`
		UPDATE streamflow_vaults SET holders_count = $2, total_staked_raw = $3, updated_at = now()
		WHERE vault_id = $1`,
		vaultID, holders, total.String())

	results := s.db.SendBatch(ctx, batch)
	defer results.Close()
	for i := 0; i < len(upserts)+len(deletes)+1; i++ {
		if _, err := results.Exec(); err != nil {
			return errors.Wrap(err, "stake flush batch")
		}
	}
	return nil
}

// StakeEventRow is one audit-trail row for a vault balance change.
type StakeEventRow struct {
	VaultID         string
	Signature       string
	Owner           string
	Slot            uint64
	BlockTime       *int64
	Kind            string // "stake" | "unstake"
	DeltaRaw        string // positive atoms staked (negative for unstake)
	BalanceAfterRaw string
}

// InsertStakeEvent appends one audit row; replays return
// ErrDuplicateStakeEvent.
func (s *Store) InsertStakeEvent(ctx context.Context, e *StakeEventRow) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO streamflow_events
			(vault_id, signature, owner, slot, block_time, kind, delta_raw, balance_after_raw)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.VaultID, e.Signature, e.Owner, e.Slot, e.BlockTime, e.Kind, e.DeltaRaw, e.BalanceAfterRaw)
	if isUniqueViolation(err) {
		return ErrDuplicateStakeEvent
	}
	return errors.Wrap(err, "insert stake event")
}

// StakeEventSignatures returns every signature already recorded for the
// vault, for seeding the in-memory dedup set on boot.
func (s *Store) StakeEventSignatures(ctx context.Context, vaultID string) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT DISTINCT signature FROM streamflow_events WHERE vault_id = $1`, vaultID)
	if err != nil {
		return nil, errors.Wrap(err, "query stake signatures")
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			return nil, errors.Wrap(err, "scan signature")
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

// LastStakeEventSlot returns the recovery watermark: the highest slot with
// a persisted audit row for the vault.
func (s *Store) LastStakeEventSlot(ctx context.Context, vaultID string) (uint64, bool, error) {
	var slot *uint64
	err := s.db.QueryRow(ctx,
		`SELECT MAX(slot) FROM streamflow_events WHERE vault_id = $1`, vaultID).Scan(&slot)
	if err != nil {
		return 0, false, errors.Wrap(err, "query watermark")
	}
	if slot == nil {
		return 0, false, nil
	}
	return *slot, true, nil
}

// StakeBalance is one (owner, balance) pair for read endpoints.
type StakeBalance struct {
	Owner     string
	StakedRaw string
}

// ListStakes returns a vault's holders ordered by balance descending.
func (s *Store) ListStakes(ctx context.Context, vaultID string, limit int) ([]*StakeBalance, error) {
	rows, err := s.db.Query(ctx, `
		SELECT owner, staked_raw FROM streamflow_stakes
		WHERE vault_id = $1
		ORDER BY staked_raw::numeric DESC
		LIMIT $2`, vaultID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list stakes")
	}
	defer rows.Close()
	var out []*StakeBalance
	for rows.Next() {
		var b StakeBalance
		if err := rows.Scan(&b.Owner, &b.StakedRaw); err != nil {
			return nil, errors.Wrap(err, "scan stake balance")
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
