package persist

import (
	"context"

	"github.com/pkg/errors"
)

// NftStakeRow is one (nftMint, owner) staking position. Status is one of
// active, unlocked, withdrawn; active vs unlocked is purely a function of
// now >= unlock_at.
type NftStakeRow struct {
	NftMint         string
	Owner           string
	StakeAccount    string
	LockDurationSec int64
	UnlockAtSec     int64
	Status          string
	AssociatedPool  *string
	Slot            uint64
}

// UpsertNftStake writes a staking position keyed (nft_mint, owner).
func (s *Store) UpsertNftStake(ctx context.Context, r *NftStakeRow) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO nft_stakes
			(nft_mint, owner, stake_account, lock_duration_sec, unlock_at_sec, status, associated_pool, slot, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (nft_mint, owner) DO UPDATE SET
			stake_account = EXCLUDED.stake_account,
			lock_duration_sec = EXCLUDED.lock_duration_sec,
			unlock_at_sec = EXCLUDED.unlock_at_sec,
			status = EXCLUDED.status,
			associated_pool = EXCLUDED.associated_pool,
			slot = EXCLUDED.slot,
			updated_at = now()`,
		r.NftMint, r.Owner, r.StakeAccount, r.LockDurationSec, r.UnlockAtSec,
		r.Status, r.AssociatedPool, r.Slot)
	return errors.Wrap(err, "upsert nft stake")
}

// MarkNftWithdrawn transitions a position to withdrawn on unstake.
func (s *Store) MarkNftWithdrawn(ctx context.Context, nftMint, owner string, slot uint64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE nft_stakes SET status = 'withdrawn', slot = $3, updated_at = now()
		WHERE nft_mint = $1 AND owner = $2`,
		nftMint, owner, slot)
	return errors.Wrap(err, "mark nft withdrawn")
}

// NftStakesByOwner lists an owner's positions.
func (s *Store) NftStakesByOwner(ctx context.Context, owner string) ([]*NftStakeRow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT nft_mint, owner, stake_account, lock_duration_sec, unlock_at_sec, status, associated_pool, slot
		FROM nft_stakes
		WHERE owner = $1
		ORDER BY unlock_at_sec`, owner)
	if err != nil {
		return nil, errors.Wrap(err, "query nft stakes")
	}
	defer rows.Close()
	var out []*NftStakeRow
	for rows.Next() {
		var r NftStakeRow
		if err := rows.Scan(&r.NftMint, &r.Owner, &r.StakeAccount, &r.LockDurationSec,
			&r.UnlockAtSec, &r.Status, &r.AssociatedPool, &r.Slot); err != nil {
			return nil, errors.Wrap(err, "scan nft stake")
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}
