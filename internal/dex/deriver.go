package dex

import (
	"math/big"

	"github.com/orbitlabs/orbit-indexer/internal/solana"
)

// DeriveTrade computes the canonical trade for (tx, pool) from pre/post
// token-balance deltas on the pool's vaults. It needs no event decoding,
// which keeps derivation working for transactions whose logs are not yet
// decodable.
//
// Returns nil when the transaction is not a swap against this pool: a
// missing vault, a zero delta, or deltas with matching signs (liquidity
// ops and multi-leg transactions).
func DeriveTrade(tx *solana.Transaction, signature string, pool *Pool) *Trade {
	if tx == nil || tx.Meta == nil {
		return nil
	}

	keys := tx.AccountKeys()
	baseIdx, quoteIdx := -1, -1
	for i, k := range keys {
		switch k {
		case pool.BaseVault:
			baseIdx = i
		case pool.QuoteVault:
			quoteIdx = i
		}
	}
	if baseIdx < 0 || quoteIdx < 0 {
		return nil
	}

	baseDelta := vaultDelta(tx.Meta, baseIdx)
	quoteDelta := vaultDelta(tx.Meta, quoteIdx)
	if baseDelta == nil || quoteDelta == nil {
		return nil
	}

	trade := &Trade{
		Signature:     signature,
		Slot:          tx.Slot,
		BlockTime:     tx.BlockTime,
		PoolID:        pool.PoolID,
		User:          tx.FeePayer(),
		BaseMint:      pool.BaseMint,
		QuoteMint:     pool.QuoteMint,
		BaseDecimals:  pool.BaseDecimals,
		QuoteDecimals: pool.QuoteDecimals,
	}

	switch {
	case baseDelta.Sign() > 0 && quoteDelta.Sign() < 0:
		// user paid base, received quote
		trade.InMint = pool.BaseMint
		trade.OutMint = pool.QuoteMint
		trade.AmountIn = baseDelta
		trade.AmountOut = new(big.Int).Neg(quoteDelta)
	case quoteDelta.Sign() > 0 && baseDelta.Sign() < 0:
		trade.InMint = pool.QuoteMint
		trade.OutMint = pool.BaseMint
		trade.AmountIn = quoteDelta
		trade.AmountOut = new(big.Int).Neg(baseDelta)
	default:
		return nil
	}
	return trade
}

// vaultDelta returns post - pre for the vault at accountIndex as a signed
// arbitrary-precision integer, or nil when either side is absent or
// unparseable. Atoms come only from uiTokenAmount.amount.
func vaultDelta(meta *solana.TxMeta, accountIndex int) *big.Int {
	pre := tokenAmountAt(meta.PreTokenBalances, accountIndex)
	post := tokenAmountAt(meta.PostTokenBalances, accountIndex)
	if pre == nil || post == nil {
		return nil
	}
	return new(big.Int).Sub(post, pre)
}

func tokenAmountAt(balances []solana.TokenBalance, accountIndex int) *big.Int {
	for _, b := range balances {
		if b.AccountIndex != accountIndex {
			continue
		}
		amount, ok := new(big.Int).SetString(b.UITokenAmount.Amount, 10)
		if !ok {
			return nil
		}
		return amount
	}
	return nil
}
