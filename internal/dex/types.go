// Package dex holds the domain model of the Orbit concentrated-liquidity
// AMM: pools, derived trades, and OHLCV candles.
package dex

import (
	"math/big"
	"time"
)

// Timeframe is a fixed-length candle window.
type Timeframe struct {
	Label   string
	Seconds int64
}

// CandleTimeframes is the fixed set of candle windows.
var CandleTimeframes = []Timeframe{
	{"1m", 60},
	{"5m", 300},
	{"15m", 900},
	{"30m", 1800},
	{"1h", 3600},
	{"4h", 14400},
	{"1d", 86400},
}

// VolumeTimeframes adds the rolling 24h window used by the volume
// aggregator only.
var VolumeTimeframes = append(append([]Timeframe(nil), CandleTimeframes...), Timeframe{"24h", 86400})

// BucketStart floors a unix timestamp to the timeframe's bucket boundary.
func (tf Timeframe) BucketStart(tsSec int64) int64 {
	return tsSec / tf.Seconds * tf.Seconds
}

// Pool is the deserialized on-chain pool state plus resolved decimals.
// baseMint < quoteMint lexicographically by construction on chain.
type Pool struct {
	PoolID          string
	BaseMint        string
	QuoteMint       string
	BaseDecimals    int
	QuoteDecimals   int
	BaseVault       string
	QuoteVault      string
	LPMint          string
	CreatorFeeVault string
	HoldersFeeVault string
	NFTFeeVault     string
	BinStepBps      int
	ActiveBin       int32
	PriceQ64        *big.Int // Q64.64 fixed-point quote-per-base
	LastUpdateSlot  uint64
}

// PriceQuotePerBase converts the Q64.64 price and the mint decimals into a
// UI quote-per-base price. Serialization boundary only.
func (p *Pool) PriceQuotePerBase() float64 {
	if p.PriceQ64 == nil {
		return 0
	}
	price := new(big.Rat).SetFrac(p.PriceQ64, new(big.Int).Lsh(big.NewInt(1), 64))
	// adjust for decimal difference between base and quote atoms
	exp := p.BaseDecimals - p.QuoteDecimals
	if exp > 0 {
		price.Mul(price, new(big.Rat).SetInt(pow10(exp)))
	} else if exp < 0 {
		price.Quo(price, new(big.Rat).SetInt(pow10(-exp)))
	}
	f, _ := price.Float64()
	return f
}

// Trade is the canonical derived swap for one (signature, pool).
// Amount and mint fields are nil when derivation could not classify the
// transaction as a swap against this pool.
type Trade struct {
	Signature    string
	Slot         uint64
	BlockTime    *int64
	PoolID       string
	User         string
	InMint       string
	OutMint      string
	AmountIn     *big.Int // atoms
	AmountOut    *big.Int // atoms
	BaseDecimals int
	QuoteDecimals int
	BaseMint     string
	QuoteMint    string
}

// TimestampSec returns the trade's block time, substituting now when the
// RPC did not report one. Never zero.
func (t *Trade) TimestampSec(now func() time.Time) int64 {
	if t.BlockTime != nil && *t.BlockTime > 0 {
		return *t.BlockTime
	}
	return now().Unix()
}

// PriceAndVolume derives the quote-per-base price and quote-denominated
// volume of the trade in UI units. ok is false when the trade's mints do
// not form the pool's (base, quote) pair.
func (t *Trade) PriceAndVolume() (price, volumeQuote *big.Rat, ok bool) {
	if t.AmountIn == nil || t.AmountOut == nil || t.AmountIn.Sign() <= 0 || t.AmountOut.Sign() <= 0 {
		return nil, nil, false
	}
	baseScale := new(big.Rat).SetInt(pow10(t.BaseDecimals))
	quoteScale := new(big.Rat).SetInt(pow10(t.QuoteDecimals))

	switch {
	case t.InMint == t.BaseMint && t.OutMint == t.QuoteMint:
		baseUI := new(big.Rat).SetInt(t.AmountIn)
		baseUI.Quo(baseUI, baseScale)
		quoteUI := new(big.Rat).SetInt(t.AmountOut)
		quoteUI.Quo(quoteUI, quoteScale)
		if baseUI.Sign() == 0 {
			return nil, nil, false
		}
		return new(big.Rat).Quo(quoteUI, baseUI), quoteUI, true
	case t.InMint == t.QuoteMint && t.OutMint == t.BaseMint:
		quoteUI := new(big.Rat).SetInt(t.AmountIn)
		quoteUI.Quo(quoteUI, quoteScale)
		baseUI := new(big.Rat).SetInt(t.AmountOut)
		baseUI.Quo(baseUI, baseScale)
		if baseUI.Sign() == 0 {
			return nil, nil, false
		}
		return new(big.Rat).Quo(quoteUI, baseUI), quoteUI, true
	default:
		return nil, nil, false
	}
}

// Candle is one OHLCV bucket.
type Candle struct {
	PoolID         string
	Timeframe      string
	BucketStartSec int64
	Open           *big.Rat
	High           *big.Rat
	Low            *big.Rat
	Close          *big.Rat
	VolumeQuote    *big.Rat
	TradesCount    int64
	UpdatedAtMs    int64
}

// Clone returns a deep copy safe to hand to another goroutine.
func (c *Candle) Clone() *Candle {
	cp := *c
	cp.Open = new(big.Rat).Set(c.Open)
	cp.High = new(big.Rat).Set(c.High)
	cp.Low = new(big.Rat).Set(c.Low)
	cp.Close = new(big.Rat).Set(c.Close)
	cp.VolumeQuote = new(big.Rat).Set(c.VolumeQuote)
	return &cp
}

// FeeBalances are UI-denominated fee-vault balances for one pool.
type FeeBalances struct {
	PoolID        string
	Creator       *big.Rat
	Holders       *big.Rat
	NFT           *big.Rat
	LastRefreshMs int64
}

func pow10(n int) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// RatFloat renders a rational to float64 at the serialization boundary.
func RatFloat(r *big.Rat) float64 {
	if r == nil {
		return 0
	}
	f, _ := r.Float64()
	return f
}
