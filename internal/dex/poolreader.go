package dex

import (
	"context"
	"encoding/binary"
	"math/big"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/mr-tron/base58"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/solana"
)

// PoolAccountSize is the byte length of an Orbit pool account:
// 8 discriminator, 8 pubkeys, price u128, liquidity u128, two u64 totals,
// three u32 fee splits (microbps), u16 bin step, i32 active bin, two u8
// decimals, u8 flags.
const PoolAccountSize = 333

const (
	poolCacheTTL     = 12 * time.Second
	decimalsCacheTTL = 10 * time.Minute
	mintDecimalsOff  = 44 // decimals byte in an SPL mint account
	tokenAmountOff   = 64 // u64 amount in an SPL token account
)

// AccountFetcher is the slice of the RPC contract the pool reader needs.
type AccountFetcher interface {
	GetAccountInfo(ctx context.Context, pubkey string) (*solana.AccountInfo, error)
	GetMultipleAccounts(ctx context.Context, pubkeys []string) ([]*solana.AccountInfo, error)
}

// Reader deserializes on-chain pool state and caches per-pool views with a
// short TTL. Concurrent misses for the same pool may repeat the read;
// acceptable given the TTL.
type Reader struct {
	rpc      AccountFetcher
	pools    *lru.LRU[string, *Pool]
	decimals *lru.LRU[string, int]
	logger   *zap.Logger
}

// NewReader creates a pool reader backed by the given RPC.
func NewReader(rpc AccountFetcher, logger *zap.Logger) *Reader {
	return &Reader{
		rpc:      rpc,
		pools:    lru.NewLRU[string, *Pool](4096, nil, poolCacheTTL),
		decimals: lru.NewLRU[string, int](16384, nil, decimalsCacheTTL),
		logger:   logger.With(zap.String("component", "pool-reader")),
	}
}

// ReadPool returns the pool view, from cache or chain. Failures surface to
// the caller; the ingestion engine treats them as retry-later.
func (r *Reader) ReadPool(ctx context.Context, poolID string) (*Pool, error) {
	if p, ok := r.pools.Get(poolID); ok {
		return p, nil
	}
	info, err := r.rpc.GetAccountInfo(ctx, poolID)
	if err != nil {
		return nil, errors.Wrapf(err, "read pool %s", poolID)
	}
	if info == nil {
		return nil, errors.Errorf("pool account %s does not exist", poolID)
	}
	pool, err := ParsePoolAccount(poolID, info.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "parse pool %s", poolID)
	}
	if pool.BaseDecimals > 18 || pool.QuoteDecimals > 18 {
		// stale layouts leave garbage here; resolve from the mints instead
		dec, err := r.MintDecimals(ctx, []string{pool.BaseMint, pool.QuoteMint})
		if err != nil {
			return nil, err
		}
		pool.BaseDecimals = dec[pool.BaseMint]
		pool.QuoteDecimals = dec[pool.QuoteMint]
	}
	r.pools.Add(poolID, pool)
	return pool, nil
}

// MintDecimals resolves decimals for the given mints, batch-reading any not
// already cached.
func (r *Reader) MintDecimals(ctx context.Context, mints []string) (map[string]int, error) {
	out := make(map[string]int, len(mints))
	var missing []string
	for _, m := range mints {
		if d, ok := r.decimals.Get(m); ok {
			out[m] = d
		} else {
			missing = append(missing, m)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	infos, err := r.rpc.GetMultipleAccounts(ctx, missing)
	if err != nil {
		return nil, errors.Wrap(err, "read mints")
	}
	for i, info := range infos {
		if info == nil || len(info.Data) <= mintDecimalsOff {
			r.logger.Warn("mint account missing or short", zap.String("mint", missing[i]))
			continue
		}
		d := int(info.Data[mintDecimalsOff])
		r.decimals.Add(missing[i], d)
		out[missing[i]] = d
	}
	return out, nil
}

// ParsePoolAccount deserializes the fixed-layout pool account blob.
func ParsePoolAccount(poolID string, data []byte) (*Pool, error) {
	if len(data) < PoolAccountSize {
		return nil, errors.Errorf("pool account too short: %d bytes", len(data))
	}
	off := 8 // skip discriminator
	readKey := func() string {
		k := base58.Encode(data[off : off+32])
		off += 32
		return k
	}
	p := &Pool{PoolID: poolID}
	p.BaseMint = readKey()
	p.QuoteMint = readKey()
	p.BaseVault = readKey()
	p.QuoteVault = readKey()
	p.LPMint = readKey()
	p.CreatorFeeVault = readKey()
	p.HoldersFeeVault = readKey()
	p.NFTFeeVault = readKey()

	p.PriceQ64 = readU128LE(data[off : off+16])
	off += 16
	off += 16 // liquidity u128, read on demand by the derived-state path
	off += 16 // lifetime deposit totals
	off += 12 // creator/holders/nft fee splits (microbps)
	p.BinStepBps = int(binary.LittleEndian.Uint16(data[off : off+2]))
	off += 2
	p.ActiveBin = int32(binary.LittleEndian.Uint32(data[off : off+4]))
	off += 4
	p.BaseDecimals = int(data[off])
	p.QuoteDecimals = int(data[off+1])
	return p, nil
}

// ParseTokenAccount pulls (mint, amount) out of a raw SPL token account.
func ParseTokenAccount(data []byte) (mint string, amount uint64, err error) {
	if len(data) < tokenAmountOff+8 {
		return "", 0, errors.Errorf("token account too short: %d bytes", len(data))
	}
	return base58.Encode(data[:32]), binary.LittleEndian.Uint64(data[tokenAmountOff : tokenAmountOff+8]), nil
}

func readU128LE(b []byte) *big.Int {
	rev := make([]byte, 16)
	for i := 0; i < 16; i++ {
		rev[i] = b[15-i]
	}
	return new(big.Int).SetBytes(rev)
}
