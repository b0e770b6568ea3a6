package dex

import (
	"context"
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/solana"
)

func key(b byte) []byte {
	k := make([]byte, 32)
	k[0] = b
	return k
}

func buildPoolAccount(t *testing.T, baseDec, quoteDec byte, priceQ64 *big.Int) []byte {
	t.Helper()
	data := make([]byte, PoolAccountSize)
	off := 8
	for i, kb := range [][]byte{key(1), key(2), key(3), key(4), key(5), key(6), key(7), key(8)} {
		copy(data[off+i*32:], kb)
	}
	off += 8 * 32
	price := priceQ64.Bytes()
	for i := 0; i < len(price) && i < 16; i++ { // little-endian u128
		data[off+i] = price[len(price)-1-i]
	}
	off += 16 + 16 + 16 + 12
	binary.LittleEndian.PutUint16(data[off:], 25) // bin step bps
	off += 2
	activeBin := int32(-42)
	binary.LittleEndian.PutUint32(data[off:], uint32(activeBin))
	off += 4
	data[off] = baseDec
	data[off+1] = quoteDec
	return data
}

func TestParsePoolAccount(t *testing.T) {
	price := new(big.Int).Lsh(big.NewInt(3), 64) // 3.0 in Q64.64
	data := buildPoolAccount(t, 9, 6, price)

	pool, err := ParsePoolAccount("POOL", data)
	if err != nil {
		t.Fatalf("ParsePoolAccount: %v", err)
	}
	if pool.BaseMint != base58.Encode(key(1)) || pool.QuoteMint != base58.Encode(key(2)) {
		t.Errorf("mints = %s / %s", pool.BaseMint, pool.QuoteMint)
	}
	if pool.BaseVault != base58.Encode(key(3)) || pool.QuoteVault != base58.Encode(key(4)) {
		t.Errorf("vaults = %s / %s", pool.BaseVault, pool.QuoteVault)
	}
	if pool.NFTFeeVault != base58.Encode(key(8)) {
		t.Errorf("nft fee vault = %s", pool.NFTFeeVault)
	}
	if pool.BinStepBps != 25 {
		t.Errorf("binStepBps = %d", pool.BinStepBps)
	}
	if pool.ActiveBin != -42 {
		t.Errorf("activeBin = %d", pool.ActiveBin)
	}
	if pool.BaseDecimals != 9 || pool.QuoteDecimals != 6 {
		t.Errorf("decimals = %d/%d", pool.BaseDecimals, pool.QuoteDecimals)
	}
	if pool.PriceQ64.Cmp(price) != 0 {
		t.Errorf("priceQ64 = %s, want %s", pool.PriceQ64, price)
	}
	// 3.0 raw price with 9/6 decimals scales by 10^(9-6)
	if got := pool.PriceQuotePerBase(); got != 3000 {
		t.Errorf("PriceQuotePerBase = %v, want 3000", got)
	}
}

func TestParsePoolAccountTooShort(t *testing.T) {
	if _, err := ParsePoolAccount("P", make([]byte, 100)); err == nil {
		t.Fatal("expected error for short blob")
	}
}

func TestParseTokenAccount(t *testing.T) {
	data := make([]byte, 165)
	copy(data, key(9))
	binary.LittleEndian.PutUint64(data[64:], 123456789)

	mint, amount, err := ParseTokenAccount(data)
	if err != nil {
		t.Fatal(err)
	}
	if mint != base58.Encode(key(9)) {
		t.Errorf("mint = %s", mint)
	}
	if amount != 123456789 {
		t.Errorf("amount = %d", amount)
	}

	if _, _, err := ParseTokenAccount(make([]byte, 10)); err == nil {
		t.Error("expected error for short token account")
	}
}

type fakeFetcher struct {
	accounts map[string]*solana.AccountInfo
	calls    int
}

func (f *fakeFetcher) GetAccountInfo(_ context.Context, pk string) (*solana.AccountInfo, error) {
	f.calls++
	return f.accounts[pk], nil
}

func (f *fakeFetcher) GetMultipleAccounts(_ context.Context, pks []string) ([]*solana.AccountInfo, error) {
	f.calls++
	out := make([]*solana.AccountInfo, len(pks))
	for i, pk := range pks {
		out[i] = f.accounts[pk]
	}
	return out, nil
}

func TestReadPoolCaches(t *testing.T) {
	data := buildPoolAccount(t, 9, 6, new(big.Int).Lsh(big.NewInt(1), 64))
	f := &fakeFetcher{accounts: map[string]*solana.AccountInfo{
		"POOL": {Owner: "orbit", Data: data},
	}}
	r := NewReader(f, zap.NewNop())

	p1, err := r.ReadPool(context.Background(), "POOL")
	if err != nil {
		t.Fatal(err)
	}
	p2, err := r.ReadPool(context.Background(), "POOL")
	if err != nil {
		t.Fatal(err)
	}
	if p1 != p2 {
		t.Error("second read should hit the cache")
	}
	if f.calls != 1 {
		t.Errorf("rpc calls = %d, want 1", f.calls)
	}
}

func TestReadPoolResolvesBadDecimalsFromMints(t *testing.T) {
	data := buildPoolAccount(t, 255, 255, big.NewInt(0)) // garbage decimals
	baseMintData := make([]byte, 82)
	baseMintData[44] = 9
	quoteMintData := make([]byte, 82)
	quoteMintData[44] = 6

	f := &fakeFetcher{accounts: map[string]*solana.AccountInfo{
		"POOL":                  {Data: data},
		base58.Encode(key(1)):   {Data: baseMintData},
		base58.Encode(key(2)):   {Data: quoteMintData},
	}}
	r := NewReader(f, zap.NewNop())

	pool, err := r.ReadPool(context.Background(), "POOL")
	if err != nil {
		t.Fatal(err)
	}
	if pool.BaseDecimals != 9 || pool.QuoteDecimals != 6 {
		t.Errorf("decimals = %d/%d, want 9/6 from mints", pool.BaseDecimals, pool.QuoteDecimals)
	}
}
