package stake

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/mr-tron/base58"
	"go.uber.org/zap"

	"github.com/orbitlabs/orbit-indexer/internal/anchor"
	"github.com/orbitlabs/orbit-indexer/internal/persist"
)

type fakeNftStore struct {
	mu        sync.Mutex
	upserts   []*persist.NftStakeRow
	withdrawn []string
}

func (f *fakeNftStore) UpsertNftStake(_ context.Context, r *persist.NftStakeRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, r)
	return nil
}

func (f *fakeNftStore) MarkNftWithdrawn(_ context.Context, nftMint, owner string, _ uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.withdrawn = append(f.withdrawn, nftMint+"/"+owner)
	return nil
}

func encodeNftStaked(nft, owner, acct [32]byte, lockSec, unlockAt int64, pool *[32]byte) string {
	disc := anchor.EventDiscriminator("NftStaked")
	buf := append([]byte{}, disc[:]...)
	buf = append(buf, nft[:]...)
	buf = append(buf, owner[:]...)
	buf = append(buf, acct[:]...)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(lockSec))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(unlockAt))
	if pool == nil {
		buf = append(buf, 0)
	} else {
		buf = append(buf, 1)
		buf = append(buf, pool[:]...)
	}
	return "Program data: " + base64.StdEncoding.EncodeToString(buf)
}

func encodeNftUnstaked(nft, owner [32]byte) string {
	disc := anchor.EventDiscriminator("NftUnstaked")
	buf := append([]byte{}, disc[:]...)
	buf = append(buf, nft[:]...)
	buf = append(buf, owner[:]...)
	return "Program data: " + base64.StdEncoding.EncodeToString(buf)
}

func TestNftStakedUpsert(t *testing.T) {
	var nft, owner, acct, pool [32]byte
	nft[0], owner[0], acct[0], pool[0] = 1, 2, 3, 4

	store := &fakeNftStore{}
	n := NewNftIndexer(testProgram, nil, store, zap.NewNop())
	n.now = func() time.Time { return time.Unix(1700000000, 0) }

	unlockAt := int64(1700086400) // still locked at the fixed now
	n.Handle(context.Background(), "sigN1", 42,
		[]string{encodeNftStaked(nft, owner, acct, 86400, unlockAt, &pool)})

	if len(store.upserts) != 1 {
		t.Fatalf("upserts = %d, want 1", len(store.upserts))
	}
	r := store.upserts[0]
	if r.NftMint != base58.Encode(nft[:]) || r.Owner != base58.Encode(owner[:]) {
		t.Errorf("identity = %s/%s", r.NftMint, r.Owner)
	}
	if r.Status != NftStatusActive {
		t.Errorf("status = %s, want active", r.Status)
	}
	if r.LockDurationSec != 86400 || r.UnlockAtSec != unlockAt || r.Slot != 42 {
		t.Errorf("lock/unlock/slot = %d/%d/%d", r.LockDurationSec, r.UnlockAtSec, r.Slot)
	}
	if r.AssociatedPool == nil || *r.AssociatedPool != base58.Encode(pool[:]) {
		t.Errorf("pool = %v", r.AssociatedPool)
	}
}

func TestNftStakedPastUnlockIsUnlocked(t *testing.T) {
	var nft, owner, acct [32]byte
	nft[0], owner[0] = 1, 2

	store := &fakeNftStore{}
	n := NewNftIndexer(testProgram, nil, store, zap.NewNop())
	n.now = func() time.Time { return time.Unix(1700086400, 0) }

	n.Handle(context.Background(), "sigN2", 43,
		[]string{encodeNftStaked(nft, owner, acct, 86400, 1700086400, nil)})

	if len(store.upserts) != 1 || store.upserts[0].Status != NftStatusUnlocked {
		t.Fatalf("upserts = %+v", store.upserts)
	}
	if store.upserts[0].AssociatedPool != nil {
		t.Errorf("pool = %v, want nil", store.upserts[0].AssociatedPool)
	}
}

func TestNftUnstakedMarksWithdrawn(t *testing.T) {
	var nft, owner [32]byte
	nft[0], owner[0] = 7, 8

	store := &fakeNftStore{}
	n := NewNftIndexer(testProgram, nil, store, zap.NewNop())

	n.Handle(context.Background(), "sigN3", 44, []string{encodeNftUnstaked(nft, owner)})

	want := base58.Encode(nft[:]) + "/" + base58.Encode(owner[:])
	if len(store.withdrawn) != 1 || store.withdrawn[0] != want {
		t.Fatalf("withdrawn = %v, want %s", store.withdrawn, want)
	}
}

func TestNftDedupBySignature(t *testing.T) {
	var nft, owner [32]byte
	store := &fakeNftStore{}
	n := NewNftIndexer(testProgram, nil, store, zap.NewNop())

	logs := []string{encodeNftUnstaked(nft, owner)}
	n.Handle(context.Background(), "sigN4", 45, logs)
	n.Handle(context.Background(), "sigN4", 45, logs)

	if len(store.withdrawn) != 1 {
		t.Errorf("withdrawn = %d, want 1", len(store.withdrawn))
	}
}

func TestNftStatusFor(t *testing.T) {
	tests := []struct {
		name     string
		unlockAt int64
		now      int64
		want     string
	}{
		{"before unlock", 2000, 1999, NftStatusActive},
		{"at unlock", 2000, 2000, NftStatusUnlocked},
		{"after unlock", 2000, 2500, NftStatusUnlocked},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NftStatusFor(tt.unlockAt, tt.now); got != tt.want {
				t.Errorf("NftStatusFor(%d, %d) = %s, want %s", tt.unlockAt, tt.now, got, tt.want)
			}
		})
	}
}
