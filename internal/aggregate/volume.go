package aggregate

import (
	"math/big"
	"sync"
	"time"

	"github.com/orbitlabs/orbit-indexer/internal/dex"
)

// volume windows are accumulated in minute-grain sub-buckets; a window sum
// walks only the sub-buckets inside the window.
const volumeGrainSec = 60

type volumeSeries struct {
	buckets map[int64]*big.Rat // grain start -> quote volume
}

// VolumeAggregator maintains rolling per-timeframe quote-volume windows per
// pool. Safe for one writer (the ingest notification path) and many readers.
type VolumeAggregator struct {
	mu     sync.RWMutex
	series map[string]*volumeSeries
	now    func() time.Time
}

// NewVolumeAggregator creates an empty aggregator.
func NewVolumeAggregator() *VolumeAggregator {
	return &VolumeAggregator{
		series: make(map[string]*volumeSeries),
		now:    time.Now,
	}
}

// Apply adds a trade's quote volume into its pool's series.
func (v *VolumeAggregator) Apply(trade *dex.Trade) {
	_, volume, ok := trade.PriceAndVolume()
	if !ok {
		return
	}
	tsSec := trade.TimestampSec(v.now)
	grain := tsSec / volumeGrainSec * volumeGrainSec

	v.mu.Lock()
	defer v.mu.Unlock()
	s := v.series[trade.PoolID]
	if s == nil {
		s = &volumeSeries{buckets: make(map[int64]*big.Rat)}
		v.series[trade.PoolID] = s
	}
	if acc := s.buckets[grain]; acc != nil {
		acc.Add(acc, volume)
	} else {
		s.buckets[grain] = new(big.Rat).Set(volume)
	}
}

// Window returns the summed quote volume over the most recent tfSec seconds.
func (v *VolumeAggregator) Window(poolID string, tfSec int64) *big.Rat {
	cutoff := v.now().Unix() - tfSec

	v.mu.RLock()
	defer v.mu.RUnlock()
	sum := new(big.Rat)
	s := v.series[poolID]
	if s == nil {
		return sum
	}
	for grain, acc := range s.buckets {
		if grain+volumeGrainSec > cutoff {
			sum.Add(sum, acc)
		}
	}
	return sum
}

// Windows returns all configured volume windows for a pool, labeled.
func (v *VolumeAggregator) Windows(poolID string) map[string]*big.Rat {
	out := make(map[string]*big.Rat, len(dex.VolumeTimeframes))
	for _, tf := range dex.VolumeTimeframes {
		out[tf.Label] = v.Window(poolID, tf.Seconds)
	}
	return out
}

// Prune drops sub-buckets older than the widest window. Called on a timer.
func (v *VolumeAggregator) Prune() {
	var widest int64
	for _, tf := range dex.VolumeTimeframes {
		if tf.Seconds > widest {
			widest = tf.Seconds
		}
	}
	cutoff := v.now().Unix() - widest - volumeGrainSec

	v.mu.Lock()
	defer v.mu.Unlock()
	for _, s := range v.series {
		for grain := range s.buckets {
			if grain < cutoff {
				delete(s.buckets, grain)
			}
		}
	}
}
