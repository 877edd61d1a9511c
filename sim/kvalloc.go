// KV tile allocator: maps a request's sequence length to a number of
// PIM-internal tiles and places the request on a DRAM channel, either
// load-balanced on estimated attention latency or round-robin.

package sim

import (
	"errors"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/jgiriboy/NeuPIMs/sim/internal/util"
)

// ErrNoCapacity is returned when no channel can hold a request's KV cache.
// The condition is recoverable: the request stays pending and is retried on
// the next scheduling pass.
var ErrNoCapacity = errors.New("no available PIM tiles for this request")

// KVTileAllocator owns the per-channel tile pools and the per-channel
// accumulated attention-latency estimates used by the load-balancing policy.
type KVTileAllocator struct {
	cfg SimConfig
	d   Derived

	availableTiles []int
	accumLatency   []int
	totalAvailable int
	nextCh         int
}

// NewKVTileAllocator splits the total tile budget evenly across channels.
func NewKVTileAllocator(cfg SimConfig, d Derived) *KVTileAllocator {
	a := &KVTileAllocator{
		cfg:            cfg,
		d:              d,
		availableTiles: make([]int, cfg.DRAMChannels),
		accumLatency:   make([]int, cfg.DRAMChannels),
		totalAvailable: d.TilesPerChannel * cfg.DRAMChannels,
	}
	for ch := range a.availableTiles {
		a.availableTiles[ch] = d.TilesPerChannel
	}
	logrus.Infof("Total PIM tiles: %d", d.TotalTiles)
	logrus.Infof("Tiles per channel: %d", d.TilesPerChannel)
	return a
}

// TilesFor returns the number of PIM tiles a KV cache of the given sequence
// length occupies: key pages striped over banks plus value pages striped over
// page elements.
func (a *KVTileAllocator) TilesFor(seqLen int) int {
	keyTiles := util.CeilDiv(seqLen, a.d.KeyPeriod) * a.d.KeyPageSize
	valueTiles := util.CeilDiv(seqLen, a.d.ValuePeriod) * a.d.ValuePageSize
	return keyTiles + valueTiles
}

// Allocate picks a channel for a request with the given sequence length and
// reserves its tiles. Returns the channel, the tile count reserved, and
// ErrNoCapacity when no channel fits.
func (a *KVTileAllocator) Allocate(seqLen int) (int, int, error) {
	need := a.TilesFor(seqLen)

	if a.cfg.ChLoadBalancing {
		// Greedy: the laziest channel (min accumulated latency) that fits.
		ch := -1
		minLatency := math.MaxInt
		for i := 0; i < a.cfg.DRAMChannels; i++ {
			if a.availableTiles[i] < need {
				continue
			}
			if a.accumLatency[i] < minLatency {
				minLatency = a.accumLatency[i]
				ch = i
			}
		}
		if ch == -1 {
			logrus.Infof("No available tiles for this request (need %d)", need)
			return -1, 0, ErrNoCapacity
		}
		a.take(ch, need)
		return ch, need, nil
	}

	// Round-robin: probe channels starting at nextCh, one full lap at most.
	for trial := 0; trial < a.cfg.DRAMChannels; trial++ {
		ch := a.nextCh % a.cfg.DRAMChannels
		a.nextCh++
		if a.availableTiles[ch] >= need {
			a.take(ch, need)
			return ch, need, nil
		}
	}
	logrus.Infof("No available tiles for this request (need %d)", need)
	return -1, 0, ErrNoCapacity
}

func (a *KVTileAllocator) take(ch, need int) {
	a.availableTiles[ch] -= need
	a.totalAvailable -= need
	if a.availableTiles[ch] < 0 || a.totalAvailable < 0 {
		panic("KVTileAllocator: tile accounting underflow")
	}
}

// Free returns a completed request's tiles to its channel.
func (a *KVTileAllocator) Free(ch, tiles int) {
	a.availableTiles[ch] += tiles
	a.totalAvailable += tiles
	if a.availableTiles[ch] > a.d.TilesPerChannel {
		panic("KVTileAllocator: freed more tiles than the channel holds")
	}
}

// AddLatency accumulates a request's estimated attention latency onto its
// channel; SubLatency reverses it when the request completes.
func (a *KVTileAllocator) AddLatency(ch, latency int) { a.accumLatency[ch] += latency }

// SubLatency removes a completed request's latency estimate from its channel.
func (a *KVTileAllocator) SubLatency(ch, latency int) {
	a.accumLatency[ch] -= latency
	if a.accumLatency[ch] < 0 {
		panic("KVTileAllocator: accumulated latency underflow")
	}
}

// EstimateMHALatency estimates one decode step of multi-head attention
// against a cached sequence of the given length, in PIM command latencies.
func (a *KVTileAllocator) EstimateMHALatency(seqLen int) int {
	latency := 0

	// key x query
	chunks := util.CeilDiv(a.d.EffectiveE, a.d.PageSizeElems)
	tiles := util.CeilDiv(seqLen, a.cfg.DRAMBanksPerCh)
	latency += chunks * gwriteLatency
	latency += chunks * tiles * gemvLatency

	// logit x value
	chunks = util.CeilDiv(seqLen, a.d.PageSizeElems) * a.d.NH
	tiles = util.CeilDiv(a.d.DK, a.cfg.DRAMBanksPerCh)
	latency += chunks * gwriteLatency
	latency += chunks * tiles * gemvLatency

	return latency
}

// AvailableTiles returns the free tile count of a channel.
func (a *KVTileAllocator) AvailableTiles(ch int) int { return a.availableTiles[ch] }

// TotalAvailable returns the free tile count across all channels.
func (a *KVTileAllocator) TotalAvailable() int { return a.totalAvailable }

// AccumLatency returns the accumulated latency estimate of a channel.
func (a *KVTileAllocator) AccumLatency(ch int) int { return a.accumLatency[ch] }
