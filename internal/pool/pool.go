// Package pool implements the Sample Pool (C2): a bounded, RTT-ordered
// container of clock calibration samples with outlier rejection.
package pool

import (
	"math"
	"sort"
	"sync"

	"lol.mleku.dev/log"

	"github.com/orly-timing/regburst/internal/clockmodel"
)

// Capacity is the maximum number of samples retained in the pool (§3).
const Capacity = 20

// OutlierThresholdS is the maximum offset delta (seconds) from the current
// best offset a candidate may have before it is rejected (§4.2).
const OutlierThresholdS = 0.200

// Pool is a bounded set of calibration samples, kept in two views: one
// sorted by RTT ascending (used by Best), and an insertion-ordered view
// capped at the same capacity (used by RecentRTTs). The offset trend is kept
// separately in clockmodel.Trend.
type Pool struct {
	mu        sync.Mutex
	byRTT     []clockmodel.Sample
	byInsert  []clockmodel.Sample
}

// New constructs an empty Pool.
func New() *Pool {
	return &Pool{}
}

// Insert applies the insertion policy from §4.2: reject a candidate whose
// offset differs from the current best offset by more than
// OutlierThresholdS; otherwise append to both views and trim to Capacity.
// Returns false when the sample was rejected as an outlier.
func (p *Pool) Insert(s clockmodel.Sample) (accepted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.byRTT) > 0 {
		best := p.bestLocked()
		if math.Abs(s.OffsetS-best.OffsetS) > OutlierThresholdS {
			log.T.F(
				"pool: rejecting outlier sample offset=%.3fs best=%.3fs delta>%.0fms",
				s.OffsetS, best.OffsetS, OutlierThresholdS*1000,
			)
			return false
		}
	}

	p.byRTT = append(p.byRTT, s)
	p.byInsert = append(p.byInsert, s)

	if len(p.byRTT) > Capacity {
		sort.Slice(p.byRTT, func(i, j int) bool { return p.byRTT[i].RTTS < p.byRTT[j].RTTS })
		p.byRTT = p.byRTT[:Capacity]
	} else {
		sort.Slice(p.byRTT, func(i, j int) bool { return p.byRTT[i].RTTS < p.byRTT[j].RTTS })
	}
	if len(p.byInsert) > Capacity {
		p.byInsert = p.byInsert[len(p.byInsert)-Capacity:]
	}
	return true
}

// bestLocked returns the lowest-RTT sample; caller must hold p.mu.
func (p *Pool) bestLocked() clockmodel.Sample {
	return p.byRTT[0]
}

// Best returns the sample with the smallest RTT, promoted to a full
// Calibration record (rtt_one_way = rtt/2), and whether the pool is
// non-empty.
func (p *Pool) Best() (cal clockmodel.Calibration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.byRTT) == 0 {
		return clockmodel.Calibration{}, false
	}
	s := p.byRTT[0]
	return clockmodel.Calibration{
		ServerOffsetS:        s.OffsetS,
		RTTOneWayS:           s.RTTS / 2,
		NTPOffsetS:           s.NTPOffsetS,
		ObsClockUncertaintyS: s.AccuracyS,
		Source:               s.Source,
	}, true
}

// Len reports the current number of samples held (by-RTT view).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byRTT)
}

// ByRTTAscending returns a defensive copy of the RTT-sorted view, smallest
// RTT first.
func (p *Pool) ByRTTAscending() []clockmodel.Sample {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]clockmodel.Sample, len(p.byRTT))
	copy(out, p.byRTT)
	return out
}

// RecentRTTs returns up to n of the most recently inserted RTT values, used
// by the Buffer Model (C3) to compute sigma_rtt.
func (p *Pool) RecentRTTs(n int) []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	start := len(p.byInsert) - n
	if start < 0 {
		start = 0
	}
	out := make([]float64, 0, len(p.byInsert)-start)
	for _, s := range p.byInsert[start:] {
		out = append(out, s.RTTS)
	}
	return out
}
