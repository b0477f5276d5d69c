// Package trigger implements the Trigger Planner (C4): combining a target
// instant, best calibration, and safety buffer into a clamped firing
// instant.
package trigger

import (
	"time"

	"github.com/orly-timing/regburst/internal/clockmodel"
)

// FloorS and CeilS are the hard safety clamp bounds relative to T (§4.4).
const (
	FloorS = 0.005
	CeilS  = 0.200
)

// Plan computes fire_local = T + server_offset - rtt_one_way - obs_clock_offset + buffer,
// then clamps it to [T+FloorS, T+CeilS]. When trend has >= 2 points, the
// server_offset term is replaced by the trend's linear extrapolation at T
// before the clamp is applied.
func Plan(target time.Time, cal clockmodel.Calibration, bufferS float64, trend *clockmodel.Trend) (fireLocal time.Time) {
	serverOffset := cal.ServerOffsetS
	if trend != nil {
		if extrapolated, ok := trend.ExtrapolateAt(target); ok {
			serverOffset = extrapolated
		}
	}

	offset := serverOffset - cal.RTTOneWayS - cal.ObsClockOffsetS + bufferS
	fireLocal = target.Add(time.Duration(offset * float64(time.Second)))

	floor := target.Add(time.Duration(FloorS * float64(time.Second)))
	ceil := target.Add(time.Duration(CeilS * float64(time.Second)))
	if fireLocal.Before(floor) {
		fireLocal = floor
	}
	if fireLocal.After(ceil) {
		fireLocal = ceil
	}
	return
}
