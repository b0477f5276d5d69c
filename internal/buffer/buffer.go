// Package buffer implements the Buffer Model (C3): computing the safety
// margin added to the trigger instant from measured variance components.
package buffer

import "math"

// N is the confidence multiplier (~97.7% one-sided) applied to the combined
// standard deviation (§4.3).
const N = 2.0

// DefaultSigmaNTPS is used when no NTP delay sample is available.
const DefaultSigmaNTPS = 0.004

// SigmaObsS is the configured standing uncertainty for the target server's
// clock drift.
const SigmaObsS = 0.004

// AsymmetryFactor is the empirical path-asymmetry heuristic multiplier.
const AsymmetryFactor = 0.15

// MinBufferS is the floor applied to the computed buffer.
const MinBufferS = 0.005

// Inputs bundles the measured quantities the Buffer Model needs.
type Inputs struct {
	// LastNTPDelayS is the round-trip delay reported by the most recent NTP
	// probe (sigma_ntp is half of it); zero means "unknown" and
	// DefaultSigmaNTPS is substituted.
	LastNTPDelayS float64
	// RecentRTTsS are up to the last 10 RTT samples used to compute sigma_rtt.
	RecentRTTsS []float64
	// RTTOneWayS is the current best calibration's one-way delay, used for
	// the asymmetry heuristic.
	RTTOneWayS float64
}

// Compute returns buffer = N * sqrt(sigma_ntp^2 + sigma_rtt^2 + sigma_obs^2 +
// sigma_asym^2), clamped to >= MinBufferS.
func Compute(in Inputs) (bufferS float64) {
	sigmaNTP := DefaultSigmaNTPS
	if in.LastNTPDelayS > 0 {
		sigmaNTP = in.LastNTPDelayS / 2
	}
	sigmaRTT := stddev(in.RecentRTTsS)
	sigmaAsym := AsymmetryFactor * in.RTTOneWayS

	variance := sigmaNTP*sigmaNTP + sigmaRTT*sigmaRTT + SigmaObsS*SigmaObsS + sigmaAsym*sigmaAsym
	bufferS = N * math.Sqrt(variance)
	if bufferS < MinBufferS {
		bufferS = MinBufferS
	}
	return
}

func stddev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	mean := sum / float64(len(xs))
	var sq float64
	for _, x := range xs {
		d := x - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(xs)))
}
