package buffer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompute_EmptyInputsUseDefaultSigmas(t *testing.T) {
	// sigma_ntp and sigma_obs default to 4ms each, so the result is
	// 2*sqrt(0.004^2+0.004^2) ~= 11.31ms, above the MinBufferS floor.
	b := Compute(Inputs{})
	require.InDelta(t, 0.0113137085, b, 1e-9)
}

func TestCompute_GrowsWithJitter(t *testing.T) {
	low := Compute(Inputs{RecentRTTsS: []float64{0.02, 0.020, 0.0201}})
	high := Compute(Inputs{RecentRTTsS: []float64{0.01, 0.08, 0.005, 0.09}})
	require.Greater(t, high, low)
}

func TestCompute_NeverNegative(t *testing.T) {
	b := Compute(Inputs{LastNTPDelayS: 0.5, RecentRTTsS: []float64{0.9}, RTTOneWayS: 1})
	require.Greater(t, b, 0.0)
}
