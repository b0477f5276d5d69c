package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orly-timing/regburst/internal/clockmodel"
)

func TestPlan_AlwaysWithinSafetyClamp(t *testing.T) {
	target := time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC)
	cases := []clockmodel.Calibration{
		{ServerOffsetS: 0},
		{ServerOffsetS: 5, RTTOneWayS: 0.3},
		{ServerOffsetS: -5, RTTOneWayS: 0},
		{ServerOffsetS: 0.01, RTTOneWayS: 0.01, ObsClockOffsetS: 0.02},
	}
	for _, c := range cases {
		for _, buf := range []float64{0, 0.005, 0.05, 1} {
			fire := Plan(target, c, buf, nil)
			require.False(t, fire.Before(target.Add(FloorS*time.Second)), "case %+v buf=%v fired too early: %v", c, buf, fire)
			require.False(t, fire.After(target.Add(CeilS*time.Second)), "case %+v buf=%v fired too late: %v", c, buf, fire)
		}
	}
}

func TestPlan_UsesTrendExtrapolation(t *testing.T) {
	target := time.Date(2026, 9, 1, 14, 0, 0, 0, time.UTC)
	var tr clockmodel.Trend
	tr.Add(clockmodel.TrendPoint{T: target.Add(-20 * time.Second), Offset: 0.001})
	tr.Add(clockmodel.TrendPoint{T: target.Add(-10 * time.Second), Offset: 0.002})
	cal := clockmodel.Calibration{ServerOffsetS: 999} // should be overridden by the trend
	fire := Plan(target, cal, MinBufferForTest, &tr)
	require.False(t, fire.Before(target.Add(FloorS*time.Second)))
	require.False(t, fire.After(target.Add(CeilS*time.Second)))
}

const MinBufferForTest = 0.01
