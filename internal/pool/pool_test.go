package pool

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orly-timing/regburst/internal/clockmodel"
)

func mustSample(t *testing.T, offset, rtt float64) clockmodel.Sample {
	t.Helper()
	s, err := clockmodel.NewSample(offset, rtt, time.Now(), clockmodel.SourceAuto)
	require.NoError(t, err)
	return s
}

func TestPool_BoundAndOrdering(t *testing.T) {
	p := New()
	for i := 0; i < Capacity+5; i++ {
		rtt := 0.1 + float64(i)*0.001
		require.True(t, p.Insert(mustSample(t, 0.002, rtt)))
	}
	require.LessOrEqual(t, p.Len(), Capacity)
	samples := p.ByRTTAscending()
	for i := 1; i < len(samples); i++ {
		require.LessOrEqual(t, samples[i-1].RTTS, samples[i].RTTS)
	}
}

func TestPool_OutlierRejected(t *testing.T) {
	p := New()
	for i := 0; i < 4; i++ {
		require.True(t, p.Insert(mustSample(t, -0.003, 0.05)))
	}
	accepted := p.Insert(mustSample(t, 0.250, 0.01))
	require.False(t, accepted)
	require.Equal(t, 4, p.Len())
	best, ok := p.Best()
	require.True(t, ok)
	require.InDelta(t, -0.003, best.ServerOffsetS, 1e-9)
}

func TestPool_BestIsLowestRTT(t *testing.T) {
	p := New()
	require.True(t, p.Insert(mustSample(t, 0.001, 0.05)))
	require.True(t, p.Insert(mustSample(t, 0.0015, 0.02)))
	require.True(t, p.Insert(mustSample(t, 0.0012, 0.09)))
	best, ok := p.Best()
	require.True(t, ok)
	require.InDelta(t, 0.0015, best.ServerOffsetS, 1e-9)
	require.InDelta(t, 0.01, best.RTTOneWayS, 1e-9)
}
