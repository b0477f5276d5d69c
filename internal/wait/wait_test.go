package wait

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orly-timing/regburst/internal/clockmodel"
	"github.com/orly-timing/regburst/internal/events"
	"github.com/orly-timing/regburst/internal/oracle"
	"github.com/orly-timing/regburst/internal/pool"
	"github.com/orly-timing/regburst/internal/regclient"
)

// fakeClock advances instantly on Sleep, and by one microsecond on every
// Now, simulating time passing without real wall-clock delay so the
// scheduler's tiered-sleep/busy-wait logic (the busy-wait only reads Now)
// can be exercised quickly in tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(time.Microsecond)
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	f.mu.Lock()
	if d < time.Microsecond {
		d = time.Microsecond
	}
	f.now = f.now.Add(d)
	f.mu.Unlock()
	return true
}

type fakeDoer struct{}

func (fakeDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{
		StatusCode: 200,
		Header:     http.Header{"Date": []string{time.Now().UTC().Format(http.TimeFormat)}},
		Body:       http.NoBody,
	}, nil
}

type noopClient struct{}

func (noopClient) Post(ctx context.Context, url, token string, req regclient.Request) (*regclient.Response, error) {
	return &regclient.Response{}, nil
}

func (noopClient) Head(ctx context.Context, url string) (*http.Response, error) {
	return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
}

func TestScheduler_Run_FiresWithinSafetyWindow(t *testing.T) {
	start := time.Date(2026, 9, 1, 13, 59, 50, 0, time.UTC)
	target := start.Add(10 * time.Second)
	fc := &fakeClock{now: start}

	p := pool.New()
	s, err := clockmodel.NewSample(0.002, 0.04, start, clockmodel.SourceInitial)
	require.NoError(t, err)
	p.Insert(s)

	sched := &Scheduler{
		Pool:        p,
		Trend:       &clockmodel.Trend{},
		Client:      noopClient{},
		URL:         "http://example.test",
		BearerToken: "tok",
		SentinelCRN: "00000",
		Bus:         events.NewBus(),
		Clock:       fc,
		Oracle:      oracle.New(nil, fakeDoer{}, "http://example.test"),
	}

	cal, _ := p.Best()
	fire, err := sched.Run(context.Background(), target, cal)
	require.NoError(t, err)
	require.False(t, fire.Before(target))
	require.False(t, fire.After(target.Add(200*time.Millisecond)))
}

func TestScheduler_Run_CancelStopsPromptly(t *testing.T) {
	start := time.Now()
	target := start.Add(30 * time.Second)
	fc := &fakeClock{now: start}
	p := pool.New()
	s, _ := clockmodel.NewSample(0, 0.02, start, clockmodel.SourceInitial)
	p.Insert(s)

	sched := &Scheduler{
		Pool: p, Trend: &clockmodel.Trend{}, Client: noopClient{},
		URL: "http://example.test", Bus: events.NewBus(), Clock: fc,
		Oracle: oracle.New(nil, fakeDoer{}, "http://example.test"),
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	cal, _ := p.Best()
	_, err := sched.Run(ctx, target, cal)
	require.Error(t, err)
}

func TestTieredSleep_Table(t *testing.T) {
	require.Equal(t, time.Second, tieredSleep(20*time.Second))
	require.Equal(t, 5*time.Millisecond, tieredSleep(2*time.Second))
	require.Equal(t, 100*time.Millisecond, tieredSleep(150*time.Millisecond))
}
