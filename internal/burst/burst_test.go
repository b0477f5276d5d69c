package burst

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orly-timing/regburst/internal/clockmodel"
	"github.com/orly-timing/regburst/internal/events"
	"github.com/orly-timing/regburst/internal/regclient"
)

type scriptedClient struct {
	rounds [][]regclient.ResultItem
	errs   []error
	calls  int
}

func (s *scriptedClient) Post(ctx context.Context, url, token string, req regclient.Request) (*regclient.Response, error) {
	i := s.calls
	s.calls++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i >= len(s.rounds) {
		return &regclient.Response{}, nil
	}
	return &regclient.Response{ECRNResultList: s.rounds[i]}, nil
}

func (s *scriptedClient) Head(ctx context.Context, url string) (*http.Response, error) {
	return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
}

func TestRun_S1HappyPath(t *testing.T) {
	client := &scriptedClient{
		rounds: [][]regclient.ResultItem{
			{{CRN: "11111", StatusCode: 1, ResultCode: "VAL02"}, {CRN: "22222", StatusCode: 1, ResultCode: "VAL02"}},
			{{CRN: "11111", StatusCode: 0}, {CRN: "22222", StatusCode: 0}},
		},
		errs: make([]error, 2),
	}
	ws := NewWorkingSet([]string{"11111", "22222"}, nil)
	results := NewResults()
	bus := events.NewBus()

	err := Run(context.Background(), client, ws, results, Config{MaxAttempts: 4, RetryInterval: 5 * time.Millisecond}, bus)
	require.NoError(t, err)
	snap := results.Snapshot()
	require.Equal(t, clockmodel.StatusSuccess, snap["11111"].Status)
	require.Equal(t, clockmodel.StatusSuccess, snap["22222"].Status)
	require.LessOrEqual(t, client.calls, 3)
}

func TestRun_S2CapacityFull(t *testing.T) {
	client := &scriptedClient{
		rounds: [][]regclient.ResultItem{
			{{CRN: "12345", StatusCode: 1, ResultCode: "VAL06"}, {CRN: "67890", StatusCode: 1, ResultCode: "VAL03"}},
		},
	}
	ws := NewWorkingSet([]string{"12345", "67890"}, nil)
	results := NewResults()
	bus := events.NewBus()

	err := Run(context.Background(), client, ws, results, Config{MaxAttempts: 4, RetryInterval: 5 * time.Millisecond}, bus)
	require.NoError(t, err)
	snap := results.Snapshot()
	require.Equal(t, clockmodel.StatusFull, snap["12345"].Status)
	require.Equal(t, clockmodel.StatusAlready, snap["67890"].Status)
	require.Equal(t, 1, client.calls)
}

func TestRun_S4RateLimit(t *testing.T) {
	client := &scriptedClient{
		rounds: [][]regclient.ResultItem{
			{{CRN: "11111", StatusCode: 1, ResultCode: "VAL02"}},
			nil,
			{{CRN: "11111", StatusCode: 0}},
		},
		errs: []error{nil, &regclient.StatusError{StatusCode: 429, RetryAfter: 10 * time.Millisecond}, nil},
	}
	ws := NewWorkingSet([]string{"11111"}, nil)
	results := NewResults()
	bus := events.NewBus()

	start := time.Now()
	err := Run(context.Background(), client, ws, results, Config{MaxAttempts: 5, RetryInterval: 5 * time.Millisecond}, bus)
	require.NoError(t, err)
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	require.Equal(t, clockmodel.StatusSuccess, results.Snapshot()["11111"].Status)
}

func TestRun_TokenInvalidIsFatal(t *testing.T) {
	client := &scriptedClient{
		errs: []error{&regclient.StatusError{StatusCode: 401}},
	}
	ws := NewWorkingSet([]string{"11111"}, nil)
	results := NewResults()
	bus := events.NewBus()

	err := Run(context.Background(), client, ws, results, Config{MaxAttempts: 5}, bus)
	require.ErrorIs(t, err, ErrTokenInvalid)
}

func TestResults_MonotonicTerminal(t *testing.T) {
	r := NewResults()
	r.Apply(clockmodel.CRNResult{CRN: "1", Status: clockmodel.StatusSuccess})
	r.Apply(clockmodel.CRNResult{CRN: "1", Status: clockmodel.StatusDebounce})
	require.Equal(t, clockmodel.StatusSuccess, r.Snapshot()["1"].Status)
}
