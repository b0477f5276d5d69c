package engine

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orly-timing/regburst/internal/clockmodel"
	"github.com/orly-timing/regburst/internal/events"
	"github.com/orly-timing/regburst/internal/oracle"
	"github.com/orly-timing/regburst/internal/regclient"
)

type fakeDoer struct{}

func (fakeDoer) Do(req *http.Request) (*http.Response, error) {
	return &http.Response{StatusCode: 200, Header: http.Header{"Date": []string{time.Now().UTC().Format(http.TimeFormat)}}, Body: http.NoBody}, nil
}

type scriptedClient struct {
	rounds [][]regclient.ResultItem
	i      int
}

func (s *scriptedClient) Post(ctx context.Context, url, token string, req regclient.Request) (*regclient.Response, error) {
	if s.i >= len(s.rounds) {
		return &regclient.Response{}, nil
	}
	r := s.rounds[s.i]
	s.i++
	return &regclient.Response{ECRNResultList: r}, nil
}

func (s *scriptedClient) Head(ctx context.Context, url string) (*http.Response, error) {
	return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
}

type alwaysValid struct{}

func (alwaysValid) Validate(ctx context.Context, token string) (bool, int, error) { return true, 200, nil }

func TestEngine_HappyPathEmitsDoneAfterStateDone(t *testing.T) {
	client := &scriptedClient{rounds: [][]regclient.ResultItem{
		{}, // consumed by the engine's POST-inclusive prewarm (§4.8)
		{{CRN: "11111", StatusCode: 0}},
	}}
	bus := events.NewBus()
	sub := bus.Subscribe(64)

	cfg := Config{
		ECRNList:      []string{"11111"},
		TargetTime:    time.Now().Add(-6 * time.Second), // already past, fast-forward to burst per §9
		MaxAttempts:   3,
		RetryInterval: 5 * time.Millisecond,
		BearerToken:   "tok",
		URL:           "http://example.test",
		SentinelCRN:   "00000",
	}
	e := New(cfg, client, alwaysValid{}, oracle.New(nil, fakeDoer{}, "http://example.test"), bus)
	e.Start(context.Background())

	require.False(t, e.Running())
	require.Equal(t, clockmodel.PhaseDone, e.Phase())
	require.Equal(t, clockmodel.StatusSuccess, e.Results()["11111"].Status)

	var sawDoneState, sawDoneEvent bool
	var doneStateWasLast bool
drain:
	for {
		select {
		case ev := <-sub.C():
			if ev.Type == events.TypeState {
				sd := ev.Data.(events.StateData)
				if sd.Phase == string(clockmodel.PhaseDone) {
					sawDoneState = true
					doneStateWasLast = true
				} else {
					doneStateWasLast = false
				}
			}
			if ev.Type == events.TypeDone {
				sawDoneEvent = true
				require.True(t, sawDoneState, "done event must follow state{phase=done}")
			}
		default:
			break drain
		}
	}
	require.True(t, sawDoneState)
	require.True(t, sawDoneEvent)
	_ = doneStateWasLast
}

func TestEngine_CancelBeforeCalibrationReachesDoneWithoutRegistering(t *testing.T) {
	client := &scriptedClient{}
	bus := events.NewBus()
	cfg := Config{
		ECRNList:   []string{"11111"},
		TargetTime: time.Now().Add(30 * time.Second),
		URL:        "http://example.test",
	}
	e := New(cfg, client, alwaysValid{}, oracle.New(nil, fakeDoer{}, "http://example.test"), bus)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e.Start(ctx)
	require.Equal(t, clockmodel.PhaseDone, e.Phase())
	require.False(t, e.Running())
}
