// Package wait implements the Wait Scheduler (C5): the cooperative state
// machine between "calibration done" and "fire", covering prewarm,
// periodic and final recalibration, connection keep-alive, last-second RTT
// micro-correction, tiered sleep, and the final busy-wait.
package wait

import (
	"context"
	"time"

	"lol.mleku.dev/log"

	"github.com/orly-timing/regburst/internal/buffer"
	"github.com/orly-timing/regburst/internal/clockmodel"
	"github.com/orly-timing/regburst/internal/events"
	"github.com/orly-timing/regburst/internal/oracle"
	"github.com/orly-timing/regburst/internal/pool"
	"github.com/orly-timing/regburst/internal/regclient"
	"github.com/orly-timing/regburst/internal/trigger"
)

// tickMinSleep is what tieredSleep returns when 50ms or less remains; Run
// hands that range to busyWait before sleeping, so it is a fallback only.
const tickMinSleep = 1 * time.Millisecond

// Clock abstracts wall-clock reads and cancellable sleeps so the state
// machine can be driven deterministically in tests.
type Clock interface {
	Now() time.Time
	// Sleep blocks for d or returns early with false if ctx is cancelled.
	Sleep(ctx context.Context, d time.Duration) bool
}

// RealClock is the production Clock, backed by time.Now/time.Sleep via a
// cancellable timer.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// Scheduler runs the state machine described in §4.5.
type Scheduler struct {
	Oracle      *oracle.Oracle
	Pool        *pool.Pool
	Trend       *clockmodel.Trend
	Client      regclient.Client
	URL         string
	BearerToken string
	SentinelCRN string
	Bus         *events.Bus
	Clock       Clock

	// CalibrationSource is not read by Run: calibration events from the
	// periodic and final recalibrations carry SourceAuto and SourceFinal.
	CalibrationSource clockmodel.Source
}

// New constructs a Scheduler whose Clock is RealClock; all other fields are
// left for the caller to set.
func New() *Scheduler {
	return &Scheduler{Clock: RealClock{}}
}

// state holds the per-run flags named in §4.5.
type state struct {
	prewarm2       bool
	keepalive10s   bool
	keepalive5s    bool
	keepalive35s   bool
	finalCalDone   bool
	probeDone      bool
	lastRecalTime  time.Time
	recalCount     int
}

// Run drives the scheduler until the target instant's computed fire_local
// is reached or ctx is cancelled, returning the final firing instant. It
// computes fire_local from the Pool/Trend/buffer state at entry and again
// after each periodic and final recalibration; the last-second probe may
// shift it once more (§4.4/§4.5).
func (s *Scheduler) Run(ctx context.Context, target time.Time, initialCal clockmodel.Calibration) (fireLocal time.Time, err error) {
	st := &state{lastRecalTime: s.Clock.Now()}
	cal := initialCal

	recompute := func() time.Time {
		buf := buffer.Compute(buffer.Inputs{
			RecentRTTsS: s.Pool.RecentRTTs(10),
			RTTOneWayS:  cal.RTTOneWayS,
		})
		if best, ok := s.Pool.Best(); ok {
			cal = best
		}
		return trigger.Plan(target, cal, buf, s.Trend)
	}

	fireLocal = recompute()

	for {
		select {
		case <-ctx.Done():
			return fireLocal, ctx.Err()
		default:
		}

		now := s.Clock.Now()
		remaining := fireLocal.Sub(now)
		s.Bus.Publish(events.TypeCountdown, events.CountdownData{TriggerTime: fireLocal, Remaining: remaining})

		if remaining <= 0 {
			return fireLocal, nil
		}

		// Periodic quick recal (§4.5 step 2).
		if remaining > 25*time.Second && now.Sub(st.lastRecalTime) >= 30*time.Second {
			s.quickRecal(ctx, target)
			fireLocal = recompute()
			st.lastRecalTime = now
			st.recalCount++
			remaining = fireLocal.Sub(now)
		}

		// Final full recal (§4.5 step 3).
		if !st.finalCalDone && remaining > 10*time.Second && remaining <= 20*time.Second {
			s.fullRecal(ctx, target)
			fireLocal = recompute()
			s.prewarmHead(ctx)
			st.finalCalDone = true
			remaining = fireLocal.Sub(now)
		}

		// Connection keep-alive (§4.5 step 4).
		if !st.keepalive10s && remaining <= 10*time.Second && remaining > 9*time.Second {
			s.keepAlivePost(ctx)
			st.keepalive10s = true
		}
		if !st.keepalive5s && remaining <= 5*time.Second && remaining > 4*time.Second {
			s.keepAlivePost(ctx)
			st.keepalive5s = true
		}
		if !st.keepalive35s && remaining <= 3500*time.Millisecond && remaining > 3*time.Second {
			s.keepAlivePost(ctx)
			st.keepalive35s = true
		}

		// Last-second probe (§4.5 step 5).
		if !st.probeDone && remaining > 1500*time.Millisecond && remaining <= 2500*time.Millisecond {
			if shift, ok := s.lastSecondProbe(ctx); ok {
				fireLocal = fireLocal.Add(-shift)
				fireLocal = clampSafety(fireLocal, target)
			}
			st.probeDone = true
			remaining = fireLocal.Sub(now)
		}

		// Busy-wait (§4.5 step 7).
		if remaining <= 50*time.Millisecond {
			s.busyWait(ctx, fireLocal)
			return fireLocal, nil
		}

		// Tiered sleep (§4.5 step 6).
		sleepFor := tieredSleep(remaining)
		if !s.Clock.Sleep(ctx, sleepFor) {
			return fireLocal, ctx.Err()
		}
	}
}

// tieredSleep implements the table in §4.5 step 6.
func tieredSleep(remaining time.Duration) time.Duration {
	switch {
	case remaining > 5*time.Second:
		d := remaining - 5*time.Second
		if d > time.Second {
			d = time.Second
		}
		return d
	case remaining > 500*time.Millisecond:
		return 5 * time.Millisecond
	case remaining > 50*time.Millisecond:
		return remaining - 50*time.Millisecond
	default:
		return tickMinSleep
	}
}

func clampSafety(fireLocal, target time.Time) time.Time {
	floor := target.Add(trigger.FloorS * time.Second)
	ceil := target.Add(trigger.CeilS * time.Second)
	if fireLocal.Before(floor) {
		return floor
	}
	if fireLocal.After(ceil) {
		return ceil
	}
	return fireLocal
}

func (s *Scheduler) quickRecal(ctx context.Context, target time.Time) {
	res, err := s.Oracle.ProbeNTP(ctx)
	if err != nil {
		log.W.F("wait: periodic recal NTP probe failed: %v", err)
		return
	}
	sample, sErr := clockmodel.NewSample(res.OffsetS, res.DelayS, s.Clock.Now(), clockmodel.SourceAuto)
	if sErr == nil {
		sample.NTPOffsetS = res.OffsetS
		sample.AccuracyS = res.DelayS / 2
		s.Pool.Insert(sample)
		if s.Trend != nil {
			s.Trend.Add(clockmodel.TrendPoint{T: sample.ObservedAt, Offset: sample.OffsetS})
		}
	}
	s.publishCalibration(clockmodel.SourceAuto)
}

func (s *Scheduler) fullRecal(ctx context.Context, target time.Time) {
	sample, warn, err := s.Oracle.Calibrate(ctx, clockmodel.SourceFinal, true)
	if err != nil {
		log.W.F("wait: final recal failed: %v", err)
		return
	}
	s.Pool.Insert(sample)
	if s.Trend != nil {
		s.Trend.Add(clockmodel.TrendPoint{T: sample.ObservedAt, Offset: sample.OffsetS})
	}
	if warn != "" {
		s.Bus.Publish(events.TypeLog, events.LogData{Message: warn, Level: events.LevelWarning})
	}
	s.publishCalibration(clockmodel.SourceFinal)
}

func (s *Scheduler) prewarmHead(ctx context.Context) {
	if _, err := s.Client.Head(ctx, s.URL); err != nil {
		log.T.F("wait: prewarm HEAD failed: %v", err)
	}
}

func (s *Scheduler) keepAlivePost(ctx context.Context) {
	req := regclient.Request{ECRN: []string{s.SentinelCRN}}
	if _, err := s.Client.Post(ctx, s.URL, s.BearerToken, req); err != nil {
		log.T.F("wait: keep-alive POST failed (expected under most server policies): %v", err)
	}
}

// lastSecondProbe issues 3 quick POSTs and returns the shift to subtract
// from fire_local when the observed one-way delay differs from the current
// calibration by more than 3ms (§4.5 step 5).
func (s *Scheduler) lastSecondProbe(ctx context.Context) (shift time.Duration, ok bool) {
	var minRTT time.Duration
	found := false
	for i := 0; i < 3; i++ {
		start := s.Clock.Now()
		req := regclient.Request{ECRN: []string{s.SentinelCRN}}
		_, _ = s.Client.Post(ctx, s.URL, s.BearerToken, req)
		rtt := s.Clock.Now().Sub(start)
		if !found || rtt < minRTT {
			minRTT = rtt
			found = true
		}
	}
	if !found {
		return 0, false
	}
	oneWay := minRTT / 2
	best, hasBest := s.Pool.Best()
	if !hasBest {
		return 0, false
	}
	delta := oneWay.Seconds() - best.RTTOneWayS
	if delta < 0 {
		delta = -delta
	}
	if delta <= 0.003 {
		return 0, false
	}
	drift := time.Duration((oneWay.Seconds() - best.RTTOneWayS) * float64(time.Second))
	return drift, true
}

// busyWait spins on the monotonic clock until fireLocal is reached, per §9
// ("must use a high-resolution monotonic clock for the final busy-wait").
// It remains cancellable: a cancel signal aborts the spin immediately.
func (s *Scheduler) busyWait(ctx context.Context, fireLocal time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !s.Clock.Now().Before(fireLocal) {
			return
		}
	}
}

func (s *Scheduler) publishCalibration(source clockmodel.Source) {
	best, ok := s.Pool.Best()
	if !ok {
		return
	}
	s.Bus.Publish(events.TypeCalibration, events.NewCalibrationData(best, source))
}
