// Package engine implements the Engine (C8): orchestration of token
// validation, calibration, the wait scheduler, and the burst loop under a
// single cancellation token, publishing phase transitions onto the Event
// Bus.
package engine

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"go.uber.org/atomic"
	"lol.mleku.dev/log"

	"github.com/orly-timing/regburst/internal/burst"
	"github.com/orly-timing/regburst/internal/clockmodel"
	"github.com/orly-timing/regburst/internal/events"
	"github.com/orly-timing/regburst/internal/oracle"
	"github.com/orly-timing/regburst/internal/pool"
	"github.com/orly-timing/regburst/internal/regclient"
	"github.com/orly-timing/regburst/internal/wait"
)

// TokenValidator is the injected collaborator for §1's "token acquisition"
// external concern; the engine only needs a yes/no plus an HTTP status for
// diagnostics.
type TokenValidator interface {
	Validate(ctx context.Context, bearerToken string) (valid bool, statusCode int, err error)
}

// Config bundles the per-run parameters an Engine needs (§6 /api/config).
type Config struct {
	ECRNList      []string
	SCRNList      []string
	TargetTime    time.Time // kayit_saati resolved against today's date in the deployment timezone
	MaxAttempts   int       // max_deneme
	RetryInterval time.Duration // retry_aralik
	DryRun        bool
	BearerToken   string
	URL           string
	SentinelCRN   string
}

// Engine orchestrates C1-C7 for a single registration session (§4.8). An
// Engine is exclusively owned by the session that created it (§3) and is
// never shared.
type Engine struct {
	cfg      Config
	client   regclient.Client
	validator TokenValidator
	oracle   *oracle.Oracle
	pool     *pool.Pool
	trend    clockmodel.Trend
	bus      *events.Bus

	phase   atomic.String
	running atomic.Bool
	cancel  context.CancelFunc

	mu      sync.Mutex
	results *burst.Results
	fire    time.Time
	cal     clockmodel.Calibration
}

// New constructs an Engine for one session run.
func New(cfg Config, client regclient.Client, validator TokenValidator, oracleImpl *oracle.Oracle, bus *events.Bus) *Engine {
	e := &Engine{
		cfg:       cfg,
		client:    client,
		validator: validator,
		oracle:    oracleImpl,
		pool:      pool.New(),
		bus:       bus,
		results:   burst.NewResults(),
	}
	e.phase.Store(string(clockmodel.PhaseIdle))
	return e
}

// Phase returns the current lifecycle phase.
func (e *Engine) Phase() clockmodel.Phase { return clockmodel.Phase(e.phase.Load()) }

// Running reports whether the engine is still executing.
func (e *Engine) Running() bool { return e.running.Load() }

// Results returns a snapshot of the current per-CRN results.
func (e *Engine) Results() map[string]clockmodel.CRNResult { return e.results.Snapshot() }

// Calibration returns the most recently applied calibration.
func (e *Engine) Calibration() clockmodel.Calibration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cal
}

// TriggerTime returns the planned firing instant, zero if not yet computed.
func (e *Engine) TriggerTime() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fire
}

// Start runs the engine to completion (or cancellation) in the calling
// goroutine; callers that want the per-session "one dedicated worker" model
// of §5 should invoke Start in its own goroutine.
func (e *Engine) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	e.cancel = cancel
	e.running.Store(true)

	defer e.finalize()

	e.setPhase(clockmodel.PhaseTokenCheck)
	if e.cancelledOr(ctx) {
		return
	}
	if e.validator != nil {
		valid, status, err := e.validator.Validate(ctx, e.cfg.BearerToken)
		if err != nil || !valid {
			e.log(events.LevelError, "token validation failed")
			e.bus.Publish(events.TypeLog, events.LogData{Message: errString(err, status), Level: events.LevelError})
			return
		}
	}

	e.setPhase(clockmodel.PhaseCalibrating)
	if e.cancelledOr(ctx) {
		return
	}
	sample, warn, err := e.oracle.Calibrate(ctx, clockmodel.SourceInitial, true)
	if err != nil {
		e.log(events.LevelError, "initial calibration failed: "+err.Error())
	} else {
		e.pool.Insert(sample)
	}
	if warn != "" {
		e.log(events.LevelWarning, warn)
	}
	e.trend.Add(clockmodel.TrendPoint{T: sample.ObservedAt, Offset: sample.OffsetS})
	if best, ok := e.pool.Best(); ok {
		e.setCalibration(best)
		e.publishCalibration(best, clockmodel.SourceInitial)
	}

	// Prewarm: benign POST with the sentinel CRN to establish TLS/TCP state
	// and exercise the real submission path before the burst (§4.8's
	// "POST-inclusive prewarm", distinct from the Wait Scheduler's later
	// HEAD-only prewarm in internal/wait/wait.go).
	if _, err := e.client.Post(ctx, e.cfg.URL, e.cfg.BearerToken, regclient.Request{ECRN: []string{e.cfg.SentinelCRN}}); err != nil {
		log.T.F("engine: prewarm post failed: %v", err)
	}

	now := time.Now()
	target := e.cfg.TargetTime
	if target.Sub(now) <= -5*time.Second {
		// §9: already >=5s in the past, proceed immediately to the burst loop.
		e.setPhase(clockmodel.PhaseRegistering)
		e.runBurst(ctx)
		return
	}

	e.setPhase(clockmodel.PhaseWaiting)
	if e.cancelledOr(ctx) {
		return
	}
	sched := &wait.Scheduler{
		Oracle:      e.oracle,
		Pool:        e.pool,
		Trend:       &e.trend,
		Client:      e.client,
		URL:         e.cfg.URL,
		BearerToken: e.cfg.BearerToken,
		SentinelCRN: e.cfg.SentinelCRN,
		Bus:         e.bus,
		Clock:       wait.RealClock{},
	}
	tuning := &wait.Tuning{}
	tuning.Apply()
	fire, err := sched.Run(ctx, target, e.Calibration())
	tuning.Release()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		e.log(events.LevelError, "wait scheduler error: "+err.Error())
		return
	}
	e.mu.Lock()
	e.fire = fire
	e.mu.Unlock()

	if e.cancelledOr(ctx) {
		return
	}
	e.setPhase(clockmodel.PhaseRegistering)
	e.runBurst(ctx)
}

func (e *Engine) runBurst(ctx context.Context) {
	if e.cfg.DryRun {
		e.log(events.LevelInfo, "dry_run enabled: skipping live submission")
		return
	}
	ws := burst.NewWorkingSet(e.cfg.ECRNList, e.cfg.SCRNList)
	cfg := burst.Config{
		URL:           e.cfg.URL,
		BearerToken:   e.cfg.BearerToken,
		RetryInterval: e.cfg.RetryInterval,
		MaxAttempts:   e.cfg.MaxAttempts,
	}
	if err := burst.Run(ctx, e.client, ws, e.results, cfg, e.bus); err != nil {
		if errors.Is(err, burst.ErrTokenInvalid) {
			e.log(events.LevelError, "token_invalid")
		} else if !errors.Is(err, context.Canceled) {
			e.log(events.LevelError, "burst loop error: "+err.Error())
		}
	}
}

// Cancel cooperatively cancels the run (§5). A cancelled engine transitions
// to done without executing subsequent phases.
func (e *Engine) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

func (e *Engine) cancelledOr(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}

// finalize emits the terminal state+done events and clears running LAST
// (tuning is released in Start right after the Wait Scheduler returns) so that consumers observing running==false never
// miss the final events (§3, §4.8, §8 property 5).
func (e *Engine) finalize() {
	e.setPhase(clockmodel.PhaseDone)
	snap := e.results.Snapshot()
	out := make(map[string]events.CRNResult, len(snap))
	for k, v := range snap {
		out[k] = events.CRNResult{Status: string(v.Status), Message: v.Message}
	}
	e.bus.Publish(events.TypeDone, events.DoneData{Results: out})
	e.running.Store(false)
}

func (e *Engine) setPhase(p clockmodel.Phase) {
	e.phase.Store(string(p))
	e.bus.Publish(events.TypeState, events.StateData{Phase: string(p), Running: e.running.Load()})
}

func (e *Engine) setCalibration(c clockmodel.Calibration) {
	e.mu.Lock()
	e.cal = c
	e.mu.Unlock()
}

func (e *Engine) publishCalibration(c clockmodel.Calibration, source clockmodel.Source) {
	e.bus.Publish(events.TypeCalibration, events.NewCalibrationData(c, source))
}

func (e *Engine) log(level events.Level, msg string) {
	e.bus.Publish(events.TypeLog, events.LogData{Message: msg, Level: level})
}

func errString(err error, status int) string {
	if err != nil {
		return err.Error()
	}
	return "token rejected with status " + strconv.Itoa(status)
}
