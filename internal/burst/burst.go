// Package burst implements the Burst Loop (C6): repeated submission of the
// prepared registration request, per-CRN result classification, working-set
// pruning, and rate-limit/debounce handling.
package burst

import (
	"context"
	"errors"
	"fmt"
	"time"

	"lol.mleku.dev/log"

	"github.com/orly-timing/regburst/internal/clockmodel"
	"github.com/orly-timing/regburst/internal/events"
	"github.com/orly-timing/regburst/internal/regclient"
)

// DefaultRetryIntervalS is R, the default retry interval (§4.6).
const DefaultRetryIntervalS = 3 * time.Second

// MaxRetryIntervalS and MinRetryIntervalS clamp the geometric 429 back-off.
const (
	MinRetryIntervalS = 1 * time.Second
	MaxRetryIntervalS = 5 * time.Second
)

// TightRetry is the sleep applied after a round that made progress (§4.6).
const TightRetry = 50 * time.Millisecond

// ErrTokenInvalid is the fatal classification for 401/403 responses.
var ErrTokenInvalid = errors.New("burst: token invalid (401/403)")

// WorkingSet is the mutable per-CRN state the Burst Loop prunes as results
// arrive. Keys are CRN strings; the Side map remembers whether each CRN was
// originally an ECRN (add) or SCRN (drop) entry so the prepared request can
// be rebuilt after mutation.
type WorkingSet struct {
	Side    map[string]Side
	Pending map[string]bool
}

// Side identifies which list (add/drop) a CRN belongs to.
type Side string

const (
	SideECRN Side = "ECRN"
	SideSCRN Side = "SCRN"
)

// NewWorkingSet builds a WorkingSet from the initial ECRN/SCRN lists.
func NewWorkingSet(ecrn, scrn []string) *WorkingSet {
	ws := &WorkingSet{Side: map[string]Side{}, Pending: map[string]bool{}}
	for _, c := range ecrn {
		ws.Side[c] = SideECRN
		ws.Pending[c] = true
	}
	for _, c := range scrn {
		ws.Side[c] = SideSCRN
		ws.Pending[c] = true
	}
	return ws
}

// Empty reports whether every CRN has left the pending set.
func (w *WorkingSet) Empty() bool {
	for _, p := range w.Pending {
		if p {
			return false
		}
	}
	return true
}

// Request rebuilds the prepared request template from the still-pending
// CRNs (§4.6: "If the working set mutated, rebuild the prepared request
// before the next attempt").
func (w *WorkingSet) Request() regclient.Request {
	var req regclient.Request
	for crn, pending := range w.Pending {
		if !pending {
			continue
		}
		switch w.Side[crn] {
		case SideECRN:
			req.ECRN = append(req.ECRN, crn)
		case SideSCRN:
			req.SCRN = append(req.SCRN, crn)
		}
	}
	return req
}

// Classify maps a server result item to a CRNResult per the §4.6 table.
func Classify(item regclient.ResultItem) clockmodel.CRNResult {
	if item.StatusCode == 0 {
		return clockmodel.CRNResult{CRN: item.CRN, Status: clockmodel.StatusSuccess, Message: "registered"}
	}
	switch item.ResultCode {
	case "VAL03":
		return clockmodel.CRNResult{CRN: item.CRN, Status: clockmodel.StatusAlready, Message: "already registered"}
	case "VAL02":
		return clockmodel.CRNResult{CRN: item.CRN, Status: clockmodel.StatusPending, Message: "period not open"}
	case "VAL16":
		return clockmodel.CRNResult{CRN: item.CRN, Status: clockmodel.StatusDebounce, Message: "debounced"}
	case "VAL06":
		return clockmodel.CRNResult{CRN: item.CRN, Status: clockmodel.StatusFull, Message: "capacity full"}
	case "VAL09":
		return clockmodel.CRNResult{CRN: item.CRN, Status: clockmodel.StatusConflict, Message: "schedule conflict"}
	case "VAL22":
		return clockmodel.CRNResult{CRN: item.CRN, Status: clockmodel.StatusUpgrade, Message: upgradeMessage(item)}
	default:
		return clockmodel.CRNResult{CRN: item.CRN, Status: clockmodel.StatusError, Message: fmt.Sprintf("unrecognized result code %q", item.ResultCode)}
	}
}

func upgradeMessage(item regclient.ResultItem) string {
	if item.ResultData != nil {
		if tag, ok := item.ResultData["upgradedCourse"]; ok {
			return fmt.Sprintf("upgrade conflict with %v", tag)
		}
	}
	return "upgrade conflict"
}

// applyResult marks a CRN as no longer pending and reports deferred=false;
// VAL02/VAL16 stay pending and report deferred=true (§4.6).
func applyResult(ws *WorkingSet, r clockmodel.CRNResult) (deferred bool) {
	switch r.Status {
	case clockmodel.StatusPending, clockmodel.StatusDebounce:
		return true
	default:
		ws.Pending[r.CRN] = false
		return false
	}
}

// Results is the monotonic per-CRN status map maintained across the whole
// run (§3 monotonic rule): terminal statuses are never overwritten by a
// later debounce/pending.
type Results struct {
	m map[string]clockmodel.CRNResult
}

// NewResults constructs an empty Results map.
func NewResults() *Results { return &Results{m: map[string]clockmodel.CRNResult{}} }

// Apply merges a new classification in, honouring the monotonic terminal
// rule.
func (r *Results) Apply(next clockmodel.CRNResult) {
	if cur, ok := r.m[next.CRN]; ok && cur.Status.Terminal() {
		return
	}
	r.m[next.CRN] = next
}

// Snapshot returns a defensive copy of the current per-CRN results.
func (r *Results) Snapshot() map[string]clockmodel.CRNResult {
	out := make(map[string]clockmodel.CRNResult, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}

// Config bundles the inputs to Run.
type Config struct {
	URL         string
	BearerToken string
	RetryInterval time.Duration // R; defaults to DefaultRetryIntervalS when zero
	MaxAttempts   int           // M
}

// Run executes the burst loop per §4.6 until the working set empties,
// cancel fires, or MaxAttempts is consumed. It publishes a crn_update event
// on the bus after every round that returns a result list, whether or not
// any result changed.
func Run(ctx context.Context, client regclient.Client, ws *WorkingSet, results *Results, cfg Config, bus *events.Bus) error {
	interval := cfg.RetryInterval
	if interval <= 0 {
		interval = DefaultRetryIntervalS
	}

	publish := func() {
		snap := results.Snapshot()
		out := make(map[string]events.CRNResult, len(snap))
		for k, v := range snap {
			out[k] = events.CRNResult{Status: string(v.Status), Message: v.Message}
		}
		bus.Publish(events.TypeCRNUpdate, events.CRNUpdateData{Results: out})
	}

	for attempt := 1; cfg.MaxAttempts <= 0 || attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if ws.Empty() {
			return nil
		}

		req := ws.Request()
		resp, err := client.Post(ctx, cfg.URL, cfg.BearerToken, req)
		if err != nil {
			var statusErr *regclient.StatusError
			if errors.As(err, &statusErr) {
				switch statusErr.StatusCode {
				case 401, 403:
					bus.Publish(events.TypeLog, events.LogData{Message: "token_invalid", Level: events.LevelError})
					return ErrTokenInvalid
				case 429:
					retryAfter := statusErr.RetryAfter
					if retryAfter <= 0 {
						retryAfter = interval
					}
					interval *= 3
					if interval > MaxRetryIntervalS {
						interval = MaxRetryIntervalS
					}
					if interval < MinRetryIntervalS {
						interval = MinRetryIntervalS
					}
					log.W.F("burst: rate limited, sleeping %v (interval now %v)", retryAfter, interval)
					if !sleepCancellable(ctx, retryAfter) {
						return ctx.Err()
					}
					continue
				}
			}
			log.E.F("burst: transport error on attempt %d: %v", attempt, err)
			if !sleepCancellable(ctx, interval) {
				return ctx.Err()
			}
			continue
		}

		allDeferred := true
		mutated := false
		for _, item := range resp.ECRNResultList {
			r := Classify(item)
			results.Apply(r)
			deferred := applyResult(ws, r)
			if !deferred {
				mutated = true
			}
			allDeferred = allDeferred && deferred
		}
		publish()

		if ws.Empty() {
			return nil
		}
		_ = mutated // request is always rebuilt fresh from the working set each round

		if allDeferred {
			if !sleepCancellable(ctx, interval) {
				return ctx.Err()
			}
		} else {
			if !sleepCancellable(ctx, TightRetry) {
				return ctx.Err()
			}
		}
	}
	return nil
}

// sleepCancellable sleeps for d or returns false immediately if ctx is
// cancelled first.
func sleepCancellable(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
