// Package clockmodel holds the immutable data types shared by the clock
// calibration pipeline (Clock Oracle, Sample Pool, Buffer Model, Trigger
// Planner): §3 of the design.
package clockmodel

import (
	"errors"
	"time"
)

// Source identifies where a Sample came from.
type Source string

const (
	SourceInitial Source = "initial"
	SourceFinal   Source = "final"
	SourceAuto    Source = "auto"
	SourceManual  Source = "manual"
)

// ErrInvalidSample is returned by NewSample when rtt_s is not > 0.
var ErrInvalidSample = errors.New("clockmodel: rtt_s must be > 0")

// Sample is an immutable calibration observation: (offset_s, rtt_s,
// observed_at, source). Invariant: RTT > 0.
//
// NTPOffsetS and AccuracyS are optional metadata carried alongside the core
// tuple so that a Sample Pool entry can be promoted to a Calibration without
// losing the Clock Oracle's own NTP offset and uncertainty estimate (§4.7
// calibration event's ntp_offset_ms/accuracy_ms). They are left at their
// Go zero-value when the originating probe did not produce them (e.g. the
// Date-header fallback has no distinct NTP offset to report).
type Sample struct {
	OffsetS    float64
	RTTS       float64
	ObservedAt time.Time
	Source     Source

	NTPOffsetS float64
	AccuracyS  float64
}

// NewSample validates and constructs a Sample.
func NewSample(offsetS, rttS float64, observedAt time.Time, source Source) (Sample, error) {
	if rttS <= 0 {
		return Sample{}, ErrInvalidSample
	}
	return Sample{
		OffsetS:    offsetS,
		RTTS:       rttS,
		ObservedAt: observedAt,
		Source:     source,
	}, nil
}

// Calibration is the derived-once-per-update, never-mutated-in-place record
// produced from the best Sample Pool entry. server_offset_s = local_time -
// server_time; positive means the local clock is ahead.
type Calibration struct {
	ServerOffsetS        float64
	RTTOneWayS           float64
	NTPOffsetS           float64
	ObsClockOffsetS      float64
	ObsClockUncertaintyS float64
	Source               Source
}

// TrendPoint is one (t, offset) observation kept for linear extrapolation.
type TrendPoint struct {
	T      time.Time
	Offset float64
}

// MaxTrendPoints is the sliding window capacity of the Trend state (§3).
const MaxTrendPoints = 10

// Trend is a sliding window of up to MaxTrendPoints (t, offset) samples used
// to linearly extrapolate the server offset at a future target instant.
type Trend struct {
	points []TrendPoint
}

// Add appends a point to the trend window, dropping the oldest entry once
// the window exceeds MaxTrendPoints.
func (t *Trend) Add(p TrendPoint) {
	t.points = append(t.points, p)
	if len(t.points) > MaxTrendPoints {
		t.points = t.points[len(t.points)-MaxTrendPoints:]
	}
}

// Len reports the number of points currently held.
func (t *Trend) Len() int { return len(t.points) }

// ExtrapolateAt performs ordinary least-squares linear extrapolation of
// offset at instant target, using the stored (t, offset) points. Returns
// ok=false when fewer than 2 points are available, per §4.4 ("If trend data
// has >= 2 points, substitute server_offset with a linear extrapolation").
func (t *Trend) ExtrapolateAt(target time.Time) (offset float64, ok bool) {
	n := len(t.points)
	if n < 2 {
		return 0, false
	}
	// Fit offset = a + b*x where x is seconds relative to the first point,
	// via simple least squares.
	base := t.points[0].T
	var sumX, sumY, sumXX, sumXY float64
	for _, p := range t.points {
		x := p.T.Sub(base).Seconds()
		y := p.Offset
		sumX += x
		sumY += y
		sumXX += x * x
		sumXY += x * y
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		// Degenerate (all points at the same instant); fall back to mean.
		return sumY / fn, true
	}
	b := (fn*sumXY - sumX*sumY) / denom
	a := (sumY - b*sumX) / fn
	x := target.Sub(base).Seconds()
	return a + b*x, true
}

// CRNStatus is the lifecycle state of a single CRN's registration attempt.
type CRNStatus string

const (
	StatusPending   CRNStatus = "pending"
	StatusSuccess   CRNStatus = "success"
	StatusAlready   CRNStatus = "already"
	StatusFull      CRNStatus = "full"
	StatusConflict  CRNStatus = "conflict"
	StatusUpgrade   CRNStatus = "upgrade"
	StatusDebounce  CRNStatus = "debounce"
	StatusError     CRNStatus = "error"
)

// Terminal reports whether status is one of the terminal statuses that may
// never be overwritten by a later debounce/pending result (§3 monotonic
// rule).
func (s CRNStatus) Terminal() bool {
	switch s {
	case StatusSuccess, StatusAlready, StatusFull, StatusConflict, StatusUpgrade, StatusError:
		return true
	}
	return false
}

// CRNResult is the per-CRN tuple (status, message).
type CRNResult struct {
	CRN     string
	Status  CRNStatus
	Message string
}

// Phase is an Engine lifecycle phase (§3).
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseTokenCheck  Phase = "token_check"
	PhaseCalibrating Phase = "calibrating"
	PhaseWaiting     Phase = "waiting"
	PhaseRegistering Phase = "registering"
	PhaseDone        Phase = "done"
)
