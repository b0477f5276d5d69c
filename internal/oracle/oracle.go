// Package oracle implements the Clock Oracle (C1): NTP querying with a
// cross-validating HTTP Date-header transition probe.
package oracle

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/beevik/ntp"
	"lol.mleku.dev/log"

	"github.com/orly-timing/regburst/internal/clockmodel"
)

// ErrUnreachable is returned when no configured NTP server responds.
var ErrUnreachable = errors.New("oracle: no NTP server reachable")

// NTPTimeout bounds a single NTP query (§5).
const NTPTimeout = 3 * time.Second

// DateProbeBudget bounds how long the Date-header probe polls for a
// transition (§4.1).
const DateProbeBudget = 2 * time.Second

// MaxDateTransitions is the number of Date-header transitions attempted
// before giving up (§4.1).
const MaxDateTransitions = 3

// HTTPDoer is the minimal surface the Date-header probe needs from an HTTP
// client; it is satisfied by *http.Client and fakes in tests.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Oracle queries NTP servers and the HTTP Date header to estimate clock
// offset versus a trusted reference.
type Oracle struct {
	NTPServers []string
	HTTPClient HTTPDoer
	TargetURL  string
	// MedianRTTS, when > 0, sets the Date-header poll interval and the 80%
	// short-circuit threshold; when zero the probe polls every 50ms and never
	// short-circuits. Nothing in this module sets it from the Sample Pool.
	MedianRTTS float64
}

// New constructs an Oracle.
func New(servers []string, httpClient HTTPDoer, targetURL string) *Oracle {
	return &Oracle{NTPServers: servers, HTTPClient: httpClient, TargetURL: targetURL}
}

// NTPResult is the outcome of a single NTP probe.
type NTPResult struct {
	OffsetS float64
	DelayS  float64
	Server  string
}

// ProbeNTP queries up to three configured NTP servers and keeps the
// response with the smallest round-trip delay (§4.1). offset =
// ((t2-t1)+(t3-t4))/2 is computed internally by the ntp library via
// ClockOffset/RTT.
func (o *Oracle) ProbeNTP(ctx context.Context) (NTPResult, error) {
	servers := o.NTPServers
	if len(servers) > 3 {
		servers = servers[:3]
	}

	type probe struct {
		res NTPResult
		err error
	}
	results := make(chan probe, len(servers))

	for _, server := range servers {
		server := server
		go func() {
			opts := ntp.QueryOptions{Timeout: NTPTimeout}
			resp, err := ntp.QueryWithOptions(server, opts)
			if err != nil {
				results <- probe{err: err}
				return
			}
			results <- probe{res: NTPResult{
				OffsetS: resp.ClockOffset.Seconds(),
				DelayS:  resp.RTT.Seconds(),
				Server:  server,
			}}
		}()
	}

	var best NTPResult
	found := false
	for range servers {
		select {
		case p := <-results:
			if p.err != nil {
				log.T.F("oracle: ntp query failed: %v", p.err)
				continue
			}
			if !found || p.res.DelayS < best.DelayS {
				best = p.res
				found = true
			}
		case <-ctx.Done():
			return NTPResult{}, ctx.Err()
		}
	}
	if !found {
		return NTPResult{}, ErrUnreachable
	}
	return best, nil
}

// DateResult is the outcome of the Date-header transition probe.
type DateResult struct {
	OffsetS float64
	RTTS    float64
}

// ProbeDate issues HEAD requests against TargetURL, polling at
// max(2ms, min(medianRTT/2, 50ms)) intervals until the Date header changes,
// repeating up to MaxDateTransitions times and keeping the lowest-RTT
// transition; it short-circuits when a transition RTT < 80% of the median
// (§4.1).
func (o *Oracle) ProbeDate(ctx context.Context) (DateResult, error) {
	interval := 50 * time.Millisecond
	if o.MedianRTTS > 0 {
		half := o.MedianRTTS / 2 * float64(time.Second)
		interval = time.Duration(half)
		if interval < 2*time.Millisecond {
			interval = 2 * time.Millisecond
		}
		if interval > 50*time.Millisecond {
			interval = 50 * time.Millisecond
		}
	}

	deadline := time.Now().Add(DateProbeBudget)
	lastDate, rtt, err := o.headOnce(ctx)
	if err != nil {
		return DateResult{}, err
	}

	var best DateResult
	found := false
	transitions := 0
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for transitions < MaxDateTransitions && time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return DateResult{}, ctx.Err()
		case <-ticker.C:
		}

		reqStart := time.Now()
		newDate, curRTT, err := o.headOnce(ctx)
		if err != nil {
			continue
		}
		_ = rtt
		if !newDate.Equal(lastDate) {
			offset := reqStart.Add(curRTT / 2).Sub(newDate).Seconds()
			cand := DateResult{OffsetS: offset, RTTS: curRTT.Seconds()}
			if !found || cand.RTTS < best.RTTS {
				best = cand
				found = true
			}
			transitions++
			lastDate = newDate
			if found && o.MedianRTTS > 0 && cand.RTTS < 0.8*o.MedianRTTS {
				break
			}
		}
	}
	if !found {
		return DateResult{}, errors.New("oracle: no Date-header transition observed")
	}
	return best, nil
}

func (o *Oracle) headOnce(ctx context.Context) (date time.Time, rtt time.Duration, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, o.TargetURL, nil)
	if err != nil {
		return time.Time{}, 0, err
	}
	start := time.Now()
	resp, err := o.HTTPClient.Do(req)
	if err != nil {
		return time.Time{}, 0, err
	}
	defer resp.Body.Close()
	rtt = time.Since(start)
	dateHdr := resp.Header.Get("Date")
	if dateHdr == "" {
		return time.Time{}, 0, errors.New("oracle: no Date header in response")
	}
	date, err = http.ParseTime(dateHdr)
	if err != nil {
		return time.Time{}, 0, err
	}
	return date, rtt, nil
}

// Calibrate runs NTP as the primary probe, falling back to the Date-header
// probe when NTP is unavailable, and assumes offset 0 with a warning when
// both fail (§4.1 selection policy). It returns a ready-to-insert Sample and
// a warning string that is non-empty when |NTP - Date| > 500ms or when both
// probes failed and zero offset is assumed.
func (o *Oracle) Calibrate(ctx context.Context, source clockmodel.Source, includeDate bool) (sample clockmodel.Sample, warn string, err error) {
	ntpRes, ntpErr := o.ProbeNTP(ctx)

	var dateRes DateResult
	var dateErr error = errors.New("date probe not run")
	if includeDate {
		dateRes, dateErr = o.ProbeDate(ctx)
	}

	switch {
	case ntpErr == nil:
		if dateErr == nil {
			deltaMS := (ntpRes.OffsetS - dateRes.OffsetS) * 1000
			if deltaMS < 0 {
				deltaMS = -deltaMS
			}
			if deltaMS > 500 {
				warn = "NTP and Date-header offsets diverge by more than 500ms"
			}
		}
		sample, err = clockmodel.NewSample(ntpRes.OffsetS, ntpRes.DelayS, time.Now(), source)
		if err == nil {
			// NTP is the primary source here, so its own offset/delay-based
			// uncertainty (classic NTP accuracy bound: one-way delay) are the
			// sample's ntp_offset_ms/accuracy_ms (§4.7).
			sample.NTPOffsetS = ntpRes.OffsetS
			sample.AccuracyS = ntpRes.DelayS / 2
		}
		return
	case dateErr == nil:
		log.W.F("oracle: NTP unreachable, falling back to Date-header probe")
		sample, err = clockmodel.NewSample(dateRes.OffsetS, dateRes.RTTS, time.Now(), source)
		if err == nil {
			sample.AccuracyS = dateRes.RTTS / 2
		}
		return
	default:
		log.W.F("oracle: both NTP and Date-header probes failed; assuming offset 0")
		sample, err = clockmodel.NewSample(0, 0.001, time.Now(), source)
		warn = "clock calibration unavailable; assuming zero offset"
		return
	}
}
