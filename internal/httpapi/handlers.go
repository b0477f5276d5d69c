package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/orly-timing/regburst/internal/clockmodel"
	"github.com/orly-timing/regburst/internal/engine"
	"github.com/orly-timing/regburst/internal/events"
	"github.com/orly-timing/regburst/internal/oracle"
	"github.com/orly-timing/regburst/internal/regclient"
	"github.com/orly-timing/regburst/internal/session"
)

type healthResponse struct {
	Status string `json:"status"`
	Time   string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// handleConfig implements GET/POST /api/config (§6): reads or replaces a
// session's per-run configuration. Token is write-only (never echoed).
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, sess.GetConfig())
	case http.MethodPost:
		var cfg session.Config
		if err := decodeJSON(r, &cfg); err != nil {
			writeError(w, http.StatusBadRequest, "invalid config body: "+err.Error())
			return
		}
		sess.SetConfig(cfg)
		writeJSON(w, http.StatusOK, sess.GetConfig())
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

type testTokenResponse struct {
	Valid      bool   `json:"valid"`
	StatusCode int    `json:"status_code"`
	Message    string `json:"message,omitempty"`
}

// handleTestToken implements POST /api/test-token (§6).
func (s *Server) handleTestToken(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	token := sess.Token()
	if token == "" || s.Cfg.RegistrationURL == "" {
		writeJSON(w, http.StatusOK, testTokenResponse{Valid: false, Message: "no token or registration URL configured"})
		return
	}
	validator := regclient.NewTokenValidator(s.Cfg.RegistrationURL)
	valid, status, err := validator.Validate(r.Context(), token)
	if err != nil {
		writeJSON(w, http.StatusOK, testTokenResponse{Valid: false, StatusCode: status, Message: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, testTokenResponse{Valid: valid, StatusCode: status})
}

// calibrationResponse wraps the same fields published on the "calibration"
// event (§4.7), plus a REST-only cross-validation warning.
type calibrationResponse struct {
	events.CalibrationData
	Warning string `json:"warning,omitempty"`
}

// handleCalibrate implements POST /api/calibrate (§6): a one-shot
// calibration outside the engine lifecycle, for UI diagnostics.
func (s *Server) handleCalibrate(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	o := oracle.New(s.Cfg.NTPServers, http.DefaultClient, s.Cfg.RegistrationURL)
	sample, warn, err := o.Calibrate(r.Context(), clockmodel.SourceManual, s.Cfg.RegistrationURL != "")
	if err != nil {
		writeError(w, http.StatusBadGateway, "calibration failed: "+err.Error())
		return
	}
	cal := clockmodel.Calibration{
		ServerOffsetS:        sample.OffsetS,
		RTTOneWayS:           sample.RTTS / 2,
		NTPOffsetS:           sample.NTPOffsetS,
		ObsClockUncertaintyS: sample.AccuracyS,
		Source:               sample.Source,
	}
	writeJSON(w, http.StatusOK, calibrationResponse{
		CalibrationData: events.NewCalibrationData(cal, sample.Source),
		Warning:         warn,
	})
}

// handleRegisterStart implements POST /api/register/start (§6): builds and
// launches an Engine owned by the session, returning 409 if one already runs.
func (s *Server) handleRegisterStart(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	cfg := sess.GetConfig()
	target, err := resolveTarget(s.Cfg.Timezone, cfg.KayitSaati)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid kayit_saati: "+err.Error())
		return
	}

	client := regclient.NewHTTPClient()
	o := oracle.New(s.Cfg.NTPServers, http.DefaultClient, s.Cfg.RegistrationURL)
	validator := regclient.NewTokenValidator(s.Cfg.RegistrationURL)

	eng := engine.New(engine.Config{
		ECRNList:      cfg.ECRNList,
		SCRNList:      cfg.SCRNList,
		TargetTime:    target,
		MaxAttempts:   cfg.MaxDeneme,
		RetryInterval: cfg.RetryAralik,
		DryRun:        cfg.DryRun,
		BearerToken:   sess.Token(),
		URL:           s.Cfg.RegistrationURL,
		SentinelCRN:   "",
	}, client, validator, o, sess.Bus)

	if err := sess.StartEngine(s.Ctx, eng); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleRegisterCancel implements POST /api/register/cancel (§6): 404 if no
// engine exists.
func (s *Server) handleRegisterCancel(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if err := sess.CancelEngine(); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleRegisterReset implements POST /api/register/reset (§6): always 200.
func (s *Server) handleRegisterReset(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	sess.ResetEngine()
	w.WriteHeader(http.StatusOK)
}

type statusResponse struct {
	Phase       string                           `json:"phase"`
	Running     bool                             `json:"running"`
	Calibration calibrationResponse              `json:"calibration"`
	Results     map[string]events.CRNResult      `json:"results"`
	FireAt      string                           `json:"fire_at,omitempty"`
	RemainingMS float64                          `json:"remaining_ms"`
}

// handleRegisterStatus implements GET /api/register/status (§6).
func (s *Server) handleRegisterStatus(w http.ResponseWriter, r *http.Request, sess *session.Session) {
	eng := sess.Engine()
	if eng == nil {
		writeJSON(w, http.StatusOK, statusResponse{Phase: string(clockmodel.PhaseIdle)})
		return
	}
	cal := eng.Calibration()
	fire := eng.TriggerTime()
	results := make(map[string]events.CRNResult, 0)
	for crn, res := range eng.Results() {
		results[crn] = events.CRNResult{Status: string(res.Status), Message: res.Message}
	}
	resp := statusResponse{
		Phase:   string(eng.Phase()),
		Running: eng.Running(),
		Calibration: calibrationResponse{
			CalibrationData: events.NewCalibrationData(cal, cal.Source),
		},
		Results: results,
	}
	if !fire.IsZero() {
		resp.FireAt = fire.Format(time.RFC3339Nano)
		resp.RemainingMS = float64(time.Until(fire).Milliseconds())
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveTarget interprets kayit_saati (HH:MM:SS) against today's date in
// the fixed deployment timezone (§4.4, §9: "do not rely on process-local
// timezone").
func resolveTarget(tz, kayitSaati string) (time.Time, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.Time{}, err
	}
	var h, m, sec int
	if _, err := fmt.Sscanf(kayitSaati, "%d:%d:%d", &h, &m, &sec); err != nil {
		return time.Time{}, fmt.Errorf("kayit_saati must be HH:MM:SS: %w", err)
	}
	now := time.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), h, m, sec, 0, loc), nil
}
