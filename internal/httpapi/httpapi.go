// Package httpapi is the REST/websocket front door (§6): a thin,
// session-scoped adapter over the Session Registry and the Engine,
// structured after the teacher's app.Server (CORS + security headers +
// websocket interception ahead of an http.ServeMux).
package httpapi

import (
	"context"
	"net/http"
	"strings"

	"lol.mleku.dev/log"

	"github.com/orly-timing/regburst/internal/config"
	"github.com/orly-timing/regburst/internal/session"
)

// Server wires the Session Registry into an http.Handler. It carries no
// mutable state of its own beyond the per-endpoint rate limiters; every
// stateful thing lives in the Registry (§5: "registry is the only shared
// map").
type Server struct {
	Ctx      context.Context
	Cfg      *config.C
	Registry *session.Registry

	mux *http.ServeMux

	limitTestToken      *ipLimiter
	limitCalibrate      *ipLimiter
	limitRegisterStart  *ipLimiter
}

// New constructs a Server and registers its routes.
func New(ctx context.Context, cfg *config.C, reg *session.Registry) *Server {
	s := &Server{
		Ctx:                ctx,
		Cfg:                cfg,
		Registry:           reg,
		mux:                http.NewServeMux(),
		limitTestToken:     newIPLimiter(cfg.RateLimitTestToken),
		limitCalibrate:     newIPLimiter(cfg.RateLimitCalibrate),
		limitRegisterStart: newIPLimiter(cfg.RateLimitRegisterStart),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.HandleFunc("/api/config", s.withSession(s.handleConfig))
	s.mux.HandleFunc("/api/test-token", rateLimited(s.limitTestToken, s.withSession(s.handleTestToken)))
	s.mux.HandleFunc("/api/calibrate", rateLimited(s.limitCalibrate, s.withSession(s.handleCalibrate)))
	s.mux.HandleFunc("/api/register/start", rateLimited(s.limitRegisterStart, s.withSession(s.handleRegisterStart)))
	s.mux.HandleFunc("/api/register/cancel", s.withSession(s.handleRegisterCancel))
	s.mux.HandleFunc("/api/register/reset", s.withSession(s.handleRegisterReset))
	s.mux.HandleFunc("/api/register/status", s.withSession(s.handleRegisterStatus))
	s.mux.HandleFunc("/ws", s.handleWebsocket)
}

// ServeHTTP applies CORS and security headers ahead of routing, mirroring
// the teacher's Server.ServeHTTP (app/server.go) which intercepts
// websocket upgrades before handing off to the mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.setCORS(w, r)
	setSecurityHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	s.mux.ServeHTTP(w, r)
}

func (s *Server) setCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	if len(s.Cfg.CORSOrigins) == 0 {
		return
	}
	for _, allowed := range s.Cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Session-ID")
			return
		}
	}
}

// setSecurityHeaders applies the fixed header set required by §6.
func setSecurityHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	h.Set("Permissions-Policy", "camera=(), microphone=(), geolocation=()")
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, sess *session.Session)

// withSession enforces the X-Session-ID requirement (§6) and resolves the
// session before calling h, surfacing capacity exhaustion as a distinct
// error per §7.
func (s *Server) withSession(h sessionHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Session-ID")
		if id == "" {
			writeError(w, http.StatusBadRequest, "missing X-Session-ID header")
			return
		}
		sess, err := s.Registry.GetOrCreate(id)
		if err != nil {
			switch err {
			case session.ErrInvalidSessionID:
				writeError(w, http.StatusBadRequest, err.Error())
			case session.ErrCapacityExceeded:
				writeError(w, http.StatusServiceUnavailable, err.Error())
			default:
				log.E.F("httpapi: session resolution error: %v", err)
				writeError(w, http.StatusInternalServerError, "internal error")
			}
			return
		}
		h(w, r, sess)
	}
}
