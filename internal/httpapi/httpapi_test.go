package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/orly-timing/regburst/internal/config"
	"github.com/orly-timing/regburst/internal/session"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := &config.C{
		SessionCapacity:        2,
		SessionIdleTimeout:     time.Hour,
		RateLimitTestToken:     10,
		RateLimitCalibrate:     6,
		RateLimitRegisterStart: 1,
		Timezone:               "UTC",
	}
	reg := session.NewRegistry(cfg.SessionCapacity, cfg.SessionIdleTimeout)
	return New(context.Background(), cfg, reg)
}

func TestHealth_OK(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
}

func TestSessionScoped_MissingHeaderRejected(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSessionScoped_InvalidSessionIDRejected(t *testing.T) {
	s := newTestServer(t)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.Header.Set("X-Session-ID", "not-a-uuid")
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConfig_RoundTripRedactsToken(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New().String()

	body := `{"ecrn_list":["12345"],"scrn_list":[],"kayit_saati":"14:00:00","max_deneme":3,"retry_aralik":5000000000,"dry_run":true,"token":"secret"}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(body))
	req.Header.Set("X-Session-ID", id)
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotContains(t, rec.Body.String(), "secret")

	rec2 := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req2.Header.Set("X-Session-ID", id)
	s.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	require.Contains(t, rec2.Body.String(), "12345")
	require.NotContains(t, rec2.Body.String(), "secret")
}

func TestRegisterCancel_NoEngineIs404(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New().String()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/register/cancel", nil)
	req.Header.Set("X-Session-ID", id)
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRegisterReset_AlwaysOK(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New().String()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/register/reset", nil)
	req.Header.Set("X-Session-ID", id)
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRegisterStart_RateLimited(t *testing.T) {
	s := newTestServer(t)
	id := uuid.New().String()

	cfgBody := `{"ecrn_list":["12345"],"kayit_saati":"14:00:00","max_deneme":1,"retry_aralik":1000000}`
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/config", strings.NewReader(cfgBody))
	req.Header.Set("X-Session-ID", id)
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	first := httptest.NewRecorder()
	req1 := httptest.NewRequest(http.MethodPost, "/api/register/start", nil)
	req1.Header.Set("X-Session-ID", id)
	req1.RemoteAddr = "10.0.0.1:1234"
	s.ServeHTTP(first, req1)
	require.Equal(t, http.StatusAccepted, first.Code)

	second := httptest.NewRecorder()
	req2 := httptest.NewRequest(http.MethodPost, "/api/register/start", nil)
	req2.Header.Set("X-Session-ID", id)
	req2.RemoteAddr = "10.0.0.1:1234"
	s.ServeHTTP(second, req2)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestCapacityExceeded_SurfacedAs503(t *testing.T) {
	s := newTestServer(t)
	id1, id2, id3 := uuid.New().String(), uuid.New().String(), uuid.New().String()
	for _, id := range []string{id1, id2} {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
		req.Header.Set("X-Session-ID", id)
		s.ServeHTTP(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/config", nil)
	req.Header.Set("X-Session-ID", id3)
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
