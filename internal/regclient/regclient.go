// Package regclient models the outbound registration protocol (§6) as an
// injected client interface, with a real net/http implementation; tests
// supply their own fakes of the interface. The front-end transport and the front door
// REST/websocket surface are explicitly out of scope for this core (§1);
// this package is the narrow seam between them.
package regclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Request is the outbound {"ECRN": [...], "SCRN": [...]} body.
type Request struct {
	ECRN []string `json:"ECRN"`
	SCRN []string `json:"SCRN"`
}

// ResultItem is one entry of the server's ecrnResultList.
type ResultItem struct {
	CRN        string         `json:"crn"`
	StatusCode int            `json:"statusCode"`
	ResultCode string         `json:"resultCode"`
	ResultData map[string]any `json:"resultData,omitempty"`
}

// Response is the decoded 200 response body.
type Response struct {
	ECRNResultList []ResultItem `json:"ecrnResultList"`
}

// StatusError is returned for non-200 responses; the Burst Loop inspects
// StatusCode to classify auth failures and rate limiting.
type StatusError struct {
	StatusCode int
	RetryAfter time.Duration // parsed from Retry-After, zero if absent
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("regclient: unexpected status %d", e.StatusCode)
}

// Client is the minimal injected transport the Burst Loop (C6) and prewarm
// steps depend on.
type Client interface {
	Post(ctx context.Context, url, bearerToken string, req Request) (*Response, error)
	Head(ctx context.Context, url string) (*http.Response, error)
}

// HTTPClient is the real net/http-backed implementation. Connections are
// pooled with a small ceiling (§5: "pool size 1 connection preferred, max 5
// to absorb keep-alive races") and TCP_NODELAY/keep-alive are the
// transport's default behaviour on all supported platforms.
type HTTPClient struct {
	http *http.Client
}

// NewHTTPClient builds an HTTPClient tuned per §5/§9: small connection pool,
// keep-alives enabled, short dial/response timeouts suited to a sub-second
// burst window.
func NewHTTPClient() *HTTPClient {
	transport := &http.Transport{
		MaxIdleConns:        5,
		MaxIdleConnsPerHost: 5,
		MaxConnsPerHost:     5,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	return &HTTPClient{
		http: &http.Client{
			Transport: transport,
			Timeout:   10 * time.Second,
		},
	}
}

// Post issues the authenticated registration POST and classifies the
// transport-level outcome (§6, §7).
func (c *HTTPClient) Post(ctx context.Context, url, bearerToken string, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bearerToken)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out Response
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, err
		}
		return &out, nil
	case http.StatusTooManyRequests:
		return nil, &StatusError{StatusCode: resp.StatusCode, RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"))}
	default:
		return nil, &StatusError{StatusCode: resp.StatusCode}
	}
}

// Head issues a benign HEAD request used for the Wait Scheduler's
// prewarm/TLS-TCP establishment. The Date-header probe does not use it; it
// goes through oracle.HTTPDoer.
func (c *HTTPClient) Head(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, err
	}
	return c.http.Do(req)
}

// TokenValidator checks a bearer token against the registration endpoint
// with a benign HEAD before a session is allowed to proceed past
// token_check (§4.8, §6 "/api/test-token"). It satisfies engine.TokenValidator.
type TokenValidator struct {
	http *http.Client
	url  string
}

// NewTokenValidator builds a TokenValidator pointed at the registration URL.
func NewTokenValidator(url string) *TokenValidator {
	return &TokenValidator{
		http: &http.Client{Timeout: 5 * time.Second},
		url:  url,
	}
}

// Validate issues an authenticated HEAD request and classifies the result:
// 401/403 are a definitive "invalid", any other response is treated as
// "valid" (the endpoint may not support HEAD meaningfully; the burst loop
// is the true authority on auth failure).
func (v *TokenValidator) Validate(ctx context.Context, bearerToken string) (bool, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, v.url, nil)
	if err != nil {
		return false, 0, err
	}
	req.Header.Set("Authorization", "Bearer "+bearerToken)
	resp, err := v.http.Do(req)
	if err != nil {
		return false, 0, err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return false, resp.StatusCode, nil
	default:
		return true, resp.StatusCode, nil
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	return 0
}
