// Package identity verifies callers against the user-center JWT endpoint.
package identity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/cozegate/internal/envelope"
	"github.com/tidwall/gjson"
)

const (
	TokenHeaderName = "HtySudoerToken"
	HostHeaderName  = "HtyHost"

	verifyPath    = "/api/v1/uc/verify_jwt_token"
	verifyTimeout = 10 * time.Second
)

type contextKey int

const (
	hostKey contextKey = iota
)

// HostFromContext returns the verified admin host of the caller, or "" when
// authentication is disabled.
func HostFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(hostKey).(string); ok {
		return v
	}
	return ""
}

// Verifier checks a token against the user center serving host.
type Verifier interface {
	Verify(ctx context.Context, host, token string) (bool, error)
}

// HTTPVerifier posts the token to <scheme><host>/api/v1/uc/verify_jwt_token.
type HTTPVerifier struct {
	scheme string
	client *http.Client
}

// NewHTTPVerifier returns a verifier using scheme ("https://") for every call.
func NewHTTPVerifier(scheme string, client *http.Client) *HTTPVerifier {
	if client == nil {
		client = &http.Client{Timeout: verifyTimeout}
	}
	return &HTTPVerifier{scheme: scheme, client: client}
}

// Verify reports the boolean "r" field of the user-center response.
func (v *HTTPVerifier) Verify(ctx context.Context, host, token string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.scheme+host+verifyPath, nil)
	if err != nil {
		return false, fmt.Errorf("build verify request: %w", err)
	}
	req.Header.Set("Authorization", token)
	req.Header.Set(HostHeaderName, host)

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("verify token: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return false, fmt.Errorf("read verify response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false, fmt.Errorf("verify token: status %d", resp.StatusCode)
	}
	if !gjson.ValidBytes(body) {
		return false, fmt.Errorf("verify token: invalid response body")
	}
	return gjson.GetBytes(body, "r").Bool(), nil
}

// AdminHost maps the caller-supplied host to the admin host of the first
// allowed domain it contains.
func AdminHost(requestHost string, allowed []string) (string, bool) {
	for _, domain := range allowed {
		if domain != "" && strings.Contains(requestHost, domain) {
			return "admin." + domain, true
		}
	}
	return "", false
}

// Config configures the middleware.
type Config struct {
	Enabled      bool
	AllowedHosts []string
}

// Middleware rejects requests without a verified HtySudoerToken. Rejections
// are handed to reject wrapped in envelope.ErrUnauthorized.
func Middleware(cfg Config, verifier Verifier, reject func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := r.Header.Get(TokenHeaderName)
			host := r.Header.Get(HostHeaderName)
			if token == "" {
				reject(w, r, fmt.Errorf("%w: %s not found in header", envelope.ErrUnauthorized, TokenHeaderName))
				return
			}
			if host == "" {
				reject(w, r, fmt.Errorf("%w: %s not found in header", envelope.ErrUnauthorized, HostHeaderName))
				return
			}

			admin, ok := AdminHost(host, cfg.AllowedHosts)
			if !ok {
				slog.Warn("Rejected request host", "host", host, "ip", IPFromRequest(r))
				reject(w, r, fmt.Errorf("%w: request header host invalid", envelope.ErrUnauthorized))
				return
			}

			valid, err := verifier.Verify(r.Context(), admin, token)
			if err != nil {
				slog.Error("JWT verification error", "host", admin, "ip", IPFromRequest(r), "error", err)
				reject(w, r, fmt.Errorf("%w: jwt token verification failed: %v", envelope.ErrUnauthorized, err))
				return
			}
			if !valid {
				slog.Info("Rejected invalid token", "host", admin, "ip", IPFromRequest(r))
				reject(w, r, fmt.Errorf("%w: jwt token verification failed", envelope.ErrUnauthorized))
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), hostKey, admin)))
		})
	}
}

// IPFromRequest returns a normalized remote IP for request logging.
func IPFromRequest(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
