package feishu

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

const (
	tokenPath = "/open-apis/auth/v3/tenant_access_token/internal"

	// refreshMargin is subtracted from the reported lifetime so a token is
	// never presented after it really expires.
	refreshMargin = 60 * time.Second
)

// TokenProvider yields a bearer credential for the messaging API.
type TokenProvider interface {
	Token(ctx context.Context) (string, bool)
}

// TokenSource fetches and caches the tenant access token.
//
// Refresh is not serialized: concurrent callers on a cold cache may each
// fetch a token. Only the cached slot itself is guarded.
type TokenSource struct {
	http      *resty.Client
	appID     string
	appSecret string
	now       func() time.Time
	log       *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// TokenOption customizes a TokenSource.
type TokenOption func(*TokenSource)

// WithTokenClock overrides the time source used for expiry checks.
func WithTokenClock(now func() time.Time) TokenOption {
	return func(s *TokenSource) {
		if now != nil {
			s.now = now
		}
	}
}

// NewTokenSource builds a credential cache that talks to the auth endpoint via httpClient.
func NewTokenSource(httpClient *resty.Client, appID string, appSecret string, log *slog.Logger, opts ...TokenOption) *TokenSource {
	if log == nil {
		log = slog.Default()
	}

	s := &TokenSource{
		http:      httpClient,
		appID:     strings.TrimSpace(appID),
		appSecret: strings.TrimSpace(appSecret),
		now:       time.Now,
		log:       log.With("component", "feishu.token"),
	}
	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Token returns the cached token while it is fresh, fetching a new one otherwise.
//
// The bool is false when no token could be obtained; the cause is logged and
// nothing is cached.
func (s *TokenSource) Token(ctx context.Context) (string, bool) {
	if token, ok := s.cached(); ok {
		return token, true
	}

	if s.appID == "" || s.appSecret == "" {
		s.log.Error("Feishu app id or app secret is not configured")
		return "", false
	}

	return s.fetch(ctx)
}

func (s *TokenSource) cached() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.now().Before(s.expiresAt) {
		return s.token, true
	}

	return "", false
}

func (s *TokenSource) fetch(ctx context.Context) (string, bool) {
	startedAt := time.Now()
	resp, err := s.http.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"app_id":     s.appID,
			"app_secret": s.appSecret,
		}).
		Post(tokenPath)
	if err != nil {
		s.log.Error("Tenant access token request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", false
	}

	body := gjson.ParseBytes(resp.Body())
	code := body.Get("code")
	if resp.StatusCode() != http.StatusOK || !code.Exists() || code.Int() != 0 {
		s.log.Error("Tenant access token rejected",
			"status", resp.StatusCode(),
			"code", code.Int(),
			"msg", body.Get("msg").String(),
		)
		return "", false
	}

	token := strings.TrimSpace(body.Get("tenant_access_token").String())
	if token == "" {
		s.log.Error("Tenant access token response carried no token", "status", resp.StatusCode())
		return "", false
	}

	ttl := max(time.Duration(body.Get("expire").Int())*time.Second-refreshMargin, 0)

	s.mu.Lock()
	s.token = token
	s.expiresAt = s.now().Add(ttl)
	s.mu.Unlock()

	s.log.Info("Fetched tenant access token", "expires_in_seconds", int64(ttl.Seconds()), "duration_ms", time.Since(startedAt).Milliseconds())
	return token, true
}
