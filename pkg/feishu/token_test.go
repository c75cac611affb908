package feishu

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feishubridge/pkg/config"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type tokenServer struct {
	calls  atomic.Int32
	status int
	body   string
	last   map[string]string
	mu     sync.Mutex
}

func (s *tokenServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.calls.Add(1)

	var payload map[string]string
	_ = json.NewDecoder(r.Body).Decode(&payload)
	s.mu.Lock()
	s.last = payload
	s.mu.Unlock()

	status := s.status
	if status == 0 {
		status = http.StatusOK
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s.body))
}

func (s *tokenServer) lastPayload() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func newTokenSourceForTest(t *testing.T, handler http.Handler, appID string, appSecret string, clock *fakeClock) *TokenSource {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle(tokenPath, handler)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	httpClient := NewHTTPClient(config.FeishuConfig{BaseURL: server.URL, TimeoutSeconds: 2})
	return NewTokenSource(httpClient, appID, appSecret, nil, WithTokenClock(clock.Now))
}

func TestTokenCachedUntilRefreshMargin(t *testing.T) {
	t.Parallel()

	server := &tokenServer{body: `{"code":0,"msg":"ok","tenant_access_token":"t-1","expire":7200}`}
	clock := newFakeClock()
	source := newTokenSourceForTest(t, server, "cli_a", "secret", clock)

	token, ok := source.Token(context.Background())
	require.True(t, ok)
	require.Equal(t, "t-1", token)
	require.EqualValues(t, 1, server.calls.Load())
	require.Equal(t, map[string]string{"app_id": "cli_a", "app_secret": "secret"}, server.lastPayload())

	clock.Advance(7200*time.Second - refreshMargin - time.Second)
	token, ok = source.Token(context.Background())
	require.True(t, ok)
	require.Equal(t, "t-1", token)
	require.EqualValues(t, 1, server.calls.Load())

	clock.Advance(time.Second)
	_, ok = source.Token(context.Background())
	require.True(t, ok)
	require.EqualValues(t, 2, server.calls.Load(), "token must be refreshed at expire-60s")
}

func TestTokenFailuresAreNotCached(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		status int
		body   string
	}{
		{name: "non zero code", body: `{"code":10003,"msg":"invalid app_secret"}`},
		{name: "http error", status: http.StatusInternalServerError, body: `{"code":0,"tenant_access_token":"t"}`},
		{name: "missing token", body: `{"code":0,"msg":"ok"}`},
		{name: "not json", body: `<html>bad gateway</html>`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := &tokenServer{status: tt.status, body: tt.body}
			source := newTokenSourceForTest(t, server, "cli_a", "secret", newFakeClock())

			_, ok := source.Token(context.Background())
			require.False(t, ok)
			_, ok = source.Token(context.Background())
			require.False(t, ok)
			require.EqualValues(t, 2, server.calls.Load())
		})
	}
}

func TestTokenMissingCredentialsSkipsNetwork(t *testing.T) {
	t.Parallel()

	server := &tokenServer{body: `{"code":0,"tenant_access_token":"t","expire":7200}`}
	source := newTokenSourceForTest(t, server, "", "secret", newFakeClock())

	_, ok := source.Token(context.Background())
	require.False(t, ok)
	require.Zero(t, server.calls.Load())
}

func TestTokenTransportError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.NotFoundHandler())
	baseURL := server.URL
	server.Close()

	httpClient := NewHTTPClient(config.FeishuConfig{BaseURL: baseURL, TimeoutSeconds: 1})
	source := NewTokenSource(httpClient, "cli_a", "secret", nil)

	_, ok := source.Token(context.Background())
	require.False(t, ok)
}

func TestTokenShortExpireIsNotReused(t *testing.T) {
	t.Parallel()

	server := &tokenServer{body: `{"code":0,"tenant_access_token":"t-short","expire":30}`}
	source := newTokenSourceForTest(t, server, "cli_a", "secret", newFakeClock())

	_, ok := source.Token(context.Background())
	require.True(t, ok)
	_, ok = source.Token(context.Background())
	require.True(t, ok)
	require.EqualValues(t, 2, server.calls.Load())
}
