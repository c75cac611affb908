package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"feishubridge/pkg/config"
	"feishubridge/pkg/dedup"
	"feishubridge/pkg/feishu"
	"feishubridge/pkg/pipeline"
	providertypes "feishubridge/pkg/provider/types"

	"github.com/stretchr/testify/require"
)

type recordingBackend struct {
	mu sync.Mutex

	reply  string
	inputs []string
}

func (b *recordingBackend) Health(context.Context) error { return nil }

func (b *recordingBackend) Chat(_ context.Context, userInput string, _ string) (providertypes.ChatResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inputs = append(b.inputs, userInput)
	return providertypes.ChatResult{Success: true, Content: b.reply, ConversationID: "conv-e2e"}, nil
}

func (b *recordingBackend) snapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.inputs...)
}

// fakeFeishu serves the token and reply endpoints and records replies.
type fakeFeishu struct {
	mu         sync.Mutex
	tokenCalls int
	replies    map[string]string
}

func (f *fakeFeishu) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/open-apis/auth/v3/tenant_access_token/internal", func(w http.ResponseWriter, _ *http.Request) {
		f.mu.Lock()
		f.tokenCalls++
		f.mu.Unlock()
		_, _ = w.Write([]byte(`{"code":0,"msg":"ok","tenant_access_token":"t-e2e","expire":7200}`))
	})
	mux.HandleFunc("POST /open-apis/im/v1/messages/{id}/reply", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)

		var content struct {
			Text string `json:"text"`
		}
		_ = json.Unmarshal([]byte(body.Content), &content)

		f.mu.Lock()
		f.replies[r.PathValue("id")] = content.Text
		f.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer t-e2e" {
			_, _ = w.Write([]byte(`{"code":99991663,"msg":"invalid token"}`))
			return
		}
		_, _ = w.Write([]byte(`{"code":0,"msg":"success"}`))
	})
	return mux
}

func (f *fakeFeishu) snapshot() (int, map[string]string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	replies := make(map[string]string, len(f.replies))
	for id, text := range f.replies {
		replies[id] = text
	}
	return f.tokenCalls, replies
}

func userMessageBody(eventID string, messageID string, senderType string, text string) string {
	content, _ := json.Marshal(map[string]string{"text": text})
	body, _ := json.Marshal(map[string]any{
		"schema": "2.0",
		"header": map[string]any{"event_id": eventID, "event_type": "im.message.receive_v1"},
		"event": map[string]any{
			"sender": map[string]any{
				"sender_type": senderType,
				"sender_id":   map[string]any{"open_id": "ou-e2e"},
			},
			"message": map[string]any{
				"message_id": messageID,
				"chat_id":    "oc-e2e",
				"content":    string(content),
			},
		},
	})
	return string(body)
}

func TestGatewayServiceRunE2EWebhookToReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	platform := &fakeFeishu{replies: make(map[string]string)}
	platformServer := httptest.NewServer(platform.handler())
	defer platformServer.Close()

	cfg := &config.Config{
		Feishu:  config.FeishuConfig{BaseURL: platformServer.URL, AppID: "cli_e2e", AppSecret: "secret", TimeoutSeconds: 2},
		Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: freeTCPPort(t)},
	}

	backend := &recordingBackend{reply: "Hello there! How can I help?"}
	orchestrator := pipeline.NewOrchestrator(
		dedup.New(cfg.Dedup.TTL()),
		backend,
		feishu.New(cfg.Feishu, slog.Default()),
		"e2e",
		slog.Default(),
	)

	svc, err := NewService(cfg, backend, orchestrator, slog.Default().With("component", "gateway.service.test"))
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- svc.Run(ctx) }()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, baseURL+"/readyz", 2*time.Second))

	post := func(body string) map[string]any {
		t.Helper()
		response, err := http.Post(baseURL+webhookPath, "application/json", bytes.NewBufferString(body))
		require.NoError(t, err)
		defer response.Body.Close()
		require.Equal(t, http.StatusOK, response.StatusCode)

		var payload map[string]any
		require.NoError(t, json.NewDecoder(response.Body).Decode(&payload))
		return payload
	}

	first := post(userMessageBody("ev-1", "om-1", "user", "hi"))
	require.Equal(t, map[string]any{"success": true, "message": "processed and replied"}, first)

	duplicate := post(userMessageBody("ev-1", "om-1", "user", "hi"))
	require.Equal(t, "duplicate ignored", duplicate["message"])

	bot := post(userMessageBody("ev-2", "om-2", "bot", "I am a bot"))
	require.Equal(t, "non-user message ignored", bot["message"])

	second := post(userMessageBody("ev-3", "om-3", "user", "again"))
	require.Equal(t, true, second["success"])

	tokenCalls, replies := platform.snapshot()
	require.Equal(t, 1, tokenCalls)
	require.Equal(t, map[string]string{"om-1": "Hello there!", "om-3": "Hello there!"}, replies)
	require.Equal(t, []string{"hi", "again"}, backend.snapshot())
	require.EqualValues(t, 4, svc.currentStatus("ok").EventsHandled)

	cancel()
	select {
	case err := <-runErr:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for service run to exit")
	}
}

func TestGatewayServiceRunE2EReplyFailureStillSucceeds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{
		Feishu:  config.FeishuConfig{BaseURL: "http://127.0.0.1:1", TimeoutSeconds: 1},
		Gateway: config.GatewayConfig{Host: "127.0.0.1", Port: freeTCPPort(t)},
	}

	backend := &recordingBackend{reply: "Sure."}
	orchestrator := pipeline.NewOrchestrator(dedup.New(0), backend, feishu.New(cfg.Feishu, nil), "", nil)

	svc, err := NewService(cfg, backend, orchestrator, nil)
	require.NoError(t, err)

	go func() { _ = svc.Run(ctx) }()

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", cfg.Gateway.Port)
	require.Equal(t, http.StatusOK, waitHTTPStatus(t, baseURL+"/healthz", 2*time.Second))

	response, err := http.Post(baseURL+webhookPath, "application/json", bytes.NewBufferString(userMessageBody("ev-x", "om-x", "user", "hi")))
	require.NoError(t, err)
	defer response.Body.Close()

	var payload map[string]any
	require.NoError(t, json.NewDecoder(response.Body).Decode(&payload))
	require.Equal(t, true, payload["success"])
	require.Equal(t, "processed and replied", payload["message"])
}

func waitHTTPStatus(t *testing.T, url string, timeout time.Duration) int {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		response, err := http.Get(url)
		if err == nil {
			statusCode := response.StatusCode
			require.NoError(t, response.Body.Close())
			return statusCode
		}

		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s: %v", url, err)
		}

		time.Sleep(25 * time.Millisecond)
	}
}

func freeTCPPort(t *testing.T) int {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	addr, ok := listener.Addr().(*net.TCPAddr)
	require.True(t, ok)
	return addr.Port
}
