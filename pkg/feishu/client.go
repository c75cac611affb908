// Package feishu talks to the Feishu open platform: tenant credentials and
// text message delivery.
package feishu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"feishubridge/pkg/config"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

const (
	replyPath         = "/open-apis/im/v1/messages/{message_id}/reply"
	sendPath          = "/open-apis/im/v1/messages"
	msgTypeText       = "text"

	errNoCredential = "no credential"
	errNoMessageID  = "message id is required"
	errNoChatID     = "chat id is required"
)

// Result is the uniform outcome of one delivery call.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Client sends and replies to chat messages with a tenant access token.
type Client struct {
	http   *resty.Client
	tokens TokenProvider
	log    *slog.Logger
}

// NewHTTPClient builds the shared HTTP client for every Feishu endpoint.
func NewHTTPClient(cfg config.FeishuConfig) *resty.Client {
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetHeader("Content-Type", "application/json; charset=utf-8")
	if timeout := cfg.Timeout(); timeout > 0 {
		client.SetTimeout(timeout)
	}

	return client
}

// New wires a messaging client and its credential cache from configuration.
func New(cfg config.FeishuConfig, log *slog.Logger) *Client {
	httpClient := NewHTTPClient(cfg)
	return NewClient(httpClient, NewTokenSource(httpClient, cfg.AppID, cfg.AppSecret, log), log)
}

// NewClient builds a messaging client over an existing HTTP client and token provider.
func NewClient(httpClient *resty.Client, tokens TokenProvider, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}

	return &Client{
		http:   httpClient,
		tokens: tokens,
		log:    log.With("component", "feishu.client"),
	}
}

// Reply posts text as a reply to messageID.
func (c *Client) Reply(ctx context.Context, messageID string, text string) Result {
	messageID = strings.TrimSpace(messageID)
	if messageID == "" {
		c.log.Error("Skipping reply without message id")
		return Result{Error: errNoMessageID}
	}

	body := map[string]string{
		"content":  textContent(text),
		"msg_type": msgTypeText,
	}

	return c.post(ctx, "reply", replyPath, request{pathParams: map[string]string{"message_id": messageID}, body: body})
}

// Send posts text as a new message in chatID.
func (c *Client) Send(ctx context.Context, chatID string, text string) Result {
	chatID = strings.TrimSpace(chatID)
	if chatID == "" {
		c.log.Error("Skipping send without chat id")
		return Result{Error: errNoChatID}
	}

	body := map[string]string{
		"receive_id": chatID,
		"content":    textContent(text),
		"msg_type":   msgTypeText,
	}

	return c.post(ctx, "send", sendPath, request{query: map[string]string{"receive_id_type": "chat_id"}, body: body})
}

type request struct {
	pathParams map[string]string
	query      map[string]string
	body       any
}

func (c *Client) post(ctx context.Context, operation string, path string, req request) Result {
	log := c.log.With("operation", operation)

	token, ok := c.tokens.Token(ctx)
	if !ok {
		log.Error("Skipping message delivery without credential")
		return Result{Error: errNoCredential}
	}

	startedAt := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetPathParams(req.pathParams).
		SetQueryParams(req.query).
		SetBody(req.body).
		Post(path)
	if err != nil {
		log.Error("Message request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return Result{Error: err.Error()}
	}

	data := gjson.ParseBytes(resp.Body())
	code := data.Get("code")
	if resp.StatusCode() != http.StatusOK || !code.Exists() || code.Int() != 0 {
		msg := data.Get("msg").String()
		log.Error("Message request rejected",
			"status", resp.StatusCode(),
			"code", code.Int(),
			"msg", msg,
			"duration_ms", time.Since(startedAt).Milliseconds(),
		)
		if msg == "" {
			msg = fmt.Sprintf("unexpected response: status %d", resp.StatusCode())
		}
		return Result{Error: msg}
	}

	log.Debug("Message delivered", "duration_ms", time.Since(startedAt).Milliseconds())
	return Result{Success: true}
}

// textContent encodes text the way the platform expects: a JSON string
// holding {"text": ...}.
func textContent(text string) string {
	encoded, _ := json.Marshal(map[string]string{"text": text})
	return string(encoded)
}
