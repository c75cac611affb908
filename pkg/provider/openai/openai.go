package openai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"feishubridge/pkg/config"
	providertypes "feishubridge/pkg/provider/types"

	osdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/conversations"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
)

// Client answers user messages through the OpenAI Responses API, keeping one
// conversation per conversation label.
type Client struct {
	client         osdk.Client
	model          string
	requestTimeout time.Duration

	mu            sync.Mutex
	conversations map[string]string
}

func New(cfg *config.Config) (*Client, error) {
	providerCfg := cfg.AI.OpenAI
	apiKey := resolveAPIKey(providerCfg)
	if apiKey == "" {
		return nil, errors.New("ai.openai.api_key_env is required or OPENAI_API_KEY must be set")
	}

	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL := strings.TrimSpace(providerCfg.BaseURL); baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if organization := strings.TrimSpace(providerCfg.Organization); organization != "" {
		opts = append(opts, option.WithOrganization(organization))
	}
	if project := strings.TrimSpace(providerCfg.Project); project != "" {
		opts = append(opts, option.WithProject(project))
	}

	requestTimeout := time.Duration(providerCfg.RequestTimeoutSeconds) * time.Second
	if requestTimeout > 0 {
		opts = append(opts, option.WithRequestTimeout(requestTimeout))
	}

	return &Client{
		client:         osdk.NewClient(opts...),
		model:          cfg.AI.Model,
		requestTimeout: requestTimeout,
		conversations:  make(map[string]string),
	}, nil
}

func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "health")
	startedAt := time.Now()
	log.Debug("provider request started")

	if _, err := c.client.Models.List(ctx); err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds())

	return nil
}

// Chat sends userInput into the conversation tracked for conversationLabel.
func (c *Client) Chat(ctx context.Context, userInput string, conversationLabel string) (providertypes.ChatResult, error) {
	prompt := strings.TrimSpace(userInput)
	if prompt == "" {
		return providertypes.Failed("user input is empty"), nil
	}

	normalizedModel, err := normalizeModel(c.model)
	if err != nil {
		return providertypes.ChatResult{}, err
	}

	conversationID, err := c.conversationFor(ctx, conversationLabel)
	if err != nil {
		return providertypes.ChatResult{}, err
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "chat")
	startedAt := time.Now()
	log.Debug("provider request started",
		"conversation_id", conversationID,
		"model", normalizedModel,
		"prompt_length", len(prompt),
	)

	response, err := c.client.Responses.New(ctx, responses.ResponseNewParams{
		Model: normalizedModel,
		Input: responses.ResponseNewParamsInputUnion{OfString: osdk.String(prompt)},
		Conversation: responses.ResponseNewParamsConversationUnion{
			OfConversationObject: &responses.ResponseConversationParam{ID: conversationID},
		},
	})
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return providertypes.ChatResult{}, fmt.Errorf("chat failed: %w", err)
	}

	text := strings.TrimSpace(response.OutputText())
	if text == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "no output text")
		result := providertypes.Failed("response contained no text")
		result.ConversationID = conversationID
		return result, nil
	}
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "response_length", len(text))

	return providertypes.ChatResult{
		Success:        true,
		Content:        text,
		ConversationID: conversationID,
	}, nil
}

// conversationFor returns the conversation id for label, creating it on first use.
//
// Two concurrent first uses of a label may both create a conversation; the
// later one wins the slot.
func (c *Client) conversationFor(ctx context.Context, label string) (string, error) {
	label = strings.TrimSpace(label)

	c.mu.Lock()
	id, ok := c.conversations[label]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	ctx, cancel := c.withTimeout(ctx)
	defer cancel()
	log := providerLogger().With("operation", "create_conversation")
	startedAt := time.Now()
	log.Debug("provider request started", "label", label)

	conversation, err := c.client.Conversations.New(ctx, conversations.ConversationNewParams{})
	if err != nil {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", err)
		return "", fmt.Errorf("create conversation failed: %w", err)
	}
	if conversation == nil || strings.TrimSpace(conversation.ID) == "" {
		log.Debug("provider request failed", "duration_ms", time.Since(startedAt).Milliseconds(), "error", "empty conversation id")
		return "", errors.New("create conversation returned empty conversation id")
	}
	id = strings.TrimSpace(conversation.ID)
	log.Debug("provider request completed", "duration_ms", time.Since(startedAt).Milliseconds(), "conversation_id", id)

	c.mu.Lock()
	c.conversations[label] = id
	c.mu.Unlock()

	return id, nil
}

func providerLogger() *slog.Logger {
	return slog.Default().With("component", "provider.openai")
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.requestTimeout <= 0 {
		return ctx, func() {}
	}

	return context.WithTimeout(ctx, c.requestTimeout)
}

func resolveAPIKey(cfg config.OpenAIProviderConfig) string {
	if apiKeyEnv := strings.TrimSpace(cfg.APIKeyEnv); apiKeyEnv != "" {
		if apiKey := strings.TrimSpace(os.Getenv(apiKeyEnv)); apiKey != "" {
			return apiKey
		}
	}

	return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
}

func normalizeModel(model string) (string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return "", errors.New("ai.model is required")
	}

	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 {
		return model, nil
	}

	providerID := strings.TrimSpace(parts[0])
	modelID := strings.TrimSpace(parts[1])
	if providerID == "" || modelID == "" {
		return "", errors.New("model is invalid")
	}
	if providerID != "openai" {
		return "", fmt.Errorf("model provider %q is not supported by openai provider", providerID)
	}

	return modelID, nil
}
