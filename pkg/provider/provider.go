package provider

import (
	"context"
	"fmt"
	"log/slog"

	"feishubridge/pkg/config"
	provideropenai "feishubridge/pkg/provider/openai"
	"feishubridge/pkg/provider/opencode"
	providertypes "feishubridge/pkg/provider/types"
)

// Backend is the conversational AI the bridge forwards user messages to.
//
// Chat returns an error when the backend could not be reached at all; a
// reachable backend that declines to answer reports Success=false instead.
type Backend interface {
	Health(ctx context.Context) error
	Chat(ctx context.Context, userInput string, conversationLabel string) (providertypes.ChatResult, error)
}

func New(cfg *config.Config) (Backend, error) {
	providerID := cfg.AI.Provider
	if providerID == "" {
		providerID = config.DefaultAIProvider
	}

	slog.Default().With("component", "provider.factory").Debug("Resolving AI backend", "provider", providerID)

	switch providerID {
	case "openai":
		return provideropenai.New(cfg)
	case "opencode":
		return opencode.New(cfg)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", providerID)
	}
}
