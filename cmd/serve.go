package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"feishubridge/pkg/config"
	"feishubridge/pkg/dedup"
	"feishubridge/pkg/feishu"
	"feishubridge/pkg/gateway"
	"feishubridge/pkg/logger"
	"feishubridge/pkg/pipeline"
	"feishubridge/pkg/provider"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook gateway",
	Long:  "Serves the Feishu event webhook plus health and readiness endpoints until interrupted.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, log, ok := bootstrap("cmd.serve")
		if !ok {
			return
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := buildService(cfg, log)
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Gateway started", "provider", cfg.AI.Provider, "model", cfg.AI.Model, "feishu_base_url", cfg.Feishu.BaseURL)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Gateway runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// bootstrap loads config and installs the process logger.
func bootstrap(component string) (*config.Config, *slog.Logger, bool) {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		return nil, nil, false
	}

	appLogger, err := logger.New(cfg.Logging)
	if err != nil {
		fmt.Printf("failed to initialize logger: %v\n", err)
		return nil, nil, false
	}
	slog.SetDefault(appLogger)

	return cfg, logger.Component(component), true
}

// buildService wires the process-lifetime state: one credential cache, one
// dedup set, one backend, shared by every request.
func buildService(cfg *config.Config, log *slog.Logger) (*gateway.Service, error) {
	if err := validateFeishu(cfg.Feishu); err != nil {
		return nil, err
	}

	backend, err := provider.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("initialize provider: %w", err)
	}

	orchestrator := pipeline.NewOrchestrator(
		dedup.New(cfg.Dedup.TTL()),
		backend,
		feishu.New(cfg.Feishu, log),
		cfg.AI.ConversationLabel,
		log,
	)

	return gateway.NewService(cfg, backend, orchestrator, log)
}

func validateFeishu(cfg config.FeishuConfig) error {
	if cfg.AppID == "" || cfg.AppSecret == "" {
		return errors.New("feishu.app_id and feishu.app_secret are required (or FEISHU_APP_ID / FEISHU_APP_SECRET)")
	}

	return nil
}
