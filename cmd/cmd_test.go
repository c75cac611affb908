package cmd

import (
	"testing"

	"feishubridge/pkg/config"
)

func TestValidateFeishuRequiresCredentials(t *testing.T) {
	t.Parallel()

	if err := validateFeishu(config.FeishuConfig{AppID: "cli_a"}); err == nil {
		t.Fatal("expected error when app secret is missing")
	}
	if err := validateFeishu(config.FeishuConfig{AppID: "cli_a", AppSecret: "s"}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestBuildServiceRejectsUnsupportedProvider(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Feishu.AppID = "cli_a"
	cfg.Feishu.AppSecret = "s"
	cfg.AI.Provider = "unknown"

	if _, err := buildService(cfg, nil); err == nil {
		t.Fatal("expected error for unsupported provider")
	}
}

func TestBuildServiceWithOpenCodeBackend(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Feishu.AppID = "cli_a"
	cfg.Feishu.AppSecret = "s"
	cfg.AI.Provider = "opencode"
	cfg.AI.OpenCode.BaseURL = "http://127.0.0.1:4096"

	svc, err := buildService(cfg, nil)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if svc == nil {
		t.Fatal("expected service")
	}
}

func TestResolveText(t *testing.T) {
	t.Parallel()

	if got := resolveText([]string{" hello", "world "}); got != "hello world" {
		t.Fatalf("resolveText = %q, want %q", got, "hello world")
	}
	if got := resolveText(nil); got != "" {
		t.Fatalf("resolveText(nil) = %q, want empty", got)
	}
}
