package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"feishubridge/pkg/feishu"

	"github.com/spf13/cobra"
)

var sendChatID string

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Post one text message to a Feishu chat",
	Long:  "Uses the configured Feishu app credentials to send a text message to the chat given by --chat-id.",
	RunE: func(cmd *cobra.Command, args []string) error {
		text := resolveText(args)
		if text == "" {
			return errors.New("message text is required")
		}
		chatID := strings.TrimSpace(sendChatID)
		if chatID == "" {
			return errors.New("--chat-id is required")
		}

		cfg, log, ok := bootstrap("cmd.send")
		if !ok {
			return errors.New("bootstrap failed")
		}
		if err := validateFeishu(cfg.Feishu); err != nil {
			return err
		}

		result := feishu.New(cfg.Feishu, log).Send(context.Background(), chatID, text)
		if !result.Success {
			return fmt.Errorf("send failed: %s", result.Error)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "sent")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVar(&sendChatID, "chat-id", "", "target chat id (oc_...)")
}

func resolveText(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}
