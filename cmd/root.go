package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "feishubridge",
	Short: "Bridge Feishu bot messages to a conversational AI backend",
	Long:  "feishubridge receives Feishu event webhooks, asks the configured AI backend for an answer, and replies in the originating chat.",
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
