// Package commands provides the CLI commands for the bridge.
package commands

import (
	"github.com/spf13/cobra"

	"github.com/amimimor/claude-code-telegram-bot/internal/logging"
)

// Version is set at build time.
var Version = "0.1.0"

var (
	logLevel  string
	prettyLog bool
)

var rootCmd = &cobra.Command{
	Use:   "claude-telegram",
	Short: "Drive Claude Code from Telegram",
	Long: `claude-telegram bridges a Telegram chat to the Claude Code CLI.

Run 'claude-telegram serve' to start the bridge. Messages from the
configured chat become assistant turns in per-directory sessions.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logging.Config{
			Level:  logging.ParseLevel(logLevel),
			Pretty: prettyLog,
		})
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "INFO", "Log level (DEBUG|INFO|WARN|ERROR)")
	rootCmd.PersistentFlags().BoolVar(&prettyLog, "pretty-logs", false, "Human-readable log output")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(notifyCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
