// Package main provides the entry point for the claude-telegram bridge.
package main

import (
	"fmt"
	"os"

	"github.com/amimimor/claude-code-telegram-bot/cmd/claude-telegram/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
