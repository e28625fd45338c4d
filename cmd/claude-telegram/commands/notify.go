package commands

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var notifyServerURL string

// notifyCmd is wired into the Claude Code hook configuration, e.g.:
//
//	{"hooks": {"Stop": [{"matcher": "*", "hooks": [
//	  {"type": "command", "command": "claude-telegram notify completed"}]}]}}
//
// It posts the event to the running bridge, which forwards it to chat.
var notifyCmd = &cobra.Command{
	Use:   "notify <completed|waiting|...>",
	Short: "Send a hook notification through the running bridge",
	Args:  cobra.ExactArgs(1),
	RunE:  runNotify,
}

func init() {
	notifyCmd.Flags().StringVar(&notifyServerURL, "server", "", "Bridge server URL (default $HOOK_SERVER_URL or http://localhost:8000)")
}

func runNotify(cmd *cobra.Command, args []string) error {
	base := notifyServerURL
	if base == "" {
		base = os.Getenv("HOOK_SERVER_URL")
	}
	if base == "" {
		base = "http://localhost:8000"
	}
	base = strings.TrimRight(base, "/")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(fmt.Sprintf("%s/notify/%s", base, args[0]), "application/json", nil)
	if err != nil {
		return fmt.Errorf("notify: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("notify: server returned %s", resp.Status)
	}

	fmt.Printf("notification sent: %s\n", args[0])
	return nil
}
