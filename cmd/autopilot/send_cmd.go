package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/twistedxcom/autopilot/internal/tmux"
)

var sendCmd = &cobra.Command{
	Use:   "send SESSION TEXT...",
	Short: "Send a message to a session",
	Long: `Send text to the session's pane followed by Enter, using the same
chunked delivery path the daemon uses for scheduled messages.

Examples:
  autopilot send myagent continue
  autopilot send myagent "run the tests and fix what breaks"`,
	Args: cobra.MinimumNArgs(2),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	if err := tmux.IsTmuxAvailable(); err != nil {
		return err
	}
	session := tmux.NewSession(args[0])
	if !session.Exists() {
		return fmt.Errorf("tmux session %q not found", args[0])
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return session.SendMessage(ctx, strings.Join(args[1:], " "))
}
