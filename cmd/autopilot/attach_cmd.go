//go:build !windows

package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/twistedxcom/autopilot/internal/tmux"
)

var attachCmd = &cobra.Command{
	Use:   "attach SESSION",
	Short: "Attach to a session's terminal (Ctrl+Q to detach)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := tmux.IsTmuxAvailable(); err != nil {
			return err
		}
		session := tmux.NewSession(args[0])
		if !session.Exists() {
			return fmt.Errorf("tmux session %q not found", args[0])
		}
		return session.Attach(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(attachCmd)
}
