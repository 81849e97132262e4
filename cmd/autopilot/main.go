package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const Version = "0.3.1"

var rootCmd = &cobra.Command{
	Use:   "autopilot",
	Short: "Keep tmux-hosted AI coding agents working unattended",
	Long: `Autopilot watches AI coding agents running inside tmux sessions and
keeps them productive without a human at the keyboard.

It can:
  - Send a message to a session on a repeating schedule
  - Pick the message from conditional rules (idle, low context, time of day)
  - Auto-accept interactive prompts and auto-compact on low context
  - Pause, resume and retime loops live, surviving daemon restarts`,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the autopilot version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("autopilot " + Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
