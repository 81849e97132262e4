package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/twistedxcom/autopilot/internal/analyzer"
	"github.com/twistedxcom/autopilot/internal/tmux"
)

var analyzeLines int

var analyzeCmd = &cobra.Command{
	Use:   "analyze SESSION",
	Short: "Analyze a session's pane content and print the detected signals",
	Long: `Capture the session's pane and print what autopilot sees: whether
the agent looks busy, the remaining context percentage, and any interactive
prompt waiting for input. Works without a running daemon.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	rootCmd.AddCommand(analyzeCmd)
	analyzeCmd.Flags().IntVarP(&analyzeLines, "lines", "n", 200, "Pane lines to capture")
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	if err := tmux.IsTmuxAvailable(); err != nil {
		return err
	}
	session := tmux.NewSession(args[0])
	if !session.Exists() {
		return fmt.Errorf("tmux session %q not found", args[0])
	}

	content, err := session.CaptureTail(analyzeLines)
	if err != nil {
		return fmt.Errorf("capture pane: %w", err)
	}

	res := analyzer.New().Analyze(args[0], content, analyzer.Hints{
		Prompt:  true,
		Busy:    true,
		Context: true,
	})

	out := struct {
		Session        string               `json:"session"`
		Busy           *bool                `json:"busy"`
		ContextPercent *int                 `json:"contextPercent"`
		Prompt         *analyzer.PromptInfo `json:"prompt,omitempty"`
	}{
		Session:        args[0],
		Busy:           res.Busy,
		ContextPercent: res.ContextPercent,
		Prompt:         res.Prompt,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
