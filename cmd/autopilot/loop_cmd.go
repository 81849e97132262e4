package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/twistedxcom/autopilot/internal/scheduler"
)

var startCmd = &cobra.Command{
	Use:   "start SESSION",
	Short: "Start the message loop for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return loopAction(args[0], "start")
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop SESSION",
	Short: "Stop the message loop for a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return loopAction(args[0], "stop")
	},
}

var pauseCmd = &cobra.Command{
	Use:   "pause [SESSION]",
	Short: "Pause one loop, or every loop when no session is given",
	Long: `Pause a session's loop, preserving the time remaining until its next
message. With no session, pauses every running loop at once.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return globalAction("pause")
		}
		return loopAction(args[0], "pause")
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume [SESSION]",
	Short: "Resume one loop, or every paused loop when no session is given",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return globalAction("resume")
		}
		return loopAction(args[0], "resume")
	},
}

var delayCmd = &cobra.Command{
	Use:   "delay SESSION MINUTES",
	Short: "Change a running loop's interval live",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		minutes, err := strconv.Atoi(args[1])
		if err != nil || minutes <= 0 {
			return fmt.Errorf("minutes must be a positive integer, got %q", args[1])
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return client.post("/api/loops/"+args[0]+"/delay",
			map[string]int{"minutes": minutes}, nil)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status [SESSION]",
	Short: "Show loop status",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(startCmd, stopCmd, pauseCmd, resumeCmd, delayCmd, statusCmd)
}

func loopAction(session, action string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	return client.post("/api/loops/"+session+"/"+action, nil, nil)
}

func globalAction(action string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	return client.post("/api/"+action, nil, nil)
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		var body struct {
			Loop           scheduler.LoopStatus `json:"loop"`
			ScheduleActive bool                 `json:"scheduleActive"`
		}
		if err := client.get("/api/loops/"+args[0], &body); err != nil {
			return err
		}
		printLoops([]scheduler.LoopStatus{body.Loop})
		fmt.Printf("schedule active: %t\n", body.ScheduleActive)
		return nil
	}

	var body struct {
		Loops []scheduler.LoopStatus `json:"loops"`
	}
	if err := client.get("/api/loops", &body); err != nil {
		return err
	}
	if len(body.Loops) == 0 {
		fmt.Println("no loops running")
		return nil
	}
	printLoops(body.Loops)
	return nil
}

func printLoops(loops []scheduler.LoopStatus) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSTATE\tDELAY\tNEXT FIRE\tLAST FIRE")
	for _, l := range loops {
		state := "stopped"
		if l.Running {
			state = "running"
			if l.Paused {
				state = "paused"
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%dm\t%s\t%s\n",
			l.Session, state, l.DelayMinutes,
			formatFireTime(l.NextFire), formatFireTime(l.LastFire))
	}
	w.Flush()
}

func formatFireTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("15:04:05")
}
