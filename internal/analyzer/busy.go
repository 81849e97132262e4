package analyzer

import (
	"strings"

	"github.com/twistedxcom/autopilot/internal/tmux"
)

// busyIndicators are the interrupt-hint strings the agent renders only while
// actively generating. Matched case-insensitively against the snapshot tail.
var busyIndicators = []string{
	"ctrl+c to interrupt", // current Claude Code
	"esc to interrupt",    // older versions
	"to interrupt",        // catch-all affix, e.g. "(esc to interrupt · ctrl+t ...)"
}

// detectBusy reports whether the agent is actively generating.
// Only the last busyTailLines lines are inspected: the indicator, when
// present, always appears near the bottom of the pane.
func detectBusy(content string) bool {
	tail := tmux.TailLines(content, busyTailLines)
	lower := strings.ToLower(tmux.StripANSI(tail))
	for _, indicator := range busyIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}
