package analyzer

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/twistedxcom/autopilot/internal/tmux"
)

// contextPatterns is the ordered matcher chain for the remaining-context
// percentage, most specific phrasing first. First match wins. Data-driven so
// new agent versions can be matched by adding an entry, not a branch.
var contextPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)context left until auto-compact:\s*(\d{1,3})\s*%`),
	regexp.MustCompile(`(?i)context low\s*\(\s*(\d{1,3})\s*%\s*remaining\)`),
	regexp.MustCompile(`(?i)(\d{1,3})\s*%\s*(?:context\s+)?(?:left|remaining)\s+until\s+auto-compact`),
	regexp.MustCompile(`(?i)context[^%\n]{0,40}?(\d{1,3})\s*%`),
	regexp.MustCompile(`(?i)(\d{1,3})\s*%\s*context`),
}

// Box-drawing markers of the agent's input box. The conversation body sits
// between the last top border and the following bottom border; everything
// after the bottom border is the status area.
const (
	topBorderMark    = "╭"
	bottomBorderMark = "╰"
)

// detectContextPercent extracts the remaining-context percentage from the
// snapshot's status area. Returns nil when no pattern matches ("unknown",
// never zero).
func detectContextPercent(content string) *int {
	status := statusArea(tmux.StripANSI(content))
	for _, re := range contextPatterns {
		m := re.FindStringSubmatch(status)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 0 || n > 100 {
			continue
		}
		return &n
	}
	return nil
}

// statusArea returns the text below the agent's input box: everything after
// the bottom border that follows the last top border. When no input box is
// found, the whole content is returned so detection still works on bare
// status strings.
func statusArea(content string) string {
	lines := strings.Split(content, "\n")

	lastTop := -1
	for i, line := range lines {
		if strings.Contains(line, topBorderMark) {
			lastTop = i
		}
	}
	if lastTop < 0 {
		return content
	}

	for i := lastTop + 1; i < len(lines); i++ {
		if strings.Contains(lines[i], bottomBorderMark) {
			return strings.Join(lines[i+1:], "\n")
		}
	}
	return content
}
