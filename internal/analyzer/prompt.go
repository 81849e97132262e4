package analyzer

import (
	"strings"

	"github.com/twistedxcom/autopilot/internal/tmux"
)

// PromptType classifies a detected interactive prompt.
type PromptType string

const (
	PromptEditConfirmation PromptType = "edit-confirmation"
	PromptChoice           PromptType = "choice"
	PromptConfirmation     PromptType = "confirmation"
	PromptQuestion         PromptType = "question"
)

// PromptInfo is the result of interactive-prompt detection.
type PromptInfo struct {
	Detected   bool
	Type       PromptType
	YesDefault bool
}

// selectionMarker is the glyph the agent renders in front of the currently
// selected option (U+276F).
const selectionMarker = "❯"

// confirmationPhrases are known dialog openers, matched case-insensitively.
var confirmationPhrases = []string{
	"do you want",
	"would you like",
	"do you trust the files in this folder",
	"allow this",
	"run this command?",
	"proceed?",
	"continue?",
	"approve this plan?",
}

// editPhrases identify edit-approval dialogs specifically.
var editPhrases = []string{
	"do you want to make this edit",
	"do you want to create",
	"do you want to apply",
	"accept edits",
	"edit file",
}

var borderRunes = []string{"╭", "╰", "┌", "└", "│"}

// detectPrompt decides whether the snapshot shows an interactive prompt
// awaiting a response, and classifies it.
//
// Two tiers: a cheap high-confidence fast path (selection marker plus any
// bordered region), then a slower pass that extracts the outermost bordered
// region and evaluates boolean indicators over its interior.
func detectPrompt(content string) PromptInfo {
	clean := tmux.StripANSI(content)

	hasMarker := strings.Contains(clean, selectionMarker)
	hasBorder := containsAny(clean, borderRunes)

	// Fast path: a selection marker inside any bordered region is a
	// high-confidence prompt even when no indicator phrase matches.
	if hasMarker && hasBorder {
		info := classifyPrompt(clean, boxInterior(clean))
		if !info.Detected {
			info = PromptInfo{Detected: true, Type: PromptChoice, YesDefault: hasYesDefault(clean)}
		}
		return info
	}

	// Slow path: work the bordered region's interior
	interior := boxInterior(clean)
	if interior == "" {
		return PromptInfo{}
	}

	info := classifyPrompt(clean, interior)
	if !info.Detected {
		return PromptInfo{}
	}
	return info
}

// classifyPrompt evaluates the boolean indicators and combines them with
// OR-of-ANDs logic. The firing indicators decide the prompt type.
func classifyPrompt(full, interior string) PromptInfo {
	if interior == "" {
		interior = full
	}
	lower := strings.ToLower(interior)

	endsWithQuestion := lastNonEmptyEndsWith(interior, "?") || strings.Contains(interior, "?")
	numberedChoice := hasNumberedChoice(interior)
	hasMarker := strings.Contains(interior, selectionMarker) || strings.Contains(full, selectionMarker)
	confirmPhrase := containsAnyFold(lower, confirmationPhrases)
	editPhrase := containsAnyFold(lower, editPhrases)
	yesNo := hasYesNoOptions(lower)

	detected := (numberedChoice && hasMarker) ||
		(confirmPhrase && yesNo) ||
		(endsWithQuestion && yesNo) ||
		(endsWithQuestion && numberedChoice)
	if !detected {
		return PromptInfo{}
	}

	info := PromptInfo{Detected: true, YesDefault: hasYesDefault(full)}
	switch {
	case editPhrase:
		info.Type = PromptEditConfirmation
	case confirmPhrase && yesNo:
		info.Type = PromptConfirmation
	case numberedChoice && !yesNo:
		info.Type = PromptChoice
	case numberedChoice:
		info.Type = PromptConfirmation
	default:
		info.Type = PromptQuestion
	}
	return info
}

// boxInterior extracts the interior lines of the outermost bordered region:
// lines between the first top-border line and the last bottom-border line,
// with the side borders trimmed.
func boxInterior(content string) string {
	lines := strings.Split(content, "\n")

	top, bottom := -1, -1
	for i, line := range lines {
		if top < 0 && (strings.Contains(line, "╭") || strings.Contains(line, "┌")) {
			top = i
		}
		if strings.Contains(line, "╰") || strings.Contains(line, "└") {
			bottom = i
		}
	}
	if top < 0 || bottom <= top {
		return ""
	}

	var interior []string
	for _, line := range lines[top+1 : bottom] {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimPrefix(trimmed, "│")
		trimmed = strings.TrimSuffix(trimmed, "│")
		interior = append(interior, strings.TrimSpace(trimmed))
	}
	return strings.Join(interior, "\n")
}

// hasNumberedChoice reports a "1." or "1)" option line, the first entry of a
// numbered choice list.
func hasNumberedChoice(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimPrefix(trimmed, selectionMarker)
		trimmed = strings.TrimSpace(trimmed)
		if strings.HasPrefix(trimmed, "1.") || strings.HasPrefix(trimmed, "1)") {
			return true
		}
	}
	return false
}

// hasYesNoOptions checks for yes/no style answers among the options.
func hasYesNoOptions(lower string) bool {
	if !strings.Contains(lower, "yes") {
		return false
	}
	return strings.Contains(lower, "no") || strings.Contains(lower, "esc")
}

// hasYesDefault reports whether the pre-selected option is a "Yes".
func hasYesDefault(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		idx := strings.Index(line, selectionMarker)
		if idx < 0 {
			continue
		}
		rest := strings.ToLower(line[idx+len(selectionMarker):])
		if strings.Contains(rest, "yes") {
			return true
		}
	}
	return false
}

func lastNonEmptyEndsWith(content, suffix string) bool {
	lines := strings.Split(content, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" {
			continue
		}
		return strings.HasSuffix(trimmed, suffix)
	}
	return false
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func containsAnyFold(lower string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}
