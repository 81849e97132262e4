package analyzer

import "testing"

func TestDetectContextPercent_AutoCompactPhrase(t *testing.T) {
	got := detectContextPercent("Context left until auto-compact: 7%")
	if got == nil || *got != 7 {
		t.Fatalf("expected 7, got %v", got)
	}
}

func TestDetectContextPercent_NoMatch(t *testing.T) {
	if got := detectContextPercent("nothing relevant here, 42 apples"); got != nil {
		t.Fatalf("expected nil for non-matching text, got %d", *got)
	}
}

func TestDetectContextPercent_PercentWithoutContextWord(t *testing.T) {
	// A bare percentage with no "context" nearby must not match.
	if got := detectContextPercent("progress: 85% done"); got != nil {
		t.Fatalf("expected nil, got %d", *got)
	}
}

func TestDetectContextPercent_StatusAreaOnly(t *testing.T) {
	// The same phrase inside the conversation body (above the input box)
	// must be ignored; only the status area below the box counts.
	content := "Context left until auto-compact: 99%\n" +
		"╭──────────────╮\n" +
		"│ >            │\n" +
		"╰──────────────╯\n" +
		"Context left until auto-compact: 12%"
	got := detectContextPercent(content)
	if got == nil || *got != 12 {
		t.Fatalf("expected 12 from status area, got %v", got)
	}
}

func TestDetectContextPercent_BodyOnlyMatchIgnored(t *testing.T) {
	content := "discussing Context left until auto-compact: 50% in scrollback\n" +
		"╭──────────────╮\n" +
		"│ >            │\n" +
		"╰──────────────╯\n" +
		"2 files changed"
	if got := detectContextPercent(content); got != nil {
		t.Fatalf("expected nil when only the body mentions context, got %d", *got)
	}
}

func TestDetectContextPercent_PriorityOrder(t *testing.T) {
	// Most specific phrasing wins even when a looser pattern would also match.
	content := "context usage 80%\nContext left until auto-compact: 5%"
	got := detectContextPercent(content)
	if got == nil || *got != 5 {
		t.Fatalf("expected the auto-compact pattern to win, got %v", got)
	}
}

func TestDetectContextPercent_OutOfRangeRejected(t *testing.T) {
	if got := detectContextPercent("Context left until auto-compact: 250%"); got != nil {
		t.Fatalf("values over 100 must be rejected, got %d", *got)
	}
}

func TestDetectContextPercent_ContextLowPhrase(t *testing.T) {
	got := detectContextPercent("Context low (9% remaining) · Run /compact to compact")
	if got == nil || *got != 9 {
		t.Fatalf("expected 9, got %v", got)
	}
}
