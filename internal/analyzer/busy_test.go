package analyzer

import (
	"strings"
	"testing"
)

func TestDetectBusy_InterruptIndicator(t *testing.T) {
	content := "some output\n✶ Pondering… (12s · ↓ 1.2k tokens · esc to interrupt)"
	if !detectBusy(content) {
		t.Error("expected busy when interrupt hint is in the tail")
	}
}

func TestDetectBusy_CaseInsensitive(t *testing.T) {
	if !detectBusy("(Esc To Interrupt)") {
		t.Error("busy matching must be case-insensitive")
	}
}

func TestDetectBusy_IndicatorScrolledOutOfTail(t *testing.T) {
	// Indicator present, but buried more than 20 lines above the bottom.
	var b strings.Builder
	b.WriteString("(esc to interrupt)\n")
	for i := 0; i < 25; i++ {
		b.WriteString("filler line\n")
	}
	if detectBusy(b.String()) {
		t.Error("indicator outside the last 20 lines must not count as busy")
	}
}

func TestDetectBusy_PlainOutput(t *testing.T) {
	if detectBusy("$ ls\nfile.go\n$ ") {
		t.Error("plain shell output must not be busy")
	}
}

func TestDetectBusy_ANSIWrapped(t *testing.T) {
	content := "\x1b[2m(\x1b[0mesc to interrupt\x1b[2m)\x1b[0m"
	if !detectBusy(content) {
		t.Error("busy indicator must match through ANSI color codes")
	}
}
