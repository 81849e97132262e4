package rules

import (
	"strings"
	"time"
)

// Fixed suffixes the low-context rule may append to its message.
const (
	// CompactSuffix asks the agent to reset its own context.
	CompactSuffix = "Context is running low; run /compact before starting anything new."

	// FinishedSuffix asks the agent to emit the sentinel when it has no
	// pending work left.
	FinishedSuffix = "If you have no more pending work, reply with exactly: AUTOPILOT DONE."

	// FinishedSentinel is the exact phrase the agent is asked to emit.
	FinishedSentinel = "AUTOPILOT DONE"
)

// IdleRule fires when the agent has been idle past a threshold.
type IdleRule struct {
	Enabled     bool   `toml:"enabled" json:"enabled"`
	IdleSeconds int    `toml:"idle_seconds" json:"idleSeconds"`
	Message     string `toml:"message" json:"message"`
}

// AfterCompactRule fires for the first few messages after a context compact.
type AfterCompactRule struct {
	Enabled     bool   `toml:"enabled" json:"enabled"`
	MaxMessages int    `toml:"max_messages" json:"maxMessages"`
	Message     string `toml:"message" json:"message"`
}

// LowContextRule fires when remaining context drops to a threshold.
type LowContextRule struct {
	Enabled        bool   `toml:"enabled" json:"enabled"`
	PercentMax     int    `toml:"percent_max" json:"percentMax"`
	Message        string `toml:"message" json:"message"`
	AppendCompact  bool   `toml:"append_compact" json:"appendCompact"`
	AppendFinished bool   `toml:"append_finished" json:"appendFinished"`
}

// DurationRule fires once the session has run past an hour threshold.
type DurationRule struct {
	Enabled  bool    `toml:"enabled" json:"enabled"`
	MaxHours float64 `toml:"max_hours" json:"maxHours"`
	Message  string  `toml:"message" json:"message"`
}

// TimeOfDayRule fires when the local hour falls in [StartHour, EndHour).
type TimeOfDayRule struct {
	Enabled   bool   `toml:"enabled" json:"enabled"`
	StartHour int    `toml:"start_hour" json:"startHour"`
	EndHour   int    `toml:"end_hour" json:"endHour"`
	Message   string `toml:"message" json:"message"`
}

// StandardRule is the always-available fallback message.
type StandardRule struct {
	Enabled bool   `toml:"enabled" json:"enabled"`
	Message string `toml:"message" json:"message"`
}

// ConditionalMessages is the per-session rule set. Priority is fixed by rule
// category, not by declaration order; see SelectMessage.
type ConditionalMessages struct {
	OnIdle       IdleRule         `toml:"on_idle" json:"onIdle"`
	AfterCompact AfterCompactRule `toml:"after_compact" json:"afterCompact"`
	LowContext   LowContextRule   `toml:"low_context" json:"lowContext"`
	Duration     DurationRule     `toml:"session_duration" json:"sessionDuration"`
	Morning      TimeOfDayRule    `toml:"morning" json:"morning"`
	Afternoon    TimeOfDayRule    `toml:"afternoon" json:"afternoon"`
	Evening      TimeOfDayRule    `toml:"evening" json:"evening"`
	Standard     StandardRule     `toml:"standard" json:"standard"`
}

// Signals is the input state SelectMessage evaluates against.
type Signals struct {
	Busy                 bool
	IdleFor              time.Duration
	ContextPercent       *int // nil = unknown
	CompactSeen          bool
	MessagesSinceCompact int
	SessionElapsed       time.Duration
	Now                  time.Time
}

// SelectMessage picks at most one outgoing message in strict priority order:
// idle, after-compact, low-context, session-duration, morning, afternoon,
// evening, standard. Disabled rules are skipped without consuming their
// slot. Returns ("", false) when nothing applies.
func SelectMessage(cfg *ConditionalMessages, sig Signals) (string, bool) {
	if cfg == nil {
		return "", false
	}

	if r := cfg.OnIdle; r.Enabled && r.IdleSeconds > 0 && !sig.Busy &&
		sig.IdleFor >= time.Duration(r.IdleSeconds)*time.Second {
		return r.Message, true
	}

	if r := cfg.AfterCompact; r.Enabled && sig.CompactSeen &&
		sig.MessagesSinceCompact <= r.MaxMessages {
		return r.Message, true
	}

	if r := cfg.LowContext; r.Enabled && sig.ContextPercent != nil &&
		*sig.ContextPercent <= r.PercentMax {
		msg := r.Message
		if r.AppendCompact {
			msg = joinSentence(msg, CompactSuffix)
		}
		if r.AppendFinished {
			msg = joinSentence(msg, FinishedSuffix)
		}
		return msg, true
	}

	if r := cfg.Duration; r.Enabled && r.MaxHours > 0 &&
		sig.SessionElapsed >= time.Duration(r.MaxHours*float64(time.Hour)) {
		return r.Message, true
	}

	hour := sig.Now.Hour()
	for _, r := range []TimeOfDayRule{cfg.Morning, cfg.Afternoon, cfg.Evening} {
		if r.Enabled && hourInRange(hour, r.StartHour, r.EndHour) {
			return r.Message, true
		}
	}

	if cfg.Standard.Enabled {
		return cfg.Standard.Message, true
	}

	return "", false
}

// hourInRange checks h against [start, end), wrapping across midnight when
// start > end.
func hourInRange(h, start, end int) bool {
	if start == end {
		return false
	}
	if start < end {
		return h >= start && h < end
	}
	return h >= start || h < end
}

func joinSentence(base, suffix string) string {
	base = strings.TrimSpace(base)
	if base == "" {
		return suffix
	}
	return base + " " + suffix
}
