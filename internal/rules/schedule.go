// Package rules holds the per-session automation policy: the minute-of-day
// schedule bitmap and the conditional message rule set.
package rules

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MinutesPerDay is the fixed size of the schedule bitmap, one slot per
// minute since local midnight.
const MinutesPerDay = 1440

// Schedule gates loop ticks by local wall-clock time. The bitmap always has
// exactly MinutesPerDay entries; true means the minute is active.
//
// Evaluation fails open everywhere: a nil schedule, a disabled schedule, and
// an out-of-range lookup all mean "active". Missing configuration must never
// silence a session.
type Schedule struct {
	Enabled bool `toml:"enabled" json:"enabled"`

	// Timezone is a recorded label for UI display only; evaluation always
	// uses local wall-clock time.
	Timezone string `toml:"timezone" json:"timezone"`

	Minutes []bool `toml:"minutes" json:"minutes"`
}

// NewSchedule returns a disabled schedule with all minutes active.
func NewSchedule() *Schedule {
	s := &Schedule{Minutes: make([]bool, MinutesPerDay)}
	for i := range s.Minutes {
		s.Minutes[i] = true
	}
	return s
}

// Normalize forces the bitmap to exactly MinutesPerDay entries. Truncated
// data is padded with active minutes (fail open), oversized data is cut.
func (s *Schedule) Normalize() {
	if len(s.Minutes) == MinutesPerDay {
		return
	}
	fixed := make([]bool, MinutesPerDay)
	for i := range fixed {
		if i < len(s.Minutes) {
			fixed[i] = s.Minutes[i]
		} else {
			fixed[i] = true
		}
	}
	s.Minutes = fixed
}

// IsActiveAt reports whether the schedule allows activity at t.
func (s *Schedule) IsActiveAt(t time.Time) bool {
	if s == nil || !s.Enabled {
		return true
	}
	idx := t.Hour()*60 + t.Minute()
	if idx < 0 || idx >= len(s.Minutes) {
		return true
	}
	return s.Minutes[idx]
}

// SetRange marks [from, to) minute indices active or inactive. A from after
// to wraps across midnight.
func (s *Schedule) SetRange(from, to int, active bool) {
	s.Normalize()
	if from < 0 {
		from = 0
	}
	if to > MinutesPerDay {
		to = MinutesPerDay
	}
	if from <= to {
		for i := from; i < to; i++ {
			s.Minutes[i] = active
		}
		return
	}
	for i := from; i < MinutesPerDay; i++ {
		s.Minutes[i] = active
	}
	for i := 0; i < to; i++ {
		s.Minutes[i] = active
	}
}

// ParseWindows builds an enabled schedule from "HH:MM-HH:MM" windows.
// Minutes outside every window are inactive. Windows may wrap midnight.
func ParseWindows(windows []string) (*Schedule, error) {
	s := &Schedule{
		Enabled: true,
		Minutes: make([]bool, MinutesPerDay),
	}
	for _, w := range windows {
		parts := strings.SplitN(w, "-", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid window %q: want HH:MM-HH:MM", w)
		}
		from, err := parseMinute(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid window %q: %w", w, err)
		}
		to, err := parseMinute(parts[1])
		if err != nil {
			return nil, fmt.Errorf("invalid window %q: %w", w, err)
		}
		s.SetRange(from, to, true)
	}
	return s, nil
}

func parseMinute(hhmm string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(hhmm), ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("bad time %q", hhmm)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("bad hour %q", parts[0])
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("bad minute %q", parts[1])
	}
	return h*60 + m, nil
}
