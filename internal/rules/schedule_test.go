package rules

import (
	"testing"
	"time"
)

func atMinute(idx int) time.Time {
	return time.Date(2026, 3, 10, idx/60, idx%60, 0, 0, time.Local)
}

func TestSchedule_DisabledIsAlwaysActive(t *testing.T) {
	s := NewSchedule()
	for i := range s.Minutes {
		s.Minutes[i] = false
	}
	s.Enabled = false

	for _, idx := range []int{0, 719, 1439} {
		if !s.IsActiveAt(atMinute(idx)) {
			t.Errorf("disabled schedule must be active at minute %d regardless of bitmap", idx)
		}
	}
}

func TestSchedule_NilIsActive(t *testing.T) {
	var s *Schedule
	if !s.IsActiveAt(time.Now()) {
		t.Error("nil schedule must fail open")
	}
}

func TestSchedule_ToggleAffectsOnlyThatMinute(t *testing.T) {
	s := NewSchedule()
	s.Enabled = true

	const target = 600 // 10:00
	s.Minutes[target] = false

	if s.IsActiveAt(atMinute(target)) {
		t.Error("toggled-off minute should be inactive")
	}
	if !s.IsActiveAt(atMinute(target-1)) || !s.IsActiveAt(atMinute(target+1)) {
		t.Error("adjacent minutes must be unaffected")
	}
}

func TestSchedule_NormalizePadsFailOpen(t *testing.T) {
	s := &Schedule{Enabled: true, Minutes: []bool{false, false}}
	s.Normalize()
	if len(s.Minutes) != MinutesPerDay {
		t.Fatalf("Normalize must produce exactly %d entries, got %d", MinutesPerDay, len(s.Minutes))
	}
	if s.Minutes[0] || s.Minutes[1] {
		t.Error("existing entries must be preserved")
	}
	if !s.Minutes[2] {
		t.Error("padded entries must default to active")
	}
}

func TestSchedule_SetRangeWrapsMidnight(t *testing.T) {
	s := &Schedule{Enabled: true, Minutes: make([]bool, MinutesPerDay)}
	s.SetRange(22*60, 6*60, true) // 22:00-06:00

	if !s.IsActiveAt(atMinute(23 * 60)) {
		t.Error("23:00 should be active")
	}
	if !s.IsActiveAt(atMinute(5 * 60)) {
		t.Error("05:00 should be active")
	}
	if s.IsActiveAt(atMinute(12 * 60)) {
		t.Error("12:00 should be inactive")
	}
}

func TestParseWindows(t *testing.T) {
	s, err := ParseWindows([]string{"09:00-17:30"})
	if err != nil {
		t.Fatalf("ParseWindows: %v", err)
	}
	if !s.Enabled {
		t.Error("parsed schedule should be enabled")
	}
	if !s.IsActiveAt(atMinute(9 * 60)) {
		t.Error("09:00 should be active")
	}
	if s.IsActiveAt(atMinute(17*60 + 30)) {
		t.Error("17:30 should be inactive (exclusive end)")
	}

	if _, err := ParseWindows([]string{"garbage"}); err == nil {
		t.Error("invalid window must error")
	}
	if _, err := ParseWindows([]string{"25:00-26:00"}); err == nil {
		t.Error("invalid hour must error")
	}
}
