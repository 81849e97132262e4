package analyzer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyze_OnlyHintedSignalsComputed(t *testing.T) {
	a := New()
	res := a.Analyze("s1", "(esc to interrupt)", Hints{Busy: true})
	require.NotNil(t, res.Busy)
	assert.True(t, *res.Busy)
	assert.Nil(t, res.Prompt)
	assert.Nil(t, res.ContextPercent)
}

func TestAnalyze_BusyCacheHonoredUntilExpiry(t *testing.T) {
	a := New()
	now := time.Now()
	a.SetClock(func() time.Time { return now })

	res := a.Analyze("s1", "(esc to interrupt)", Hints{Busy: true})
	require.True(t, *res.Busy)

	// Content changed, but cache is still fresh: stale true is returned.
	res = a.Analyze("s1", "idle now", Hints{Busy: true})
	assert.True(t, *res.Busy)

	// Past the 2s TTL the new content is analyzed.
	now = now.Add(busyTTL + time.Millisecond)
	res = a.Analyze("s1", "idle now", Hints{Busy: true})
	assert.False(t, *res.Busy)
}

func TestAnalyze_CachesAreIndependentPerSignal(t *testing.T) {
	a := New()
	now := time.Now()
	a.SetClock(func() time.Time { return now })

	content := "Context left until auto-compact: 30%"
	res := a.Analyze("s1", content, Hints{Busy: true, Context: true})
	require.NotNil(t, res.ContextPercent)
	assert.Equal(t, 30, *res.ContextPercent)
	assert.False(t, *res.Busy)

	// Busy expires at 2s, context (20s TTL) must still serve the old value.
	now = now.Add(3 * time.Second)
	res = a.Analyze("s1", "Context left until auto-compact: 5%", Hints{Busy: true, Context: true})
	assert.Equal(t, 30, *res.ContextPercent)

	now = now.Add(contextTTL)
	res = a.Analyze("s1", "Context left until auto-compact: 5%", Hints{Context: true})
	assert.Equal(t, 5, *res.ContextPercent)
}

func TestAnalyze_CachesAreIndependentPerSession(t *testing.T) {
	a := New()
	resA := a.Analyze("a", "(esc to interrupt)", Hints{Busy: true})
	resB := a.Analyze("b", "idle", Hints{Busy: true})
	assert.True(t, *resA.Busy)
	assert.False(t, *resB.Busy)
}

func TestAnalyze_NullContextIsUnknownNotZero(t *testing.T) {
	a := New()
	res := a.Analyze("s1", "no percentages here", Hints{Context: true})
	assert.Nil(t, res.ContextPercent)
}

func TestInvalidate(t *testing.T) {
	a := New()
	res := a.Analyze("s1", "(esc to interrupt)", Hints{Busy: true})
	require.True(t, *res.Busy)

	a.Invalidate("s1")
	res = a.Analyze("s1", "idle", Hints{Busy: true})
	assert.False(t, *res.Busy)
}

func TestActivityTracker_IdleTransitions(t *testing.T) {
	tr := NewActivityTracker()
	now := time.Now()
	tr.SetClock(func() time.Time { return now })

	tr.Observe(true)
	assert.Equal(t, time.Duration(0), tr.IdleFor(), "busy session has zero idle time")

	now = now.Add(time.Minute)
	tr.Observe(false)

	now = now.Add(10 * time.Minute)
	assert.Equal(t, 10*time.Minute, tr.IdleFor())

	// Going busy again resets idle.
	tr.Observe(true)
	assert.Equal(t, time.Duration(0), tr.IdleFor())
}
