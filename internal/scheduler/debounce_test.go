package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testAction is a debouncer run target that records invocations and can
// block or fail on demand. Wire onDone into the debouncer config so wait()
// returns only after the state machine has fully settled.
type testAction struct {
	mu      sync.Mutex
	calls   int
	err     error
	release chan struct{}
	done    chan struct{}
}

func newTestAction() *testAction {
	return &testAction{done: make(chan struct{}, 16)}
}

func (a *testAction) run(context.Context, string) error {
	a.mu.Lock()
	a.calls++
	release := a.release
	err := a.err
	a.mu.Unlock()
	if release != nil {
		<-release
	}
	return err
}

func (a *testAction) onDone(string, error) {
	a.done <- struct{}{}
}

func (a *testAction) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

func (a *testAction) wait(t *testing.T) {
	t.Helper()
	select {
	case <-a.done:
	case <-time.After(2 * time.Second):
		t.Fatal("action did not run")
	}
}

func fixedCooldown(d time.Duration) func(string) time.Duration {
	return func(string) time.Duration { return d }
}

func TestDebouncer_RunsAfterArmDelay(t *testing.T) {
	act := newTestAction()
	d := newDebouncer(ActionAutoAccept, debouncerConfig{
		armDelay: 5 * time.Millisecond,
		cooldown: fixedCooldown(time.Minute),
		run:      act.run,
		onDone:   act.onDone,
	})

	dec := d.Request("a")
	require.True(t, dec.Scheduled)
	act.wait(t)
	assert.Equal(t, 1, act.callCount())
}

func TestDebouncer_InProgressDropsRequests(t *testing.T) {
	act := newTestAction()
	act.release = make(chan struct{})
	d := newDebouncer(ActionAutoAccept, debouncerConfig{
		armDelay: time.Millisecond,
		cooldown: fixedCooldown(0),
		run:      act.run,
		onDone:   act.onDone,
	})

	require.True(t, d.Request("a").Scheduled)
	// Second request lands while the first is scheduled or running.
	dec := d.Request("a")
	assert.False(t, dec.Scheduled)
	assert.Equal(t, "in_progress", dec.Reason)

	close(act.release)
	act.wait(t)
	assert.Equal(t, 1, act.callCount(), "requests are dropped, never queued")
}

func TestDebouncer_CooldownRemainingDecreases(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := base
	var mu sync.Mutex

	act := newTestAction()
	d := newDebouncer(ActionAutoAccept, debouncerConfig{
		armDelay: time.Millisecond,
		cooldown: fixedCooldown(5 * time.Minute),
		run:      act.run,
		onDone:   act.onDone,
	})
	d.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	require.True(t, d.Request("a").Scheduled)
	act.wait(t)

	mu.Lock()
	clock = base.Add(1 * time.Minute)
	mu.Unlock()
	first := d.Request("a")
	assert.Equal(t, "cooldown", first.Reason)
	assert.Equal(t, 4*time.Minute, first.CooldownRemaining)

	mu.Lock()
	clock = base.Add(3 * time.Minute)
	mu.Unlock()
	second := d.Request("a")
	assert.Equal(t, 2*time.Minute, second.CooldownRemaining)
	assert.Less(t, second.CooldownRemaining, first.CooldownRemaining)

	mu.Lock()
	clock = base.Add(6 * time.Minute)
	mu.Unlock()
	assert.True(t, d.Request("a").Scheduled, "expired cooldown allows the next run")
}

func TestDebouncer_FailureClearsInProgress(t *testing.T) {
	act := newTestAction()
	act.err = errors.New("send failed")
	d := newDebouncer(ActionAutoCompact, debouncerConfig{
		armDelay: time.Millisecond,
		cooldown: fixedCooldown(time.Minute),
		run:      act.run,
		onDone:   act.onDone,
	})

	require.True(t, d.Request("a").Scheduled)
	act.wait(t)

	// The failed run pays no cooldown and leaves no wedged in-progress
	// flag: the next detection retries immediately.
	dec := d.Request("a")
	require.True(t, dec.Scheduled, "failure must not charge the cooldown")
	act.wait(t)
	assert.Equal(t, 2, act.callCount())
}

func TestDebouncer_CooldownStartsOnlyOnSuccess(t *testing.T) {
	act := newTestAction()
	act.err = errors.New("send failed")
	d := newDebouncer(ActionAutoCompact, debouncerConfig{
		armDelay: time.Millisecond,
		cooldown: fixedCooldown(time.Hour),
		run:      act.run,
		onDone:   act.onDone,
	})

	require.True(t, d.Request("a").Scheduled)
	act.wait(t)

	// Transport recovers; the retry succeeds and only now the cooldown arms.
	act.mu.Lock()
	act.err = nil
	act.mu.Unlock()
	require.True(t, d.Request("a").Scheduled)
	act.wait(t)

	dec := d.Request("a")
	assert.Equal(t, "cooldown", dec.Reason)
	assert.Greater(t, dec.CooldownRemaining, time.Duration(0))
}

func TestDebouncer_GracePeriodBlocksThenClears(t *testing.T) {
	act := newTestAction()
	d := newDebouncer(ActionAutoCompact, debouncerConfig{
		armDelay: time.Millisecond,
		grace:    50 * time.Millisecond,
		cooldown: fixedCooldown(0),
		run:      act.run,
		onDone:   act.onDone,
	})

	require.True(t, d.Request("a").Scheduled)
	act.wait(t)

	dec := d.Request("a")
	assert.Equal(t, "cooling_down", dec.Reason)

	assert.Eventually(t, func() bool {
		return d.Request("a").Scheduled
	}, 2*time.Second, 10*time.Millisecond, "grace period must clear on its own")
}

func TestDebouncer_CancelDropsScheduled(t *testing.T) {
	act := newTestAction()
	d := newDebouncer(ActionAutoAccept, debouncerConfig{
		armDelay: 50 * time.Millisecond,
		cooldown: fixedCooldown(0),
		run:      act.run,
	})

	require.True(t, d.Request("a").Scheduled)
	d.Cancel("a")
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, act.callCount())

	// Back to idle: a new request schedules again.
	assert.True(t, d.Request("a").Scheduled)
}

func TestDebouncer_SessionsAreIndependent(t *testing.T) {
	act := newTestAction()
	d := newDebouncer(ActionAutoAccept, debouncerConfig{
		armDelay: time.Millisecond,
		cooldown: fixedCooldown(5 * time.Minute),
		run:      act.run,
		onDone:   act.onDone,
	})

	require.True(t, d.Request("a").Scheduled)
	act.wait(t)
	assert.Equal(t, "cooldown", d.Request("a").Reason)
	assert.True(t, d.Request("b").Scheduled, "cooldown is per session")
	act.wait(t)
}

func TestDebouncer_OnDoneReceivesError(t *testing.T) {
	act := newTestAction()
	act.err = errors.New("boom")

	errCh := make(chan error, 1)
	d := newDebouncer(ActionAutoCompact, debouncerConfig{
		armDelay: time.Millisecond,
		cooldown: fixedCooldown(time.Minute),
		run:      act.run,
		onDone:   func(_ string, err error) { errCh <- err },
	})

	require.True(t, d.Request("a").Scheduled)
	select {
	case err := <-errCh:
		assert.EqualError(t, err, "boom")
	case <-time.After(2 * time.Second):
		t.Fatal("onDone not invoked")
	}
}
