package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/twistedxcom/autopilot/internal/analyzer"
	"github.com/twistedxcom/autopilot/internal/logging"
)

var actionLog = logging.ForComponent(logging.CompAction)

// ActionKind names a debounced automated action.
type ActionKind string

const (
	ActionAutoAccept  ActionKind = "auto_accept"
	ActionAutoCompact ActionKind = "auto_compact"
)

// actionTimeout bounds one action execution.
const actionTimeout = 30 * time.Second

// Decision is the outcome of an action request. CooldownRemaining is only
// set for cooldown declines and shrinks on every subsequent request.
type Decision struct {
	Kind              ActionKind    `json:"kind"`
	Scheduled         bool          `json:"scheduled"`
	Reason            string        `json:"reason,omitempty"`
	CooldownRemaining time.Duration `json:"cooldownRemaining,omitempty"`
}

type actionPhase int

const (
	phaseIdle actionPhase = iota
	phaseScheduled
	phaseInProgress
	phaseCoolingDown
)

// actionState tracks one session's debounce state for a single action kind.
type actionState struct {
	phase    actionPhase
	lastDone time.Time
	pending  *time.Timer
}

type debouncerConfig struct {
	// armDelay separates detection from execution: the pane state is given a
	// moment to settle before the action fires.
	armDelay time.Duration
	// grace keeps the state machine out of idle briefly after completion, so
	// a stale re-detection of the just-handled condition cannot re-trigger.
	grace    time.Duration
	cooldown func(session string) time.Duration
	run      func(ctx context.Context, session string) error
	onDone   func(session string, err error)
}

// Debouncer serializes one kind of automated action per session: at most one
// scheduled-or-running instance, with a per-session cooldown between
// completions.
type Debouncer struct {
	kind ActionKind
	cfg  debouncerConfig

	mu     sync.Mutex
	states map[string]*actionState
	now    func() time.Time
}

func newDebouncer(kind ActionKind, cfg debouncerConfig) *Debouncer {
	return &Debouncer{
		kind:   kind,
		cfg:    cfg,
		states: make(map[string]*actionState),
		now:    time.Now,
	}
}

func (d *Debouncer) state(session string) *actionState {
	st, ok := d.states[session]
	if !ok {
		st = &actionState{}
		d.states[session] = st
	}
	return st
}

// Request asks for the action to run on a session. It either schedules the
// action after the arm delay or declines with a reason. Requests while an
// instance is scheduled or running are dropped, not queued.
func (d *Debouncer) Request(session string) Decision {
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.state(session)
	switch st.phase {
	case phaseScheduled, phaseInProgress:
		return Decision{Kind: d.kind, Reason: "in_progress"}
	case phaseCoolingDown:
		return Decision{Kind: d.kind, Reason: "cooling_down"}
	}

	if !st.lastDone.IsZero() {
		cooldown := d.cfg.cooldown(session)
		if remaining := cooldown - d.now().Sub(st.lastDone); remaining > 0 {
			return Decision{Kind: d.kind, Reason: "cooldown", CooldownRemaining: remaining}
		}
	}

	st.phase = phaseScheduled
	st.pending = time.AfterFunc(d.cfg.armDelay, func() { d.fire(session) })
	actionLog.Debug("action_scheduled",
		slog.String("kind", string(d.kind)),
		slog.String("session", session),
		slog.Duration("arm_delay", d.cfg.armDelay))
	return Decision{Kind: d.kind, Scheduled: true}
}

// fire executes the action. The in-progress phase is cleared on every path,
// success or failure, so one error can never wedge the controller. Only a
// successful run starts the cooldown; a failed attempt goes straight back to
// idle so the next detection retries.
func (d *Debouncer) fire(session string) {
	d.mu.Lock()
	st := d.state(session)
	if st.phase != phaseScheduled {
		d.mu.Unlock()
		return
	}
	st.phase = phaseInProgress
	st.pending = nil
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	err := d.cfg.run(ctx, session)
	cancel()

	d.mu.Lock()
	if err != nil {
		st.phase = phaseIdle
	} else {
		st.lastDone = d.now()
		if d.cfg.grace > 0 {
			st.phase = phaseCoolingDown
			st.pending = time.AfterFunc(d.cfg.grace, func() { d.clearGrace(session) })
		} else {
			st.phase = phaseIdle
		}
	}
	d.mu.Unlock()

	if err != nil {
		actionLog.Warn("action_failed",
			slog.String("kind", string(d.kind)),
			slog.String("session", session),
			slog.String("error", err.Error()))
	} else {
		actionLog.Info("action_completed",
			slog.String("kind", string(d.kind)),
			slog.String("session", session))
	}
	if d.cfg.onDone != nil {
		d.cfg.onDone(session, err)
	}
}

func (d *Debouncer) clearGrace(session string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st := d.state(session)
	if st.phase == phaseCoolingDown {
		st.phase = phaseIdle
		st.pending = nil
	}
}

// Cancel drops a scheduled-but-not-started instance for the session. A
// running instance is left to finish on its own.
func (d *Debouncer) Cancel(session string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[session]
	if !ok {
		return
	}
	if st.phase == phaseScheduled && st.pending != nil {
		st.pending.Stop()
		st.pending = nil
		st.phase = phaseIdle
	}
}

// RequestAutoAccept runs the auto-accept precondition chain and, when it
// passes, schedules an Enter keystroke through the accept debouncer.
// Preconditions: the feature is enabled for the session, and a loop is
// running and unpaused unless autoAcceptWithoutLoop overrides that.
func (s *Scheduler) RequestAutoAccept(session string) Decision {
	sc := s.cfg.Session(session)
	if !sc.AutoAcceptPrompts {
		return Decision{Kind: ActionAutoAccept, Reason: "disabled"}
	}
	if !sc.AutoAcceptWithoutLoop && !s.loopRunningUnpaused(session) {
		return Decision{Kind: ActionAutoAccept, Reason: "no_active_loop"}
	}
	return s.accept.Request(session)
}

// RequestAutoCompact schedules a compact command when the session allows it.
// Fails closed: a missing or false enableAutoCompact flag always declines.
func (s *Scheduler) RequestAutoCompact(session string) Decision {
	sc := s.cfg.Session(session)
	if !sc.EnableAutoCompact {
		return Decision{Kind: ActionAutoCompact, Reason: "disabled"}
	}
	if !s.loopRunningUnpaused(session) {
		return Decision{Kind: ActionAutoCompact, Reason: "no_active_loop"}
	}
	return s.compact.Request(session)
}

func (s *Scheduler) loopRunningUnpaused(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.globalPaused {
		return false
	}
	ls, ok := s.loops[session]
	return ok && !ls.paused
}

// runAutoAccept verifies the prompt is still on screen after the arm delay,
// then sends the acceptance keystroke.
func (s *Scheduler) runAutoAccept(ctx context.Context, session string) error {
	content, err := s.transport.Snapshot(session, snapshotLines)
	if err != nil {
		return err
	}
	res := s.an.Analyze(session, content, analyzer.Hints{Prompt: true})
	if res.Prompt == nil || !res.Prompt.Detected {
		actionLog.Debug("auto_accept_prompt_gone", slog.String("session", session))
		return nil
	}

	if err := s.transport.AcceptPrompt(ctx, session); err != nil {
		return err
	}
	s.an.Invalidate(session)
	s.publish(Event{Type: EventAutoAccept, Session: session, Detail: string(res.Prompt.Type)})
	if s.store != nil {
		if _, dbErr := s.store.RecordDelivery(session, "", "auto_accept", true, nil); dbErr != nil {
			actionLog.Warn("delivery_record_failed", slog.String("error", dbErr.Error()))
		}
	}
	return nil
}

const compactCommand = "/compact"

// runAutoCompact sends the compact command to the session.
func (s *Scheduler) runAutoCompact(ctx context.Context, session string) error {
	err := s.transport.Deliver(ctx, session, compactCommand)
	if s.store != nil {
		if _, dbErr := s.store.RecordDelivery(session, compactCommand, "auto_compact", err == nil, err); dbErr != nil {
			actionLog.Warn("delivery_record_failed", slog.String("error", dbErr.Error()))
		}
	}
	if err == nil {
		s.publish(Event{Type: EventAutoCompact, Session: session})
	}
	return err
}

// compactDone runs after every auto-compact attempt. On success the loop's
// compact counters reset and a delayed rescan is scheduled: the agent forks
// a fresh history file after compacting, and interested collaborators need
// to pick it up once it exists.
func (s *Scheduler) compactDone(session string, err error) {
	if err != nil {
		return
	}
	s.NoteCompact(session)
	s.an.Invalidate(session)
	if s.onRescan != nil {
		time.AfterFunc(5*time.Minute, func() { s.onRescan(session) })
	}
}
