// Package scheduler runs one message-delivery loop per tracked session and
// arbitrates the competing automated actions: sending a scheduled message,
// auto-accepting an interactive prompt, and auto-compacting on low context.
// Coordination uses only timers and in-progress flags; there is no queue.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twistedxcom/autopilot/internal/analyzer"
	"github.com/twistedxcom/autopilot/internal/config"
	"github.com/twistedxcom/autopilot/internal/logging"
	"github.com/twistedxcom/autopilot/internal/rules"
	"github.com/twistedxcom/autopilot/internal/statedb"
)

var loopLog = logging.ForComponent(logging.CompLoop)

// snapshotLines is how much pane tail each tick captures for analysis.
const snapshotLines = 200

// autoCompactPercent is the remaining-context threshold below which
// auto-compact is considered (when enabled for the session).
const autoCompactPercent = 10

// deliverTimeout bounds one delivery attempt so a wedged tmux call cannot
// stall a session's loop forever.
const deliverTimeout = 30 * time.Second

// Transport is what the scheduler needs from the tmux layer: pane snapshots
// in, keystrokes out.
type Transport interface {
	Snapshot(session string, maxLines int) (string, error)
	Deliver(ctx context.Context, session, text string) error
	AcceptPrompt(ctx context.Context, session string) error
}

// ConfigSource supplies per-session settings. Lookups for unknown sessions
// return defaults (fail open).
type ConfigSource interface {
	Session(name string) *config.SessionConfig
}

// LoopStore persists loop state across daemon restarts. May be nil.
type LoopStore interface {
	SaveLoops(rows []*statedb.LoopRow) error
	LoadLoops() ([]*statedb.LoopRow, error)
	RecordDelivery(session, message, source string, ok bool, deliveryErr error) (string, error)
}

// EventType labels scheduler events for the event feed.
type EventType string

const (
	EventLoopStarted    EventType = "loop_started"
	EventLoopStopped    EventType = "loop_stopped"
	EventLoopPaused     EventType = "loop_paused"
	EventLoopResumed    EventType = "loop_resumed"
	EventMessageSent    EventType = "message_sent"
	EventPromptDetected EventType = "prompt_detected"
	EventAutoAccept     EventType = "auto_accept"
	EventAutoCompact    EventType = "auto_compact"
)

// Event is one scheduler occurrence, published to the optional sink.
type Event struct {
	Type    EventType `json:"type"`
	Session string    `json:"session"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

// LoopStatus is the externally visible state of one session's loop.
type LoopStatus struct {
	Session      string    `json:"session"`
	Running      bool      `json:"running"`
	Paused       bool      `json:"paused"`
	DelayMinutes int       `json:"delayMinutes"`
	NextFire     time.Time `json:"nextFire,omitempty"`
	LastFire     time.Time `json:"lastFire,omitempty"`
}

// loopState is the runtime state of one session's loop. All fields are
// guarded by the scheduler mutex; the timer callback re-enters through
// tick().
type loopState struct {
	session  string
	timer    *time.Timer
	nextFire time.Time
	lastFire time.Time
	paused   bool
	// gen stamps every armed timer. A tick carries the stamp it was armed
	// with; when the stamps disagree the timer was replaced while the tick
	// was in flight, and the tick must not re-arm.
	gen uint64
	// remaining holds the snapshotted time-to-next-fire while paused, so
	// resume continues the original cadence.
	remaining time.Duration
	delay     time.Duration
	startedAt time.Time

	activity *analyzer.ActivityTracker

	compactSeen      bool
	msgsSinceCompact int
}

// Scheduler owns every session loop plus the two action debouncers.
type Scheduler struct {
	mu     sync.Mutex
	loops  map[string]*loopState
	closed bool

	globalPaused bool

	an        *analyzer.Analyzer
	transport Transport
	cfg       ConfigSource
	store     LoopStore

	accept  *Debouncer
	compact *Debouncer

	// onRescan runs 5 minutes after a successful auto-compact; the agent
	// forks a new history file after compacting and collaborators want to
	// re-discover it.
	onRescan func(session string)

	sink func(Event)

	// minute scales all minute-denominated delays; tests shrink it.
	minute time.Duration
	now    func() time.Time
}

// Options configures optional scheduler collaborators.
type Options struct {
	Store     LoopStore
	EventSink func(Event)
	OnRescan  func(session string)
}

// New creates a scheduler. transport and cfg are required; everything in
// opts may be zero.
func New(an *analyzer.Analyzer, transport Transport, cfg ConfigSource, opts Options) *Scheduler {
	s := &Scheduler{
		loops:     make(map[string]*loopState),
		an:        an,
		transport: transport,
		cfg:       cfg,
		store:     opts.Store,
		onRescan:  opts.OnRescan,
		sink:      opts.EventSink,
		minute:    time.Minute,
		now:       time.Now,
	}
	s.accept = newDebouncer(ActionAutoAccept, debouncerConfig{
		armDelay: 10 * time.Second,
		cooldown: s.acceptCooldown,
		run:      s.runAutoAccept,
	})
	s.compact = newDebouncer(ActionAutoCompact, debouncerConfig{
		armDelay: 10 * time.Second,
		grace:    5 * time.Second,
		cooldown: func(string) time.Duration { return 5 * time.Minute },
		run:      s.runAutoCompact,
		onDone:   s.compactDone,
	})
	return s
}

func (s *Scheduler) acceptCooldown(session string) time.Duration {
	mins := s.cfg.Session(session).AutoAcceptCooldownMinutes
	if mins <= 0 {
		mins = config.DefaultAcceptCooldownMins
	}
	return time.Duration(mins) * time.Minute
}

func (s *Scheduler) publish(ev Event) {
	if s.sink == nil {
		return
	}
	ev.Time = s.now()
	s.sink(ev)
}

// StartLoop begins the message loop for a session. Starting an
// already-running loop is a no-op.
func (s *Scheduler) StartLoop(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if _, running := s.loops[session]; running {
		loopLog.Debug("loop_already_running", slog.String("session", session))
		return
	}

	sc := s.cfg.Session(session)
	delay := time.Duration(sc.DelayMinutes) * s.minute

	// First fire: full interval when startWithDelay, otherwise a short
	// safety delay so the first message lands almost immediately.
	first := s.minute / 2
	if sc.StartWithDelay {
		first = delay
	}

	ls := &loopState{
		session:   session,
		delay:     delay,
		startedAt: s.now(),
		activity:  analyzer.NewActivityTracker(),
	}
	s.armLocked(ls, first)
	s.loops[session] = ls

	loopLog.Info("loop_started",
		slog.String("session", session),
		slog.Int("delay_minutes", sc.DelayMinutes),
		slog.Bool("start_with_delay", sc.StartWithDelay))
	s.publish(Event{Type: EventLoopStarted, Session: session})
	s.persistLocked()
}

// armLocked replaces the session's timer with a fresh one firing after d.
// Callers hold s.mu. Arming bumps the generation stamp, which invalidates
// any tick still in flight from the previous timer.
func (s *Scheduler) armLocked(ls *loopState, d time.Duration) {
	if ls.timer != nil {
		ls.timer.Stop()
	}
	ls.gen++
	gen := ls.gen
	session := ls.session
	ls.nextFire = s.now().Add(d)
	ls.timer = time.AfterFunc(d, func() { s.tick(session, gen) })
}

// StopLoop clears the session's loop timer and pending debounce timers.
// Idempotent.
func (s *Scheduler) StopLoop(session string) {
	s.mu.Lock()
	ls, ok := s.loops[session]
	if ok {
		if ls.timer != nil {
			ls.timer.Stop()
		}
		delete(s.loops, session)
	}
	s.persistLocked()
	s.mu.Unlock()

	if !ok {
		return
	}
	s.accept.Cancel(session)
	s.compact.Cancel(session)
	loopLog.Info("loop_stopped", slog.String("session", session))
	s.publish(Event{Type: EventLoopStopped, Session: session})
}

// PauseLoop pauses one session, snapshotting the remaining time-to-fire so
// paused time does not count against the interval.
func (s *Scheduler) PauseLoop(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.loops[session]
	if !ok || ls.paused {
		return
	}
	s.pauseLocked(ls)
	s.persistLocked()
	s.publish(Event{Type: EventLoopPaused, Session: session})
}

func (s *Scheduler) pauseLocked(ls *loopState) {
	if ls.timer != nil {
		ls.timer.Stop()
		ls.timer = nil
	}
	remaining := ls.nextFire.Sub(s.now())
	if remaining < 0 {
		remaining = 0
	}
	ls.remaining = remaining
	ls.paused = true
	loopLog.Info("loop_paused",
		slog.String("session", ls.session),
		slog.Duration("remaining", remaining))
}

// ResumeLoop resumes a paused session. The next fire happens after the
// snapshotted remaining duration, not the full delay.
func (s *Scheduler) ResumeLoop(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.loops[session]
	if !ok || !ls.paused {
		return
	}
	s.resumeLocked(ls)
	s.persistLocked()
	s.publish(Event{Type: EventLoopResumed, Session: session})
}

func (s *Scheduler) resumeLocked(ls *loopState) {
	ls.paused = false
	remaining := ls.remaining
	ls.remaining = 0
	s.armLocked(ls, remaining)
	loopLog.Info("loop_resumed",
		slog.String("session", ls.session),
		slog.Duration("remaining", remaining))
}

// PauseAll pauses every running session.
func (s *Scheduler) PauseAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.globalPaused = true
	for _, ls := range s.loops {
		if !ls.paused {
			s.pauseLocked(ls)
		}
	}
	s.persistLocked()
}

// ResumeAll clears the global pause and resumes every paused session,
// including ones paused individually beforehand.
func (s *Scheduler) ResumeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.globalPaused {
		return
	}
	s.globalPaused = false
	for _, ls := range s.loops {
		if ls.paused {
			s.resumeLocked(ls)
		}
	}
	s.persistLocked()
}

// SetDelay changes a running loop's interval live. The pending timer is
// replaced under the lock, and the generation stamp makes the replacement
// stick even when the old timer has already fired: a tick from the
// superseded timer sees a stale stamp and skips its own re-arm, so no fire
// is lost or doubled. When the session is configured to start with a full
// delay, the interval restarts; otherwise the elapsed time since the last
// fire is credited against the new delay.
func (s *Scheduler) SetDelay(session string, minutes int) {
	if minutes <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.loops[session]
	if !ok {
		return
	}

	newDelay := time.Duration(minutes) * s.minute
	ls.delay = newDelay
	if ls.paused {
		// Applied on resume; cap the snapshotted remainder at the new delay.
		if ls.remaining > newDelay {
			ls.remaining = newDelay
		}
		s.persistLocked()
		return
	}

	var next time.Duration
	if s.cfg.Session(session).StartWithDelay {
		next = newDelay
	} else {
		anchor := ls.lastFire
		if anchor.IsZero() {
			anchor = ls.startedAt
		}
		next = newDelay - s.now().Sub(anchor)
		if next < 0 {
			next = 0
		}
	}
	s.armLocked(ls, next)
	loopLog.Info("loop_delay_changed",
		slog.String("session", session),
		slog.Int("delay_minutes", minutes))
	s.persistLocked()
}

// tick is one scheduled fire for a session. Re-arms the timer when done;
// within one session ticks never overlap because the timer is one-shot, and
// the generation stamp drops ticks whose timer was replaced mid-flight.
func (s *Scheduler) tick(session string, gen uint64) {
	s.mu.Lock()
	ls, ok := s.loops[session]
	if !ok || ls.gen != gen || ls.paused || s.globalPaused || s.closed {
		s.mu.Unlock()
		return
	}
	activity := ls.activity
	startedAt := ls.startedAt
	compactSeen := ls.compactSeen
	msgsSinceCompact := ls.msgsSinceCompact
	s.mu.Unlock()

	now := s.now()
	sc := s.cfg.Session(session)

	// Schedule gate: outside the active window the tick is skipped but the
	// cadence continues.
	if !sc.Schedule.IsActiveAt(now) {
		loopLog.Debug("tick_outside_schedule", slog.String("session", session))
		s.finishTick(session, now, gen)
		return
	}

	content, err := s.transport.Snapshot(session, snapshotLines)
	if err != nil {
		// Transient capture failure: log and try again next tick.
		loopLog.Warn("tick_snapshot_failed",
			slog.String("session", session),
			slog.String("error", err.Error()))
		s.finishTick(session, now, gen)
		return
	}

	res := s.an.Analyze(session, content, analyzer.Hints{
		Busy:    true,
		Prompt:  sc.AutoAcceptPrompts,
		Context: sc.ContextAware,
	})

	busy := res.Busy != nil && *res.Busy
	activity.Observe(busy)

	// A visible prompt outranks everything: typing a scheduled message into
	// a confirmation dialog would answer it by accident.
	if res.Prompt != nil && res.Prompt.Detected {
		s.publish(Event{Type: EventPromptDetected, Session: session, Detail: string(res.Prompt.Type)})
		if sc.AutoAcceptPrompts {
			s.RequestAutoAccept(session)
		}
		s.finishTick(session, now, gen)
		return
	}

	if busy {
		// Busy: push the next fire back a short interval instead of a full
		// delay, so the message lands soon after the agent goes idle.
		loopLog.Debug("tick_busy_deferred", slog.String("session", session))
		s.mu.Lock()
		if ls, ok := s.loops[session]; ok && ls.gen == gen && !ls.paused {
			s.armLocked(ls, s.minute)
		}
		s.mu.Unlock()
		return
	}

	// Low context: hand over to auto-compact rather than piling on more work.
	if sc.EnableAutoCompact && res.ContextPercent != nil && *res.ContextPercent <= autoCompactPercent {
		if d := s.RequestAutoCompact(session); d.Scheduled {
			s.finishTick(session, now, gen)
			return
		}
	}

	sig := rules.Signals{
		Busy:                 busy,
		IdleFor:              activity.IdleFor(),
		ContextPercent:       res.ContextPercent,
		CompactSeen:          compactSeen,
		MessagesSinceCompact: msgsSinceCompact,
		SessionElapsed:       now.Sub(startedAt),
		Now:                  now,
	}
	message, source := s.resolveMessage(sc, sig)
	if message == "" {
		s.finishTick(session, now, gen)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
	err = s.transport.Deliver(ctx, session, message)
	cancel()

	if s.store != nil {
		if _, dbErr := s.store.RecordDelivery(session, message, source, err == nil, err); dbErr != nil {
			loopLog.Warn("delivery_record_failed", slog.String("error", dbErr.Error()))
		}
	}

	if err != nil {
		// Transient delivery failure: the loop continues on the next tick.
		loopLog.Warn("message_delivery_failed",
			slog.String("session", session),
			slog.String("error", err.Error()))
	} else {
		loopLog.Info("message_sent",
			slog.String("session", session),
			slog.String("source", source))
		s.publish(Event{Type: EventMessageSent, Session: session, Detail: source})
		s.an.Invalidate(session)
		s.mu.Lock()
		if ls, ok := s.loops[session]; ok {
			ls.msgsSinceCompact++
		}
		s.mu.Unlock()
	}

	s.finishTick(session, now, gen)
}

// resolveMessage picks the conditional message, falling back to the
// session's custom text. Returns the message and its source label.
func (s *Scheduler) resolveMessage(sc *config.SessionConfig, sig rules.Signals) (string, string) {
	if msg, ok := rules.SelectMessage(sc.Rules, sig); ok {
		return msg, "conditional"
	}
	if sc.CustomMessage != "" {
		return sc.CustomMessage, "custom"
	}
	return "", ""
}

// finishTick records fire times and re-arms the repeating timer. It runs
// after every fire attempt, including skipped ones, so lastFire always
// reflects the most recent attempt. When the tick's stamp is stale the timer
// was replaced mid-flight; whoever replaced it owns the next fire, and only
// lastFire is recorded.
func (s *Scheduler) finishTick(session string, now time.Time, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.loops[session]
	if !ok || ls.paused || s.closed {
		return
	}
	ls.lastFire = now
	if ls.gen == gen {
		s.armLocked(ls, ls.delay)
	}
	s.persistLocked()
}

// NoteCompact records that a context compact happened for the session; the
// after-compact conditional rule keys off this.
func (s *Scheduler) NoteCompact(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ls, ok := s.loops[session]; ok {
		ls.compactSeen = true
		ls.msgsSinceCompact = 0
	}
}

// Status returns per-session loop status, covering only running loops.
func (s *Scheduler) Status() []LoopStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]LoopStatus, 0, len(s.loops))
	for _, ls := range s.loops {
		st := LoopStatus{
			Session:      ls.session,
			Running:      true,
			Paused:       ls.paused,
			DelayMinutes: int(ls.delay / s.minute),
			LastFire:     ls.lastFire,
		}
		if ls.paused {
			st.NextFire = time.Time{}
		} else {
			st.NextFire = ls.nextFire
		}
		out = append(out, st)
	}
	return out
}

// StatusFor returns one session's status; Running is false for unknown
// sessions.
func (s *Scheduler) StatusFor(session string) LoopStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	ls, ok := s.loops[session]
	if !ok {
		return LoopStatus{Session: session}
	}
	st := LoopStatus{
		Session:      session,
		Running:      true,
		Paused:       ls.paused,
		DelayMinutes: int(ls.delay / s.minute),
		LastFire:     ls.lastFire,
	}
	// Same view as Status: a paused loop has no pending fire.
	if !ls.paused {
		st.NextFire = ls.nextFire
	}
	return st
}

// IsScheduleActive evaluates the session's schedule at the current time.
func (s *Scheduler) IsScheduleActive(session string) bool {
	return s.cfg.Session(session).Schedule.IsActiveAt(s.now())
}

// ConditionalMessage evaluates the rule chain for diagnostic display,
// without sending anything.
func (s *Scheduler) ConditionalMessage(session string) (string, bool) {
	sc := s.cfg.Session(session)
	now := s.now()

	sig := rules.Signals{Now: now}
	if content, err := s.transport.Snapshot(session, snapshotLines); err == nil {
		res := s.an.Analyze(session, content, analyzer.Hints{Busy: true, Context: sc.ContextAware})
		sig.Busy = res.Busy != nil && *res.Busy
		sig.ContextPercent = res.ContextPercent
	}

	s.mu.Lock()
	if ls, ok := s.loops[session]; ok {
		sig.IdleFor = ls.activity.IdleFor()
		sig.CompactSeen = ls.compactSeen
		sig.MessagesSinceCompact = ls.msgsSinceCompact
		sig.SessionElapsed = now.Sub(ls.startedAt)
	}
	s.mu.Unlock()

	return rules.SelectMessage(sc.Rules, sig)
}

// Close stops every loop timer and pending debounce timer. The scheduler is
// unusable afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	sessions := make([]string, 0, len(s.loops))
	for name, ls := range s.loops {
		if ls.timer != nil {
			ls.timer.Stop()
		}
		sessions = append(sessions, name)
	}
	s.persistLocked()
	s.loops = make(map[string]*loopState)
	s.mu.Unlock()

	for _, name := range sessions {
		s.accept.Cancel(name)
		s.compact.Cancel(name)
	}
}

// persistLocked snapshots all loops to the store. Callers hold s.mu.
func (s *Scheduler) persistLocked() {
	if s.store == nil {
		return
	}
	now := s.now()
	rows := make([]*statedb.LoopRow, 0, len(s.loops))
	for _, ls := range s.loops {
		remaining := ls.remaining
		if !ls.paused {
			remaining = ls.nextFire.Sub(now)
			if remaining < 0 {
				remaining = 0
			}
		}
		rows = append(rows, &statedb.LoopRow{
			Session:      ls.session,
			Active:       true,
			Paused:       ls.paused,
			DelayMinutes: int(ls.delay / s.minute),
			RemainingMS:  remaining.Milliseconds(),
			LastFire:     ls.lastFire,
		})
	}
	if err := s.store.SaveLoops(rows); err != nil {
		loopLog.Warn("loop_persist_failed", slog.String("error", err.Error()))
	}
}

// Restore restarts loops from the persisted snapshot: every active session
// comes back, preserving its paused flag and remaining time-to-fire.
func (s *Scheduler) Restore() error {
	if s.store == nil {
		return nil
	}
	rows, err := s.store.LoadLoops()
	if err != nil {
		return fmt.Errorf("load loop state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for _, row := range rows {
		if !row.Active {
			continue
		}
		if _, running := s.loops[row.Session]; running {
			continue
		}
		delay := time.Duration(row.DelayMinutes) * s.minute
		if delay <= 0 {
			delay = time.Duration(config.DefaultDelayMinutes) * s.minute
		}
		remaining := time.Duration(row.RemainingMS) * time.Millisecond
		if remaining <= 0 || remaining > delay {
			remaining = delay
		}
		ls := &loopState{
			session:   row.Session,
			delay:     delay,
			startedAt: now,
			lastFire:  row.LastFire,
			activity:  analyzer.NewActivityTracker(),
		}
		if row.Paused {
			ls.paused = true
			ls.remaining = remaining
		} else {
			s.armLocked(ls, remaining)
		}
		s.loops[row.Session] = ls
		loopLog.Info("loop_restored",
			slog.String("session", row.Session),
			slog.Bool("paused", row.Paused),
			slog.Duration("remaining", remaining))
	}
	return nil
}
