// Package analyzer turns rendered pane text into semantic signals: is the
// agent busy, is it showing an interactive prompt, and how much conversation
// context remains. Detection is heuristic text matching over captured tmux
// content; absence of a match is always null/false, never an error.
package analyzer

import (
	"log/slog"
	"sync"
	"time"

	"github.com/twistedxcom/autopilot/internal/logging"
)

var alog = logging.ForComponent(logging.CompAnalyze)

// Per-signal cache TTLs. Prompts must be responsive, busy state flips
// quickly, context percentage moves slowly.
const (
	promptTTL  = 5 * time.Second
	busyTTL    = 2 * time.Second
	contextTTL = 20 * time.Second
)

// busyTailLines is how many trailing lines are scanned for the busy
// indicator. The "interruptible" marker always renders near the bottom, so
// scanning the full buffer is wasted cost.
const busyTailLines = 20

// Hints selects which signals a call should compute. Uncomputed signals come
// back nil in the Result.
type Hints struct {
	Prompt  bool
	Busy    bool
	Context bool
}

// Result holds the requested signals. Nil pointer means "not computed";
// a nil ContextPercent with Context hinted means "unknown", not zero.
type Result struct {
	Prompt         *PromptInfo
	Busy           *bool
	ContextPercent *int
}

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *cacheEntry[T]) valid(now time.Time) bool {
	return e != nil && now.Before(e.expiresAt)
}

type sessionCache struct {
	prompt  *cacheEntry[PromptInfo]
	busy    *cacheEntry[bool]
	context *cacheEntry[*int]
}

// Analyzer computes and caches signals per session. Safe for concurrent use.
type Analyzer struct {
	mu     sync.Mutex
	caches map[string]*sessionCache

	// now is swappable for tests
	now func() time.Time
}

// New creates an Analyzer with empty caches.
func New() *Analyzer {
	return &Analyzer{
		caches: make(map[string]*sessionCache),
		now:    time.Now,
	}
}

func (a *Analyzer) sessionCacheFor(sessionID string) *sessionCache {
	sc, ok := a.caches[sessionID]
	if !ok {
		sc = &sessionCache{}
		a.caches[sessionID] = sc
	}
	return sc
}

// Analyze computes the hinted signals for the given snapshot text.
// Cached results are honored until their TTL expires, regardless of the
// hints on subsequent calls. Malformed content never errors; it just fails
// to match.
func (a *Analyzer) Analyze(sessionID, content string, hints Hints) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	sc := a.sessionCacheFor(sessionID)
	var res Result

	if hints.Busy {
		if sc.busy.valid(now) {
			v := sc.busy.value
			res.Busy = &v
		} else {
			v := detectBusy(content)
			sc.busy = &cacheEntry[bool]{value: v, expiresAt: now.Add(busyTTL)}
			res.Busy = &v
		}
	}

	if hints.Prompt {
		if sc.prompt.valid(now) {
			v := sc.prompt.value
			res.Prompt = &v
		} else {
			v := detectPrompt(content)
			sc.prompt = &cacheEntry[PromptInfo]{value: v, expiresAt: now.Add(promptTTL)}
			res.Prompt = &v
			if v.Detected {
				alog.Debug("prompt_detected",
					slog.String("session", sessionID),
					slog.String("type", string(v.Type)))
			}
		}
	}

	if hints.Context {
		if sc.context.valid(now) {
			res.ContextPercent = sc.context.value
		} else {
			v := detectContextPercent(content)
			sc.context = &cacheEntry[*int]{value: v, expiresAt: now.Add(contextTTL)}
			res.ContextPercent = v
		}
	}

	return res
}

// Invalidate drops all cached signals for a session. Called after message
// delivery, since injected keystrokes change the pane immediately.
func (a *Analyzer) Invalidate(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.caches, sessionID)
}

// SetClock replaces the time source. Test hook.
func (a *Analyzer) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}
