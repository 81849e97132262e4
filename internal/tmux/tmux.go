package tmux

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/twistedxcom/autopilot/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

// ErrCaptureTimeout indicates capture-pane did not complete in time.
var ErrCaptureTimeout = fmt.Errorf("tmux capture-pane timed out")

// captureCacheTTL is how long a captured snapshot stays fresh. Status polling
// and prompt detection both read the pane; sharing one capture per window
// keeps the subprocess count down.
const captureCacheTTL = 500 * time.Millisecond

// Session represents one tmux session hosting an interactive agent.
// It is the snapshot source and message-delivery target for that pane.
type Session struct {
	Name string

	cacheMu      sync.RWMutex
	cacheContent string
	cacheLines   int
	cacheTime    time.Time

	captureSf singleflight.Group

	// limiter caps keystroke injection; rapid-fire send-keys can outrun the
	// agent's paste handling and interleave chunks.
	limiter *rate.Limiter
}

// NewSession creates a handle for an existing (or future) tmux session.
func NewSession(name string) *Session {
	return &Session{
		Name:    name,
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
	}
}

// IsTmuxAvailable checks that the tmux binary is on PATH.
func IsTmuxAvailable() error {
	if _, err := exec.LookPath("tmux"); err != nil {
		return fmt.Errorf("tmux not found in PATH: %w", err)
	}
	return nil
}

// Exists reports whether the tmux session is alive.
func (s *Session) Exists() bool {
	cmd := exec.Command("tmux", "has-session", "-t", s.Name)
	return cmd.Run() == nil
}

func (s *Session) invalidateCache() {
	s.cacheMu.Lock()
	s.cacheContent = ""
	s.cacheTime = time.Time{}
	s.cacheMu.Unlock()
}

func (s *Session) cachedContent(maxLines int) (string, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	if s.cacheContent != "" && s.cacheLines == maxLines && time.Since(s.cacheTime) < captureCacheTTL {
		return s.cacheContent, true
	}
	return "", false
}

func (s *Session) storeContent(content string, maxLines int) {
	s.cacheMu.Lock()
	s.cacheContent = content
	s.cacheLines = maxLines
	s.cacheTime = time.Now()
	s.cacheMu.Unlock()
}

// CapturePane returns the currently rendered pane content.
func (s *Session) CapturePane() (string, error) {
	return s.capture(0)
}

// CaptureTail returns at most maxLines of the most recent pane content,
// including scrollback when the visible pane is shorter than maxLines.
func (s *Session) CaptureTail(maxLines int) (string, error) {
	if maxLines <= 0 {
		return s.CapturePane()
	}
	content, err := s.capture(maxLines)
	if err != nil {
		return "", err
	}
	return TailLines(strings.TrimRight(content, "\n"), maxLines), nil
}

// capture fetches pane content spanning maxLines of scrollback (0 means the
// visible pane only). Concurrent callers are deduplicated via singleflight
// and share a short-lived cache. The control-mode pipe is tried first (zero
// subprocess); plain capture-pane is the fallback.
func (s *Session) capture(maxLines int) (string, error) {
	if content, ok := s.cachedContent(maxLines); ok {
		return content, nil
	}

	key := fmt.Sprintf("capture:%d", maxLines)
	v, err, _ := s.captureSf.Do(key, func() (interface{}, error) {
		// Double-check cache inside singleflight
		if content, ok := s.cachedContent(maxLines); ok {
			return content, nil
		}

		if pm := GetPipeManager(); pm != nil {
			if content, pipeErr := pm.Capture(s.Name, maxLines); pipeErr == nil {
				s.storeContent(content, maxLines)
				return content, nil
			}
			tmuxLog.Debug("capture_pane_subprocess_fallback", slog.String("session", s.Name))
		}

		// Subprocess fallback: 3s timeout
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		cmd := exec.CommandContext(ctx, "tmux", captureArgs(s.Name, maxLines)...)
		output, err := cmd.Output()
		if err != nil {
			if ctx.Err() == context.DeadlineExceeded {
				return "", ErrCaptureTimeout
			}
			return "", fmt.Errorf("failed to capture pane: %w", err)
		}

		content := string(output)
		s.storeContent(content, maxLines)
		return content, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// captureArgs builds the capture-pane argument list. -J joins wrapped lines;
// maxLines > 0 pulls that much scrollback in.
func captureArgs(session string, maxLines int) []string {
	args := []string{"capture-pane", "-t", session, "-p", "-J"}
	if maxLines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", maxLines))
	}
	return args
}

// SendKeys sends literal text to the session.
// The -l flag makes tmux treat the string as text, not key names, so "Enter"
// inside a message is never interpreted as the Enter key.
func (s *Session) SendKeys(keys string) error {
	s.invalidateCache()
	cmd := exec.Command("tmux", "send-keys", "-l", "-t", s.Name, "--", keys)
	return cmd.Run()
}

// SendEnter sends the Enter key to the session.
func (s *Session) SendEnter() error {
	s.invalidateCache()
	cmd := exec.Command("tmux", "send-keys", "-t", s.Name, "Enter")
	return cmd.Run()
}

// SendMessage injects text followed by a confirming Enter.
// Text and Enter go as two separate tmux calls with a short delay between
// them: tmux 3.2+ wraps send-keys -l in bracketed paste sequences, and
// without the delay the Enter lands inside the paste-end marker and gets
// swallowed by async TUI frameworks.
func (s *Session) SendMessage(ctx context.Context, text string) error {
	if !s.Exists() {
		return fmt.Errorf("session %s does not exist", s.Name)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	if err := s.sendChunked(text); err != nil {
		return err
	}
	time.Sleep(100 * time.Millisecond)
	return s.SendEnter()
}

// sendChunked splits large content at newline boundaries to stay under
// tmux/OS buffer limits. Content up to 4KB goes in one call.
func (s *Session) sendChunked(content string) error {
	const chunkSize = 4096
	const chunkDelay = 50 * time.Millisecond

	if len(content) <= chunkSize {
		return s.SendKeys(content)
	}

	chunks := splitIntoChunks(content, chunkSize)
	for i, chunk := range chunks {
		if err := s.SendKeys(chunk); err != nil {
			return fmt.Errorf("failed to send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			time.Sleep(chunkDelay)
		}
	}
	return nil
}

// splitIntoChunks splits content into chunks of at most maxSize bytes,
// preferring newline boundaries. A single line longer than maxSize is split
// at the byte boundary as a fallback.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	remaining := content

	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = append(chunks, remaining)
			break
		}

		cutPoint := strings.LastIndex(remaining[:maxSize], "\n")
		if cutPoint > 0 {
			chunks = append(chunks, remaining[:cutPoint+1])
			remaining = remaining[cutPoint+1:]
		} else {
			chunks = append(chunks, remaining[:maxSize])
			remaining = remaining[maxSize:]
		}
	}

	return chunks
}
