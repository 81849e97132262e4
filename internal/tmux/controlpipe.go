package tmux

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ControlPipe wraps a persistent `tmux -C attach-session -t <name>` process.
// It gives us zero-subprocess capture-pane and a per-session last-output
// timestamp from %output events.
type ControlPipe struct {
	sessionName string
	cmd         *exec.Cmd
	stdin       io.WriteCloser
	stdout      io.ReadCloser

	cmdMu      sync.Mutex
	responseCh chan pipeResponse

	// Readiness: signaled after the initial %begin/%end handshake is consumed
	ready        chan struct{}
	readyOnce    sync.Once
	handshakeErr error

	mu         sync.RWMutex
	alive      bool
	lastOutput time.Time

	done      chan struct{}
	closeOnce sync.Once
}

type pipeResponse struct {
	output string
	err    error
}

// NewControlPipe starts a control mode pipe attached to the given session.
// Blocks until the handshake completes (or 2s timeout), so the pipe is ready
// for SendCommand immediately after return.
func NewControlPipe(sessionName string) (*ControlPipe, error) {
	cmd := exec.Command("tmux", "-C", "attach-session", "-t", sessionName)
	// Own process group so the whole tree dies on Close
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, fmt.Errorf("start tmux -C: %w", err)
	}

	cp := &ControlPipe{
		sessionName: sessionName,
		cmd:         cmd,
		stdin:       stdin,
		stdout:      stdout,
		responseCh:  make(chan pipeResponse, 1),
		ready:       make(chan struct{}),
		alive:       true,
		done:        make(chan struct{}),
	}

	go cp.reader()

	// tmux sends a %begin/%end pair on connect; it must be consumed before
	// any SendCommand call, otherwise the response gets mixed up.
	select {
	case <-cp.ready:
	case <-cp.done:
		return nil, fmt.Errorf("pipe died during handshake for session %s", sessionName)
	case <-time.After(2 * time.Second):
		tmuxLog.Debug("pipe_handshake_timeout", slog.String("session", sessionName))
	}

	if cp.handshakeErr != nil {
		cp.Close()
		return nil, fmt.Errorf("session %s: %w", sessionName, cp.handshakeErr)
	}

	tmuxLog.Debug("pipe_connected", slog.String("session", sessionName))
	return cp, nil
}

// reader parses tmux control mode protocol events: %output for activity,
// %begin/%end/%error for command responses. All other % lines are skipped.
func (cp *ControlPipe) reader() {
	defer func() {
		cp.mu.Lock()
		cp.alive = false
		cp.mu.Unlock()
		close(cp.done)
		tmuxLog.Debug("pipe_reader_exited", slog.String("session", cp.sessionName))
	}()

	scanner := bufio.NewScanner(cp.stdout)
	// 2MB buffer for large capture-pane outputs
	scanner.Buffer(make([]byte, 2*1024*1024), 2*1024*1024)

	var (
		inCapture bool
		lines     []string
		isReady   bool
	)

	for scanner.Scan() {
		raw := scanner.Text()

		if strings.HasPrefix(raw, "%") {
			switch {
			case strings.HasPrefix(raw, "%output"):
				cp.mu.Lock()
				cp.lastOutput = time.Now()
				cp.mu.Unlock()
			case strings.HasPrefix(raw, "%begin "):
				inCapture = true
				lines = lines[:0]
			case strings.HasPrefix(raw, "%end "):
				inCapture = false
				if !isReady {
					// First %end completes the handshake; the attach
					// acknowledgment itself is discarded.
					isReady = true
					cp.readyOnce.Do(func() { close(cp.ready) })
					continue
				}
				result := strings.Join(lines, "\n")
				select {
				case cp.responseCh <- pipeResponse{output: result}:
				default:
					tmuxLog.Debug("response_dropped", slog.String("session", cp.sessionName))
				}
			case strings.HasPrefix(raw, "%error "):
				inCapture = false
				msg := raw
				if parts := strings.Fields(raw); len(parts) > 3 {
					msg = strings.Join(parts[3:], " ")
				}
				if !isReady {
					// Handshake error, typically "can't find session".
					cp.handshakeErr = fmt.Errorf("%s", msg)
					isReady = true
					cp.readyOnce.Do(func() { close(cp.ready) })
					continue
				}
				select {
				case cp.responseCh <- pipeResponse{err: fmt.Errorf("tmux error: %s", msg)}:
				default:
				}
			}
			// Must NOT fall through to inCapture collection: %output events
			// interleave with capture-pane response data.
			continue
		}

		if inCapture {
			lines = append(lines, raw)
		}
	}

	if err := scanner.Err(); err != nil {
		tmuxLog.Debug("pipe_scanner_error",
			slog.String("session", cp.sessionName),
			slog.String("error", err.Error()))
	}
}

// SendCommand sends a tmux command through the pipe and waits for the response.
// Commands are serialized via cmdMu.
func (cp *ControlPipe) SendCommand(command string) (string, error) {
	cp.mu.RLock()
	if !cp.alive {
		cp.mu.RUnlock()
		return "", fmt.Errorf("pipe not alive for session %s", cp.sessionName)
	}
	cp.mu.RUnlock()

	cp.cmdMu.Lock()
	defer cp.cmdMu.Unlock()

	// Drain any stale response
	select {
	case <-cp.responseCh:
	default:
	}

	if _, err := fmt.Fprintln(cp.stdin, command); err != nil {
		return "", fmt.Errorf("write to pipe: %w", err)
	}

	select {
	case resp := <-cp.responseCh:
		if resp.err != nil {
			return "", resp.err
		}
		return resp.output, nil
	case <-time.After(3 * time.Second):
		return "", fmt.Errorf("command timed out after 3s: %s", command)
	case <-cp.done:
		return "", fmt.Errorf("pipe closed during command: %s", command)
	}
}

// Capture sends capture-pane through the pipe, no subprocess spawned.
// maxLines > 0 pulls that much scrollback in.
func (cp *ControlPipe) Capture(maxLines int) (string, error) {
	return cp.SendCommand(captureCommand(cp.sessionName, maxLines))
}

// captureCommand is the control-mode form of the capture-pane invocation.
func captureCommand(session string, maxLines int) string {
	if maxLines > 0 {
		return fmt.Sprintf("capture-pane -t %s -p -J -S -%d", session, maxLines)
	}
	return fmt.Sprintf("capture-pane -t %s -p -J", session)
}

// LastOutputTime returns the time of the most recent %output event.
func (cp *ControlPipe) LastOutputTime() time.Time {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.lastOutput
}

// IsAlive returns true if the control mode process is still running.
func (cp *ControlPipe) IsAlive() bool {
	cp.mu.RLock()
	defer cp.mu.RUnlock()
	return cp.alive
}

// Done returns a channel that closes when the pipe exits.
func (cp *ControlPipe) Done() <-chan struct{} {
	return cp.done
}

// Close shuts down the pipe and kills the tmux client process.
func (cp *ControlPipe) Close() {
	cp.closeOnce.Do(func() {
		cp.mu.Lock()
		cp.alive = false
		cp.mu.Unlock()

		cp.stdin.Close()

		if cp.cmd.Process != nil {
			pgid, err := syscall.Getpgid(cp.cmd.Process.Pid)
			if err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			} else {
				_ = cp.cmd.Process.Kill()
			}
		}

		// Reap the process so it never zombies
		_ = cp.cmd.Wait()

		tmuxLog.Debug("pipe_closed", slog.String("session", cp.sessionName))
	})
}
