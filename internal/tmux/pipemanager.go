package tmux

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PipeManager owns the ControlPipes for all tracked sessions. Capture requests
// go through a live pipe when one exists; callers fall back to subprocess
// execution otherwise.
type PipeManager struct {
	pipes map[string]*ControlPipe
	mu    sync.RWMutex

	// Guards against concurrent pipe creation for the same session
	connectMu  sync.Mutex
	connecting map[string]bool

	closed bool
}

// NewPipeManager creates an empty pipe manager.
func NewPipeManager() *PipeManager {
	return &PipeManager{
		pipes:      make(map[string]*ControlPipe),
		connecting: make(map[string]bool),
	}
}

// Connect creates a control mode pipe for the given session.
// No-op if a live pipe already exists.
func (pm *PipeManager) Connect(sessionName string) error {
	pm.mu.Lock()
	if pm.closed {
		pm.mu.Unlock()
		return fmt.Errorf("pipe manager closed")
	}
	if existing, ok := pm.pipes[sessionName]; ok {
		if existing.IsAlive() {
			pm.mu.Unlock()
			return nil
		}
		existing.Close()
		delete(pm.pipes, sessionName)
	}
	pm.mu.Unlock()

	// TOCTOU guard: one goroutine connects per session at a time
	pm.connectMu.Lock()
	if pm.connecting[sessionName] {
		pm.connectMu.Unlock()
		return nil
	}
	pm.connecting[sessionName] = true
	pm.connectMu.Unlock()

	defer func() {
		pm.connectMu.Lock()
		delete(pm.connecting, sessionName)
		pm.connectMu.Unlock()
	}()

	// Spawns a process, so created outside the lock
	pipe, err := NewControlPipe(sessionName)
	if err != nil {
		return fmt.Errorf("connect pipe for %s: %w", sessionName, err)
	}

	pm.mu.Lock()
	if existing, ok := pm.pipes[sessionName]; ok && existing.IsAlive() {
		pm.mu.Unlock()
		pipe.Close()
		return nil
	}
	pm.pipes[sessionName] = pipe
	pm.mu.Unlock()

	return nil
}

// Disconnect closes and removes the pipe for the given session.
func (pm *PipeManager) Disconnect(sessionName string) {
	pm.mu.Lock()
	pipe, ok := pm.pipes[sessionName]
	if ok {
		delete(pm.pipes, sessionName)
	}
	pm.mu.Unlock()

	if pipe != nil {
		pipe.Close()
	}
	tmuxLog.Debug("pipe_disconnected", slog.String("session", sessionName))
}

// Capture captures pane content through the session's pipe, spanning
// maxLines of scrollback (0 means the visible pane only). Errors when no
// live pipe exists; callers fall back to subprocess capture.
func (pm *PipeManager) Capture(sessionName string, maxLines int) (string, error) {
	pm.mu.RLock()
	pipe, ok := pm.pipes[sessionName]
	pm.mu.RUnlock()

	if !ok || !pipe.IsAlive() {
		return "", fmt.Errorf("no live pipe for session %s", sessionName)
	}
	return pipe.Capture(maxLines)
}

// LastOutputTime returns the last %output event time for a session, or the
// zero time when no pipe is connected.
func (pm *PipeManager) LastOutputTime(sessionName string) time.Time {
	pm.mu.RLock()
	pipe, ok := pm.pipes[sessionName]
	pm.mu.RUnlock()
	if !ok {
		return time.Time{}
	}
	return pipe.LastOutputTime()
}

// IsConnected reports whether a live pipe exists for the session.
func (pm *PipeManager) IsConnected(sessionName string) bool {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	pipe, ok := pm.pipes[sessionName]
	return ok && pipe.IsAlive()
}

// Close shuts down all pipes. The manager is unusable afterwards.
func (pm *PipeManager) Close() {
	pm.mu.Lock()
	pipes := pm.pipes
	pm.pipes = make(map[string]*ControlPipe)
	pm.closed = true
	pm.mu.Unlock()

	for _, pipe := range pipes {
		pipe.Close()
	}
}

var (
	globalPipeManager   *PipeManager
	globalPipeManagerMu sync.RWMutex
)

// SetPipeManager installs the process-wide pipe manager.
func SetPipeManager(pm *PipeManager) {
	globalPipeManagerMu.Lock()
	globalPipeManager = pm
	globalPipeManagerMu.Unlock()
}

// GetPipeManager returns the process-wide pipe manager, or nil.
func GetPipeManager() *PipeManager {
	globalPipeManagerMu.RLock()
	defer globalPipeManagerMu.RUnlock()
	return globalPipeManager
}
