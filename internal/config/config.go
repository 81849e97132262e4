// Package config loads and saves the autopilot TOML configuration: daemon
// settings plus one table per tracked session.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"

	"github.com/twistedxcom/autopilot/internal/rules"
)

// FileName is the TOML config file name inside the autopilot directory.
const FileName = "config.toml"

// Defaults applied to sessions with no explicit configuration. Missing
// configuration fails open: the loop still runs, with the fallback message.
const (
	DefaultDelayMinutes       = 15
	DefaultCustomMessage      = "continue"
	DefaultAcceptCooldownMins = 5
)

// SessionConfig holds the per-session automation settings.
type SessionConfig struct {
	// DelayMinutes is the interval between automated messages.
	DelayMinutes int `toml:"delay_minutes"`

	// CustomMessage is the free-text fallback when no conditional rule fires.
	CustomMessage string `toml:"custom_message"`

	// ContextAware enables context-percentage detection for this session.
	ContextAware bool `toml:"context_aware"`

	// StartWithDelay delays the first message by a full interval instead of
	// the short safety delay.
	StartWithDelay bool `toml:"start_with_delay"`

	// AutoAcceptPrompts enables automatic acceptance of interactive prompts.
	AutoAcceptPrompts bool `toml:"auto_accept_prompts"`

	// AutoAcceptWithoutLoop allows auto-accept even when no loop is running.
	AutoAcceptWithoutLoop bool `toml:"auto_accept_without_loop"`

	// EnableAutoCompact enables automatic compaction on low context.
	// Fails closed: compaction never runs unless explicitly enabled.
	EnableAutoCompact bool `toml:"enable_auto_compact"`

	// AutoAcceptCooldownMinutes is the minimum gap between auto-accepts.
	AutoAcceptCooldownMinutes int `toml:"auto_accept_cooldown_minutes"`

	Schedule *rules.Schedule            `toml:"schedule"`
	Rules    *rules.ConditionalMessages `toml:"rules"`
}

// applyDefaults fills zero values with the documented defaults.
func (c *SessionConfig) applyDefaults() {
	if c.DelayMinutes <= 0 {
		c.DelayMinutes = DefaultDelayMinutes
	}
	if c.CustomMessage == "" {
		c.CustomMessage = DefaultCustomMessage
	}
	if c.AutoAcceptCooldownMinutes <= 0 {
		c.AutoAcceptCooldownMinutes = DefaultAcceptCooldownMins
	}
	if c.Schedule != nil {
		c.Schedule.Normalize()
	}
}

// DefaultSessionConfig returns the settings used for an unconfigured session.
func DefaultSessionConfig() *SessionConfig {
	c := &SessionConfig{}
	c.applyDefaults()
	return c
}

// PushConfig holds web-push notification settings.
type PushConfig struct {
	Enabled         bool   `toml:"enabled"`
	VAPIDPublicKey  string `toml:"vapid_public_key"`
	VAPIDPrivateKey string `toml:"vapid_private_key"`
	Subject         string `toml:"subject"`
}

// Config is the root of the TOML file.
type Config struct {
	// ListenAddr is the status/control HTTP listen address.
	ListenAddr string `toml:"listen_addr"`

	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string `toml:"log_level"`

	// Token guards the HTTP API when non-empty.
	Token string `toml:"token"`

	Push PushConfig `toml:"push"`

	Sessions map[string]*SessionConfig `toml:"sessions"`
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8520"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Sessions == nil {
		c.Sessions = make(map[string]*SessionConfig)
	}
	for _, sc := range c.Sessions {
		sc.applyDefaults()
	}
}

// Dir returns the autopilot config/state directory (~/.autopilot), honoring
// AUTOPILOT_DIR for tests and multi-profile setups.
func Dir() (string, error) {
	if dir := os.Getenv("AUTOPILOT_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, ".autopilot"), nil
}

// Store is the concurrency-safe view over the config file.
type Store struct {
	path string

	mu  sync.RWMutex
	cfg *Config
}

// LoadStore reads the config file at path. A missing file yields an empty
// config with defaults, not an error.
func LoadStore(path string) (*Store, error) {
	st := &Store{path: path, cfg: &Config{}}
	if err := st.Reload(); err != nil {
		return nil, err
	}
	return st, nil
}

// Reload re-reads the file from disk, replacing the in-memory config.
func (st *Store) Reload() error {
	cfg := &Config{}
	data, err := os.ReadFile(st.path)
	switch {
	case os.IsNotExist(err):
		// fail open: defaults only
	case err != nil:
		return fmt.Errorf("read config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", st.path, err)
		}
	}
	cfg.applyDefaults()

	st.mu.Lock()
	st.cfg = cfg
	st.mu.Unlock()
	return nil
}

// Path returns the config file path.
func (st *Store) Path() string {
	return st.path
}

// Daemon returns a copy of the daemon-level settings.
func (st *Store) Daemon() Config {
	st.mu.RLock()
	defer st.mu.RUnlock()
	out := *st.cfg
	out.Sessions = nil
	return out
}

// Session returns the configuration for a session, falling back to defaults
// for unknown names. The returned value is a copy.
func (st *Store) Session(name string) *SessionConfig {
	st.mu.RLock()
	defer st.mu.RUnlock()
	sc, ok := st.cfg.Sessions[name]
	if !ok {
		return DefaultSessionConfig()
	}
	out := *sc
	return &out
}

// SessionNames returns all configured session names.
func (st *Store) SessionNames() []string {
	st.mu.RLock()
	defer st.mu.RUnlock()
	names := make([]string, 0, len(st.cfg.Sessions))
	for name := range st.cfg.Sessions {
		names = append(names, name)
	}
	return names
}

// SaveSession updates one session's config and writes the file atomically.
func (st *Store) SaveSession(name string, sc *SessionConfig) error {
	sc.applyDefaults()

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.cfg.Sessions == nil {
		st.cfg.Sessions = make(map[string]*SessionConfig)
	}
	st.cfg.Sessions[name] = sc
	return st.writeLocked()
}

// writeLocked marshals the config and writes tmp + rename so readers never
// see a torn file.
func (st *Store) writeLocked() error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(st.cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(st.path), 0700); err != nil {
		return fmt.Errorf("mkdir config dir: %w", err)
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("write config tmp: %w", err)
	}
	if err := os.Rename(tmp, st.path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}
