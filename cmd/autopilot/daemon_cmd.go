package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/twistedxcom/autopilot/internal/analyzer"
	"github.com/twistedxcom/autopilot/internal/config"
	"github.com/twistedxcom/autopilot/internal/logging"
	"github.com/twistedxcom/autopilot/internal/scheduler"
	"github.com/twistedxcom/autopilot/internal/statedb"
	"github.com/twistedxcom/autopilot/internal/tmux"
	"github.com/twistedxcom/autopilot/internal/web"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the autopilot daemon",
	Long: `Run the daemon that owns session loops, prompt handling and the
HTTP control API. Loops started before a restart are restored from the
state database, including their paused flag and remaining time.`,
	Args: cobra.NoArgs,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

// tmuxTransport adapts tmux sessions to the scheduler's transport. Session
// handles are cached so capture caching and rate limiting stay per session.
type tmuxTransport struct {
	mu       sync.Mutex
	sessions map[string]*tmux.Session
}

func newTmuxTransport() *tmuxTransport {
	return &tmuxTransport{sessions: make(map[string]*tmux.Session)}
}

func (t *tmuxTransport) session(name string) *tmux.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.sessions[name]
	if !ok {
		s = tmux.NewSession(name)
		t.sessions[name] = s
	}
	return s
}

func (t *tmuxTransport) Snapshot(session string, maxLines int) (string, error) {
	return t.session(session).CaptureTail(maxLines)
}

func (t *tmuxTransport) Deliver(ctx context.Context, session, text string) error {
	return t.session(session).SendMessage(ctx, text)
}

func (t *tmuxTransport) AcceptPrompt(_ context.Context, session string) error {
	return t.session(session).SendEnter()
}

// eventRelay forwards scheduler events to the web server once it exists.
// The scheduler is built before the server, so the sink needs a late bind.
type eventRelay struct {
	mu  sync.Mutex
	srv *web.Server
}

func (r *eventRelay) bind(srv *web.Server) {
	r.mu.Lock()
	r.srv = srv
	r.mu.Unlock()
}

func (r *eventRelay) publish(ev scheduler.Event) {
	r.mu.Lock()
	srv := r.srv
	r.mu.Unlock()
	if srv != nil {
		srv.Publish(ev)
	}
}

// connectPipe opens a control-mode pipe for the session. Best effort: on
// failure capture keeps working through the subprocess path.
func connectPipe(pipes *tmux.PipeManager, session string) {
	if err := pipes.Connect(session); err != nil {
		logging.Logger().Debug("pipe_connect_failed",
			slog.String("session", session),
			slog.String("error", err.Error()))
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	dir, err := config.Dir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create autopilot dir: %w", err)
	}

	store, err := config.LoadStore(filepath.Join(dir, config.FileName))
	if err != nil {
		return err
	}
	daemonCfg := store.Daemon()

	logging.Init(logging.Config{
		LogDir: filepath.Join(dir, "logs"),
		Level:  daemonCfg.LogLevel,
	})
	defer logging.Shutdown()
	log := logging.Logger()

	if err := tmux.IsTmuxAvailable(); err != nil {
		return err
	}

	db, err := statedb.Open(filepath.Join(dir, "state.db"))
	if err != nil {
		return fmt.Errorf("open state database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migrate state database: %w", err)
	}

	pipes := tmux.NewPipeManager()
	tmux.SetPipeManager(pipes)
	defer pipes.Close()

	relay := &eventRelay{}
	sched := scheduler.New(analyzer.New(), newTmuxTransport(), store, scheduler.Options{
		Store: db,
		// Loop lifecycle drives the control pipes: a running loop gets
		// subprocess-free capture, a stopped one releases its tmux client.
		// Pipe setup and teardown touch processes, and the sink is called
		// under the scheduler lock, so both run async.
		EventSink: func(ev scheduler.Event) {
			switch ev.Type {
			case scheduler.EventLoopStarted:
				go connectPipe(pipes, ev.Session)
			case scheduler.EventLoopStopped:
				go pipes.Disconnect(ev.Session)
			}
			relay.publish(ev)
		},
		OnRescan: func(session string) {
			log.Info("post_compact_rescan", slog.String("session", session))
		},
	})
	defer sched.Close()

	srv := web.NewServer(web.Config{
		ListenAddr:          daemonCfg.ListenAddr,
		Token:               daemonCfg.Token,
		PushEnabled:         daemonCfg.Push.Enabled,
		PushVAPIDPublicKey:  daemonCfg.Push.VAPIDPublicKey,
		PushVAPIDPrivateKey: daemonCfg.Push.VAPIDPrivateKey,
		PushVAPIDSubject:    daemonCfg.Push.Subject,
		SubscriptionsPath:   filepath.Join(dir, "push_subscriptions.json"),
	}, sched, db)
	relay.bind(srv)

	if err := sched.Restore(); err != nil {
		log.Warn("loop_restore_failed", slog.String("error", err.Error()))
	}
	for _, st := range sched.Status() {
		go connectPipe(pipes, st.Session)
	}

	// Config edits apply to running loops without a restart: a changed
	// delay reschedules the pending fire.
	watcher, err := config.NewWatcher(store, func() {
		for _, st := range sched.Status() {
			sc := store.Session(st.Session)
			if sc.DelayMinutes != st.DelayMinutes {
				sched.SetDelay(st.Session, sc.DelayMinutes)
			}
		}
	})
	if err != nil {
		log.Warn("config_watch_disabled", slog.String("error", err.Error()))
	} else {
		defer watcher.Close()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		log.Info("daemon_shutting_down", slog.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}
