// Package web exposes the daemon's status and control surface over HTTP:
// a small JSON API, a websocket event feed and web-push notifications.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/twistedxcom/autopilot/internal/logging"
	"github.com/twistedxcom/autopilot/internal/scheduler"
	"github.com/twistedxcom/autopilot/internal/statedb"
)

var webLog = logging.ForComponent(logging.CompWeb)

// Config defines runtime options for the web server.
type Config struct {
	ListenAddr string
	Token      string

	PushEnabled         bool
	PushVAPIDPublicKey  string
	PushVAPIDPrivateKey string
	PushVAPIDSubject    string

	// SubscriptionsPath is where push subscriptions are persisted.
	SubscriptionsPath string
}

// Controller is the slice of the scheduler the HTTP handlers drive.
type Controller interface {
	Status() []scheduler.LoopStatus
	StatusFor(session string) scheduler.LoopStatus
	StartLoop(session string)
	StopLoop(session string)
	PauseLoop(session string)
	ResumeLoop(session string)
	PauseAll()
	ResumeAll()
	SetDelay(session string, minutes int)
	RequestAutoAccept(session string) scheduler.Decision
	RequestAutoCompact(session string) scheduler.Decision
	ConditionalMessage(session string) (string, bool)
	IsScheduleActive(session string) bool
}

// History reads the delivery log. May be nil; the endpoint then 404s.
type History interface {
	RecentDeliveries(session string, limit int) ([]*statedb.DeliveryRow, error)
}

// Server wraps the HTTP server for autopilot's daemon mode.
type Server struct {
	cfg        Config
	httpServer *http.Server
	ctrl       Controller
	history    History
	hub        *eventHub
	push       *pushService
	baseCtx    context.Context
	cancelBase context.CancelFunc
}

// NewServer creates the server with all routes registered.
func NewServer(cfg Config, ctrl Controller, history History) *Server {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:8520"
	}

	s := &Server{
		cfg:     cfg,
		ctrl:    ctrl,
		history: history,
		hub:     newEventHub(),
	}
	s.baseCtx, s.cancelBase = context.WithCancel(context.Background())

	if cfg.PushEnabled {
		push, err := newPushService(cfg)
		if err != nil {
			webLog.Warn("push_disabled", slog.String("error", err.Error()))
		} else {
			s.push = push
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/api/loops", s.handleLoops)
	mux.HandleFunc("/api/loops/", s.handleLoopByName)
	mux.HandleFunc("/api/pause", s.handlePauseAll)
	mux.HandleFunc("/api/resume", s.handleResumeAll)
	mux.HandleFunc("/api/deliveries", s.handleDeliveries)
	mux.HandleFunc("/api/push/config", s.handlePushConfig)
	mux.HandleFunc("/api/push/subscribe", s.handlePushSubscribe)
	mux.HandleFunc("/api/push/unsubscribe", s.handlePushUnsubscribe)
	mux.HandleFunc("/ws/events", s.handleEventsWS)

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           withRecover(mux),
		BaseContext:       func(_ net.Listener) context.Context { return s.baseCtx },
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Handler returns the configured HTTP handler (used by tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Publish forwards a scheduler event to websocket subscribers and, for the
// notification-worthy kinds, to push subscribers.
func (s *Server) Publish(ev scheduler.Event) {
	s.hub.broadcast(ev)
	if s.push != nil {
		s.push.notify(ev)
	}
}

// Start runs the HTTP server and blocks until shutdown or error. Returns
// nil on graceful shutdown.
func (s *Server) Start() error {
	webLog.Info("web_server_listening", slog.String("addr", s.cfg.ListenAddr))
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server, force-closing lingering websocket
// connections if the deadline passes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBase != nil {
		s.cancelBase()
	}
	s.hub.closeAll()

	err := s.httpServer.Shutdown(ctx)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		if closeErr := s.httpServer.Close(); closeErr != nil {
			return fmt.Errorf("graceful shutdown timed out and force close failed: %w", closeErr)
		}
		return nil
	}
	return err
}

func withRecover(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				webLog.Error("panic",
					slog.String("recover", fmt.Sprintf("%v", rec)),
					slog.String("path", r.URL.Path))
				http.Error(w, "internal server error", http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{Error: apiError{Code: code, Message: message}})
}
