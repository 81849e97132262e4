package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/twistedxcom/autopilot/internal/scheduler"
)

type pushSubscription struct {
	Endpoint string               `json:"endpoint"`
	Keys     pushSubscriptionKeys `json:"keys"`
}

type pushSubscriptionKeys struct {
	P256DH string `json:"p256dh"`
	Auth   string `json:"auth"`
}

func (s pushSubscription) normalize() pushSubscription {
	s.Endpoint = strings.TrimSpace(s.Endpoint)
	s.Keys.P256DH = strings.TrimSpace(s.Keys.P256DH)
	s.Keys.Auth = strings.TrimSpace(s.Keys.Auth)
	return s
}

func (s pushSubscription) validate() error {
	sub := s.normalize()
	if sub.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if sub.Keys.P256DH == "" {
		return fmt.Errorf("keys.p256dh is required")
	}
	if sub.Keys.Auth == "" {
		return fmt.Errorf("keys.auth is required")
	}
	return nil
}

type pushSubscriptionFile struct {
	UpdatedAt     time.Time          `json:"updatedAt"`
	Subscriptions []pushSubscription `json:"subscriptions"`
}

// pushStore persists subscriptions as a JSON file, written atomically.
type pushStore struct {
	path string
	mu   sync.Mutex
}

func (s *pushStore) list() ([]pushSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return nil, err
	}
	out := make([]pushSubscription, len(data.Subscriptions))
	copy(out, data.Subscriptions)
	return out, nil
}

func (s *pushStore) upsert(sub pushSubscription) error {
	sub = sub.normalize()
	if err := sub.validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}

	updated := false
	for i := range data.Subscriptions {
		if data.Subscriptions[i].Endpoint == sub.Endpoint {
			data.Subscriptions[i] = sub
			updated = true
			break
		}
	}
	if !updated {
		data.Subscriptions = append(data.Subscriptions, sub)
	}
	data.UpdatedAt = time.Now().UTC()
	return s.writeLocked(data)
}

func (s *pushStore) remove(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.readLocked()
	if err != nil {
		return err
	}

	filtered := data.Subscriptions[:0]
	for _, sub := range data.Subscriptions {
		if sub.Endpoint != endpoint {
			filtered = append(filtered, sub)
		}
	}
	data.Subscriptions = filtered
	data.UpdatedAt = time.Now().UTC()
	return s.writeLocked(data)
}

func (s *pushStore) readLocked() (*pushSubscriptionFile, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &pushSubscriptionFile{Subscriptions: []pushSubscription{}}, nil
		}
		return nil, fmt.Errorf("read push subscriptions: %w", err)
	}
	var data pushSubscriptionFile
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("parse push subscriptions: %w", err)
	}
	if data.Subscriptions == nil {
		data.Subscriptions = []pushSubscription{}
	}
	return &data, nil
}

func (s *pushStore) writeLocked(data *pushSubscriptionFile) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("mkdir push subscription dir: %w", err)
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal push subscriptions: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write temp push subscriptions: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename push subscriptions: %w", err)
	}
	return nil
}

type pushSender interface {
	send(payload []byte, sub pushSubscription) (int, error)
}

type vapidPushSender struct {
	subject    string
	publicKey  string
	privateKey string
}

func (s *vapidPushSender) send(payload []byte, sub pushSubscription) (int, error) {
	sub = sub.normalize()
	resp, err := webpush.SendNotification(payload, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.Keys.P256DH,
			Auth:   sub.Keys.Auth,
		},
	}, &webpush.Options{
		Subscriber:      s.subject,
		VAPIDPublicKey:  s.publicKey,
		VAPIDPrivateKey: s.privateKey,
		TTL:             3600,
	})
	if resp != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	if err != nil {
		return status, err
	}
	if status >= 400 {
		return status, fmt.Errorf("push gateway status %d", status)
	}
	return status, nil
}

type pushMessage struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Tag       string `json:"tag,omitempty"`
	Session   string `json:"session,omitempty"`
	Timestamp string `json:"timestamp"`
}

// pushService sends web-push notifications for attention-worthy scheduler
// events.
type pushService struct {
	publicKey string
	subject   string
	store     *pushStore
	sender    pushSender
}

func newPushService(cfg Config) (*pushService, error) {
	if cfg.PushVAPIDPublicKey == "" || cfg.PushVAPIDPrivateKey == "" {
		return nil, fmt.Errorf("push enabled but VAPID keys are missing")
	}
	subject := cfg.PushVAPIDSubject
	if subject == "" {
		subject = "mailto:autopilot@localhost"
	}
	path := cfg.SubscriptionsPath
	if path == "" {
		return nil, fmt.Errorf("push subscriptions path not configured")
	}
	return &pushService{
		publicKey: cfg.PushVAPIDPublicKey,
		subject:   subject,
		store:     &pushStore{path: path},
		sender: &vapidPushSender{
			subject:    subject,
			publicKey:  cfg.PushVAPIDPublicKey,
			privateKey: cfg.PushVAPIDPrivateKey,
		},
	}, nil
}

// notify fans a scheduler event out to all subscriptions. Only events a
// human might act on become notifications; loop lifecycle noise does not.
func (p *pushService) notify(ev scheduler.Event) {
	var msg pushMessage
	switch ev.Type {
	case scheduler.EventPromptDetected:
		msg = pushMessage{
			Title: "Prompt waiting",
			Body:  fmt.Sprintf("%s is waiting on a %s prompt", ev.Session, ev.Detail),
			Tag:   "prompt-" + ev.Session,
		}
	case scheduler.EventAutoAccept:
		msg = pushMessage{
			Title: "Prompt auto-accepted",
			Body:  fmt.Sprintf("%s: accepted a %s prompt", ev.Session, ev.Detail),
			Tag:   "accept-" + ev.Session,
		}
	case scheduler.EventAutoCompact:
		msg = pushMessage{
			Title: "Context compacted",
			Body:  fmt.Sprintf("%s: context was running low, compact sent", ev.Session),
			Tag:   "compact-" + ev.Session,
		}
	default:
		return
	}
	msg.Session = ev.Session
	msg.Timestamp = ev.Time.UTC().Format(time.RFC3339)

	payload, err := json.Marshal(msg)
	if err != nil {
		return
	}

	subs, err := p.store.list()
	if err != nil {
		webLog.Warn("push_list_failed", slog.String("error", err.Error()))
		return
	}
	for _, sub := range subs {
		status, err := p.sender.send(payload, sub)
		if err == nil {
			continue
		}
		// Gone endpoints are dropped so dead browsers do not accumulate.
		if status == http.StatusNotFound || status == http.StatusGone {
			_ = p.store.remove(sub.Endpoint)
			continue
		}
		webLog.Warn("push_send_failed",
			slog.Int("status", status),
			slog.String("error", err.Error()))
	}
}

func (s *Server) handlePushConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.push == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"enabled":   true,
		"publicKey": s.push.publicKey,
		"subject":   s.push.subject,
	})
}

func (s *Server) handlePushSubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.push == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "push is not enabled")
		return
	}

	var sub pushSubscription
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid subscription payload")
		return
	}
	if err := s.push.store.upsert(sub); err != nil {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handlePushUnsubscribe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.push == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "push is not enabled")
		return
	}

	var body struct {
		Endpoint string `json:"endpoint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Endpoint) == "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "endpoint is required")
		return
	}
	if err := s.push.store.remove(body.Endpoint); err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to remove subscription")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
