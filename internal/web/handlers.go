package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleLoops lists every running loop.
func (s *Server) handleLoops(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"loops": s.ctrl.Status()})
}

// handleLoopByName routes /api/loops/{session}[/{action}].
func (s *Server) handleLoopByName(w http.ResponseWriter, r *http.Request) {
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/loops/")
	session, action, _ := strings.Cut(rest, "/")
	if session == "" {
		writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "session name required")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		st := s.ctrl.StatusFor(session)
		writeJSON(w, http.StatusOK, map[string]any{
			"loop":           st,
			"scheduleActive": s.ctrl.IsScheduleActive(session),
		})
		return
	}

	if action == "message" {
		if r.Method != http.MethodGet {
			writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
			return
		}
		msg, ok := s.ctrl.ConditionalMessage(session)
		writeJSON(w, http.StatusOK, map[string]any{"message": msg, "conditional": ok})
		return
	}

	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}

	switch action {
	case "start":
		s.ctrl.StartLoop(session)
	case "stop":
		s.ctrl.StopLoop(session)
	case "pause":
		s.ctrl.PauseLoop(session)
	case "resume":
		s.ctrl.ResumeLoop(session)
	case "delay":
		var body struct {
			Minutes int `json:"minutes"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Minutes <= 0 {
			writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "minutes must be a positive integer")
			return
		}
		s.ctrl.SetDelay(session, body.Minutes)
	case "accept":
		writeJSON(w, http.StatusOK, map[string]any{"decision": s.ctrl.RequestAutoAccept(session)})
		return
	case "compact":
		writeJSON(w, http.StatusOK, map[string]any{"decision": s.ctrl.RequestAutoCompact(session)})
		return
	default:
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "unknown loop action")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"loop": s.ctrl.StatusFor(session)})
}

func (s *Server) handlePauseAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	s.ctrl.PauseAll()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleResumeAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	s.ctrl.ResumeAll()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

const defaultDeliveryLimit = 50

func (s *Server) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.history == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "delivery history unavailable")
		return
	}

	limit := defaultDeliveryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeAPIError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}

	rows, err := s.history.RecentDeliveries(r.URL.Query().Get("session"), limit)
	if err != nil {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load deliveries")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": rows})
}
