// Package ingest receives lifecycle callbacks from the media server. The hub
// never talks to the media pipeline directly; it only consumes the "ingestion
// started" and "ingestion stopped" signals delivered here.
package ingest

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"streamhub/internal/hub"
)

// HookConfig configures the ingestion webhook handler.
type HookConfig struct {
	// Token authorizes callbacks. An empty token rejects every request.
	Token     string
	Lifecycle *hub.Lifecycle
	Logger    *slog.Logger
}

// Hook handles media-server callbacks in the SRS on_publish/on_unpublish
// shape: a JSON body carrying an action, the stream key, and an opaque
// session id.
type Hook struct {
	token     string
	lifecycle *hub.Lifecycle
	logger    *slog.Logger
}

func NewHook(cfg HookConfig) *Hook {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Hook{
		token:     strings.TrimSpace(cfg.Token),
		lifecycle: cfg.Lifecycle,
		logger:    logger,
	}
}

type hookRequest struct {
	Action    string `json:"action"`
	Stream    string `json:"stream"`
	SessionID string `json:"session_id,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
}

type hookResponse struct {
	Status    string `json:"status"`
	Action    string `json:"action"`
	SessionID string `json:"sessionId,omitempty"`
}

func (h *Hook) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	if !h.authorized(r) {
		h.logger.Warn("ingest hook rejected token", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
		return
	}

	var req hookRequest
	if r.Body != nil && r.Body != http.NoBody {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, fmt.Errorf("decode hook payload: %w", err))
			return
		}
	}
	if req.Action == "" {
		req.Action = r.URL.Query().Get("action")
	}
	if req.Stream == "" {
		req.Stream = r.URL.Query().Get("stream")
	}

	action := normalizeAction(req.Action)
	streamKey := strings.TrimSpace(req.Stream)
	if action == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("action is required"))
		return
	}
	if streamKey == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("stream is required"))
		return
	}

	switch action {
	case "publish":
		sessionID := strings.TrimSpace(req.SessionID)
		if sessionID == "" {
			sessionID = strings.TrimSpace(req.ClientID)
		}
		if sessionID == "" {
			sessionID = uuid.NewString()
		}
		if err := h.lifecycle.HandleIngestStart(r.Context(), streamKey, sessionID); err != nil {
			if errors.Is(err, hub.ErrUnknownStreamKey) {
				writeError(w, http.StatusNotFound, fmt.Errorf("stream key not recognized"))
				return
			}
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "on_publish", SessionID: sessionID})
	case "unpublish":
		if err := h.lifecycle.HandleIngestStop(r.Context(), streamKey); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
		writeJSON(w, http.StatusOK, hookResponse{Status: "ok", Action: "on_unpublish"})
	default:
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown action %s", req.Action))
	}
}

func (h *Hook) authorized(r *http.Request) bool {
	if h.token == "" {
		return false
	}
	if header := strings.TrimSpace(r.Header.Get("Authorization")); header != "" {
		if parts := strings.SplitN(header, " ", 2); len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
			if constantTimeEqual(h.token, strings.TrimSpace(parts[1])) {
				return true
			}
		}
	}
	if queryToken := strings.TrimSpace(r.URL.Query().Get("token")); queryToken != "" {
		return constantTimeEqual(h.token, queryToken)
	}
	return false
}

func normalizeAction(action string) string {
	normalized := strings.ToLower(strings.TrimSpace(action))
	return strings.TrimPrefix(normalized, "on_")
}

func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
