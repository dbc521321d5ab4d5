// Package handlers exposes the thin HTTP control surface for session
// lifecycle operations.
package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/antinvestor/service-wagateway/apps/default/service/business"
	"github.com/antinvestor/service-wagateway/apps/default/service/waproto"
	"github.com/pitabwire/util"
)

// SessionHandler maps HTTP requests onto the session manager. It does no
// business logic of its own; validation beyond required fields lives
// upstream of this service.
type SessionHandler struct {
	manager *business.Manager
}

// NewSessionHandler creates the handler.
func NewSessionHandler(manager *business.Manager) *SessionHandler {
	return &SessionHandler{manager: manager}
}

// RegisterRoutes mounts the session endpoints on the mux.
func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sessions/start", h.handleStart)
	mux.HandleFunc("POST /sessions/stop", h.handleStop)
	mux.HandleFunc("POST /sessions/send", h.handleSend)
	mux.HandleFunc("GET /sessions/status", h.handleStatus)
}

type startRequest struct {
	SessionID   string `json:"session_id"`
	AuthMethod  string `json:"auth_method,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

func (h *SessionHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.manager.Start(r.Context(), req.SessionID, waproto.AuthMethod(req.AuthMethod), req.PhoneNumber)
	if err != nil {
		switch {
		case errors.Is(err, business.ErrInvalidSessionID):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, business.ErrSessionPoolFull), errors.Is(err, business.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			util.Log(r.Context()).WithError(err).WithField("session_id", req.SessionID).
				Error("session start failed")
			writeError(w, http.StatusInternalServerError, "session start failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": req.SessionID,
		"status":     string(business.StatusConnecting),
	})
}

type stopRequest struct {
	SessionID string `json:"session_id"`
}

func (h *SessionHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.manager.Stop(r.Context(), req.SessionID); err != nil {
		if errors.Is(err, business.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		util.Log(r.Context()).WithError(err).WithField("session_id", req.SessionID).
			Error("session stop failed")
		writeError(w, http.StatusInternalServerError, "session stop failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"session_id": req.SessionID,
		"status":     string(business.StatusDisconnected),
	})
}

type sendRequest struct {
	SessionID string `json:"session_id"`
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
}

func (h *SessionHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ChatID == "" || req.Text == "" {
		writeError(w, http.StatusBadRequest, "chat_id and text are required")
		return
	}

	messageID, err := h.manager.SendText(r.Context(), req.SessionID, req.ChatID, req.Text)
	if err != nil {
		switch {
		case errors.Is(err, business.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, business.ErrSessionNotOpen):
			writeError(w, http.StatusConflict, err.Error())
		default:
			util.Log(r.Context()).WithError(err).WithField("session_id", req.SessionID).
				Error("message send failed")
			writeError(w, http.StatusBadGateway, "message send failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message_id": messageID})
}

type statusResponse struct {
	SessionID    string `json:"session_id"`
	Status       string `json:"status"`
	AccountID    string `json:"account_id,omitempty"`
	StabilizedAt string `json:"stabilized_at,omitempty"`
	LastError    string `json:"last_error,omitempty"`
}

func (h *SessionHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	sess, ok := h.manager.Lookup(sessionID)
	if !ok {
		writeError(w, http.StatusNotFound, business.ErrSessionNotFound.Error())
		return
	}

	resp := statusResponse{
		SessionID: sessionID,
		Status:    string(sess.Status()),
		AccountID: sess.AccountID(),
	}
	if stabilized := sess.StabilizedAt(); !stabilized.IsZero() {
		resp.StabilizedAt = stabilized.UTC().Format(time.RFC3339)
	}
	if lastErr := sess.LastError(); lastErr != nil {
		resp.LastError = lastErr.Error()
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
