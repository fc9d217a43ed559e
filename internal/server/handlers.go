package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/zapbridge/zapbridge/internal/dispatch"
	apperrors "github.com/zapbridge/zapbridge/internal/errors"
	"github.com/zapbridge/zapbridge/internal/session"
)

// healthResponse is the /health payload for liveness probes.
type healthResponse struct {
	Status        string `json:"status"`
	Timestamp     string `json:"timestamp"`
	UptimeSeconds int    `json:"uptimeSeconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := time.Now()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Timestamp:     now.UTC().Format(time.RFC3339),
		UptimeSeconds: int(now.Sub(s.started).Seconds()),
	})
}

// statusResponse is the /session/status payload. The qr field is present
// only while a pairing challenge is pending.
type statusResponse struct {
	Status string `json:"status"`
	QR     string `json:"qr,omitempty"`
}

func statusPayload(snap session.Snapshot) statusResponse {
	return statusResponse{
		Status: string(snap.State),
		QR:     snap.QR,
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, statusPayload(s.sessions.Status()))
}

// qrResponse carries both the rendered image (for display) and the raw
// pairing code (for clients that render their own QR, e.g. the CLI).
type qrResponse struct {
	QR   string `json:"qr"`
	Code string `json:"code"`
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	snap := s.sessions.Status()
	if snap.QR == "" {
		writeError(w, http.StatusNotFound, apperrors.QRNotAvailable())
		return
	}
	writeJSON(w, http.StatusOK, qrResponse{QR: snap.QR, Code: snap.QRRaw})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	s.sessions.Disconnect(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  string(session.StateClosed),
	})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Restart(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"status":  string(s.sessions.Status().State),
	})
}

// sendRequest is the /messages/send request body.
type sendRequest struct {
	Destination        string `json:"destination"`
	Body               string `json:"body"`
	TypingDelaySeconds int    `json:"typingDelaySeconds"`
	SendDelaySeconds   int    `json:"sendDelaySeconds"`
	EditTargetID       string `json:"editTargetId"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, apperrors.InvalidRequest("malformed JSON body"))
		return
	}
	if req.Destination == "" {
		writeError(w, http.StatusBadRequest, apperrors.InvalidRequest("destination is required"))
		return
	}
	if req.Body == "" {
		writeError(w, http.StatusBadRequest, apperrors.InvalidRequest("body is required"))
		return
	}

	if s.sendLimiter != nil && !s.sendLimiter.Allow() {
		writeError(w, http.StatusTooManyRequests,
			apperrors.New(apperrors.CodeMessageRateLimited, "too many send requests"))
		return
	}

	result, err := s.sender.Send(r.Context(), dispatch.Request{
		Destination:        req.Destination,
		Body:               req.Body,
		TypingDelaySeconds: req.TypingDelaySeconds,
		SendDelaySeconds:   req.SendDelaySeconds,
		EditTargetID:       req.EditTargetID,
	})
	if err != nil {
		writeError(w, sendErrorStatus(err), err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"result":  result,
	})
}

func sendErrorStatus(err error) int {
	switch apperrors.GetCode(err) {
	case apperrors.CodeServerInvalidRequest:
		return http.StatusBadRequest
	case apperrors.CodeMessageRateLimited:
		return http.StatusTooManyRequests
	default:
		// NotConnected and SendFailed both surface as server-side failures.
		return http.StatusInternalServerError
	}
}
