package server

import (
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/zapbridge/zapbridge/internal/errors"
)

// createMux creates the HTTP mux with all endpoints. Everything except
// /health sits behind bearer-token authentication.
func (s *Server) createMux() *http.ServeMux {
	mux := http.NewServeMux()

	// Health check endpoint for monitoring; deliberately unauthenticated.
	mux.HandleFunc("/health", s.handleHealth)

	mux.Handle("/session/status", s.authenticated(http.MethodGet, s.handleStatus))
	mux.Handle("/session/qr", s.authenticated(http.MethodGet, s.handleQR))
	mux.Handle("/session/disconnect", s.authenticated(http.MethodPost, s.handleDisconnect))
	mux.Handle("/session/restart", s.authenticated(http.MethodPost, s.handleRestart))
	mux.Handle("/session/events", s.authenticated(http.MethodGet, s.handleEvents))
	mux.Handle("/messages/send", s.authenticated(http.MethodPost, s.handleSend))

	return mux
}

// authenticated wraps a handler with method enforcement, bearer-token
// checking, and per-request access logging.
func (s *Server) authenticated(method string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()[:8]
		log.Printf("server: [%s] %s %s from %s", reqID, r.Method, r.URL.Path, r.RemoteAddr)

		if r.Method != method {
			writeError(w, http.StatusMethodNotAllowed, apperrors.InvalidRequest("method not allowed"))
			return
		}

		token := extractBearerToken(r)
		if token == "" {
			log.Printf("server: [%s] rejected: missing authorization token", reqID)
			writeError(w, http.StatusUnauthorized, apperrors.AuthRequired())
			return
		}
		if !s.verifier.Verify(token) {
			log.Printf("server: [%s] rejected: invalid token", reqID)
			writeError(w, http.StatusUnauthorized, apperrors.AuthInvalid())
			return
		}

		next(w, r)
	})
}

// extractBearerToken extracts the token from an Authorization header.
// Returns empty string if no valid bearer token is found.
// Supports both "Bearer <token>" header and "token" query parameter as a
// fallback (some WebSocket clients don't support custom headers).
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth != "" {
		const bearerPrefix = "Bearer "
		if len(auth) > len(bearerPrefix) {
			prefix := auth[:len(bearerPrefix)]
			if prefix == bearerPrefix || prefix == "bearer " {
				return auth[len(bearerPrefix):]
			}
		}
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return ""
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("server: failed to encode response: %v", err)
	}
}

// errorResponse is the uniform error envelope for all endpoints.
type errorResponse struct {
	Success bool   `json:"success"`
	Code    string `json:"code"`
	Error   string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	code, message := apperrors.ToCodeAndMessage(err)
	writeJSON(w, status, errorResponse{Success: false, Code: code, Error: message})
}
