// ABOUTME: HTTP API handlers exposing the coaching chat to UI clients
// ABOUTME: Maps session errors onto the configuration/provider error taxonomy

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/fitlane/coach-engine/internal/credentials"
	"github.com/fitlane/coach-engine/internal/llm"
	"github.com/fitlane/coach-engine/internal/session"
	"github.com/fitlane/coach-engine/internal/store"
)

// Server exposes chat endpoints over HTTP JSON.
type Server struct {
	sessions *session.Manager
	logger   *slog.Logger
}

// NewServer creates an API server over the given session manager.
func NewServer(sessions *session.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		sessions: sessions,
		logger:   logger.With("component", "api"),
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/chat/send", s.handleSend)
	mux.HandleFunc("/api/chat/history", s.handleHistory)
	mux.HandleFunc("/api/chat/clear", s.handleClear)
	mux.HandleFunc("/healthz", s.handleHealth)
	return mux
}

// SendRequest is the JSON request body for POST /api/chat/send.
type SendRequest struct {
	UserID          string   `json:"user_id"`
	Role            string   `json:"role"`
	Content         string   `json:"content"`
	Goals           []string `json:"goals,omitempty"`
	FitnessLevel    string   `json:"fitness_level,omitempty"`
	TrainerID       *string  `json:"trainer_id,omitempty"`
	Specializations []string `json:"specializations,omitempty"`
	Preferences     string   `json:"preferences,omitempty"`
}

// MessageResponse is the JSON shape of one chat message.
type MessageResponse struct {
	ID             string  `json:"id"`
	ConversationID string  `json:"conversation_id"`
	Role           string  `json:"role"`
	Content        string  `json:"content"`
	Agent          string  `json:"agent,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	Timestamp      string  `json:"timestamp"`
}

// HistoryResponse is the JSON response for GET /api/chat/history.
type HistoryResponse struct {
	ConversationID string            `json:"conversation_id"`
	LastAgent      string            `json:"last_agent,omitempty"`
	Messages       []MessageResponse `json:"messages"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	req, err := parseSendRequest(r.Body)
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	sess, err := s.sessions.Get(r.Context(), req.UserID)
	if err != nil {
		s.logger.Error("failed to load session", "error", err, "user_id", req.UserID)
		s.sendJSONError(w, http.StatusInternalServerError, "internal_error", "failed to load conversation")
		return
	}

	reply, err := sess.Send(r.Context(), req.Content, session.UserContext{
		UserID:          req.UserID,
		Role:            req.Role,
		Goals:           req.Goals,
		FitnessLevel:    req.FitnessLevel,
		TrainerID:       req.TrainerID,
		Specializations: req.Specializations,
		Preferences:     req.Preferences,
	})
	if err != nil {
		s.writeSendError(w, req.UserID, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toMessageResponse(reply))
}

// writeSendError maps the session error taxonomy onto HTTP statuses. Only
// configuration and provider failures reach clients; persistence problems
// were already swallowed and logged upstream.
func (s *Server) writeSendError(w http.ResponseWriter, userID string, err error) {
	var provErr *llm.ProviderError

	switch {
	case errors.Is(err, session.ErrSendInFlight):
		s.sendJSONError(w, http.StatusConflict, "send_in_flight",
			"a message is already being processed for this conversation")
	case errors.Is(err, credentials.ErrUnavailable):
		s.logger.Error("provider credential unavailable", "error", err, "user_id", userID)
		s.sendJSONError(w, http.StatusServiceUnavailable, "configuration_error",
			"the coaching service is not configured; please try again later")
	case errors.As(err, &provErr):
		s.logger.Error("provider call failed", "error", err, "user_id", userID)
		s.sendJSONError(w, http.StatusBadGateway, "provider_error",
			"the coaching service did not respond; your message was kept")
	default:
		s.logger.Error("send failed", "error", err, "user_id", userID)
		s.sendJSONError(w, http.StatusInternalServerError, "internal_error", "send failed")
	}
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}

	sess, err := s.sessions.Get(r.Context(), userID)
	if err != nil {
		s.logger.Error("failed to load session", "error", err, "user_id", userID)
		s.sendJSONError(w, http.StatusInternalServerError, "internal_error", "failed to load conversation")
		return
	}

	messages := sess.History()
	resp := HistoryResponse{
		ConversationID: sess.ConversationID(),
		LastAgent:      string(sess.LastAgent()),
		Messages:       make([]MessageResponse, 0, len(messages)),
	}
	for _, msg := range messages {
		resp.Messages = append(resp.Messages, toMessageResponse(msg))
	}

	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		s.sendJSONError(w, http.StatusBadRequest, "bad_request", "user_id is required")
		return
	}

	sess, err := s.sessions.Get(r.Context(), req.UserID)
	if err != nil {
		s.logger.Error("failed to load session", "error", err, "user_id", req.UserID)
		s.sendJSONError(w, http.StatusInternalServerError, "internal_error", "failed to load conversation")
		return
	}

	sess.ClearHistory(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseSendRequest(body io.Reader) (*SendRequest, error) {
	var req SendRequest
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.Content == "" {
		return nil, fmt.Errorf("content is required")
	}
	switch req.Role {
	case session.RoleClient, session.RoleTrainer:
	case "":
		req.Role = session.RoleClient
	default:
		return nil, fmt.Errorf("role must be %q or %q", session.RoleClient, session.RoleTrainer)
	}
	return &req, nil
}

func toMessageResponse(msg *store.Message) MessageResponse {
	return MessageResponse{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Agent:          msg.Agent,
		Confidence:     msg.Confidence,
		Timestamp:      msg.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) sendJSONError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]string{
		"error":   code,
		"message": message,
	})
}
