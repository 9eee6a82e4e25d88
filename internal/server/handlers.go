package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"agenthub/internal/formfield"
	"agenthub/internal/session"
	"agenthub/internal/storage"
)

type chatRequest struct {
	SessionID string            `json:"session_id"`
	Content   string            `json:"content"`
	FormData  map[string]string `json:"form_data"`
}

type retryRequest struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

type renameRequest struct {
	SessionID string `json:"session_id"`
	Label     string `json:"label"`
}

type agentConfig struct {
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
	Options json.RawMessage   `json:"options"`
}

type agentView struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	APIURL      string      `json:"api_url"`
	Prompt      string      `json:"prompt"`
	AgentRole   string      `json:"agent_role"`
	IsPublic    bool        `json:"is_public"`
	Config      agentConfig `json:"config"`
	CreatedAt   time.Time   `json:"created_at"`
}

type agentUpsertRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	APIURL      string `json:"api_url"`
	Prompt      string `json:"prompt"`
	AgentRole   string `json:"agent_role"`
	IsPublic    bool   `json:"is_public"`
	Config      struct {
		Headers map[string]string `json:"headers"`
		Body    json.RawMessage   `json:"body"`
		Options json.RawMessage   `json:"options"`
	} `json:"config"`
}

// loadAgent fetches an agent and enforces visibility: private agents exist
// only for their owner.
func (s *Server) loadAgent(w http.ResponseWriter, r *http.Request, uid string) (storage.Agent, bool) {
	agent, err := s.store.GetAgent(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "agent not found")
		} else {
			s.logger.Error().Err(err).Msg("failed to load agent")
			respondError(w, http.StatusInternalServerError, "failed to load agent")
		}
		return storage.Agent{}, false
	}
	if !agent.IsPublic && agent.UID != uid {
		respondError(w, http.StatusNotFound, "agent not found")
		return storage.Agent{}, false
	}
	return agent, true
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	agent, ok := s.loadAgent(w, r, uid)
	if !ok {
		return
	}

	fields, err := formfield.ParseDescriptors([]byte(agent.BodyJSON))
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agent.ID).Msg("agent body config is not valid json")
		respondError(w, http.StatusInternalServerError, "agent configuration is invalid")
		return
	}
	formData := formfield.Seed(fields, req.FormData)
	if res := formfield.Validate(fields, formData); !res.Valid {
		respondJSON(w, http.StatusUnprocessableEntity, map[string]any{"errors": res.Errors})
		return
	}

	allowed, _, resetAt, err := s.limiter.Allow(r.Context(), uid, time.Now())
	if err != nil {
		s.logger.Error().Err(err).Msg("rate limiter unavailable")
		respondError(w, http.StatusInternalServerError, "rate limiter unavailable")
		return
	}
	if !allowed {
		s.metrics.RateLimited.Inc()
		w.Header().Set("Retry-After", resetAt.UTC().Format(http.TimeFormat))
		respondError(w, http.StatusTooManyRequests, "hourly message limit reached")
		return
	}

	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	ex, err := s.controller.Send(r.Context(), agent, sessionID, uid, req.Content, formData)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrEmptyContent):
			respondError(w, http.StatusBadRequest, "message content is empty")
		case errors.Is(err, session.ErrSendInFlight):
			respondError(w, http.StatusConflict, "a message is already being processed for this session")
		default:
			s.logger.Error().Err(err).Msg("send failed")
			respondError(w, http.StatusInternalServerError, "failed to send message")
		}
		return
	}
	respondJSON(w, http.StatusOK, ex)
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())

	var req retryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || req.MessageID == "" {
		respondError(w, http.StatusBadRequest, "session_id and message_id are required")
		return
	}

	agent, ok := s.loadAgent(w, r, uid)
	if !ok {
		return
	}

	ex, err := s.controller.Retry(r.Context(), agent, req.SessionID, uid, req.MessageID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrUnknownRetry):
			respondError(w, http.StatusNotFound, "nothing to retry for this message")
		case errors.Is(err, session.ErrSendInFlight):
			respondError(w, http.StatusConflict, "a message is already being processed for this session")
		default:
			s.logger.Error().Err(err).Msg("retry failed")
			respondError(w, http.StatusInternalServerError, "failed to retry message")
		}
		return
	}
	respondJSON(w, http.StatusOK, ex)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	if _, ok := s.loadAgent(w, r, uid); !ok {
		return
	}

	msgs, err := s.controller.LoadHistory(r.Context(), sessionID, uid)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load history")
		respondError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"session_id": sessionID,
		"messages":   msgs,
		"in_flight":  s.controller.InFlight(sessionID, uid),
	})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())
	id := r.PathValue("id")

	if err := s.controller.DeleteMessage(r.Context(), id, uid); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "message not found")
		} else {
			s.logger.Error().Err(err).Msg("failed to delete message")
			respondError(w, http.StatusInternalServerError, "failed to delete message")
		}
		return
	}
	if sessionID := r.URL.Query().Get("sessionId"); sessionID != "" {
		s.controller.Forget(sessionID, uid, id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())
	agent, ok := s.loadAgent(w, r, uid)
	if !ok {
		return
	}

	sessions, err := s.store.ListSessions(r.Context(), agent.ID, uid)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list sessions")
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]map[string]any, 0, len(sessions))
	for _, info := range sessions {
		out = append(out, map[string]any{
			"session_id":    info.SessionID,
			"label":         info.Label,
			"message_count": info.MessageCount,
			"last_activity": info.LastActivity,
		})
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "sessionId is required")
		return
	}
	agent, ok := s.loadAgent(w, r, uid)
	if !ok {
		return
	}

	if err := s.store.DeleteSession(r.Context(), agent.ID, sessionID, uid); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session not found")
		} else {
			s.logger.Error().Err(err).Msg("failed to delete session")
			respondError(w, http.StatusInternalServerError, "failed to delete session")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRenameSession(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())

	var req renameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Label) == "" {
		respondError(w, http.StatusBadRequest, "session_id and label are required")
		return
	}
	agent, ok := s.loadAgent(w, r, uid)
	if !ok {
		return
	}

	if err := s.store.RenameSession(r.Context(), agent.ID, req.SessionID, uid, req.Label); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session not found")
		} else {
			s.logger.Error().Err(err).Msg("failed to rename session")
			respondError(w, http.StatusInternalServerError, "failed to rename session")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())

	agents, err := s.store.ListAgents(r.Context(), uid)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list agents")
		respondError(w, http.StatusInternalServerError, "failed to list agents")
		return
	}
	out := make([]agentView, 0, len(agents))
	for _, a := range agents {
		view, err := s.agentView(a, a.UID == uid)
		if err != nil {
			s.logger.Error().Err(err).Str("agent_id", a.ID).Msg("failed to render agent")
			continue
		}
		out = append(out, view)
	}
	respondJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())
	agent, ok := s.loadAgent(w, r, uid)
	if !ok {
		return
	}

	view, err := s.agentView(agent, agent.UID == uid)
	if err != nil {
		s.logger.Error().Err(err).Str("agent_id", agent.ID).Msg("failed to render agent")
		respondError(w, http.StatusInternalServerError, "failed to render agent")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleUpsertAgent(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())
	id := r.PathValue("id")

	var req agentUpsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		respondError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	if len(req.Config.Body) > 0 {
		if _, err := formfield.ParseDescriptors(req.Config.Body); err != nil {
			respondError(w, http.StatusUnprocessableEntity, "config.body is not a valid descriptor array")
			return
		}
	}

	existing, err := s.store.GetAgent(r.Context(), id)
	if err == nil && existing.UID != uid {
		respondError(w, http.StatusForbidden, "agent belongs to another user")
		return
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		s.logger.Error().Err(err).Msg("failed to check agent owner")
		respondError(w, http.StatusInternalServerError, "failed to save agent")
		return
	}

	agent := storage.Agent{
		ID:          id,
		UID:         uid,
		Name:        req.Name,
		Description: req.Description,
		APIURL:      req.APIURL,
		Prompt:      req.Prompt,
		AgentRole:   req.AgentRole,
		IsPublic:    req.IsPublic,
		BodyJSON:    string(req.Config.Body),
		OptionsJSON: string(req.Config.Options),
	}
	if len(req.Config.Headers) > 0 {
		enc, err := s.crypto.EncryptHeaders(req.Config.Headers)
		if err != nil {
			s.logger.Error().Err(err).Msg("failed to encrypt agent headers")
			respondError(w, http.StatusInternalServerError, "failed to save agent")
			return
		}
		agent.EncHeadersJSON = &enc
	}

	if err := s.store.UpsertAgent(r.Context(), agent); err != nil {
		s.logger.Error().Err(err).Msg("failed to upsert agent")
		respondError(w, http.StatusInternalServerError, "failed to save agent")
		return
	}

	view, err := s.agentView(agent, true)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to render agent")
		respondError(w, http.StatusInternalServerError, "failed to render agent")
		return
	}
	respondJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	uid := uidFrom(r.Context())

	if err := s.store.DeleteAgent(r.Context(), r.PathValue("id"), uid); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "agent not found")
		} else {
			s.logger.Error().Err(err).Msg("failed to delete agent")
			respondError(w, http.StatusInternalServerError, "failed to delete agent")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// agentView renders an agent for the API. Stored header values are only
// included for the owner; other callers see the rest of the config.
func (s *Server) agentView(a storage.Agent, includeHeaders bool) (agentView, error) {
	view := agentView{
		ID:          a.ID,
		Name:        a.Name,
		Description: a.Description,
		APIURL:      a.APIURL,
		Prompt:      a.Prompt,
		AgentRole:   a.AgentRole,
		IsPublic:    a.IsPublic,
		CreatedAt:   a.CreatedAt,
	}
	view.Config.Body = rawOrDefault(a.BodyJSON, "[]")
	view.Config.Options = rawOrDefault(a.OptionsJSON, "{}")
	if includeHeaders && a.EncHeadersJSON != nil {
		headers, err := s.crypto.DecryptHeaders(*a.EncHeadersJSON)
		if err != nil {
			return view, err
		}
		view.Config.Headers = headers
	}
	return view, nil
}

func rawOrDefault(v, def string) json.RawMessage {
	if strings.TrimSpace(v) == "" {
		return json.RawMessage(def)
	}
	return json.RawMessage(v)
}
