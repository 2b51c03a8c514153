package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JasSra/henchmen/internal/db"
	"github.com/JasSra/henchmen/internal/store"
)

// SessionHandler serves the operator chat session endpoints. Sessions are
// persisted transcripts; the controller stores and serves them but does
// not interpret message content.
type SessionHandler struct {
	st     *store.Store
	logger *zap.Logger
}

// NewSessionHandler creates a SessionHandler.
func NewSessionHandler(st *store.Store, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{st: st, logger: logger}
}

type sessionResponse struct {
	ID         uuid.UUID  `json:"id"`
	UserID     string     `json:"user_id"`
	Name       string     `json:"name"`
	ArchivedAt *time.Time `json:"archived_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

func sessionView(s *db.ChatSession) sessionResponse {
	return sessionResponse{
		ID:         s.ID,
		UserID:     s.UserID,
		Name:       s.Name,
		ArchivedAt: s.ArchivedAt,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}
}

type createSessionRequest struct {
	Name   string `json:"name"`
	UserID string `json:"user_id,omitempty"`
}

// Create handles POST /v1/sessions.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	session := &db.ChatSession{Name: req.Name, UserID: req.UserID}
	if err := h.st.CreateChatSession(r.Context(), session); err != nil {
		h.logger.Error("session create failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, sessionView(session))
}

// List handles GET /v1/sessions with optional user_id and
// include_archived query parameters.
func (h *SessionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	includeArchived := r.URL.Query().Get("include_archived") == "true"

	sessions, err := h.st.ListChatSessions(r.Context(), userID, includeArchived)
	if err != nil {
		h.logger.Error("session list failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	views := make([]sessionResponse, 0, len(sessions))
	for i := range sessions {
		views = append(views, sessionView(&sessions[i]))
	}
	Ok(w, envelope{"sessions": views})
}

// Get handles GET /v1/sessions/{id}.
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	Ok(w, sessionView(session))
}

// Archive handles POST /v1/sessions/{id}/archive.
func (h *SessionHandler) Archive(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.st.SetChatSessionArchived(r.Context(), session.ID, true, time.Now().UTC()); err != nil {
		h.logger.Error("session archive failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Unarchive handles DELETE /v1/sessions/{id}/archive.
func (h *SessionHandler) Unarchive(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.st.SetChatSessionArchived(r.Context(), session.ID, false, time.Now().UTC()); err != nil {
		h.logger.Error("session unarchive failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

// Delete handles DELETE /v1/sessions/{id}. Messages go with the session.
func (h *SessionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	if err := h.st.DeleteChatSession(r.Context(), session.ID); err != nil {
		h.logger.Error("session delete failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	NoContent(w)
}

type messageResponse struct {
	ID        uuid.UUID `json:"id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Metadata  string    `json:"metadata,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type appendMessageRequest struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Metadata string `json:"metadata,omitempty"`
}

// AppendMessage handles POST /v1/sessions/{id}/messages.
func (h *SessionHandler) AppendMessage(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req appendMessageRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Role == "" || req.Content == "" {
		ErrBadRequest(w, "role and content are required")
		return
	}

	msg := &db.ChatMessage{
		SessionID: session.ID,
		Role:      req.Role,
		Content:   req.Content,
		Metadata:  req.Metadata,
	}
	if err := h.st.AppendChatMessage(r.Context(), msg); err != nil {
		h.logger.Error("message append failed", zap.Error(err))
		ErrInternal(w)
		return
	}
	Created(w, messageResponse{
		ID:        msg.ID,
		Role:      msg.Role,
		Content:   msg.Content,
		Metadata:  msg.Metadata,
		CreatedAt: msg.CreatedAt,
	})
}

// ListMessages handles GET /v1/sessions/{id}/messages.
func (h *SessionHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	messages, err := h.st.ListChatMessages(r.Context(), session.ID, limit)
	if err != nil {
		h.logger.Error("message list failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	views := make([]messageResponse, 0, len(messages))
	for i := range messages {
		m := &messages[i]
		views = append(views, messageResponse{
			ID:        m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Metadata:  m.Metadata,
			CreatedAt: m.CreatedAt,
		})
	}
	Ok(w, envelope{"messages": views})
}

// lookup resolves the {id} parameter to a session, writing the error
// response on failure.
func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) (*db.ChatSession, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		ErrNotFound(w)
		return nil, false
	}
	session, err := h.st.GetChatSession(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			ErrNotFound(w)
			return nil, false
		}
		h.logger.Error("session read failed", zap.Error(err))
		ErrInternal(w)
		return nil, false
	}
	return session, true
}
