// Package httpapi exposes the REST surface around the chat core:
// conversation listing and export, transcript browsing and editing, and the
// learning-queue consumer endpoints.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/chatcore/chatcore/pkg/chat"
	"github.com/chatcore/chatcore/pkg/learning"
	"github.com/chatcore/chatcore/pkg/transcript"
)

// API bundles the HTTP handlers over the core services.
type API struct {
	registry   *chat.Registry
	chatRouter *chat.Router
	store      *transcript.Store
	editor     *transcript.Editor
	queue      *learning.Queue
	opts       Options
	logger     zerolog.Logger
}

// Options carries the HTTP-layer policy knobs.
type Options struct {
	AllowedOrigins []string
	RateLimit      float64
	RateBurst      int
}

func New(registry *chat.Registry, chatRouter *chat.Router, store *transcript.Store, editor *transcript.Editor, queue *learning.Queue, opts Options, logger zerolog.Logger) *API {
	return &API{
		registry:   registry,
		chatRouter: chatRouter,
		store:      store,
		editor:     editor,
		queue:      queue,
		opts:       opts,
		logger:     logger.With().Str("component", "httpapi").Logger(),
	}
}

// Handler builds the full route tree with CORS and rate limiting applied.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(a.logger))
	r.Use(cors.New(cors.Options{
		AllowedOrigins:   a.opts.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Accept"},
		AllowCredentials: true,
	}).Handler)

	limiter := newIPRateLimiter(a.opts.RateLimit, a.opts.RateBurst)

	r.Get("/health", a.handleHealth)
	r.Get("/ws/chat", a.chatRouter.WSHandler())

	r.Group(func(r chi.Router) {
		r.Use(limiter.middleware(a.logger))

		r.Get("/conversations", a.handleListConversations)
		r.Get("/conversations/{conversationID}", a.handleGetConversation)
		r.Get("/conversations/{conversationID}/export", a.handleExportConversation)

		r.Get("/sessions", a.handleListSessions)
		r.Get("/sessions/{sessionID}", a.handleGetSession)
		r.Delete("/sessions/{sessionID}", a.handleDeleteSession)
		r.Delete("/sessions/{sessionID}/records", a.handleDeleteRecord)
		r.Post("/sessions/{sessionID}/fork", a.handleForkSession)

		r.Get("/learning/pending", a.handlePendingOperations)
		r.Post("/learning/processed", a.handleMarkProcessed)
	})

	return r
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "chatcore"})
}

func (a *API) handleListConversations(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"conversations": a.registry.List()})
}

func (a *API) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.registry.Get(chi.URLParam(r, "conversationID"))
	if !ok {
		respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"id":         conv.ID,
		"created_at": conv.CreatedAt,
		"messages":   conv.Messages(),
	})
}

func (a *API) handleExportConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := a.registry.Get(chi.URLParam(r, "conversationID"))
	if !ok {
		respondError(w, http.StatusNotFound, "conversation not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"markdown": chat.ExportMarkdown(conv),
		"filename": chat.ExportFilename(conv.ID),
	})
}

func (a *API) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	sessions, err := a.store.ListSessions()
	if err != nil {
		a.logger.Error().Err(err).Msg("session listing failed")
		respondError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"sessions": sessions, "count": len(sessions)})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	content, err := a.store.ReadRecords(chi.URLParam(r, "sessionID"))
	if err != nil {
		if errors.Is(err, transcript.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		a.logger.Error().Err(err).Msg("session read failed")
		respondError(w, http.StatusInternalServerError, "failed to read session")
		return
	}
	respondJSON(w, http.StatusOK, content)
}

func (a *API) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if err := a.store.DeleteSession(sessionID); err != nil {
		if errors.Is(err, transcript.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		a.logger.Error().Err(err).Str("session_id", sessionID).Msg("session delete failed")
		respondError(w, http.StatusInternalServerError, "failed to delete session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"success": true})
}

type deleteRecordRequest struct {
	LineIndex *int   `json:"line_index"`
	RecordID  string `json:"record_id"`
}

func (a *API) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req deleteRecordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.LineIndex == nil && req.RecordID == "" {
		respondError(w, http.StatusBadRequest, "line_index or record_id required")
		return
	}

	result, err := a.editor.DeleteRecord(sessionID, transcript.DeleteSelector{
		LineIndex: req.LineIndex,
		RecordID:  req.RecordID,
	})
	if err != nil {
		if errors.Is(err, transcript.ErrNotFound) {
			respondError(w, http.StatusNotFound, "record not found")
			return
		}
		a.logger.Error().Err(err).Str("session_id", sessionID).Msg("record delete failed")
		respondError(w, http.StatusInternalServerError, "failed to delete record")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type forkSessionRequest struct {
	ForkSessionID string `json:"fork_session_id"`
}

func (a *API) handleForkSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	var req forkSessionRequest
	// An empty or absent body is fine, the fork id is generated.
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.ForkSessionID == "" {
		req.ForkSessionID = uuid.NewString()
	}

	path, err := a.store.ForkSession(sessionID, req.ForkSessionID)
	if err != nil {
		if errors.Is(err, transcript.ErrNotFound) {
			respondError(w, http.StatusNotFound, "session not found")
			return
		}
		if errors.Is(err, transcript.ErrAlreadyExists) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		a.logger.Error().Err(err).Str("session_id", sessionID).Msg("session fork failed")
		respondError(w, http.StatusInternalServerError, "failed to fork session")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":           true,
		"source_session_id": sessionID,
		"fork_session_id":   req.ForkSessionID,
		"fork_path":         path,
	})
}

func (a *API) handlePendingOperations(w http.ResponseWriter, _ *http.Request) {
	ops := a.queue.Pending()
	respondJSON(w, http.StatusOK, map[string]any{"operations": ops, "count": len(ops)})
}

type markProcessedRequest struct {
	IDs []string `json:"ids"`
}

func (a *API) handleMarkProcessed(w http.ResponseWriter, r *http.Request) {
	var req markProcessedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	remaining := a.queue.MarkProcessed(req.IDs)
	respondJSON(w, http.StatusOK, map[string]any{"success": true, "remaining": remaining})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
