package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/services"
)

// HistoryStore persists sessions for the history API.
type HistoryStore interface {
	ListSessions(ctx context.Context) ([]models.ChatSession, error)
	SaveSession(ctx context.Context, sess models.ChatSession) error
	DeleteSession(ctx context.Context, id string) error
}

// History serves the remote history API the chat client mirrors its sessions to.
type History struct {
	store  HistoryStore
	logger *slog.Logger
}

type historyStatus struct {
	Status string `json:"status"`
	ID     string `json:"id,omitempty"`
}

// NewHistory creates a History backed by store.
func NewHistory(store HistoryStore, logger *slog.Logger) History {
	return History{
		store:  store,
		logger: logger.With(slog.String("module", "history")),
	}
}

// HandleList returns every stored session in insertion order.
func (h History) HandleList(w http.ResponseWriter, r *http.Request) {
	list, err := h.store.ListSessions(r.Context())
	if err != nil {
		h.logger.Error("Failed to list sessions", slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []models.ChatSession{}
	}
	h.writeJSON(w, http.StatusOK, list)
}

// HandleSave creates a session or replaces the one with the same id.
func (h History) HandleSave(w http.ResponseWriter, r *http.Request) {
	var sess models.ChatSession
	if err := json.NewDecoder(r.Body).Decode(&sess); err != nil {
		h.logger.Error("Failed to decode session", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid session", http.StatusUnprocessableEntity)
		return
	}
	if sess.ID == "" {
		http.Error(w, "Session id is required", http.StatusUnprocessableEntity)
		return
	}

	if err := h.store.SaveSession(r.Context(), sess); err != nil {
		h.logger.Error("Failed to save session",
			slog.String("sessionID", sess.ID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.logger.Debug("Session saved", slog.String("sessionID", sess.ID), slog.Int("messages", len(sess.Messages)))
	h.writeJSON(w, http.StatusOK, historyStatus{Status: "success", ID: sess.ID})
}

// HandleDelete removes a session, answering 404 for unknown ids.
func (h History) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.store.DeleteSession(r.Context(), id); err != nil {
		if errors.Is(err, services.ErrNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		h.logger.Error("Failed to delete session",
			slog.String("sessionID", id),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, http.StatusOK, historyStatus{Status: "success"})
}

func (h History) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
