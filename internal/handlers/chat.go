package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/streamchat/internal/generation"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/router"
	"github.com/MegaGrindStone/streamchat/internal/session"
)

type chatRequest struct {
	Message   string `json:"message"`
	DeepThink bool   `json:"deepThink"`
	Search    bool   `json:"search"`
	Image     string `json:"image,omitempty"`
}

type chatResponse struct {
	SessionID   string         `json:"sessionId"`
	MessageID   string         `json:"messageId"`
	UserMessage models.Message `json:"userMessage"`
}

type editRequest struct {
	Message string `json:"message"`
}

type uploadResponse struct {
	Filename    string `json:"filename"`
	ChunksAdded int    `json:"chunksAdded"`
	SessionID   string `json:"sessionId"`
}

const maxUploadSize = 32 << 20

// HandleChat submits a user turn. The response only acknowledges the generation; its content
// arrives over SSE.
func (m *Main) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode chat request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Image != "" {
		if _, _, err := models.ParseDataURI(req.Image); err != nil {
			m.logger.Error("Invalid image", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	gen, err := m.generator.Start(generation.Submission{
		Text:      req.Message,
		DeepThink: req.DeepThink,
		Search:    req.Search,
		Image:     req.Image,
	})
	if err != nil {
		m.generationError(w, err)
		return
	}

	m.publishSessions()
	m.writeJSON(w, http.StatusAccepted, chatResponse{
		SessionID:   gen.SessionID,
		MessageID:   gen.MessageID,
		UserMessage: gen.UserMessage,
	})
}

// HandleStop cancels the live generation. Stopping when nothing is live is not an error.
func (m *Main) HandleStop(w http.ResponseWriter, _ *http.Request) {
	stopped := m.generator.Stop()
	m.logger.Debug("Stop requested", slog.Bool("stopped", stopped))
	m.writeJSON(w, http.StatusOK, map[string]bool{"stopped": stopped})
}

// HandleEdit replaces a user message and everything after it with a fresh generation.
func (m *Main) HandleEdit(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("id")

	var req editRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		m.logger.Error("Failed to decode edit request", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	gen, err := m.generator.Edit(messageID, req.Message)
	if err != nil {
		m.generationError(w, err)
		return
	}

	m.writeJSON(w, http.StatusAccepted, chatResponse{
		SessionID:   gen.SessionID,
		MessageID:   gen.MessageID,
		UserMessage: gen.UserMessage,
	})
}

func (m *Main) generationError(w http.ResponseWriter, err error) {
	m.logger.Error("Failed to start generation", slog.String(errLoggerKey, err.Error()))
	switch {
	case errors.Is(err, generation.ErrEmptyMessage):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, generation.ErrGenerationInProgress):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, session.ErrMessageNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// HandleUpload forwards a multipart "file" to the knowledge base sidecar and records the upload as
// a system notice in the active session.
func (m *Main) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if m.uploader == nil {
		http.Error(w, "Uploads are not configured", http.StatusServiceUnavailable)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		m.logger.Error("Failed to parse upload", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid upload", http.StatusBadRequest)
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		m.logger.Error("Upload without file", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "File is required", http.StatusBadRequest)
		return
	}
	defer f.Close()

	st := m.settings.Settings()
	route := router.Resolve(router.Input{
		ModelID:  st.Model,
		Catalog:  m.settings.Catalog(),
		APIKeys:  m.settings.Credentials(),
		Endpoint: st.Endpoint,
	})

	sessionID := m.sessions.ActiveSessionID()
	if sessionID == "" {
		sessionID = m.sessions.NewChat()
	}

	chunks, err := m.uploader.Upload(r.Context(), hdr.Filename, f, route.Credential, sessionID)
	if err != nil {
		m.logger.Error("Failed to upload file",
			slog.String("filename", hdr.Filename),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, fmt.Sprintf("Upload failed: %s", err), http.StatusBadGateway)
		return
	}
	if chunks == 0 {
		m.logger.Warn("Upload produced no chunks", slog.String("filename", hdr.Filename))
	}

	notice := session.NewMessage(models.RoleSystem, fmt.Sprintf("Uploaded file %q to knowledge base.", hdr.Filename))
	sessionID, _ = m.sessions.CreateOrReuseSession(notice.Content)
	if err := m.sessions.AppendMessage(sessionID, notice); err != nil {
		m.logger.Error("Failed to record upload",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	m.PublishMessage(sessionID, notice, true)
	m.publishSessions()

	m.writeJSON(w, http.StatusOK, uploadResponse{
		Filename:    hdr.Filename,
		ChunksAdded: chunks,
		SessionID:   sessionID,
	})
}
