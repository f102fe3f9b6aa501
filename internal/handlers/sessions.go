package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/streamchat/internal/config"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/session"
)

type modelsResponse struct {
	Selected string               `json:"selected"`
	Models   []models.ModelOption `json:"models"`
}

// settingsView never exposes credentials, only whether one is available per provider.
type settingsView struct {
	Model             string          `json:"model"`
	Endpoint          string          `json:"endpoint"`
	HistoryURL        string          `json:"historyURL"`
	UploadURL         string          `json:"uploadURL"`
	OllamaHost        string          `json:"ollamaHost,omitempty"`
	Theme             string          `json:"theme"`
	FontSize          string          `json:"fontSize"`
	SystemInstruction string          `json:"systemInstruction,omitempty"`
	Credentials       map[string]bool `json:"credentials"`
}

// settingsUpdate is a partial update; absent fields are left unchanged.
type settingsUpdate struct {
	Model             *string           `json:"model"`
	Endpoint          *string           `json:"endpoint"`
	HistoryURL        *string           `json:"historyURL"`
	UploadURL         *string           `json:"uploadURL"`
	OllamaHost        *string           `json:"ollamaHost"`
	Theme             *string           `json:"theme"`
	FontSize          *string           `json:"fontSize"`
	SystemInstruction *string           `json:"systemInstruction"`
	APIKeys           map[string]string `json:"apiKeys"`
}

// HandleModels returns the model catalog and the selected model.
func (m *Main) HandleModels(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, modelsResponse{
		Selected: m.settings.Settings().Model,
		Models:   m.settings.Catalog(),
	})
}

// HandleSettings reads (GET) or updates (PUT) the configuration. Every update is written to the
// configuration file before it takes effect.
func (m *Main) HandleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPut:
		var upd settingsUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			m.logger.Error("Failed to decode settings", slog.String(errLoggerKey, err.Error()))
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
		if upd.Model != nil && *upd.Model == "" {
			http.Error(w, "Model is required", http.StatusBadRequest)
			return
		}
		if err := m.settings.Update(upd.apply); err != nil {
			m.logger.Error("Failed to update settings", slog.String(errLoggerKey, err.Error()))
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
	default:
		m.logger.Error("Method not allowed", slog.String("method", r.Method))
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	m.writeJSON(w, http.StatusOK, m.settingsView())
}

func (u settingsUpdate) apply(st *config.Settings) {
	set := func(dst *string, v *string) {
		if v != nil {
			*dst = *v
		}
	}
	set(&st.Model, u.Model)
	set(&st.Endpoint, u.Endpoint)
	set(&st.HistoryURL, u.HistoryURL)
	set(&st.UploadURL, u.UploadURL)
	set(&st.OllamaHost, u.OllamaHost)
	set(&st.Theme, u.Theme)
	set(&st.FontSize, u.FontSize)
	set(&st.SystemInstruction, u.SystemInstruction)
	if st.APIKeys == nil {
		st.APIKeys = map[string]string{}
	}
	for provider, key := range u.APIKeys {
		st.APIKeys[provider] = key
	}
}

func (m *Main) settingsView() settingsView {
	st := m.settings.Settings()
	creds := map[string]bool{}
	for provider, key := range m.settings.Credentials() {
		creds[provider] = key != ""
	}
	return settingsView{
		Model:             st.Model,
		Endpoint:          st.Endpoint,
		HistoryURL:        st.HistoryURL,
		UploadURL:         st.UploadURL,
		OllamaHost:        st.OllamaHost,
		Theme:             st.Theme,
		FontSize:          st.FontSize,
		SystemInstruction: st.SystemInstruction,
		Credentials:       creds,
	}
}

// HandleSessions lists the sessions, newest first.
func (m *Main) HandleSessions(w http.ResponseWriter, _ *http.Request) {
	m.writeJSON(w, http.StatusOK, m.sessionSummaries())
}

// HandleNewChat starts a new chat. Its session is created by the first message sent to it.
func (m *Main) HandleNewChat(w http.ResponseWriter, _ *http.Request) {
	id := m.sessions.NewChat()
	m.publishSessions()
	m.writeJSON(w, http.StatusCreated, map[string]string{"sessionId": id})
}

// HandleSession makes a session active and returns it with its transcript.
func (m *Main) HandleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.sessions.LoadSession(id); err != nil {
		m.sessionError(w, id, err)
		return
	}
	sess, ok := m.sessions.Session(id)
	if !ok {
		m.sessionError(w, id, session.ErrSessionNotFound)
		return
	}
	if sess.Messages == nil {
		sess.Messages = []models.Message{}
	}
	m.publishSessions()
	m.writeJSON(w, http.StatusOK, sess)
}

// HandleDeleteSession removes a session. The remote copy is deleted in the background.
func (m *Main) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := m.sessions.DeleteSession(id); err != nil {
		m.sessionError(w, id, err)
		return
	}
	m.publishSessions()
	w.WriteHeader(http.StatusNoContent)
}

func (m *Main) sessionError(w http.ResponseWriter, id string, err error) {
	m.logger.Error("Session request failed",
		slog.String("sessionID", id),
		slog.String(errLoggerKey, err.Error()))
	if errors.Is(err, session.ErrSessionNotFound) {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}
