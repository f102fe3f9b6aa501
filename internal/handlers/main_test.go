package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/MegaGrindStone/streamchat/internal/config"
	"github.com/MegaGrindStone/streamchat/internal/generation"
	"github.com/MegaGrindStone/streamchat/internal/handlers"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockGenerator struct {
	mu       sync.Mutex
	started  []generation.Submission
	edited   []string
	startErr error
	editErr  error
	stopped  bool
}

type mockUploader struct {
	chunks int
	err    error

	filename  string
	content   string
	apiKey    string
	sessionID string
}

func (m *mockGenerator) Start(sub generation.Submission) (*generation.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return nil, m.startErr
	}
	m.started = append(m.started, sub)
	return &generation.Generation{
		SessionID:   "s1",
		MessageID:   "m2",
		UserMessage: models.Message{ID: "m1", Role: models.RoleUser, Content: sub.Text},
	}, nil
}

func (m *mockGenerator) Stop() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

func (m *mockGenerator) Edit(messageID, text string) (*generation.Generation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.editErr != nil {
		return nil, m.editErr
	}
	m.edited = append(m.edited, messageID+":"+text)
	return &generation.Generation{SessionID: "s1", MessageID: "m4"}, nil
}

func (m *mockUploader) Upload(_ context.Context, filename string, r io.Reader, apiKey, sessionID string) (int, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.filename = filename
	m.content = string(b)
	m.apiKey = apiKey
	m.sessionID = sessionID
	return m.chunks, m.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMain(t *testing.T, gen handlers.Generator, up handlers.Uploader) (*handlers.Main, *session.Store, *config.Store) {
	t.Helper()
	settings := config.NewInMemory(config.Settings{
		Model:    "gpt-4.1-2025-04-14",
		APIKeys:  map[string]string{models.ProviderOpenAI: "sk-test"},
		Endpoint: "http://127.0.0.1:8000",
	})
	store := session.NewStore(nil, discardLogger())
	t.Cleanup(store.Close)

	m := handlers.NewMain(settings, store, up, discardLogger())
	m.SetGenerator(gen)
	return m, store, settings
}

func TestNewMain(t *testing.T) {
	m, _, _ := newMain(t, &mockGenerator{}, nil)
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestHandleModels(t *testing.T) {
	m, _, _ := newMain(t, &mockGenerator{}, nil)

	rr := httptest.NewRecorder()
	m.HandleModels(rr, httptest.NewRequest(http.MethodGet, "/api/models", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var res struct {
		Selected string               `json:"selected"`
		Models   []models.ModelOption `json:"models"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, "gpt-4.1-2025-04-14", res.Selected)
	assert.Equal(t, models.DefaultCatalog, res.Models)
}

func TestHandleSettings(t *testing.T) {
	m, _, settings := newMain(t, &mockGenerator{}, nil)

	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
	}{
		{name: "Read", method: http.MethodGet, wantStatus: http.StatusOK},
		{
			name:       "Update",
			method:     http.MethodPut,
			body:       `{"model":"claude-sonnet-4-5-20250929","endpoint":"","apiKeys":{"Anthropic":"ak"},"theme":"dark"}`,
			wantStatus: http.StatusOK,
		},
		{name: "Empty model", method: http.MethodPut, body: `{"model":""}`, wantStatus: http.StatusBadRequest},
		{name: "Invalid body", method: http.MethodPut, body: `{`, wantStatus: http.StatusBadRequest},
		{name: "Wrong method", method: http.MethodPost, body: `{}`, wantStatus: http.StatusMethodNotAllowed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			m.HandleSettings(rr, httptest.NewRequest(tt.method, "/api/settings", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantStatus, rr.Code)
		})
	}

	st := settings.Settings()
	assert.Equal(t, "claude-sonnet-4-5-20250929", st.Model)
	assert.Empty(t, st.Endpoint)
	assert.Equal(t, "dark", st.Theme)
	assert.Equal(t, "ak", st.APIKeys[models.ProviderAnthropic])
	assert.Equal(t, "sk-test", st.APIKeys[models.ProviderOpenAI])

	rr := httptest.NewRecorder()
	m.HandleSettings(rr, httptest.NewRequest(http.MethodGet, "/api/settings", nil))
	assert.NotContains(t, rr.Body.String(), "sk-test")

	var view struct {
		Credentials map[string]bool `json:"credentials"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&view))
	assert.True(t, view.Credentials[models.ProviderOpenAI])
	assert.True(t, view.Credentials[models.ProviderAnthropic])
}

func TestHandleSessions(t *testing.T) {
	m, store, _ := newMain(t, &mockGenerator{}, nil)

	first, _ := store.CreateOrReuseSession("first question")
	require.NoError(t, store.AppendUserTurn(first, nil, session.NewMessage(models.RoleUser, "first question")))
	rr := httptest.NewRecorder()
	m.HandleNewChat(rr, httptest.NewRequest(http.MethodPost, "/api/sessions", nil))
	require.Equal(t, http.StatusCreated, rr.Code)
	var created map[string]string
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&created))
	assert.Equal(t, store.ActiveSessionID(), created["sessionId"])

	second, _ := store.CreateOrReuseSession("second")
	assert.Equal(t, created["sessionId"], second)

	rr = httptest.NewRecorder()
	m.HandleSessions(rr, httptest.NewRequest(http.MethodGet, "/api/sessions", nil))
	var list []struct {
		ID     string `json:"id"`
		Title  string `json:"title"`
		Active bool   `json:"active"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&list))
	require.Len(t, list, 2)
	assert.Equal(t, second, list[0].ID)
	assert.True(t, list[0].Active)
	assert.Equal(t, "first question", list[1].Title)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/sessions/{id}", m.HandleSession)
	mux.HandleFunc("DELETE /api/sessions/{id}", m.HandleDeleteSession)

	tests := []struct {
		name       string
		method     string
		id         string
		wantStatus int
		wantBody   string
	}{
		{name: "Load", method: http.MethodGet, id: first, wantStatus: http.StatusOK, wantBody: "first question"},
		{name: "Load unknown", method: http.MethodGet, id: "missing", wantStatus: http.StatusNotFound},
		{name: "Delete", method: http.MethodDelete, id: second, wantStatus: http.StatusNoContent},
		{name: "Delete twice", method: http.MethodDelete, id: second, wantStatus: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(tt.method, "/api/sessions/"+tt.id, nil))
			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rr.Body.String(), tt.wantBody)
			}
		})
	}

	assert.Equal(t, first, store.ActiveSessionID())
	assert.Len(t, store.ListSessions(), 1)
}

func TestHandleChat(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		startErr   error
		wantStatus int
		wantBody   string
	}{
		{
			name:       "Accepted",
			body:       `{"message":"Hello","deepThink":true,"search":true}`,
			wantStatus: http.StatusAccepted,
			wantBody:   `"messageId":"m2"`,
		},
		{
			name:       "With image",
			body:       `{"message":"What is this?","image":"data:image/png;base64,aGk="}`,
			wantStatus: http.StatusAccepted,
		},
		{name: "Invalid image", body: `{"message":"x","image":"not-a-data-uri"}`, wantStatus: http.StatusBadRequest},
		{name: "Invalid body", body: `{"message":`, wantStatus: http.StatusBadRequest},
		{
			name:       "Empty message",
			body:       `{"message":""}`,
			startErr:   generation.ErrEmptyMessage,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "Generation in progress",
			body:       `{"message":"again"}`,
			startErr:   generation.ErrGenerationInProgress,
			wantStatus: http.StatusConflict,
		},
		{
			name:       "Store failure",
			body:       `{"message":"x"}`,
			startErr:   errors.New("boom"),
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &mockGenerator{startErr: tt.startErr}
			m, _, _ := newMain(t, gen, nil)

			rr := httptest.NewRecorder()
			m.HandleChat(rr, httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantBody != "" {
				assert.Contains(t, rr.Body.String(), tt.wantBody)
			}
		})
	}

	gen := &mockGenerator{}
	m, _, _ := newMain(t, gen, nil)
	rr := httptest.NewRecorder()
	m.HandleChat(rr, httptest.NewRequest(http.MethodPost, "/api/chat",
		strings.NewReader(`{"message":"Hello","deepThink":true}`)))
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Len(t, gen.started, 1)
	assert.Equal(t, generation.Submission{Text: "Hello", DeepThink: true}, gen.started[0])
}

func TestHandleStop(t *testing.T) {
	for _, stopped := range []bool{true, false} {
		m, _, _ := newMain(t, &mockGenerator{stopped: stopped}, nil)
		rr := httptest.NewRecorder()
		m.HandleStop(rr, httptest.NewRequest(http.MethodPost, "/api/chat/stop", nil))
		assert.Equal(t, http.StatusOK, rr.Code)

		var res map[string]bool
		require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
		assert.Equal(t, stopped, res["stopped"])
	}
}

func TestHandleEdit(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		editErr    error
		wantStatus int
	}{
		{name: "Accepted", body: `{"message":"rephrased"}`, wantStatus: http.StatusAccepted},
		{name: "Unknown message", body: `{"message":"x"}`, editErr: session.ErrMessageNotFound, wantStatus: http.StatusNotFound},
		{name: "Busy", body: `{"message":"x"}`, editErr: generation.ErrGenerationInProgress, wantStatus: http.StatusConflict},
		{name: "Invalid body", body: `nope`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gen := &mockGenerator{editErr: tt.editErr}
			m, _, _ := newMain(t, gen, nil)
			mux := http.NewServeMux()
			mux.HandleFunc("POST /api/messages/{id}/edit", m.HandleEdit)

			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/messages/m1/edit", strings.NewReader(tt.body)))
			assert.Equal(t, tt.wantStatus, rr.Code)
			if tt.wantStatus == http.StatusAccepted {
				assert.Equal(t, []string{"m1:rephrased"}, gen.edited)
			}
		})
	}
}

func multipartUpload(t *testing.T, filename, content string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestHandleUpload(t *testing.T) {
	up := &mockUploader{chunks: 4}
	m, store, _ := newMain(t, &mockGenerator{}, up)

	rr := httptest.NewRecorder()
	m.HandleUpload(rr, multipartUpload(t, "notes.pdf", "pdf bytes"))
	require.Equal(t, http.StatusOK, rr.Code)

	assert.Equal(t, "notes.pdf", up.filename)
	assert.Equal(t, "pdf bytes", up.content)
	assert.Equal(t, "sk-test", up.apiKey)
	assert.NotEmpty(t, up.sessionID)

	var res struct {
		ChunksAdded int    `json:"chunksAdded"`
		SessionID   string `json:"sessionId"`
	}
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&res))
	assert.Equal(t, 4, res.ChunksAdded)
	assert.Equal(t, up.sessionID, res.SessionID)

	msgs := store.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, models.RoleSystem, msgs[0].Role)
	assert.Equal(t, `Uploaded file "notes.pdf" to knowledge base.`, msgs[0].Content)
}

func TestHandleUploadErrors(t *testing.T) {
	tests := []struct {
		name       string
		uploader   *mockUploader
		filename   string
		wantStatus int
	}{
		{name: "Not configured", filename: "a.txt", wantStatus: http.StatusServiceUnavailable},
		{name: "No file", uploader: &mockUploader{}, wantStatus: http.StatusBadRequest},
		{
			name:       "Sidecar failure",
			uploader:   &mockUploader{err: errors.New("unsupported file")},
			filename:   "a.bin",
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var up handlers.Uploader
			if tt.uploader != nil {
				up = tt.uploader
			}
			m, store, _ := newMain(t, &mockGenerator{}, up)

			rr := httptest.NewRecorder()
			m.HandleUpload(rr, multipartUpload(t, tt.filename, "x"))
			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Empty(t, store.Messages())
		})
	}
}
