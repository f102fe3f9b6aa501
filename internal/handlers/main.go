package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/config"
	"github.com/MegaGrindStone/streamchat/internal/generation"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
)

// Settings is the configuration the UI reads and edits.
type Settings interface {
	Settings() config.Settings
	Update(fn func(*config.Settings)) error
	Credentials() map[string]string
	Catalog() []models.ModelOption
}

// Sessions is the local session state shown in the sidebar and the active transcript.
type Sessions interface {
	ListSessions() []models.ChatSession
	Session(id string) (models.ChatSession, bool)
	ActiveSessionID() string
	NewChat() string
	LoadSession(id string) error
	DeleteSession(id string) error
	CreateOrReuseSession(firstContent string) (string, bool)
	AppendMessage(sessionID string, msg models.Message) error
}

// Generator starts, stops and regenerates responses.
type Generator interface {
	Start(sub generation.Submission) (*generation.Generation, error)
	Stop() bool
	Edit(messageID, text string) (*generation.Generation, error)
}

// Uploader forwards files to the knowledge base sidecar.
type Uploader interface {
	Upload(ctx context.Context, filename string, r io.Reader, apiKey, sessionID string) (int, error)
}

// Main serves the UI API. Every publication of an assistant message is fanned out to the connected
// browsers over server-sent events, together with its markdown rendered to HTML.
type Main struct {
	sseSrv    *sse.Server
	renderers map[string]goldmark.Markdown

	settings  Settings
	sessions  Sessions
	generator Generator
	uploader  Uploader

	logger *slog.Logger
}

const (
	sessionsSSETopic = "sessions"
	messagesSSETopic = "messages"

	errLoggerKey = "err"
)

// SSE event types.
var (
	messageSSEType  = sse.Type("message")
	sessionsSSEType = sse.Type("sessions")
)

type messageEvent struct {
	SessionID string         `json:"sessionId"`
	Message   models.Message `json:"message"`
	HTML      string         `json:"html"`
	Final     bool           `json:"final"`
}

type sessionSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	DateGroup string `json:"dateGroup"`
	Active    bool   `json:"active"`
}

// NewMain creates a Main. uploader may be nil when no upload sidecar is configured. The generator is
// attached with SetGenerator, since it usually needs PublishMessage as its listener.
func NewMain(settings Settings, sessions Sessions, uploader Uploader, logger *slog.Logger) *Main {
	return &Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				topics := []string{sse.DefaultTopic, sessionsSSETopic}

				// Clients following a single session only receive that session's messages.
				sessionID := s.Req.URL.Query().Get("session_id")
				if sessionID != "" {
					topics = append(topics, sessionTopic(sessionID))
				} else {
					topics = append(topics, messagesSSETopic)
				}

				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      topics,
				}, true
			},
		},
		renderers: newRenderers(),
		settings:  settings,
		sessions:  sessions,
		uploader:  uploader,
		logger:    logger.With(slog.String("module", "handlers")),
	}
}

func sessionTopic(sessionID string) string {
	return fmt.Sprintf("session-%s", sessionID)
}

// SetGenerator attaches the generator the chat endpoints drive.
func (m *Main) SetGenerator(g Generator) {
	m.generator = g
}

// HandleSSE streams message and session list events to the browser.
func (m *Main) HandleSSE(w http.ResponseWriter, r *http.Request) {
	m.sseSrv.ServeHTTP(w, r)
}

// PublishMessage pushes one publication of a message to the clients following its session. It has
// the shape of a generation.Listener.
func (m *Main) PublishMessage(sessionID string, msg models.Message, final bool) {
	ev, err := m.messageEvent(sessionID, msg, final)
	if err != nil {
		m.logger.Error("Failed to build message event",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
		return
	}
	b, err := json.Marshal(ev)
	if err != nil {
		m.logger.Error("Failed to marshal message event", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: messageSSEType}
	e.AppendData(string(b))
	if err := m.sseSrv.Publish(&e, messagesSSETopic, sessionTopic(sessionID)); err != nil {
		m.logger.Error("Failed to publish message",
			slog.String("sessionID", sessionID),
			slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) messageEvent(sessionID string, msg models.Message, final bool) (messageEvent, error) {
	html, err := m.render(msg.Content)
	if err != nil {
		return messageEvent{}, err
	}
	return messageEvent{
		SessionID: sessionID,
		Message:   msg,
		HTML:      html,
		Final:     final,
	}, nil
}

func (m *Main) publishSessions() {
	b, err := json.Marshal(m.sessionSummaries())
	if err != nil {
		m.logger.Error("Failed to marshal sessions", slog.String(errLoggerKey, err.Error()))
		return
	}

	e := sse.Message{Type: sessionsSSEType}
	e.AppendData(string(b))
	if err := m.sseSrv.Publish(&e, sessionsSSETopic); err != nil {
		m.logger.Error("Failed to publish sessions", slog.String(errLoggerKey, err.Error()))
	}
}

func (m *Main) sessionSummaries() []sessionSummary {
	active := m.sessions.ActiveSessionID()
	list := m.sessions.ListSessions()
	res := make([]sessionSummary, len(list))
	for i, sess := range list {
		res[i] = sessionSummary{
			ID:        sess.ID,
			Title:     sess.Title,
			DateGroup: sess.DateGroup,
			Active:    sess.ID == active,
		}
	}
	return res
}

// Shutdown gracefully terminates the SSE server. It broadcasts a close message to all connected
// clients and waits up to 5 seconds for connections to terminate.
func (m *Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("closeChat")}
	// SSE events must carry data.
	e.AppendData("bye")

	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}

func (m *Main) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		m.logger.Error("Failed to encode response", slog.String(errLoggerKey, err.Error()))
	}
}
