// Package generation drives one streamed generation at a time: it routes the request, consumes the
// backend's chunk sequence, folds text and citations into the assistant message and publishes every
// intermediate state into the session store.
package generation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/MegaGrindStone/streamchat/internal/config"
	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/router"
	"github.com/MegaGrindStone/streamchat/internal/services"
	"github.com/MegaGrindStone/streamchat/internal/session"
)

// Settings provides the configuration a generation is routed with.
type Settings interface {
	Settings() config.Settings
	Credentials() map[string]string
	Catalog() []models.ModelOption
}

// Backends resolves the adapter serving a routed request.
type Backends interface {
	Backend(route router.Route) services.Backend
}

// Listener is notified after every publication of a generation's assistant message. final is true
// for the last publication of the generation.
type Listener func(sessionID string, msg models.Message, final bool)

// Submission is one user turn to generate a response for.
type Submission struct {
	Text      string
	DeepThink bool
	Search    bool
	Image     string

	// Base replaces the active transcript as the history the turn is appended to. Nil keeps the
	// active transcript.
	Base []models.Message
}

// Controller owns the cancellation token of the live generation. Only one generation may be live at a
// time.
type Controller struct {
	settings Settings
	backends Backends
	store    *session.Store
	listener Listener

	mu     sync.Mutex
	cancel context.CancelFunc
	live   *Generation

	logger *slog.Logger
}

// Generation is a started generation. Done is closed when it settles.
type Generation struct {
	SessionID   string
	MessageID   string
	UserMessage models.Message

	done   chan struct{}
	result models.Message
}

// User-facing failure texts written into the assistant message.
const (
	GenericErrorMessage = "Sorry, I encountered an error. Please check your connection or API key."
	APIKeyErrorMessage  = "Invalid or missing API Key. Please set the API key for the selected provider in the settings."
)

var (
	// ErrGenerationInProgress is returned by Start while another generation is live.
	ErrGenerationInProgress = errors.New("a generation is already in progress")
	// ErrEmptyMessage is returned for submissions without text.
	ErrEmptyMessage = errors.New("message is required")
)

const errLoggerKey = "err"

// NewController creates a Controller. listener may be nil.
func NewController(settings Settings, backends Backends, store *session.Store, listener Listener,
	logger *slog.Logger,
) *Controller {
	return &Controller{
		settings: settings,
		backends: backends,
		store:    store,
		listener: listener,
		logger:   logger.With(slog.String("module", "generation")),
	}
}

// Done is closed once the generation has settled.
func (g *Generation) Done() <-chan struct{} {
	return g.done
}

// Result returns the final assistant message. It is only meaningful after Done is closed.
func (g *Generation) Result() models.Message {
	<-g.done
	return g.result
}

// Generate starts a generation and waits for it to settle. Cancelling ctx stops the generation.
func (c *Controller) Generate(ctx context.Context, sub Submission) (models.Message, error) {
	gen, err := c.Start(sub)
	if err != nil {
		return models.Message{}, err
	}
	select {
	case <-gen.Done():
	case <-ctx.Done():
		c.Stop()
		<-gen.Done()
	}
	return gen.Result(), nil
}

// Start appends the user turn and an empty assistant placeholder to the active session (creating the
// session if needed) and streams the response on its own goroutine.
func (c *Controller) Start(sub Submission) (*Generation, error) {
	if strings.TrimSpace(sub.Text) == "" {
		return nil, ErrEmptyMessage
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil, ErrGenerationInProgress
	}

	st := c.settings.Settings()
	route := router.Resolve(router.Input{
		ModelID:  st.Model,
		Catalog:  c.settings.Catalog(),
		APIKeys:  c.settings.Credentials(),
		Endpoint: st.Endpoint,
	})

	base := sub.Base
	if base == nil {
		base = c.store.Messages()
	}

	sessionID, created := c.store.CreateOrReuseSession(sub.Text)
	userMsg := session.NewMessage(models.RoleUser, sub.Text)
	userMsg.Image = sub.Image
	if err := c.store.AppendUserTurn(sessionID, base, userMsg); err != nil {
		return nil, fmt.Errorf("failed to append user turn: %w", err)
	}

	placeholder := session.NewMessage(models.RoleModel, "")
	if err := c.store.AppendMessage(sessionID, placeholder); err != nil {
		return nil, fmt.Errorf("failed to append placeholder: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	gen := &Generation{
		SessionID:   sessionID,
		MessageID:   placeholder.ID,
		UserMessage: userMsg,
		done:        make(chan struct{}),
	}
	c.cancel = cancel
	c.live = gen

	req := models.GenerationRequest{
		ModelID:           st.Model,
		Prompt:            sub.Text,
		History:           models.CloneMessages(base),
		EnableThinking:    sub.DeepThink,
		EnableSearch:      sub.Search,
		Credential:        route.Credential,
		SearchCredential:  route.SearchCredential,
		Endpoint:          st.Endpoint,
		Image:             sub.Image,
		SystemInstruction: st.SystemInstruction,
		SessionID:         sessionID,
	}

	c.logger.Info("Generation started",
		slog.String("sessionID", sessionID),
		slog.Bool("newSession", created),
		slog.String("model", st.Model),
		slog.String("provider", route.Provider),
		slog.String("backend", string(route.Backend)),
	)

	go c.run(ctx, gen, route, req, placeholder)

	return gen, nil
}

// Stop cancels the live generation, if any. Content published so far is kept.
func (c *Controller) Stop() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel == nil {
		return false
	}
	c.cancel()
	return true
}

// Live returns the live generation, or nil.
func (c *Controller) Live() *Generation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live
}

// Edit regenerates from the message with the given id: the transcript is cut just before it and text
// is submitted as a new user turn on that prefix, with deep thinking and search off.
func (c *Controller) Edit(messageID, text string) (*Generation, error) {
	prefix, err := c.store.PrefixBefore(messageID)
	if err != nil {
		return nil, err
	}
	if prefix == nil {
		prefix = []models.Message{}
	}
	return c.Start(Submission{Text: text, Base: prefix})
}

func (c *Controller) run(ctx context.Context, gen *Generation, route router.Route, req models.GenerationRequest,
	msg models.Message,
) {
	defer func() {
		c.mu.Lock()
		c.cancel()
		c.cancel = nil
		c.live = nil
		c.mu.Unlock()

		gen.result = msg
		close(gen.done)
	}()

	if route.Credential == "" && services.RequiresCredential(route.Provider) {
		c.logger.Warn("Missing credential", slog.String("provider", route.Provider))
		msg.Content = APIKeyErrorMessage
		c.publish(gen, msg, true)
		return
	}

	backend := c.backends.Backend(route)

	var text strings.Builder
	var grounding Aggregator
	for chunk, err := range backend.Stream(ctx, req) {
		if err != nil {
			if errors.Is(err, services.ErrAborted) || errors.Is(err, context.Canceled) || ctx.Err() != nil {
				c.logger.Info("Generation stopped", slog.String("sessionID", gen.SessionID))
				c.notifyFinal(gen, msg)
				return
			}
			c.logger.Error("Generation failed",
				slog.String("sessionID", gen.SessionID),
				slog.String(errLoggerKey, err.Error()))
			msg.Content = UserFacingError(err)
			c.publish(gen, msg, true)
			return
		}
		if ctx.Err() != nil {
			c.logger.Info("Generation stopped", slog.String("sessionID", gen.SessionID))
			c.notifyFinal(gen, msg)
			return
		}

		text.WriteString(chunk.Text)
		msg.Content = text.String()
		if len(chunk.GroundingChunks) > 0 {
			grounding.Add(chunk.GroundingChunks)
			msg.GroundingSources = grounding.Sources()
		}
		if !c.publish(gen, msg, false) {
			return
		}
	}

	if ctx.Err() != nil {
		c.notifyFinal(gen, msg)
		return
	}
	c.logger.Info("Generation finished",
		slog.String("sessionID", gen.SessionID),
		slog.Int("length", len(msg.Content)),
		slog.Int("sources", len(msg.GroundingSources)))
	c.notifyFinal(gen, msg)
}

// publish writes msg into the generation's session and notifies the listener. It returns false when
// the session is gone, in which case the generation has nowhere left to publish.
func (c *Controller) publish(gen *Generation, msg models.Message, final bool) bool {
	if err := c.store.UpsertAssistantContent(gen.SessionID, msg); err != nil {
		c.logger.Warn("Dropping publication",
			slog.String("sessionID", gen.SessionID),
			slog.String(errLoggerKey, err.Error()))
		return false
	}
	if c.listener != nil {
		c.listener(gen.SessionID, msg, final)
	}
	return true
}

// notifyFinal tells the listener the generation settled without publishing anything new.
func (c *Controller) notifyFinal(gen *Generation, msg models.Message) {
	if c.listener != nil {
		c.listener(gen.SessionID, msg, true)
	}
}

// UserFacingError maps a generation failure to the text shown in place of the response.
func UserFacingError(err error) string {
	if errors.Is(err, services.ErrAuth) {
		return APIKeyErrorMessage
	}
	s := strings.ToLower(err.Error())
	for _, marker := range []string{"api key", "apikey", "unauthorized", "401"} {
		if strings.Contains(s, marker) {
			return APIKeyErrorMessage
		}
	}
	return GenericErrorMessage
}
