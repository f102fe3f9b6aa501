package services

import (
	"context"
	"iter"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/MegaGrindStone/streamchat/internal/router"
)

// DirectRouter picks a direct backend by provider name. Providers without a dedicated backend use the
// fallback, which is the Google backend in the default wiring.
type DirectRouter struct {
	backends map[string]Backend
	fallback Backend
}

// Backend is implemented by every adapter: it opens a lazy, non-restartable sequence of normalized
// chunks for one request. Cancellation is observed through ctx and reported as ErrAborted.
type Backend interface {
	Stream(ctx context.Context, req models.GenerationRequest) iter.Seq2[models.ResponseChunk, error]
}

// NewDirectRouter creates a DirectRouter with the given fallback backend.
func NewDirectRouter(fallback Backend) *DirectRouter {
	return &DirectRouter{
		backends: map[string]Backend{},
		fallback: fallback,
	}
}

// Register assigns a backend to a provider.
func (d *DirectRouter) Register(provider string, b Backend) *DirectRouter {
	d.backends[provider] = b
	return d
}

// Backend returns the backend serving provider.
func (d *DirectRouter) Backend(provider string) Backend {
	if b, ok := d.backends[provider]; ok {
		return b
	}
	return d.fallback
}

// Dispatcher serves routed requests: proxy routes go to Proxy, direct routes to the backend registered
// for the resolved provider.
type Dispatcher struct {
	Proxy  Backend
	Direct *DirectRouter
}

// Backend returns the adapter for route.
func (d Dispatcher) Backend(route router.Route) Backend {
	if route.Backend == router.BackendProxy {
		return d.Proxy
	}
	return d.Direct.Backend(route.Provider)
}

// RequiresCredential reports whether generations for provider need an API key. Local Ollama models
// are the only ones that do not.
func RequiresCredential(provider string) bool {
	return provider != models.ProviderOllama
}

// chatTurns returns the history turns worth sending to a direct backend: reasoning-only assistant
// messages and client-side system notices are dropped, and so are empty turns.
func chatTurns(history []models.Message) []models.Message {
	turns := make([]models.Message, 0, len(history))
	for _, msg := range history {
		if msg.Role == models.RoleModel && msg.Thinking {
			continue
		}
		if msg.Role == models.RoleSystem {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			continue
		}
		turns = append(turns, msg)
	}
	return turns
}

// assistantRole maps the model role to the "assistant" name used by OpenAI-style APIs.
func assistantRole(r models.Role) string {
	if r == models.RoleModel {
		return "assistant"
	}
	return string(r)
}

// yieldText yields a text chunk unless the context has been cancelled, in which case ErrAborted is
// yielded instead. It returns false when the consumer stopped or the stream was aborted.
func yieldText(ctx context.Context, yield func(models.ResponseChunk, error) bool, text string) bool {
	if ctx.Err() != nil {
		yield(models.ResponseChunk{}, ErrAborted)
		return false
	}
	return yield(models.ResponseChunk{Text: text}, nil)
}
