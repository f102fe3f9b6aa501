package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/ollama/ollama/api"
)

// Ollama provides a direct backend for models served by a local Ollama instance. It needs no
// credential.
type Ollama struct {
	client *api.Client

	logger *slog.Logger
}

// DefaultOllamaHost is used when no host is configured.
const DefaultOllamaHost = "http://127.0.0.1:11434"

// NewOllama creates a new Ollama backend pointed at host.
func NewOllama(host string, client *http.Client, logger *slog.Logger) (Ollama, error) {
	if host == "" {
		host = DefaultOllamaHost
	}
	u, err := url.Parse(host)
	if err != nil {
		return Ollama{}, fmt.Errorf("invalid ollama host %q: %w", host, err)
	}
	if client == nil {
		client = &http.Client{}
	}

	return Ollama{
		client: api.NewClient(u, client),
		logger: logger.With(slog.String("module", "ollama")),
	}, nil
}

func ollamaMessages(req models.GenerationRequest) ([]api.Message, error) {
	turns := chatTurns(req.History)
	msgs := make([]api.Message, 0, len(turns)+2)
	if req.SystemInstruction != "" {
		msgs = append(msgs, api.Message{Role: "system", Content: req.SystemInstruction})
	}
	for _, msg := range turns {
		msgs = append(msgs, api.Message{
			Role:    assistantRole(msg.Role),
			Content: msg.Content,
		})
	}

	current := api.Message{Role: "user", Content: req.Prompt}
	if req.Image != "" {
		_, data, err := models.DecodeDataURI(req.Image)
		if err != nil {
			return nil, fmt.Errorf("invalid image attachment: %w", err)
		}
		current.Images = []api.ImageData{data}
	}
	return append(msgs, current), nil
}

// Stream implements Backend. Responses arrive through the client's callback; the callback refuses
// further chunks once the context is cancelled or the consumer stops.
func (o Ollama) Stream(ctx context.Context, req models.GenerationRequest) iter.Seq2[models.ResponseChunk, error] {
	return func(yield func(models.ResponseChunk, error) bool) {
		msgs, err := ollamaMessages(req)
		if err != nil {
			yield(models.ResponseChunk{}, err)
			return
		}

		stream := true
		chatReq := api.ChatRequest{
			Model:    req.ModelID,
			Messages: msgs,
			Stream:   &stream,
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		stopped := false
		err = o.client.Chat(ctx, &chatReq, func(res api.ChatResponse) error {
			if stopped || res.Message.Content == "" {
				return nil
			}
			if !yieldText(ctx, yield, res.Message.Content) {
				stopped = true
				cancel()
			}
			return nil
		})
		if stopped {
			return
		}
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				yield(models.ResponseChunk{}, ErrAborted)
				return
			}
			var statusErr api.StatusError
			if errors.As(err, &statusErr) {
				yield(models.ResponseChunk{}, &ProviderError{StatusCode: statusErr.StatusCode, Body: statusErr.ErrorMessage})
				return
			}
			var urlErr *url.Error
			if errors.As(err, &urlErr) {
				yield(models.ResponseChunk{}, &ConnectionError{Err: err})
				return
			}
			// Errors reported in the response body arrive as plain errors.
			yield(models.ResponseChunk{}, &ProviderError{Body: err.Error()})
		}
	}
}
