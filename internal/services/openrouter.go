package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/tmaxmax/go-sse"
)

// OpenRouter provides a direct backend for OpenRouter, the aggregator that serves any model id that is
// not in the catalog.
type OpenRouter struct {
	endpoint string

	client *http.Client

	logger *slog.Logger
}

type openRouterChatRequest struct {
	Model    string              `json:"model"`
	Messages []openRouterMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type openRouterMessage struct {
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

type openRouterStreamingResponse struct {
	Choices []openRouterStreamingChoice `json:"choices"`
	Error   *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type openRouterStreamingChoice struct {
	Delta openRouterMessage `json:"delta"`
}

const (
	openRouterAPIEndpoint = "https://openrouter.ai/api/v1"
)

// NewOpenRouter creates a new OpenRouter backend. An empty endpoint uses the public API.
func NewOpenRouter(endpoint string, client *http.Client, logger *slog.Logger) OpenRouter {
	if endpoint == "" {
		endpoint = openRouterAPIEndpoint
	}
	if client == nil {
		client = &http.Client{}
	}
	return OpenRouter{
		endpoint: endpoint,
		client:   client,
		logger:   logger.With(slog.String("module", "openrouter")),
	}
}

// Stream implements Backend.
func (o OpenRouter) Stream(ctx context.Context, req models.GenerationRequest) iter.Seq2[models.ResponseChunk, error] {
	return func(yield func(models.ResponseChunk, error) bool) {
		if req.Credential == "" {
			yield(models.ResponseChunk{}, ErrAuth)
			return
		}

		resp, err := o.doRequest(ctx, req)
		if err != nil {
			yield(models.ResponseChunk{}, err)
			return
		}
		defer resp.Body.Close()

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.ResponseChunk{}, transportError(ctx, err))
				return
			}

			if ev.Data == "" {
				continue
			}
			if ev.Data == "[DONE]" {
				return
			}

			var res openRouterStreamingResponse
			if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
				yield(models.ResponseChunk{}, &ProviderError{Body: fmt.Sprintf("malformed event: %v", err)})
				return
			}
			if res.Error != nil {
				yield(models.ResponseChunk{}, &ProviderError{StatusCode: res.Error.Code, Body: res.Error.Message})
				return
			}

			if len(res.Choices) == 0 || res.Choices[0].Delta.Content == "" {
				continue
			}
			if !yieldText(ctx, yield, res.Choices[0].Delta.Content) {
				return
			}
		}
		if ctx.Err() != nil {
			yield(models.ResponseChunk{}, ErrAborted)
		}
	}
}

func (o OpenRouter) doRequest(ctx context.Context, req models.GenerationRequest) (*http.Response, error) {
	turns := chatTurns(req.History)
	msgs := make([]openRouterMessage, 0, len(turns)+2)
	if req.SystemInstruction != "" {
		msgs = append(msgs, openRouterMessage{Role: "system", Content: req.SystemInstruction})
	}
	for _, msg := range turns {
		msgs = append(msgs, openRouterMessage{
			Role:    assistantRole(msg.Role),
			Content: msg.Content,
		})
	}
	msgs = append(msgs, openRouterMessage{Role: "user", Content: req.Prompt})

	jsonBody, err := json.Marshal(openRouterChatRequest{
		Model:    req.ModelID,
		Messages: msgs,
		Stream:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("error marshaling request: %w", err)
	}

	o.logger.Debug("Request", slog.String("model", req.ModelID), slog.Int("messages", len(msgs)))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		o.endpoint+"/chat/completions", bytes.NewBuffer(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+req.Credential)
	httpReq.Header.Set("HTTP-Referer", "https://github.com/MegaGrindStone/streamchat/")
	httpReq.Header.Set("X-Title", "streamchat")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, &ProviderError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return resp, nil
}
