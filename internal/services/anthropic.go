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

// Anthropic provides a direct backend for the Anthropic messages API. It streams server-sent events
// and yields the text deltas of content blocks.
type Anthropic struct {
	endpoint  string
	maxTokens int

	client *http.Client

	logger *slog.Logger
}

type anthropicChatRequest struct {
	Model     string             `json:"model"`
	Messages  []anthropicMessage `json:"messages"`
	System    string             `json:"system,omitempty"`
	MaxTokens int                `json:"max_tokens"`
	Stream    bool               `json:"stream"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicStreamResponse struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

type anthropicError struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

const (
	anthropicAPIEndpoint    = "https://api.anthropic.com/v1"
	anthropicDefaultTokens  = 4096
	anthropicAPIVersion     = "2023-06-01"
	anthropicOverloadStatus = 529
)

// NewAnthropic creates a new Anthropic backend. An empty endpoint uses the public API and a zero
// maxTokens uses a default budget.
func NewAnthropic(endpoint string, maxTokens int, client *http.Client, logger *slog.Logger) Anthropic {
	if endpoint == "" {
		endpoint = anthropicAPIEndpoint
	}
	if maxTokens == 0 {
		maxTokens = anthropicDefaultTokens
	}
	if client == nil {
		client = &http.Client{}
	}
	return Anthropic{
		endpoint:  endpoint,
		maxTokens: maxTokens,
		client:    client,
		logger:    logger.With(slog.String("module", "anthropic")),
	}
}

// Stream implements Backend. Images, thinking and search are not forwarded.
func (a Anthropic) Stream(ctx context.Context, req models.GenerationRequest) iter.Seq2[models.ResponseChunk, error] {
	return func(yield func(models.ResponseChunk, error) bool) {
		if req.Credential == "" {
			yield(models.ResponseChunk{}, ErrAuth)
			return
		}
		if req.Image != "" {
			a.logger.Warn("Image attachments are not forwarded to this provider")
		}

		turns := chatTurns(req.History)
		msgs := make([]anthropicMessage, 0, len(turns)+1)
		for _, msg := range turns {
			msgs = append(msgs, anthropicMessage{
				Role:    assistantRole(msg.Role),
				Content: msg.Content,
			})
		}
		msgs = append(msgs, anthropicMessage{Role: "user", Content: req.Prompt})

		jsonBody, err := json.Marshal(anthropicChatRequest{
			Model:     req.ModelID,
			Messages:  msgs,
			System:    req.SystemInstruction,
			MaxTokens: a.maxTokens,
			Stream:    true,
		})
		if err != nil {
			yield(models.ResponseChunk{}, fmt.Errorf("error marshaling request: %w", err))
			return
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint+"/messages", bytes.NewBuffer(jsonBody))
		if err != nil {
			yield(models.ResponseChunk{}, fmt.Errorf("error creating request: %w", err))
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("x-api-key", req.Credential)
		httpReq.Header.Set("anthropic-version", anthropicAPIVersion)

		resp, err := a.client.Do(httpReq)
		if err != nil {
			yield(models.ResponseChunk{}, transportError(ctx, err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(resp.Body)
			yield(models.ResponseChunk{}, &ProviderError{StatusCode: resp.StatusCode, Body: string(body)})
			return
		}

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield(models.ResponseChunk{}, transportError(ctx, err))
				return
			}
			switch ev.Type {
			case "error":
				var e anthropicError
				if err := json.Unmarshal([]byte(ev.Data), &e); err != nil {
					yield(models.ResponseChunk{}, &ProviderError{Body: ev.Data})
					return
				}
				status := 0
				if e.Error.Type == "overloaded_error" {
					status = anthropicOverloadStatus
				}
				yield(models.ResponseChunk{}, &ProviderError{
					StatusCode: status,
					Body:       fmt.Sprintf("%s: %s", e.Error.Type, e.Error.Message),
				})
				return
			case "message_stop":
				return
			case "content_block_delta":
				var res anthropicStreamResponse
				if err := json.Unmarshal([]byte(ev.Data), &res); err != nil {
					yield(models.ResponseChunk{}, &ProviderError{Body: fmt.Sprintf("malformed event: %v", err)})
					return
				}
				if res.Delta.Text == "" {
					continue
				}
				if !yieldText(ctx, yield, res.Delta.Text) {
					return
				}
			default:
				continue
			}
		}
		if ctx.Err() != nil {
			yield(models.ResponseChunk{}, ErrAborted)
		}
	}
}
