package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"

	"github.com/MegaGrindStone/streamchat/internal/models"
	goopenai "github.com/sashabaranov/go-openai"
)

// OpenAI provides a direct backend for OpenAI's chat completion models.
type OpenAI struct {
	baseURL    string
	httpClient *http.Client

	logger *slog.Logger
}

// NewOpenAI creates a new OpenAI backend. An empty baseURL uses the public API.
func NewOpenAI(baseURL string, client *http.Client, logger *slog.Logger) OpenAI {
	return OpenAI{
		baseURL:    baseURL,
		httpClient: client,
		logger:     logger.With(slog.String("module", "openai")),
	}
}

func (o OpenAI) client(apiKey string) *goopenai.Client {
	cfg := goopenai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.httpClient != nil {
		cfg.HTTPClient = o.httpClient
	}
	return goopenai.NewClientWithConfig(cfg)
}

func openAIMessages(req models.GenerationRequest) []goopenai.ChatCompletionMessage {
	turns := chatTurns(req.History)
	msgs := make([]goopenai.ChatCompletionMessage, 0, len(turns)+2)
	if req.SystemInstruction != "" {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    goopenai.ChatMessageRoleSystem,
			Content: req.SystemInstruction,
		})
	}
	for _, msg := range turns {
		msgs = append(msgs, goopenai.ChatCompletionMessage{
			Role:    assistantRole(msg.Role),
			Content: msg.Content,
		})
	}

	current := goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser}
	if req.Image == "" {
		current.Content = req.Prompt
	} else {
		current.MultiContent = []goopenai.ChatMessagePart{
			{Type: goopenai.ChatMessagePartTypeText, Text: req.Prompt},
			{Type: goopenai.ChatMessagePartTypeImageURL, ImageURL: &goopenai.ChatMessageImageURL{URL: req.Image}},
		}
	}
	return append(msgs, current)
}

// Stream implements Backend. Thinking and search flags have no equivalent here and are ignored.
func (o OpenAI) Stream(ctx context.Context, req models.GenerationRequest) iter.Seq2[models.ResponseChunk, error] {
	return func(yield func(models.ResponseChunk, error) bool) {
		if req.Credential == "" {
			yield(models.ResponseChunk{}, ErrAuth)
			return
		}
		if req.EnableThinking || req.EnableSearch {
			o.logger.Debug("Ignoring unsupported options",
				slog.Bool("thinking", req.EnableThinking),
				slog.Bool("search", req.EnableSearch))
		}

		stream, err := o.client(req.Credential).CreateChatCompletionStream(ctx, goopenai.ChatCompletionRequest{
			Model:    req.ModelID,
			Messages: openAIMessages(req),
			Stream:   true,
		})
		if err != nil {
			yield(models.ResponseChunk{}, openAIError(ctx, err))
			return
		}
		defer stream.Close()

		for {
			response, err := stream.Recv()
			if err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(models.ResponseChunk{}, openAIError(ctx, err))
				return
			}

			if len(response.Choices) == 0 {
				continue
			}
			if !yieldText(ctx, yield, response.Choices[0].Delta.Content) {
				return
			}
		}
	}
}

func openAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrAborted
	}
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.HTTPStatusCode, Body: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &ProviderError{StatusCode: reqErr.HTTPStatusCode, Body: fmt.Sprintf("%v", reqErr.Err)}
	}
	return &ConnectionError{Err: err}
}
