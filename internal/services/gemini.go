package services

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"google.golang.org/genai"
)

// Gemini streams responses from the Gemini API through a chat seeded with the conversation history.
type Gemini struct {
	httpClient *http.Client

	logger *slog.Logger
}

// thinkingBudget is the token budget granted when deep thinking is requested on a model that
// supports it.
const thinkingBudget int32 = 2048

// NewGemini creates a Gemini backend. A nil client uses the SDK's default transport.
func NewGemini(client *http.Client, logger *slog.Logger) Gemini {
	return Gemini{
		httpClient: client,
		logger:     logger.With(slog.String("module", "gemini")),
	}
}

// Stream implements Backend.
func (g Gemini) Stream(ctx context.Context, req models.GenerationRequest) iter.Seq2[models.ResponseChunk, error] {
	return func(yield func(models.ResponseChunk, error) bool) {
		if req.Credential == "" {
			yield(models.ResponseChunk{}, ErrAuth)
			return
		}

		cc := &genai.ClientConfig{
			APIKey:     req.Credential,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: g.httpClient,
		}
		if req.Endpoint != "" {
			cc.HTTPOptions.BaseURL = req.Endpoint
		}
		client, err := genai.NewClient(ctx, cc)
		if err != nil {
			yield(models.ResponseChunk{}, fmt.Errorf("error creating gemini client: %w", err))
			return
		}

		parts, err := geminiParts(req.Prompt, req.Image)
		if err != nil {
			yield(models.ResponseChunk{}, err)
			return
		}

		config := geminiConfig(req)
		g.logger.Debug("Opening chat",
			slog.String("model", req.ModelID),
			slog.Bool("thinking", config.ThinkingConfig != nil),
			slog.Int("tools", len(config.Tools)),
		)

		chat, err := client.Chats.Create(ctx, req.ModelID, config, geminiHistory(req.History))
		if err != nil {
			yield(models.ResponseChunk{}, fmt.Errorf("error creating chat: %w", err))
			return
		}

		for res, err := range chat.SendMessageStream(ctx, parts...) {
			if ctx.Err() != nil {
				yield(models.ResponseChunk{}, ErrAborted)
				return
			}
			if err != nil {
				yield(models.ResponseChunk{}, geminiError(ctx, err))
				return
			}
			if !yield(geminiChunk(res), nil) {
				return
			}
		}
	}
}

// geminiConfig builds the per-call config. Thinking and search are mutually exclusive; search wins.
func geminiConfig(req models.GenerationRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.SystemInstruction != "" {
		config.SystemInstruction = genai.NewContentFromText(req.SystemInstruction, genai.RoleUser)
	}
	if req.EnableThinking && models.SupportsThinking(req.ModelID) && !req.EnableSearch {
		budget := thinkingBudget
		config.ThinkingConfig = &genai.ThinkingConfig{ThinkingBudget: &budget}
	}
	if req.EnableSearch {
		config.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}
	return config
}

func geminiHistory(history []models.Message) []*genai.Content {
	turns := chatTurns(history)
	contents := make([]*genai.Content, len(turns))
	for i, msg := range turns {
		contents[i] = &genai.Content{
			Role:  string(msg.Role),
			Parts: []*genai.Part{{Text: msg.Content}},
		}
	}
	return contents
}

// geminiParts builds the current turn: the prompt, plus the image as inline data when one is attached.
func geminiParts(prompt, image string) ([]genai.Part, error) {
	parts := []genai.Part{{Text: prompt}}
	if image == "" {
		return parts, nil
	}
	mimeType, data, err := models.DecodeDataURI(image)
	if err != nil {
		return nil, fmt.Errorf("invalid image attachment: %w", err)
	}
	return append(parts, genai.Part{
		InlineData: &genai.Blob{MIMEType: mimeType, Data: data},
	}), nil
}

// geminiChunk normalizes one streamed response. Thought parts are not part of the answer text.
func geminiChunk(res *genai.GenerateContentResponse) models.ResponseChunk {
	var chunk models.ResponseChunk
	if res == nil || len(res.Candidates) == 0 || res.Candidates[0] == nil {
		return chunk
	}
	cand := res.Candidates[0]

	if cand.Content != nil {
		var sb strings.Builder
		for _, part := range cand.Content.Parts {
			if part == nil || part.Thought {
				continue
			}
			sb.WriteString(part.Text)
		}
		chunk.Text = sb.String()
	}

	if cand.GroundingMetadata != nil {
		for _, gc := range cand.GroundingMetadata.GroundingChunks {
			if gc == nil || gc.Web == nil {
				continue
			}
			chunk.GroundingChunks = append(chunk.GroundingChunks, models.GroundingChunk{
				Web: &models.WebSource{Title: gc.Web.Title, URI: gc.Web.URI},
			})
		}
	}
	return chunk
}

func geminiError(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrAborted
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &ProviderError{StatusCode: apiErr.Code, Body: apiErr.Message}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return &ProviderError{StatusCode: apiErrPtr.Code, Body: apiErrPtr.Message}
	}
	return &ConnectionError{Err: err}
}
