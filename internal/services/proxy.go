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
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// Proxy sends the whole request to a custom backend that answers with a single JSON object. The answer
// is re-exposed as a short chunk sequence so callers consume it like any incremental stream.
type Proxy struct {
	client *http.Client

	logger *slog.Logger
}

type proxyChatRequest struct {
	Message           string           `json:"message"`
	Image             string           `json:"image,omitempty"`
	Model             string           `json:"model"`
	APIKey            string           `json:"apiKey"`
	ProviderURL       string           `json:"providerUrl"`
	History           []models.Message `json:"history"`
	DeepThink         bool             `json:"deepThink"`
	EnableSearch      bool             `json:"enableSearch"`
	SearchAPIKey      string           `json:"searchApiKey"`
	SystemInstruction string           `json:"systemInstruction"`
	SessionID         string           `json:"sessionId"`
}

type proxyChatResponse struct {
	Response string   `json:"response"`
	Sources  []string `json:"sources"`
}

const (
	proxyChatPath = "/api/chat"

	proxySourceTitlePrefix = "Source: "
)

// NewProxy creates a Proxy using client for transport. A nil client uses a zero http.Client.
func NewProxy(client *http.Client, logger *slog.Logger) Proxy {
	if client == nil {
		client = &http.Client{}
	}
	return Proxy{
		client: client,
		logger: logger.With(slog.String("module", "proxy")),
	}
}

// Stream implements Backend. The call is made lazily on the first pull of the sequence, and because
// the proxy answers in one piece, cancellation can only abort the call itself.
func (p Proxy) Stream(ctx context.Context, req models.GenerationRequest) iter.Seq2[models.ResponseChunk, error] {
	return func(yield func(models.ResponseChunk, error) bool) {
		if req.Credential == "" {
			yield(models.ResponseChunk{}, ErrAuth)
			return
		}

		res, err := p.chat(ctx, req)
		if err != nil {
			yield(models.ResponseChunk{}, err)
			return
		}

		for _, chunk := range proxyChunks(res) {
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (p Proxy) chat(ctx context.Context, req models.GenerationRequest) (proxyChatResponse, error) {
	body := proxyChatRequest{
		Message:           req.Prompt,
		Image:             req.Image,
		Model:             req.ModelID,
		APIKey:            req.Credential,
		ProviderURL:       req.Endpoint,
		History:           req.History,
		DeepThink:         req.EnableThinking,
		EnableSearch:      req.EnableSearch,
		SearchAPIKey:      req.SearchCredential,
		SystemInstruction: req.SystemInstruction,
		SessionID:         req.SessionID,
	}
	if body.History == nil {
		body.History = []models.Message{}
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return proxyChatResponse{}, fmt.Errorf("error marshaling request: %w", err)
	}

	url := strings.TrimRight(req.Endpoint, "/") + proxyChatPath
	p.logger.Debug("Sending proxy request",
		slog.String("url", url),
		slog.String("model", req.ModelID),
		slog.Int("history", len(body.History)),
	)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		return proxyChatResponse{}, fmt.Errorf("error creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.Credential)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return proxyChatResponse{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(resp.Body)
		return proxyChatResponse{}, &ProviderError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var res proxyChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		if ctx.Err() != nil {
			return proxyChatResponse{}, ErrAborted
		}
		return proxyChatResponse{}, &ProviderError{
			StatusCode: resp.StatusCode,
			Body:       fmt.Sprintf("malformed response: %v", err),
		}
	}
	return res, nil
}

// proxyChunks turns a proxy answer into at most two chunks: the full text, then one synthetic
// grounding chunk for the sources, if there are any.
func proxyChunks(res proxyChatResponse) []models.ResponseChunk {
	chunks := []models.ResponseChunk{{Text: res.Response}}
	if len(res.Sources) == 0 {
		return chunks
	}

	grounding := make([]models.GroundingChunk, len(res.Sources))
	for i, src := range res.Sources {
		grounding[i] = models.GroundingChunk{
			Web: &models.WebSource{
				Title: proxySourceTitlePrefix + src,
				URI:   src,
			},
		}
	}
	return append(chunks, models.ResponseChunk{GroundingChunks: grounding})
}
