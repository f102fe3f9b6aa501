package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MegaGrindStone/streamchat/internal/models"
)

// HistoryClient talks to a remote history store over its HTTP API.
type HistoryClient struct {
	baseURL string
	client  *http.Client

	logger *slog.Logger
}

type historySaveResponse struct {
	Status string `json:"status"`
	ID     string `json:"id"`
}

const historyPath = "/api/history"

// NewHistoryClient creates a HistoryClient for the store served at baseURL.
func NewHistoryClient(baseURL string, client *http.Client, logger *slog.Logger) HistoryClient {
	if client == nil {
		client = &http.Client{}
	}
	return HistoryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("module", "history-client")),
	}
}

// ListSessions returns the stored sessions in the order the store keeps them (oldest first).
func (h HistoryClient) ListSessions(ctx context.Context) ([]models.ChatSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.baseURL+historyPath, nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if err := historyStatus(resp); err != nil {
		return nil, err
	}

	var sessions []models.ChatSession
	if err := json.NewDecoder(resp.Body).Decode(&sessions); err != nil {
		return nil, fmt.Errorf("error decoding sessions: %w", err)
	}
	return sessions, nil
}

// SaveSession creates or replaces sess in the store.
func (h HistoryClient) SaveSession(ctx context.Context, sess models.ChatSession) error {
	jsonBody, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("error marshaling session: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+historyPath, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if err := historyStatus(resp); err != nil {
		return err
	}

	var res historySaveResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		// Older stores answer with an empty body.
		h.logger.Debug("Ignoring undecodable save response", slog.String(errLoggerKey, err.Error()))
		return nil
	}
	h.logger.Debug("Session saved", slog.String("id", res.ID), slog.String("status", res.Status))
	return nil
}

// DeleteSession removes the session with the given id from the store.
func (h HistoryClient) DeleteSession(ctx context.Context, id string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		h.baseURL+historyPath+"/"+url.PathEscape(id), nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	return historyStatus(resp)
}

func historyStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return &ProviderError{StatusCode: resp.StatusCode, Body: string(body)}
}
