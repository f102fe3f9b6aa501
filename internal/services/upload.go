package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
)

// Uploader forwards files to the upload sidecar, which ingests them into the knowledge base used by
// the proxy backend.
type Uploader struct {
	baseURL string
	client  *http.Client

	logger *slog.Logger
}

type uploadResponse struct {
	Status      string `json:"status"`
	Filename    string `json:"filename"`
	ChunksAdded int    `json:"chunks_added"`
}

const uploadPath = "/api/upload"

// NewUploader creates an Uploader for the sidecar served at baseURL.
func NewUploader(baseURL string, client *http.Client, logger *slog.Logger) Uploader {
	if client == nil {
		client = &http.Client{}
	}
	return Uploader{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  logger.With(slog.String("module", "uploader")),
	}
}

// Upload sends the file content read from r under filename, together with the credential and
// session id, and returns the number of chunks the sidecar added.
func (u Uploader) Upload(ctx context.Context, filename string, r io.Reader, apiKey, sessionID string) (int, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return 0, fmt.Errorf("error creating form file: %w", err)
	}
	if _, err := io.Copy(fw, r); err != nil {
		return 0, fmt.Errorf("error copying file: %w", err)
	}
	if apiKey != "" {
		if err := mw.WriteField("apiKey", apiKey); err != nil {
			return 0, fmt.Errorf("error writing field: %w", err)
		}
	}
	if sessionID != "" {
		if err := mw.WriteField("sessionId", sessionID); err != nil {
			return 0, fmt.Errorf("error writing field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return 0, fmt.Errorf("error closing multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+uploadPath, &buf)
	if err != nil {
		return 0, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := u.client.Do(req)
	if err != nil {
		return 0, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(resp.Body)
		return 0, &ProviderError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	var res uploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, fmt.Errorf("error decoding upload response: %w", err)
	}

	u.logger.Info("File uploaded",
		slog.String("filename", filename),
		slog.Int("chunks", res.ChunksAdded),
	)
	return res.ChunksAdded, nil
}
