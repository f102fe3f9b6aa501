package models

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// ChatSession represents one persisted conversation. Its ID is assigned exactly once and its Messages
// always hold everything shown for that conversation, in order.
type ChatSession struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	DateGroup string    `json:"dateGroup"`
	Messages  []Message `json:"messages"`
}

const (
	// DateGroupToday is the group assigned to sessions created in the current browsing session.
	DateGroupToday = "Today"

	titleMaxRunes = 30
	titleEllipsis = "..."
)

// Clone returns a deep copy of the session.
func (c ChatSession) Clone() ChatSession {
	c.Messages = CloneMessages(c.Messages)
	return c
}

// SessionTitle derives a session title from the first message of a transcript: its first 30 runes,
// followed by an ellipsis when the content is longer.
func SessionTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleMaxRunes {
		return content
	}
	return string(runes[:titleMaxRunes]) + titleEllipsis
}

// ResponseChunk is the normalized unit every backend yields. Either field may be empty; a chunk that
// carries neither is legal and simply publishes the current state again.
type ResponseChunk struct {
	Text            string           `json:"text,omitempty"`
	GroundingChunks []GroundingChunk `json:"groundingChunks,omitempty"`
}

// GroundingChunk wraps a single web citation, mirroring the shape returned by search-grounded models.
type GroundingChunk struct {
	Web *WebSource `json:"web,omitempty"`
}

// WebSource is the citation carried by a GroundingChunk.
type WebSource struct {
	Title string `json:"title,omitempty"`
	URI   string `json:"uri"`
}

// GenerationRequest carries everything a backend needs to produce one response. The cancellation
// token travels separately as the context.Context given to the backend.
type GenerationRequest struct {
	ModelID           string
	Prompt            string
	History           []Message
	EnableThinking    bool
	EnableSearch      bool
	Credential        string
	SearchCredential  string
	Endpoint          string
	Image             string
	SystemInstruction string
	SessionID         string
}

// ErrInvalidDataURI is returned by ParseDataURI when the input is not a base64 data URI.
var ErrInvalidDataURI = errors.New("invalid data uri")

// ParseDataURI splits a data URI of the form data:<mime>;base64,<payload> into its MIME type and its
// still-encoded payload.
func ParseDataURI(uri string) (mimeType, data string, err error) {
	header, payload, ok := strings.Cut(uri, ",")
	if !ok {
		return "", "", ErrInvalidDataURI
	}
	header, ok = strings.CutPrefix(header, "data:")
	if !ok {
		return "", "", ErrInvalidDataURI
	}
	mimeType, _, _ = strings.Cut(header, ";")
	if mimeType == "" {
		return "", "", ErrInvalidDataURI
	}
	return mimeType, payload, nil
}

// DecodeDataURI returns the MIME type and decoded bytes of a base64 data URI.
func DecodeDataURI(uri string) (string, []byte, error) {
	mimeType, payload, err := ParseDataURI(uri)
	if err != nil {
		return "", nil, err
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode data uri payload: %w", err)
	}
	return mimeType, b, nil
}

// EncodeDataURI builds a base64 data URI from raw bytes.
func EncodeDataURI(mimeType string, data []byte) string {
	return fmt.Sprintf("data:%s;base64,%s", mimeType, base64.StdEncoding.EncodeToString(data))
}
