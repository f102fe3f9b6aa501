package models

import (
	"encoding/json"
	"time"
)

// Message represents an individual entry within a chat session. Assistant messages are created empty
// when a generation starts and grow as chunks arrive; once the generation settles they are only ever
// replaced through the edit flow, never mutated.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Timestamp time.Time

	// Thinking marks an assistant message that holds pure reasoning output.
	Thinking bool
	// GroundingSources is the deduplicated citation list attached by the generation, if any.
	GroundingSources []GroundingSource
	// Image is an optional data URI (data:<mime>;base64,<payload>) attached to a user message.
	Image string
}

// GroundingSource is a citation returned alongside generated text. URI is unique within a message.
type GroundingSource struct {
	Title string `json:"title,omitempty"`
	URI   string `json:"uri"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleModel represents an assistant message produced by a backend.
	RoleModel Role = "model"
	// RoleSystem represents a notice inserted by the client itself, such as an upload acknowledgement.
	RoleSystem Role = "system"
)

// messageJSON is the wire shape shared with the history store, where timestamps are Unix milliseconds.
type messageJSON struct {
	ID               string            `json:"id"`
	Role             Role              `json:"role"`
	Content          string            `json:"content"`
	Timestamp        int64             `json:"timestamp"`
	Thinking         bool              `json:"thinking,omitempty"`
	GroundingSources []GroundingSource `json:"groundingSources,omitempty"`
	Image            string            `json:"image,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	return json.Marshal(messageJSON{
		ID:               m.ID,
		Role:             m.Role,
		Content:          m.Content,
		Timestamp:        m.Timestamp.UnixMilli(),
		Thinking:         m.Thinking,
		GroundingSources: m.GroundingSources,
		Image:            m.Image,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw messageJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*m = Message{
		ID:               raw.ID,
		Role:             raw.Role,
		Content:          raw.Content,
		Timestamp:        time.UnixMilli(raw.Timestamp),
		Thinking:         raw.Thinking,
		GroundingSources: raw.GroundingSources,
		Image:            raw.Image,
	}
	return nil
}

// Clone returns a copy of the message that shares no slices with the receiver.
func (m Message) Clone() Message {
	if m.GroundingSources != nil {
		m.GroundingSources = append([]GroundingSource(nil), m.GroundingSources...)
	}
	return m
}

// CloneMessages deep-copies a transcript.
func CloneMessages(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	res := make([]Message, len(messages))
	for i, msg := range messages {
		res[i] = msg.Clone()
	}
	return res
}
