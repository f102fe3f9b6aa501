// Package session keeps the chat sessions of the running client. Local state is authoritative; every
// change is mirrored to a remote history store in the background, on a best-effort basis.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/streamchat/internal/models"
	"github.com/google/uuid"
)

// Remote is the history store sessions are mirrored to.
type Remote interface {
	ListSessions(ctx context.Context) ([]models.ChatSession, error)
	SaveSession(ctx context.Context, sess models.ChatSession) error
	DeleteSession(ctx context.Context, id string) error
}

// Store holds every known session, newest first, and the id of the active one. The active transcript
// is the message list of the active session. Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions []models.ChatSession
	activeID string

	remote Remote
	mirror *mirror

	logger *slog.Logger
}

var (
	// ErrSessionNotFound is returned for ids the store does not hold.
	ErrSessionNotFound = errors.New("session not found")
	// ErrMessageNotFound is returned when a message id is not part of the active transcript.
	ErrMessageNotFound = errors.New("message not found")
)

const errLoggerKey = "err"

// NewStore creates an empty Store. A nil remote keeps sessions local only. The mirror worker runs
// until Close is called.
func NewStore(remote Remote, logger *slog.Logger) *Store {
	logger = logger.With(slog.String("module", "session"))
	s := &Store{
		remote: remote,
		logger: logger,
	}
	if remote != nil {
		s.mirror = newMirror(remote, logger)
	}
	return s
}

// Refresh merges the remote history into the store. The remote list is oldest first, so it is
// reversed; sessions already held locally win over their remote copies.
func (s *Store) Refresh(ctx context.Context) error {
	if s.remote == nil {
		return nil
	}
	remote, err := s.remote.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list remote sessions: %w", err)
	}
	slices.Reverse(remote)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, sess := range remote {
		if s.indexLocked(sess.ID) >= 0 {
			continue
		}
		s.sessions = append(s.sessions, sess.Clone())
	}
	s.logger.Debug("History refreshed", slog.Int("remote", len(remote)), slog.Int("total", len(s.sessions)))
	return nil
}

// ActiveSessionID returns the id of the active chat. The id may belong to a new chat whose session
// does not exist yet; it is empty only before the first chat is started.
func (s *Store) ActiveSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// Messages returns a copy of the active transcript.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(s.activeID)
	if i < 0 {
		return nil
	}
	return models.CloneMessages(s.sessions[i].Messages)
}

// ListSessions returns a copy of every session, newest first.
func (s *Store) ListSessions() []models.ChatSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]models.ChatSession, len(s.sessions))
	for i, sess := range s.sessions {
		res[i] = sess.Clone()
	}
	return res
}

// Session returns a copy of the session with the given id.
func (s *Store) Session(id string) (models.ChatSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(id)
	if i < 0 {
		return models.ChatSession{}, false
	}
	return s.sessions[i].Clone(), true
}

// NewChat starts a new, empty chat and returns its id. The session itself is only created by the
// next CreateOrReuseSession, which adopts this id.
func (s *Store) NewChat() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = NewID()
	return s.activeID
}

// LoadSession makes the session with the given id active.
func (s *Store) LoadSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.indexLocked(id) < 0 {
		return ErrSessionNotFound
	}
	s.activeID = id
	return nil
}

// CreateOrReuseSession returns the active session id. When the active chat has no session yet, one is
// created under the id minted by NewChat (or a fresh id), titled after firstContent, and made active.
// Nothing is sent to the remote until the session has messages.
func (s *Store) CreateOrReuseSession(firstContent string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.indexLocked(s.activeID) >= 0 {
		return s.activeID, false
	}

	id := s.activeID
	if id == "" {
		id = NewID()
	}
	sess := models.ChatSession{
		ID:        id,
		Title:     models.SessionTitle(firstContent),
		DateGroup: models.DateGroupToday,
	}
	s.sessions = slices.Insert(s.sessions, 0, sess)
	s.activeID = sess.ID
	s.logger.Debug("Session created", slog.String("id", sess.ID), slog.String("title", sess.Title))
	return sess.ID, true
}

// AppendUserTurn replaces the transcript of a session with base followed by msg.
func (s *Store) AppendUserTurn(sessionID string, base []models.Message, msg models.Message) error {
	msgs := make([]models.Message, 0, len(base)+1)
	msgs = append(msgs, models.CloneMessages(base)...)
	msgs = append(msgs, msg.Clone())
	return s.mutate(sessionID, func(sess *models.ChatSession) {
		sess.Messages = msgs
	})
}

// AppendMessage appends msg to a session's transcript.
func (s *Store) AppendMessage(sessionID string, msg models.Message) error {
	return s.mutate(sessionID, func(sess *models.ChatSession) {
		sess.Messages = append(sess.Messages, msg.Clone())
	})
}

// UpsertAssistantContent replaces the message with msg's id in a session, appending it if the session
// does not hold it yet. It fails with ErrSessionNotFound once the session has been deleted.
func (s *Store) UpsertAssistantContent(sessionID string, msg models.Message) error {
	return s.mutate(sessionID, func(sess *models.ChatSession) {
		i := slices.IndexFunc(sess.Messages, func(m models.Message) bool { return m.ID == msg.ID })
		if i < 0 {
			sess.Messages = append(sess.Messages, msg.Clone())
			return
		}
		sess.Messages[i] = msg.Clone()
	})
}

// DeleteSession removes a session locally and asks the remote to delete it. The local removal is not
// reverted if the remote call fails. Deleting the active session starts a new chat.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	i := s.indexLocked(id)
	if i < 0 {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	s.sessions = slices.Delete(s.sessions, i, i+1)
	if s.activeID == id {
		s.activeID = NewID()
	}
	s.mu.Unlock()

	if s.mirror != nil {
		s.mirror.delete(id)
	}
	return nil
}

// PrefixBefore returns the messages of the active transcript strictly before the message with the
// given id.
func (s *Store) PrefixBefore(messageID string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.indexLocked(s.activeID)
	if i < 0 {
		return nil, ErrMessageNotFound
	}
	msgs := s.sessions[i].Messages
	j := slices.IndexFunc(msgs, func(m models.Message) bool { return m.ID == messageID })
	if j < 0 {
		return nil, ErrMessageNotFound
	}
	return models.CloneMessages(msgs[:j]), nil
}

// Flush blocks until every queued mirror write has been attempted.
func (s *Store) Flush() {
	if s.mirror != nil {
		s.mirror.flush()
	}
}

// Close drains the mirror queue and stops the worker.
func (s *Store) Close() {
	if s.mirror != nil {
		s.mirror.close()
	}
}

func (s *Store) mutate(sessionID string, fn func(*models.ChatSession)) error {
	s.mu.Lock()
	i := s.indexLocked(sessionID)
	if i < 0 {
		s.mu.Unlock()
		return ErrSessionNotFound
	}
	fn(&s.sessions[i])
	snapshot := s.sessions[i].Clone()
	s.mu.Unlock()

	if s.mirror != nil {
		s.mirror.save(snapshot)
	}
	return nil
}

func (s *Store) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(s.sessions, func(sess models.ChatSession) bool { return sess.ID == id })
}

// NewID mints an identifier for sessions and messages.
func NewID() string {
	return uuid.New().String()
}

// NewMessage builds a message with a fresh id stamped with the current time.
func NewMessage(role models.Role, content string) models.Message {
	return models.Message{
		ID:        NewID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}
