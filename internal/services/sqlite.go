package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/streamchat/internal/models"
	_ "modernc.org/sqlite"
)

// SQLite implements a history store on an SQLite database. Rows keep their rowid across replaces, so
// listing by rowid yields insertion order.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens or creates the database at path and makes sure the sessions table exists.
func NewSQLite(path string) (SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return SQLite{}, fmt.Errorf("failed to open sqlite db: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			date_group TEXT NOT NULL,
			messages TEXT NOT NULL
		)
	`)
	if err != nil {
		db.Close()
		return SQLite{}, fmt.Errorf("failed to create sessions table: %w", err)
	}

	return SQLite{db: db}, nil
}

// ListSessions returns every stored session in insertion order.
func (s SQLite) ListSessions(ctx context.Context) ([]models.ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, date_group, messages
		FROM sessions
		ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []models.ChatSession{}
	for rows.Next() {
		var sess models.ChatSession
		var messagesJSON string
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.DateGroup, &messagesJSON); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if err := json.Unmarshal([]byte(messagesJSON), &sess.Messages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal messages of session %s: %w", sess.ID, err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}
	return sessions, nil
}

// SaveSession inserts sess, or replaces the stored session with the same id.
func (s SQLite) SaveSession(ctx context.Context, sess models.ChatSession) error {
	msgs := sess.Messages
	if msgs == nil {
		msgs = []models.Message{}
	}
	messagesJSON, err := json.Marshal(msgs)
	if err != nil {
		return fmt.Errorf("failed to marshal messages: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, date_group, messages)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			date_group = excluded.date_group,
			messages = excluded.messages
	`, sess.ID, sess.Title, sess.DateGroup, string(messagesJSON))
	if err != nil {
		return fmt.Errorf("failed to write session: %w", err)
	}
	return nil
}

// DeleteSession removes the session with the given id. It returns ErrNotFound if there is none.
func (s SQLite) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close releases the database.
func (s SQLite) Close() error {
	return s.db.Close()
}
