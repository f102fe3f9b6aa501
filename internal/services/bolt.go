package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/MegaGrindStone/streamchat/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements a history store using a BoltDB backend. Sessions are kept in insertion order:
// each one is stored under a sequence key, and an index bucket maps session ids to their sequence key
// so a replace keeps the original position.
type BoltDB struct {
	db *bolt.DB
}

var (
	boltSessionsBucket = []byte("sessions")
	boltIndexBucket    = []byte("session-index")
)

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(boltSessionsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(boltIndexBucket)
		return err
	})
	if err != nil {
		db.Close()
		return BoltDB{}, fmt.Errorf("failed to create buckets: %w", err)
	}

	return BoltDB{db: db}, nil
}

func boltSeqKey(seq uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, seq)
	return b
}

// ListSessions returns every stored session in insertion order.
func (b BoltDB) ListSessions(context.Context) ([]models.ChatSession, error) {
	sessions := []models.ChatSession{}
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(boltSessionsBucket).ForEach(func(_, v []byte) error {
			var sess models.ChatSession
			if err := json.Unmarshal(v, &sess); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, sess)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return sessions, nil
}

// SaveSession stores sess, replacing any session with the same id in place.
func (b BoltDB) SaveSession(_ context.Context, sess models.ChatSession) error {
	v, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		sessions := tx.Bucket(boltSessionsBucket)
		index := tx.Bucket(boltIndexBucket)

		key := index.Get([]byte(sess.ID))
		if key == nil {
			seq, err := sessions.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			key = boltSeqKey(seq)
			if err := index.Put([]byte(sess.ID), key); err != nil {
				return fmt.Errorf("failed to index session: %w", err)
			}
		}

		return sessions.Put(key, v)
	})
}

// DeleteSession removes the session with the given id. It returns ErrNotFound if there is none.
func (b BoltDB) DeleteSession(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		index := tx.Bucket(boltIndexBucket)
		key := index.Get([]byte(id))
		if key == nil {
			return ErrNotFound
		}
		// The key slice is only valid during the transaction and is invalidated by the delete.
		key = append([]byte(nil), key...)
		if err := index.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete index entry: %w", err)
		}
		return tx.Bucket(boltSessionsBucket).Delete(key)
	})
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}
