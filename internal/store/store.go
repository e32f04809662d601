// Package store is the durable local collection layer: conversations and
// deletion tombstones in bbolt, with a change feed that signals subscribers
// after every committed mutation. The store is the single source of truth;
// the sync engine holds no authoritative state of its own.
package store

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	apperrors "github.com/alexjbarnes/chat-sync/internal/errors"
	"github.com/alexjbarnes/chat-sync/internal/models"
	bolt "go.etcd.io/bbolt"
)

const (
	// storeDirPerm is the permission mode for the data directory.
	storeDirPerm = fs.FileMode(0o700)

	// storeFilePerm is the permission mode for the database file.
	storeFilePerm = fs.FileMode(0o600)

	// storeOpenTimeout is the maximum time to wait for the bolt database lock.
	storeOpenTimeout = 5 * time.Second
)

var (
	conversationsBucket = []byte("conversations")
	deletionsBucket     = []byte("deletions")
)

// Store wraps a bbolt database holding the live conversation collection
// and the deletion queue.
type Store struct {
	db   *bolt.DB
	feed *feed
}

// Open opens the store database at <dataDir>/chat.db, creating it if it
// does not exist.
func Open(dataDir string) (*Store, error) {
	return OpenAt(filepath.Join(dataDir, "chat.db"))
}

// OpenAt opens a store database at the given path, creating it if it does
// not exist. Useful for tests that need an isolated database.
func OpenAt(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), storeDirPerm); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := bolt.Open(path, storeFilePerm, &bolt.Options{Timeout: storeOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("opening store db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(conversationsBucket); err != nil {
			return err
		}

		_, err := tx.CreateBucketIfNotExists(deletionsBucket)

		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing store db: %w", err)
	}

	return &Store{db: db, feed: newFeed()}, nil
}

// Close closes the database and the change feed.
func (s *Store) Close() error {
	s.feed.close()

	return s.db.Close()
}

// Get returns the conversation with the given id.
// Returns ErrNotFound when absent.
func (s *Store) Get(id string) (models.Conversation, error) {
	var conv models.Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return fmt.Errorf("conversation %s: %w", id, apperrors.ErrNotFound)
		}

		return json.Unmarshal(v, &conv)
	})

	return conv, err
}

// Add inserts a new conversation.
// Returns ErrDuplicateKey when the id already exists.
func (s *Store) Add(conv models.Conversation) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)

		if b.Get([]byte(conv.ID)) != nil {
			return fmt.Errorf("conversation %s: %w", conv.ID, apperrors.ErrDuplicateKey)
		}

		data, err := json.Marshal(conv)
		if err != nil {
			return err
		}

		return b.Put([]byte(conv.ID), data)
	})
	if err != nil {
		return err
	}

	s.feed.notify()

	return nil
}

// Modify applies fn to the conversation with the given id inside a single
// write transaction: read, mutate, write back, all-or-nothing. fn receives
// a mutable view; an error from fn aborts the transaction with nothing
// applied. Returns ErrNotFound when the id is absent.
func (s *Store) Modify(id string, fn func(*models.Conversation) error) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(conversationsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("conversation %s: %w", id, apperrors.ErrNotFound)
		}

		var conv models.Conversation
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("decoding conversation %s: %w", id, err)
		}

		if err := fn(&conv); err != nil {
			return fmt.Errorf("%w: %w", apperrors.ErrConflict, err)
		}

		data, err := json.Marshal(conv)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
	if err != nil {
		return err
	}

	s.feed.notify()

	return nil
}

// Delete removes the conversation from the live collection and records a
// pending tombstone in the deletion queue, in one transaction. The remote
// delete is propagated later by the sweep; the local removal is immediate.
func (s *Store) Delete(id string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		live := tx.Bucket(conversationsBucket)
		if live.Get([]byte(id)) == nil {
			return fmt.Errorf("conversation %s: %w", id, apperrors.ErrNotFound)
		}

		if err := live.Delete([]byte(id)); err != nil {
			return err
		}

		ts := models.Tombstone{
			ID:         id,
			SyncStatus: models.StatusPending,
			DeletedAt:  time.Now(),
		}

		data, err := json.Marshal(ts)
		if err != nil {
			return err
		}

		return tx.Bucket(deletionsBucket).Put([]byte(id), data)
	})
	if err != nil {
		return err
	}

	s.feed.notify()

	return nil
}

// QueryByStatus returns all conversations currently in the given status.
// bbolt has no secondary indexes, so this scans the collection; the
// observer recomputes from ground truth every tick anyway, which is what
// makes a missed notification self-heal.
func (s *Store) QueryByStatus(status models.SyncStatus) ([]models.Conversation, error) {
	var out []models.Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("decoding conversation %s: %w", k, err)
			}

			if conv.SyncStatus == status {
				out = append(out, conv)
			}

			return nil
		})
	})

	return out, err
}

// All returns every live conversation. Used for bootstrap and for the
// streaming resume scan at startup.
func (s *Store) All() ([]models.Conversation, error) {
	var out []models.Conversation

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(conversationsBucket).ForEach(func(k, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("decoding conversation %s: %w", k, err)
			}

			out = append(out, conv)

			return nil
		})
	})

	return out, err
}

// PendingTombstones returns the deletion-queue entries awaiting remote
// propagation, including errored ones from earlier sweeps.
func (s *Store) PendingTombstones() ([]models.Tombstone, error) {
	var out []models.Tombstone

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(deletionsBucket).ForEach(func(k, v []byte) error {
			var ts models.Tombstone
			if err := json.Unmarshal(v, &ts); err != nil {
				return fmt.Errorf("decoding tombstone %s: %w", k, err)
			}

			if ts.SyncStatus == models.StatusPending || ts.SyncStatus == models.StatusError {
				out = append(out, ts)
			}

			return nil
		})
	})

	return out, err
}

// ResolveTombstone records the outcome of a sweep attempt for one id.
// Missing tombstones are ignored (a concurrent prune is not an error).
func (s *Store) ResolveTombstone(id string, status models.SyncStatus) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deletionsBucket)

		v := b.Get([]byte(id))
		if v == nil {
			return nil
		}

		var ts models.Tombstone
		if err := json.Unmarshal(v, &ts); err != nil {
			return fmt.Errorf("decoding tombstone %s: %w", id, err)
		}

		ts.SyncStatus = status

		data, err := json.Marshal(ts)
		if err != nil {
			return err
		}

		return b.Put([]byte(id), data)
	})
}

// PruneSyncedTombstones removes tombstones the server has acknowledged.
// Returns the number pruned.
func (s *Store) PruneSyncedTombstones() (int, error) {
	pruned := 0

	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(deletionsBucket)

		var drop [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var ts models.Tombstone
			if err := json.Unmarshal(v, &ts); err != nil {
				return fmt.Errorf("decoding tombstone %s: %w", k, err)
			}

			if ts.SyncStatus == models.StatusSynced {
				key := make([]byte, len(k))
				copy(key, k)
				drop = append(drop, key)
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range drop {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		pruned = len(drop)

		return nil
	})

	return pruned, err
}

// Subscribe registers a change-feed subscriber. The returned channel
// receives a signal after every committed mutation; signals coalesce, so
// delivery is at-least-once per batch of changes, never one-per-change.
// The cancel func unregisters the subscriber and must be called exactly
// once.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	return s.feed.subscribe()
}
