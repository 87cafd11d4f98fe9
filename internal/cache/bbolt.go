package cache

import (
	"fmt"
	"time"

	"go.etcd.io/bbolt"

	"molva/internal/models"
)

var (
	bucketInbox    = []byte("inbox")
	bucketMessages = []byte("messages")
)

// maxCachedMessages bounds the per-conversation snapshot; older entries
// are re-fetched through pagination when needed.
const maxCachedMessages = 100

// Store is the offline snapshot cache: the last known inbox list and
// recent per-conversation timelines, shown before the network answers.
// It is never the source of truth and all its failures are recoverable.
type Store struct {
	db *bbolt.DB
}

func NewStore(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open cache db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketInbox); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketMessages); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SaveInbox replaces the cached inbox snapshot, preserving the listed
// order.
func (s *Store) SaveInbox(items []models.InboxItem) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketInbox); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketInbox)
		if err != nil {
			return err
		}

		for i, it := range items {
			entry := toDBInboxEntry(i, it)
			data, err := entry.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal inbox entry: %w", err)
			}
			if err := b.Put(entry.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadInbox returns the cached inbox snapshot in its saved order.
func (s *Store) LoadInbox() ([]models.InboxItem, error) {
	var items []models.InboxItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketInbox)
		return b.ForEach(func(k, v []byte) error {
			var entry DBInboxEntry
			if err := entry.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("corrupt inbox entry: %w", err)
			}
			items = append(items, entry.toModel())
			return nil
		})
	})
	return items, err
}

// SaveMessages replaces the cached timeline of one conversation with the
// most recent entries. Temporary ids are skipped: an unconfirmed message
// must not resurrect from cache.
func (s *Store) SaveMessages(conversationID string, msgs []models.Message) error {
	if conversationID == "" {
		return fmt.Errorf("missing conversation id")
	}

	if len(msgs) > maxCachedMessages {
		msgs = msgs[len(msgs)-maxCachedMessages:]
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		parent := tx.Bucket(bucketMessages)
		key := []byte(conversationID)
		if parent.Bucket(key) != nil {
			if err := parent.DeleteBucket(key); err != nil {
				return err
			}
		}
		b, err := parent.CreateBucket(key)
		if err != nil {
			return fmt.Errorf("failed to create conversation bucket: %w", err)
		}

		for _, m := range msgs {
			if models.IsTempID(m.ID) {
				continue
			}
			dbMsg := toDBMessage(m)
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := b.Put(dbMsg.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadMessages returns up to limit most recent cached messages for a
// conversation, ascending by creation time.
func (s *Store) LoadMessages(conversationID string, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketMessages).Bucket([]byte(conversationID))
		if b == nil {
			return nil // nothing cached for this conversation
		}

		c := b.Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(msgs) == limit {
				break
			}
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("corrupt message entry: %w", err)
			}
			msgs = append(msgs, dbMsg.toModel())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Collected newest-first; flip to ascending.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}
