// Package queue implements a persistent job queue on Badger with
// visibility timeouts, URL-level dedup and a dead-letter set for
// messages that keep failing.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/venari/internal/common"
	"github.com/ternarybob/venari/internal/models"
)

// ErrDuplicateMessage is returned when a dedup ID is already outstanding
var ErrDuplicateMessage = errors.New("message with this dedup id is already queued")

// storedMessage is the internal envelope persisted in Badger
type storedMessage struct {
	ID           string              `json:"id"`
	Body         models.QueueMessage `json:"body"`
	EnqueuedAt   time.Time           `json:"enqueued_at"`
	VisibleAt    time.Time           `json:"visible_at"`
	ReceiveCount int                 `json:"receive_count"`
	DedupID      string              `json:"dedup_id,omitempty"`
}

// Stats reports the state of one queue
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
}

// Manager is a persistent queue over a shared Badger database.
// Each queue name gets its own key space.
type Manager struct {
	db     *badger.DB
	name   string
	config *common.QueueConfig
	logger arbor.ILogger
}

// NewManager creates a queue manager for one named queue
func NewManager(db *badger.DB, name string, config *common.QueueConfig, logger arbor.ILogger) (*Manager, error) {
	if db == nil {
		return nil, errors.New("badger db is required")
	}
	if name == "" {
		return nil, errors.New("queue name is required")
	}
	if config.VisibilityTimeout <= 0 {
		return nil, errors.New("visibility timeout must be positive")
	}
	if config.MaxReceive <= 0 {
		return nil, errors.New("max receive must be positive")
	}

	return &Manager{
		db:     db,
		name:   name,
		config: config,
		logger: logger,
	}, nil
}

// Enqueue adds a message, immediately visible. When dedupID is set and
// another message with the same dedup ID is still outstanding, the new
// message is rejected with ErrDuplicateMessage.
func (m *Manager) Enqueue(ctx context.Context, msg models.QueueMessage, dedupID string) error {
	return m.enqueue(ctx, msg, dedupID, 0)
}

// EnqueueDelayed adds a message that becomes visible after the delay.
// Used for retry backoff.
func (m *Manager) EnqueueDelayed(ctx context.Context, msg models.QueueMessage, dedupID string, delay time.Duration) error {
	return m.enqueue(ctx, msg, dedupID, delay)
}

func (m *Manager) enqueue(ctx context.Context, msg models.QueueMessage, dedupID string, delay time.Duration) error {
	id := uuid.New().String()
	now := time.Now()

	stored := storedMessage{
		ID:         id,
		Body:       msg,
		EnqueuedAt: now,
		VisibleAt:  now.Add(delay),
		DedupID:    dedupID,
	}

	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	return m.db.Update(func(txn *badger.Txn) error {
		if dedupID != "" {
			dedupKey := m.dedupKey(dedupID)
			if _, err := txn.Get(dedupKey); err == nil {
				return ErrDuplicateMessage
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			if err := txn.Set(dedupKey, []byte(id)); err != nil {
				return err
			}
		}

		if err := txn.Set(m.msgKey(id), data); err != nil {
			return err
		}
		return txn.Set(m.indexKey(stored.VisibleAt, id), []byte{})
	})
}

// Receive pulls the next visible message. The returned delete function
// acknowledges the message; an unacknowledged message becomes visible
// again after the visibility timeout. Messages received more than
// MaxReceive times are moved to the dead-letter set instead of being
// delivered again. Returns models.ErrNoMessage when the queue is empty.
func (m *Manager) Receive(ctx context.Context) (*models.QueueMessage, func() error, error) {
	var claimed storedMessage

	err := m.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		prefix := m.indexPrefix()
		it := txn.NewIterator(opts)
		defer it.Close()

		now := time.Now()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			indexKey := it.Item().KeyCopy(nil)

			ts, id, err := m.parseIndexKey(indexKey)
			if err != nil {
				continue
			}
			// Index keys sort by timestamp, so the first future entry
			// ends the scan.
			if ts.After(now) {
				break
			}

			msgKey := m.msgKey(id)
			item, err := txn.Get(msgKey)
			if err != nil {
				if err == badger.ErrKeyNotFound {
					// Stale index entry, clean it up
					if err := txn.Delete(indexKey); err != nil {
						return err
					}
					continue
				}
				return err
			}

			var stored storedMessage
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				return err
			}

			if stored.ReceiveCount >= m.config.MaxReceive {
				if err := m.moveToFailed(txn, indexKey, &stored); err != nil {
					return err
				}
				continue
			}

			stored.ReceiveCount++
			stored.VisibleAt = now.Add(time.Duration(m.config.VisibilityTimeout) + m.retryBackoff(stored.ReceiveCount))

			data, err := json.Marshal(stored)
			if err != nil {
				return err
			}
			if err := txn.Set(msgKey, data); err != nil {
				return err
			}
			if err := txn.Delete(indexKey); err != nil {
				return err
			}
			if err := txn.Set(m.indexKey(stored.VisibleAt, id), []byte{}); err != nil {
				return err
			}

			claimed = stored
			return nil
		}

		return models.ErrNoMessage
	})
	if err != nil {
		return nil, nil, err
	}

	deleteFn := func() error {
		return m.delete(claimed.ID)
	}
	return &claimed.Body, deleteFn, nil
}

// moveToFailed drops a poison pill into the dead-letter key space and
// releases its dedup claim so the URL can be enqueued again later.
func (m *Manager) moveToFailed(txn *badger.Txn, indexKey []byte, stored *storedMessage) error {
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := txn.Set(m.failedKey(stored.ID), data); err != nil {
		return err
	}
	if err := txn.Delete(indexKey); err != nil {
		return err
	}
	if err := txn.Delete(m.msgKey(stored.ID)); err != nil {
		return err
	}
	if stored.DedupID != "" {
		if err := txn.Delete(m.dedupKey(stored.DedupID)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
	}

	m.logger.Warn().
		Str("queue", m.name).
		Str("message_id", stored.ID).
		Str("job_id", stored.Body.JobID).
		Int("receive_count", stored.ReceiveCount).
		Msg("Message exceeded max receives, moved to failed set")
	return nil
}

func (m *Manager) delete(id string) error {
	return m.db.Update(func(txn *badger.Txn) error {
		msgKey := m.msgKey(id)
		item, err := txn.Get(msgKey)
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return nil // Already deleted
			}
			return err
		}

		var stored storedMessage
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		if err := txn.Delete(m.indexKey(stored.VisibleAt, id)); err != nil && err != badger.ErrKeyNotFound {
			return err
		}
		if stored.DedupID != "" {
			if err := txn.Delete(m.dedupKey(stored.DedupID)); err != nil && err != badger.ErrKeyNotFound {
				return err
			}
		}
		return txn.Delete(msgKey)
	})
}

// GetStats scans the queue's key space and reports message counts
func (m *Manager) GetStats() (*Stats, error) {
	stats := &Stats{}
	now := time.Now()

	err := m.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		it := txn.NewIterator(opts)
		defer it.Close()

		msgPrefix := []byte(fmt.Sprintf("queue:%s:msg:", m.name))
		for it.Seek(msgPrefix); it.ValidForPrefix(msgPrefix); it.Next() {
			var stored storedMessage
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &stored)
			}); err != nil {
				continue
			}
			if stored.ReceiveCount > 0 && stored.VisibleAt.After(now) {
				stats.InFlight++
			} else {
				stats.Pending++
			}
		}

		failedPrefix := []byte(fmt.Sprintf("queue:%s:failed:", m.name))
		for it.Seek(failedPrefix); it.ValidForPrefix(failedPrefix); it.Next() {
			stats.Failed++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return stats, nil
}

// retryBackoff spaces out redeliveries of a failing message. The first
// delivery is not delayed; each retry doubles the extra wait up to the
// configured ceiling.
func (m *Manager) retryBackoff(receiveCount int) time.Duration {
	base := time.Duration(m.config.BackoffBase)
	ceiling := time.Duration(m.config.BackoffMax)
	if base <= 0 || receiveCount <= 1 {
		return 0
	}

	delay := base
	for i := 2; i < receiveCount; i++ {
		delay *= 2
		if ceiling > 0 && delay >= ceiling {
			return ceiling
		}
	}
	if ceiling > 0 && delay > ceiling {
		delay = ceiling
	}
	return delay
}

// Key helpers

func (m *Manager) msgKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:msg:%s", m.name, id))
}

func (m *Manager) failedKey(id string) []byte {
	return []byte(fmt.Sprintf("queue:%s:failed:%s", m.name, id))
}

func (m *Manager) dedupKey(dedupID string) []byte {
	return []byte(fmt.Sprintf("queue:%s:dedup:%s", m.name, dedupID))
}

func (m *Manager) indexPrefix() []byte {
	return []byte(fmt.Sprintf("queue:%s:index:", m.name))
}

func (m *Manager) indexKey(visibleAt time.Time, id string) []byte {
	// Zero pad so lexical ordering matches numeric ordering
	return []byte(fmt.Sprintf("queue:%s:index:%020d:%s", m.name, visibleAt.UnixNano(), id))
}

func (m *Manager) parseIndexKey(key []byte) (time.Time, string, error) {
	prefix := m.indexPrefix()
	if len(key) <= len(prefix) {
		return time.Time{}, "", fmt.Errorf("invalid index key length")
	}

	suffix := string(key[len(prefix):])
	if len(suffix) < 21 { // 20 digit timestamp plus colon
		return time.Time{}, "", fmt.Errorf("invalid index key suffix")
	}

	var ts int64
	if _, err := fmt.Sscanf(suffix[:20], "%d", &ts); err != nil {
		return time.Time{}, "", err
	}
	return time.Unix(0, ts), suffix[21:], nil
}
