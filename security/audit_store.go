package security

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"
)

var auditBucket = []byte("audit")

// AuditEntry is one persisted audit record.
type AuditEntry struct {
	ID        string `json:"id"`
	Event     Event  `json:"event"`
	Details   string `json:"details"`
	Outcome   string `json:"outcome"`
	CreatedAt string `json:"created_at"`
}

// AuditStore persists audit entries in a BBolt database so the trail
// survives agent restarts. Keys are timestamp-prefixed, so a cursor
// walk yields entries in chronological order.
type AuditStore struct {
	db *bbolt.DB
}

// OpenAuditStore opens (creating if necessary) the audit database at path.
func OpenAuditStore(path string) (*AuditStore, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("opening audit db: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(auditBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating audit bucket: %w", err)
	}
	return &AuditStore{db: db}, nil
}

// Close closes the underlying database.
func (s *AuditStore) Close() error {
	return s.db.Close()
}

// Append persists one audit entry.
func (s *AuditStore) Append(event Event, details, outcome string) error {
	now := time.Now().UTC()
	entry := AuditEntry{
		ID:        uuid.NewString(),
		Event:     event,
		Details:   details,
		Outcome:   outcome,
		CreatedAt: now.Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	key := fmt.Sprintf("%020d:%s", now.UnixNano(), entry.ID)
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(auditBucket).Put([]byte(key), data)
	})
}

// Recent returns up to n entries, newest first.
func (s *AuditStore) Recent(n int) ([]AuditEntry, error) {
	var entries []AuditEntry
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(auditBucket).Cursor()
		for k, v := c.Last(); k != nil && len(entries) < n; k, v = c.Prev() {
			var entry AuditEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	return entries, err
}
