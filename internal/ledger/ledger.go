// Package ledger is a BoltDB-backed durable record of alarm notification
// events, kept separate from the WAL: the WAL durably records consumed
// metrics so bucket state can be rebuilt; the ledger durably records the
// derived raised/cleared events themselves, for operator inspection
// after the fact. Losing the ledger never loses evaluation correctness
// — only audit history.
//
// Schema (BoltDB bucket layout):
//
//	/events
//	    key:   fixed-width UTC RFC3339 timestamp with nanoseconds + "_" + alarm_id  [sortable]
//	    value: JSON-encoded Entry
package ledger

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/sentrywatch/sentrywatch/internal/alarm"
)

const bucketEvents = "events"

// Entry is a single durable record of an alarm notification.
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	AlarmID     string    `json:"alarm_id"`
	Kind        string    `json:"kind"` // "raised" or "cleared"
	Description string    `json:"description,omitempty"`
}

// DB wraps a BoltDB instance with typed accessors for alarm audit events.
type DB struct {
	db *bolt.DB
}

// Open opens (or creates) the BoltDB database at path, initializing the
// events bucket in a single write transaction.
func Open(path string) (*DB, error) {
	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("ledger: bolt.Open(%q): %w", path, err)
	}

	if err := bdb.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketEvents))
		return err
	}); err != nil {
		bdb.Close()
		return nil, fmt.Errorf("ledger: initialise bucket: %w", err)
	}

	return &DB{db: bdb}, nil
}

// Close closes the underlying BoltDB file.
func (d *DB) Close() error {
	return d.db.Close()
}

func entryKey(t time.Time, alarmID string) []byte {
	// A fixed nine-digit fraction keeps keys the same width, so byte order
	// equals chronological order (RFC3339Nano drops trailing zeros).
	return []byte(fmt.Sprintf("%s_%s", t.UTC().Format("2006-01-02T15:04:05.000000000Z07:00"), alarmID))
}

// Append writes a new audit entry. Uses a single ACID write transaction.
func (d *DB) Append(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("ledger: marshal entry: %w", err)
	}
	key := entryKey(entry.Timestamp, entry.AlarmID)

	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		return b.Put(key, data)
	})
}

// AsNotifierWriter adapts DB to alarm.LedgerWriter, converting the
// package-neutral alarm.LedgerEntry into this package's Entry shape.
func (d *DB) AsNotifierWriter() alarm.LedgerWriter {
	return ledgerWriterAdapter{d}
}

type ledgerWriterAdapter struct{ db *DB }

func (a ledgerWriterAdapter) Append(e alarm.LedgerEntry) error {
	return a.db.Append(Entry{
		Timestamp:   e.Timestamp,
		AlarmID:     e.AlarmID,
		Kind:        e.Kind,
		Description: e.Description,
	})
}

// Recent returns up to limit of the most recently appended entries, in
// chronological order. For operator inspection; not on the alarm
// evaluation hot path.
func (d *DB) Recent(limit int) ([]Entry, error) {
	var all []Entry
	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketEvents))
		return b.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			all = append(all, e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: read events: %w", err)
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}
