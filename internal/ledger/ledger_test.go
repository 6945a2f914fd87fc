package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/sentrywatch/sentrywatch/internal/alarm"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ledger.db")
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestAppendAndRecentRoundTrip(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		entry := Entry{
			Timestamp:   base.Add(time.Duration(i) * time.Second),
			AlarmID:     "a",
			Kind:        "raised",
			Description: "cpu high",
		}
		if err := db.Append(entry); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	got, err := db.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent len = %d, want 3", len(got))
	}
	if !got[0].Timestamp.Before(got[1].Timestamp) || !got[1].Timestamp.Before(got[2].Timestamp) {
		// entryKey sorts lexicographically on a fixed-width timestamp, so
		// insertion order (ascending timestamps) must come back in the same order.
		t.Fatalf("entries out of chronological order: %+v", got)
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	db := newTestDB(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		db.Append(Entry{Timestamp: base.Add(time.Duration(i) * time.Second), AlarmID: "a", Kind: "raised"})
	}

	got, err := db.Recent(2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recent(2) len = %d, want 2", len(got))
	}
	// the two most recently appended entries, in chronological order.
	wantFirst := base.Add(3 * time.Second)
	if !got[0].Timestamp.Equal(wantFirst) {
		t.Fatalf("Recent(2)[0].Timestamp = %v, want %v", got[0].Timestamp, wantFirst)
	}
}

func TestAsNotifierWriterAdaptsLedgerEntry(t *testing.T) {
	db := newTestDB(t)
	writer := db.AsNotifierWriter()

	err := writer.Append(alarm.LedgerEntry{
		Timestamp:   time.Now().UTC(),
		AlarmID:     "cpu-high",
		Kind:        "raised",
		Description: "avg(host==a) > 90 over 5m window",
	})
	if err != nil {
		t.Fatalf("Append via adapter: %v", err)
	}

	got, err := db.Recent(1)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].AlarmID != "cpu-high" {
		t.Fatalf("Recent after adapter append = %+v", got)
	}
}

func TestLedgerNotifierIsBestEffort(t *testing.T) {
	db := newTestDB(t)
	notifier := alarm.LedgerNotifier{Writer: db.AsNotifierWriter()}

	// Notify must not panic even though it has no logger configured.
	notifier.Notify(alarm.Event{Kind: alarm.EventRaised, AlarmID: "x", Description: "d"})

	got, err := db.Recent(10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 1 || got[0].Kind != "raised" {
		t.Fatalf("Recent after LedgerNotifier.Notify = %+v", got)
	}
}
