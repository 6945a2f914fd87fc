package alarm

import (
	"time"

	"go.uber.org/zap"
)

// EventKind distinguishes a raised notification from a cleared one.
type EventKind int

const (
	EventRaised EventKind = iota
	EventCleared
)

func (k EventKind) String() string {
	if k == EventRaised {
		return "raised"
	}
	return "cleared"
}

// Event is the payload delivered to a Notifier on a Clear<->Alarming
// edge transition. Description is only populated for EventRaised and
// is meant for human consumption (which threshold/window tripped).
type Event struct {
	Kind        EventKind
	AlarmID     string
	Description string
}

// Notifier is the abstract sink for alarm raised/cleared events. It is a
// single-method capability, not a base class: unrelated sinks compose via
// Multi rather than inheritance. Implementations must be safe to call
// from the tick() caller; anything slow should hand off to its own queue.
type Notifier interface {
	Notify(Event)
}

// Noop discards every event. It is the only notifier the engine needs
// when alarm output is not wired to anything yet.
type Noop struct{}

func (Noop) Notify(Event) {}

// Logging emits one structured log line per event through a zap.Logger.
type Logging struct {
	Log *zap.Logger
}

func (n Logging) Notify(e Event) {
	switch e.Kind {
	case EventRaised:
		n.Log.Warn("alarm raised",
			zap.String("alarm_id", e.AlarmID),
			zap.String("description", e.Description))
	default:
		n.Log.Info("alarm cleared", zap.String("alarm_id", e.AlarmID))
	}
}

// LedgerWriter is the subset of internal/ledger.DB a Notifier needs.
// Declared here (rather than importing the ledger package's concrete
// type) so alarm stays the lower dependency in the graph.
type LedgerWriter interface {
	Append(entry LedgerEntry) error
}

// LedgerEntry mirrors internal/ledger.Entry's shape without importing
// it, so LedgerNotifier can be handed any compatible audit sink.
type LedgerEntry struct {
	Timestamp   time.Time
	AlarmID     string
	Kind        string
	Description string
}

// LedgerNotifier durably records every Raised/Cleared event through a
// LedgerWriter. Best-effort: a write failure is logged, never
// propagated, since losing an audit entry must not affect the alarm's
// in-memory state machine.
type LedgerNotifier struct {
	Writer LedgerWriter
	Log    *zap.Logger
}

func (n LedgerNotifier) Notify(e Event) {
	err := n.Writer.Append(LedgerEntry{
		Timestamp:   time.Now().UTC(),
		AlarmID:     e.AlarmID,
		Kind:        e.Kind.String(),
		Description: e.Description,
	})
	if err != nil && n.Log != nil {
		n.Log.Warn("ledger append failed", zap.String("alarm_id", e.AlarmID), zap.Error(err))
	}
}

// Multi fans a single Notify call out to every child notifier in order.
// Used to compose, e.g., Logging and a durable ledger sink without the
// alarm instance needing to know more than one notifier exists.
type Multi struct {
	Notifiers []Notifier
}

func (m Multi) Notify(e Event) {
	for _, n := range m.Notifiers {
		n.Notify(e)
	}
}
