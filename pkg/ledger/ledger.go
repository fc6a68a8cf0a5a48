// Package ledger records extension lifecycle events per target and folds
// them into current status.
package ledger

import (
	"context"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devkiln/kiln/pkg/engine"
	"github.com/devkiln/kiln/pkg/telemetry"
)

// Backend names accepted by Open.
const (
	BackendSQLite = "sqlite"
	BackendJSONL  = "jsonl"
)

type pairKey struct {
	target    string
	extension string
}

// Ledger is the append-only status record for one or more targets. Appends
// to one (target, extension) pair are serialized and validated against the
// lifecycle state machine; timestamps are strictly increasing.
type Ledger struct {
	store   Store
	now     func() time.Time
	logger  *telemetry.Logger
	metrics *telemetry.Metrics
	events  *telemetry.EventPublisher

	mu    sync.Mutex
	locks map[pairKey]*sync.Mutex
	last  time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *telemetry.Logger) Option {
	return func(l *Ledger) { l.logger = logger.NewComponentLogger("ledger") }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(l *Ledger) { l.metrics = m }
}

// WithEvents publishes every appended event.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(l *Ledger) { l.events = ep }
}

// New creates a ledger over store.
func New(ctx context.Context, store Store, opts ...Option) (*Ledger, error) {
	l := &Ledger{
		store:  store,
		now:    time.Now,
		logger: telemetry.Nop(),
		locks:  make(map[pairKey]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.metrics == nil {
		l.metrics, _ = telemetry.NewMetrics(telemetry.MetricsConfig{})
	}

	last, err := store.LastTimestamp(ctx)
	if err != nil {
		return nil, err
	}
	l.last = last
	return l, nil
}

// Open creates a ledger for target under dir with the named backend.
func Open(ctx context.Context, backend, dir, target string, opts ...Option) (*Ledger, error) {
	var (
		store Store
		err   error
	)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, storageError("open", err)
	}
	switch backend {
	case BackendSQLite, "":
		store, err = OpenSQLite(ctx, filepath.Join(dir, target+".db"))
	case BackendJSONL:
		store, err = OpenJSONL(filepath.Join(dir, target+".jsonl"))
	default:
		return nil, engine.NewConfigError(fmt.Sprintf("unknown ledger backend %q", backend), nil).
			WithCode(engine.ErrCodeValidation)
	}
	if err != nil {
		return nil, err
	}

	l, err := New(ctx, store, opts...)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return l, nil
}

// Close closes the underlying store.
func (l *Ledger) Close() error {
	return l.store.Close()
}

func (l *Ledger) pairLock(key pairKey) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// stamp returns a timestamp strictly after every previous one.
func (l *Ledger) stamp() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := l.now().UTC().Round(0)
	if !ts.After(l.last) {
		ts = l.last.Add(time.Nanosecond)
	}
	l.last = ts
	return ts
}

// Append validates and records ev. ID, Timestamp and Previous are assigned;
// the stored event is returned. The transition is checked by the store
// against the pair's latest phase, including appends by other processes.
func (l *Ledger) Append(ctx context.Context, ev engine.Event) (engine.Event, error) {
	if ev.Target == "" || ev.Extension == "" {
		return ev, engine.NewPermanentError("event requires target and extension", nil).
			WithCode(engine.ErrCodeValidation)
	}

	key := pairKey{ev.Target, ev.Extension}
	lock := l.pairLock(key)
	lock.Lock()
	defer lock.Unlock()

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Timestamp = l.stamp()

	err := l.store.Append(ctx, &ev, func(prev engine.Phase) error {
		return engine.ValidateTransition(ev.Extension, prev, ev.Phase)
	})
	if err != nil {
		if engine.IsStorage(err) {
			l.logger.WithError(err).WithExtension(ev.Extension, "").Error("failed to append ledger event")
		}
		return ev, err
	}
	l.observe(ev.Timestamp)

	l.metrics.RecordLedgerEvent(string(ev.Phase))
	_ = l.events.Publish(ev)
	l.logger.Zerolog().Debug().
		Str("target", ev.Target).
		Str("extension", ev.Extension).
		Str("from", string(ev.Previous)).
		Str("to", string(ev.Phase)).
		Msg("ledger event")
	return ev, nil
}

// observe moves the clock floor past a timestamp the store bumped.
func (l *Ledger) observe(ts time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ts.After(l.last) {
		l.last = ts
	}
}

// Query returns the events of target, optionally narrowed to one extension,
// in timestamp order. The store is read when iteration starts.
func (l *Ledger) Query(ctx context.Context, target, extension string) iter.Seq2[engine.Event, error] {
	return l.QueryFilter(ctx, Filter{Target: target, Extension: extension})
}

// QueryFilter is Query with a full filter.
func (l *Ledger) QueryFilter(ctx context.Context, filter Filter) iter.Seq2[engine.Event, error] {
	return func(yield func(engine.Event, error) bool) {
		events, err := l.store.Events(ctx, filter)
		if err != nil {
			yield(engine.Event{}, err)
			return
		}
		for _, ev := range events {
			if !yield(ev, nil) {
				return
			}
		}
	}
}

// LatestStatus folds the history of one pair. A pair with no events is
// NotRequested.
func (l *Ledger) LatestStatus(ctx context.Context, target, extension string) (engine.Status, error) {
	statuses, err := Fold(l.Query(ctx, target, extension))
	if err != nil {
		return engine.Status{}, err
	}
	if len(statuses) == 0 {
		return engine.Status{Target: target, Extension: extension, Phase: engine.PhaseNotRequested}, nil
	}
	return statuses[0], nil
}

// Statuses returns the status of every extension with events on target,
// sorted by name.
func (l *Ledger) Statuses(ctx context.Context, target string) ([]engine.Status, error) {
	return Fold(l.Query(ctx, target, ""))
}

// Fold reduces an event sequence into per-pair status, sorted by target then
// extension.
func Fold(events iter.Seq2[engine.Event, error]) ([]engine.Status, error) {
	byPair := make(map[pairKey]*engine.Status)
	for ev, err := range events {
		if err != nil {
			return nil, err
		}
		key := pairKey{ev.Target, ev.Extension}
		st, ok := byPair[key]
		if !ok {
			st = &engine.Status{Target: ev.Target, Extension: ev.Extension}
			byPair[key] = st
		}
		apply(st, ev)
	}

	out := make([]engine.Status, 0, len(byPair))
	for _, st := range byPair {
		out = append(out, *st)
	}
	slices.SortFunc(out, func(a, b engine.Status) int {
		if c := strings.Compare(a.Target, b.Target); c != 0 {
			return c
		}
		return strings.Compare(a.Extension, b.Extension)
	})
	return out, nil
}

func apply(st *engine.Status, ev engine.Event) {
	st.Phase = ev.Phase
	st.LastEvent = ev.Timestamp

	switch ev.Phase {
	case engine.PhaseRequested:
		st.Error, st.ErrorCode, st.FailedAt = "", "", ""
	case engine.PhaseInstalled:
		if ev.Version != "" {
			st.Version = ev.Version
		}
		if ev.Checksum != "" {
			st.Checksum = ev.Checksum
		}
		// Re-validation keeps the original install time.
		if ev.Reason == "" || st.InstalledAt.IsZero() {
			st.InstalledAt = ev.Timestamp
		}
	case engine.PhaseFailed:
		st.FailedAt = ev.Previous
		st.Error = ev.Error
		st.ErrorCode = ev.ErrorCode
	case engine.PhaseRemoved:
		st.Version, st.Checksum = "", ""
		st.InstalledAt = time.Time{}
	}
}
