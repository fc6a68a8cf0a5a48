package ledger

import (
	"context"
	"time"

	"github.com/devkiln/kiln/pkg/engine"
)

// Store persists lifecycle events. Implementations are append-only: events
// are never updated or deleted once written.
type Store interface {
	// Append reads the latest phase of ev's pair, passes it to check and,
	// when check accepts it, writes ev with ev.Previous and ev.Seq assigned.
	// The read and the write happen under one lock or transaction, so
	// appends from other processes sharing the store are seen. check may
	// be nil.
	Append(ctx context.Context, ev *engine.Event, check CheckFunc) error

	// Events returns the events accepted by filter ordered by timestamp.
	Events(ctx context.Context, filter Filter) ([]engine.Event, error)

	// LastTimestamp returns the newest timestamp in the store, or the zero
	// time when it is empty.
	LastTimestamp(ctx context.Context) (time.Time, error)

	Close() error
}

// CheckFunc vets an append against the latest phase of its pair, which is
// PhaseNotRequested for a pair without events.
type CheckFunc func(prev engine.Phase) error

// Filter narrows a store query. Zero values match everything.
type Filter struct {
	Target    string
	Extension string
	RunID     string

	// AfterSeq selects events with a larger sequence number.
	AfterSeq int64
}

func (f Filter) matches(ev *engine.Event) bool {
	if f.Target != "" && ev.Target != f.Target {
		return false
	}
	if f.Extension != "" && ev.Extension != f.Extension {
		return false
	}
	if f.RunID != "" && ev.RunID != f.RunID {
		return false
	}
	return ev.Seq > f.AfterSeq
}
