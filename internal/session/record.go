package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/octavio/internal/objstore"
)

// ErrNotFound is returned by Read when the session has no control record.
var ErrNotFound = errors.New("session not found")

// NoFragments is the watermark of a session with nothing merged.
const NoFragments = -1

// Record is the control record.
type Record struct {
	// MaxFragmentApplied is the highest fragment sequence number folded
	// into the canonical snapshot, or NoFragments.
	MaxFragmentApplied int `json:"max_fragment_applied"`
	// CanonicalKey names the current snapshot. Empty until the first merge.
	CanonicalKey string    `json:"canonical_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastUpdated  time.Time `json:"last_updated"`
}

// Manager creates, reads and swaps control records.
type Manager struct {
	store  objstore.Store
	layout Layout
	now    func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the time source for CreatedAt and LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// NewManager creates a Manager over store.
func NewManager(store objstore.Store, layout Layout, opts ...Option) *Manager {
	m := &Manager{store: store, layout: layout, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Layout returns the key layout the manager writes under.
func (m *Manager) Layout() Layout { return m.layout }

// CreateIfAbsent writes the initial control record with create-only
// semantics. It returns false, with no error, when the session already
// exists; concurrent creators race safely and exactly one returns true.
func (m *Manager) CreateIfAbsent(ctx context.Context, id ID) (bool, error) {
	now := m.now().UTC()
	body, err := json.Marshal(Record{
		MaxFragmentApplied: NoFragments,
		CreatedAt:          now,
		LastUpdated:        now,
	})
	if err != nil {
		return false, fmt.Errorf("marshal control record: %w", err)
	}

	_, err = m.store.Put(ctx, m.layout.ControlKey(id), body, nil, objstore.MustNotExist())
	switch {
	case err == nil:
		return true, nil
	case objstore.IsPreconditionFailed(err):
		return false, nil
	default:
		return false, fmt.Errorf("create session %s: %w", id, err)
	}
}

// Read returns the control record and the token required to swap it, or
// ErrNotFound.
func (m *Manager) Read(ctx context.Context, id ID) (Record, objstore.Token, error) {
	obj, err := m.store.Get(ctx, m.layout.ControlKey(id))
	if err != nil {
		if objstore.IsNotFound(err) {
			return Record{}, "", fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return Record{}, "", fmt.Errorf("read session %s: %w", id, err)
	}

	var rec Record
	if err := json.Unmarshal(obj.Body, &rec); err != nil {
		return Record{}, "", fmt.Errorf("decode control record %s: %w", id, err)
	}
	return rec, obj.Token, nil
}

// CompareAndSwap replaces the control record if it is unchanged since
// token was read. LastUpdated is stamped with the current time. A lost race
// returns false with no error; the caller re-reads or gives up.
func (m *Manager) CompareAndSwap(ctx context.Context, id ID, rec Record, token objstore.Token) (bool, error) {
	if rec.MaxFragmentApplied < NoFragments {
		return false, fmt.Errorf("control record %s: max_fragment_applied %d below %d", id, rec.MaxFragmentApplied, NoFragments)
	}
	rec.LastUpdated = m.now().UTC()
	body, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal control record: %w", err)
	}

	_, err = m.store.Put(ctx, m.layout.ControlKey(id), body, nil, objstore.MustMatch(token))
	switch {
	case err == nil:
		return true, nil
	case objstore.IsPreconditionFailed(err):
		return false, nil
	default:
		return false, fmt.Errorf("swap session %s: %w", id, err)
	}
}
