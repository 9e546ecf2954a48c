// Package auditlog appends JSON lines to one object per calendar day.
//
// Each append is a read-modify-write guarded by the object's token: the
// first append of a day creates the object with create-only semantics,
// later appends swap it. A lost race fails the append with ErrContention.
// Callers treat a failed append as non-fatal.
package auditlog

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/octavio/internal/metrics"
	"github.com/roach88/octavio/internal/objstore"
	"github.com/roach88/octavio/internal/session"
)

// ErrContention is returned when another writer appended between this
// writer's read and write.
var ErrContention = errors.New("audit log contention")

// Entry kinds.
const (
	KindIngest    = "ingest"
	KindHeartbeat = "heartbeat"
)

// Entry is one audit record.
type Entry struct {
	Kind         string    `json:"kind"`
	InstrumentID string    `json:"instrument_id"`
	SessionID    string    `json:"session_id,omitempty"`
	Seq          *int      `json:"seq,omitempty"`
	ProducerTime string    `json:"producer_time,omitempty"`
	ReceivedAt   time.Time `json:"received_at"`
	Events       int       `json:"events,omitempty"`
	Digest       string    `json:"digest,omitempty"`
	// Result is the ingest outcome: created, duplicate or conflict.
	Result string `json:"result,omitempty"`
}

// Writer appends entries under a layout's log prefix.
type Writer struct {
	store   objstore.Store
	layout  session.Layout
	metrics *metrics.Metrics
}

// NewWriter creates a Writer. m may be nil.
func NewWriter(store objstore.Store, layout session.Layout, m *metrics.Metrics) *Writer {
	return &Writer{store: store, layout: layout, metrics: m}
}

// Append adds entry to the log for date. It does not retry.
func (w *Writer) Append(ctx context.Context, date time.Time, entry Entry) error {
	err := w.append(ctx, date, entry)
	switch {
	case err == nil:
		w.metrics.LogAppend("ok")
	case errors.Is(err, ErrContention):
		w.metrics.LogAppend("contention")
	default:
		w.metrics.LogAppend("error")
	}
	return err
}

func (w *Writer) append(ctx context.Context, date time.Time, entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	key := w.layout.LogKey(date)

	var (
		body []byte
		pre  = objstore.MustNotExist()
	)
	obj, err := w.store.Get(ctx, key)
	switch {
	case err == nil:
		body = obj.Body
		pre = objstore.MustMatch(obj.Token)
	case objstore.IsNotFound(err):
	default:
		return fmt.Errorf("read audit log %s: %w", key, err)
	}

	next := make([]byte, 0, len(body)+len(line)+1)
	next = append(next, body...)
	next = append(next, line...)
	next = append(next, '\n')

	if _, err := w.store.Put(ctx, key, next, nil, pre); err != nil {
		if objstore.IsPreconditionFailed(err) {
			return fmt.Errorf("%w: %s", ErrContention, key)
		}
		return fmt.Errorf("write audit log %s: %w", key, err)
	}
	return nil
}

// Read returns the entries logged for date, oldest first. A day with no
// log yields no entries.
func (w *Writer) Read(ctx context.Context, date time.Time) ([]Entry, error) {
	key := w.layout.LogKey(date)
	obj, err := w.store.Get(ctx, key)
	if err != nil {
		if objstore.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read audit log %s: %w", key, err)
	}

	var entries []Entry
	for i, line := range bytes.Split(obj.Body, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("audit log %s line %d: %w", key, i+1, err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}
