// Package ingest implements the request-level operations of the service:
// accepting fragments and heartbeats from devices and serving canonical
// sequences to readers.
//
// A fragment is acknowledged once it is durably stored. Merging, audit
// logging and session indexing happen after that point and never fail the
// producer's request.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/octavio/internal/auditlog"
	"github.com/roach88/octavio/internal/merge"
	"github.com/roach88/octavio/internal/metrics"
	"github.com/roach88/octavio/internal/midi"
	"github.com/roach88/octavio/internal/objstore"
	"github.com/roach88/octavio/internal/session"
)

// Object metadata keys on fragments. Lower case survives S3's header
// canonicalisation.
const (
	MetaDigest       = "digest"
	MetaProducerTime = "producer-time"
)

// Ingest results.
const (
	ResultCreated   = "created"
	ResultDuplicate = "duplicate"
	ResultConflict  = "conflict"
)

// Fragment is one device upload. Field names follow the device's wire
// format.
type Fragment struct {
	InstrumentID string `json:"instrument_id"`
	SessionID    string `json:"session_id"`
	// Seq is the fragment's sequence number within the session.
	Seq *int `json:"chunk"`
	// ProducerTime is the device clock at upload, kept verbatim.
	ProducerTime string       `json:"time,omitempty"`
	TicksPerBeat int          `json:"ticks_per_beat"`
	Messages     midi.Track   `json:"messages,omitempty"`
	Tracks       []midi.Track `json:"tracks,omitempty"`
}

// Sequence returns the fragment's events as a sequence.
func (f Fragment) Sequence() midi.Sequence {
	seq := midi.Sequence{TicksPerBeat: f.TicksPerBeat}
	if f.Messages != nil {
		seq.Tracks = append(seq.Tracks, f.Messages)
	}
	seq.Tracks = append(seq.Tracks, f.Tracks...)
	return seq
}

// Heartbeat is a device liveness ping.
type Heartbeat struct {
	InstrumentID string `json:"instrument_id"`
	ProducerTime string `json:"time,omitempty"`
}

// Receipt acknowledges a stored fragment.
type Receipt struct {
	InstrumentID string `json:"instrument_id"`
	SessionID    string `json:"session_id"`
	Seq          int    `json:"chunk"`
	Result       string `json:"result"`
	Digest       string `json:"digest"`
	// SessionCreated is true when this fragment opened the session.
	SessionCreated bool `json:"session_created"`
}

// Registry is the session index and liveness store.
type Registry interface {
	TouchSession(ctx context.Context, id session.ID, at time.Time) error
	Heartbeat(ctx context.Context, instrumentID, producerTime string, at time.Time) error
}

// Deps are the collaborators of a Service. Log, Registry and Metrics may
// be nil.
type Deps struct {
	Store    objstore.Store
	Sessions *session.Manager
	Merger   *merge.Engine
	Log      *auditlog.Writer
	Registry Registry
	Metrics  *metrics.Metrics
}

// Service runs ingest, heartbeat and read operations.
type Service struct {
	Deps
	layout       session.Layout
	now          func() time.Time
	eager        bool
	attempts     int
	mergeTimeout time.Duration

	wg sync.WaitGroup
}

// Option configures a Service.
type Option func(*Service)

// WithEagerMerge starts a background merge after each new fragment, each
// bounded by timeout.
func WithEagerMerge(timeout time.Duration) Option {
	return func(s *Service) {
		s.eager = true
		if timeout > 0 {
			s.mergeTimeout = timeout
		}
	}
}

// WithMergeAttempts bounds the merge passes run per request when passes
// abort.
func WithMergeAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithClock sets the time source for receive timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// New creates a Service.
func New(deps Deps, opts ...Option) *Service {
	s := &Service{
		Deps:         deps,
		layout:       deps.Sessions.Layout(),
		now:          time.Now,
		attempts:     3,
		mergeTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// IngestFragment validates and stores a fragment. Re-delivery of a stored
// fragment is acknowledged as a duplicate without touching the stored
// copy; a re-delivery whose content differs is logged as a conflict and
// likewise left alone.
func (s *Service) IngestFragment(ctx context.Context, frag Fragment) (Receipt, error) {
	id, seqNum, seq, err := validateFragment(frag)
	if err != nil {
		s.Metrics.Ingested("invalid")
		return Receipt{}, err
	}

	created, err := s.Sessions.CreateIfAbsent(ctx, id)
	if err != nil {
		return Receipt{}, err
	}
	if created {
		slog.Info("session created", "instrument_id", id.InstrumentID, "session_id", id.SessionID)
	}

	digest, err := seq.Digest()
	if err != nil {
		return Receipt{}, err
	}
	body, err := json.Marshal(seq)
	if err != nil {
		return Receipt{}, fmt.Errorf("marshal fragment: %w", err)
	}
	metadata := map[string]string{MetaDigest: digest}
	if frag.ProducerTime != "" {
		metadata[MetaProducerTime] = frag.ProducerTime
	}

	key := s.layout.FragmentKey(id, seqNum)
	result := ResultCreated
	if _, err := s.Store.Put(ctx, key, body, metadata, objstore.MustNotExist()); err != nil {
		if !objstore.IsPreconditionFailed(err) {
			return Receipt{}, fmt.Errorf("store fragment %s seq %d: %w", id, seqNum, err)
		}
		result = s.classifyDuplicate(ctx, id, seqNum, key, digest)
	}
	s.Metrics.Ingested(result)

	slog.Info("fragment received",
		"instrument_id", id.InstrumentID,
		"session_id", id.SessionID,
		"seq", seqNum,
		"events", seq.Len(),
		"result", result,
	)

	now := s.now()
	s.audit(ctx, now, auditlog.Entry{
		Kind:         auditlog.KindIngest,
		InstrumentID: id.InstrumentID,
		SessionID:    id.SessionID,
		Seq:          &seqNum,
		ProducerTime: frag.ProducerTime,
		ReceivedAt:   now.UTC(),
		Events:       seq.Len(),
		Digest:       digest,
		Result:       result,
	})
	if s.Registry != nil {
		if err := s.Registry.TouchSession(ctx, id, now); err != nil {
			slog.Warn("failed to index session", "instrument_id", id.InstrumentID, "session_id", id.SessionID, "error", err)
		}
	}

	if s.eager && result == ResultCreated {
		s.mergeAsync(id)
	}

	return Receipt{
		InstrumentID:   id.InstrumentID,
		SessionID:      id.SessionID,
		Seq:            seqNum,
		Result:         result,
		Digest:         digest,
		SessionCreated: created,
	}, nil
}

// classifyDuplicate compares a rejected create with the stored fragment.
// A fragment already reclaimed by a merge reads as a plain duplicate.
func (s *Service) classifyDuplicate(ctx context.Context, id session.ID, seq int, key, digest string) string {
	existing, err := s.Store.Get(ctx, key)
	if err != nil {
		if !objstore.IsNotFound(err) {
			slog.Warn("failed to read existing fragment", "key", key, "error", err)
		}
		return ResultDuplicate
	}
	if stored := existing.Metadata[MetaDigest]; stored != "" && stored != digest {
		slog.Warn("conflicting re-delivery ignored",
			"instrument_id", id.InstrumentID,
			"session_id", id.SessionID,
			"seq", seq,
			"stored_digest", stored,
			"digest", digest,
		)
		return ResultConflict
	}
	return ResultDuplicate
}

func validateFragment(frag Fragment) (session.ID, int, midi.Sequence, error) {
	id, err := session.ID{InstrumentID: frag.InstrumentID, SessionID: frag.SessionID}.Normalize()
	if err != nil {
		field := "session_id"
		if _, ierr := session.NormalizeInstrument(frag.InstrumentID); ierr != nil {
			field = "instrument_id"
		}
		return session.ID{}, 0, midi.Sequence{}, &ValidationError{Field: field, Message: err.Error()}
	}
	if frag.Seq == nil {
		return session.ID{}, 0, midi.Sequence{}, &ValidationError{Field: "chunk", Message: "missing"}
	}
	if *frag.Seq < 0 {
		return session.ID{}, 0, midi.Sequence{}, &ValidationError{Field: "chunk", Message: fmt.Sprintf("must be non-negative, got %d", *frag.Seq)}
	}
	seq := frag.Sequence()
	if err := seq.Validate(); err != nil {
		field := "messages"
		if seq.TicksPerBeat <= 0 {
			field = "ticks_per_beat"
		}
		return session.ID{}, 0, midi.Sequence{}, &ValidationError{Field: field, Message: err.Error()}
	}
	return id, *frag.Seq, seq, nil
}

// Heartbeat records device liveness.
func (s *Service) Heartbeat(ctx context.Context, hb Heartbeat) error {
	iid, err := session.NormalizeInstrument(hb.InstrumentID)
	if err != nil {
		return &ValidationError{Field: "instrument_id", Message: err.Error()}
	}
	now := s.now()
	slog.Info("heartbeat received", "instrument_id", iid)

	s.audit(ctx, now, auditlog.Entry{
		Kind:         auditlog.KindHeartbeat,
		InstrumentID: iid,
		ProducerTime: hb.ProducerTime,
		ReceivedAt:   now.UTC(),
	})
	if s.Registry == nil {
		return nil
	}
	if err := s.Registry.Heartbeat(ctx, iid, hb.ProducerTime, now); err != nil {
		return fmt.Errorf("record heartbeat %s: %w", iid, err)
	}
	return nil
}

func (s *Service) audit(ctx context.Context, now time.Time, entry auditlog.Entry) {
	if s.Log == nil {
		return
	}
	if err := s.Log.Append(ctx, now, entry); err != nil {
		slog.Warn("audit log append failed", "kind", entry.Kind, "instrument_id", entry.InstrumentID, "error", err)
	}
}

// Merge runs merge passes for id until one does not abort, up to the
// configured attempt count. A lost race is retried at once. Exhausting the
// attempts returns the last Aborted result without error.
func (s *Service) Merge(ctx context.Context, id session.ID) (merge.Result, error) {
	var (
		res merge.Result
		err error
	)
	for attempt := 1; attempt <= s.attempts; attempt++ {
		res, err = s.Merger.Merge(ctx, id)
		if res.Outcome != merge.Aborted {
			return res, err
		}
		if err != nil && !errors.Is(err, merge.ErrFragmentMissing) {
			return res, err
		}
		slog.Debug("merge aborted, retrying",
			"instrument_id", id.InstrumentID, "session_id", id.SessionID, "attempt", attempt, "error", err)
	}
	return res, nil
}

func (s *Service) mergeAsync(id session.ID) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.mergeTimeout)
		defer cancel()
		res, err := s.Merge(ctx, id)
		if err != nil {
			slog.Warn("eager merge failed", "instrument_id", id.InstrumentID, "session_id", id.SessionID, "error", err)
			return
		}
		slog.Debug("eager merge finished",
			"instrument_id", id.InstrumentID, "session_id", id.SessionID, "outcome", res.Outcome.String(), "watermark", res.To)
	}()
}

// Canonical returns the session's canonical sequence, terminated by an
// end_of_track, after bringing it up to date: the session is created if
// absent and merged. A session with nothing merged yields an empty
// sequence at the default resolution.
func (s *Service) Canonical(ctx context.Context, id session.ID) (midi.Sequence, session.Record, error) {
	id, err := id.Normalize()
	if err != nil {
		return midi.Sequence{}, session.Record{}, &ValidationError{Field: "session", Message: err.Error()}
	}
	if _, err := s.Sessions.CreateIfAbsent(ctx, id); err != nil {
		return midi.Sequence{}, session.Record{}, err
	}

	res, err := s.Merge(ctx, id)
	if err != nil {
		return midi.Sequence{}, session.Record{}, fmt.Errorf("merge %s: %w", id, err)
	}
	if res.Outcome == merge.Aborted {
		slog.Warn("serving canonical sequence without a completed merge",
			"instrument_id", id.InstrumentID, "session_id", id.SessionID, "attempts", s.attempts)
	}

	// A concurrent merge may reclaim the snapshot between our read of the
	// control record and the snapshot itself; one re-read then sees the
	// newer snapshot.
	for attempt := 0; ; attempt++ {
		rec, _, err := s.Sessions.Read(ctx, id)
		if err != nil {
			return midi.Sequence{}, session.Record{}, err
		}
		seq, err := s.Merger.Snapshot(ctx, rec)
		if err == nil {
			return terminate(seq), rec, nil
		}
		if !objstore.IsNotFound(err) || attempt > 0 {
			return midi.Sequence{}, session.Record{}, err
		}
	}
}

func terminate(seq midi.Sequence) midi.Sequence {
	if seq.TicksPerBeat <= 0 {
		seq.TicksPerBeat = midi.DefaultTicksPerBeat
	}
	if len(seq.Tracks) == 0 {
		seq.Tracks = []midi.Track{{midi.EndOfTrack(0)}}
		return seq
	}
	last := seq.Tracks[len(seq.Tracks)-1]
	if len(last) == 0 || !last[len(last)-1].IsEndOfTrack() {
		seq.Tracks[len(seq.Tracks)-1] = append(last, midi.EndOfTrack(0))
	}
	return seq
}

// Close waits for background merges to finish.
func (s *Service) Close() {
	s.wg.Wait()
}
