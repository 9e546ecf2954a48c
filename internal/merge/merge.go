package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/octavio/internal/metrics"
	"github.com/roach88/octavio/internal/midi"
	"github.com/roach88/octavio/internal/objstore"
	"github.com/roach88/octavio/internal/session"
	"github.com/roach88/octavio/internal/stitch"
)

// ErrFragmentMissing is returned with Aborted when a listed fragment could
// not be read back. The listing and the store disagree; a later pass will
// see a consistent view.
var ErrFragmentMissing = errors.New("listed fragment missing")

// Outcome is the result of one merge pass.
type Outcome int

const (
	// NoOp means no fragment follows the watermark.
	NoOp Outcome = iota
	// Merged means at least one fragment was committed.
	Merged
	// Aborted means the pass committed nothing: the session does not
	// exist, the control record changed underneath it, or the store was
	// inconsistent. Re-running from a fresh read is always safe.
	Aborted
)

func (o Outcome) String() string {
	switch o {
	case NoOp:
		return "noop"
	case Merged:
		return "merged"
	case Aborted:
		return "aborted"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result describes a merge pass.
type Result struct {
	Outcome Outcome
	// From and To are the first and last sequence numbers applied. To is
	// the new watermark. Both are meaningful only for Merged.
	From int
	To   int
	// Applied is the number of fragments folded in.
	Applied int
	// CanonicalKey is the snapshot the control record points at after the
	// pass. Empty for Aborted.
	CanonicalKey string
	// Report aggregates what the stitcher removed at each splice.
	Report stitch.Report
}

// IDGenerator produces snapshot key suffixes.
type IDGenerator interface {
	Generate() string
}

type uuidGenerator struct{}

func (uuidGenerator) Generate() string { return uuid.NewString() }

// DefaultReclaimParallelism bounds concurrent deletes after a commit.
const DefaultReclaimParallelism = 4

// Engine runs merge passes against one store.
type Engine struct {
	store              objstore.Store
	sessions           *session.Manager
	layout             session.Layout
	window             time.Duration
	ids                IDGenerator
	reclaimParallelism int
	metrics            *metrics.Metrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithWindow sets the stitcher's boundary window.
func WithWindow(window time.Duration) Option {
	return func(e *Engine) {
		if window >= 0 {
			e.window = window
		}
	}
}

// WithIDGenerator sets the snapshot suffix generator.
func WithIDGenerator(ids IDGenerator) Option {
	return func(e *Engine) {
		e.ids = ids
	}
}

// WithReclaimParallelism bounds concurrent deletes during reclamation.
func WithReclaimParallelism(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.reclaimParallelism = n
		}
	}
}

// WithMetrics records outcomes and applied counts on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// New creates an Engine. sessions must share store.
func New(store objstore.Store, sessions *session.Manager, opts ...Option) *Engine {
	e := &Engine{
		store:              store,
		sessions:           sessions,
		layout:             sessions.Layout(),
		window:             stitch.DefaultWindow,
		ids:                uuidGenerator{},
		reclaimParallelism: DefaultReclaimParallelism,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Merge runs one pass for id. NoOp and Merged are successes. Aborted
// comes with a nil error for a lost race, ErrFragmentMissing for an
// inconsistent listing, or session.ErrNotFound when the session does not
// exist. Any other error is a store failure and is returned with Aborted.
func (e *Engine) Merge(ctx context.Context, id session.ID) (Result, error) {
	res, err := e.merge(ctx, id)
	if err != nil && res.Outcome != Aborted {
		res = Result{Outcome: Aborted}
	}
	label := res.Outcome.String()
	if err != nil && !errors.Is(err, ErrFragmentMissing) && !errors.Is(err, session.ErrNotFound) {
		label = "error"
	}
	e.metrics.MergeOutcome(label)
	if res.Outcome == Merged {
		e.metrics.Applied(res.Applied)
	}
	return res, err
}

func (e *Engine) merge(ctx context.Context, id session.ID) (Result, error) {
	id, err := id.Normalize()
	if err != nil {
		return Result{Outcome: Aborted}, err
	}

	rec, token, err := e.sessions.Read(ctx, id)
	if err != nil {
		return Result{Outcome: Aborted}, err
	}

	seqs, err := e.fragmentSeqs(ctx, id)
	if err != nil {
		return Result{Outcome: Aborted}, err
	}

	pending := pendingRun(seqs, rec.MaxFragmentApplied)
	if len(pending) == 0 {
		return Result{Outcome: NoOp, CanonicalKey: rec.CanonicalKey, To: rec.MaxFragmentApplied}, nil
	}

	base, err := e.loadSnapshot(ctx, rec.CanonicalKey)
	if err != nil {
		if objstore.IsNotFound(err) {
			// The snapshot was reclaimed after a newer commit; the record we
			// read is stale and the swap would fail anyway.
			slog.Debug("canonical snapshot gone, control record stale",
				"instrument_id", id.InstrumentID, "session_id", id.SessionID, "key", rec.CanonicalKey)
			return Result{Outcome: Aborted}, nil
		}
		return Result{Outcome: Aborted}, err
	}

	var (
		running = base
		report  stitch.Report
		applied []int
	)
	for _, seq := range pending {
		frag, err := e.loadFragment(ctx, id, seq)
		if err != nil {
			if objstore.IsNotFound(err) {
				return Result{Outcome: Aborted}, fmt.Errorf("%w: %s seq %d", ErrFragmentMissing, id, seq)
			}
			var malformed *malformedError
			if errors.As(err, &malformed) {
				slog.Warn("stopping merge walk at malformed fragment",
					"instrument_id", id.InstrumentID, "session_id", id.SessionID, "seq", seq, "error", err)
				break
			}
			return Result{Outcome: Aborted}, err
		}

		out := stitch.Stitch(running, frag, e.window)
		running = out.Terminated()
		report = mergeReports(report, out.Report)
		applied = append(applied, seq)
	}

	if len(applied) == 0 {
		return Result{Outcome: NoOp, CanonicalKey: rec.CanonicalKey, To: rec.MaxFragmentApplied}, nil
	}

	watermark := applied[len(applied)-1]
	key := e.layout.CanonicalKey(id, watermark, e.ids.Generate())
	body, err := json.Marshal(running)
	if err != nil {
		return Result{Outcome: Aborted}, fmt.Errorf("marshal canonical snapshot: %w", err)
	}
	if _, err := e.store.Put(ctx, key, body, nil, objstore.MustNotExist()); err != nil {
		return Result{Outcome: Aborted}, fmt.Errorf("write canonical snapshot %s: %w", key, err)
	}

	previous := rec.CanonicalKey
	rec.MaxFragmentApplied = watermark
	rec.CanonicalKey = key
	ok, err := e.sessions.CompareAndSwap(ctx, id, rec, token)
	if err != nil || !ok {
		// Nothing references the new snapshot.
		if derr := e.store.Delete(ctx, key); derr != nil {
			slog.Warn("failed to remove orphaned snapshot", "key", key, "error", derr)
		}
		if err != nil {
			return Result{Outcome: Aborted}, err
		}
		slog.Debug("merge lost compare-and-swap",
			"instrument_id", id.InstrumentID, "session_id", id.SessionID, "watermark", watermark)
		return Result{Outcome: Aborted}, nil
	}

	slog.Info("merged fragments",
		"instrument_id", id.InstrumentID,
		"session_id", id.SessionID,
		"from", applied[0],
		"to", watermark,
		"suppressed_releases", len(report.SuppressedReleases),
		"suppressed_onsets", len(report.SuppressedOnsets),
	)

	e.reclaim(ctx, id, seqs, watermark, previous)

	return Result{
		Outcome:      Merged,
		From:         applied[0],
		To:           watermark,
		Applied:      len(applied),
		CanonicalKey: key,
		Report:       report,
	}, nil
}

// Snapshot returns the sequence a control record points at. A record with
// no snapshot yields an empty sequence at the default resolution.
func (e *Engine) Snapshot(ctx context.Context, rec session.Record) (midi.Sequence, error) {
	return e.loadSnapshot(ctx, rec.CanonicalKey)
}

func (e *Engine) loadSnapshot(ctx context.Context, key string) (midi.Sequence, error) {
	if key == "" {
		return midi.Sequence{}, nil
	}
	obj, err := e.store.Get(ctx, key)
	if err != nil {
		return midi.Sequence{}, fmt.Errorf("read canonical snapshot %s: %w", key, err)
	}
	var seq midi.Sequence
	if err := json.Unmarshal(obj.Body, &seq); err != nil {
		return midi.Sequence{}, fmt.Errorf("decode canonical snapshot %s: %w", key, err)
	}
	return seq, nil
}

type malformedError struct {
	seq int
	err error
}

func (e *malformedError) Error() string {
	return fmt.Sprintf("fragment %d malformed: %v", e.seq, e.err)
}

func (e *malformedError) Unwrap() error { return e.err }

func (e *Engine) loadFragment(ctx context.Context, id session.ID, seq int) (midi.Sequence, error) {
	obj, err := e.store.Get(ctx, e.layout.FragmentKey(id, seq))
	if err != nil {
		return midi.Sequence{}, fmt.Errorf("read fragment %d: %w", seq, err)
	}
	var frag midi.Sequence
	if err := json.Unmarshal(obj.Body, &frag); err != nil {
		return midi.Sequence{}, &malformedError{seq: seq, err: err}
	}
	if err := frag.Validate(); err != nil {
		return midi.Sequence{}, &malformedError{seq: seq, err: err}
	}
	return frag, nil
}

// fragmentSeqs lists the session's fragment sequence numbers in ascending
// order. Keys that do not parse as fragments are ignored.
func (e *Engine) fragmentSeqs(ctx context.Context, id session.ID) ([]int, error) {
	keys, err := e.store.List(ctx, e.layout.FragmentPrefix(id))
	if err != nil {
		return nil, fmt.Errorf("list fragments %s: %w", id, err)
	}
	seqs := make([]int, 0, len(keys))
	for _, key := range keys {
		if seq, ok := session.ParseFragmentKey(key); ok {
			seqs = append(seqs, seq)
		}
	}
	sort.Ints(seqs)
	return seqs, nil
}

// pendingRun returns the consecutive sequence numbers following watermark.
// Numbers at or below the watermark are skipped; the run ends at the first
// gap.
func pendingRun(seqs []int, watermark int) []int {
	var run []int
	want := watermark + 1
	for _, seq := range seqs {
		if seq < want {
			continue
		}
		if seq != want {
			break
		}
		run = append(run, seq)
		want++
	}
	return run
}

// reclaim deletes fragments at or below watermark and the superseded
// snapshot. Failures are logged only.
func (e *Engine) reclaim(ctx context.Context, id session.ID, seqs []int, watermark int, previous string) {
	var keys []string
	for _, seq := range seqs {
		if seq <= watermark {
			keys = append(keys, e.layout.FragmentKey(id, seq))
		}
	}
	if previous != "" {
		keys = append(keys, previous)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.reclaimParallelism)
	for _, key := range keys {
		g.Go(func() error {
			if err := e.store.Delete(gctx, key); err != nil {
				slog.Warn("failed to reclaim object",
					"instrument_id", id.InstrumentID, "session_id", id.SessionID, "key", key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func mergeReports(a, b stitch.Report) stitch.Report {
	return stitch.Report{
		SuppressedReleases: append(a.SuppressedReleases, b.SuppressedReleases...),
		SuppressedOnsets:   append(a.SuppressedOnsets, b.SuppressedOnsets...),
		DroppedMeta:        a.DroppedMeta + b.DroppedMeta,
	}
}
