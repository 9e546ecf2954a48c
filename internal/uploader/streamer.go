package uploader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/octavio/internal/ingest"
	"github.com/roach88/octavio/internal/midi"
)

const (
	// DefaultMaxFragments caps a session at 45 minutes of 30 second
	// fragments.
	DefaultMaxFragments   = 90
	DefaultSilenceLimit   = 1
	DefaultFailureWait    = time.Minute
	DefaultHeartbeatEvery = 30 * time.Second

	sessionIDLength = 10
	sessionAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

	// producerTimeLayout matches the device's ISO timestamps without zone.
	producerTimeLayout = "2006-01-02T15:04:05.000000"
)

// ErrSessionAbandoned is returned by Push when a fragment could not be
// delivered. The streamer has already moved to a new session.
var ErrSessionAbandoned = errors.New("session abandoned")

// NewSessionID returns a 10 character lowercase alphanumeric id.
func NewSessionID() string {
	var out [sessionIDLength]byte
	u := uuid.New()
	for i := range out {
		out[i] = sessionAlphabet[int(u[i])%len(sessionAlphabet)]
	}
	return string(out[:])
}

// Streamer assigns a device's fragments to sessions and sends them. It
// is not safe for concurrent Push calls.
type Streamer struct {
	client       *Client
	instrumentID string
	maxFragments int
	silenceLimit int
	failureWait  time.Duration
	newID        func() string
	now          func() time.Time

	sessionID string
	sent      int
	silent    int
}

type StreamerOption func(*Streamer)

// WithMaxFragments rotates the session after n delivered fragments.
func WithMaxFragments(n int) StreamerOption {
	return func(s *Streamer) { s.maxFragments = n }
}

// WithSilenceLimit rotates the session after n consecutive note-free
// fragments, once the session has delivered something.
func WithSilenceLimit(n int) StreamerOption {
	return func(s *Streamer) { s.silenceLimit = n }
}

// WithFailureWait sets the pause in Run after a session is abandoned.
func WithFailureWait(d time.Duration) StreamerOption {
	return func(s *Streamer) { s.failureWait = d }
}

func WithSessionIDs(gen func() string) StreamerOption {
	return func(s *Streamer) { s.newID = gen }
}

func WithStreamerClock(now func() time.Time) StreamerOption {
	return func(s *Streamer) { s.now = now }
}

func NewStreamer(client *Client, instrumentID string, opts ...StreamerOption) *Streamer {
	s := &Streamer{
		client:       client,
		instrumentID: instrumentID,
		maxFragments: DefaultMaxFragments,
		silenceLimit: DefaultSilenceLimit,
		failureWait:  DefaultFailureWait,
		newID:        NewSessionID,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.sessionID = s.newID()
	slog.Info("session started", "instrument_id", s.instrumentID, "session_id", s.sessionID)
	return s
}

// Session returns the current session id.
func (s *Streamer) Session() string { return s.sessionID }

// Sent returns the number of fragments delivered in the current session.
func (s *Streamer) Sent() int { return s.sent }

func (s *Streamer) rotate(reason string) {
	prev := s.sessionID
	s.sessionID = s.newID()
	s.sent = 0
	s.silent = 0
	slog.Info("session rotated",
		"instrument_id", s.instrumentID,
		"previous_session_id", prev,
		"session_id", s.sessionID,
		"reason", reason,
	)
}

// Push sends one fragment in the current session. Note-free fragments are
// not sent and report false. A fragment that exhausts its attempts is
// dropped, the session is abandoned, and the error wraps
// ErrSessionAbandoned.
func (s *Streamer) Push(ctx context.Context, seq midi.Sequence) (bool, error) {
	if !seq.HasNotes() {
		s.silent++
		slog.Debug("fragment without notes not sent", "session_id", s.sessionID)
		if s.sent > 0 && s.silent >= s.silenceLimit {
			s.rotate("silence")
		}
		return false, nil
	}
	s.silent = 0

	n := s.sent
	frag := ingest.Fragment{
		InstrumentID: s.instrumentID,
		SessionID:    s.sessionID,
		Seq:          &n,
		ProducerTime: s.now().Format(producerTimeLayout),
		TicksPerBeat: seq.TicksPerBeat,
		Tracks:       seq.Tracks,
	}
	receipt, err := s.client.SendFragment(ctx, frag)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		slog.Warn("fragment not delivered", "session_id", s.sessionID, "seq", n, "error", err)
		s.rotate("delivery failed")
		return false, fmt.Errorf("%w: %w", ErrSessionAbandoned, err)
	}
	slog.Info("fragment delivered", "session_id", s.sessionID, "seq", n, "result", receipt.Result)

	s.sent++
	if s.maxFragments > 0 && s.sent >= s.maxFragments {
		s.rotate("session cap")
	}
	return true, nil
}

// Run pushes fragments from in until it closes or ctx ends. After an
// abandoned session it waits before taking the next fragment.
func (s *Streamer) Run(ctx context.Context, in <-chan midi.Sequence) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case seq, ok := <-in:
			if !ok {
				return nil
			}
			_, err := s.Push(ctx, seq)
			if err == nil {
				continue
			}
			if !errors.Is(err, ErrSessionAbandoned) {
				return err
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.failureWait):
			}
		}
	}
}

// Heartbeat pings the server every interval until ctx ends. Failures are
// logged.
func (s *Streamer) Heartbeat(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := ingest.Heartbeat{InstrumentID: s.instrumentID, ProducerTime: s.now().Format(producerTimeLayout)}
			if err := s.client.SendHeartbeat(ctx, hb); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("heartbeat failed", "instrument_id", s.instrumentID, "error", err)
				continue
			}
			slog.Debug("heartbeat sent", "instrument_id", s.instrumentID)
		}
	}
}
