package midi

import (
	"encoding/json"
	"fmt"
	"sort"
)

// DefaultTicksPerBeat is mido's default resolution.
const DefaultTicksPerBeat = 480

// Track is an ordered list of events with delta times.
type Track []Event

// Sequence is one or more tracks sharing a tick resolution.
type Sequence struct {
	TicksPerBeat int
	Tracks       []Track
}

// NewSequence builds a single-track sequence.
func NewSequence(ticksPerBeat int, events ...Event) Sequence {
	return Sequence{TicksPerBeat: ticksPerBeat, Tracks: []Track{Track(events)}}
}

type sequenceJSON struct {
	TicksPerBeat int     `json:"ticks_per_beat"`
	Messages     Track   `json:"messages,omitempty"`
	Tracks       []Track `json:"tracks,omitempty"`
}

// MarshalJSON writes a single-track sequence as "messages" and a multi-track
// sequence as "tracks".
func (s Sequence) MarshalJSON() ([]byte, error) {
	out := sequenceJSON{TicksPerBeat: s.TicksPerBeat}
	switch len(s.Tracks) {
	case 0:
		out.Messages = Track{}
	case 1:
		out.Messages = s.Tracks[0]
		if out.Messages == nil {
			out.Messages = Track{}
		}
	default:
		out.Tracks = s.Tracks
	}
	return json.Marshal(out)
}

// UnmarshalJSON accepts "messages", "tracks", or both (messages first).
func (s *Sequence) UnmarshalJSON(data []byte) error {
	var in sequenceJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.TicksPerBeat = in.TicksPerBeat
	s.Tracks = nil
	if in.Messages != nil {
		s.Tracks = append(s.Tracks, in.Messages)
	}
	s.Tracks = append(s.Tracks, in.Tracks...)
	return nil
}

// Validate checks the resolution and every event.
func (s Sequence) Validate() error {
	if s.TicksPerBeat <= 0 {
		return fmt.Errorf("ticks_per_beat must be positive, got %d", s.TicksPerBeat)
	}
	for ti, tr := range s.Tracks {
		for i, ev := range tr {
			if err := ev.Validate(); err != nil {
				return fmt.Errorf("track %d event %d: %w", ti, i, err)
			}
		}
	}
	return nil
}

// Len returns the total number of events across tracks.
func (s Sequence) Len() int {
	n := 0
	for _, tr := range s.Tracks {
		n += len(tr)
	}
	return n
}

// HasNotes reports whether any track contains a note_on event. Sequences
// without one carry nothing worth sending.
func (s Sequence) HasNotes() bool {
	for _, tr := range s.Tracks {
		for _, ev := range tr {
			if ev.Type == TypeNoteOn {
				return true
			}
		}
	}
	return false
}

// Flatten merges all tracks into one time-ordered track. Simultaneous
// events keep their original track order. Every end_of_track is removed,
// its delta carried to the following event, and a single end_of_track is
// appended.
func (s Sequence) Flatten() Track {
	type absEvent struct {
		at int
		ev Event
	}
	var all []absEvent
	for _, tr := range s.Tracks {
		at := 0
		for _, ev := range tr {
			at += ev.Delta
			all = append(all, absEvent{at: at, ev: ev})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].at < all[j].at })

	out := make(Track, 0, len(all)+1)
	prev, carry := 0, 0
	for _, a := range all {
		delta := a.at - prev
		prev = a.at
		if a.ev.IsEndOfTrack() {
			carry += delta
			continue
		}
		ev := a.ev
		ev.Delta = delta + carry
		carry = 0
		out = append(out, ev)
	}
	return append(out, EndOfTrack(carry))
}

// WithoutEndOfTrack returns the track minus its end_of_track events, their
// deltas carried to the following event. A trailing end_of_track's delta is
// returned separately.
func (t Track) WithoutEndOfTrack() (Track, int) {
	out := make(Track, 0, len(t))
	carry := 0
	for _, ev := range t {
		if ev.IsEndOfTrack() {
			carry += ev.Delta
			continue
		}
		ev.Delta += carry
		carry = 0
		out = append(out, ev)
	}
	return out, carry
}

// TotalTicks returns the sum of deltas.
func (t Track) TotalTicks() int {
	n := 0
	for _, ev := range t {
		n += ev.Delta
	}
	return n
}

// Rescale converts the track's deltas from one resolution to another.
// Absolute positions are rounded, so the error never accumulates.
func (t Track) Rescale(from, to int) Track {
	if from == to || from <= 0 || to <= 0 {
		return append(Track(nil), t...)
	}
	out := make(Track, len(t))
	abs, prevScaled := 0, 0
	for i, ev := range t {
		abs += ev.Delta
		scaled := (abs*to + from/2) / from
		ev.Delta = scaled - prevScaled
		prevScaled = scaled
		out[i] = ev
	}
	return out
}
