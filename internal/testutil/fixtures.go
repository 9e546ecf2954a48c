package testutil

import (
	"github.com/roach88/octavio/internal/midi"
)

// Note returns a single note of the given pitch: an onset after delay ticks
// and a release length ticks later, at velocity 80 on channel 0.
func Note(delay, pitch, length int) []midi.Event {
	return []midi.Event{
		midi.NoteOn(delay, 0, pitch, 80),
		midi.NoteOff(length, 0, pitch, 0),
	}
}

// Fragment builds a terminated single-track sequence at 480 ticks per beat
// from one note per pitch, each starting 10 ticks after the previous
// release and lasting one beat.
func Fragment(pitches ...int) midi.Sequence {
	var events []midi.Event
	for _, p := range pitches {
		events = append(events, Note(10, p, midi.DefaultTicksPerBeat)...)
	}
	events = append(events, midi.EndOfTrack(0))
	return midi.NewSequence(midi.DefaultTicksPerBeat, events...)
}
