// Package stitch splices independently transcribed fragments of a
// performance into one event stream.
//
// Each fragment is transcribed from its own slice of audio, so a note held
// across a slice boundary shows up twice: released at the very end of the
// earlier fragment and struck again at the very start of the later one.
// Stitch removes that pair when both events fall inside the boundary window
// and share a pitch, leaving one continuous note.
//
// Removing an event never removes time: its delta is carried to the next
// surviving event, so total elapsed ticks are preserved exactly.
//
// Known limitation: duplicates are matched by pitch set, not by count. If
// the window holds two onsets of one pitch and a single trailing release,
// both onsets are suppressed.
package stitch
