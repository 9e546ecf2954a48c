package stitch

import (
	"sort"
	"time"

	"github.com/roach88/octavio/internal/midi"
)

// DefaultWindow is how close to a splice point an event must be to count as
// a boundary artifact.
const DefaultWindow = 250 * time.Millisecond

// windowEpsilon absorbs float error in tick-to-second conversion so events
// sitting exactly on the window edge are inside it.
const windowEpsilon = 1e-9

// Report describes what a splice removed.
type Report struct {
	// SuppressedReleases are pitches whose trailing release in base was removed.
	SuppressedReleases []int
	// SuppressedOnsets are pitches whose leading onset in next was removed.
	SuppressedOnsets []int
	// DroppedMeta counts meta events of next that were not carried over.
	DroppedMeta int
}

// Result is a stitched sequence without a terminal end_of_track.
type Result struct {
	Sequence midi.Sequence
	// Trailing is delta time owed by events removed after the last
	// surviving event. Terminated hands it to the end_of_track marker so it
	// bridges into the following splice.
	Trailing int
	Report   Report
}

// Terminated returns the sequence with an end_of_track appended.
func (r Result) Terminated() midi.Sequence {
	var events midi.Track
	if len(r.Sequence.Tracks) > 0 {
		events = append(events, r.Sequence.Tracks[0]...)
	}
	events = append(events, midi.EndOfTrack(r.Trailing))
	return midi.Sequence{TicksPerBeat: r.Sequence.TicksPerBeat, Tracks: []midi.Track{events}}
}

// Stitch merges next onto the end of base. See the package documentation
// for the boundary rules. The result uses base's tick resolution; next is
// rescaled when its resolution differs.
//
// A base with no events adopts next wholesale, including its meta events
// and resolution, so the first fragment seeds a session.
func Stitch(base, next midi.Sequence, window time.Duration) Result {
	baseTrack := base.Flatten()
	nextTrack := next.Flatten()

	if isEmpty(baseTrack) || base.TicksPerBeat <= 0 {
		events, trailing := nextTrack.WithoutEndOfTrack()
		return Result{
			Sequence: midi.Sequence{TicksPerBeat: next.TicksPerBeat, Tracks: []midi.Track{events}},
			Trailing: trailing,
		}
	}

	limit := window.Seconds() + windowEpsilon
	releases, p1 := trailingReleases(baseTrack, base.TicksPerBeat, limit)
	onsets, p2 := leadingOnsets(nextTrack, next.TicksPerBeat, limit)

	if next.TicksPerBeat > 0 && next.TicksPerBeat != base.TicksPerBeat {
		nextTrack = nextTrack.Rescale(next.TicksPerBeat, base.TicksPerBeat)
	}

	var (
		out    = make(midi.Track, 0, len(baseTrack)+len(nextTrack))
		lost   int
		report Report
	)
	emit := func(ev midi.Event) {
		ev.Delta += lost
		lost = 0
		out = append(out, ev)
	}

	for i, ev := range baseTrack {
		if ev.IsEndOfTrack() {
			lost += ev.Delta
			continue
		}
		if releases[i] && p2[ev.Note] {
			report.SuppressedReleases = append(report.SuppressedReleases, ev.Note)
			lost += ev.Delta
			continue
		}
		emit(ev)
	}

	for i, ev := range nextTrack {
		if ev.IsMeta() {
			if !ev.IsEndOfTrack() {
				report.DroppedMeta++
			}
			lost += ev.Delta
			continue
		}
		if onsets[i] && p1[ev.Note] {
			report.SuppressedOnsets = append(report.SuppressedOnsets, ev.Note)
			lost += ev.Delta
			continue
		}
		emit(ev)
	}

	sort.Ints(report.SuppressedReleases)
	sort.Ints(report.SuppressedOnsets)

	return Result{
		Sequence: midi.Sequence{TicksPerBeat: base.TicksPerBeat, Tracks: []midi.Track{out}},
		Trailing: lost,
		Report:   report,
	}
}

// trailingReleases walks backward from the end of track, accumulating the
// gaps between consecutive events, and collects every release within limit
// seconds of the end.
func trailingReleases(track midi.Track, ticksPerBeat int, limit float64) (map[int]bool, map[int]bool) {
	idx := make(map[int]bool)
	pitches := make(map[int]bool)
	deltas := track.DeltaSeconds(ticksPerBeat)

	elapsed := 0.0
	for i := len(track) - 1; i >= 0; i-- {
		if i < len(track)-1 {
			elapsed += deltas[i+1]
		}
		if elapsed > limit {
			break
		}
		if track[i].IsNoteOff() {
			idx[i] = true
			pitches[track[i].Note] = true
		}
	}
	return idx, pitches
}

// leadingOnsets walks forward from the start of track and collects every
// onset within limit seconds of the start.
func leadingOnsets(track midi.Track, ticksPerBeat int, limit float64) (map[int]bool, map[int]bool) {
	idx := make(map[int]bool)
	pitches := make(map[int]bool)
	deltas := track.DeltaSeconds(ticksPerBeat)

	elapsed := 0.0
	for i, ev := range track {
		elapsed += deltas[i]
		if elapsed > limit {
			break
		}
		if ev.IsNoteOn() {
			idx[i] = true
			pitches[ev.Note] = true
		}
	}
	return idx, pitches
}

func isEmpty(track midi.Track) bool {
	for _, ev := range track {
		if !ev.IsEndOfTrack() {
			return false
		}
	}
	return true
}
