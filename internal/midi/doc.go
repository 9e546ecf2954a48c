// Package midi models the timestamped note and meta events exchanged between
// recording devices and the session merge service.
//
// Events use the mido dictionary shape on the wire:
//
//	{"type": "note_on", "channel": 0, "note": 60, "velocity": 64, "time": 120}
//	{"type": "set_tempo", "tempo": 500000, "time": 0}
//
// time is the delta in ticks since the previous event of the same track.
// Channel messages may also arrive in mido's string form
// ("note_on channel=0 note=60 velocity=64 time=120").
//
// A Sequence groups one or more tracks under a shared tick resolution.
// Flatten merges tracks into one time-ordered track the way mido.merge_tracks
// does; DeltaSeconds converts ticks to seconds honouring set_tempo changes.
package midi
