package midi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Event type names, as used by mido.
const (
	TypeNoteOn        = "note_on"
	TypeNoteOff       = "note_off"
	TypePolytouch     = "polytouch"
	TypeControlChange = "control_change"
	TypeProgramChange = "program_change"
	TypeAftertouch    = "aftertouch"
	TypePitchwheel    = "pitchwheel"

	TypeSetTempo      = "set_tempo"
	TypeEndOfTrack    = "end_of_track"
	TypeTrackName     = "track_name"
	TypeTimeSignature = "time_signature"
)

var metaTypes = map[string]bool{
	"sequence_number":    true,
	"text":               true,
	"copyright":          true,
	TypeTrackName:        true,
	"instrument_name":    true,
	"lyrics":             true,
	"marker":             true,
	"cue_marker":         true,
	"device_name":        true,
	"channel_prefix":     true,
	"midi_port":          true,
	TypeEndOfTrack:       true,
	TypeSetTempo:         true,
	"smpte_offset":       true,
	TypeTimeSignature:    true,
	"key_signature":      true,
	"sequencer_specific": true,
	"unknown_meta":       true,
}

var channelTypes = map[string]bool{
	TypeNoteOn:        true,
	TypeNoteOff:       true,
	TypePolytouch:     true,
	TypeControlChange: true,
	TypeProgramChange: true,
	TypeAftertouch:    true,
	TypePitchwheel:    true,
}

// Event is one MIDI message with its delta time in ticks.
//
// Channel, Note and Velocity are meaningful for note events; Channel for all
// channel messages; Tempo (microseconds per beat) for set_tempo. Any other
// attribute is carried in Extra and written back unchanged.
type Event struct {
	Type     string
	Delta    int
	Channel  int
	Note     int
	Velocity int
	Tempo    int
	Extra    map[string]any
}

// NoteOn builds a note_on event.
func NoteOn(delta, channel, note, velocity int) Event {
	return Event{Type: TypeNoteOn, Delta: delta, Channel: channel, Note: note, Velocity: velocity}
}

// NoteOff builds a note_off event.
func NoteOff(delta, channel, note, velocity int) Event {
	return Event{Type: TypeNoteOff, Delta: delta, Channel: channel, Note: note, Velocity: velocity}
}

// SetTempo builds a set_tempo meta event.
func SetTempo(delta, tempo int) Event {
	return Event{Type: TypeSetTempo, Delta: delta, Tempo: tempo}
}

// EndOfTrack builds an end_of_track meta event.
func EndOfTrack(delta int) Event {
	return Event{Type: TypeEndOfTrack, Delta: delta}
}

// IsMeta reports whether the event is a meta message.
func (e Event) IsMeta() bool { return metaTypes[e.Type] }

// IsNoteOn reports whether the event starts a note (note_on, velocity > 0).
func (e Event) IsNoteOn() bool { return e.Type == TypeNoteOn && e.Velocity > 0 }

// IsNoteOff reports whether the event releases a note: an explicit note_off
// or a note_on with velocity 0.
func (e Event) IsNoteOff() bool {
	return e.Type == TypeNoteOff || (e.Type == TypeNoteOn && e.Velocity == 0)
}

// IsEndOfTrack reports whether the event is the terminal marker.
func (e Event) IsEndOfTrack() bool { return e.Type == TypeEndOfTrack }

func isNoteType(t string) bool { return t == TypeNoteOn || t == TypeNoteOff }

// Validate checks field ranges.
func (e Event) Validate() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.Delta < 0 {
		return fmt.Errorf("%s: negative time %d", e.Type, e.Delta)
	}
	if channelTypes[e.Type] && (e.Channel < 0 || e.Channel > 15) {
		return fmt.Errorf("%s: channel %d out of range 0..15", e.Type, e.Channel)
	}
	if isNoteType(e.Type) {
		if e.Note < 0 || e.Note > 127 {
			return fmt.Errorf("%s: note %d out of range 0..127", e.Type, e.Note)
		}
		if e.Velocity < 0 || e.Velocity > 127 {
			return fmt.Errorf("%s: velocity %d out of range 0..127", e.Type, e.Velocity)
		}
	}
	if e.Type == TypeSetTempo && e.Tempo <= 0 {
		return fmt.Errorf("%s: tempo must be positive, got %d", e.Type, e.Tempo)
	}
	return nil
}

// MarshalJSON writes the mido dictionary form. Keys are sorted.
func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Extra)+5)
	for k, v := range e.Extra {
		m[k] = v
	}
	m["type"] = e.Type
	m["time"] = e.Delta
	if channelTypes[e.Type] {
		m["channel"] = e.Channel
	}
	if isNoteType(e.Type) {
		m["note"] = e.Note
		m["velocity"] = e.Velocity
	}
	if e.Type == TypeSetTempo {
		m["tempo"] = e.Tempo
	}
	return json.Marshal(m)
}

// UnmarshalJSON accepts either the mido dictionary form or, for channel
// messages, the mido string form.
func (e *Event) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		ev, err := ParseMessage(s)
		if err != nil {
			return err
		}
		*e = ev
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return fmt.Errorf("decode event: %w", err)
	}
	ev, err := eventFromFields(fields)
	if err != nil {
		return err
	}
	*e = ev
	return nil
}

func eventFromFields(fields map[string]any) (Event, error) {
	typ, ok := fields["type"].(string)
	if !ok || typ == "" {
		return Event{}, fmt.Errorf("decode event: missing type")
	}
	ev := Event{Type: typ}
	delete(fields, "type")

	take := func(key string, dst *int) error {
		v, ok := fields[key]
		if !ok {
			return nil
		}
		n, err := toInt(v)
		if err != nil {
			return fmt.Errorf("decode %s: %s: %w", typ, key, err)
		}
		*dst = n
		delete(fields, key)
		return nil
	}

	if err := take("time", &ev.Delta); err != nil {
		return Event{}, err
	}
	if channelTypes[typ] {
		if err := take("channel", &ev.Channel); err != nil {
			return Event{}, err
		}
	}
	if isNoteType(typ) {
		if err := take("note", &ev.Note); err != nil {
			return Event{}, err
		}
		if err := take("velocity", &ev.Velocity); err != nil {
			return Event{}, err
		}
	}
	if typ == TypeSetTempo {
		if err := take("tempo", &ev.Tempo); err != nil {
			return Event{}, err
		}
	}
	if len(fields) > 0 {
		ev.Extra = fields
	}
	return ev, nil
}

// ParseMessage parses mido's string form of a channel message, e.g.
// "note_on channel=0 note=60 velocity=64 time=120".
func ParseMessage(s string) (Event, error) {
	parts := strings.Fields(s)
	if len(parts) == 0 {
		return Event{}, fmt.Errorf("parse message: empty")
	}
	fields := map[string]any{"type": parts[0]}
	for _, p := range parts[1:] {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return Event{}, fmt.Errorf("parse message %q: malformed attribute %q", s, p)
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			fields[k] = json.Number(strconv.FormatInt(n, 10))
		} else if f, err := strconv.ParseFloat(v, 64); err == nil {
			fields[k] = json.Number(strconv.FormatFloat(f, 'f', -1, 64))
		} else {
			fields[k] = v
		}
	}
	ev, err := eventFromFields(fields)
	if err != nil {
		return Event{}, fmt.Errorf("parse message %q: %w", s, err)
	}
	return ev, nil
}

// String renders the mido string form.
func (e Event) String() string {
	var b strings.Builder
	b.WriteString(e.Type)
	if channelTypes[e.Type] {
		fmt.Fprintf(&b, " channel=%d", e.Channel)
	}
	if isNoteType(e.Type) {
		fmt.Fprintf(&b, " note=%d velocity=%d", e.Note, e.Velocity)
	}
	if e.Type == TypeSetTempo {
		fmt.Fprintf(&b, " tempo=%d", e.Tempo)
	}
	fmt.Fprintf(&b, " time=%d", e.Delta)
	return b.String()
}

// IntField returns an integer attribute carried in Extra.
func (e Event) IntField(key string) (int, bool) {
	v, ok := e.Extra[key]
	if !ok {
		return 0, false
	}
	n, err := toInt(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// StringField returns a string attribute carried in Extra.
func (e Event) StringField(key string) (string, bool) {
	s, ok := e.Extra[key].(string)
	return s, ok
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return int(i), nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return int(math.Round(f)), nil
	case float64:
		return int(math.Round(n)), nil
	case int:
		return n, nil
	case int64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}
