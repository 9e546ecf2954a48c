package midi

import (
	"fmt"
	"io"

	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/smf"
)

// WriteSMF writes the sequence as a single-track Standard MIDI File.
// Events with no SMF encoding here (sysex, most meta types) are dropped and
// their delta carried forward, so timing is unchanged.
func (s Sequence) WriteSMF(w io.Writer) error {
	if s.TicksPerBeat <= 0 || s.TicksPerBeat > 0x7fff {
		return fmt.Errorf("write smf: ticks_per_beat %d out of range", s.TicksPerBeat)
	}

	file := smf.New()
	file.TimeFormat = smf.MetricTicks(s.TicksPerBeat)

	var track smf.Track
	carry := uint32(0)
	for _, ev := range s.Flatten() {
		delta := uint32(ev.Delta) + carry
		msg, ok := ev.smfMessage()
		if !ok {
			carry = delta
			continue
		}
		carry = 0
		track.Add(delta, msg)
	}
	track.Close(carry)

	if err := file.Add(track); err != nil {
		return fmt.Errorf("write smf: %w", err)
	}
	if _, err := file.WriteTo(w); err != nil {
		return fmt.Errorf("write smf: %w", err)
	}
	return nil
}

func (e Event) smfMessage() ([]byte, bool) {
	ch := uint8(e.Channel)
	switch e.Type {
	case TypeNoteOn:
		return gomidi.NoteOn(ch, uint8(e.Note), uint8(e.Velocity)), true
	case TypeNoteOff:
		return gomidi.NoteOffVelocity(ch, uint8(e.Note), uint8(e.Velocity)), true
	case TypeControlChange:
		control, ok1 := e.IntField("control")
		value, ok2 := e.IntField("value")
		if !ok1 || !ok2 {
			return nil, false
		}
		return gomidi.ControlChange(ch, uint8(control), uint8(value)), true
	case TypeProgramChange:
		program, ok := e.IntField("program")
		if !ok {
			return nil, false
		}
		return gomidi.ProgramChange(ch, uint8(program)), true
	case TypePitchwheel:
		pitch, ok := e.IntField("pitch")
		if !ok {
			return nil, false
		}
		return gomidi.Pitchbend(ch, int16(pitch)), true
	case TypeSetTempo:
		if e.Tempo <= 0 {
			return nil, false
		}
		return smf.MetaTempo(60_000_000 / float64(e.Tempo)), true
	case TypeTrackName:
		name, ok := e.StringField("name")
		if !ok {
			return nil, false
		}
		return smf.MetaTrackSequenceName(name), true
	case TypeTimeSignature:
		num, ok1 := e.IntField("numerator")
		den, ok2 := e.IntField("denominator")
		if !ok1 || !ok2 {
			return nil, false
		}
		return smf.MetaMeter(uint8(num), uint8(den)), true
	default:
		return nil, false
	}
}
