package midi

// DefaultTempo is the MIDI default of 120 beats per minute, in microseconds
// per beat.
const DefaultTempo = 500000

// TicksToSeconds converts ticks at the given resolution and tempo.
func TicksToSeconds(ticks, ticksPerBeat, tempo int) float64 {
	if ticksPerBeat <= 0 {
		return 0
	}
	return float64(ticks) * float64(tempo) * 1e-6 / float64(ticksPerBeat)
}

// DeltaSeconds returns each event's delta in seconds. The tempo in force
// for an event's delta is the one set before it; a set_tempo applies to the
// events that follow.
func (t Track) DeltaSeconds(ticksPerBeat int) []float64 {
	out := make([]float64, len(t))
	tempo := DefaultTempo
	for i, ev := range t {
		out[i] = TicksToSeconds(ev.Delta, ticksPerBeat, tempo)
		if ev.Type == TypeSetTempo && ev.Tempo > 0 {
			tempo = ev.Tempo
		}
	}
	return out
}

// Duration returns the track's length in seconds.
func (t Track) Duration(ticksPerBeat int) float64 {
	total := 0.0
	for _, d := range t.DeltaSeconds(ticksPerBeat) {
		total += d
	}
	return total
}
