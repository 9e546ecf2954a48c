package stitch

import (
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// renderResult produces a line-per-event text snapshot of a stitch result.
func renderResult(r Result) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "ticks_per_beat=%d\n", r.Sequence.TicksPerBeat)
	for _, tr := range r.Sequence.Tracks {
		for _, ev := range tr {
			b.WriteString(ev.String())
			b.WriteByte('\n')
		}
	}
	fmt.Fprintf(&b, "trailing=%d\n", r.Trailing)
	fmt.Fprintf(&b, "suppressed_releases=%v\n", r.Report.SuppressedReleases)
	fmt.Fprintf(&b, "suppressed_onsets=%v\n", r.Report.SuppressedOnsets)
	fmt.Fprintf(&b, "dropped_meta=%d\n", r.Report.DroppedMeta)
	return []byte(b.String())
}

// assertGolden compares the rendered result against
// testdata/golden/{name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/stitch -update
func assertGolden(t *testing.T, name string, r Result) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, renderResult(r))
}
