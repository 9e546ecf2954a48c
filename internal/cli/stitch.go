package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/octavio/internal/midi"
	"github.com/roach88/octavio/internal/stitch"
)

// StitchOptions holds flags for the stitch command.
type StitchOptions struct {
	*RootOptions
	Output string
	Window time.Duration
}

// StitchSummary is the stitch command's output when writing to a file.
type StitchSummary struct {
	Output             string `json:"output"`
	TicksPerBeat       int    `json:"ticks_per_beat"`
	Events             int    `json:"events"`
	SuppressedReleases []int  `json:"suppressed_releases,omitempty"`
	SuppressedOnsets   []int  `json:"suppressed_onsets,omitempty"`
	DroppedMeta        int    `json:"dropped_meta,omitempty"`
}

func (s StitchSummary) String() string {
	return fmt.Sprintf("wrote %s: %d events at %d ticks/beat (%d releases and %d onsets removed at the splice)",
		s.Output, s.Events, s.TicksPerBeat, len(s.SuppressedReleases), len(s.SuppressedOnsets))
}

// NewStitchCommand creates the stitch command.
func NewStitchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StitchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stitch <base.json> <next.json>",
		Short: "Splice two MIDI sequences",
		Long: `Append the second sequence to the first, removing notes split across
the boundary. Inputs are JSON sequences in the device wire format. The
result is written as JSON, or as a Standard MIDI File when --output ends
in .mid.

Example:
  octavio stitch a.json b.json
  octavio stitch a.json b.json -o ab.mid --window 300ms`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStitch(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default stdout)")
	cmd.Flags().DurationVar(&opts.Window, "window", 250*time.Millisecond, "boundary window")

	return cmd
}

func readSequence(path string) (midi.Sequence, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return midi.Sequence{}, WrapExitError(ExitCommandError, "failed to read sequence", err)
	}
	var seq midi.Sequence
	if err := json.Unmarshal(data, &seq); err != nil {
		return midi.Sequence{}, WrapExitError(ExitCommandError, fmt.Sprintf("failed to parse %s", path), err)
	}
	if err := seq.Validate(); err != nil {
		return midi.Sequence{}, WrapExitError(ExitCommandError, fmt.Sprintf("invalid sequence %s", path), err)
	}
	return seq, nil
}

// writeSequence writes seq as SMF when path ends in .mid, else as JSON.
func writeSequence(path string, seq midi.Sequence) error {
	var buf bytes.Buffer
	if strings.HasSuffix(strings.ToLower(path), ".mid") {
		if err := seq.WriteSMF(&buf); err != nil {
			return err
		}
	} else {
		enc := json.NewEncoder(&buf)
		enc.SetIndent("", "  ")
		if err := enc.Encode(seq); err != nil {
			return err
		}
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func runStitch(opts *StitchOptions, args []string, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions, slog.LevelInfo)
	out := opts.formatter(cmd)

	base, err := readSequence(args[0])
	if err != nil {
		return err
	}
	next, err := readSequence(args[1])
	if err != nil {
		return err
	}
	out.VerboseLog("stitching %s (%d events) and %s (%d events)", args[0], base.Len(), args[1], next.Len())

	res := stitch.Stitch(base, next, opts.Window)
	seq := res.Terminated()

	if opts.Output == "" {
		if opts.Format == "json" {
			return out.Success(seq)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(seq)
	}

	if err := writeSequence(opts.Output, seq); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}
	return out.Success(StitchSummary{
		Output:             opts.Output,
		TicksPerBeat:       seq.TicksPerBeat,
		Events:             seq.Len(),
		SuppressedReleases: res.Report.SuppressedReleases,
		SuppressedOnsets:   res.Report.SuppressedOnsets,
		DroppedMeta:        res.Report.DroppedMeta,
	})
}
