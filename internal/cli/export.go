package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/octavio/internal/session"
)

// ExportOptions holds flags for the export command.
type ExportOptions struct {
	*RootOptions
	Output string
}

// ExportSummary is the export command's output.
type ExportSummary struct {
	Output             string `json:"output"`
	MaxFragmentApplied int    `json:"max_fragment_applied"`
	Events             int    `json:"events"`
}

func (s ExportSummary) String() string {
	return fmt.Sprintf("wrote %s: %d events through fragment %d", s.Output, s.Events, s.MaxFragmentApplied)
}

// NewExportCommand creates the export command.
func NewExportCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExportOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "export <instrument-id> <session-id>",
		Short: "Write a session's canonical recording to a file",
		Long: `Bring the session up to date and write its canonical recording. The
file is a Standard MIDI File unless --output ends in .json.

Example:
  octavio export 5 4cjlh0q21j
  octavio export 5 4cjlh0q21j -o take.json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExport(opts, args, cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "output file (default <session>_<instrument>.mid)")

	return cmd
}

func runExport(opts *ExportOptions, args []string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	id, err := sessionArgs(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	// Canonical creates missing sessions; export only reads existing ones.
	if _, _, err := a.sessions.Read(cmd.Context(), id); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			_ = out.Error(CodeNotFound, "session not found", id.String())
			return WrapExitError(ExitCommandError, "session not found", err)
		}
		return WrapExitError(ExitFailure, "failed to read session", err)
	}

	seq, rec, err := a.svc.Canonical(cmd.Context(), id)
	if err != nil {
		_ = out.Error(CodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to build canonical recording", err)
	}

	path := opts.Output
	if path == "" {
		path = id.SessionID + "_" + id.InstrumentID + ".mid"
	}
	if err := writeSequence(path, seq); err != nil {
		return WrapExitError(ExitCommandError, "failed to write output", err)
	}
	return out.Success(ExportSummary{
		Output:             path,
		MaxFragmentApplied: rec.MaxFragmentApplied,
		Events:             seq.Len(),
	})
}
