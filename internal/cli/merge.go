package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/octavio/internal/merge"
	"github.com/roach88/octavio/internal/session"
)

// MergeResult is the merge command's output.
type MergeResult struct {
	InstrumentID string `json:"instrument_id"`
	SessionID    string `json:"session_id"`
	Outcome      string `json:"outcome"`
	From         int    `json:"from,omitempty"`
	To           int    `json:"to"`
	Applied      int    `json:"applied"`
	CanonicalKey string `json:"canonical_key,omitempty"`
}

func (r MergeResult) String() string {
	switch r.Outcome {
	case merge.Merged.String():
		return fmt.Sprintf("%s/%s: merged fragments %d..%d (%d applied) into %s",
			r.InstrumentID, r.SessionID, r.From, r.To, r.Applied, r.CanonicalKey)
	case merge.NoOp.String():
		return fmt.Sprintf("%s/%s: up to date at fragment %d", r.InstrumentID, r.SessionID, r.To)
	default:
		return fmt.Sprintf("%s/%s: %s", r.InstrumentID, r.SessionID, r.Outcome)
	}
}

// NewMergeCommand creates the merge command.
func NewMergeCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "merge <instrument-id> <session-id>",
		Short: "Fold pending fragments into the canonical recording",
		Long: `Run merge passes for one session until it commits, has nothing to do,
or runs out of attempts.

Example:
  octavio merge 5 4cjlh0q21j
  octavio merge 5 4cjlh0q21j --format json`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMerge(rootOpts, args, cmd)
		},
	}
	return cmd
}

func runMerge(opts *RootOptions, args []string, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	id, err := sessionArgs(args)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	a, err := openApp(cmd.Context(), cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.svc.Merge(cmd.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			_ = out.Error(CodeNotFound, "session not found", id.String())
			return WrapExitError(ExitCommandError, "session not found", err)
		}
		_ = out.Error(CodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "merge failed", err)
	}

	result := MergeResult{
		InstrumentID: id.InstrumentID,
		SessionID:    id.SessionID,
		Outcome:      res.Outcome.String(),
		From:         res.From,
		To:           res.To,
		Applied:      res.Applied,
		CanonicalKey: res.CanonicalKey,
	}
	if res.Outcome == merge.Aborted {
		_ = out.Error(CodeMergeAbort, "merge aborted after retries", result)
		return NewExitError(ExitFailure, "merge aborted")
	}
	return out.Success(result)
}
