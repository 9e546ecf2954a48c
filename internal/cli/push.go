package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/octavio/internal/ingest"
	"github.com/roach88/octavio/internal/uploader"
)

// PushOptions holds flags for the push command.
type PushOptions struct {
	*RootOptions
	Server       string
	Instrument   string
	Attempts     int
	MaxFragments int
	Heartbeat    bool
}

// PushSummary is the push command's output.
type PushSummary struct {
	Sessions  []string `json:"sessions"`
	Sent      int      `json:"sent"`
	Skipped   int      `json:"skipped"`
	Abandoned int      `json:"abandoned"`
}

func (s PushSummary) String() string {
	return fmt.Sprintf("sent %d fragments (%d without notes skipped, %d abandoned) in sessions %v",
		s.Sent, s.Skipped, s.Abandoned, s.Sessions)
}

// NewPushCommand creates the push command.
func NewPushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PushOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "push <fragment.json>...",
		Short: "Send sequences to a server as an instrument would",
		Long: `Stream JSON sequences to a running server as consecutive fragments of
a new session, the way an instrument does: fragments without notes are
skipped, failed deliveries are retried with backoff, and the session
rotates when it is abandoned or full.

Example:
  octavio push --server http://localhost:5001 --instrument 5 a.json b.json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPush(opts, args, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Server, "server", "http://localhost:5001", "server base URL")
	cmd.Flags().StringVar(&opts.Instrument, "instrument", "", "instrument id (required)")
	cmd.Flags().IntVar(&opts.Attempts, "attempts", uploader.DefaultAttempts, "delivery attempts per fragment")
	cmd.Flags().IntVar(&opts.MaxFragments, "max-fragments", uploader.DefaultMaxFragments, "fragments per session before rotating")
	cmd.Flags().BoolVar(&opts.Heartbeat, "heartbeat", false, "send a heartbeat before the fragments")
	_ = cmd.MarkFlagRequired("instrument")

	return cmd
}

func runPush(opts *PushOptions, args []string, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions, slog.LevelWarn)
	out := opts.formatter(cmd)
	ctx := cmd.Context()

	client := uploader.New(opts.Server, uploader.WithAttempts(opts.Attempts))
	streamer := uploader.NewStreamer(client, opts.Instrument,
		uploader.WithMaxFragments(opts.MaxFragments),
		uploader.WithSilenceLimit(len(args)+1),
	)

	if opts.Heartbeat {
		if err := client.SendHeartbeat(ctx, ingest.Heartbeat{InstrumentID: opts.Instrument}); err != nil {
			_ = out.Error(CodeDelivery, err.Error(), nil)
			return WrapExitError(ExitFailure, "heartbeat failed", err)
		}
	}

	summary := PushSummary{Sessions: []string{}}
	for _, path := range args {
		seq, err := readSequence(path)
		if err != nil {
			return err
		}
		current := streamer.Session()
		out.VerboseLog("pushing %s as fragment %d of session %s", path, streamer.Sent(), current)
		sent, err := streamer.Push(ctx, seq)
		switch {
		case errors.Is(err, uploader.ErrSessionAbandoned):
			summary.Abandoned++
		case err != nil:
			return WrapExitError(ExitFailure, "push interrupted", err)
		case sent:
			summary.Sent++
			if n := len(summary.Sessions); n == 0 || summary.Sessions[n-1] != current {
				summary.Sessions = append(summary.Sessions, current)
			}
		default:
			summary.Skipped++
		}
	}

	if err := out.Success(summary); err != nil {
		return err
	}
	if summary.Abandoned > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d fragments could not be delivered", summary.Abandoned))
	}
	return nil
}
