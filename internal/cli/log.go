package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/octavio/internal/auditlog"
)

// LogOptions holds flags for the log command.
type LogOptions struct {
	*RootOptions
	Date string
}

// logListing renders entries one per line in text mode.
type logListing []auditlog.Entry

func (l logListing) String() string {
	if len(l) == 0 {
		return "no entries"
	}
	var b strings.Builder
	for i, e := range l {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s %-9s %s", e.ReceivedAt.Format(time.RFC3339), e.Kind, e.InstrumentID)
		if e.SessionID != "" {
			fmt.Fprintf(&b, "/%s", e.SessionID)
		}
		if e.Seq != nil {
			fmt.Fprintf(&b, " #%d", *e.Seq)
		}
		if e.Result != "" {
			fmt.Fprintf(&b, " %s (%d events)", e.Result, e.Events)
		}
	}
	return b.String()
}

// NewLogCommand creates the log command.
func NewLogCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LogOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "log",
		Short: "Print the audit log for a day",
		Long: `Print every fragment and heartbeat the server received on one UTC day.

Example:
  octavio log
  octavio log --date 2024-03-01 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLog(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Date, "date", "", "UTC day as YYYY-MM-DD (default today)")

	return cmd
}

func runLog(opts *LogOptions, cmd *cobra.Command) error {
	out := opts.formatter(cmd)
	date := time.Now().UTC()
	if opts.Date != "" {
		d, err := time.Parse(time.DateOnly, opts.Date)
		if err != nil {
			return WrapExitError(ExitCommandError, "invalid --date", err)
		}
		date = d
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

	entries, err := a.log.Read(cmd.Context(), date)
	if err != nil {
		_ = out.Error(CodeStore, err.Error(), nil)
		return WrapExitError(ExitFailure, "failed to read audit log", err)
	}
	if opts.Format == "json" {
		if entries == nil {
			entries = []auditlog.Entry{}
		}
		return out.Success(entries)
	}
	return out.Success(logListing(entries))
}
