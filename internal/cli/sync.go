package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-crm-sync/synckit"
)

// SyncReport is printed by the sync command.
type SyncReport struct {
	Pushed   synckit.DrainResult `json:"pushed" yaml:"pushed"`
	Passes   []PassReport        `json:"passes" yaml:"passes"`
	Failures int                 `json:"failures" yaml:"failures"`
}

// PassReport is a pass result with its error as text.
type PassReport struct {
	synckit.PassResult `yaml:",inline"`
	Error              string `json:"error,omitempty" yaml:"error,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(opts *RootOptions) *cobra.Command {
	var noPush bool

	cmd := &cobra.Command{
		Use:   "sync [entity-type...]",
		Short: "Push pending local edits and run one pass per collection",
		Long: `Run a single synchronization round and exit. Pending local edits are pushed
first, then every collection is polled once. Without arguments every entity
type the server offers (limited to entity_types from the config) is synced.

Example:
  crmsync sync
  crmsync sync Contacts Tasks --format json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.trackOrDiscover(ctx, args); err != nil {
				return WrapExitError("track collections", err)
			}

			var report SyncReport
			if !noPush {
				report.Pushed, err = a.engine.Drain(ctx)
				if err != nil {
					return WrapExitError("push local changes", err)
				}
				report.Failures += report.Pushed.Failed
			}

			var firstErr error
			for _, res := range a.engine.SyncAll(ctx) {
				report.Passes = append(report.Passes, PassReport{PassResult: res, Error: res.ErrorText()})
				if res.Err != nil {
					report.Failures++
					if firstErr == nil {
						firstErr = res.Err
					}
				}
			}

			if err := printResult(cmd.OutOrStdout(), opts.Format, report, func(w io.Writer) {
				writeSyncReport(w, report, noPush)
			}); err != nil {
				return err
			}
			if firstErr != nil {
				return WrapExitError("sync failed", firstErr)
			}
			if report.Failures > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d local changes could not be pushed", report.Pushed.Failed))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&noPush, "no-push", false, "only poll, leave local edits pending")
	return cmd
}

func writeSyncReport(w io.Writer, report SyncReport, noPush bool) {
	p := paletteFor(w)
	if !noPush {
		line := fmt.Sprintf("Pushed %d local changes (%d failed, %d deferred)",
			report.Pushed.Pushed, report.Pushed.Failed, report.Pushed.Deferred)
		if report.Pushed.Failed > 0 {
			line = p.bad(line)
		}
		fmt.Fprintln(w, line)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "COLLECTION\tSEEN\tCREATED\tUPDATED\tDELETED\tFAILED\tWATERMARK")
	for _, pass := range report.Passes {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			pass.CollectionID, pass.Seen, pass.Created, pass.Updated, pass.Deleted, pass.Failed,
			formatTime(pass.WatermarkAfter))
	}
	tw.Flush()

	for _, pass := range report.Passes {
		if pass.Error != "" {
			fmt.Fprintf(w, "%s %s: %s\n", p.bad("FAILED"), pass.CollectionID, pass.Error)
		}
	}
	if report.Failures == 0 {
		fmt.Fprintln(w, p.good("Sync complete"))
	}
}
