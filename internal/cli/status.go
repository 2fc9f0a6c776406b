package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-crm-sync/synckit"
)

// CollectionReport is one row of the status command.
type CollectionReport struct {
	synckit.TrackedCollection `yaml:",inline"`
	Items                     int `json:"items" yaml:"items"`
}

// StatusReport is printed by the status command.
type StatusReport struct {
	URL          string             `json:"url" yaml:"url"`
	User         string             `json:"user" yaml:"user"`
	Store        string             `json:"store" yaml:"store"`
	PollInterval string             `json:"poll_interval" yaml:"poll_interval"`
	Pending      int                `json:"pending_changes" yaml:"pending_changes"`
	Collections  []CollectionReport `json:"collections" yaml:"collections"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show watermarks, item counts and pending local changes",
		Long: `Show the local state of every configured collection without contacting the
server: the watermark reached, how many items are stored, and how many local
edits are waiting to be pushed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			if err := a.trackConfigured(ctx); err != nil {
				return WrapExitError("track collections", err)
			}

			report := StatusReport{
				URL:          a.cfg.URL,
				User:         a.cfg.Username,
				Store:        a.cfg.Store.Driver,
				PollInterval: a.engine.PollInterval().String(),
			}
			pending, err := a.store.PendingMutations(ctx, 0)
			if err != nil {
				return WrapExitError("read outbox", err)
			}
			report.Pending = len(pending)

			for _, st := range a.engine.Collections() {
				items, err := a.store.ListItems(ctx, st.ID)
				if err != nil {
					return WrapExitError("list items", err)
				}
				report.Collections = append(report.Collections, CollectionReport{
					TrackedCollection: st.TrackedCollection,
					Items:             len(items),
				})
			}

			return printResult(cmd.OutOrStdout(), opts.Format, report, func(w io.Writer) {
				p := paletteFor(w)
				fmt.Fprintln(w, p.heading(fmt.Sprintf("%s as %s", report.URL, report.User)))
				fmt.Fprintf(w, "store: %s, poll every %s\n", report.Store, report.PollInterval)
				pending := fmt.Sprintf("%d local changes pending", report.Pending)
				if report.Pending == 0 {
					pending = p.good(pending)
				}
				fmt.Fprintf(w, "%s\n\n", pending)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "COLLECTION\tITEMS\tWATERMARK")
				for _, c := range report.Collections {
					wm := "-"
					if c.HasWatermark {
						wm = formatTime(c.Watermark)
					}
					fmt.Fprintf(tw, "%s\t%d\t%s\n", c.ID, c.Items, wm)
				}
				tw.Flush()
			})
		},
	}
}
