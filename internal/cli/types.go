package cli

import (
	"fmt"
	"io"
	"slices"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// EntityType is one row of the types command.
type EntityType struct {
	Name      string `json:"name" yaml:"name"`
	Supported bool   `json:"supported" yaml:"supported"`
}

// NewTypesCommand creates the types command.
func NewTypesCommand(opts *RootOptions) *cobra.Command {
	var all bool

	cmd := &cobra.Command{
		Use:   "types",
		Short: "List the entity types the server exposes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			available, err := a.client.ListEntityTypes(cmd.Context())
			if err != nil {
				return WrapExitError("list entity types", err)
			}
			slices.Sort(available)

			rows := make([]EntityType, 0, len(available))
			for _, name := range available {
				supported := a.registry.Has(name)
				if supported || all {
					rows = append(rows, EntityType{Name: name, Supported: supported})
				}
			}

			return printResult(cmd.OutOrStdout(), opts.Format, rows, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TYPE\tSUPPORTED")
				for _, r := range rows {
					fmt.Fprintf(tw, "%s\t%t\n", r.Name, r.Supported)
				}
				tw.Flush()
			})
		},
	}

	cmd.Flags().BoolVarP(&all, "all", "a", false, "include types without a schema")
	return cmd
}
