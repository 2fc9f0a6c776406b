package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-crm-sync/config"
)

// NewConfigCommand creates the config command group.
func NewConfigCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Create or inspect the configuration",
	}
	cmd.AddCommand(newConfigInitCommand(opts))
	cmd.AddCommand(newConfigShowCommand(opts))
	return cmd
}

func newConfigInitCommand(opts *RootOptions) *cobra.Command {
	var (
		force bool
		seed  = config.Default()
		types string
	)

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with default settings",
		Long: `Write a TOML config file. The path defaults to --config, then
$CRMSYNC_CONFIG, then ./crmsync.toml. An existing file is kept unless --force
is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.ConfigFile
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				path = config.FileName + ".toml"
			}

			cfg := seed
			cfg.URL = config.NormalizeURL(cfg.URL)
			for _, t := range strings.Split(types, ",") {
				if t = strings.TrimSpace(t); t != "" {
					cfg.EntityTypes = append(cfg.EntityTypes, t)
				}
			}
			if err := config.WriteFile(path, cfg, force); err != nil {
				return WrapExitError("write config", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "overwrite an existing file")
	cmd.Flags().StringVar(&seed.URL, "url", "", "CRM base URL")
	cmd.Flags().StringVar(&seed.Username, "username", "", "CRM user name")
	cmd.Flags().StringVar(&seed.Store.Driver, "store", seed.Store.Driver, "store driver (sqlite|postgres|memory)")
	cmd.Flags().StringVar(&seed.Store.DSN, "dsn", seed.Store.DSN, "store data source name")
	cmd.Flags().StringVar(&types, "types", "", "comma separated entity types to sync")
	return cmd
}

func newConfigShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (password omitted)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, v, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cfg.Password = ""
			return printResult(cmd.OutOrStdout(), opts.Format, cfg, func(w io.Writer) {
				if file := config.File(v); file != "" {
					fmt.Fprintf(w, "file:          %s\n", file)
				}
				fmt.Fprintf(w, "url:           %s\n", cfg.URL)
				fmt.Fprintf(w, "username:      %s\n", cfg.Username)
				fmt.Fprintf(w, "poll interval: %s\n", cfg.Interval())
				fmt.Fprintf(w, "call timeout:  %s\n", cfg.CallTimeout)
				fmt.Fprintf(w, "page size:     %d\n", cfg.PageSize)
				fmt.Fprintf(w, "entity types:  %s\n", strings.Join(cfg.EntityTypes, ", "))
				fmt.Fprintf(w, "store:         %s %s\n", cfg.Store.Driver, cfg.Store.DSN)
				fmt.Fprintf(w, "status listen: %s\n", cfg.Status.Listen)
				fmt.Fprintf(w, "log:           %s %s\n", cfg.Log.Level, cfg.Log.Format)
			})
		},
	}
}
