package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
)

// LoginResult is printed by the login command.
type LoginResult struct {
	URL      string `json:"url" yaml:"url"`
	User     string `json:"user" yaml:"user"`
	LoggedIn bool   `json:"logged_in" yaml:"logged_in"`
}

// NewLoginCommand creates the login command.
func NewLoginCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Check the credentials and cache a session",
		Long: `Log in to the CRM with the configured credentials. The session is kept in
the local store so later commands reuse it until the server expires it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(opts)
			if err != nil {
				return err
			}
			defer a.Close()

			if _, err := a.client.Login(cmd.Context(), a.cfg.Username, a.cfg.Password); err != nil {
				return WrapExitError("login failed", err)
			}
			a.logger.LogAttrs(cmd.Context(), slog.LevelInfo, "login succeeded", logAttrs(a)...)

			res := LoginResult{URL: a.cfg.URL, User: a.cfg.Username, LoggedIn: true}
			return printResult(cmd.OutOrStdout(), opts.Format, res, func(w io.Writer) {
				fmt.Fprintln(w, paletteFor(w).good(fmt.Sprintf("Logged in to %s as %s", res.URL, res.User)))
			})
		},
	}
}
