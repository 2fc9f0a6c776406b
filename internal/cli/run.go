package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/go-crm-sync/config"
	"github.com/c0deZ3R0/go-crm-sync/errors"
	"github.com/c0deZ3R0/go-crm-sync/status"
	"github.com/c0deZ3R0/go-crm-sync/synckit"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Listen  string
	NoWatch bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run [entity-type...]",
		Short: "Poll and push continuously until interrupted",
		Long: `Start the sync engine: one scheduler per collection polls at the configured
interval while local edits are pushed as they are queued. The poll interval
is reloaded when the config file changes.

Example:
  crmsync run
  crmsync run --listen 127.0.0.1:8089 Contacts`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(cmd.Context(), opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "status server address (overrides status.listen)")
	cmd.Flags().BoolVar(&opts.NoWatch, "no-watch", false, "do not reload the config file on change")
	return cmd
}

func runEngine(parent context.Context, opts *RunOptions, types []string) error {
	a, err := openApp(opts.RootOptions)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.trackForRun(ctx, types); err != nil {
		return WrapExitError("track collections", err)
	}

	a.engine.Subscribe(func(res synckit.PassResult) {
		if res.Err != nil {
			a.logger.Warn("pass failed", slog.String("collection", res.CollectionID), slog.String("error", res.ErrorText()))
		}
	})

	listen := a.cfg.Status.Listen
	if opts.Listen != "" {
		listen = opts.Listen
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.engine.Run(gctx)
	})
	if listen != "" {
		srv := status.NewServer(a.engine, a.stats, a.logger, status.WithSyncTimeout(a.cfg.CallTimeout*10))
		g.Go(func() error {
			return srv.ListenAndServe(gctx, listen)
		})
	}
	if a.cfgFile != "" && !opts.NoWatch {
		g.Go(func() error {
			return config.Watch(gctx, a.cfgFile, func(cfg *config.Config, err error) {
				if err != nil {
					a.logger.LogError(gctx, err, "config reload failed")
					return
				}
				a.engine.SetPollInterval(cfg.Interval())
			})
		})
	}

	if err := g.Wait(); err != nil {
		return WrapExitError("engine stopped", err)
	}
	return nil
}

// trackForRun is trackOrDiscover for the long-running engine. When the
// server cannot be asked which types it offers, the configured types are
// tracked instead and each pass retries the server on its own schedule.
func (a *app) trackForRun(ctx context.Context, types []string) error {
	err := a.trackOrDiscover(ctx, types)
	if err == nil || len(types) > 0 || !(errors.IsRemote(err) || errors.IsAuth(err)) {
		return err
	}
	a.logger.LogError(ctx, err, "discovery failed, tracking configured types")
	return a.trackConfigured(ctx)
}
