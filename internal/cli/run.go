package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/bookflow/internal/config"
	"github.com/roach88/bookflow/internal/listener"
	"github.com/roach88/bookflow/internal/transport"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Config string
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one stage instance",
		Long: `Run one stage instance until interrupted.

The stage file names the strategy, the input queue, the output queues and the
directory holding per-tenant state. On start the instance finishes any tenant
left complete by a previous crash, then consumes its input queue.

Example:
  bookflow run --config filter-0.yaml
  bookflow run --config tally.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "path to the stage file (required)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runStage(cmd *cobra.Command, opts *RunOptions) error {
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	setupLogging(cmd.ErrOrStderr(), opts.RootOptions, cfg.Level())
	log := slog.With("stage", cfg.Stage, "instance", cfg.Instance)

	log.Info("opening broker", "path", cfg.Broker.Path)
	broker, err := transport.OpenSQLite(cfg.Broker.Path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open broker", err)
	}
	defer func() {
		if closeErr := broker.Close(); closeErr != nil {
			log.Error("error closing broker", "error", closeErr)
		}
	}()

	st, err := buildStage(cfg, transport.NewEmitter(broker))
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to build stage", err)
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Recover(ctx); err != nil {
		return WrapExitError(ExitFailure, "recovery failed", err)
	}

	l := listener.New(broker, cfg.Input, st)
	fmt.Fprintf(cmd.OutOrStdout(), "Stage %s (%s) listening on %s. Press Ctrl-C to stop.\n", cfg.Stage, cfg.Role, cfg.Input)
	if err := l.Run(ctx); err != nil {
		return WrapExitError(ExitFailure, "stage stopped on error", err)
	}

	stats := l.Stats()
	log.Info("stage stopped", "acked", stats.Acked, "requeued", stats.Requeued, "rejected", stats.Rejected)
	return nil
}
