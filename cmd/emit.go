package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/stagestream/internal/broker"
	"github.com/JakeFAU/stagestream/internal/config"
	"github.com/JakeFAU/stagestream/internal/logging"
	"github.com/JakeFAU/stagestream/internal/publisher"
	"github.com/JakeFAU/stagestream/internal/server"
	"github.com/JakeFAU/stagestream/internal/simulate"
)

// newBroker is replaced in tests.
var newBroker = server.NewBroker

type emitOptions struct {
	project string
	stage   string
	delay   time.Duration
	req     simulate.Request
}

func newEmitCmd() *cobra.Command {
	var opts emitOptions
	cmd := &cobra.Command{
		Use:   "emit",
		Short: "Publishes a scripted progress sequence for one stage",
		Long: `Runs a simulated stage against the configured broker, emitting the same
token, progress and terminal events a real executor would. Useful for
exercising stream clients against a shared Redis broker.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			return runEmit(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.project, "project", "", "project id (group)")
	cmd.Flags().StringVar(&opts.stage, "stage", simulate.StageRewrite, "stage name")
	cmd.Flags().DurationVar(&opts.delay, "delay", 200*time.Millisecond, "pause between events")
	cmd.Flags().StringVar(&opts.req.Text, "text", "", "text streamed by text stages")
	cmd.Flags().IntVar(&opts.req.Items, "items", 0, "item count for batch stages")
	cmd.Flags().IntVar(&opts.req.FailAt, "fail-at", 0, "fail at this token or item index")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func runEmit(ctx context.Context, cfg *config.Config, opts emitOptions, out io.Writer) error {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return fmt.Errorf("logger init failed: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.Broker.Kind != config.BrokerRedis {
		logger.Warn("emitting on an in-memory broker; only subscribers in this process will see the events")
	}
	b, err := newBroker(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil {
			logger.Warn("broker close failed", zap.Error(cerr))
		}
	}()

	return emitOn(ctx, b, cfg, opts, logger, out)
}

func emitOn(
	ctx context.Context,
	b broker.Broker,
	cfg *config.Config,
	opts emitOptions,
	logger *zap.Logger,
	out io.Writer,
) error {
	name, err := cfg.Namespace().Name(opts.project, opts.stage)
	if err != nil {
		return fmt.Errorf("channel: %w", err)
	}
	fmt.Fprintf(out, "emitting on %s\n", name)

	task := simulate.TaskFor(opts.stage, opts.req, opts.delay)
	err = publisher.Run(ctx, b, cfg.Namespace(), opts.project, opts.stage,
		server.PublisherConfig(cfg), task, publisher.WithLogger(logger))
	if err != nil {
		fmt.Fprintf(out, "stage failed: %v\n", err)
		return err
	}
	fmt.Fprintln(out, "stage completed")
	return nil
}
