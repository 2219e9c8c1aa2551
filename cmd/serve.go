package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/stagestream/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the streaming HTTP server",
		Long: `Serves the SSE and WebSocket stream endpoints, stage status lookups and,
when enabled, the simulated executor. Stops on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
