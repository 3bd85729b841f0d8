package main

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/config"
	"github.com/agentbeats/fabench/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the evaluation HTTP service",
		Long: `serve starts the same service the fabench binary runs: the A2A inbox,
the evaluation API, event streams, health endpoints, and the metrics
listener. It stops cleanly on SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := config.Load()
			if err != nil {
				return err
			}
			logger, level, err := conf.Logging.BuildLogger()
			if err != nil {
				return err
			}
			defer logger.Sync()

			logger.Info("Starting evaluation engine",
				zap.String("self_id", conf.Service.SelfID),
				zap.Int("port", conf.Service.Port),
				zap.String("judges_mode", conf.Judges.Mode),
			)

			srv, err := server.New(conf, logger, level)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx)
		},
	}
}
