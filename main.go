package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/agentbeats/fabench/internal/config"
	"github.com/agentbeats/fabench/internal/server"
)

func main() {
	// Local runs keep credentials in .env; absence is fine.
	_ = godotenv.Load()

	conf, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, level, err := conf.Logging.BuildLogger()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting evaluation engine",
		zap.String("self_id", conf.Service.SelfID),
		zap.Int("port", conf.Service.Port),
		zap.String("judges_mode", conf.Judges.Mode),
	)

	srv, err := server.New(conf, logger, level)
	if err != nil {
		logger.Fatal("Service assembly failed", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("Service exited", zap.Error(err))
	}
}
