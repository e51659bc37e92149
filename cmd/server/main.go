package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"election_results/pkg/api"
	"election_results/pkg/config"
	"election_results/pkg/database"
	"election_results/pkg/ingest"
	"election_results/pkg/match"
	"election_results/pkg/metrics"
	"election_results/pkg/utils"
)

var (
	configFile = flag.String("config", "config.yaml", "Path to configuration file")
	debug      = flag.Bool("debug", false, "Enable debug logging to stderr")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *debug {
		cfg.Log.Debug = true
	}

	logger, err := utils.NewLogger(&cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Database
	db, err := database.NewService(&cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database service: %w", err)
	}

	startCtx, startCancel := context.WithTimeout(ctx, 60*time.Second)
	defer startCancel()
	if err := db.Start(startCtx); err != nil {
		return fmt.Errorf("starting database: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		if err := db.Stop(stopCtx); err != nil {
			logger.Error("Stopping database", zap.Error(err))
		}
	}()
	repo := db.GetRepository()

	// Matcher index over the reference constituency set
	constituencies, err := repo.ListAllConstituencies(startCtx)
	if err != nil {
		return fmt.Errorf("loading constituencies: %w", err)
	}
	matcher := match.New()
	for _, c := range constituencies {
		matcher.Add(c.Name, c.ID)
	}
	logger.Info("Constituency matcher built", zap.Int("constituencies", matcher.Len()))

	// Jobs and API
	m := metrics.NewDefault()
	pipeline := ingest.NewPipeline(repo, matcher, m, logger, cfg.Ingest.ProgressBatchSize)
	rollback := ingest.NewEngine(repo, m, logger, cfg.Ingest.ProgressBatchSize)

	server := api.NewServer(&cfg.Server, repo, pipeline, rollback, db.IsHealthy, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return <-errCh
}
