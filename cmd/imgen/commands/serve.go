// Package commands holds the imgen CLI subcommands.
package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rodan32/imgen/config"
	"github.com/rodan32/imgen/db"
	"github.com/rodan32/imgen/dispatch"
	"github.com/rodan32/imgen/errors"
	"github.com/rodan32/imgen/fleet"
	"github.com/rodan32/imgen/logger"
	"github.com/rodan32/imgen/progress"
	"github.com/rodan32/imgen/router"
	"github.com/rodan32/imgen/server"
	"github.com/rodan32/imgen/worker"
	"github.com/rodan32/imgen/workflow"
)

// ServeCmd starts the orchestrator server.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator server",
	Long: `Start the orchestrator: load the fleet and templates, open the
database, begin health probes and worker event listeners, and serve the
HTTP and WebSocket API until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		return runServe(configPath)
	},
}

func runServe(configPath string) error {
	log := logger.Logger

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	database, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer database.Close()
	if err := db.Migrate(database, log); err != nil {
		return err
	}

	store := dispatch.NewStore(database, log)
	if _, err := store.SweepInFlight(); err != nil {
		return err
	}

	registry := fleet.NewRegistry(log)
	if err := registry.LoadFile(cfg.Fleet.Path); err != nil {
		return errors.Wrap(err, "load fleet")
	}

	engine := workflow.NewEngine(cfg.Templates.Dir, log)
	if err := engine.Load(); err != nil {
		return errors.Wrap(err, "load templates")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry.StartProbes(ctx,
		time.Duration(cfg.Fleet.ProbeIntervalSeconds)*time.Second,
		time.Duration(cfg.Fleet.ProbeTimeoutSeconds)*time.Second,
	)

	pool := worker.NewPool(registry,
		time.Duration(cfg.Dispatch.WorkerTimeoutSeconds)*time.Second,
		time.Duration(cfg.Dispatch.ConnectTimeoutSeconds)*time.Second,
		log,
	)

	aggregator := progress.NewAggregator(log)
	subscribers := progress.StartSubscribers(ctx, pool, aggregator, log)

	images := dispatch.NewImageStore(cfg.Images.Dir, log)
	taskRouter := router.New(registry, log)
	driver := dispatch.NewDriver(pool, registry, store, images, aggregator,
		time.Duration(cfg.Dispatch.PollIntervalSeconds)*time.Second,
		time.Duration(cfg.Dispatch.DeadlineSeconds)*time.Second,
		log,
	)
	service := dispatch.NewService(ctx, taskRouter, engine, pool, store, images, driver, log)

	srv := server.New(cfg, service, registry, engine, aggregator, log)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Infow("Shutting down on signal", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	// Shutdown order: stop accepting requests, cancel and drain drivers,
	// then tear down listeners, probes, and connections.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warnw("HTTP shutdown did not finish cleanly", "error", err)
	}

	cancel()
	service.Drain()
	subscribers.Stop()
	registry.StopProbes()
	pool.Close()

	log.Infow("Shutdown complete")
	return nil
}
