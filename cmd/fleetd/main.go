// Package main provides the entry point for the fleet daemon.
package main

import (
	"context"
	"os"

	"github.com/soundmesh/fleet/internal/api"
	"github.com/soundmesh/fleet/internal/fleet"
	"github.com/soundmesh/fleet/internal/metrics"
	"github.com/soundmesh/fleet/internal/shutdown"
	"github.com/soundmesh/fleet/internal/store"
	pgstore "github.com/soundmesh/fleet/internal/store/postgres"
	"github.com/soundmesh/fleet/pkg/config"
	"github.com/soundmesh/fleet/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)

	if err := cfg.WriteBootstrapFile(config.BootstrapPath()); err != nil {
		log.Warn("could not write bootstrap file", "error", err)
	}

	var st store.Store
	if cfg.DatabaseDSN != "" {
		pg, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), log)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		st = pg
	} else {
		log.Info("no database configured, using in-memory store")
		st = store.NewMemoryStore()
	}

	m := metrics.New()
	f := fleet.New(fleet.Options{
		Config:   cfg,
		Store:    st,
		Metrics:  m,
		Logger:   log,
		ClientID: cfg.ClientID,
	})

	coordinator := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log),
	)
	coordinator.Register(shutdown.NewCloserComponent("store", st))
	coordinator.Register(f)

	ctx := context.Background()
	if err := f.Initialize(ctx); err != nil {
		log.Error("fleet initialization failed", "error", err)
		coordinator.Shutdown()
		os.Exit(1)
	}

	server := api.NewServer(cfg, f, st, log)
	coordinator.Register(server)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	go coordinator.WaitForSignal()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error("API server failed", "error", err)
		}
		coordinator.Shutdown()
	case <-waitDone(coordinator):
	}

	coordinator.Wait()
	os.Exit(coordinator.ExitCode())
}

func waitDone(c *shutdown.Coordinator) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		c.Wait()
		close(ch)
	}()
	return ch
}
