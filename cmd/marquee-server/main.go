package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/marquee-dev/marquee/internal/config"
	"github.com/marquee-dev/marquee/internal/hub"
	"github.com/marquee-dev/marquee/internal/logging"
	"github.com/marquee-dev/marquee/internal/store"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	port := flag.Int("port", 0, "Override server port")
	dbPath := flag.String("db", "", "Override database path")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Server.DatabasePath = *dbPath
	}

	log := logging.New(cfg.Log)

	st, err := store.OpenSQLite(cfg.Server.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.Server.DatabasePath).Msg("open store")
	}
	defer st.Close()

	promReg := prometheus.NewRegistry()
	metrics := hub.NewMetrics(promReg)
	registry := hub.NewRegistry(metrics, logging.Component(log, "registry"))
	router := hub.NewRouter(registry, st, metrics, cfg.Server.ConfigSettle, logging.Component(log, "router"))
	server := hub.NewServer(cfg.Server, registry, router, st, promReg, logging.Component(log, "server"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.ListenAndServe(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("hub exited")
	}
	log.Info().Msg("shutdown complete")
}
