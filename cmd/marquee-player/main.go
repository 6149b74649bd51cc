package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/marquee-dev/marquee/internal/config"
	"github.com/marquee-dev/marquee/internal/logging"
	"github.com/marquee-dev/marquee/internal/player"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	serverURL := flag.String("server", "", "Override hub device endpoint URL")
	token := flag.String("token", "", "Override device credential")
	deviceID := flag.String("device", "", "Override device id")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if errors.Is(err, os.ErrNotExist) {
		cfg = config.Default()
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Player.ServerURL = *serverURL
	}
	if *token != "" {
		cfg.Player.Token = *token
	}
	if *deviceID != "" {
		cfg.Player.DeviceID = *deviceID
	}

	log := logging.New(cfg.Log)

	// The dev surface stands in for the browser driver, so the player can
	// run end-to-end against a hub without real display hardware.
	surface := player.NewDevSurface(logging.Component(log, "surface"))
	client := player.NewClient(cfg.Player, surface, logging.Component(log, "player"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal().Err(err).Msg("player exited")
	}
	log.Info().Msg("shutdown complete")
}
