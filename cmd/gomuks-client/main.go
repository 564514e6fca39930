package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/gomuks-client/gomuks"
	"github.com/alexjbarnes/gomuks-client/internal/config"
	"github.com/alexjbarnes/gomuks-client/internal/logging"
	"github.com/alexjbarnes/gomuks-client/internal/state"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("gomuks-client starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("device", cfg.DeviceName),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appState, err := state.Load()
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}
	defer appState.Close()

	client, err := gomuks.NewClient(cfg, appState, logger, gomuks.ClientOptions{
		OnStateChange: func(st gomuks.ConnState) {
			logger.Info("session state", slog.String("state", st.String()))
		},
	})
	if err != nil {
		return fmt.Errorf("creating client: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return client.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()

		if err := client.Close(); err != nil {
			logger.Debug("closing client", slog.String("error", err.Error()))
		}

		return gctx.Err()
	})

	return g.Wait()
}
