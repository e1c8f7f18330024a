package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ajai24/food-ordering/internal/config"
	"github.com/ajai24/food-ordering/internal/identity"
	"github.com/ajai24/food-ordering/internal/logging"
	"github.com/ajai24/food-ordering/internal/payments"
	"github.com/ajai24/food-ordering/internal/server"
	"github.com/ajai24/food-ordering/internal/store"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	paymentStore, health, closeStore, err := buildStore(ctx, logger, cfg.Store)
	if err != nil {
		logger.Error("failed to create payment store", "error", err)
		os.Exit(1)
	}
	defer closeStore()

	engine := payments.NewEngine(paymentStore, buildIdentityClient(cfg.Identity), logger, payments.Config{
		SettlementDelay: cfg.Payments.SettlementDelay,
		CaptureRate:     cfg.Payments.CaptureRate,
	})

	router := server.NewRouter(logger, server.RouterDependencies{
		Health:           server.StoreHealthService{Store: health},
		Payments:         server.NewPaymentHandlers(logger, engine),
		AllowedOrigins:   parseAllowedOrigins(cfg.HTTP.AllowedOriginsCSV),
		AllowCredentials: true,
	})

	srv := server.New(logger, cfg.HTTP, router)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server stopped unexpectedly", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}

	// Let scheduled settlements finish before releasing the store.
	if err := engine.Drain(shutdownCtx); err != nil {
		logger.Warn("settlement drain interrupted", "error", err)
	}
}

func buildStore(ctx context.Context, logger *slog.Logger, cfg config.StoreConfig) (payments.Store, server.Pinger, func(), error) {
	if cfg.URI == "" {
		logger.Warn("no mongo URI configured, using in-memory payment store")
		mem := store.NewMemoryStore()
		return mem, mem, func() {}, nil
	}

	mongoStore, err := store.NewMongoStore(ctx, store.Config{
		URI:            cfg.URI,
		Database:       cfg.Database,
		MaxPoolSize:    cfg.MaxPoolSize,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, nil, nil, err
	}

	closeFn := func() {
		if err := mongoStore.Close(context.Background()); err != nil {
			logger.Warn("closing payment store failed", "error", err)
		}
	}
	return mongoStore, mongoStore, closeFn, nil
}

func buildIdentityClient(cfg config.IdentityConfig) identity.Client {
	if cfg.BaseURL == "" {
		return identity.Noop{}
	}
	return identity.NewHTTPClient(strings.TrimRight(cfg.BaseURL, "/"), cfg.Timeout)
}

func parseAllowedOrigins(csv string) []string {
	if csv == "" {
		return nil
	}
	parts := strings.Split(csv, ",")
	var origins []string
	for _, part := range parts {
		origin := strings.TrimSpace(part)
		if origin == "" {
			continue
		}
		origins = append(origins, origin)
	}
	return origins
}
