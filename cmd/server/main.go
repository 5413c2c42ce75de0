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

	"github.com/joho/godotenv"

	"github.com/vmoraes/recimarket/backend/internal/catalog"
	"github.com/vmoraes/recimarket/backend/internal/config"
	"github.com/vmoraes/recimarket/backend/internal/graph"
	"github.com/vmoraes/recimarket/backend/internal/ledger"
	"github.com/vmoraes/recimarket/backend/internal/logging"
	"github.com/vmoraes/recimarket/backend/internal/pricing"
	"github.com/vmoraes/recimarket/backend/internal/registry"
	"github.com/vmoraes/recimarket/backend/internal/server"
	"github.com/vmoraes/recimarket/backend/internal/service"
)

func main() {
	ctx := context.Background()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.Logging)

	cat, err := catalog.LoadFile(cfg.Engine.CatalogPath)
	if err != nil {
		logger.Error("failed to load material catalog", "path", cfg.Engine.CatalogPath, "error", err)
		os.Exit(1)
	}
	reg, err := registry.LoadFile(cfg.Engine.RegistryPath)
	if err != nil {
		logger.Error("failed to load party registry", "path", cfg.Engine.RegistryPath, "error", err)
		os.Exit(1)
	}

	graphClient, led, err := buildLedger(ctx, logger, cfg)
	if err != nil {
		logger.Error("failed to build ledger", "error", err)
		os.Exit(1)
	}
	defer func() {
		if graphClient != nil {
			if err := graphClient.Close(context.Background()); err != nil {
				logger.Warn("closing graph client failed", "error", err)
			}
		}
	}()

	builder := pricing.NewBuilder(cat, pricing.NewResolver(cat, reg))
	tradeService := service.NewTradeService(led, reg, builder, logger).
		WithCurrency(cfg.Engine.Currency).
		WithRetry(cfg.Engine.RetryAttempts, cfg.Engine.RetryBackoff)
	apiHandlers := server.NewAPIHandlers(logger, tradeService)

	router := server.NewRouter(logger, server.RouterDependencies{
		Health:           server.LedgerHealthService{Client: graphClient},
		API:              apiHandlers,
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
}

// buildLedger prefers the graph-backed ledger and falls back to the in-memory
// one when no graph URI is configured, which keeps local development free of
// external dependencies.
func buildLedger(ctx context.Context, logger *slog.Logger, cfg config.Config) (graph.Client, ledger.Ledger, error) {
	if cfg.Graph.URI == "" {
		logger.Warn("GRAPH_URI not set, using in-memory ledger; transactions will not survive restarts")
		return nil, ledger.NewMemory(), nil
	}

	opts := graph.Options{
		URI:            cfg.Graph.URI,
		Database:       cfg.Graph.Database,
		Username:       cfg.Graph.Username,
		Password:       cfg.Graph.Password,
		MaxConnections: cfg.Graph.MaxConnections,
	}
	client, err := graph.NewNeo4jClient(ctx, opts)
	if err != nil {
		return nil, nil, err
	}
	return client, ledger.NewGraph(client), nil
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
