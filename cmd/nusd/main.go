package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"nusd/config"
	"nusd/core"
	"nusd/native/vault"
	"nusd/observability/logging"
	telemetry "nusd/observability/otel"
	"nusd/oracle"
	"nusd/rpc"
	"nusd/storage"
)

const shutdownTimeout = 5 * time.Second

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	env := strings.TrimSpace(os.Getenv("NUSD_ENV"))
	logger := logging.SetupWith("nusd", env, logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	for _, key := range cfg.Undecoded {
		logger.Warn("Ignoring unknown configuration key", slog.String("key", key))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	otelCfg := telemetry.FromEnv("nusd", env)
	if otelCfg.Enabled() {
		shutdownTelemetry, err := telemetry.Init(ctx, otelCfg)
		if err != nil {
			logger.Error("Failed to initialise telemetry", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTelemetry(flushCtx)
		}()
	}

	db, err := openDatabase(cfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	nodeCfg, err := buildNodeConfig(ctx, cfg, logger)
	if err != nil {
		panic(fmt.Sprintf("Failed to assemble node config: %v", err))
	}

	node, err := core.NewNode(db, nodeCfg)
	if err != nil {
		panic(fmt.Sprintf("Failed to create node: %v", err))
	}

	authToken := cfg.ResolveAuthToken()
	if authToken == "" {
		logger.Warn("No RPC auth token resolved; mutating methods will be refused",
			slog.String("env", cfg.RPCAuthTokenEnv))
	} else {
		logger.Info("RPC auth configured", logging.MaskField("token", authToken))
	}

	rpcServer := rpc.NewServer(node, rpc.ServerConfig{
		AuthToken:         authToken,
		TrustProxyHeaders: cfg.RPCTrustProxyHeaders,
		RequestsPerMinute: cfg.RPCRequestsPerMinute,
		Burst:             cfg.RPCBurst,
	})

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- rpcServer.Start(cfg.RPCAddress)
	}()

	logger.Info("nusd node initialised and running",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("backend", cfg.StorageBackend),
		slog.String("debt", nodeCfg.Debt.Symbol),
		slog.Int("collateral", len(nodeCfg.Collateral)))

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rpcServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("RPC shutdown failed", slog.Any("error", err))
		}
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("RPC server terminated", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

func openDatabase(cfg *config.Config) (storage.Database, error) {
	switch cfg.StorageBackend {
	case config.BackendMemory:
		return storage.NewMemDB(), nil
	case config.BackendLevelDB:
		return storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	case config.BackendBolt:
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return nil, err
		}
		return storage.NewBoltDB(filepath.Join(cfg.DataDir, "state.db"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// buildNodeConfig turns file configuration into the node's wiring, starting a
// poll loop for every HTTP price feed.
func buildNodeConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (core.Config, error) {
	supplyCap, err := cfg.Debt.ParsedSupplyCap()
	if err != nil {
		return core.Config{}, fmt.Errorf("debt: %w", err)
	}

	nodeCfg := core.Config{
		Debt: core.DebtConfig{
			Symbol:    cfg.Debt.Symbol,
			Name:      cfg.Debt.Name,
			SupplyCap: supplyCap,
		},
		Pauses: cfg.Pauses.Set(),
	}

	for _, entry := range cfg.Collateral {
		feed, err := buildFeed(ctx, entry, logger)
		if err != nil {
			return core.Config{}, fmt.Errorf("collateral %s: %w", entry.Symbol, err)
		}
		allocations := make([]core.Allocation, 0, len(entry.Allocations))
		for _, alloc := range entry.Allocations {
			account, amount, err := alloc.Parse()
			if err != nil {
				return core.Config{}, fmt.Errorf("collateral %s: %w", entry.Symbol, err)
			}
			allocations = append(allocations, core.Allocation{Account: account, Amount: amount})
		}
		nodeCfg.Collateral = append(nodeCfg.Collateral, core.CollateralConfig{
			Symbol:      entry.Symbol,
			Name:        entry.Name,
			Decimals:    entry.Decimals,
			FeedID:      entry.FeedID,
			Feed:        feed,
			Allocations: allocations,
		})
	}
	return nodeCfg, nil
}

func buildFeed(ctx context.Context, entry config.CollateralConfig, logger *slog.Logger) (vault.PriceFeed, error) {
	switch entry.Feed.Kind {
	case "manual":
		price, err := entry.Feed.ParsedPrice()
		if err != nil {
			return nil, err
		}
		return oracle.NewManual(price, entry.Feed.Decimals), nil
	case "http":
		feed, err := oracle.NewHTTPFeed(oracle.HTTPFeedConfig{
			Endpoint:   entry.Feed.Endpoint,
			AssetID:    entry.Feed.AssetID,
			VsCurrency: entry.Feed.VsCurrency,
			Decimals:   entry.Feed.Decimals,
		})
		if err != nil {
			return nil, err
		}
		primeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := feed.Refresh(primeCtx); err != nil {
			logger.Warn("Initial price fetch failed; feed reports unavailable until the first successful poll",
				slog.String("asset", entry.Symbol),
				slog.Any("error", err))
		} else if answer, _, err := feed.LatestPrice(); err == nil {
			logger.Info("Price feed primed",
				slog.String("asset", entry.Symbol),
				slog.String("answer", answer.String()))
		}
		cancel()
		go feed.Poll(ctx, time.Duration(entry.Feed.PollSeconds)*time.Second)
		return feed, nil
	default:
		return nil, fmt.Errorf("unknown feed kind %q", entry.Feed.Kind)
	}
}
