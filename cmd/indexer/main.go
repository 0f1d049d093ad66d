package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/transferwatch/indexer-go/api"
	"github.com/transferwatch/indexer-go/client"
	"github.com/transferwatch/indexer-go/events"
	"github.com/transferwatch/indexer-go/fetch"
	"github.com/transferwatch/indexer-go/ingest"
	"github.com/transferwatch/indexer-go/internal/config"
	"github.com/transferwatch/indexer-go/internal/logger"
	"github.com/transferwatch/indexer-go/storage"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

func main() {
	var (
		configFile  = flag.String("config", "", "Path to configuration file (YAML)")
		showVersion = flag.Bool("version", false, "Show version information and exit")
		rpcEndpoint = flag.String("rpc", "", "Chain node endpoint URL (ws:// or wss://)")
		contract    = flag.String("contract", "", "ERC-20 contract address to index")
		databaseURL = flag.String("db", "", "Postgres connection string")
		startBlock  = flag.Uint64("start-block", 0, "Block number to start backfill from")
		logLevel    = flag.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat   = flag.String("log-format", "", "Log format (json, console)")
	)

	flag.Parse()

	if *showVersion {
		fmt.Printf("transferwatch version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configFile, *rpcEndpoint, *contract, *databaseURL, *startBlock, *logLevel, *logFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting transfer indexer",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("rpc_endpoint", cfg.RPC.Endpoint),
		zap.String("contract", cfg.Contract.Address),
		zap.Uint64("start_block", cfg.Indexer.StartBlock),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// Storage: the database may still be coming up alongside us, so the
	// initial connection retries before giving up
	store, err := connectStorage(ctx, cfg, logger.WithComponent(log, "storage"))
	if err != nil {
		log.Fatal("failed to connect to database", zap.Error(err))
	}
	defer store.Close()

	if err := storage.Migrate(ctx, store.Pool()); err != nil {
		log.Fatal("failed to apply schema", zap.Error(err))
	}

	// Chain client
	chainClient, err := client.NewClient(&client.Config{
		Endpoint:          cfg.RPC.Endpoint,
		Timeout:           cfg.RPC.Timeout,
		RequestsPerSecond: cfg.RPC.RequestsPerSecond,
		Logger:            logger.WithComponent(log, "client"),
	})
	if err != nil {
		log.Fatal("failed to create chain client", zap.Error(err))
	}
	defer chainClient.Close()

	contractAddr := cfg.ContractAddress()
	if exists, err := chainClient.ContractCodeExists(ctx, contractAddr); err != nil {
		log.Warn("could not verify contract code", zap.Error(err))
	} else if !exists {
		log.Fatal("no contract deployed at configured address",
			zap.String("address", contractAddr.Hex()))
	}

	// Event bus bridges the pipeline to the WebSocket fan-out
	bus := events.NewBus()
	defer bus.Close()

	fetcher := fetch.NewFetcher(chainClient, contractAddr, logger.WithComponent(log, "fetch"))

	coordinator := ingest.NewCoordinator(chainClient, fetcher, store, bus, ingest.Config{
		StartBlock: cfg.Indexer.StartBlock,
		ChunkSize:  cfg.Indexer.ChunkSize,
		LiveBuffer: cfg.Indexer.LiveBuffer,
	}, logger.WithComponent(log, "ingest"))

	// API server
	apiConfig := api.DefaultConfig()
	apiConfig.Host = cfg.API.Host
	apiConfig.Port = cfg.API.Port
	apiConfig.EnableCORS = cfg.API.EnableCORS
	apiConfig.AllowedOrigins = cfg.API.AllowedOrigins
	apiConfig.RateLimitCapacity = cfg.API.RateLimitCapacity
	apiConfig.RateLimitRefillPerSecond = cfg.API.RateLimitRefillPerSecond
	apiConfig.StatsCacheTTL = cfg.API.StatsCacheTTL
	apiConfig.WebSocketPath = cfg.API.WebSocketPath

	apiServer, err := api.NewServer(apiConfig, logger.WithComponent(log, "api"), store, bus)
	if err != nil {
		log.Fatal("failed to create API server", zap.Error(err))
	}

	go func() {
		if err := apiServer.Start(); err != nil {
			log.Error("API server failed", zap.Error(err))
		}
	}()

	// Run the ingestion pipeline
	errChan := make(chan error, 1)
	go func() {
		errChan <- coordinator.Run(ctx)
	}()

	select {
	case sig := <-sigChan:
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
		<-errChan
	case err := <-errChan:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error("ingestion pipeline stopped with error", zap.Error(err))
		}
	}

	log.Info("shutting down gracefully")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := apiServer.Stop(shutdownCtx); err != nil {
		log.Error("failed to stop API server gracefully", zap.Error(err))
	}

	if latest, err := store.LatestBlock(context.Background()); err == nil {
		log.Info("final progress", zap.Uint64("latest_block", latest))
	} else if !errors.Is(err, storage.ErrNotFound) {
		log.Warn("failed to read final progress", zap.Error(err))
	}

	log.Info("indexer stopped")
}

// connectStorage dials Postgres with retries for the initial connection
func connectStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (*storage.PostgresStore, error) {
	var lastErr error
	for attempt := 1; attempt <= cfg.Database.ConnectRetries; attempt++ {
		store, err := storage.NewPostgresStore(ctx, cfg.Database.URL, log)
		if err == nil {
			return store, nil
		}
		lastErr = err

		log.Warn("database not ready, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", cfg.Database.ConnectRetries),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(cfg.Database.ConnectRetryDelay):
		}
	}
	return nil, fmt.Errorf("database unreachable after %d attempts: %w", cfg.Database.ConnectRetries, lastErr)
}

// loadConfig loads configuration from .env, file, environment and flags
func loadConfig(configFile, rpcEndpoint, contract, databaseURL string, startBlock uint64, logLevel, logFormat string) (*config.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	// File, then environment, then flags; defaults fill the rest
	cfg := &config.Config{}
	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	applyFlags(cfg, rpcEndpoint, contract, databaseURL, startBlock, logLevel, logFormat)
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	if err := godotenv.Load(".env"); err != nil {
		return fmt.Errorf("failed to load .env: %w", err)
	}
	return nil
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, rpcEndpoint, contract, databaseURL string, startBlock uint64, logLevel, logFormat string) {
	if rpcEndpoint != "" {
		cfg.RPC.Endpoint = rpcEndpoint
	}
	if contract != "" {
		cfg.Contract.Address = contract
	}
	if databaseURL != "" {
		cfg.Database.URL = databaseURL
	}
	if startBlock > 0 {
		cfg.Indexer.StartBlock = startBlock
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
}
