package main

import (
	"context"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brojonat/tradedesk/service/config"
	"github.com/brojonat/tradedesk/service/confirm"
	"github.com/brojonat/tradedesk/service/db"
	"github.com/brojonat/tradedesk/service/jupiter"
	"github.com/brojonat/tradedesk/service/metrics"
	natspkg "github.com/brojonat/tradedesk/service/nats"
	"github.com/brojonat/tradedesk/service/server"
	"github.com/brojonat/tradedesk/service/solana"
	"github.com/brojonat/tradedesk/service/swap"
	"github.com/brojonat/tradedesk/service/temporal"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/patrickmn/go-cache"
)

func main() {
	// Load and validate configuration from environment
	// This fails fast if any value is structurally invalid
	cfg := config.MustLoad()

	// Setup structured logging
	logger := setupLogger(cfg.LogLevel)
	logger.Info("starting server",
		"addr", cfg.ServerAddr,
		"log_level", cfg.LogLevel,
	)

	// Setup context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics collector
	metricsCollector := metrics.NewMetrics(nil) // nil uses default registry

	// Initialize Solana RPC client
	// Note: For premium RPC endpoints, include API key in the URL
	solanaRPC := solana.NewRPCClient(cfg.SolanaRPCURL, cfg.SolanaRPCRPS)
	ledger := solana.NewClient(solanaRPC, extractEndpointFromURL(cfg.SolanaRPCURL), metricsCollector, logger)
	logger.Info("initialized solana RPC client", "url", cfg.SolanaRPCURL, "rps", cfg.SolanaRPCRPS)

	// Confirmation engine
	engine := confirm.NewEngine(ledger, confirm.Config{
		Timeout:         cfg.ConfirmTimeout,
		InitialInterval: cfg.ConfirmPollInitial,
		MaxInterval:     cfg.ConfirmPollMax,
		Multiplier:      cfg.ConfirmPollMultiplier,
	}, nil, metricsCollector, logger.With("component", "confirm"))

	// Swap build pipeline
	quotes := jupiter.NewClient(
		cfg.JupiterAPIURL,
		cfg.JupiterAPIKey,
		nil,
		cache.New(cfg.QuoteCacheTTL, time.Minute),
		cfg.QuoteCacheTTL,
		metricsCollector,
		logger.With("component", "jupiter"),
	)
	funder := swap.NewFunder(cfg.ServiceKeypair, engine, ledger, logger.With("component", "funder"))
	if cfg.ServiceKeypair == "" {
		logger.Warn("SERVICE_KEYPAIR not set, fee account creation unavailable")
	}
	checker := swap.NewChecker(ledger, funder, cache.New(10*time.Minute, 10*time.Minute), metricsCollector, logger.With("component", "checker"))
	builder := swap.NewBuilder(
		quotes,
		ledger,
		checker,
		swap.NewAssembler(ledger, logger.With("component", "assembler")),
		swap.NewSimulator(ledger, metricsCollector, logger.With("component", "simulator")),
		swap.BuilderConfig{
			FeeAccountOwner: cfg.FeeAccountOwner,
			FeeBps:          cfg.FeeBps,
			MaxSlotLag:      cfg.QuoteMaxSlotLag,
		},
		metricsCollector,
		logger.With("component", "swap"),
	)

	opts := server.Options{
		Addr:      cfg.ServerAddr,
		Confirmer: engine,
		Builder:   builder,
		Metrics:   metricsCollector,
		Logger:    logger,
	}

	// Optional submission audit
	if cfg.DatabaseURL != "" {
		dbPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer dbPool.Close()

		store := db.NewStore(dbPool, metricsCollector)
		if err := store.Ping(ctx); err != nil {
			logger.Error("failed to ping database", "error", err)
			os.Exit(1)
		}
		if err := store.Migrate(ctx); err != nil {
			logger.Error("failed to migrate database", "error", err)
			os.Exit(1)
		}
		opts.Store = store
		logger.Info("connected to database")
	}

	// Optional status events
	if cfg.NATSURL != "" {
		publisher, err := natspkg.NewPublisher(cfg.NATSURL, metricsCollector, logger)
		if err != nil {
			logger.Error("failed to create NATS publisher", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		opts.Publisher = publisher

		subscriber, err := server.NewEventSubscriber(cfg.NATSURL, logger)
		if err != nil {
			logger.Error("failed to create SSE event subscriber", "error", err)
			os.Exit(1)
		}
		opts.Subscriber = subscriber
	}

	// Optional post-timeout reconciliation
	if cfg.TemporalHost != "" {
		temporalClient, err := temporal.NewClient(
			cfg.TemporalHost,
			cfg.TemporalNamespace,
			cfg.TemporalTaskQueue,
			logger,
		)
		if err != nil {
			logger.Error("failed to create temporal client", "error", err)
			os.Exit(1)
		}
		defer temporalClient.Close()
		opts.Reconciler = temporalClient
	}

	httpServer, err := server.New(opts)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	logger.Info("server initialized, all dependencies ready",
		"solana_rpc", cfg.SolanaRPCURL,
		"audit", opts.Store != nil,
		"events", opts.Publisher != nil,
		"reconcile", opts.Reconciler != nil,
	)

	// Start HTTP server in background
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- httpServer.Start()
	}()

	// Wait for shutdown signal or server error
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Error("server error", "error", err)
		os.Exit(1)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())

		// Graceful shutdown with timeout. In-flight submissions get the full
		// confirmation budget to finish.
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout+10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown server gracefully", "error", err)
			os.Exit(1)
		}

		logger.Info("server shutdown complete")
	}
}

// setupLogger creates a structured logger with the given log level.
func setupLogger(levelStr string) *slog.Logger {
	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

// extractEndpointFromURL extracts a short identifier from the Solana RPC URL for metrics labeling.
// Examples:
//   - "https://api.mainnet-beta.solana.com" -> "mainnet"
//   - "https://mainnet.helius-rpc.com/?api-key=..." -> "helius"
func extractEndpointFromURL(rpcURL string) string {
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		return "unknown"
	}

	host := parsed.Hostname()
	for _, provider := range []string{"helius", "quiknode", "quicknode", "alchemy", "triton", "rpcpool", "mainnet", "devnet", "testnet"} {
		if strings.Contains(host, provider) {
			if provider == "quicknode" {
				return "quiknode"
			}
			return provider
		}
	}
	return host
}
