package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/paygrid-labs/escrowstream/internal/connector"
	"github.com/paygrid-labs/escrowstream/internal/decoder"
	"github.com/paygrid-labs/escrowstream/internal/feed"
	"github.com/paygrid-labs/escrowstream/internal/feed/replay"
	"github.com/paygrid-labs/escrowstream/internal/hub"
	"github.com/paygrid-labs/escrowstream/internal/platform/cursor"
	"github.com/paygrid-labs/escrowstream/internal/platform/nats"
	"github.com/paygrid-labs/escrowstream/internal/stats"
)

func main() {
	var cfg Config
	configPath := flag.String("config", envOrDefault("ESCROWSTREAM_CONFIG", ""), "Path to YAML config file (overrides flags)")
	flag.StringVar(&cfg.ListenAddr, "listen", envOrDefault("LISTEN_ADDR", ":8080"), "HTTP listen address")
	flag.DurationVar(&cfg.ReadTimeout, "read-timeout", 10*time.Second, "HTTP read timeout")
	flag.DurationVar(&cfg.WriteTimeout, "write-timeout", 0, "HTTP write timeout (0 = none, required for streaming endpoints)")
	flag.StringVar(&cfg.Endpoint, "endpoint", envOrDefault("FEED_ENDPOINT", ""), "Upstream change-feed endpoint URL")
	flag.StringVar(&cfg.AuthToken, "auth-token", envOrDefault("FEED_AUTH_TOKEN", ""), "Upstream bearer token")
	startBlock := flag.Uint64("start-block", envOrDefaultUint64("FEED_START_BLOCK", 0), "Block to start streaming from when no cursor exists")
	flag.StringVar(&cfg.OutputModule, "output-module", envOrDefault("FEED_OUTPUT_MODULE", "map_escrow_events"), "Upstream output module name")
	flag.BoolVar(&cfg.Production, "production", envOrDefaultBool("FEED_PRODUCTION", true), "Request production-mode (finalized) blocks")
	flag.StringVar(&cfg.Contract, "contract", envOrDefault("ESCROW_CONTRACT", ""), "Escrow contract address to decode events from")
	flag.StringVar(&cfg.AnomalyThreshold, "anomaly-threshold", envOrDefault("ANOMALY_THRESHOLD", "1000000"), "Flag batch payments at or above this amount (decimal minor units, empty disables)")
	flag.StringVar(&cfg.ReplayDir, "replay-dir", envOrDefault("REPLAY_DIR", ""), "Stream recorded fixtures from this directory instead of the live feed")
	flag.IntVar(&cfg.RecentCapacity, "recent-capacity", envOrDefaultInt("RECENT_CAPACITY", stats.DefaultRecentCapacity), "Recent event log capacity")
	flag.StringVar(&cfg.RedisAddr, "redis-addr", envOrDefault("REDIS_ADDR", ""), "Redis address for durable cursor storage (empty = in-memory)")
	flag.StringVar(&cfg.RedisPassword, "redis-password", envOrDefault("REDIS_PASSWORD", ""), "Redis password")
	flag.IntVar(&cfg.RedisDB, "redis-db", envOrDefaultInt("REDIS_DB", 0), "Redis database number")
	flag.StringVar(&cfg.NATSURL, "nats-url", envOrDefault("NATS_URL", ""), "NATS server URL for the event mirror (empty disables)")
	wsOrigins := flag.String("ws-allowed-origins", envOrDefault("WS_ALLOWED_ORIGINS", "*"), "Comma-separated list of allowed WebSocket origins, or '*' for all")
	flag.StringVar(&cfg.LogLevel, "log-level", envOrDefault("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	flag.Parse()

	cfg.StartBlock = *startBlock
	cfg.AllowedOrigins = parseOrigins(*wsOrigins)

	if *configPath != "" {
		if err := cfg.applyFile(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "config file %s: %v\n", *configPath, err)
			os.Exit(1)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLogLevel(cfg.LogLevel),
	}))

	if err := cfg.validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dec, err := decoder.NewLogDecoder(decoder.Config{
		Contract:         cfg.Contract,
		AnomalyThreshold: cfg.anomalyThreshold(),
	}, logger)
	if err != nil {
		return fmt.Errorf("decoder: %w", err)
	}

	source, err := buildSource(cfg, logger)
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}

	cursors, err := buildCursorStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("cursor store: %w", err)
	}

	initial, found, err := cursors.Load(ctx)
	if err != nil {
		logger.Warn("cursor load failed, starting from configured block", "error", err)
	} else if found {
		logger.Info("resuming from stored cursor", "block", initial.Block)
	}

	agg := stats.NewAggregator(stats.DefaultDeltaWindow, logger)
	recent := stats.NewRecentLog(cfg.RecentCapacity)
	broadcast := hub.New(agg.Snapshot, hub.DefaultQueueSize, logger)
	defer broadcast.Close()

	conn, err := connector.New(connector.Config{
		Source:  source,
		Decoder: dec,
		Request: feed.Request{
			StartBlock:   cfg.StartBlock,
			OutputModule: cfg.OutputModule,
			Production:   cfg.Production,
		},
		Backoff: connector.DefaultBackoff(),
	}, initial, logger)
	if err != nil {
		return fmt.Errorf("connector: %w", err)
	}

	var mirror *nats.Publisher
	if cfg.NATSURL != "" {
		natsCfg := nats.DefaultConfig()
		natsCfg.URL = cfg.NATSURL
		mirror, err = nats.Connect(ctx, natsCfg, logger)
		if err != nil {
			logger.Warn("NATS mirror initialization failed, continuing without mirror", "error", err)
			mirror = nil
		} else {
			defer mirror.Close()
			logger.Info("NATS event mirror started", "url", cfg.NATSURL)
		}
	}

	p := &pipeline{
		agg:     agg,
		recent:  recent,
		hub:     broadcast,
		cursors: cursors,
		mirror:  mirror,
		logger:  logger.With("component", "pipeline"),
	}

	connErr := make(chan error, 1)
	go func() {
		connErr <- conn.Run(ctx)
	}()
	go p.run(ctx, conn.Updates())

	server := NewServer(cfg, logger, agg, recent, broadcast)
	server.SetConnector(conn)
	server.SetWebSocketHandler(NewWebSocketHandler(broadcast, cfg.AllowedOrigins, logger))
	server.SetSSEHandler(NewSSEHandler(broadcast, recent, conn, logger))

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
			logger.Info("shutdown signal received")
		case err := <-connErr:
			if err != nil && ctx.Err() == nil {
				logger.Error("connector terminated", "error", err)
			}
		}

		cancel()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "error", err)
		}
	}()

	logger.Info("starting escrowstream",
		"addr", cfg.ListenAddr,
		"contract", cfg.Contract,
		"replay", cfg.ReplayDir != "",
	)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// buildSource picks the upstream: recorded fixtures when -replay-dir is
// set, the live gRPC feed otherwise.
func buildSource(cfg Config, logger *slog.Logger) (feed.Source, error) {
	if cfg.ReplayDir != "" {
		return replay.NewFileSource(replay.Config{
			Dir:   cfg.ReplayDir,
			Delay: 100 * time.Millisecond,
		}, logger)
	}

	return feed.NewGRPCSource(feed.GRPCConfig{
		Endpoint:  cfg.Endpoint,
		AuthToken: cfg.AuthToken,
	})
}

func buildCursorStore(cfg Config, logger *slog.Logger) (cursor.Store, error) {
	if cfg.RedisAddr == "" {
		return cursor.NewMemoryStore(), nil
	}

	store, err := cursor.NewRedisStore(cursor.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err != nil {
		logger.Warn("Redis cursor store unavailable, falling back to in-memory", "error", err)
		return cursor.NewMemoryStore(), nil
	}

	logger.Info("durable cursor storage enabled", "redis_addr", cfg.RedisAddr)
	return store, nil
}

func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func parseOrigins(origins string) []string {
	origins = strings.TrimSpace(origins)
	if origins == "" || origins == "*" {
		return nil
	}

	parts := strings.Split(origins, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
