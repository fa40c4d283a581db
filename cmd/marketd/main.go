// Package main implements the entry point for the marketplace service.
// It initializes all components and starts the HTTP server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DroneBid/dronebid-market-go/internal/chain"
	"github.com/DroneBid/dronebid-market-go/internal/config"
	"github.com/DroneBid/dronebid-market-go/internal/event"
	"github.com/DroneBid/dronebid-market-go/internal/jwks"
	"github.com/DroneBid/dronebid-market-go/internal/media"
	"github.com/DroneBid/dronebid-market-go/internal/metrics"
	"github.com/DroneBid/dronebid-market-go/internal/ratelimit"
	"github.com/DroneBid/dronebid-market-go/internal/reconcile"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
	"github.com/DroneBid/dronebid-market-go/internal/server"
	"github.com/DroneBid/dronebid-market-go/internal/storage"
	"github.com/DroneBid/dronebid-market-go/internal/telemetry"
	"github.com/ethereum/go-ethereum/common"
	"github.com/nats-io/nats.go"
)

// main initializes all components, starts the HTTP server, and handles graceful shutdown.
func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if cfg.Env == "dev" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	if _, err := telemetry.InitTracer(cfg.Env, os.Stdout); err != nil {
		logger.Error("failed to initialize OpenTelemetry tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		telemetry.ShutdownTracer(ctx)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Storage: PostgreSQL, then MongoDB, then in-memory
	var store storage.Store
	switch {
	case cfg.DatabaseDSN != "":
		store, err = storage.NewPostgres(cfg.DatabaseDSN)
		if err != nil {
			logger.Error("failed to initialize postgres storage", "error", err)
			os.Exit(1)
		}
	case cfg.MongoURI != "":
		store, err = storage.NewMongo(ctx, cfg.MongoURI, cfg.MongoDatabase)
		if err != nil {
			logger.Error("failed to initialize mongo storage", "error", err)
			os.Exit(1)
		}
	default:
		logger.Warn("no database configured, using in-memory storage")
		store = storage.NewMemory()
	}
	defer store.Close()

	m := metrics.NewMetrics()

	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL, nats.Name(telemetry.ServiceName), nats.MaxReconnects(-1))
		if err != nil {
			logger.Warn("nats unavailable, events disabled", "error", err)
			nc = nil
		} else {
			defer nc.Drain()
		}
	}
	pub := event.NewPublisher(nc, m)
	defer pub.Close()

	var limitStore ratelimit.Store = ratelimit.NewMemoryStore()
	if cfg.RateLimitBackend == "nats" {
		if nc == nil {
			logger.Error("MKT_RATE_LIMIT_BACKEND=nats requires a NATS connection")
			os.Exit(1)
		}
		limitStore, err = ratelimit.NewKVStore(nc, cfg.RateLimitWindow)
		if err != nil {
			logger.Error("failed to initialize rate limit bucket", "error", err)
			os.Exit(1)
		}
	}

	validator, err := schema.NewValidator(m)
	if err != nil {
		logger.Error("failed to load payload schemas", "error", err)
		os.Exit(1)
	}

	var sessions *jwks.Client
	if cfg.JWKSURL != "" {
		sessions = jwks.NewClient(cfg.JWKSURL, cfg.JWTIssuer, cfg.JWTAudience)
	} else {
		logger.Warn("MKT_JWKS_URL not set, authenticated routes will answer 503")
	}

	var images media.ImageStore
	if cfg.S3Bucket != "" {
		images, err = media.NewS3Client(ctx, cfg.S3Endpoint, cfg.S3Region, cfg.S3Bucket, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3PublicBaseURL,
			media.Policy{MaxSize: cfg.MaxImageSize, AllowedTypes: cfg.AllowedImageTypes})
		if err != nil {
			logger.Error("failed to initialize image storage", "error", err)
			os.Exit(1)
		}
	}

	deps := server.Deps{
		Store:              store,
		Publisher:          pub,
		Validator:          validator,
		JWKS:               sessions,
		Images:             images,
		Metrics:            m,
		Logger:             logger,
		ReadLimiter:        ratelimit.New(limitStore, ratelimit.Config{Window: cfg.RateLimitWindow, MaxRequests: int64(cfg.RateLimitRead)}, nil),
		WriteLimiter:       ratelimit.New(limitStore, ratelimit.Config{Window: cfg.RateLimitWindow, MaxRequests: int64(cfg.RateLimitWrite)}, nil),
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}

	if cfg.RPCURL != "" && cfg.ContractAddress != "" {
		client, err := chain.Dial(ctx, cfg.RPCURL, cfg.ChainID, cfg.AgentPrivateKey)
		if err != nil {
			logger.Error("failed to connect to chain", "error", err)
			os.Exit(1)
		}
		defer client.Close()

		deps.Chain = client
		deps.Reconciler = reconcile.New(client, common.HexToAddress(cfg.ContractAddress),
			reconcile.WithTimeout(cfg.ConfirmTimeout),
			reconcile.WithMetrics(m),
			reconcile.WithPublisher(pub),
			reconcile.WithLogger(logger),
		)
		if cfg.AgentsEnabled() {
			deps.AgentAPIKey = cfg.AgentAPIKey
			logger.Info("agent routes enabled", "sender", client.Sender().Hex())
		}
	}

	mux := server.NewMux(deps)

	addr := fmt.Sprintf(":%s", cfg.Port)
	srv := &http.Server{
		Addr:        addr,
		Handler:     mux,
		ReadTimeout: 5 * time.Second,
		// reconciliation holds the response open until the receipt arrives
		WriteTimeout: cfg.ConfirmTimeout + 15*time.Second,
	}

	go func() {
		logger.Info("server starting", "addr", addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout+5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}
	logger.Info("server exited")
}
