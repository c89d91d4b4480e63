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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	specpkg "github.com/neeiz/neeiz/api"
	"github.com/neeiz/neeiz/internal/account"
	"github.com/neeiz/neeiz/internal/api"
	"github.com/neeiz/neeiz/internal/api/handler"
	"github.com/neeiz/neeiz/internal/avatar"
	"github.com/neeiz/neeiz/internal/config"
	"github.com/neeiz/neeiz/internal/db"
	"github.com/neeiz/neeiz/internal/lineverify"
	"github.com/neeiz/neeiz/internal/token"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	mirror, storage := initMirror(cfg)
	if cfg.LineSkipVerify {
		slog.Warn("LINE ID token verification is disabled")
	}

	service := account.NewService(
		account.NewRepository(pool),
		token.NewIssuer(cfg.SessionSecret, cfg.SessionIssuer, cfg.SessionAudience, cfg.SessionTTL),
		lineverify.NewVerifier(cfg.LineChannelID, cfg.LineChannelSecret, cfg.LineSkipVerify),
		mirror,
		cfg.BcryptCost,
		slog.Default(),
	)

	var registry *prometheus.Registry
	if cfg.MetricsEnabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	router := api.NewRouter(api.RouterDeps{
		Context:       ctx,
		AuthService:   service,
		DBPinger:      pool,
		Storage:       storage,
		Version:       cfg.Version,
		OpenAPISpec:   specpkg.OpenAPISpec,
		CORSOrigins:   cfg.CORSOrigins,
		AuthRateLimit: rate.Limit(cfg.AuthRateLimit),
		AuthRateBurst: cfg.AuthRateBurst,
		Registry:      registry,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("starting neeiz auth server", "port", cfg.Port, "version", cfg.Version)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down server", "signal", sig.String())
	case err := <-serverErr:
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("server stopped gracefully")
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}

// initMirror builds the picture mirror when storage is configured. Without
// it LINE pictures keep their original URL and health reports storage as
// disabled.
func initMirror(cfg *config.Config) (account.PictureMirror, handler.Pinger) {
	if cfg.StorageEndpoint == "" {
		slog.Info("object storage not configured; profile pictures will not be mirrored")
		return nil, nil
	}

	m, err := avatar.New(avatar.Config{
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		UseSSL:    cfg.StorageUseSSL,
		PublicURL: cfg.StoragePublicURL,
	}, nil, slog.Default())
	if err != nil {
		slog.Warn("object storage client initialization failed; pictures will not be mirrored", "error", err)
		return nil, nil
	}
	return m, m
}
