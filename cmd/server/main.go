package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/bcnelson/fellowship/internal/api"
	"github.com/bcnelson/fellowship/internal/api/middleware"
	"github.com/bcnelson/fellowship/internal/auth"
	"github.com/bcnelson/fellowship/internal/cache"
	"github.com/bcnelson/fellowship/internal/config"
	"github.com/bcnelson/fellowship/internal/logging"
	"github.com/bcnelson/fellowship/internal/membership"
	"github.com/bcnelson/fellowship/internal/metrics"
	"github.com/bcnelson/fellowship/internal/policy"
	"github.com/bcnelson/fellowship/internal/service"
	"github.com/bcnelson/fellowship/internal/storage/sql"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fellowship: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return fmt.Errorf("creating logger: %w", err)
	}
	defer logger.Sync()

	// Create data directory if needed (for SQLite)
	if cfg.Database.Driver == "sqlite3" {
		if dir := filepath.Dir(cfg.Database.DSN); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("creating data directory: %w", err)
			}
		}
	}

	// Initialize storage
	store, err := sql.New(cfg.Database.Driver, cfg.Database.DSN, sql.WithLogger(logger.Named("migrations")))
	if err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	gate := policy.New(store, logger.Named("policy"), m)
	client := membership.NewClient(store, gate, logger.Named("membership"))
	c := cache.New(cache.Options{
		StaleTime: cfg.Cache.StaleTime,
		GCTime:    cfg.Cache.GCTime,
		Metrics:   m,
	})
	svc := service.NewMembershipService(client, c, logger.Named("service"))

	var verifier middleware.TokenVerifier
	if cfg.OIDC.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		v, err := auth.NewVerifier(ctx, cfg.OIDC.IssuerURL, cfg.OIDC.ClientID, cfg.OIDC.GetAllowedDomains())
		cancel()
		if err != nil {
			return fmt.Errorf("initializing OIDC: %w", err)
		}
		verifier = v
		logger.Info("OIDC token verification enabled", zap.String("issuer", cfg.OIDC.IssuerURL))
	}

	router := api.NewRouter(api.RouterConfig{
		Store:        store,
		Service:      svc,
		Verifier:     verifier,
		BootstrapKey: cfg.Auth.BootstrapAPIKey,
		Logger:       logger.Named("http"),
		Metrics:      m,
		Gatherer:     reg,
	})

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting fellowship", zap.String("addr", cfg.Server.Addr()), zap.String("db_driver", cfg.Database.Driver))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	svc.Reset()
	logger.Info("server stopped")
	return nil
}
