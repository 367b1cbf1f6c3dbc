// Package main is the entry point for the UpdatePulse server binary. It
// dispatches three subcommands, serve, migrate, and version, via a simple
// switch on os.Args so the binary's full CLI surface is readable in one place
// without requiring a cobra dependency. The serve command runs auto-migration
// on startup so freshly deployed containers never need a separate migration
// step.
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

	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/updatepulse/updatepulse-server/internal/api"
	"github.com/updatepulse/updatepulse-server/internal/config"
	"github.com/updatepulse/updatepulse-server/internal/db"
	"github.com/updatepulse/updatepulse-server/internal/db/repositories"
	"github.com/updatepulse/updatepulse-server/internal/jobs"
	"github.com/updatepulse/updatepulse-server/internal/license"
	"github.com/updatepulse/updatepulse-server/internal/packages"
	"github.com/updatepulse/updatepulse-server/internal/safego"
	"github.com/updatepulse/updatepulse-server/internal/telemetry"
	"github.com/updatepulse/updatepulse-server/internal/token"
	"github.com/updatepulse/updatepulse-server/internal/update"
	"github.com/updatepulse/updatepulse-server/internal/vcs"
	"github.com/updatepulse/updatepulse-server/internal/webhooks"

	// Provider registration.
	_ "github.com/updatepulse/updatepulse-server/internal/vcs/bitbucket"
	_ "github.com/updatepulse/updatepulse-server/internal/vcs/github"
	_ "github.com/updatepulse/updatepulse-server/internal/vcs/gitlab"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	command := "serve"
	if len(os.Args) > 1 {
		command = os.Args[1]
	}

	cfg, err := config.Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	switch command {
	case "serve":
		return serve(cfg)
	case "migrate":
		if len(os.Args) < 3 {
			return fmt.Errorf("usage: %s migrate <up|down>", os.Args[0])
		}
		return runMigrations(cfg, os.Args[2])
	case "version":
		fmt.Printf("UpdatePulse Server v%s\n", version)
		return nil
	default:
		return fmt.Errorf("unknown command: %s\nAvailable commands: serve, migrate, version", command)
	}
}

func serve(cfg *config.Config) error {
	telemetry.SetupLogger(cfg.Logging.Format, cfg.Logging.Level)
	logger := slog.Default()

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// Database.
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()
	logger.Info("connected to database", "host", cfg.Database.Host, "name", cfg.Database.Name)

	telemetry.StartDBStatsCollector(database)

	if err := db.RunMigrations(database, "up"); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	if schemaVersion, dirty, err := db.GetMigrationVersion(database); err != nil {
		logger.Warn("failed to read migration version", "error", err)
	} else {
		logger.Info("database schema ready", "version", schemaVersion, "dirty", dirty)
	}

	// Redis backs the sync lease, token burn keys, and rate limiting.
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	logger.Info("connected to redis", "addr", cfg.Redis.Addr)

	// Package store and remote repository bindings.
	store, err := packages.NewStore(cfg.Packages.Dir, cfg.Packages.CacheTTL)
	if err != nil {
		return fmt.Errorf("failed to initialize package store: %w", err)
	}

	bindings, err := buildRepoBindings(cfg)
	if err != nil {
		return err
	}
	lease := update.NewLease(redisClient, cfg.Packages.SyncLeaseTTL)
	resolver := update.NewResolver(store, lease, bindings, cfg.Packages.DownloadTimeout, cfg.VCS.FailOpenOnError, logger)

	// Webhooks and the license engine.
	dispatcher := webhooks.NewDispatcher(cfg.Webhooks, 10*time.Second, logger)
	var events license.EventSink
	if cfg.Webhooks.Enabled {
		dispatcher.Start()
		defer dispatcher.Stop()
		events = dispatcher
	}

	licenseRepo := repositories.NewLicenseRepository(sqlx.NewDb(database, "postgres"))
	engine := license.NewEngine(licenseRepo, cfg.Licenses, events)

	// Download tokens.
	tokens, err := token.NewJWTAuthority(cfg.Tokens.Secret, token.NewRedisBurner(redisClient))
	if err != nil {
		return fmt.Errorf("failed to initialize token authority: %w", err)
	}

	apiKeyRepo := repositories.NewAPIKeyRepository(database)

	// Metrics are served on a dedicated port, off the public ingress path.
	if cfg.Telemetry.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Telemetry.Metrics.PrometheusPort)
		safego.Go(func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			logger.Info("starting metrics server", "addr", metricsAddr)
			srv := &http.Server{
				Addr:         metricsAddr,
				Handler:      mux,
				ReadTimeout:  10 * time.Second,
				WriteTimeout: 10 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server error", "error", err)
			}
		})
	}

	// Background jobs.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	defer cancelJobs()

	if cfg.Licenses.Enabled && cfg.Licenses.ExpirySweepInterval > 0 {
		sweeper := jobs.NewLicenseSweeper(engine, cfg.Licenses.ExpirySweepInterval, logger)
		safego.Go(func() { sweeper.Start(jobCtx) })
	}
	if cfg.Packages.CheckInterval > 0 && len(bindings) > 0 {
		checker := jobs.NewRemoteChecker(resolver, cfg.Packages.CheckInterval, logger)
		safego.Go(func() { checker.Start(jobCtx) })
	}
	reaper := jobs.NewAPIKeyReaper(apiKeyRepo, 24*time.Hour, logger)
	safego.Go(func() { reaper.Start(jobCtx) })

	// HTTP server.
	router := api.NewRouter(api.Deps{
		Cfg:        cfg,
		Engine:     engine,
		Store:      store,
		Resolver:   resolver,
		Tokens:     tokens,
		APIKeyRepo: apiKeyRepo,
		Redis:      redisClient,
		Logger:     logger,
	})

	server := &http.Server{
		Addr:         cfg.Server.GetAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	safego.Go(func() {
		logger.Info("server starting",
			"addr", cfg.Server.GetAddress(),
			"base_url", cfg.Server.BaseURL,
			"packages", len(bindings),
			"licensing", cfg.Licenses.Enabled)

		var err error
		if cfg.Security.TLS.Enabled {
			err = server.ListenAndServeTLS(cfg.Security.TLS.CertFile, cfg.Security.TLS.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	cancelJobs()

	logger.Info("server stopped")
	return nil
}

// buildRepoBindings instantiates a reference resolver for every configured
// package repository.
func buildRepoBindings(cfg *config.Config) (map[string]update.RepoBinding, error) {
	bindings := make(map[string]update.RepoBinding, len(cfg.VCS.Repos))
	for slug, repo := range cfg.VCS.Repos {
		resolver, err := vcs.BuildResolver(&vcs.ResolverSettings{
			Kind:          vcs.ProviderKind(repo.Provider),
			RepoURL:       repo.URL,
			Token:         repo.Token,
			SelfHostedURL: repo.SelfHostedURL,
			Timeout:       cfg.VCS.CheckTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("vcs.repos.%s: %w", slug, err)
		}
		bindings[slug] = update.RepoBinding{
			Resolver:    resolver,
			Branch:      repo.Branch,
			PackageType: repo.PackageType,
		}
	}
	return bindings, nil
}

func runMigrations(cfg *config.Config, direction string) error {
	database, err := db.Connect(cfg.Database.GetDSN(), cfg.Database.MaxConnections, cfg.Database.MinIdleConnections)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	if err := db.RunMigrations(database, direction); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	schemaVersion, dirty, err := db.GetMigrationVersion(database)
	if err != nil {
		return fmt.Errorf("failed to get migration version: %w", err)
	}
	fmt.Printf("Migration completed. Current version: %d (dirty: %v)\n", schemaVersion, dirty)
	return nil
}
