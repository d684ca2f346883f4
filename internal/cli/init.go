// Package cli provides common CLI initialization utilities.
// This package consolidates repeated initialization patterns across
// cmd/cofre, cmd/cofre-worker, and cmd/cofrectl.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"cofre/internal/amqp"
	"cofre/internal/auth"
	"cofre/internal/backend"
	"cofre/internal/config"
	"cofre/internal/ledger"
	applog "cofre/internal/log"
	"cofre/internal/objectstore"
	"cofre/internal/services"
)

// SetupLogger initializes structured logging from LOG_LEVEL / LOG_FORMAT values.
// Returns the configured logger and sets it as the default logger.
func SetupLogger(level, format, component string) *applog.Logger {
	lvl := applog.ParseLevel(level)
	logger := applog.New(applog.Config{
		Level:     lvl,
		Component: component,
		Handler:   applog.NewHandler(os.Stdout, format, lvl),
	})
	applog.SetDefault(logger)
	return logger
}

// LoadEnvFile loads .env files for local development. Missing files are
// ignored; variables already set in the environment win.
func LoadEnvFile(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		_ = godotenv.Load(p)
	}
}

// LoadAndValidateConfig loads configuration and validates it.
// Returns the config or exits the process on validation failure.
func LoadAndValidateConfig(logger *applog.Logger) *config.Config {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

// NewAuthenticator builds the JWT authenticator; JWT_SECRET must be set.
func NewAuthenticator(cfg *config.Config) (*auth.Authenticator, error) {
	if err := cfg.RequireJWT(); err != nil {
		return nil, err
	}
	return auth.NewAuthenticator(cfg.JWTSecret, cfg.JWTIssuer)
}

// NewObjectStore connects to MinIO when MINIO_ENDPOINT is set. It returns a
// nil Store when exports are not configured.
func NewObjectStore(ctx context.Context, logger *applog.Logger, cfg *config.Config) (objectstore.Store, error) {
	if cfg.MinioEndpoint == "" {
		logger.Info("Export storage disabled - no MINIO_ENDPOINT provided")
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	client, err := objectstore.NewMinioClient(ctx, objectstore.MinioConfig{
		Endpoint:        cfg.MinioEndpoint,
		AccessKeyID:     cfg.MinioAccessKey,
		SecretAccessKey: cfg.MinioSecretKey,
		UseSSL:          cfg.MinioUseSSL,
		BucketName:      cfg.MinioBucket,
	})
	if err != nil {
		return nil, err
	}
	return client, nil
}

// BootstrapOptions selects the optional collaborators of an App.
type BootstrapOptions struct {
	// Publish connects the AMQP publisher when AMQP_URL is set.
	Publish bool
	// Exports connects the object store used for CSV uploads.
	Exports bool
}

// App bundles the services shared by the binaries.
type App struct {
	Config  *config.Config
	Logger  *applog.Logger
	Backend *backend.BackendResult
	AMQP    *amqp.Client
	Vaults  *services.VaultService
	Exports *services.ExportService
}

// Bootstrap opens the configured backend and wires the vault services.
// AMQP failures are logged and leave publishing disabled.
func Bootstrap(ctx context.Context, logger *applog.Logger, cfg *config.Config, opts BootstrapOptions) (*App, error) {
	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return nil, err
	}
	res, err := backend.NewFactory(logger.WithComponent(applog.ComponentBackend).Logger).CreateBackend(ctx, backendCfg)
	if err != nil {
		return nil, err
	}

	app := &App{Config: cfg, Logger: logger, Backend: res}

	var publisher services.Publisher
	if opts.Publish && cfg.AMQPURL != "" {
		client, err := amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("Failed to initialize AMQP client, continuing without events", "error", err)
		} else {
			logger.Info("Initialized AMQP client", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
			app.AMQP = client
			publisher = client
		}
	}

	app.Vaults = services.NewVaultService(ledger.NewEngine(res.Repository), res.Repository, publisher)

	var store objectstore.Store
	if opts.Exports {
		store, err = NewObjectStore(ctx, logger, cfg)
		if err != nil {
			logger.Warn("Failed to initialize export storage, uploads disabled", "error", err)
			store = nil
		}
	}
	app.Exports = services.NewExportService(app.Vaults, store, cfg.Currency)

	logger.Info("Vault services ready",
		"backend", backendCfg.Type,
		"atomic_writes", backendCfg.Type.SupportsTransactions(),
		"amqp_enabled", app.AMQP != nil,
		"exports_enabled", store != nil)
	return app, nil
}

// Close releases the AMQP connection and the backend.
func (a *App) Close() error {
	var errs []error
	if a.AMQP != nil {
		if err := a.AMQP.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close amqp: %w", err))
		}
	}
	if err := a.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close backend: %w", err))
	}
	return errors.Join(errs...)
}

// GracefulShutdown sets up signal handling for graceful shutdown.
// Returns a context that will be cancelled on shutdown signals,
// and a channel that signals when shutdown is complete.
func GracefulShutdown(logger *applog.Logger, timeout time.Duration, cleanup func(context.Context)) (context.Context, <-chan struct{}) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigChan)

		select {
		case sig := <-sigChan:
			logger.Info("Shutdown signal received", "signal", sig.String())
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), timeout)
		defer shutdownCancel()

		cancel()
		if cleanup != nil {
			cleanup(shutdownCtx)
		}
		if shutdownCtx.Err() != nil {
			logger.Warn("Shutdown timeout reached")
		} else {
			logger.Info("Shutdown complete")
		}
		close(done)
	}()

	return ctx, done
}

// WaitForShutdown blocks until the context is cancelled and cleanup finished.
func WaitForShutdown(ctx context.Context, done <-chan struct{}) {
	<-ctx.Done()
	<-done
}
