package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"cofre/internal/cli"
	apphttp "cofre/internal/http"
	applog "cofre/internal/log"
)

func main() {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), applog.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger)

	authenticator, err := cli.NewAuthenticator(cfg)
	if err != nil {
		logger.Error("Failed to initialize authenticator", "error", err)
		os.Exit(1)
	}

	app, err := cli.Bootstrap(context.Background(), logger, cfg, cli.BootstrapOptions{Publish: true, Exports: true})
	if err != nil {
		logger.Error("Failed to initialize backend", "error", err, "backend", cfg.DataBackend)
		os.Exit(1)
	}

	srv, err := apphttp.NewServer(apphttp.Options{
		Addr:               ":" + cfg.Port,
		Vaults:             app.Vaults,
		Exports:            app.Exports,
		Auth:               authenticator,
		Logger:             logger.WithComponent(applog.ComponentHTTP),
		Currency:           cfg.Currency,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustedProxies:     splitList(os.Getenv("TRUSTED_PROXIES")),
	})
	if err != nil {
		logger.Error("Failed to initialize HTTP server", "error", err)
		_ = app.Close()
		os.Exit(1)
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(ctx context.Context) {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		if err := app.Close(); err != nil {
			logger.Error("Failed to release resources", "error", err)
		}
	})

	logger.Info("Starting cofre server", "port", cfg.Port, "backend", cfg.DataBackend, "currency", cfg.Currency)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		_ = app.Close()
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
