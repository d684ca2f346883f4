package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"cofre/internal/amqp"
	"cofre/internal/cli"
	applog "cofre/internal/log"
	"cofre/internal/sheets"
	gsheet "cofre/internal/sheets/google"
	memjournal "cofre/internal/sheets/memory"
	"cofre/internal/worker"
)

func main() {
	os.Exit(run())
}

// run returns the process exit code once its deferred closes have run.
func run() int {
	cli.LoadEnvFile()

	logger := cli.SetupLogger(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), applog.ComponentWorker)
	logger.Info("Starting cofre-worker")

	cfg := cli.LoadAndValidateConfig(logger)

	app, err := cli.Bootstrap(context.Background(), logger, cfg, cli.BootstrapOptions{})
	if err != nil {
		logger.Error("Failed to initialize backend", "error", err, "backend", cfg.DataBackend)
		return 1
	}
	defer app.Close()

	var journal sheets.JournalWriter
	if cfg.GoogleSpreadsheetID != "" {
		client, err := gsheet.NewFromEnv(context.Background())
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", "error", err)
			return 1
		}
		journal = client
		logger.Info("Google Sheets journal initialized", "spreadsheet_id", cfg.GoogleSpreadsheetID, "sheet", cfg.GoogleJournalSheet)
	} else {
		journal = memjournal.New()
		logger.Info("Google Sheets disabled - journaling in memory")
	}

	ledgerWorker := worker.NewLedgerWorker(journal, app.Vaults, cfg.AuditRepair)

	var consumer *amqp.Client
	if cfg.AMQPURL != "" {
		consumer, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Error("Failed to initialize AMQP client", "error", err)
			return 1
		}
		defer consumer.Close()
	} else {
		logger.Info("AMQP disabled - only periodic audits will run")
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, nil)

	g, gctx := errgroup.WithContext(ctx)
	if consumer != nil {
		g.Go(func() error {
			err := consumer.Consume(gctx, ledgerWorker.HandleMovementEvent)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}
	g.Go(func() error {
		return ledgerWorker.RunAudits(gctx, cfg.AuditInterval)
	})

	logger.Info("Worker running",
		"audit_interval", cfg.AuditInterval,
		"audit_repair", cfg.AuditRepair,
		"consuming", consumer != nil)

	if err := g.Wait(); err != nil {
		logger.Error("Worker stopped with error", "error", err)
		return 1
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker stopped gracefully")
	return 0
}
