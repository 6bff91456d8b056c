// The delve worker: consumes queued scan jobs and runs the SBOM pipeline
// against them.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/delvesec/delve/internal/archive"
	"github.com/delvesec/delve/internal/blob"
	"github.com/delvesec/delve/internal/cmdutil"
	"github.com/delvesec/delve/internal/config"
	"github.com/delvesec/delve/internal/database"
	"github.com/delvesec/delve/internal/generator"
	"github.com/delvesec/delve/internal/handlers"
	"github.com/delvesec/delve/internal/messaging"
	"github.com/delvesec/delve/internal/pipeline"
	"github.com/delvesec/delve/internal/scanner"
	"github.com/delvesec/delve/internal/store"
	"github.com/delvesec/delve/internal/workspace"
)

func main() {
	cmd := &cobra.Command{
		Use:           "delve-worker",
		Short:         "Process queued SBOM scan jobs",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cfg.NATSURL == "" {
		return fmt.Errorf("DELVE_NATS_URL is required for the worker")
	}

	level, err := cmdutil.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := cmdutil.NewLogger(os.Stdout, level).With("component", "worker")

	db, err := database.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	records := store.New(db, logger)
	if err := records.Migrate(ctx); err != nil {
		return err
	}

	blobs, err := blob.NewS3Store(ctx, blob.S3Options{
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		Endpoint:  cfg.S3Endpoint,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
	})
	if err != nil {
		return err
	}

	ws, err := workspace.NewManager(cfg.WorkspaceDir, logger)
	if err != nil {
		return err
	}

	pl := pipeline.New(
		ws,
		archive.NewExtractor(ws),
		generator.New(cfg.GeneratorPath, cfg.ToolTimeout, ws, logger),
		scanner.New(cfg.ScannerPath, cfg.ToolTimeout, logger),
		blobs,
		records,
		logger,
	)

	sub, err := messaging.NewSubscription(cfg.NATSURL, "delve-worker")
	if err != nil {
		return err
	}

	subscriber := messaging.NewSubscriber(sub, messaging.HandlerRegistry{
		messaging.ScanImageType:    handlers.NewScanImageHandler(pl, logger),
		messaging.IngestUploadType: handlers.NewIngestUploadHandler(pl, blobs, logger),
	}, logger)

	logger.Info("Worker started", "nats", cfg.NATSURL)

	return subscriber.Run(ctx)
}
