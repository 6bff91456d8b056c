// The delve API server: authenticated HTTP surface over the SBOM pipeline and
// the ownership store. Synchronous generation and ingestion run in-process;
// registry image scans are queued for the worker.
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

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/delvesec/delve/internal/api"
	"github.com/delvesec/delve/internal/archive"
	"github.com/delvesec/delve/internal/blob"
	"github.com/delvesec/delve/internal/cmdutil"
	"github.com/delvesec/delve/internal/config"
	"github.com/delvesec/delve/internal/database"
	"github.com/delvesec/delve/internal/generator"
	"github.com/delvesec/delve/internal/messaging"
	"github.com/delvesec/delve/internal/pipeline"
	"github.com/delvesec/delve/internal/scanner"
	"github.com/delvesec/delve/internal/store"
	"github.com/delvesec/delve/internal/workspace"
)

func main() {
	cmd := &cobra.Command{
		Use:           "delve-server",
		Short:         "Serve the delve SBOM API",
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

	level, err := cmdutil.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger := cmdutil.NewLogger(os.Stdout, level).With("component", "server")

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

	natsURL := cfg.NATSURL
	if natsURL == "" {
		// Single-process deployment: run the queue in-process and let the
		// worker connect to it.
		ns, err := messaging.NewServer(filepath.Join(cfg.WorkspaceDir, "nats"))
		if err != nil {
			return err
		}
		defer ns.Shutdown()
		natsURL = ns.ClientURL()
		logger.Info("Started embedded NATS server", "url", natsURL)
	}

	js, err := messaging.NewJetStreamContext(natsURL)
	if err != nil {
		return err
	}
	if err := messaging.AddStream(js, nats.FileStorage); err != nil {
		return err
	}
	publisher := messaging.NewPublisher(js)

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

	server := api.NewServer(records, pl, publisher, blobs, api.NewJWTVerifier(cfg.JWTSecret), logger)

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Failed to shut down HTTP server", "error", err)
		}
	}()

	logger.Info("Starting API server", "addr", cfg.ListenAddr)
	if err := server.Start(cfg.ListenAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	return nil
}
