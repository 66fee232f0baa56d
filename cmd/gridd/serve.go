package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/alfredjeanlab/gridbase/internal/attachment"
	"github.com/alfredjeanlab/gridbase/internal/config"
	"github.com/alfredjeanlab/gridbase/internal/events"
	"github.com/alfredjeanlab/gridbase/internal/formula"
	"github.com/alfredjeanlab/gridbase/internal/record"
	"github.com/alfredjeanlab/gridbase/internal/retry"
	"github.com/alfredjeanlab/gridbase/internal/schema"
	"github.com/alfredjeanlab/gridbase/internal/server"
	"github.com/alfredjeanlab/gridbase/internal/snapshot"
	"github.com/alfredjeanlab/gridbase/internal/store"
	"github.com/alfredjeanlab/gridbase/internal/store/memory"
	"github.com/alfredjeanlab/gridbase/internal/store/postgres"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Short:   "Start the HTTP and gRPC servers",
	GroupID: "server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if mem, _ := cmd.Flags().GetBool("memory"); mem {
			os.Setenv("GRIDBASE_MEMORY", "true")
		}
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := slog.Default()

		st, err := openStore(cfg, logger)
		if err != nil {
			return err
		}

		// Create event publisher.
		var publisher events.Publisher
		switch {
		case cfg.NATSURL != "":
			pub, err := events.NewNATSPublisher(cfg.NATSURL)
			if err != nil {
				st.Close()
				return err
			}
			publisher = pub
			logger.Info("events enabled", "nats_url", cfg.NATSURL)
		case cfg.Memory:
			publisher = &events.RecordingPublisher{}
			logger.Info("events kept in memory (GRIDBASE_NATS_URL not set)")
		default:
			publisher = events.NoopPublisher{}
			logger.Info("events disabled (GRIDBASE_NATS_URL not set)")
		}
		hub := server.NewEventHub(publisher)

		opts := []record.Option{
			record.WithPublisher(hub),
			record.WithLogger(logger),
			record.WithRetryPolicy(retry.FromEngine(cfg.Engine)),
			record.WithChunkSize(cfg.Engine.ChunkSize),
		}
		if cfg.S3Bucket != "" {
			res, err := attachment.NewS3Resolver(context.Background(), cfg.S3Bucket, cfg.S3Prefix, cfg.S3Region, cfg.S3Endpoint)
			if err != nil {
				hub.Close()
				st.Close()
				return err
			}
			opts = append(opts, record.WithAttachments(res))
			logger.Info("attachment lookups enabled", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
		}

		loader := schema.NewLoader(st, logger)
		svc := record.NewService(st, loader, formula.NewExprEvaluator(), opts...)
		srv := server.New(svc, st, hub, logger)
		grpcServer, healthServer := server.NewGRPCServer(cfg.AuthToken, logger)

		lis, err := net.Listen("tcp", cfg.GRPCAddr)
		if err != nil {
			hub.Close()
			st.Close()
			return err
		}
		go func() {
			logger.Info("gRPC server listening", "addr", cfg.GRPCAddr)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Error("gRPC server error", "err", err)
			}
		}()

		httpServer := &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           srv.NewHTTPHandler(cfg.AuthToken),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("HTTP server error", "err", err)
			}
		}()

		scheduler := startSnapshots(cfg, st, logger)

		if cfg.AuthToken == "" {
			logger.Warn("authentication disabled (GRIDBASE_AUTH_TOKEN not set)")
		}
		logger.Info("gridbase server started",
			"grpc_addr", cfg.GRPCAddr,
			"http_addr", cfg.HTTPAddr,
			"memory", cfg.Memory,
			"chunk_size", cfg.Engine.ChunkSize,
			"max_retries", cfg.Engine.MaxRetries,
		)

		// Wait for SIGINT or SIGTERM.
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)

		if scheduler != nil {
			scheduler.Stop()
			logger.Info("snapshot scheduler stopped")
		}

		healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()
		logger.Info("gRPC server stopped")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", "err", err)
		}
		logger.Info("HTTP server stopped")

		if err := hub.Close(); err != nil {
			logger.Error("error closing publisher", "err", err)
		}
		if err := st.Close(); err != nil {
			logger.Error("error closing store", "err", err)
		}

		logger.Info("shutdown complete")
		return nil
	},
}

// openStore returns the in-process store in memory mode and the Postgres
// store otherwise. Opening Postgres runs pending migrations.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	if cfg.Memory {
		logger.Warn("using in-memory store; data is lost on shutdown")
		return memory.New(), nil
	}
	return postgres.New(cfg.DatabaseURL)
}

// startSnapshots starts the export scheduler when an interval and at least
// one destination are configured.
func startSnapshots(cfg *config.Config, st store.Store, logger *slog.Logger) *snapshot.Scheduler {
	if cfg.ExportInterval <= 0 {
		return nil
	}
	var dests []snapshot.Destination
	if cfg.ExportS3Bucket != "" {
		d, err := snapshot.NewS3Destination(context.Background(), cfg.ExportS3Bucket, cfg.ExportS3Key, cfg.S3Region, cfg.S3Endpoint)
		if err != nil {
			logger.Error("failed to create S3 snapshot destination", "err", err)
		} else {
			dests = append(dests, d)
			logger.Info("snapshot S3 destination enabled", "bucket", cfg.ExportS3Bucket, "key", cfg.ExportS3Key)
		}
	}
	if cfg.ExportFile != "" {
		dests = append(dests, snapshot.NewFileDestination(cfg.ExportFile))
		logger.Info("snapshot file destination enabled", "path", cfg.ExportFile)
	}
	if len(dests) == 0 {
		logger.Warn("GRIDBASE_EXPORT_INTERVAL set but no snapshot destination configured")
		return nil
	}
	s := snapshot.NewScheduler(st, dests, cfg.ExportInterval, logger)
	s.Start()
	logger.Info("snapshot scheduler started", "interval", cfg.ExportInterval)
	return s
}

func init() {
	serveCmd.Flags().Bool("memory", false, "use the in-process store instead of Postgres")
}
