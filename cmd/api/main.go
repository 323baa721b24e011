package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devrayat000/video-ingest/api"
	"github.com/devrayat000/video-ingest/config"
	"github.com/devrayat000/video-ingest/db"
	"github.com/devrayat000/video-ingest/ingest"
	"github.com/devrayat000/video-ingest/pubsub"
	"github.com/devrayat000/video-ingest/queue"
	"github.com/devrayat000/video-ingest/storage"
	"github.com/devrayat000/video-ingest/utils"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "video-api",
		Short:         "Upload and read API for the video ingest pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	var migrate bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), migrate)
		},
	}
	serveCmd.Flags().BoolVar(&migrate, "migrate", true, "run database migrations on start")
	root.AddCommand(serveCmd, &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema and exit",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			gdb, err := db.InitDB(cfg.Database, utils.NewLogger(cfg.Log, "api"))
			if err != nil {
				return err
			}
			return db.Migrate(gdb)
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serve(ctx context.Context, migrate bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := utils.NewLogger(cfg.Log, "api")
	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.InitDB(cfg.Database, log)
	if err != nil {
		return err
	}
	if migrate {
		if err := db.Migrate(gdb); err != nil {
			return err
		}
	}

	store, err := storage.Open(ctx, cfg.Storage, log)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	bus, closer, err := pubsub.Open(ctx, cfg.Redis, log)
	if err != nil {
		return err
	}
	defer closer.Close()

	repo := db.NewVideoRepository(gdb)
	jobs := queue.NewGormQueue(gdb,
		queue.WithNotifier(bus),
		queue.WithMaxRetries(cfg.Worker.MaxRetries),
		queue.WithLogger(log),
	)
	uploads := ingest.NewService(store, repo, jobs, cfg.Upload, cfg.API.PublicURL, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	srv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           api.New(uploads, repo, bus, cfg.API, reg, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.API.Addr).Info("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}
	log.Info("shutdown signal received, draining connections")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
