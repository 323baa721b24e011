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

	"github.com/devrayat000/video-ingest/config"
	"github.com/devrayat000/video-ingest/db"
	"github.com/devrayat000/video-ingest/media"
	"github.com/devrayat000/video-ingest/models"
	"github.com/devrayat000/video-ingest/pubsub"
	"github.com/devrayat000/video-ingest/queue"
	"github.com/devrayat000/video-ingest/stages"
	"github.com/devrayat000/video-ingest/storage"
	"github.com/devrayat000/video-ingest/utils"
	"github.com/devrayat000/video-ingest/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func main() {
	root := &cobra.Command{
		Use:           "video-worker",
		Short:         "Processing worker for the video ingest pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Claim and process jobs until stopped",
			RunE:  func(cmd *cobra.Command, _ []string) error { return run(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "sweep",
			Short: "Requeue stale processing jobs once and exit",
			RunE:  func(cmd *cobra.Command, _ []string) error { return sweepOnce(cmd.Context()) },
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := utils.NewLogger(cfg.Log, "worker").WithField("worker_id", cfg.Worker.ID)

	gdb, err := db.InitDB(cfg.Database, log)
	if err != nil {
		return err
	}
	if err := db.Migrate(gdb); err != nil {
		return err
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

	ladder, err := media.LoadLadder(cfg.Worker.LadderFile)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := worker.NewMetrics(reg)

	repo := db.NewVideoRepository(gdb)
	jobs := queue.NewGormQueue(gdb,
		queue.WithNotifier(bus),
		queue.WithMaxRetries(cfg.Worker.MaxRetries),
		queue.WithLogger(log),
	)
	handlers := stages.New(store, repo, jobs,
		media.NewFFmpeg(cfg.Worker.FFmpegPath, cfg.Worker.FFprobePath, log),
		bus,
		stages.Options{
			ScratchDir:     cfg.Worker.ScratchDir,
			Ladder:         ladder,
			SegmentSeconds: cfg.Worker.HLSSegment,
			ThumbWidth:     cfg.Worker.ThumbWidth,
		}, log)

	w := worker.New(jobs, worker.Handlers{
		models.TaskCombineChunks: handlers.CombineChunks,
		models.TaskTranscode:     handlers.Transcode,
		models.TaskThumbnail:     handlers.GenerateThumbnails,
		models.TaskHLSDash:       handlers.GenerateStreamingFormats,
	}, worker.Config{
		ID:           cfg.Worker.ID,
		PollInterval: cfg.Worker.PollInterval,
		JobTimeout:   cfg.Worker.JobTimeout,
		Heartbeat:    cfg.Worker.Heartbeat,
	},
		worker.WithLifecycle(handlers),
		worker.WithWaker(bus),
		worker.WithMetrics(metrics),
		worker.WithLogger(log),
	)

	sweeper, err := worker.NewSweeper(jobs, cfg.Worker.SweepSchedule, cfg.Worker.StaleTimeout, metrics, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return sweeper.Run(ctx) })
	g.Go(func() error { return serveMetrics(ctx, cfg.Worker.MetricsAddr, reg, log) })
	return g.Wait()
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, log logrus.FieldLogger) error {
	if addr == "" {
		<-ctx.Done()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("metrics listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func sweepOnce(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := utils.NewLogger(cfg.Log, "worker")
	gdb, err := db.InitDB(cfg.Database, log)
	if err != nil {
		return err
	}
	jobs := queue.NewGormQueue(gdb, queue.WithMaxRetries(cfg.Worker.MaxRetries), queue.WithLogger(log))
	res, err := jobs.RequeueStale(ctx, cfg.Worker.StaleTimeout)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"requeued": res.Requeued, "failed": res.Failed}).Info("stale sweep finished")
	return nil
}
