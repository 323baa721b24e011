package main

import (
	"context"
	"fmt"
	"mime"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/devrayat000/video-ingest/client"
	"github.com/devrayat000/video-ingest/config"
	"github.com/devrayat000/video-ingest/utils"
	"github.com/spf13/cobra"
)

type uploadFlags struct {
	server        string
	chunkSize     int64
	maxRetries    int
	retryDelay    time.Duration
	chunkTimeout  time.Duration
	probeInterval time.Duration
	logLevel      string
}

func main() {
	flags := uploadFlags{}
	root := &cobra.Command{
		Use:           "uploader",
		Short:         "Resumable chunked uploads to the video ingest API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	upload := &cobra.Command{
		Use:   "upload <file>...",
		Short: "Upload one or more video files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runUpload(cmd.Context(), flags, args)
		},
	}
	f := upload.Flags()
	f.StringVar(&flags.server, "server", "http://localhost:8080", "ingest API base URL")
	f.Int64Var(&flags.chunkSize, "chunk-size", 10<<20, "chunk size in bytes")
	f.IntVar(&flags.maxRetries, "retries", 5, "retries per chunk")
	f.DurationVar(&flags.retryDelay, "retry-delay", time.Second, "base delay between chunk retries")
	f.DurationVar(&flags.chunkTimeout, "chunk-timeout", 2*time.Minute, "timeout for a single chunk attempt")
	f.DurationVar(&flags.probeInterval, "probe-interval", 5*time.Second, "connectivity probe interval")
	f.StringVar(&flags.logLevel, "log-level", "warn", "log level")
	root.AddCommand(upload)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runUpload(ctx context.Context, flags uploadFlags, paths []string) error {
	log := utils.NewLogger(config.LogConfig{Level: flags.logLevel}, "uploader")
	remote := client.NewHTTPRemote(flags.server, flags.chunkTimeout)
	m := client.NewManager(remote, client.Options{
		ChunkSize:    flags.chunkSize,
		MaxRetries:   flags.maxRetries,
		RetryDelay:   flags.retryDelay,
		ChunkTimeout: flags.chunkTimeout,
	}, log)
	defer m.Close()

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go m.WatchConnectivity(watchCtx, remote.Ping, flags.probeInterval)

	ids := make([]string, 0, len(paths))
	for _, p := range paths {
		name := filepath.Base(p)
		id, err := m.StartUpload(p, client.Metadata{ContentType: mime.TypeByExtension(filepath.Ext(p))},
			client.WithProgress(func(pr client.Progress) { printProgress(name, pr) }))
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		ids = append(ids, id)
	}

	var failed int
	for i, id := range ids {
		p, err := m.Wait(ctx, id)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "\n%s: %v (%d/%d chunks stored)\n", paths[i], err, p.UploadedChunks, p.TotalChunks)
			continue
		}
		fmt.Printf("\n%s: uploaded as video %s\n", paths[i], p.VideoID)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d uploads failed", failed, len(ids))
	}
	return nil
}

func printProgress(name string, p client.Progress) {
	status := string(p.Status)
	if p.Status == client.StatusPaused {
		status += " (" + string(p.PauseReason) + ")"
	}
	fmt.Printf("\r%s: %5.1f%% %d/%d chunks %s/s eta %s %-20s",
		name, p.Percentage, p.UploadedChunks, p.TotalChunks,
		humanBytes(p.SpeedBytesPerSec), (time.Duration(p.ETASeconds) * time.Second).Round(time.Second), status)
}

func humanBytes(n float64) string {
	units := []string{"B", "KiB", "MiB", "GiB"}
	i := 0
	for n >= 1024 && i < len(units)-1 {
		n /= 1024
		i++
	}
	return fmt.Sprintf("%.1f%s", n, units[i])
}
