// Command flowcache-scheduler runs the cache scheduler over stdin and stdout.
// It is started by the flowcache service; logs go to stderr so stdout only
// carries the wire protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/seantiz/flowcache/internal/action"
	"github.com/seantiz/flowcache/internal/actions"
	"github.com/seantiz/flowcache/internal/config"
	"github.com/seantiz/flowcache/internal/scheduler"
)

func main() {
	var sc scheduler.Config
	flag.StringVar(&sc.Root, "root", "", "cache root directory")
	flag.IntVar(&sc.MaxWorkers, "max-workers", scheduler.DefaultMaxWorkers, "maximum concurrent workers")
	flag.IntVar(&sc.MaxDiskMB, "max-disk-mb", 0, "disk budget in MB, 0 for unlimited")
	flag.IntVar(&sc.MaxTasksPerWorker, "max-tasks-per-worker", scheduler.DefaultMaxTasksPerWorker, "tasks a pool slot runs before it is recycled")
	flag.DurationVar(&sc.PollInterval, "poll-interval", scheduler.DefaultPollInterval, "scheduler loop interval")
	flag.DurationVar(&sc.WorkerTimeout, "worker-timeout", 0, "per-worker execution limit, 0 for none")
	flag.Parse()

	cfg := config.Load()
	logger := config.NewLogger(os.Stderr, cfg.LogLevel).With("component", "scheduler")

	if err := run(sc, cfg, logger); err != nil {
		logger.Error("scheduler exiting", "error", err)
		os.Exit(1)
	}
}

func run(sc scheduler.Config, cfg config.Config, logger *slog.Logger) error {
	if sc.Root == "" {
		return fmt.Errorf("--root is required")
	}

	// SIGINT reaches the whole process group; the parent decides when to stop
	// by closing stdin.
	signal.Ignore(syscall.SIGINT)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	source, err := actions.NewSource(actions.S3Config{
		Endpoint:  cfg.S3.Endpoint,
		Region:    cfg.S3.Region,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
		Bucket:    cfg.S3.Bucket,
		UseSSL:    cfg.S3.UseSSL,
	}, cfg.SourceDir)
	if err != nil {
		return fmt.Errorf("object source: %w", err)
	}

	s, closeLedger, err := scheduler.Open(sc, action.NewRegistry(actions.Defaults(source)...), logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeLedger(); err != nil {
			logger.Warn("failed to close ledger", "error", err)
		}
	}()

	return s.Run(ctx, os.Stdin, os.Stdout)
}
