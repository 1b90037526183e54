// Command flowcache serves cached actions over HTTP. It supervises a
// scheduler, either the flowcache-scheduler binary named by
// FLOWCACHE_SCHEDULER_BIN or an in-process one.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/seantiz/flowcache/internal/action"
	"github.com/seantiz/flowcache/internal/actions"
	"github.com/seantiz/flowcache/internal/api"
	"github.com/seantiz/flowcache/internal/client"
	"github.com/seantiz/flowcache/internal/config"
	"github.com/seantiz/flowcache/internal/launcher"
	"github.com/seantiz/flowcache/internal/ledger"
	"github.com/seantiz/flowcache/internal/scheduler"
)

func main() {
	dotenvErr := config.LoadDotEnv()
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)
	if dotenvErr != nil {
		logger.Warn("failed to load .env", "error", dotenvErr)
	}

	logger.Info("flowcache: starting",
		"listen_addr", cfg.ListenAddr,
		"root", cfg.Root,
		"scheduler_bin", cfg.SchedulerBin,
	)

	if err := run(cfg, logger); err != nil {
		logger.Error("flowcache: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
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
	registry := action.NewRegistry(actions.Defaults(source)...)

	launchers := launcher.NewRegistry()
	launchers.Register(launcher.NameInProcess, launcher.InProcess{Registry: registry, Logger: logger})
	name := launcher.NameInProcess
	if cfg.SchedulerBin != "" {
		launchers.Register(launcher.NameExec, launcher.Exec{Binary: cfg.SchedulerBin, Logger: logger})
		name = launcher.NameExec
	}
	l, err := launchers.Resolve(name)
	if err != nil {
		return err
	}

	c, err := client.New(client.Options{
		Root:              cfg.Root,
		MaxWorkers:        cfg.MaxWorkers,
		MaxDiskMB:         cfg.MaxDiskMB,
		WorkerTimeout:     cfg.WorkerTimeout,
		Launcher:          l,
		Registry:          registry,
		Logger:            logger,
		WriteTimeout:      cfg.WriteTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	})
	if err != nil {
		return err
	}
	if err := c.Start(ctx); err != nil {
		c.Kill()
		return fmt.Errorf("start cache client: %w", err)
	}
	defer func() {
		if err := c.Close(); err != nil {
			logger.Warn("failed to stop scheduler", "error", err)
		}
	}()

	// The scheduler created the ledger before answering the check call.
	runs, err := ledger.NewSQLiteLedger(scheduler.LedgerPath(cfg.Root))
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer runs.Close()

	srv := api.NewServer(cfg.ListenAddr, c, runs, cfg.CallTimeout, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error { return watchScheduler(gctx, c, logger) })
	return g.Wait()
}

// watchScheduler logs lifecycle events and fails once the scheduler is gone,
// so that a supervisor can restart the service.
func watchScheduler(ctx context.Context, c *client.Client, logger *slog.Logger) error {
	events, unsubscribe := c.Subscribe(client.AllEvents)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return client.ErrUnreachable
			}
			logger.Debug("worker lifecycle",
				"op", ev.Op,
				"token", ev.IdempotencyToken,
				"stream_key", ev.Stream(),
			)
		}
	}
}
