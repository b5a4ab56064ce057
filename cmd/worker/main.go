package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"proxattend/internal/analytics"
	"proxattend/internal/attendance"
	"proxattend/internal/config"
	"proxattend/internal/directory"
	"proxattend/internal/metrics"
	"proxattend/internal/queue"
	"proxattend/internal/store"
)

// Worker stores queued attendance logs and sweeps stale active sessions.
func main() {
	cfg := config.Load()
	log := config.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("worker failed", "err", err)
		os.Exit(1)
	}
	log.Info("worker stopped")
}

func run(ctx context.Context, cfg config.App, log *slog.Logger) error {
	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)
	defer redisClient.Close()

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		log.Warn("memory queue only sees messages published by this process")
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	svc, err := attendance.NewService(attendance.NewRepository(db.Client), directory.NewPostgres(db.Client),
		attendance.WithFreshness(cfg.SessionFreshness),
		attendance.WithLogger(log),
	)
	if err != nil {
		return err
	}
	logs := analytics.NewRepository(db.Client)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumeLogs(ctx, q, logs, log) })
	g.Go(func() error { return sweep(ctx, svc, cfg.SweepInterval, log) })
	return g.Wait()
}

type logSaver interface {
	Save(ctx context.Context, e analytics.LogEntry) error
}

func consumeLogs(ctx context.Context, q queue.Queue, repo logSaver, log *slog.Logger) error {
	messages, err := q.Consume(ctx)
	if err != nil {
		return err
	}
	log.Info("worker started, waiting for attendance logs")
	for msg := range messages {
		entry, err := analytics.Decode(msg)
		if err != nil {
			log.Warn("dropping queue message", "type", msg.Type, "err", err)
			metrics.AttendanceLogs.WithLabelValues("failed").Inc()
			continue
		}
		if err := repo.Save(ctx, entry); err != nil {
			log.Error("storing attendance log failed", "token", entry.Token, "section", entry.Section, "err", err)
			metrics.AttendanceLogs.WithLabelValues("failed").Inc()
			continue
		}
		metrics.AttendanceLogs.WithLabelValues("stored").Inc()
		log.Debug("attendance log stored", "token", entry.Token, "branch", entry.Branch, "section", entry.Section, "marks", len(entry.Attendance))
	}
	return nil
}

type sweeper interface {
	SweepStale(ctx context.Context) (int64, error)
}

func sweep(ctx context.Context, s sweeper, every time.Duration, log *slog.Logger) error {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		if _, err := s.SweepStale(ctx); err != nil && ctx.Err() == nil {
			log.Error("sweeping stale sessions failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}
