package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"maintenance-reminders/internal/api"
	"maintenance-reminders/internal/config"
	"maintenance-reminders/internal/models"
	"maintenance-reminders/internal/notify"
	"maintenance-reminders/internal/queue"
	"maintenance-reminders/internal/ratelimit"
	"maintenance-reminders/internal/reminder"
	"maintenance-reminders/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("reminderd exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	notifier := notify.New(notify.SendGridConfig{
		APIKey:    cfg.SendGridAPIKey,
		FromEmail: cfg.SendGridFromEmail,
		FromName:  cfg.SendGridFromName,
		Logger:    logger,
	})

	q := queue.Open(ctx, cfg, logger)
	handler := reminder.NewHandler(st, notifier, cfg.AppBaseURL, logger)
	q.Register(models.KindMaintenanceReminder, handler.Handle)

	scanner := reminder.NewScanner(st, q, logger,
		reminder.WithLocation(cfg.Location()),
		reminder.WithSchedule(cfg.ScanCron),
		reminder.WithStaleAfter(cfg.PendingStaleAfter),
	)

	var limiter api.Limiter
	if rq, ok := q.(*queue.RedisQueue); ok {
		limiter = ratelimit.NewTokenBucket(rq.Client(), cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(q, scanner, limiter, cfg.ScannerEnabled, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	if err := q.Start(ctx); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}
	if cfg.ScannerEnabled {
		if err := scanner.Start(); err != nil {
			_ = q.Close(context.Background())
			return fmt.Errorf("start scanner: %w", err)
		}
	} else {
		logger.Info("reminder scanner disabled")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("ops api listening", "addr", cfg.HTTPAddr, "queue_backend", q.Backend())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		var errs []error
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := scanner.Stop(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("scanner stop: %w", err))
		}
		if err := q.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("queue close: %w", err))
		}
		return errors.Join(errs...)
	})
	return g.Wait()
}

func newLogger(cfg config.Config) *slog.Logger {
	var lvl slog.Level
	switch cfg.LogLevel {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if cfg.Env == "dev" {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts)).With("service", "reminderd")
}
