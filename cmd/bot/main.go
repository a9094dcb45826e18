package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"joke-bot/internal/bot"
	"joke-bot/internal/config"
	"joke-bot/internal/database"
	"joke-bot/internal/metrics"
	"joke-bot/internal/notifier"
	"joke-bot/internal/queue"
	"joke-bot/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		if errors.Is(err, config.ErrEmptyBotToken) {
			fmt.Fprintln(os.Stderr, "Error: BOT_TOKEN environment variable is required")
		} else if errors.Is(err, config.ErrEmptyDBPassword) {
			fmt.Fprintln(os.Stderr, "Error: DB_PASSWORD environment variable is required")
		} else {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		}
		os.Exit(1)
	}

	logger.Init(cfg.App.LogLevel, cfg.App.LogFormat, nil)
	logger.Info("Starting joke-bot",
		logger.String("app", cfg.App.Name),
		logger.String("environment", cfg.App.Environment),
		logger.String("driver", cfg.Database.Driver),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := database.Open(ctx, cfg.Database)
	if err != nil {
		var dbErr *database.ConnectionError
		if errors.As(err, &dbErr) {
			logger.Error("Failed to connect to database",
				logger.Err(dbErr),
				logger.String("driver", dbErr.Driver),
				logger.String("addr", dbErr.Addr),
			)
		} else {
			logger.Error("Failed to open database", logger.Err(err))
		}
		os.Exit(1)
	}
	defer store.Close()
	logger.Info("Connected to database", logger.String("addr", cfg.Database.Addr()))

	var q *queue.NATS
	if cfg.NATS.URL != "" {
		q, err = queue.New(cfg.NATS)
		if err != nil {
			logger.Error("Failed to connect to NATS", logger.Err(err))
			os.Exit(1)
		}
		defer q.Close()
		logger.Info("Connected to NATS", logger.String("url", cfg.NATS.URL))
	}

	telegramBot, err := bot.New(cfg.Bot, cfg.Dump, store, q)
	if err != nil {
		logger.Error("Failed to create bot", logger.Err(err))
		os.Exit(1)
	}

	if _, err := telegramBot.Start(ctx); err != nil {
		logger.Error("Failed to start bot", logger.Err(err))
		os.Exit(1)
	}
	logger.Info("Telegram bot started")

	var publisher notifier.Publisher = telegramBot.Broadcaster()
	if q != nil {
		publisher = q
	}

	notifierDone := make(chan struct{})
	go func() {
		defer close(notifierDone)
		n := notifier.New(cfg.Notifier, store, publisher, notifier.WithRetry(cfg.Bot.SendRetries, time.Second))
		if err := n.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Notifier error", logger.Err(err))
		}
	}()

	healthMux := http.NewServeMux()
	healthMux.HandleFunc(cfg.Health.Endpoint, func(w http.ResponseWriter, r *http.Request) {
		if err := store.Ping(r.Context()); err != nil {
			logger.Warn("Health check failed", logger.Err(err))
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	healthMux.Handle(cfg.Health.Metrics, metrics.Handler())

	healthServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Health.Port),
		Handler:           healthMux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Health server starting",
			logger.Int("port", cfg.Health.Port),
		)
		if err := healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health server error", logger.Err(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	cancel()
	telegramBot.Stop()
	<-notifierDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if cfg.Notifier.DrainOnShutdown {
		dropped, err := store.DrainPending(shutdownCtx)
		if err != nil {
			logger.Error("Failed to drain pending queue", logger.Err(err))
		} else {
			logger.Info("Pending queue drained", logger.Int64("dropped", dropped))
		}
	}

	if err := healthServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error shutting down health server", logger.Err(err))
	}

	logger.Info("Bot stopped gracefully")
}
