// Package notifier moves submitted jokes from the pending queue to the
// broadcast side, oldest first, removing each row only after hand-off.
package notifier

import (
	"context"
	"fmt"
	"time"

	"joke-bot/internal/config"
	"joke-bot/internal/metrics"
	"joke-bot/internal/models"
	"joke-bot/internal/queue"
	"joke-bot/pkg/logger"

	"github.com/sethvargo/go-retry"
)

type Store interface {
	PeekOldestPending(ctx context.Context) (models.PendingJoke, bool, error)
	RemovePending(ctx context.Context, seq int64) error
}

// Publisher hands a pending joke to whoever broadcasts it: the NATS queue,
// or the bot directly when no broker is configured.
type Publisher interface {
	PublishJoke(ctx context.Context, joke *queue.JokeMessage) error
}

type Notifier struct {
	cfg     config.NotifierConfig
	store   Store
	pub     Publisher
	retries uint64
	base    time.Duration
}

func New(cfg config.NotifierConfig, store Store, pub Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		cfg:     cfg,
		store:   store,
		pub:     pub,
		retries: 3,
		base:    500 * time.Millisecond,
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

type Option func(*Notifier)

// WithRetry sets how many times a failed publish is retried and the initial
// backoff between attempts.
func WithRetry(retries uint64, base time.Duration) Option {
	return func(n *Notifier) {
		n.retries = retries
		n.base = base
	}
}

// Start delivers whatever is pending, then repeats every interval until ctx
// is done. A failed pass is logged and retried on the next tick.
func (n *Notifier) Start(ctx context.Context) error {
	if !n.cfg.Enabled {
		return nil
	}
	if n.cfg.Interval <= 0 {
		return fmt.Errorf("notifier interval must be positive, got %v", n.cfg.Interval)
	}

	logger.Info("Notifier started", logger.Duration("interval", n.cfg.Interval))
	n.tick(ctx)

	ticker := time.NewTicker(n.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.tick(ctx)
		}
	}
}

func (n *Notifier) tick(ctx context.Context) {
	delivered, err := n.RunOnce(ctx)
	metrics.NotifierRun(err)
	if err != nil {
		logger.Error("Notifier pass failed",
			logger.Int("delivered", delivered),
			logger.Err(err),
		)
		return
	}
	if delivered > 0 {
		logger.Info("Pending jokes delivered", logger.Int("count", delivered))
	}
}

// RunOnce drains the pending queue in order. It stops at the first joke it
// cannot publish, leaving it and everything after it queued.
func (n *Notifier) RunOnce(ctx context.Context) (int, error) {
	delivered := 0

	for {
		if err := ctx.Err(); err != nil {
			return delivered, err
		}

		pending, ok, err := n.store.PeekOldestPending(ctx)
		if err != nil {
			return delivered, fmt.Errorf("failed to read pending queue: %w", err)
		}
		if !ok {
			return delivered, nil
		}

		if err := n.publish(ctx, pending); err != nil {
			return delivered, fmt.Errorf("failed to publish pending joke %d: %w", pending.Seq, err)
		}

		if err := n.store.RemovePending(ctx, pending.Seq); err != nil {
			return delivered, fmt.Errorf("failed to remove pending joke %d: %w", pending.Seq, err)
		}

		metrics.PendingDelivered()
		delivered++
	}
}

func (n *Notifier) publish(ctx context.Context, p models.PendingJoke) error {
	msg := &queue.JokeMessage{
		Seq:       p.Seq,
		Owner:     p.Owner,
		Text:      p.Text,
		Author:    p.Author,
		CreatedAt: p.CreatedAt,
	}

	backoff := retry.WithMaxRetries(n.retries, retry.NewExponential(n.base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := n.pub.PublishJoke(ctx, msg); err != nil {
			logger.Warn("Publish attempt failed",
				logger.Int64("seq", p.Seq),
				logger.Err(err),
			)
			return retry.RetryableError(err)
		}
		return nil
	})
}
