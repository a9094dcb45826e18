package bot

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"joke-bot/internal/metrics"
	"joke-bot/internal/queue"
	"joke-bot/pkg/logger"

	"github.com/sethvargo/go-retry"
	"golang.org/x/time/rate"
	"gopkg.in/telebot.v4"
)

// Sender delivers one text message to one chat.
type Sender interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// messageAPI is the part of *telebot.Bot used for outgoing messages.
type messageAPI interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// telegramSender talks to Telegram directly, paced by a shared limiter and
// retrying flood-control and network errors with exponential backoff.
type telegramSender struct {
	api     messageAPI
	limiter *rate.Limiter
	retries uint64
	base    time.Duration
}

func newTelegramSender(api messageAPI, perSecond float64, retries uint64) *telegramSender {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}

	return &telegramSender{
		api:     api,
		limiter: rate.NewLimiter(limit, 1),
		retries: retries,
		base:    time.Second,
	}
}

func (s *telegramSender) Send(ctx context.Context, chatID int64, text string) error {
	backoff := retry.WithMaxRetries(s.retries, retry.NewExponential(s.base))

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}

		_, err := s.api.Send(&telebot.Chat{ID: chatID}, text)
		if err == nil {
			return nil
		}
		if isTransient(err) {
			logger.Warn("Telegram send failed, retrying",
				logger.Int64("chat_id", chatID),
				logger.Err(err),
			)
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to send message to %d: %w", chatID, err)
	}
	return nil
}

func isTransient(err error) bool {
	if errors.Is(err, telebot.ErrBlockedByUser) ||
		errors.Is(err, telebot.ErrChatNotFound) ||
		errors.Is(err, telebot.ErrUserIsDeactivated) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := err.Error()
	return strings.Contains(msg, "Too Many Requests") || strings.Contains(msg, "retry after")
}

// queueSender routes outgoing messages through JetStream; the consumer on
// telegram.send performs the actual delivery.
type queueSender struct {
	q *queue.NATS
}

func (s queueSender) Send(ctx context.Context, chatID int64, text string) error {
	return s.q.PublishTelegramMessage(ctx, &queue.TelegramMessage{ChatID: chatID, Text: text})
}

type Recipients interface {
	ExternalUserIDs(ctx context.Context) ([]int64, error)
}

// Broadcaster sends a joke to every registered user. It implements the
// notifier's Publisher.
type Broadcaster struct {
	users  Recipients
	sender Sender
}

func NewBroadcaster(users Recipients, sender Sender) *Broadcaster {
	return &Broadcaster{users: users, sender: sender}
}

// PublishJoke fails only when the recipient list cannot be read or ctx ends.
// A user who cannot be reached is logged and skipped.
func (b *Broadcaster) PublishJoke(ctx context.Context, joke *queue.JokeMessage) error {
	ids, err := b.users.ExternalUserIDs(ctx)
	if err != nil {
		return fmt.Errorf("failed to list recipients: %w", err)
	}

	text := formatBroadcast(joke)
	failed := 0

	for _, id := range ids {
		err := b.sender.Send(ctx, id, text)
		metrics.BroadcastSent(err)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			failed++
			logger.Warn("Broadcast to user failed",
				logger.Int64("chat_id", id),
				logger.Int64("seq", joke.Seq),
				logger.Err(err),
			)
		}
	}

	logger.Info("Joke broadcast",
		logger.Int64("seq", joke.Seq),
		logger.Int("recipients", len(ids)),
		logger.Int("failed", failed),
	)
	return nil
}
