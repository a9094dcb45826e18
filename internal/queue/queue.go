package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"joke-bot/internal/config"
	"joke-bot/pkg/logger"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const (
	JokeSubject     = "jokes.pending"
	TelegramSubject = "telegram.send"

	jokeConsumer     = "joke-bot-jokes"
	telegramConsumer = "joke-bot-telegram"

	fetchBatch   = 10
	fetchWait    = 500 * time.Millisecond
	dedupeWindow = 10 * time.Minute
)

var streamSubjects = []string{"jokes.>", "telegram.>"}

type NATS struct {
	conn      *nats.Conn
	jetstream nats.JetStreamContext
	cfg       config.NATSConfig
}

func New(cfg config.NATSConfig) (*NATS, error) {
	conn, err := nats.Connect(cfg.URL,
		nats.Name("joke-bot"),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get JetStream: %w", err)
	}

	n := &NATS{
		conn:      conn,
		jetstream: js,
		cfg:       cfg,
	}

	if err := n.ensureStream(); err != nil {
		conn.Close()
		return nil, err
	}

	return n, nil
}

func (n *NATS) ensureStream() error {
	_, err := n.jetstream.StreamInfo(n.cfg.StreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream %s: %w", n.cfg.StreamName, err)
	}

	_, err = n.jetstream.AddStream(&nats.StreamConfig{
		Name:       n.cfg.StreamName,
		Subjects:   streamSubjects,
		Storage:    nats.FileStorage,
		Duplicates: dedupeWindow,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream %s: %w", n.cfg.StreamName, err)
	}

	logger.Info("Created JetStream stream", logger.String("stream", n.cfg.StreamName))
	return nil
}

func (n *NATS) Close() {
	if n.conn != nil {
		n.conn.Close()
	}
}

// JokeMessage is a pending joke handed to the broadcast side.
type JokeMessage struct {
	Seq       int64     `json:"seq"`
	Owner     int64     `json:"owner"`
	Text      string    `json:"text"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

// JokeMsgID derives the JetStream dedupe id from the pending row, so a row
// republished after a crash is not broadcast twice. Seq restarts after a
// schema reset, so the row's creation time is part of the id.
func JokeMsgID(seq int64, createdAt time.Time) string {
	return fmt.Sprintf("pending-%d-%d", seq, createdAt.UnixNano())
}

func (n *NATS) PublishJoke(ctx context.Context, joke *JokeMessage) error {
	data, err := json.Marshal(joke)
	if err != nil {
		return fmt.Errorf("failed to marshal joke: %w", err)
	}

	msgID := JokeMsgID(joke.Seq, joke.CreatedAt)
	ack, err := n.jetstream.Publish(JokeSubject, data, nats.Context(ctx), nats.MsgId(msgID))
	if err != nil {
		return fmt.Errorf("failed to publish joke: %w", err)
	}
	if ack.Duplicate {
		logger.Warn("Joke already in stream, publish deduplicated",
			logger.Int64("seq", joke.Seq),
			logger.String("msg_id", msgID),
		)
		return nil
	}

	logger.Debug("Joke published to queue",
		logger.Int64("seq", joke.Seq),
		logger.Int64("owner", joke.Owner),
	)

	return nil
}

type TelegramMessage struct {
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

func (n *NATS) PublishTelegramMessage(ctx context.Context, msg *TelegramMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram message: %w", err)
	}

	_, err = n.jetstream.Publish(TelegramSubject, data, nats.Context(ctx), nats.MsgId(uuid.NewString()))
	if err != nil {
		return fmt.Errorf("failed to publish telegram message: %w", err)
	}

	logger.Debug("Telegram message published to queue",
		logger.Int64("chat_id", msg.ChatID),
	)

	return nil
}

func (n *NATS) ConsumeJokes(ctx context.Context, handler func(*JokeMessage) error) error {
	return consume(ctx, n, JokeSubject, jokeConsumer, handler)
}

func (n *NATS) ConsumeTelegramMessages(ctx context.Context, handler func(*TelegramMessage) error) error {
	return consume(ctx, n, TelegramSubject, telegramConsumer, handler)
}

// consume pulls batches from a durable consumer until ctx is done. Messages
// that fail to decode are terminated; handler failures are redelivered.
func consume[T any](ctx context.Context, n *NATS, subject, durable string, handler func(*T) error) error {
	sub, err := n.jetstream.PullSubscribe(
		subject,
		durable,
		nats.BindStream(n.cfg.StreamName),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msgs, err := sub.Fetch(fetchBatch, nats.MaxWait(fetchWait))
		if err != nil {
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("failed to fetch messages: %w", err)
		}

		for _, msg := range msgs {
			switch err := handle(msg.Data, handler); {
			case err == nil:
				msg.Ack()
			case errors.Is(err, errMalformed):
				logger.Error("Dropping malformed message",
					logger.String("subject", subject),
					logger.Err(err),
				)
				msg.Term()
			default:
				logger.Error("Failed to process message",
					logger.String("subject", subject),
					logger.Err(err),
				)
				msg.Nak()
			}
		}
	}
}

var errMalformed = errors.New("malformed message")

func handle[T any](data []byte, handler func(*T) error) error {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %w", errMalformed, err)
	}
	return handler(&v)
}
