package bot

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"joke-bot/internal/config"
	"joke-bot/internal/database"
	"joke-bot/internal/metrics"
	"joke-bot/internal/queue"
	"joke-bot/pkg/logger"

	"gopkg.in/telebot.v4"
)

const commandTimeout = 30 * time.Second

type Bot struct {
	cfg   config.BotConfig
	dump  config.DumpConfig
	store database.JokeStore
	q     *queue.NATS

	tbot        *telebot.Bot
	outbox      Sender
	broadcaster *Broadcaster
	cancel      context.CancelFunc
}

func New(cfg config.BotConfig, dump config.DumpConfig, store database.JokeStore, q *queue.NATS) (*Bot, error) {
	if cfg.Token == "" {
		return nil, config.ErrEmptyBotToken
	}

	return &Bot{
		cfg:   cfg,
		dump:  dump,
		store: store,
		q:     q,
	}, nil
}

// Start connects to Telegram, registers the handlers and starts polling in
// the background. With NATS configured it also runs the consumers that turn
// queued jokes into broadcasts and queued messages into sends.
func (b *Bot) Start(ctx context.Context) (*telebot.Bot, error) {
	tbot, err := telebot.NewBot(telebot.Settings{
		Token:  b.cfg.Token,
		Poller: &telebot.LongPoller{Timeout: b.cfg.PollTimeout},
		OnError: func(err error, c telebot.Context) {
			logger.Error("Telegram handler error", logger.Err(err))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	b.tbot = tbot
	direct := newTelegramSender(tbot, b.cfg.SendRate, b.cfg.SendRetries)

	ctx, b.cancel = context.WithCancel(ctx)

	if b.q != nil {
		b.outbox = queueSender{q: b.q}
		b.broadcaster = NewBroadcaster(b.store, b.outbox)
		b.startConsumers(ctx, direct)
	} else {
		b.outbox = direct
		b.broadcaster = NewBroadcaster(b.store, b.outbox)
	}

	b.setupHandlers(tbot)

	go tbot.Start()

	return tbot, nil
}

func (b *Bot) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	if b.tbot != nil {
		b.tbot.Stop()
	}
}

// Broadcaster is the notifier's publisher when no broker is configured.
// It is nil until Start.
func (b *Bot) Broadcaster() *Broadcaster {
	return b.broadcaster
}

func (b *Bot) startConsumers(ctx context.Context, direct Sender) {
	go func() {
		err := b.q.ConsumeTelegramMessages(ctx, func(msg *queue.TelegramMessage) error {
			return direct.Send(ctx, msg.ChatID, msg.Text)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Telegram consumer error", logger.Err(err))
		}
	}()

	go func() {
		err := b.q.ConsumeJokes(ctx, func(joke *queue.JokeMessage) error {
			return b.broadcaster.PublishJoke(ctx, joke)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Joke consumer error", logger.Err(err))
		}
	}()
}

func (b *Bot) setupHandlers(bot *telebot.Bot) {
	for _, cmd := range b.commands() {
		bot.Handle("/"+cmd.name, b.handler(cmd))
	}

	bot.Handle(telebot.OnText, func(c telebot.Context) error {
		if c.Sender() == nil {
			return nil
		}
		logger.Debug("Incoming text message",
			logger.Int64("user_id", c.Sender().ID),
			logger.String("username", c.Sender().Username),
		)
		return b.outbox.Send(context.Background(), c.Sender().ID, "Use /joke to get a joke or /add to share one!")
	})
}

func (b *Bot) handler(cmd command) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		sender := c.Sender()
		if sender == nil {
			return nil
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		logger.Info("Incoming command",
			logger.String("command", cmd.name),
			logger.Int64("user_id", sender.ID),
		)

		req := request{
			senderID:   sender.ID,
			senderName: displayName(sender),
			args:       c.Args(),
		}
		if msg := c.Message(); msg != nil {
			req.payload = msg.Payload
		}

		resp, result := b.execute(ctx, cmd, req)
		metrics.ObserveCommand(cmd.name, result, start)

		return b.respond(ctx, c, sender.ID, resp)
	}
}

func (b *Bot) respond(ctx context.Context, c telebot.Context, chatID int64, resp response) error {
	if resp.file != "" {
		return sendFile(c, resp)
	}
	return b.outbox.Send(ctx, chatID, resp.text)
}

// replier is the part of telebot.Context used to answer in the same chat.
type replier interface {
	Send(what interface{}, opts ...interface{}) error
}

// sendFile uploads resp.file as a document and removes it once delivered.
// A failed upload leaves the file on disk.
func sendFile(to replier, resp response) error {
	doc := &telebot.Document{
		File:     telebot.FromDisk(resp.file),
		FileName: filepath.Base(resp.file),
		Caption:  resp.text,
	}
	if err := to.Send(doc); err != nil {
		logger.Warn("Failed to send file, keeping it on disk",
			logger.String("path", resp.file),
			logger.Err(err),
		)
		return err
	}

	if err := os.Remove(resp.file); err != nil {
		logger.Warn("Failed to remove sent file",
			logger.String("path", resp.file),
			logger.Err(err),
		)
	}
	return nil
}
