package bot

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"joke-bot/internal/database"
	"joke-bot/internal/metrics"
	"joke-bot/pkg/logger"
)

type request struct {
	senderID   int64
	senderName string
	payload    string
	args       []string
}

type response struct {
	text string
	// file, when set, is sent as a document with text as its caption.
	file string
}

type commandFunc func(ctx context.Context, req request) (response, error)

// command describes one bot command. Commands with register set add the
// sender to the broadcast list before running.
type command struct {
	name     string
	admin    bool
	register bool
	run      commandFunc
}

func (b *Bot) commands() []command {
	return []command{
		{name: "start", run: b.cmdStart},
		{name: "help", run: b.cmdHelp},
		{name: "joke", run: b.cmdJoke},
		{name: "add", run: b.cmdAdd},
		{name: "my", register: true, run: b.cmdMy},
		{name: "count", register: true, run: b.cmdCount},
		{name: "delete", register: true, run: b.cmdDelete},
		{name: "stats", run: b.cmdStats},

		{name: "admins", admin: true, run: b.cmdAdmins},
		{name: "admin_add", admin: true, run: b.cmdAdminAdd},
		{name: "admin_del", admin: true, run: b.cmdAdminDel},
		{name: "user", admin: true, run: b.cmdUser},
		{name: "drain", admin: true, run: b.cmdDrain},
		{name: "purge", admin: true, run: b.cmdPurge},
		{name: "dump", admin: true, run: b.cmdDump},
		{name: "reset", admin: true, run: b.cmdReset},
	}
}

// execute runs cmd for req and turns failures into a user-facing reply. The
// second return value is the metrics result label.
func (b *Bot) execute(ctx context.Context, cmd command, req request) (response, string) {
	if cmd.admin {
		ok, err := b.isAdmin(ctx, req.senderID)
		if err != nil {
			logger.Error("Admin check failed",
				logger.String("command", cmd.name),
				logger.Int64("user_id", req.senderID),
				logger.Err(err),
			)
			return response{text: userMessage(err)}, metrics.ResultError
		}
		if !ok {
			return response{text: deniedText}, metrics.ResultDenied
		}
	}

	resp, err := b.dispatch(ctx, cmd, req)
	if err != nil {
		logger.Error("Command failed",
			logger.String("command", cmd.name),
			logger.Int64("user_id", req.senderID),
			logger.Err(err),
		)
		return response{text: userMessage(err)}, metrics.ResultError
	}
	return resp, metrics.ResultOK
}

func (b *Bot) dispatch(ctx context.Context, cmd command, req request) (response, error) {
	if cmd.register {
		if _, err := b.store.EnsureUser(ctx, req.senderID); err != nil {
			return response{}, err
		}
	}
	return cmd.run(ctx, req)
}

func (b *Bot) isAdmin(ctx context.Context, id int64) (bool, error) {
	if b.cfg.OwnerID != 0 && id == b.cfg.OwnerID {
		return true, nil
	}
	return b.store.IsAdmin(ctx, id)
}

func userMessage(err error) string {
	switch {
	case errors.Is(err, database.ErrInvalidInput):
		return "Can't accept that: " + strings.TrimPrefix(err.Error(), database.ErrInvalidInput.Error()+": ")
	case errors.Is(err, database.ErrConstraint):
		return "That already exists."
	case database.IsRetryable(err):
		return "The database is busy right now, please try again in a moment."
	default:
		return "Something went wrong, please try again later."
	}
}

func reply(s string) response {
	return response{text: s}
}

func (b *Bot) cmdStart(ctx context.Context, req request) (response, error) {
	if _, err := b.store.EnsureUser(ctx, req.senderID); err != nil {
		return response{}, err
	}
	return reply(welcomeText), nil
}

func (b *Bot) cmdHelp(ctx context.Context, req request) (response, error) {
	admin, err := b.isAdmin(ctx, req.senderID)
	if err != nil {
		return response{}, err
	}
	if admin {
		return reply(welcomeText + adminHelpText), nil
	}
	return reply(welcomeText), nil
}

func (b *Bot) cmdJoke(ctx context.Context, _ request) (response, error) {
	joke, ok, err := b.store.RandomJoke(ctx)
	if err != nil {
		return response{}, err
	}
	if !ok {
		return reply(noJokesText), nil
	}
	return reply(formatJoke(joke.Text, joke.Author)), nil
}

func (b *Bot) cmdAdd(ctx context.Context, req request) (response, error) {
	if strings.TrimSpace(req.payload) == "" {
		return reply("Usage: /add <joke text>"), nil
	}

	if err := b.store.RecordJoke(ctx, req.payload, req.senderName, req.senderID); err != nil {
		return response{}, err
	}
	metrics.JokeRecorded()

	return reply("Joke saved! It will be sent to everyone soon."), nil
}

func (b *Bot) cmdMy(ctx context.Context, req request) (response, error) {
	texts, err := b.store.JokesByUser(ctx, req.senderID)
	if err != nil {
		return response{}, err
	}
	return reply(formatJokeList(texts)), nil
}

func (b *Bot) cmdCount(ctx context.Context, req request) (response, error) {
	n, err := b.store.CountJokesByUser(ctx, req.senderID)
	if err != nil {
		return response{}, err
	}
	return reply(fmt.Sprintf("You have added %d jokes.", n)), nil
}

func (b *Bot) cmdDelete(ctx context.Context, req request) (response, error) {
	n, err := b.store.DeleteJokesByUser(ctx, req.senderID)
	if err != nil {
		return response{}, err
	}
	return reply(fmt.Sprintf("Deleted %d jokes.", n)), nil
}

func (b *Bot) cmdStats(ctx context.Context, _ request) (response, error) {
	users, err := b.store.CountUsers(ctx)
	if err != nil {
		return response{}, err
	}
	jokes, err := b.store.CountJokes(ctx)
	if err != nil {
		return response{}, err
	}
	pending, err := b.store.HasPending(ctx)
	if err != nil {
		return response{}, err
	}
	return reply(formatStats(users, jokes, pending)), nil
}

func (b *Bot) cmdAdmins(ctx context.Context, _ request) (response, error) {
	admins, err := b.store.ListAdmins(ctx)
	if err != nil {
		return response{}, err
	}
	return reply(formatAdmins(admins)), nil
}

func parseID(s string) (int64, bool) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

func (b *Bot) cmdAdminAdd(ctx context.Context, req request) (response, error) {
	const usage = "Usage: /admin_add <telegram id> <name>"
	if len(req.args) < 2 {
		return reply(usage), nil
	}
	id, ok := parseID(req.args[0])
	if !ok {
		return reply(usage), nil
	}
	name := strings.Join(req.args[1:], " ")

	if exists, err := b.store.IsAdmin(ctx, id); err != nil {
		return response{}, err
	} else if exists {
		return reply(fmt.Sprintf("%d is already an admin.", id)), nil
	}
	if taken, err := b.store.IsAdminName(ctx, name); err != nil {
		return response{}, err
	} else if taken {
		return reply(fmt.Sprintf("The name %q is already taken.", name)), nil
	}

	if err := b.store.AddAdmin(ctx, id, name, req.senderID); err != nil {
		return response{}, err
	}

	logger.Info("Admin added",
		logger.Int64("admin_id", id),
		logger.Int64("invited_by", req.senderID),
	)
	return reply(fmt.Sprintf("%s (%d) is now an admin.", name, id)), nil
}

func (b *Bot) cmdAdminDel(ctx context.Context, req request) (response, error) {
	const usage = "Usage: /admin_del <telegram id>"
	if len(req.args) != 1 {
		return reply(usage), nil
	}
	id, ok := parseID(req.args[0])
	if !ok {
		return reply(usage), nil
	}
	if id == b.cfg.OwnerID {
		return reply("The bot owner can't be removed."), nil
	}

	if err := b.store.RemoveAdmin(ctx, id); err != nil {
		return response{}, err
	}

	logger.Info("Admin removed",
		logger.Int64("admin_id", id),
		logger.Int64("removed_by", req.senderID),
	)
	return reply(fmt.Sprintf("%d is no longer an admin.", id)), nil
}

func (b *Bot) cmdUser(ctx context.Context, req request) (response, error) {
	const usage = "Usage: /user <position>"
	if len(req.args) != 1 {
		return reply(usage), nil
	}
	position, err := strconv.Atoi(req.args[0])
	if err != nil {
		return reply(usage), nil
	}

	id, err := b.store.UserAtPosition(ctx, position)
	if errors.Is(err, database.ErrNotFound) {
		return reply(fmt.Sprintf("No user at position %d.", position)), nil
	}
	if err != nil {
		return response{}, err
	}
	return reply(fmt.Sprintf("User #%d: %d", position, id)), nil
}

func (b *Bot) cmdDrain(ctx context.Context, req request) (response, error) {
	n, err := b.store.DrainPending(ctx)
	if err != nil {
		return response{}, err
	}

	logger.Info("Pending queue drained",
		logger.Int64("dropped", n),
		logger.Int64("by", req.senderID),
	)
	return reply(fmt.Sprintf("Dropped %d pending jokes.", n)), nil
}

func (b *Bot) cmdPurge(ctx context.Context, req request) (response, error) {
	if err := b.store.DeleteAllJokes(ctx); err != nil {
		return response{}, err
	}

	logger.Warn("All jokes deleted", logger.Int64("by", req.senderID))
	return reply("All jokes deleted."), nil
}

func (b *Bot) cmdDump(ctx context.Context, req request) (response, error) {
	path := filepath.Join(b.dump.Dir, fmt.Sprintf("%d-%d.sql", req.senderID, time.Now().Unix()))

	if err := b.store.DumpToFile(ctx, path); err != nil {
		return response{}, err
	}

	logger.Info("Database dumped",
		logger.String("path", path),
		logger.Int64("by", req.senderID),
	)
	return response{text: "Database dump", file: path}, nil
}

func (b *Bot) cmdReset(ctx context.Context, req request) (response, error) {
	if req.payload != "confirm" {
		return reply("This drops every table. Run /reset confirm to proceed."), nil
	}

	if err := b.store.ResetSchema(ctx); err != nil {
		return response{}, err
	}

	logger.Warn("Schema reset", logger.Int64("by", req.senderID))
	return reply("All tables were dropped and recreated."), nil
}
