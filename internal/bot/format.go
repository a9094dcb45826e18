package bot

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"joke-bot/internal/database"
	"joke-bot/internal/models"
	"joke-bot/internal/queue"

	"gopkg.in/telebot.v4"
)

const (
	welcomeText = "Welcome to Joke Bot!\n\n" +
		"Send me your jokes and I'll share them with everyone.\n\n" +
		"Commands:\n" +
		"- /joke - Get a random joke\n" +
		"- /add <text> - Add a joke\n" +
		"- /my - List your jokes\n" +
		"- /count - How many jokes you have added\n" +
		"- /delete - Delete all your jokes\n" +
		"- /stats - Bot statistics\n" +
		"- /help - Show this help message"

	adminHelpText = "\n\nAdmin commands:\n" +
		"- /admins - List admins\n" +
		"- /admin_add <id> <name> - Grant admin rights\n" +
		"- /admin_del <id> - Revoke admin rights\n" +
		"- /user <n> - Telegram id of the n-th user\n" +
		"- /drain - Drop jokes waiting to be broadcast\n" +
		"- /purge - Delete every joke\n" +
		"- /dump - Download a database dump\n" +
		"- /reset confirm - Drop and recreate all tables"

	noJokesText    = "No jokes yet. Be the first: /add <text>"
	noOwnJokesText = "You haven't added any jokes yet."
	noAdminsText   = "No admins yet."
	deniedText     = "This command is for admins only."
)

func formatJoke(text, author string) string {
	if author == "" {
		return text
	}
	return fmt.Sprintf("%s\n\nAuthor: %s", text, author)
}

func formatBroadcast(joke *queue.JokeMessage) string {
	return "New joke!\n\n" + formatJoke(joke.Text, joke.Author)
}

func formatJokeList(texts []string) string {
	if len(texts) == 0 {
		return noOwnJokesText
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Your jokes (%d):", len(texts))
	for i, text := range texts {
		fmt.Fprintf(&sb, "\n\n%d. %s", i+1, text)
	}
	return sb.String()
}

func formatAdmins(admins []models.Admin) string {
	if len(admins) == 0 {
		return noAdminsText
	}

	var sb strings.Builder
	sb.WriteString("Admins:")
	for _, a := range admins {
		fmt.Fprintf(&sb, "\n- %s (%d), invited by %d", a.DisplayName, a.ExternalID, a.InvitedBy)
	}
	return sb.String()
}

func formatStats(users, jokes int, pending bool) string {
	queued := "no"
	if pending {
		queued = "yes"
	}
	return fmt.Sprintf(
		"Bot Statistics\n\n"+
			"Users: %d\n"+
			"Jokes: %d\n"+
			"Waiting for broadcast: %s",
		users, jokes, queued,
	)
}

// displayName picks the author credited for a joke, trimmed to what the
// store accepts.
func displayName(u *telebot.User) string {
	if u == nil {
		return ""
	}

	name := strings.TrimSpace(strings.TrimSpace(u.FirstName) + " " + strings.TrimSpace(u.LastName))
	if name == "" && u.Username != "" {
		name = "@" + u.Username
	}

	if utf8.RuneCountInString(name) > database.MaxNameRunes {
		name = string([]rune(name)[:database.MaxNameRunes])
	}
	return name
}
