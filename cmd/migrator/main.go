package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"joke-bot/internal/config"
	"joke-bot/internal/database"
	"joke-bot/pkg/logger"

	"github.com/urfave/cli/v3"
)

func main() {
	app := &cli.Command{
		Name:  "migrator",
		Usage: "Schema and maintenance tool for the joke-bot database",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "driver", Usage: "override DB_DRIVER (sqlite or postgres)"},
			&cli.StringFlag{Name: "path", Usage: "override DB_PATH for sqlite"},
		},
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Action: withSchema(func(ctx context.Context, _ *cli.Command, store database.JokeStore) error {
					applied, err := store.Migrator().Up(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("Applied %d migration(s)\n", applied)
					return printVersion(ctx, store)
				}),
			},
			{
				Name:  "down",
				Usage: "Roll back the most recent migration",
				Action: withSchema(func(ctx context.Context, _ *cli.Command, store database.JokeStore) error {
					if err := store.Migrator().Down(ctx); err != nil {
						return err
					}
					return printVersion(ctx, store)
				}),
			},
			{
				Name:  "reset",
				Usage: "Drop every table and re-apply all migrations",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "yes", Usage: "confirm the reset"},
				},
				Action: withSchema(func(ctx context.Context, c *cli.Command, store database.JokeStore) error {
					if !c.Bool("yes") {
						return fmt.Errorf("reset drops all data; pass --yes to confirm")
					}
					if err := store.ResetSchema(ctx); err != nil {
						return err
					}
					fmt.Println("Schema reset")
					return nil
				}),
			},
			{
				Name:  "status",
				Usage: "Show the state of every migration",
				Action: withSchema(func(ctx context.Context, _ *cli.Command, store database.JokeStore) error {
					statuses, err := store.Migrator().Status(ctx)
					if err != nil {
						return err
					}

					tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
					fmt.Fprintln(tw, "VERSION\tSTATE\tAPPLIED AT\tFILE")
					for _, s := range statuses {
						applied := "-"
						if !s.AppliedAt.IsZero() {
							applied = s.AppliedAt.Format(time.RFC3339)
						}
						fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", s.Source.Version, s.State, applied, filepath.Base(s.Source.Path))
					}
					return tw.Flush()
				}),
			},
			{
				Name:  "version",
				Usage: "Print the current schema version",
				Action: withSchema(func(ctx context.Context, _ *cli.Command, store database.JokeStore) error {
					return printVersion(ctx, store)
				}),
			},
			{
				Name:  "dump",
				Usage: "Write a restorable SQL dump",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "out", Usage: "output file (default: <DUMP_DIR>/migrator-<unix>.sql)"},
				},
				Action: func(ctx context.Context, c *cli.Command) error {
					cfg, err := loadConfig(c)
					if err != nil {
						return err
					}
					out := c.String("out")
					if out == "" {
						out = filepath.Join(cfg.Dump.Dir, fmt.Sprintf("migrator-%d.sql", time.Now().Unix()))
					}
					return runWithStore(ctx, cfg, nil, func(store database.JokeStore) error {
						if err := store.DumpToFile(ctx, out); err != nil {
							return err
						}
						fmt.Println("Dump written to", out)
						return nil
					})
				},
			},
			{
				Name:  "stats",
				Usage: "Print row counts",
				Action: withStore(func(ctx context.Context, _ *cli.Command, store database.JokeStore) error {
					users, err := store.CountUsers(ctx)
					if err != nil {
						return err
					}
					jokes, err := store.CountJokes(ctx)
					if err != nil {
						return err
					}
					pending, err := store.HasPending(ctx)
					if err != nil {
						return err
					}
					admins, err := store.ListAdmins(ctx)
					if err != nil {
						return err
					}
					fmt.Printf("users: %d\njokes: %d\nadmins: %d\npending: %t\n", users, jokes, len(admins), pending)
					return nil
				}),
			},
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads configuration without validating it: the migrator never
// talks to Telegram, so no bot token is needed.
func loadConfig(c *cli.Command) (*config.Config, error) {
	cfg, err := config.Read()
	if err != nil {
		return nil, err
	}
	if driver := c.String("driver"); driver != "" {
		cfg.Database.Driver = driver
	}
	if path := c.String("path"); path != "" {
		cfg.Database.Path = path
	}
	if err := cfg.Database.Validate(); err != nil {
		return nil, err
	}

	logger.Init(cfg.App.LogLevel, "console", os.Stderr)
	return cfg, nil
}

func runWithStore(ctx context.Context, cfg *config.Config, opts []database.Option, fn func(database.JokeStore) error) error {
	store, err := database.Open(ctx, cfg.Database, opts...)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

type storeAction func(context.Context, *cli.Command, database.JokeStore) error

func action(fn storeAction, opts ...database.Option) cli.ActionFunc {
	return func(ctx context.Context, c *cli.Command) error {
		cfg, err := loadConfig(c)
		if err != nil {
			return err
		}
		return runWithStore(ctx, cfg, opts, func(store database.JokeStore) error {
			return fn(ctx, c, store)
		})
	}
}

// withStore opens a fully migrated store.
func withStore(fn storeAction) cli.ActionFunc {
	return action(fn)
}

// withSchema opens the store without migrating it first.
func withSchema(fn storeAction) cli.ActionFunc {
	return action(fn, database.WithoutMigrations())
}

func printVersion(ctx context.Context, store database.JokeStore) error {
	version, err := store.Migrator().Version(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("%s schema at version %d\n", store.Driver(), version)
	return nil
}
