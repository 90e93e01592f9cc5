package main

import (
	"context"
	"fmt"
	"os"

	"github.com/brojonat/fundsplit/service/db"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v2"
)

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Apply the session schema",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "print",
				Usage: "Print the schema instead of applying it",
			},
		},
		Action: func(c *cli.Context) error {
			if c.Bool("print") {
				fmt.Print(db.Schema())
				return nil
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			if err := store.Migrate(context.Background()); err != nil {
				return fmt.Errorf("failed to migrate: %w", err)
			}
			fmt.Fprintln(os.Stderr, "✓ Schema applied")
			return nil
		},
	}
}

func listSessionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list-sessions",
		Usage:     "List a depositor's sessions straight from the database",
		Aliases:   []string{"ls"},
		ArgsUsage: "<user-address>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Maximum number of sessions",
				Value:   50,
			},
			&cli.StringFlag{
				Name:    "status",
				Aliases: []string{"s"},
				Usage:   "Filter by status (PREPARED, IN_PROGRESS, COMPLETED, FAILED)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: user address")
			}
			user := c.Args().First()
			if !common.IsHexAddress(user) {
				return fmt.Errorf("invalid user address %q", user)
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			sessions, err := store.ListSessionsByUser(context.Background(), common.HexToAddress(user), c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			// Filter by status if specified
			if statusFilter := c.String("status"); statusFilter != "" {
				filtered := sessions[:0]
				for _, s := range sessions {
					if string(s.Status) == statusFilter {
						filtered = append(filtered, s)
					}
				}
				sessions = filtered
			}

			if wantJSON(c) {
				return output(c, sessions)
			}
			printSessionTable(sessions)
			return nil
		},
	}
}

func getSessionCommand() *cli.Command {
	return &cli.Command{
		Name:      "get-session",
		Usage:     "Show a stored session, bypassing the cache",
		Aliases:   []string{"get"},
		ArgsUsage: "<session-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}

			store, closer, err := getStore(c)
			if err != nil {
				return err
			}
			defer closer()

			s, err := store.GetSession(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}

			if wantJSON(c) {
				return output(c, s)
			}
			printSession(s)
			fmt.Printf("Version:        %d\n", s.Version)
			if len(s.Steps) > 0 {
				fmt.Println()
				printPlan(s.Steps)
			}
			return nil
		},
	}
}

// Helper function to connect to database
func getStore(c *cli.Context) (*db.Store, func(), error) {
	dbURL := c.String("database-url")
	if dbURL == "" {
		dbURL = os.Getenv("DATABASE_URL")
	}
	if dbURL == "" {
		return nil, nil, fmt.Errorf("database-url is required (set DATABASE_URL env var or use --database-url)")
	}

	pool, err := pgxpool.New(context.Background(), dbURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return db.NewStore(pool, nil), pool.Close, nil
}
