package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/brojonat/fundsplit/client"
	"github.com/brojonat/fundsplit/service/funding"
	"github.com/itchyny/gojq"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v2"
)

var errStopWatch = errors.New("stop watching")

// sessionCommands returns the session command group, which talks to the HTTP API.
func sessionCommands() *cli.Command {
	return &cli.Command{
		Name:    "session",
		Aliases: []string{"s"},
		Usage:   "Drive funding sessions through the HTTP API",
		Subcommands: []*cli.Command{
			prepareCommand(),
			statusCommand(),
			userSessionsCommand(),
			reportCommand(),
			resumeCommand(),
			watchCommand(),
		},
	}
}

func prepareCommand() *cli.Command {
	return &cli.Command{
		Name:  "prepare",
		Usage: "Quote a deposit and create a session with its transaction plan",
		Description: `Splits the deposit into gas and capital legs, quotes both swaps and prints the
ordered plan the depositor's wallet must sign.

Example:
  fundsplit session prepare --tokens 100 --user 0xabc... --operator 0xdef... --capital 0x123...`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "amount",
				Usage: "Deposit in the token's smallest unit",
			},
			&cli.StringFlag{
				Name:  "tokens",
				Usage: "Deposit in whole tokens (scaled by --decimals)",
			},
			&cli.IntFlag{
				Name:  "decimals",
				Usage: "Deposit token decimals used with --tokens",
				Value: 6,
			},
			&cli.StringFlag{Name: "user", Usage: "Depositor address", Required: true},
			&cli.StringFlag{Name: "operator", Usage: "Operator (gas) wallet address", Required: true},
			&cli.StringFlag{Name: "capital", Usage: "Capital wallet or contract address", Required: true},
		},
		Action: func(c *cli.Context) error {
			amount, err := parseAmount(c.String("amount"), c.String("tokens"), int32(c.Int("decimals")))
			if err != nil {
				return err
			}

			result, err := getAPIClient(c).Prepare(context.Background(), client.PrepareParams{
				Amount:          amount,
				UserAddress:     c.String("user"),
				OperatorAddress: c.String("operator"),
				CapitalAddress:  c.String("capital"),
			})
			if err != nil {
				return fmt.Errorf("failed to prepare session: %w", err)
			}

			if wantJSON(c) {
				return output(c, result)
			}

			printSession(result.Session)
			fmt.Println()
			printPlan(result.Plan)
			if est := result.EstimatedGas; est != nil && est.AggregateNative != nil {
				fmt.Printf("\nEstimated gas: %s wei", est.AggregateNative)
				if est.FiatSource != "" {
					fmt.Printf(" (~$%s via %s)", est.AggregateFiat.StringFixed(2), est.FiatSource)
				}
				fmt.Println()
			}
			return nil
		},
	}
}

func statusCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a session's status",
		Aliases:   []string{"status"},
		ArgsUsage: "<session-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}

			s, err := getAPIClient(c).GetSession(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to get session: %w", err)
			}

			if wantJSON(c) {
				return output(c, s)
			}
			printSession(s)
			if len(s.Steps) > 0 {
				fmt.Println()
				printPlan(s.Steps)
			}
			return nil
		},
	}
}

func userSessionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "list",
		Usage:     "List a depositor's sessions, newest first",
		Aliases:   []string{"ls"},
		ArgsUsage: "<user-address>",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "limit",
				Aliases: []string{"l"},
				Usage:   "Maximum number of sessions (1-500)",
				Value:   20,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: user address")
			}

			sessions, err := getAPIClient(c).ListSessions(context.Background(), c.Args().First(), c.Int("limit"))
			if err != nil {
				return fmt.Errorf("failed to list sessions: %w", err)
			}

			if wantJSON(c) {
				return output(c, sessions)
			}
			printSessionTable(sessions)
			return nil
		},
	}
}

func reportCommand() *cli.Command {
	return &cli.Command{
		Name:      "report",
		Usage:     "Report the outcome of one plan step",
		ArgsUsage: "<session-id> <step-index>",
		Description: `Reports a step status as the wallet executes the plan. Reporting "confirming"
with a transaction hash lets the server track the receipt itself.

Example:
  fundsplit session report --status confirming --tx 0x9a... 6f1c... 0`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "status",
				Usage:    "pending, signing, confirming, success or failed",
				Required: true,
			},
			&cli.StringFlag{Name: "tx", Usage: "Transaction hash"},
			&cli.StringFlag{Name: "error", Usage: "Wallet or chain error message for failed steps"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: session ID and step index")
			}
			index, err := strconv.Atoi(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("invalid step index %q: %w", c.Args().Get(1), err)
			}
			status, err := funding.ParseStepStatus(c.String("status"))
			if err != nil {
				return err
			}

			s, err := getAPIClient(c).ReportStep(context.Background(), c.Args().First(), index, client.StepReport{
				Status:       status,
				TxHash:       c.String("tx"),
				ErrorMessage: c.String("error"),
			})
			if err != nil {
				return fmt.Errorf("failed to report step: %w", err)
			}

			if wantJSON(c) {
				return output(c, s)
			}
			printSession(s)
			return nil
		},
	}
}

func resumeCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume",
		Usage:     "Show the steps that remain for an interrupted session",
		ArgsUsage: "<session-id>",
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}

			s, remaining, err := getAPIClient(c).Resume(context.Background(), c.Args().First())
			if err != nil {
				return fmt.Errorf("failed to resume session: %w", err)
			}

			if wantJSON(c) {
				return output(c, map[string]interface{}{"session": s, "plan": remaining})
			}
			printSession(s)
			fmt.Println()
			if len(remaining) == 0 {
				fmt.Println("No steps remaining.")
				return nil
			}
			printPlan(remaining)
			return nil
		},
	}
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:      "watch",
		Usage:     "Stream a session's events over SSE",
		ArgsUsage: "<session-id>",
		Description: `Prints the session snapshot and every transition until the session completes
or fails. --until-jq stops early once an event matches every filter.

Example:
  fundsplit session watch --until-jq '.last_completed_step >= 2' 6f1c...`,
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "until-jq",
				Usage: "Stop once an event matches this jq filter (repeatable, all must match)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Give up after this long (0 waits forever)",
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("requires exactly one argument: session ID")
			}
			sessionID := c.Args().First()

			var until []*gojq.Code
			for _, expr := range c.StringSlice("until-jq") {
				code, err := compileJQ(expr)
				if err != nil {
					return err
				}
				until = append(until, code)
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout := c.Duration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			if !wantJSON(c) {
				fmt.Fprintf(os.Stderr, "Watching session %s... (Ctrl-C to exit)\n\n", sessionID)
			}

			err := getAPIClient(c).Watch(ctx, sessionID, func(ev client.Event) error {
				if wantJSON(c) {
					if err := output(c, ev.SessionEvent); err != nil {
						return err
					}
				} else {
					fmt.Printf("[%s] %-8s %-14s status=%s last_completed_step=%d version=%d\n",
						ev.PublishedAt.Format(time.RFC3339),
						ev.Name,
						ev.Reason,
						ev.Status,
						ev.LastCompletedStep,
						ev.Version,
					)
				}

				matched, err := matchesJQ(until, ev.SessionEvent)
				if err != nil {
					return err
				}
				if len(until) > 0 && matched {
					return errStopWatch
				}
				return nil
			})
			if errors.Is(err, errStopWatch) {
				return nil
			}
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("timed out watching session %s", sessionID)
			}
			return err
		},
	}
}

// parseAmount reads the deposit either as raw units or as whole tokens.
func parseAmount(raw, tokens string, decimals int32) (*big.Int, error) {
	switch {
	case raw != "" && tokens != "":
		return nil, fmt.Errorf("use either --amount or --tokens, not both")
	case raw != "":
		amount, ok := new(big.Int).SetString(raw, 10)
		if !ok {
			return nil, fmt.Errorf("invalid --amount %q: must be an integer", raw)
		}
		return amount, nil
	case tokens != "":
		d, err := decimal.NewFromString(tokens)
		if err != nil {
			return nil, fmt.Errorf("invalid --tokens %q: %w", tokens, err)
		}
		scaled := d.Shift(decimals)
		if !scaled.Equal(scaled.Truncate(0)) {
			return nil, fmt.Errorf("--tokens %s has more than %d decimal places", tokens, decimals)
		}
		return scaled.BigInt(), nil
	}
	return nil, fmt.Errorf("one of --amount or --tokens is required")
}

func getAPIClient(c *cli.Context) *client.Client {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // Only errors to stderr
	}))
	return client.NewClient(c.String("server-url"), nil, logger)
}

func printSession(s *funding.Session) {
	fmt.Printf("Session:        %s\n", s.ID)
	fmt.Printf("Status:         %s\n", s.Status)
	fmt.Printf("User:           %s\n", s.UserAddress.Hex())
	fmt.Printf("Operator:       %s\n", s.OperatorAddress.Hex())
	fmt.Printf("Capital:        %s\n", s.CapitalAddress.Hex())
	fmt.Printf("Total:          %s\n", formatAmount(s.TotalAmount))
	fmt.Printf("Gas leg:        %s\n", formatAmount(s.GasAmount))
	fmt.Printf("Capital leg:    %s\n", formatAmount(s.CapitalAmount))
	fmt.Printf("Last completed: %d\n", s.LastCompletedStep)
	if s.ErrorMessage != "" {
		fmt.Printf("Error:          %s\n", s.ErrorMessage)
	}
	for _, w := range s.Warnings {
		fmt.Printf("Warning:        %s\n", w)
	}
	if !s.UpdatedAt.IsZero() {
		fmt.Printf("Updated:        %s\n", s.UpdatedAt.Format(time.RFC3339))
	}
}

func printPlan(steps []*funding.Step) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "#\tKIND\tSTATUS\tTARGET\tVALUE\tTX")
	for _, st := range steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			st.Index,
			st.Kind,
			st.Status,
			st.Target.Hex(),
			formatAmount(st.Value),
			st.TxHash,
		)
	}
	w.Flush()
}

func printSessionTable(sessions []*funding.Session) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tTOTAL\tLAST STEP\tCREATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			s.ID,
			s.Status,
			formatAmount(s.TotalAmount),
			s.LastCompletedStep,
			s.CreatedAt.Format(time.RFC3339),
		)
	}
	w.Flush()

	fmt.Fprintf(os.Stderr, "\nTotal: %d sessions\n", len(sessions))
}

func formatAmount(v *big.Int) string {
	if v == nil {
		return "-"
	}
	return v.String()
}
