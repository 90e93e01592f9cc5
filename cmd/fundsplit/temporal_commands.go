package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/brojonat/fundsplit/service/temporal"
	"github.com/urfave/cli/v2"
)

func trackStepCommand() *cli.Command {
	return &cli.Command{
		Name:      "track",
		Usage:     "Start receipt tracking for a broadcast step",
		ArgsUsage: "<session-id> <step-index> <tx-hash>",
		Description: `Starts the tracking workflow by hand, for example after a server restart lost
a "confirming" report. A step that is already tracked is left alone.`,
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "poll-interval",
				Usage: "Receipt poll interval",
				Value: 3 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "receipt-timeout",
				Usage: "Give up on the receipt after this long",
				Value: 10 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 3 {
				return fmt.Errorf("requires exactly three arguments: session ID, step index and tx hash")
			}
			index, err := strconv.Atoi(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("invalid step index %q: %w", c.Args().Get(1), err)
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()
			tc.SetReceiptPolling(c.Duration("poll-interval"), c.Duration("receipt-timeout"))

			if err := tc.TrackStep(context.Background(), c.Args().First(), index, c.Args().Get(2)); err != nil {
				return fmt.Errorf("failed to start tracking: %w", err)
			}
			fmt.Fprintf(os.Stderr, "✓ Tracking step %d of session %s\n", index, c.Args().First())
			return nil
		},
	}
}

func trackingResultCommand() *cli.Command {
	return &cli.Command{
		Name:      "result",
		Usage:     "Wait for a step's tracking workflow and show its result",
		ArgsUsage: "<session-id> <step-index>",
		Flags: []cli.Flag{
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "How long to wait for the workflow",
				Value: 15 * time.Minute,
			},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 2 {
				return fmt.Errorf("requires exactly two arguments: session ID and step index")
			}
			index, err := strconv.Atoi(c.Args().Get(1))
			if err != nil {
				return fmt.Errorf("invalid step index %q: %w", c.Args().Get(1), err)
			}

			tc, err := getTemporalClient(c)
			if err != nil {
				return err
			}
			defer tc.Close()

			ctx, cancel := context.WithTimeout(context.Background(), c.Duration("timeout"))
			defer cancel()

			result, err := tc.GetTrackingResult(ctx, c.Args().First(), index)
			if err != nil {
				return err
			}

			if wantJSON(c) {
				return output(c, result)
			}

			fmt.Printf("Session:        %s\n", result.SessionID)
			fmt.Printf("Step:           %d\n", result.StepIndex)
			fmt.Printf("Tx:             %s\n", result.TxHash)
			if result.Error != nil {
				fmt.Printf("Error:          %s\n", *result.Error)
				return nil
			}
			fmt.Printf("Block:          %d\n", result.BlockNumber)
			fmt.Printf("Success:        %t\n", result.Success)
			if result.RevertReason != "" {
				fmt.Printf("Revert reason:  %s\n", result.RevertReason)
			}
			if result.Skipped {
				fmt.Printf("Recorded:       skipped (already reported)\n")
			} else {
				fmt.Printf("Session status: %s\n", result.SessionStatus)
			}
			return nil
		},
	}
}

func getTemporalClient(c *cli.Context) (*temporal.Client, error) {
	host := c.String("temporal-host")
	if host == "" {
		host = "localhost:7233"
	}
	namespace := c.String("temporal-namespace")
	if namespace == "" {
		namespace = "default"
	}
	taskQueue := c.String("temporal-task-queue")
	if taskQueue == "" {
		taskQueue = "fundsplit-step-tracking"
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	tc, err := temporal.NewClient(host, namespace, taskQueue, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Temporal: %w", err)
	}
	return tc, nil
}
