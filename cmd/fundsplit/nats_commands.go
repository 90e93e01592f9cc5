package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	natspkg "github.com/brojonat/fundsplit/service/nats"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/urfave/cli/v2"
)

// subscribeCommand streams session events straight from JetStream.
func subscribeCommand() *cli.Command {
	return &cli.Command{
		Name:      "subscribe",
		Usage:     "Subscribe to session events",
		ArgsUsage: "[session-id]",
		Description: `Subscribe to real-time session events published to NATS JetStream.

Without a session ID every session's events are streamed.
Events are published to the subject: funding.{session_id}

Example:
  fundsplit --json nats subscribe 6f1c...`,
		Action: func(c *cli.Context) error {
			if c.NArg() > 1 {
				return fmt.Errorf("accepts at most one argument: session ID")
			}
			sessionID := c.Args().First()
			jsonOutput := wantJSON(c)

			logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
			sub, err := natspkg.NewSubscriber(c.String("nats-url"), logger)
			if err != nil {
				return err
			}
			defer sub.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			stream, err := sub.Subscribe(ctx, sessionID)
			if err != nil {
				return err
			}
			defer stream.Close()

			if !jsonOutput {
				subject := natspkg.StreamSubjects
				if sessionID != "" {
					subject = natspkg.Subject(sessionID)
				}
				fmt.Printf("📡 Subscribing to: %s\n", subject)
				fmt.Printf("   NATS: %s\n", c.String("nats-url"))
				fmt.Printf("\nWaiting for session events... (Ctrl-C to exit)\n\n")
			}

			count := 0
			for event := range stream.C() {
				count++
				if jsonOutput {
					if err := output(c, event); err != nil {
						return err
					}
					continue
				}
				fmt.Printf("─────────────────────────────────────────────────────\n")
				fmt.Printf("Event #%d\n", count)
				fmt.Printf("─────────────────────────────────────────────────────\n")
				fmt.Printf("Session:      %s\n", event.SessionID)
				fmt.Printf("Reason:       %s\n", event.Reason)
				fmt.Printf("Status:       %s\n", event.Status)
				fmt.Printf("Last step:    %d\n", event.LastCompletedStep)
				fmt.Printf("Version:      %d\n", event.Version)
				fmt.Printf("Published:    %s\n\n", event.PublishedAt.Format(time.RFC3339))
			}

			if !jsonOutput {
				fmt.Printf("\n✅ Received %d events\n", count)
			}
			return nil
		},
	}
}

// inspectStreamCommand shows information about the NATS JetStream stream.
func inspectStreamCommand() *cli.Command {
	return &cli.Command{
		Name:  "inspect-stream",
		Usage: "Inspect the session events JetStream stream",
		Action: func(c *cli.Context) error {
			nc, err := nats.Connect(c.String("nats-url"))
			if err != nil {
				return fmt.Errorf("failed to connect to NATS: %w", err)
			}
			defer nc.Close()

			js, err := jetstream.New(nc)
			if err != nil {
				return fmt.Errorf("failed to create JetStream context: %w", err)
			}

			stream, err := js.Stream(context.Background(), natspkg.StreamName)
			if err != nil {
				return fmt.Errorf("failed to get stream: %w", err)
			}

			info, err := stream.Info(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stream info: %w", err)
			}

			if wantJSON(c) {
				data, _ := json.MarshalIndent(info, "", "  ")
				fmt.Println(string(data))
				return nil
			}

			fmt.Printf("Stream: %s\n", info.Config.Name)
			fmt.Printf("─────────────────────────────────────────────────────\n")
			fmt.Printf("Description:  %s\n", info.Config.Description)
			fmt.Printf("Subjects:     %v\n", info.Config.Subjects)
			fmt.Printf("Messages:     %d\n", info.State.Msgs)
			fmt.Printf("Bytes:        %d\n", info.State.Bytes)
			fmt.Printf("First Seq:    %d\n", info.State.FirstSeq)
			fmt.Printf("Last Seq:     %d\n", info.State.LastSeq)
			fmt.Printf("Consumers:    %d\n", info.State.Consumers)
			fmt.Printf("Max Age:      %s\n", info.Config.MaxAge)
			fmt.Printf("Storage:      %s\n", info.Config.Storage)
			return nil
		},
	}
}
