package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jake-jlawson/dashtech/internal/config"
	"github.com/jake-jlawson/dashtech/internal/pkg/logger"
	"github.com/jake-jlawson/dashtech/pkg/events"
	pktNats "github.com/jake-jlawson/dashtech/pkg/nats"

	"github.com/fatih/color"
)

func main() {
	cfg := config.Load()

	url := flag.String("nats", cfg.App.NatsURL, "NATS server URL")
	subject := flag.String("subject", pktNats.SubjectPrefix+">", "subject filter")
	durable := flag.String("durable", "", "durable consumer name (empty tails new events only)")
	flag.Parse()

	if *url == "" {
		color.Red("NATS_URL is not set")
		os.Exit(2)
	}

	sub, err := pktNats.NewSubscriber(*url, logger.NewNopLogger())
	if err != nil {
		color.Red("Failed to connect to NATS: %v", err)
		os.Exit(1)
	}
	defer sub.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = sub.Subscribe(ctx, *subject, *durable, func(_ context.Context, e events.Event) error {
		ts := e.Timestamp().Local().Format(time.TimeOnly)
		switch e.EventType() {
		case events.TypeIssueCreated:
			color.Green("[%s] %s", ts, e.EventType())
		case events.TypeIssueClosed:
			color.Red("[%s] %s", ts, e.EventType())
		default:
			color.Cyan("[%s] %s", ts, e.EventType())
		}
		payload, _ := json.MarshalIndent(e.Payload(), "    ", "  ")
		fmt.Printf("    %s\n", payload)
		return nil
	})
	if err != nil {
		color.Red("Subscribe failed: %v", err)
		os.Exit(1)
	}

	color.Cyan("📡 Tailing %s on %s (ctrl-c to stop)", *subject, *url)
	<-ctx.Done()
}
