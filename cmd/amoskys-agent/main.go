// Command amoskys-agent runs the endpoint agent: the spool loader that signs
// probe documents into the durable outbox, and the sender that drains the
// outbox to the bus.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/amoskys/amoskys/pkg/config"
	"github.com/amoskys/amoskys/pkg/envelope"
	"github.com/amoskys/amoskys/pkg/observability"
	"github.com/amoskys/amoskys/pkg/outbox"
	"github.com/amoskys/amoskys/pkg/queue"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "agent")
	if err := run(log); err != nil {
		log.Error("agent exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Agent.SourceID == "" {
		return fmt.Errorf("agent: source_id is required")
	}
	log = log.With("source_id", cfg.Agent.SourceID)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	key, err := envelope.LoadPrivateKey(cfg.Agent.SigningKeyFile)
	if err != nil {
		return err
	}
	q, err := queue.Open(cfg.Agent.Outbox.Dir, queue.Options{
		MaxRecords: cfg.Agent.Outbox.MaxRecords,
		MaxBytes:   cfg.Agent.Outbox.MaxBytes,
	})
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	metrics := observability.NewMetrics()
	sender, err := outbox.NewSender(cfg.Agent, q, metrics, log)
	if err != nil {
		return err
	}
	loader := outbox.NewLoader(cfg.Agent, q, key, log)

	log.Info("agent starting", "bus", cfg.Agent.BusURL, "spool", cfg.Agent.SpoolDir)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return ignoreCancel(loader.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(sender.Run(ctx)) })
	g.Go(func() error {
		return observability.Serve(ctx, cfg.Agent.MetricsListen, observability.Handler(metrics, sender.Ready), log)
	})
	return g.Wait()
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
