// Command amoskys-bus runs the ingest bus: the mTLS publish endpoint backed
// by the durable queue, plus the observability listener.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/amoskys/amoskys/pkg/bus"
	"github.com/amoskys/amoskys/pkg/bus/dedup"
	"github.com/amoskys/amoskys/pkg/config"
	"github.com/amoskys/amoskys/pkg/envelope"
	"github.com/amoskys/amoskys/pkg/observability"
	"github.com/amoskys/amoskys/pkg/queue"
)

func main() {
	log := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "bus")
	if err := run(log); err != nil {
		log.Error("bus exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry, err := envelope.LoadRegistry(cfg.Bus.SignerRegistry)
	if err != nil {
		return err
	}
	schemas, err := envelope.LoadSchemaSet(cfg.Bus.SchemaDir)
	if err != nil {
		return err
	}
	verifier := envelope.NewVerifier(registry, schemas)

	q, err := queue.Open(cfg.Bus.Queue.Dir, queue.Options{
		MaxRecords:    cfg.Bus.Queue.MaxRecords,
		MaxBytes:      cfg.Bus.Queue.MaxBytes,
		DoneRetention: cfg.Bus.DedupeWindow(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	var index dedup.Index = dedup.None{}
	if cfg.Bus.RedisAddr != "" {
		index, err = dedup.NewRedis(ctx, cfg.Bus.RedisAddr, cfg.Bus.DedupeWindow())
		if err != nil {
			return err
		}
	}
	defer func() { _ = index.Close() }()

	metrics := observability.NewMetrics()
	srv := bus.NewServer(cfg.Bus, verifier, q, index, metrics, log)
	srv.Start(ctx)
	defer srv.Wait()

	log.Info("bus starting", "listen", cfg.Bus.Listen, "signers", registry.Len())
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Serve(ctx) })
	g.Go(func() error {
		return observability.Serve(ctx, cfg.Bus.MetricsListen, observability.Handler(metrics, srv.Ready), log)
	})
	return g.Wait()
}
