// Command amoskys-fusion runs the correlation engine over the bus queue and
// doubles as the operator CLI for inspecting its output:
//
//	amoskys-fusion                          run the daemon
//	amoskys-fusion --list-incidents         print recent incidents as JSON
//	amoskys-fusion --risk <device_id>       print a device's current risk score
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/amoskys/amoskys/pkg/config"
	"github.com/amoskys/amoskys/pkg/fusion"
	"github.com/amoskys/amoskys/pkg/observability"
	"github.com/amoskys/amoskys/pkg/queue"
	"github.com/amoskys/amoskys/pkg/store"
)

func main() {
	listIncidents := flag.Bool("list-incidents", false, "print recent incidents and exit")
	limit := flag.Int("limit", 50, "maximum incidents to list")
	riskDevice := flag.String("risk", "", "print the risk score for a device id and exit")
	flag.Parse()

	log := slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("component", "fusion")
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if *listIncidents || *riskDevice != "" {
		if err := query(cfg, *listIncidents, *limit, *riskDevice); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}
	if err := run(cfg, log); err != nil {
		log.Error("fusion exited", "error", err)
		os.Exit(1)
	}
}

// query serves the read-only CLI paths against the incident store.
func query(cfg *config.Config, listIncidents bool, limit int, riskDevice string) error {
	st, err := store.Open(cfg.Fusion.StorePath, cfg.Fusion.Risk.HalfLife(), cfg.Fusion.Risk.Weights)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	if listIncidents {
		incidents, err := st.ListRecent(limit)
		if err != nil {
			return err
		}
		if incidents == nil {
			incidents = []*store.Incident{}
		}
		return out.Encode(incidents)
	}
	score, err := st.Risk(riskDevice)
	if err != nil {
		return err
	}
	return out.Encode(map[string]any{"device_id": riskDevice, "risk": score})
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rules, err := fusion.LoadRules(cfg.Fusion.RulesFile)
	if err != nil {
		return err
	}
	// The bus owns the queue segments; fusion only consumes.
	q, err := queue.Open(cfg.Fusion.Input.Dir, queue.Options{ReadOnly: true})
	if err != nil {
		return err
	}
	defer func() { _ = q.Close() }()

	st, err := store.Open(cfg.Fusion.StorePath, cfg.Fusion.Risk.HalfLife(), cfg.Fusion.Risk.Weights)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	metrics := observability.NewMetrics()
	engine := fusion.NewEngine(cfg.Fusion, rules, q, st, metrics, log)

	log.Info("fusion starting", "rules", len(rules), "input", cfg.Fusion.Input.Dir)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := engine.Run(ctx); !errors.Is(err, context.Canceled) {
			return err
		}
		// Settle whatever is still leased before the store closes.
		drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := engine.Drain(drainCtx); err != nil {
			log.Warn("drain incomplete", "error", err)
		}
		return nil
	})
	g.Go(func() error {
		return observability.Serve(ctx, cfg.Fusion.MetricsListen, observability.Handler(metrics, engine.Ready), log)
	})
	return g.Wait()
}
