// The crossval-harness binary runs one validation participant end to end:
// it reads the topology from the environment, joins the rendezvous, and
// drives a number of deterministic sync points through Validate. Run one
// copy per instance id to exercise a full topology.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crossval/crossval"
	"github.com/crossval/crossval/internal/config"
)

func main() {
	rounds := flag.Int("rounds", 10, "sync points to drive")
	interval := flag.Duration("interval", 200*time.Millisecond, "delay between sync points")
	soft := flag.Bool("soft", false, "log mismatches instead of aborting")
	perturb := flag.Float64("perturb", 0, "perturbation added to the fingerprint's energy value (for forcing mismatches)")
	flag.Parse()

	// Local .env is optional.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		slog.Warn("failed to load .env", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("crossval harness starting",
		"instance", cfg.InstanceID, "instances", cfg.NumInstances, "network", cfg.Network)

	v := crossval.New(cfg, slog.Default())

	// Stream lifecycle events to the log.
	go func() {
		for ev := range v.Events().Subscribe() {
			slog.Info("event", "kind", ev.Kind, "instance", ev.InstanceID,
				"sync_point", ev.SyncPoint, "details", ev.Details)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := v.Start(ctx); err != nil {
		slog.Error("validation init failed", "error", err)
		os.Exit(1)
	}
	defer v.Cleanup()

	// The coordinator instance optionally exposes health and metrics.
	if coord := v.Coordinator(); coord != nil && cfg.MetricsAddr != "" {
		router := mux.NewRouter()
		router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprintf(w, `{"status":"healthy","service":"crossval-coordinator"}`+"\n")
		}).Methods("GET")
		router.Handle("/metrics", promhttp.HandlerFor(coord.Registry(), promhttp.HandlerOpts{})).Methods("GET")

		go func() {
			slog.Info("metrics endpoint up", "addr", cfg.MetricsAddr)
			if err := http.ListenAndServe(cfg.MetricsAddr, router); err != nil {
				slog.Warn("metrics endpoint stopped", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for i := 1; i <= *rounds; i++ {
		select {
		case <-sigChan:
			slog.Info("interrupted, shutting down")
			return
		default:
		}

		fp := fingerprint(i, *perturb)
		if *soft {
			v.ValidateSoft(fmt.Sprintf("round-%d", i), fp)
		} else {
			v.Validate(fmt.Sprintf("round-%d", i), fp)
		}
		time.Sleep(*interval)
	}

	slog.Info("harness finished", "rounds", *rounds)
}

// fingerprint produces the same value on every instance for a given round
// unless a perturbation is requested.
func fingerprint(round int, perturb float64) string {
	energy := 100.0*math.Sin(float64(round)) + perturb
	return fmt.Sprintf("round=%d energy=%.12f", round, energy)
}
