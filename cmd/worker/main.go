// Command worker runs the stale-dispatch sweeper on its own, for
// deployments that keep the API replicas free of background loops.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Cypherspark/sms-crm/internal/config"
	dbpkg "github.com/Cypherspark/sms-crm/internal/db"
	"github.com/Cypherspark/sms-crm/internal/store"
	wpkg "github.com/Cypherspark/sms-crm/internal/worker"
)

func main() {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()

	cfg := config.Load()
	log := cfg.Logger()

	// ---- Context / signals ----
	rootCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// ---- DB ----
	pool, err := pgxpool.New(rootCtx, cfg.Database.URL)
	if err != nil {
		log.Error("db pool", slog.Any("err", err))
		exitCode = 1
		return
	}
	defer pool.Close()

	if err := pool.Ping(rootCtx); err != nil {
		log.Error("db ping", slog.Any("err", err))
		exitCode = 1
		return
	}

	messages := &store.Messages{DB: dbpkg.NewDB(pool)}

	// ---- Healthz ----
	go serveHealthz(cfg.HealthAddr, log)

	opts := wpkg.SweepOptions{
		Interval:     cfg.Sweep.Interval,
		StaleAfter:   cfg.Sweep.StaleAfter,
		BatchSize:    cfg.Sweep.BatchSize,
		DBBackoffMin: cfg.Sweep.DBBackoffMin,
		DBBackoffMax: cfg.Sweep.DBBackoffMax,
	}
	log.Info("sweeper started", slog.Duration("stale_after", opts.StaleAfter))
	if err := wpkg.RunSweeper(rootCtx, messages, opts, log); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("sweeper exited", slog.Any("err", err))
		exitCode = 1
		return
	}
}

func serveHealthz(addr string, log *slog.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Warn("healthz listener", slog.Any("err", err))
	}
}
