package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Cypherspark/sms-crm/internal/cache"
	"github.com/Cypherspark/sms-crm/internal/config"
	"github.com/Cypherspark/sms-crm/internal/core"
	db "github.com/Cypherspark/sms-crm/internal/db"
	httpapi "github.com/Cypherspark/sms-crm/internal/http"
	"github.com/Cypherspark/sms-crm/internal/metrics"
	"github.com/Cypherspark/sms-crm/internal/provider"
	"github.com/Cypherspark/sms-crm/internal/store"
	"github.com/Cypherspark/sms-crm/internal/worker"
)

func main() {
	cfg := config.Load()
	log := cfg.Logger()
	slog.SetDefault(log)

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pcfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		log.Error("db config", slog.Any("err", err))
		os.Exit(1)
	}
	pcfg.MaxConns = cfg.Database.MaxConns
	pool, err := pgxpool.NewWithConfig(rootCtx, pcfg)
	if err != nil {
		log.Error("db pool", slog.Any("err", err))
		os.Exit(1)
	}
	defer pool.Close()

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(rootCtx, pool); err != nil {
			log.Error("migrate", slog.Any("err", err))
			os.Exit(1)
		}
	}
	database := db.NewDB(pool)

	messages := &store.Messages{DB: database}
	reconciler := &core.Reconciler{Messages: messages, Clients: &store.Clients{DB: database}, Log: log}
	checks := map[string]httpapi.Pinger{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		dedup := cache.NewCallbackDedup(rdb, cfg.Redis.DedupTTL)
		reconciler.Dedup = dedup
		reconciler.Pending = cache.NewPendingCallbacks(rdb, cfg.Redis.PendingTTL)
		checks["redis"] = dedup
	}

	// ---- Sender pool ----
	sender := worker.NewPool(rootCtx, messages, newProvider(cfg.Provider), worker.PoolOptions{
		Concurrency:    cfg.Worker.Concurrency,
		QueueSize:      cfg.Worker.QueueSize,
		ProviderQPS:    cfg.Worker.ProviderQPS,
		ProviderBurst:  cfg.Worker.ProviderBurst,
		SendTimeout:    cfg.Worker.SendTimeout,
		StatusCallback: cfg.StatusCallbackURL(),
		Replay:         reconciler,
	}, log)

	if cfg.Sweep.Enabled {
		go func() {
			err := worker.RunSweeper(rootCtx, messages, sweepOptions(cfg.Sweep), log)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error("sweeper exited", slog.Any("err", err))
			}
		}()
	}

	// ---- HTTP server ----
	srv := httpapi.NewServer(database, sender, reconciler, log)
	srv.WebhookSecret = cfg.WebhookSecret
	srv.Checks = checks

	stop := make(chan struct{})
	go metrics.NewPGXPoolStats(pool).Start(15*time.Second, stop)

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      srv.Router(),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		log.Info("HTTP listening", slog.String("addr", server.Addr), slog.String("provider", cfg.Provider.Kind))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server", slog.Any("err", err))
			os.Exit(1)
		}
	}()

	// ---- Graceful shutdown ----
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = server.Shutdown(shutdownCtx)
	cancel()
	close(stop)
	sender.Wait()
	log.Info("stopped")
}

func newProvider(c config.ProviderConfig) provider.Provider {
	switch c.Kind {
	case "twilio":
		t := provider.NewTwilio(c.AccountSID, c.AuthToken, c.From, c.MessagingService)
		if c.BaseURL != "" {
			t.BaseURL = c.BaseURL
		}
		return t
	default:
		d := provider.NewDummy()
		d.FailurePct = c.FailurePct
		return d
	}
}

func sweepOptions(c config.SweepConfig) worker.SweepOptions {
	return worker.SweepOptions{
		Interval:     c.Interval,
		StaleAfter:   c.StaleAfter,
		BatchSize:    c.BatchSize,
		DBBackoffMin: c.DBBackoffMin,
		DBBackoffMax: c.DBBackoffMax,
	}
}
