package worker

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/Cypherspark/sms-crm/internal/core"
	"github.com/Cypherspark/sms-crm/internal/metrics"
)

const abandonedCode = "dispatch_abandoned"

type SweepOptions struct {
	Interval     time.Duration // sleep between sweeps when nothing is stale
	StaleAfter   time.Duration // claim age after which a queued message is abandoned
	BatchSize    int           // how many to claim per sweep
	DBBackoffMin time.Duration
	DBBackoffMax time.Duration
}

type StaleStore interface {
	ClaimStale(ctx context.Context, olderThan time.Duration, limit int) ([]string, error)
	Transition(ctx context.Context, id string, u core.StatusUpdate) (core.Message, bool, error)
}

// RunSweeper fails outbound messages whose dispatch claim expired without
// a recorded send outcome, usually because the process holding them died.
// It never re-sends.
func RunSweeper(ctx context.Context, store StaleStore, opt SweepOptions, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	if opt.BatchSize <= 0 {
		opt.BatchSize = 100
	}
	if opt.Interval <= 0 {
		opt.Interval = time.Second
	}
	if opt.DBBackoffMin <= 0 {
		opt.DBBackoffMin = 200 * time.Millisecond
	}
	if opt.DBBackoffMax < opt.DBBackoffMin {
		opt.DBBackoffMax = opt.DBBackoffMin
	}
	dbBackoff := opt.DBBackoffMin
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ids, err := store.ClaimStale(ctx, opt.StaleAfter, opt.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Backoff on DB errors (exponential + jitter)
			delay := jitter(dbBackoff, 0.20)
			log.Warn("sweep claim failed", slog.Any("err", err), slog.Duration("backoff", delay))
			if !sleep(ctx, delay) {
				return ctx.Err()
			}
			dbBackoff = minDur(opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = opt.DBBackoffMin // reset on success

		for _, id := range ids {
			abandon(ctx, store, id, log)
		}

		if len(ids) == opt.BatchSize {
			continue
		}
		if !sleep(ctx, opt.Interval) {
			return ctx.Err()
		}
	}
}

func abandon(ctx context.Context, store StaleStore, id string, log *slog.Logger) {
	code, msg := abandonedCode, "no send outcome recorded before the dispatch claim expired"
	m, changed, err := store.Transition(ctx, id, core.StatusUpdate{Status: core.StatusFailed, ErrorCode: &code, ErrorMessage: &msg})
	if err != nil {
		log.Error("abandon stale message", slog.String("message_id", id), slog.Any("err", err))
		return
	}
	if !changed {
		return
	}
	metrics.SweepAbandoned.Inc()
	attrs := []any{slog.String("message_id", id), slog.String("user_id", m.UserID)}
	if m.BatchID != nil {
		attrs = append(attrs, slog.String("batch_id", *m.BatchID))
	}
	log.Warn("stale queued message failed", attrs...)
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
