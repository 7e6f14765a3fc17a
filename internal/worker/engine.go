package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Cypherspark/sms-crm/internal/core"
	"github.com/Cypherspark/sms-crm/internal/metrics"
	"github.com/Cypherspark/sms-crm/internal/provider"
)

type PoolOptions struct {
	Concurrency    int           // number of sender goroutines
	QueueSize      int           // buffered jobs before Submit feeders block
	ProviderQPS    float64       // sustained provider rate
	ProviderBurst  int           // burst to allow short spikes
	SendTimeout    time.Duration // per-send timeout, also caps SendNow's limiter wait
	StatusCallback string        // address the provider posts status updates to
	Replay         Replayer      // optional; applies callbacks that beat the send outcome
}

// Recorder is what the pool needs from the message store. Claim refreshes
// claimed_at on a queued row and reports false for anything else, so a row
// the sweeper already failed is never sent.
type Recorder interface {
	Claim(ctx context.Context, id string) (core.Message, bool, error)
	Transition(ctx context.Context, id string, u core.StatusUpdate) (core.Message, bool, error)
}

type Replayer interface {
	Replay(ctx context.Context, providerRef string)
}

// CodeRateLimited marks an inline send that could not get a limiter slot
// within SendTimeout.
const CodeRateLimited = "rate_limited"

// Pool is a fixed set of goroutines calling the provider, one job per
// recipient. Each outcome is written back as sent or failed; nothing is
// retried.
type Pool struct {
	store   Recorder
	prov    provider.Provider
	limiter *rate.Limiter
	opt     PoolOptions
	log     *slog.Logger

	ctx     context.Context
	jobs    chan core.SendJob
	workers sync.WaitGroup
	feeders sync.WaitGroup
}

var _ core.Sender = (*Pool)(nil)

// NewPool starts the workers. They stop when ctx is done; jobs still queued
// at that point stay queued in the database for the sweeper.
func NewPool(ctx context.Context, store Recorder, prov provider.Provider, opt PoolOptions, log *slog.Logger) *Pool {
	if opt.Concurrency <= 0 {
		opt.Concurrency = 1
	}
	if opt.QueueSize <= 0 {
		opt.QueueSize = opt.Concurrency * 2
	}
	if opt.ProviderQPS <= 0 {
		opt.ProviderQPS = float64(rate.Inf)
	}
	if opt.ProviderBurst <= 0 {
		opt.ProviderBurst = 1
	}
	if opt.SendTimeout <= 0 {
		opt.SendTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	p := &Pool{
		store: store,
		prov:  prov,
		// Rate limiter for provider (global for this process).
		limiter: rate.NewLimiter(rate.Limit(opt.ProviderQPS), opt.ProviderBurst),
		opt:     opt,
		log:     log,
		ctx:     ctx,
		jobs:    make(chan core.SendJob, opt.QueueSize),
	}
	p.workers.Add(opt.Concurrency)
	for i := 0; i < opt.Concurrency; i++ {
		go p.run()
	}
	return p
}

// Submit queues jobs without blocking the caller.
func (p *Pool) Submit(jobs ...core.SendJob) {
	if len(jobs) == 0 {
		return
	}
	p.feeders.Add(1)
	go func() {
		defer p.feeders.Done()
		for _, j := range jobs {
			select {
			case <-p.ctx.Done():
				return
			case p.jobs <- j:
				metrics.QueueDepth.Inc()
			}
		}
	}()
}

// SendNow delivers one job on the caller's goroutine. The send is detached
// from ctx cancellation so a dropped request cannot strand the message. The
// limiter wait is capped at SendTimeout; past that the message fails with
// CodeRateLimited, so a call takes at most about twice SendTimeout.
func (p *Pool) SendNow(ctx context.Context, job core.SendJob) (core.Message, error) {
	return p.deliver(context.WithoutCancel(ctx), job, p.opt.SendTimeout)
}

// Wait blocks until every feeder and worker has returned. Cancel the pool's
// context first.
func (p *Pool) Wait() {
	p.feeders.Wait()
	p.workers.Wait()
}

func (p *Pool) run() {
	defer p.workers.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case job := <-p.jobs:
			metrics.QueueDepth.Dec()
			p.safeDeliver(job)
		}
	}
}

func (p *Pool) safeDeliver(job core.SendJob) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("send panicked", slog.String("message_id", job.MessageID), slog.Any("panic", r))
		}
	}()
	// in-flight sends finish even while shutting down
	_, _ = p.deliver(context.WithoutCancel(p.ctx), job, 0)
}

// deliver waits for the limiter, at most maxWait when it is positive, then
// claims the row and sends.
func (p *Pool) deliver(ctx context.Context, job core.SendJob, maxWait time.Duration) (core.Message, error) {
	log := p.log.With(slog.String("message_id", job.MessageID), slog.String("user_id", job.UserID))
	if job.BatchID != "" {
		log = log.With(slog.String("batch_id", job.BatchID))
	}

	if err := p.wait(ctx, maxWait); err != nil {
		log.Warn("no provider slot before deadline", slog.Any("err", err))
		metrics.ProviderSendTotal.WithLabelValues("failed").Inc()
		return p.record(ctx, log, job.MessageID, core.StatusUpdate{
			Status:       core.StatusFailed,
			ErrorCode:    text(CodeRateLimited),
			ErrorMessage: text("provider rate limit wait exceeded"),
		})
	}

	m, claimed, err := p.store.Claim(ctx, job.MessageID)
	if err != nil {
		log.Error("claim message for send", slog.Any("err", err))
		return core.Message{}, err
	}
	if !claimed {
		// already failed by the sweeper or advanced by a callback
		metrics.ProviderSendTotal.WithLabelValues("skipped").Inc()
		return m, nil
	}

	ref, sendErr := p.send(ctx, job)

	u := core.StatusUpdate{Status: core.StatusSent, ProviderRef: &ref}
	if sendErr != nil {
		pe := provider.AsError(sendErr)
		u = core.StatusUpdate{Status: core.StatusFailed, ErrorCode: text(pe.Code), ErrorMessage: text(pe.Message)}
		metrics.ProviderSendTotal.WithLabelValues("failed").Inc()
		log.Warn("provider send failed", slog.String("error_code", pe.Code), slog.String("error_message", pe.Message))
	} else {
		metrics.ProviderSendTotal.WithLabelValues("sent").Inc()
	}

	out, err := p.record(ctx, log.With(slog.String("provider_ref", ref)), job.MessageID, u)
	if err != nil {
		return m, err
	}
	if sendErr == nil && p.opt.Replay != nil {
		p.opt.Replay.Replay(ctx, ref)
	}
	return out, nil
}

func (p *Pool) wait(ctx context.Context, maxWait time.Duration) error {
	if maxWait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, maxWait)
		defer cancel()
	}
	return p.limiter.Wait(ctx)
}

func (p *Pool) record(ctx context.Context, log *slog.Logger, id string, u core.StatusUpdate) (core.Message, error) {
	out, _, err := p.store.Transition(ctx, id, u)
	if err != nil {
		log.Error("record send outcome", slog.Any("err", err))
		return core.Message{}, err
	}
	return out, nil
}

func (p *Pool) send(ctx context.Context, job core.SendJob) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.opt.SendTimeout)
	defer cancel()
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()
	start := time.Now()
	defer func() { metrics.ProviderSendDuration.Observe(time.Since(start).Seconds()) }()
	return p.prov.Send(ctx, job.To, job.Body, p.opt.StatusCallback)
}

func text(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
