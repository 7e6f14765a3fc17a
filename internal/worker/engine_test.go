package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/sms-crm/internal/core"
	"github.com/Cypherspark/sms-crm/internal/provider"
	"github.com/Cypherspark/sms-crm/internal/worker"
)

type memMessages struct {
	mu   sync.Mutex
	msgs map[string]core.Message
}

func newMemMessages(ids ...string) *memMessages {
	s := &memMessages{msgs: map[string]core.Message{}}
	for _, id := range ids {
		s.msgs[id] = core.Message{ID: id, UserID: "u1", Direction: core.Outbound, Status: core.StatusQueued}
	}
	return s
}

func (s *memMessages) Get(_ context.Context, id string) (core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return core.Message{}, core.ErrNotFound
	}
	return m, nil
}

func (s *memMessages) Claim(_ context.Context, id string) (core.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return core.Message{}, false, core.ErrNotFound
	}
	return m, m.Status == core.StatusQueued, nil
}

func (s *memMessages) Transition(_ context.Context, id string, u core.StatusUpdate) (core.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return core.Message{}, false, core.ErrNotFound
	}
	next, changed := core.Advance(m, u, time.Now())
	s.msgs[id] = next
	return next, changed, nil
}

func (s *memMessages) status(id string) core.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgs[id].Status
}

// scripted fails recipients in fail and panics for recipients in boom.
type scripted struct {
	mu       sync.Mutex
	fail     map[string]bool
	boom     map[string]bool
	calls    int
	callback string
}

func (p *scripted) Send(ctx context.Context, to, _, statusCallback string) (string, error) {
	p.mu.Lock()
	p.calls++
	p.callback = statusCallback
	p.mu.Unlock()
	if p.boom[to] {
		panic("provider exploded")
	}
	if p.fail[to] {
		return "", &provider.Error{Code: "30006", Message: "landline"}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "SM-" + to, nil
}

func (p *scripted) SendMany(ctx context.Context, msgs []provider.Outgoing) []provider.Result {
	out := make([]provider.Result, len(msgs))
	for i, m := range msgs {
		ref, err := p.Send(ctx, m.To, m.Body, m.StatusCallback)
		out[i] = provider.Result{Ref: ref, Err: err}
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond)
}

func TestPool_SubmitRecordsEveryOutcome(t *testing.T) {
	store := newMemMessages("m1", "m2", "m3")
	prov := &scripted{fail: map[string]bool{"+3": true}}
	ctx, cancel := context.WithCancel(context.Background())
	pool := worker.NewPool(ctx, store, prov, worker.PoolOptions{Concurrency: 2, StatusCallback: "https://crm/webhooks/status"}, nil)

	pool.Submit(
		core.SendJob{MessageID: "m1", UserID: "u1", BatchID: "b1", To: "+1", Body: "hi"},
		core.SendJob{MessageID: "m2", UserID: "u1", BatchID: "b1", To: "+2", Body: "hi"},
		core.SendJob{MessageID: "m3", UserID: "u1", BatchID: "b1", To: "+3", Body: "hi"},
	)
	waitFor(t, func() bool {
		return store.status("m1") == core.StatusSent && store.status("m2") == core.StatusSent && store.status("m3") == core.StatusFailed
	})
	cancel()
	pool.Wait()

	m3, _ := store.Get(context.Background(), "m3")
	require.Equal(t, "30006", *m3.ErrorCode)
	require.Equal(t, "landline", *m3.ErrorMessage)
	m1, _ := store.Get(context.Background(), "m1")
	require.Equal(t, "SM-+1", *m1.ProviderRef)
	require.Equal(t, "https://crm/webhooks/status", prov.callback)
}

func TestPool_SendNow(t *testing.T) {
	store := newMemMessages("m1", "m2")
	pool := worker.NewPool(context.Background(), store, &scripted{fail: map[string]bool{"+2": true}}, worker.PoolOptions{}, nil)

	m, err := pool.SendNow(context.Background(), core.SendJob{MessageID: "m1", To: "+1", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, core.StatusSent, m.Status)

	m, err = pool.SendNow(context.Background(), core.SendJob{MessageID: "m2", To: "+2", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, core.StatusFailed, m.Status)
}

func TestPool_SendNowSurvivesCallerCancellation(t *testing.T) {
	store := newMemMessages("m1")
	pool := worker.NewPool(context.Background(), store, &scripted{}, worker.PoolOptions{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m, err := pool.SendNow(ctx, core.SendJob{MessageID: "m1", To: "+1", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, core.StatusSent, m.Status)
}

func TestPool_SkipsMessagesNoLongerQueued(t *testing.T) {
	store := newMemMessages("m1")
	_, _, _ = store.Transition(context.Background(), "m1", core.StatusUpdate{Status: core.StatusFailed})
	prov := &scripted{}
	pool := worker.NewPool(context.Background(), store, prov, worker.PoolOptions{}, nil)

	m, err := pool.SendNow(context.Background(), core.SendJob{MessageID: "m1", To: "+1", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, core.StatusFailed, m.Status)
	require.Zero(t, prov.calls)

	_, err = pool.SendNow(context.Background(), core.SendJob{MessageID: "missing", To: "+1", Body: "hi"})
	require.True(t, errors.Is(err, core.ErrNotFound))
}

func TestPool_PanicDoesNotKillWorkers(t *testing.T) {
	store := newMemMessages("m1", "m2")
	prov := &scripted{boom: map[string]bool{"+1": true}}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool := worker.NewPool(ctx, store, prov, worker.PoolOptions{Concurrency: 1}, nil)

	pool.Submit(
		core.SendJob{MessageID: "m1", To: "+1", Body: "hi"},
		core.SendJob{MessageID: "m2", To: "+2", Body: "hi"},
	)
	waitFor(t, func() bool { return store.status("m2") == core.StatusSent })
	// the panicking send stays queued for the sweeper
	require.Equal(t, core.StatusQueued, store.status("m1"))
}

// gated blocks every Send until release is closed.
type gated struct {
	entered chan struct{}
	release chan struct{}
	ref     string
}

func (p *gated) Send(context.Context, string, string, string) (string, error) {
	p.entered <- struct{}{}
	<-p.release
	return p.ref, nil
}

func (p *gated) SendMany(ctx context.Context, msgs []provider.Outgoing) []provider.Result {
	out := make([]provider.Result, len(msgs))
	for i, m := range msgs {
		ref, err := p.Send(ctx, m.To, m.Body, m.StatusCallback)
		out[i] = provider.Result{Ref: ref, Err: err}
	}
	return out
}

func TestPool_SendFinishingAfterSweepKeepsProviderRef(t *testing.T) {
	msgs := newMemMessages("m1")
	prov := &gated{entered: make(chan struct{}, 1), release: make(chan struct{}), ref: "SM-real"}
	pool := worker.NewPool(context.Background(), msgs, prov, worker.PoolOptions{SendTimeout: time.Minute}, nil)

	type result struct {
		m   core.Message
		err error
	}
	sent := make(chan result, 1)
	go func() {
		m, err := pool.SendNow(context.Background(), core.SendJob{MessageID: "m1", To: "+1", Body: "hi"})
		sent <- result{m, err}
	}()
	<-prov.entered

	// the sweeper gives up on the row while the provider call is still open
	ctx, cancel := context.WithCancel(context.Background())
	store := &staleStore{memMessages: msgs, batches: [][]string{{"m1"}}}
	done := make(chan error, 1)
	go func() {
		done <- worker.RunSweeper(ctx, store, worker.SweepOptions{Interval: 5 * time.Millisecond, StaleAfter: time.Minute, BatchSize: 10}, nil)
	}()
	waitFor(t, func() bool { return msgs.status("m1") == core.StatusFailed })
	cancel()
	<-done

	close(prov.release)
	res := <-sent
	require.NoError(t, res.err)
	require.Equal(t, core.StatusFailed, res.m.Status)
	require.Equal(t, "SM-real", *res.m.ProviderRef)
	require.Equal(t, "dispatch_abandoned", *res.m.ErrorCode)

	// a callback for SM-real can now find the message and is absorbed by it
	stored, err := msgs.Get(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, "SM-real", *stored.ProviderRef)
}

func TestPool_SendNowFailsWhenLimiterWaitExceedsTimeout(t *testing.T) {
	msgs := newMemMessages("m1", "m2")
	prov := &scripted{}
	pool := worker.NewPool(context.Background(), msgs, prov, worker.PoolOptions{
		ProviderQPS:   0.001,
		ProviderBurst: 1,
		SendTimeout:   20 * time.Millisecond,
	}, nil)

	m, err := pool.SendNow(context.Background(), core.SendJob{MessageID: "m1", To: "+1", Body: "hi"})
	require.NoError(t, err)
	require.Equal(t, core.StatusSent, m.Status)

	start := time.Now()
	m, err = pool.SendNow(context.Background(), core.SendJob{MessageID: "m2", To: "+2", Body: "hi"})
	require.NoError(t, err)
	require.Less(t, time.Since(start), time.Second)
	require.Equal(t, core.StatusFailed, m.Status)
	require.Equal(t, worker.CodeRateLimited, *m.ErrorCode)
	require.Equal(t, 1, prov.calls)
}

type replays struct {
	mu   sync.Mutex
	refs []string
}

func (r *replays) Replay(_ context.Context, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs = append(r.refs, ref)
}

func TestPool_ReplaysParkedCallbacksAfterSent(t *testing.T) {
	msgs := newMemMessages("m1", "m2")
	rp := &replays{}
	pool := worker.NewPool(context.Background(), msgs, &scripted{fail: map[string]bool{"+2": true}}, worker.PoolOptions{Replay: rp}, nil)

	_, err := pool.SendNow(context.Background(), core.SendJob{MessageID: "m1", To: "+1", Body: "hi"})
	require.NoError(t, err)
	_, err = pool.SendNow(context.Background(), core.SendJob{MessageID: "m2", To: "+2", Body: "hi"})
	require.NoError(t, err)

	require.Equal(t, []string{"SM-+1"}, rp.refs)
}
