package core_test

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Cypherspark/sms-crm/internal/core"
)

// memStore is an in-memory stand-in for the Postgres stores.
type memStore struct {
	mu      sync.Mutex
	balance map[string]int
	ledger  []core.CreditTransaction
	clients map[string]core.Client
	msgs    map[string]core.Message
	seq     map[string]int
	n       int
}

func newMemStore() *memStore {
	return &memStore{
		balance: map[string]int{},
		clients: map[string]core.Client{},
		msgs:    map[string]core.Message{},
		seq:     map[string]int{},
	}
}

func (s *memStore) addClient(id, userID, phone string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[id] = core.Client{ID: id, UserID: userID, Name: id, Phone: phone}
}

func (s *memStore) Record(_ context.Context, userID, description string, msgs []core.Message) ([]core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cost := len(msgs) * core.PricePerSMS
	if s.balance[userID] < cost {
		return nil, core.ErrInsufficientCredits
	}
	s.balance[userID] -= cost
	s.ledger = append(s.ledger, core.CreditTransaction{UserID: userID, Amount: -cost, Type: core.TxUsage, Description: description})
	out := make([]core.Message, len(msgs))
	for i, m := range msgs {
		m.CreatedAt = time.Now()
		s.put(m)
		out[i] = m
	}
	return out, nil
}

func (s *memStore) put(m core.Message) {
	if _, ok := s.seq[m.ID]; !ok {
		s.n++
		s.seq[m.ID] = s.n
	}
	s.msgs[m.ID] = m
}

func (s *memStore) Get(_ context.Context, id string) (core.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return core.Client{}, core.ErrNotFound
	}
	return c, nil
}

func (s *memStore) Owned(_ context.Context, userID string, ids []string) ([]core.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Client
	for _, id := range ids {
		if c, ok := s.clients[id]; ok && c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) FindByPhone(_ context.Context, phone string) ([]core.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Client
	for _, c := range s.clients {
		if c.Phone == phone {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *memStore) Create(_ context.Context, m core.Message) (core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ProviderRef != nil {
		for _, o := range s.msgs {
			if o.ProviderRef != nil && *o.ProviderRef == *m.ProviderRef {
				return core.Message{}, core.ErrDuplicate
			}
		}
	}
	if m.Direction == core.Inbound {
		m.Status = core.StatusReceived
	}
	m.CreatedAt = time.Now()
	s.put(m)
	return m, nil
}

func (s *memStore) message(id string) (core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return core.Message{}, core.ErrNotFound
	}
	return m, nil
}

func (s *memStore) GetByProviderRef(_ context.Context, ref string) (core.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.msgs {
		if m.ProviderRef != nil && *m.ProviderRef == ref {
			return m, nil
		}
	}
	return core.Message{}, core.ErrNotFound
}

func (s *memStore) ListByBatch(_ context.Context, batchID string) ([]core.Message, error) {
	return s.filter(func(m core.Message) bool { return m.BatchID != nil && *m.BatchID == batchID }), nil
}

func (s *memStore) ListByClient(_ context.Context, clientID string) ([]core.Message, error) {
	return s.filter(func(m core.Message) bool { return m.ClientID == clientID }), nil
}

func (s *memStore) filter(keep func(core.Message) bool) []core.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Message
	for _, m := range s.msgs {
		if keep(m) {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return s.seq[out[i].ID] < s.seq[out[j].ID] })
	return out
}

func (s *memStore) Transition(_ context.Context, id string, u core.StatusUpdate) (core.Message, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return core.Message{}, false, core.ErrNotFound
	}
	next, changed := core.Advance(m, u, time.Now())
	if changed {
		s.msgs[id] = next
	}
	return next, changed, nil
}

// fakeSender resolves every job synchronously. Phones listed in fail are
// rejected by the "provider".
type fakeSender struct {
	store *memStore
	fail  map[string]bool
	mu    sync.Mutex
	jobs  []core.SendJob
}

func (f *fakeSender) Submit(jobs ...core.SendJob) {
	for _, j := range jobs {
		_, _ = f.SendNow(context.Background(), j)
	}
}

func (f *fakeSender) SendNow(ctx context.Context, job core.SendJob) (core.Message, error) {
	f.mu.Lock()
	f.jobs = append(f.jobs, job)
	f.mu.Unlock()

	u := core.StatusUpdate{Status: core.StatusSent, ProviderRef: ptr("SM" + job.MessageID)}
	if f.fail[job.To] {
		u = core.StatusUpdate{Status: core.StatusFailed, ErrorCode: ptr("21604"), ErrorMessage: ptr("invalid destination")}
	}
	m, _, err := f.store.Transition(ctx, job.MessageID, u)
	return m, err
}

func (f *fakeSender) sent() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

type memDedup struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (d *memDedup) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keys[key], nil
}

func (d *memDedup) Remember(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.keys == nil {
		d.keys = map[string]bool{}
	}
	d.keys[key] = true
	return nil
}

// memParker keeps parked callbacks per ref. onPark runs after each park.
type memParker struct {
	mu     sync.Mutex
	byRef  map[string][]core.StatusCallback
	err    error
	onPark func()
}

func (p *memParker) Park(_ context.Context, cb core.StatusCallback) error {
	if p.err != nil {
		return p.err
	}
	p.mu.Lock()
	if p.byRef == nil {
		p.byRef = map[string][]core.StatusCallback{}
	}
	p.byRef[cb.ProviderRef] = append(p.byRef[cb.ProviderRef], cb)
	p.mu.Unlock()
	if p.onPark != nil {
		p.onPark()
	}
	return nil
}

func (p *memParker) Drain(_ context.Context, ref string) ([]core.StatusCallback, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.byRef[ref]
	delete(p.byRef, ref)
	return out, nil
}

func (p *memParker) parked(ref string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.byRef[ref])
}

func ptr(s string) *string { return &s }
