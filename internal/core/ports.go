package core

import "context"

// Ledger is the credit log. Balance is always derived from the log.
type Ledger interface {
	Reserve(ctx context.Context, userID string, amount int, description string) (string, error)
	Grant(ctx context.Context, g Grant) (string, error)
	Balance(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, userID string) ([]CreditTransaction, error)
	Recent(ctx context.Context, userID string, limit int) ([]CreditTransaction, error)
}

type MessageStore interface {
	Create(ctx context.Context, m Message) (Message, error)
	Get(ctx context.Context, id string) (Message, error)
	GetByProviderRef(ctx context.Context, ref string) (Message, error)
	ListByBatch(ctx context.Context, batchID string) ([]Message, error)
	ListByClient(ctx context.Context, clientID string) ([]Message, error)
	// Transition applies Advance under a per-row lock and reports whether the
	// stored row changed.
	Transition(ctx context.Context, id string, u StatusUpdate) (Message, bool, error)
}

// Outbox records an outbound cohort: it reserves one credit per message,
// inserts the queued rows and marks the recipients contacted, all in one
// transaction. Nothing is persisted when it returns an error.
type Outbox interface {
	Record(ctx context.Context, userID, description string, msgs []Message) ([]Message, error)
}

type ClientDirectory interface {
	Get(ctx context.Context, id string) (Client, error)
	// Owned returns the subset of ids that exist and belong to userID.
	Owned(ctx context.Context, userID string, ids []string) ([]Client, error)
	FindByPhone(ctx context.Context, phone string) ([]Client, error)
}

// Sender talks to the delivery provider on behalf of the dispatcher.
type Sender interface {
	// Submit hands jobs to background workers and returns immediately.
	Submit(jobs ...SendJob)
	// SendNow performs one send inline and returns the recorded message.
	SendNow(ctx context.Context, job SendJob) (Message, error)
}

// Deduper remembers callbacks that were already applied.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string) error
}

// Parker holds status callbacks whose provider ref is not recorded yet, so
// they can be applied once the send outcome lands.
type Parker interface {
	Park(ctx context.Context, cb StatusCallback) error
	Drain(ctx context.Context, providerRef string) ([]StatusCallback, error)
}
