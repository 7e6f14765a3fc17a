package core

import "context"

type BatchLister interface {
	ListByBatch(ctx context.Context, batchID string) ([]Message, error)
}

// Aggregator computes batch progress on demand from the message rows. Nothing
// is cached, so a poll always sees the latest reconciled state.
type Aggregator struct {
	Messages BatchLister
}

func (a *Aggregator) Progress(ctx context.Context, batchID string) (Progress, error) {
	msgs, err := a.Messages.ListByBatch(ctx, batchID)
	if err != nil {
		return Progress{}, err
	}
	if len(msgs) == 0 {
		return Progress{}, ErrNotFound
	}
	return ComputeProgress(msgs), nil
}

// ProgressFor is Progress restricted to batches owned by userID; anyone
// else's batch reads as missing.
func (a *Aggregator) ProgressFor(ctx context.Context, userID, batchID string) (Progress, error) {
	msgs, err := a.Messages.ListByBatch(ctx, batchID)
	if err != nil {
		return Progress{}, err
	}
	if len(msgs) == 0 || msgs[0].UserID != userID {
		return Progress{}, ErrNotFound
	}
	return ComputeProgress(msgs), nil
}

// ComputeProgress counts undelivered as failed and read as delivered.
func ComputeProgress(msgs []Message) Progress {
	p := Progress{Total: len(msgs), StatusCounts: map[Status]int{}}
	terminal := 0
	for _, m := range msgs {
		p.StatusCounts[m.Status]++
		switch m.Status {
		case StatusDelivered, StatusRead:
			p.Delivered++
		case StatusFailed, StatusUndelivered:
			p.Failed++
		case StatusQueued:
			p.Queued++
		case StatusSent:
			p.Sent++
		}
		if m.Status.Terminal() {
			terminal++
		}
	}
	if p.Total == 0 {
		return p
	}
	p.DeliveredPct = percent(p.Delivered, p.Total)
	p.FailedPct = percent(p.Failed, p.Total)
	p.InProgressPct = percent(p.Queued+p.Sent, p.Total)
	p.IsComplete = terminal == p.Total
	return p
}

// percent rounds half up.
func percent(n, total int) int {
	return (n*200 + total) / (2 * total)
}
