package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Cypherspark/sms-crm/internal/metrics"
)

// PricePerSMS is the credit cost of one outbound message.
const PricePerSMS = 1

type Dispatcher struct {
	Outbox  Outbox
	Clients ClientDirectory
	Sender  Sender
	Log     *slog.Logger
}

// DispatchSingle records one outbound message and sends it inline. A provider
// rejection comes back as a failed message, not as an error.
func (d *Dispatcher) DispatchSingle(ctx context.Context, userID, clientID, content string) (Message, error) {
	if err := validateContent(content); err != nil {
		return Message{}, err
	}
	if clientID == "" {
		return Message{}, invalid("clientId", "required")
	}
	c, err := d.Clients.Get(ctx, clientID)
	if err != nil {
		return Message{}, err
	}
	if c.UserID != userID {
		return Message{}, ErrNotFound
	}

	msgs, err := d.Outbox.Record(ctx, userID, "Sent SMS message", []Message{newOutbound(userID, c.ID, content, nil)})
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("single", dispatchResult(err)).Inc()
		return Message{}, err
	}
	metrics.DispatchTotal.WithLabelValues("single", "ok").Inc()

	return d.Sender.SendNow(ctx, SendJob{MessageID: msgs[0].ID, UserID: userID, To: c.Phone, Body: content})
}

// DispatchBatch reserves credits for every valid recipient, records the
// cohort under a fresh batch id and returns once the rows exist. Sends run in
// the background; their outcomes land on the individual messages.
//
// Recipients that do not exist or belong to another user are dropped
// silently. Duplicate ids are sent once.
func (d *Dispatcher) DispatchBatch(ctx context.Context, userID string, clientIDs []string, content string) (BatchReceipt, error) {
	if err := validateContent(content); err != nil {
		return BatchReceipt{}, err
	}
	ids := uniqueIDs(clientIDs)
	if len(ids) == 0 {
		return BatchReceipt{}, invalid("clientIds", "at least one recipient is required")
	}

	clients, err := d.Clients.Owned(ctx, userID, ids)
	if err != nil {
		return BatchReceipt{}, err
	}
	if len(clients) == 0 {
		return BatchReceipt{}, invalid("clientIds", "no valid recipients")
	}

	batchID := NewBatchID()
	rows := make([]Message, len(clients))
	for i, c := range clients {
		rows[i] = newOutbound(userID, c.ID, content, &batchID)
	}
	desc := fmt.Sprintf("Sent mass message to %d clients", len(rows))
	msgs, err := d.Outbox.Record(ctx, userID, desc, rows)
	if err != nil {
		metrics.DispatchTotal.WithLabelValues("batch", dispatchResult(err)).Inc()
		return BatchReceipt{}, err
	}
	metrics.DispatchTotal.WithLabelValues("batch", "ok").Inc()

	phone := make(map[string]string, len(clients))
	for _, c := range clients {
		phone[c.ID] = c.Phone
	}
	jobs := make([]SendJob, len(msgs))
	for i, m := range msgs {
		jobs[i] = SendJob{MessageID: m.ID, UserID: userID, BatchID: batchID, To: phone[m.ClientID], Body: content}
	}
	d.Sender.Submit(jobs...)

	d.logger().Info("batch recorded",
		slog.String("batch_id", batchID), slog.String("user_id", userID),
		slog.Int("messages", len(msgs)), slog.Int("skipped", len(ids)-len(msgs)))
	return BatchReceipt{BatchID: batchID, TotalMessages: len(msgs)}, nil
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Log == nil {
		return slog.Default()
	}
	return d.Log
}

func newOutbound(userID, clientID, content string, batchID *string) Message {
	return Message{
		ID:        NewMessageID(),
		UserID:    userID,
		ClientID:  clientID,
		Content:   content,
		Direction: Outbound,
		Status:    StatusQueued,
		BatchID:   batchID,
	}
}

func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return invalid("content", "required")
	}
	return nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func dispatchResult(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return "insufficient_credits"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}
