package core

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/Cypherspark/sms-crm/internal/metrics"
)

// Outcome is what a webhook call amounted to. Every outcome is acknowledged
// to the provider.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeNotFound  Outcome = "not_found"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeParked    Outcome = "parked"
)

type StatusCallback struct {
	ProviderRef  string `json:"providerRef"`
	Status       string `json:"status"`
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

type InboundCallback struct {
	From        string
	To          string
	Body        string
	ProviderRef string
}

type CallbackStore interface {
	Create(ctx context.Context, m Message) (Message, error)
	GetByProviderRef(ctx context.Context, ref string) (Message, error)
	Transition(ctx context.Context, id string, u StatusUpdate) (Message, bool, error)
}

type PhoneLookup interface {
	FindByPhone(ctx context.Context, phone string) ([]Client, error)
}

// Reconciler applies provider callbacks. Callbacks arrive at least once and
// in any order; correctness comes from the monotonic transition, Dedup only
// saves the database round trip for repeats. When Pending is set, callbacks
// that beat their own send outcome are parked and replayed instead of lost.
type Reconciler struct {
	Messages CallbackStore
	Clients  PhoneLookup
	Dedup    Deduper
	Pending  Parker
	Log      *slog.Logger
}

func (r *Reconciler) OnStatusUpdate(ctx context.Context, cb StatusCallback) (Outcome, error) {
	return r.statusUpdate(ctx, cb, true)
}

// Replay applies the callbacks parked for providerRef. The sender calls it
// after recording the send outcome that carries the ref.
func (r *Reconciler) Replay(ctx context.Context, providerRef string) {
	if r.Pending == nil || providerRef == "" {
		return
	}
	log := r.logger().With(slog.String("provider_ref", providerRef))
	cbs, err := r.Pending.Drain(ctx, providerRef)
	if err != nil {
		log.Warn("drain parked callbacks", slog.Any("err", err))
		return
	}
	for _, cb := range cbs {
		out, err := r.statusUpdate(ctx, cb, false)
		if err != nil {
			log.Error("replay parked callback", slog.String("status", cb.Status), slog.Any("err", err))
			continue
		}
		log.Info("parked callback replayed", slog.String("status", cb.Status), slog.String("result", string(out)))
	}
}

// statusUpdate re-checks the store after parking only when recheck is set;
// replays never recurse.
func (r *Reconciler) statusUpdate(ctx context.Context, cb StatusCallback, recheck bool) (Outcome, error) {
	log := r.logger().With(slog.String("provider_ref", cb.ProviderRef), slog.String("status", cb.Status))
	if cb.ProviderRef == "" {
		return r.done(OutcomeIgnored), invalid("providerRef", "required")
	}
	status, ok := NormalizeStatus(cb.Status)
	if !ok {
		log.Warn("unknown provider status")
		return r.done(OutcomeIgnored), nil
	}
	if cb.ErrorCode != "" && !status.failure() {
		status = StatusFailed
	}

	key := "status:" + cb.ProviderRef + ":" + string(status) + ":" + cb.ErrorCode
	if r.seen(ctx, key) {
		return r.done(OutcomeDuplicate), nil
	}

	m, err := r.Messages.GetByProviderRef(ctx, cb.ProviderRef)
	if errors.Is(err, ErrNotFound) {
		if r.park(ctx, cb, log) {
			if recheck {
				// the send outcome may have landed between the lookup and the park
				if _, err := r.Messages.GetByProviderRef(ctx, cb.ProviderRef); err == nil {
					r.Replay(ctx, cb.ProviderRef)
				}
			}
			return r.done(OutcomeParked), nil
		}
		log.Info("status callback for unknown message")
		return r.done(OutcomeNotFound), nil
	}
	if err != nil {
		return "", err
	}

	u := StatusUpdate{Status: status, ErrorCode: optional(cb.ErrorCode), ErrorMessage: optional(cb.ErrorMessage)}
	updated, changed, err := r.Messages.Transition(ctx, m.ID, u)
	if errors.Is(err, ErrNotFound) {
		return r.done(OutcomeNotFound), nil
	}
	if err != nil {
		return "", err
	}
	r.remember(ctx, key)

	log = log.With(slog.String("message_id", m.ID))
	if m.BatchID != nil {
		log = log.With(slog.String("batch_id", *m.BatchID))
	}
	if !changed {
		log.Debug("stale or repeated status ignored", slog.String("current", string(updated.Status)))
		return r.done(OutcomeUnchanged), nil
	}
	if cb.ErrorCode != "" {
		log.Warn("delivery error", slog.String("error_code", cb.ErrorCode), slog.String("error_message", cb.ErrorMessage))
	}
	log.Info("status applied", slog.String("current", string(updated.Status)))
	return r.done(OutcomeApplied), nil
}

// OnInbound stores a message received from a client. Unknown senders are
// acknowledged and dropped.
func (r *Reconciler) OnInbound(ctx context.Context, cb InboundCallback) (Outcome, error) {
	log := r.logger().With(slog.String("provider_ref", cb.ProviderRef))
	from := strings.TrimSpace(cb.From)
	if from == "" {
		return r.done(OutcomeIgnored), invalid("from", "required")
	}
	if cb.ProviderRef != "" {
		if _, err := r.Messages.GetByProviderRef(ctx, cb.ProviderRef); err == nil {
			return r.done(OutcomeDuplicate), nil
		} else if !errors.Is(err, ErrNotFound) {
			return "", err
		}
	}

	clients, err := r.Clients.FindByPhone(ctx, from)
	if err != nil {
		return "", err
	}
	if len(clients) == 0 {
		log.Info("inbound message from unknown number")
		return r.done(OutcomeNotFound), nil
	}
	c := clients[0]

	m, err := r.Messages.Create(ctx, Message{
		ID:          NewMessageID(),
		UserID:      c.UserID,
		ClientID:    c.ID,
		Content:     cb.Body,
		Direction:   Inbound,
		ProviderRef: optional(cb.ProviderRef),
	})
	if errors.Is(err, ErrDuplicate) {
		return r.done(OutcomeDuplicate), nil
	}
	if err != nil {
		return "", err
	}
	log.Info("inbound message stored", slog.String("message_id", m.ID), slog.String("user_id", c.UserID))
	return r.done(OutcomeApplied), nil
}

func (r *Reconciler) park(ctx context.Context, cb StatusCallback, log *slog.Logger) bool {
	if r.Pending == nil {
		return false
	}
	if err := r.Pending.Park(ctx, cb); err != nil {
		log.Warn("park callback failed", slog.Any("err", err))
		return false
	}
	log.Info("status callback parked until its send is recorded")
	return true
}

func (r *Reconciler) seen(ctx context.Context, key string) bool {
	if r.Dedup == nil {
		return false
	}
	ok, err := r.Dedup.Seen(ctx, key)
	if err != nil {
		r.logger().Warn("dedup lookup failed", slog.Any("err", err))
		return false
	}
	return ok
}

func (r *Reconciler) remember(ctx context.Context, key string) {
	if r.Dedup == nil {
		return
	}
	if err := r.Dedup.Remember(ctx, key); err != nil {
		r.logger().Warn("dedup store failed", slog.Any("err", err))
	}
}

func (r *Reconciler) done(o Outcome) Outcome {
	metrics.WebhookCallbacks.WithLabelValues(string(o)).Inc()
	return o
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
