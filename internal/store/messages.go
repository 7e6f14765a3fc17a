package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/sms-crm/internal/core"
	"github.com/Cypherspark/sms-crm/internal/db"
)

type Messages struct{ DB *db.DB }

var _ core.MessageStore = (*Messages)(nil)

const msgColumns = `id, user_id, client_id, content, direction, status, batch_id, provider_ref,
	error_code, error_message, created_at, sent_at, delivered_at`

func scanMessage(row pgx.Row) (core.Message, error) {
	var m core.Message
	err := row.Scan(&m.ID, &m.UserID, &m.ClientID, &m.Content, &m.Direction, &m.Status, &m.BatchID, &m.ProviderRef,
		&m.ErrorCode, &m.ErrorMessage, &m.CreatedAt, &m.SentAt, &m.DeliveredAt)
	return m, err
}

// Create inserts one message. The initial status is forced by direction.
func (s *Messages) Create(ctx context.Context, m core.Message) (core.Message, error) {
	return insertMessage(ctx, s.DB.Pool, m)
}

func insertMessage(ctx context.Context, q db.Querier, m core.Message) (core.Message, error) {
	if m.ID == "" {
		m.ID = core.NewMessageID()
	}
	var claimed any
	switch m.Direction {
	case core.Outbound:
		m.Status = core.StatusQueued
		claimed = time.Now()
	case core.Inbound:
		m.Status = core.StatusReceived
	default:
		return core.Message{}, &core.ValidationError{Field: "direction", Reason: "must be outbound or inbound"}
	}

	out, err := scanMessage(q.QueryRow(ctx, `
		INSERT INTO messages(id, user_id, client_id, content, direction, status, batch_id, provider_ref, claimed_at)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING `+msgColumns,
		m.ID, m.UserID, m.ClientID, m.Content, m.Direction, m.Status, m.BatchID, m.ProviderRef, claimed))
	if db.IsUniqueViolation(err, "messages_provider_ref_key") {
		return core.Message{}, core.ErrDuplicate
	}
	if err != nil {
		return core.Message{}, fmt.Errorf("insert message: %w", notFound(err))
	}
	return out, nil
}

func (s *Messages) Get(ctx context.Context, id string) (core.Message, error) {
	m, err := scanMessage(s.DB.Pool.QueryRow(ctx, `SELECT `+msgColumns+` FROM messages WHERE id=$1`, id))
	return m, notFound(err)
}

func (s *Messages) GetByProviderRef(ctx context.Context, ref string) (core.Message, error) {
	m, err := scanMessage(s.DB.Pool.QueryRow(ctx, `SELECT `+msgColumns+` FROM messages WHERE provider_ref=$1`, ref))
	return m, notFound(err)
}

func (s *Messages) ListByBatch(ctx context.Context, batchID string) ([]core.Message, error) {
	return s.list(ctx, `SELECT `+msgColumns+` FROM messages WHERE batch_id=$1 ORDER BY created_at, id`, batchID)
}

func (s *Messages) ListByClient(ctx context.Context, clientID string) ([]core.Message, error) {
	return s.list(ctx, `SELECT `+msgColumns+` FROM messages WHERE client_id=$1 ORDER BY created_at, id`, clientID)
}

func (s *Messages) list(ctx context.Context, q string, args ...any) ([]core.Message, error) {
	rows, err := s.DB.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, notFound(err)
	}
	defer rows.Close()
	out := []core.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, notFound(err)
	}
	return out, nil
}

// Transition locks the row, runs core.Advance and writes only if something
// changed. Concurrent callbacks and send outcomes for the same message are
// serialized by the row lock.
func (s *Messages) Transition(ctx context.Context, id string, u core.StatusUpdate) (core.Message, bool, error) {
	var (
		out     core.Message
		changed bool
	)
	err := s.DB.WithTx(ctx, func(tx pgx.Tx) error {
		cur, err := scanMessage(tx.QueryRow(ctx, `SELECT `+msgColumns+` FROM messages WHERE id=$1 FOR UPDATE`, id))
		if err != nil {
			return notFound(err)
		}
		out, changed = core.Advance(cur, u, time.Now().UTC())
		if !changed {
			return nil
		}
		_, err = tx.Exec(ctx, `
			UPDATE messages
			SET status=$2, provider_ref=$3, error_code=$4, error_message=$5, sent_at=$6, delivered_at=$7, updated_at=now()
			WHERE id=$1
		`, id, out.Status, out.ProviderRef, out.ErrorCode, out.ErrorMessage, out.SentAt, out.DeliveredAt)
		return err
	})
	if err != nil {
		return core.Message{}, false, err
	}
	return out, changed, nil
}

// Claim re-stamps claimed_at on a queued outbound message right before its
// provider call, so the sweeper only sees claims that are really stale.
// claimed is false when the message is no longer queued; the current row is
// returned instead.
func (s *Messages) Claim(ctx context.Context, id string) (core.Message, bool, error) {
	m, err := scanMessage(s.DB.Pool.QueryRow(ctx, `
		UPDATE messages SET claimed_at = now(), updated_at = now()
		WHERE id=$1 AND status='queued' AND direction='outbound'
		RETURNING `+msgColumns, id))
	if err == nil {
		return m, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return core.Message{}, false, notFound(err)
	}
	m, err = s.Get(ctx, id)
	return m, false, err
}

// ClaimStale re-stamps up to limit outbound messages that have been queued
// and claimed for longer than olderThan, and returns their ids. SKIP LOCKED
// lets several sweepers run side by side.
func (s *Messages) ClaimStale(ctx context.Context, olderThan time.Duration, limit int) ([]string, error) {
	rows, err := s.DB.Pool.Query(ctx, `
		UPDATE messages SET claimed_at = now()
		WHERE id IN (
			SELECT id FROM messages
			WHERE status='queued' AND direction='outbound'
			  AND claimed_at < now() - make_interval(secs => $1)
			ORDER BY claimed_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, olderThan.Seconds(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
