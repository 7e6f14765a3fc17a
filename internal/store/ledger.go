package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/sms-crm/internal/core"
	"github.com/Cypherspark/sms-crm/internal/db"
	"github.com/Cypherspark/sms-crm/internal/metrics"
)

// Ledger keeps credits as an append-only log. Writers serialize per user by
// locking the user row, so a check-then-insert cannot overdraw.
type Ledger struct{ DB *db.DB }

var _ core.Ledger = (*Ledger)(nil)

const txColumns = `id, user_id, amount, type, description, external_ref, created_at`

func (l *Ledger) Reserve(ctx context.Context, userID string, amount int, description string) (string, error) {
	var id string
	err := l.DB.WithTx(ctx, func(tx pgx.Tx) error {
		var err error
		id, err = reserve(ctx, tx, userID, amount, description)
		return err
	})
	metrics.LedgerReserveTotal.WithLabelValues(reserveResult(err)).Inc()
	if err != nil {
		return "", err
	}
	return id, nil
}

// reserve must run inside a transaction; the user row lock is held until it
// ends.
func reserve(ctx context.Context, tx pgx.Tx, userID string, amount int, description string) (string, error) {
	if amount <= 0 {
		return "", &core.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if err := lockUser(ctx, tx, userID); err != nil {
		return "", err
	}
	bal, err := balance(ctx, tx, userID)
	if err != nil {
		return "", err
	}
	if bal < amount {
		return "", core.ErrInsufficientCredits
	}
	return insertTx(ctx, tx, core.CreditTransaction{
		UserID:      userID,
		Amount:      -amount,
		Type:        core.TxUsage,
		Description: description,
	})
}

// Grant adds credits. A repeated ExternalRef returns the transaction that
// already carries it.
func (l *Ledger) Grant(ctx context.Context, g core.Grant) (string, error) {
	if g.Amount <= 0 {
		return "", &core.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if g.Type != core.TxPurchase && g.Type != core.TxBonus {
		return "", &core.ValidationError{Field: "type", Reason: "must be purchase or bonus"}
	}
	if g.ExternalRef != nil && *g.ExternalRef == "" {
		g.ExternalRef = nil
	}

	var id string
	err := l.DB.WithTx(ctx, func(tx pgx.Tx) error {
		if err := lockUser(ctx, tx, g.UserID); err != nil {
			return err
		}
		if g.ExternalRef != nil {
			existing, err := txByExternalRef(ctx, tx, *g.ExternalRef)
			if err == nil {
				id = existing
				return nil
			}
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
		}
		var err error
		id, err = insertTx(ctx, tx, core.CreditTransaction{
			UserID:      g.UserID,
			Amount:      g.Amount,
			Type:        g.Type,
			Description: g.Description,
			ExternalRef: g.ExternalRef,
		})
		return err
	})
	if db.IsUniqueViolation(err, "credit_transactions_external_ref_key") {
		// the same reference was granted concurrently for another user row
		return txByExternalRef(ctx, l.DB.Pool, *g.ExternalRef)
	}
	return id, err
}

func (l *Ledger) Balance(ctx context.Context, userID string) (int, error) {
	if err := userExists(ctx, l.DB.Pool, userID); err != nil {
		return 0, err
	}
	return balance(ctx, l.DB.Pool, userID)
}

// History returns the ledger in insertion order.
func (l *Ledger) History(ctx context.Context, userID string) ([]core.CreditTransaction, error) {
	return l.list(ctx, `SELECT `+txColumns+` FROM credit_transactions WHERE user_id=$1 ORDER BY seq`, userID)
}

// Recent returns up to limit transactions, newest first.
func (l *Ledger) Recent(ctx context.Context, userID string, limit int) ([]core.CreditTransaction, error) {
	return l.list(ctx, `SELECT `+txColumns+` FROM credit_transactions WHERE user_id=$1 ORDER BY seq DESC LIMIT $2`, userID, limit)
}

func (l *Ledger) list(ctx context.Context, q string, args ...any) ([]core.CreditTransaction, error) {
	rows, err := l.DB.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, notFound(err)
	}
	defer rows.Close()
	out := []core.CreditTransaction{}
	for rows.Next() {
		var t core.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.Type, &t.Description, &t.ExternalRef, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func insertTx(ctx context.Context, q db.Querier, t core.CreditTransaction) (string, error) {
	var id string
	err := q.QueryRow(ctx, `
		INSERT INTO credit_transactions(id, user_id, amount, type, description, external_ref)
		VALUES($1,$2,$3,$4,$5,$6)
		RETURNING id
	`, core.NewMessageID(), t.UserID, t.Amount, t.Type, t.Description, t.ExternalRef).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("insert credit transaction: %w", err)
	}
	return id, nil
}

func txByExternalRef(ctx context.Context, q db.Querier, ref string) (string, error) {
	var id string
	err := q.QueryRow(ctx, `SELECT id FROM credit_transactions WHERE external_ref=$1`, ref).Scan(&id)
	return id, err
}

func balance(ctx context.Context, q db.Querier, userID string) (int, error) {
	var bal int
	err := q.QueryRow(ctx, `SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id=$1`, userID).Scan(&bal)
	return bal, notFound(err)
}

func lockUser(ctx context.Context, tx pgx.Tx, userID string) error {
	var id string
	err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id=$1 FOR UPDATE`, userID).Scan(&id)
	return notFound(err)
}

func userExists(ctx context.Context, q db.Querier, userID string) error {
	var id string
	err := q.QueryRow(ctx, `SELECT id FROM users WHERE id=$1`, userID).Scan(&id)
	return notFound(err)
}

func reserveResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, core.ErrInsufficientCredits):
		return "insufficient_credits"
	}
	return "error"
}
