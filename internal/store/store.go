// Package store holds the Postgres implementations of the core ports.
package store

import (
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Cypherspark/sms-crm/internal/core"
)

// notFound maps missing rows and malformed ids onto core.ErrNotFound.
func notFound(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return core.ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "22P02": // invalid_text_representation, e.g. a non-uuid id
			return core.ErrNotFound
		case "23503": // foreign_key_violation
			return core.ErrNotFound
		}
	}
	return err
}
