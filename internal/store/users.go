package store

import (
	"context"

	"github.com/Cypherspark/sms-crm/internal/db"
)

type Users struct{ DB *db.DB }

// Create creates a user and returns its id. A new user has no ledger rows,
// so its balance is 0.
func (s *Users) Create(ctx context.Context, name string) (string, error) {
	var id string
	err := s.DB.Pool.QueryRow(ctx, `INSERT INTO users(name) VALUES($1) RETURNING id`, name).Scan(&id)
	return id, err
}
