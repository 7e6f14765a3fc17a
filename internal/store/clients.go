package store

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/Cypherspark/sms-crm/internal/core"
	"github.com/Cypherspark/sms-crm/internal/db"
)

type Clients struct{ DB *db.DB }

var _ core.ClientDirectory = (*Clients)(nil)

const clientColumns = `id, user_id, name, phone, last_contacted_at, created_at`

func (s *Clients) Create(ctx context.Context, userID, name, phone string) (core.Client, error) {
	phone = strings.TrimSpace(phone)
	if phone == "" {
		return core.Client{}, &core.ValidationError{Field: "phone", Reason: "required"}
	}
	var c core.Client
	err := s.DB.Pool.QueryRow(ctx, `
		INSERT INTO clients(user_id, name, phone) VALUES($1,$2,$3)
		RETURNING `+clientColumns, userID, name, phone).
		Scan(&c.ID, &c.UserID, &c.Name, &c.Phone, &c.LastContactedAt, &c.CreatedAt)
	return c, notFound(err)
}

func (s *Clients) Get(ctx context.Context, id string) (core.Client, error) {
	var c core.Client
	err := s.DB.Pool.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id=$1`, id).
		Scan(&c.ID, &c.UserID, &c.Name, &c.Phone, &c.LastContactedAt, &c.CreatedAt)
	return c, notFound(err)
}

// Owned keeps the request order. Malformed ids are dropped like foreign ones.
func (s *Clients) Owned(ctx context.Context, userID string, ids []string) ([]core.Client, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return []core.Client{}, nil
	}
	return s.list(ctx, `
		SELECT `+clientColumns+` FROM clients
		WHERE user_id=$1 AND id = ANY($2::uuid[])
		ORDER BY array_position($2::uuid[], id)
	`, userID, valid)
}

func (s *Clients) FindByPhone(ctx context.Context, phone string) ([]core.Client, error) {
	return s.list(ctx, `SELECT `+clientColumns+` FROM clients WHERE phone=$1 ORDER BY created_at`, strings.TrimSpace(phone))
}

func (s *Clients) list(ctx context.Context, q string, args ...any) ([]core.Client, error) {
	rows, err := s.DB.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, notFound(err)
	}
	defer rows.Close()
	out := []core.Client{}
	for rows.Next() {
		var c core.Client
		if err := rows.Scan(&c.ID, &c.UserID, &c.Name, &c.Phone, &c.LastContactedAt, &c.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, notFound(err)
	}
	return out, nil
}
