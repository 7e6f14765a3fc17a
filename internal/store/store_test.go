package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Cypherspark/sms-crm/internal/core"
	"github.com/Cypherspark/sms-crm/internal/db"
	"github.com/Cypherspark/sms-crm/internal/store"
)

type fixture struct {
	db       *db.DB
	users    *store.Users
	clients  *store.Clients
	ledger   *store.Ledger
	messages *store.Messages
	outbox   *store.Outbox
}

func setup(t *testing.T) *fixture {
	t.Helper()
	d := db.StartTestPostgres(t)
	return &fixture{
		db:       d,
		users:    &store.Users{DB: d},
		clients:  &store.Clients{DB: d},
		ledger:   &store.Ledger{DB: d},
		messages: &store.Messages{DB: d},
		outbox:   &store.Outbox{DB: d},
	}
}

func (f *fixture) user(t *testing.T, credits int) string {
	t.Helper()
	ctx := context.Background()
	uid, err := f.users.Create(ctx, "acme")
	require.NoError(t, err)
	if credits > 0 {
		_, err = f.ledger.Grant(ctx, core.Grant{UserID: uid, Amount: credits, Type: core.TxPurchase, Description: "seed"})
		require.NoError(t, err)
	}
	return uid
}

func (f *fixture) client(t *testing.T, userID, phone string) core.Client {
	t.Helper()
	c, err := f.clients.Create(context.Background(), userID, "client "+phone, phone)
	require.NoError(t, err)
	return c
}

func queued(userID, clientID string, batchID *string) core.Message {
	return core.Message{
		ID:        core.NewMessageID(),
		UserID:    userID,
		ClientID:  clientID,
		Content:   "hello",
		Direction: core.Outbound,
		Status:    core.StatusQueued,
		BatchID:   batchID,
	}
}

func ptr(s string) *string { return &s }
