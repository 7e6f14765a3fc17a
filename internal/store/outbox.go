package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Cypherspark/sms-crm/internal/core"
	"github.com/Cypherspark/sms-crm/internal/db"
)

// Outbox reserves credits and records the outbound rows in one transaction.
type Outbox struct{ DB *db.DB }

var _ core.Outbox = (*Outbox)(nil)

func (o *Outbox) Record(ctx context.Context, userID, description string, msgs []core.Message) ([]core.Message, error) {
	if len(msgs) == 0 {
		return nil, &core.ValidationError{Field: "messages", Reason: "empty"}
	}
	out := make([]core.Message, 0, len(msgs))
	err := o.DB.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := reserve(ctx, tx, userID, len(msgs)*core.PricePerSMS, description); err != nil {
			return err
		}

		clientIDs := make([]string, 0, len(msgs))
		for _, m := range msgs {
			m.UserID = userID
			m.Direction = core.Outbound
			rec, err := insertMessage(ctx, tx, m)
			if err != nil {
				return err
			}
			out = append(out, rec)
			clientIDs = append(clientIDs, m.ClientID)
		}

		if _, err := tx.Exec(ctx, `UPDATE clients SET last_contacted_at=now() WHERE id = ANY($1::uuid[])`, clientIDs); err != nil {
			return fmt.Errorf("touch clients: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
