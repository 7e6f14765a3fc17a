package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Cypherspark/sms-crm/internal/core"
)

const pendingPrefix = "smscrm:pending:"

// PendingCallbacks parks status callbacks whose provider ref no message
// carries yet, one list per ref. Lists expire after TTL.
type PendingCallbacks struct {
	RDB *redis.Client
	TTL time.Duration
}

var _ core.Parker = (*PendingCallbacks)(nil)

func NewPendingCallbacks(rdb *redis.Client, ttl time.Duration) *PendingCallbacks {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &PendingCallbacks{RDB: rdb, TTL: ttl}
}

func (p *PendingCallbacks) Park(ctx context.Context, cb core.StatusCallback) error {
	raw, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	key := pendingPrefix + cb.ProviderRef
	pipe := p.RDB.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Expire(ctx, key, p.TTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Drain removes and returns every callback parked for providerRef, oldest
// first.
func (p *PendingCallbacks) Drain(ctx context.Context, providerRef string) ([]core.StatusCallback, error) {
	key := pendingPrefix + providerRef
	pipe := p.RDB.TxPipeline()
	items := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	out := make([]core.StatusCallback, 0, len(items.Val()))
	for _, raw := range items.Val() {
		var cb core.StatusCallback
		if err := json.Unmarshal([]byte(raw), &cb); err != nil {
			continue
		}
		out = append(out, cb)
	}
	return out, nil
}
