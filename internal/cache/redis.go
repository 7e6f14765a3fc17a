// Package cache keeps short-lived webhook bookkeeping in Redis.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/Cypherspark/sms-crm/internal/core"
)

const keyPrefix = "smscrm:cb:"

// CallbackDedup remembers applied callbacks for TTL so provider retries can
// be acknowledged without touching Postgres.
type CallbackDedup struct {
	RDB *redis.Client
	TTL time.Duration
}

var _ core.Deduper = (*CallbackDedup)(nil)

func NewCallbackDedup(rdb *redis.Client, ttl time.Duration) *CallbackDedup {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &CallbackDedup{RDB: rdb, TTL: ttl}
}

func (d *CallbackDedup) Seen(ctx context.Context, key string) (bool, error) {
	_, err := d.RDB.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *CallbackDedup) Remember(ctx context.Context, key string) error {
	return d.RDB.Set(ctx, keyPrefix+key, 1, d.TTL).Err()
}

func (d *CallbackDedup) Ping(ctx context.Context) error {
	return d.RDB.Ping(ctx).Err()
}
