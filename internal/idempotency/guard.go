// Package idempotency answers "was this message already processed?" cheaply.
// The answer is a hint: a false negative is resolved by the store's unique
// index, so a key is only marked after the message row is committed.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultTTL is how long a processed key is remembered outside the store.
const DefaultTTL = 24 * time.Hour

const keyPrefix = "idem:"

// Lookup is the authoritative existence check, normally the store.
type Lookup interface {
	MessageExists(ctx context.Context, instanceName, externalID string) (bool, error)
}

// Guard layers an in-process cache and an optional Redis set in front of
// the store.
type Guard struct {
	local  *cache.Cache
	rdb    *redis.Client
	lookup Lookup
	ttl    time.Duration
}

// NewGuard returns a Guard. rdb may be nil when Redis is not configured.
func NewGuard(lookup Lookup, rdb *redis.Client, ttl time.Duration) (*Guard, error) {
	if lookup == nil {
		return nil, fmt.Errorf("lookup cannot be nil")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{
		local:  cache.New(ttl, ttl/2),
		rdb:    rdb,
		lookup: lookup,
		ttl:    ttl,
	}, nil
}

// Key builds the dedup key for a message.
func Key(instanceName, externalID string) string {
	return keyPrefix + instanceName + ":" + externalID
}

// Seen reports whether the message was already processed. Redis failures
// fall through to the store; a store failure is returned.
func (g *Guard) Seen(ctx context.Context, instanceName, externalID string) (bool, error) {
	key := Key(instanceName, externalID)
	if _, found := g.local.Get(key); found {
		return true, nil
	}

	if g.rdb != nil {
		n, err := g.rdb.Exists(ctx, key).Result()
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Idempotency check against Redis failed, falling back to store")
		} else if n > 0 {
			g.local.SetDefault(key, true)
			return true, nil
		}
	}

	exists, err := g.lookup.MessageExists(ctx, instanceName, externalID)
	if err != nil {
		return false, fmt.Errorf("idempotency lookup: %w", err)
	}
	if exists {
		g.local.SetDefault(key, true)
	}
	return exists, nil
}

// MarkProcessed records the key after a successful commit. Errors only log:
// the store remains authoritative.
func (g *Guard) MarkProcessed(ctx context.Context, instanceName, externalID string) {
	key := Key(instanceName, externalID)
	g.local.SetDefault(key, true)
	if g.rdb == nil {
		return
	}
	if err := g.rdb.SetNX(ctx, key, 1, g.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to mark message as processed in Redis")
	}
}
