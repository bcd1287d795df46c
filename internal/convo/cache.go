// Package convo remembers which conversations have already paid.
package convo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const stateKeyPrefix = "convo:"

// State is the payment standing of one conversation.
type State struct {
	ContextID     string
	Verified      bool
	SettlementRef string
	VerifiedAt    int64
}

// Cache is the conversation payment cache. Once a context verifies it stays
// verified for its recorded lifetime: trust-on-first-verify, the protocol
// never re-demands payment from a context it has already cleared.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{rdb: rdb, ttl: ttl}
}

func stateKey(contextID string) string {
	return stateKeyPrefix + contextID
}

// IsVerified reports whether contextID has a cleared payment. Reads refresh
// the TTL so active conversations stay cleared.
func (c *Cache) IsVerified(ctx context.Context, contextID string) (bool, error) {
	key := stateKey(contextID)
	v, err := c.rdb.HGet(ctx, key, "verified").Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read conversation state: %w", err)
	}
	verified := v == "1"
	if verified && c.ttl > 0 {
		_ = c.rdb.Expire(ctx, key, c.ttl).Err()
	}
	return verified, nil
}

// MarkVerified records a cleared payment for contextID. Idempotent: a second
// call only refreshes the stored reference (last writer wins).
func (c *Cache) MarkVerified(ctx context.Context, contextID, settlementRef string) error {
	key := stateKey(contextID)
	if err := c.rdb.HSet(ctx, key,
		"context_id", contextID,
		"verified", "1",
		"settlement_ref", settlementRef,
		"verified_at", time.Now().Unix(),
	).Err(); err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if c.ttl > 0 {
		if err := c.rdb.Expire(ctx, key, c.ttl).Err(); err != nil {
			return fmt.Errorf("expire conversation state: %w", err)
		}
	}
	return nil
}

// Get returns the full state for contextID, or nil when unknown.
func (c *Cache) Get(ctx context.Context, contextID string) (*State, error) {
	vals, err := c.rdb.HGetAll(ctx, stateKey(contextID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	verifiedAt, _ := strconv.ParseInt(vals["verified_at"], 10, 64)
	return &State{
		ContextID:     vals["context_id"],
		Verified:      vals["verified"] == "1",
		SettlementRef: vals["settlement_ref"],
		VerifiedAt:    verifiedAt,
	}, nil
}
