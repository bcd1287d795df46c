// Package broker issues and stores payment requirements for gated operations.
package broker

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentmesh/paygate/internal/ledger"
)

const requirementKeyPrefix = "payreq:"

// Requirement is one outstanding demand for payment. Owned exclusively by
// the broker; the gateway holds only transient references.
type Requirement struct {
	RequestID   string `json:"requestId"`
	Amount      string `json:"amount"`
	Token       string `json:"token"`
	Recipient   string `json:"address"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"createdAt"`
}

// Broker creates and resolves requirements. Entries expire after ttl so a
// hostile caller hammering the gate cannot grow the store without bound.
type Broker struct {
	rdb           *redis.Client
	tokenDecimals int
	ttl           time.Duration
}

func New(rdb *redis.Client, tokenDecimals int, ttl time.Duration) *Broker {
	return &Broker{rdb: rdb, tokenDecimals: tokenDecimals, ttl: ttl}
}

func requirementKey(requestID string) string {
	return requirementKeyPrefix + requestID
}

// NewRequestID composes a unix-nano timestamp with random bytes. Collision-free
// under concurrent calls without any shared counter or lock.
func NewRequestID() string {
	var suffix [6]byte
	_, _ = rand.Read(suffix[:])
	return fmt.Sprintf("pr_%d_%s", time.Now().UnixNano(), hex.EncodeToString(suffix[:]))
}

// Create validates the amount, issues a fresh requirement, and records it.
func (b *Broker) Create(ctx context.Context, amount, token, recipient, description string) (*Requirement, error) {
	if _, err := ledger.ParseAmount(amount, b.tokenDecimals); err != nil {
		return nil, err
	}

	r := &Requirement{
		RequestID:   NewRequestID(),
		Amount:      amount,
		Token:       token,
		Recipient:   recipient,
		Description: description,
		CreatedAt:   time.Now().Unix(),
	}

	key := requirementKey(r.RequestID)
	if err := b.rdb.HSet(ctx, key,
		"request_id", r.RequestID,
		"amount", r.Amount,
		"token", r.Token,
		"recipient", r.Recipient,
		"description", r.Description,
		"created_at", r.CreatedAt,
	).Err(); err != nil {
		return nil, fmt.Errorf("store requirement: %w", err)
	}
	if b.ttl > 0 {
		if err := b.rdb.Expire(ctx, key, b.ttl).Err(); err != nil {
			return nil, fmt.Errorf("expire requirement: %w", err)
		}
	}
	return r, nil
}

// Lookup returns the requirement for requestID, or nil when unknown or
// already evicted.
func (b *Broker) Lookup(ctx context.Context, requestID string) (*Requirement, error) {
	vals, err := b.rdb.HGetAll(ctx, requirementKey(requestID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}
	return requirementFromMap(vals), nil
}

// Settle removes a requirement once its payment has verified. Missing keys
// are fine; eviction may have raced us.
func (b *Broker) Settle(ctx context.Context, requestID string) error {
	return b.rdb.Del(ctx, requirementKey(requestID)).Err()
}

func requirementFromMap(m map[string]string) *Requirement {
	createdAt, _ := strconv.ParseInt(m["created_at"], 10, 64)
	return &Requirement{
		RequestID:   m["request_id"],
		Amount:      m["amount"],
		Token:       m["token"],
		Recipient:   m["recipient"],
		Description: m["description"],
		CreatedAt:   createdAt,
	}
}
