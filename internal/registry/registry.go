// Package registry is the authoritative off-chain bookkeeping for channels
// and payment records. It is the single source of truth for "has this role
// been paid, how much, at what nonce"; the chain is consulted only for
// confirmed channel state.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/mediafoundry/orchestrator/internal/payment"
)

var (
	// ErrAlreadyOpened is returned when channels were already recorded for a
	// request. Duplicate opens indicate a retry bug and must not overwrite.
	ErrAlreadyOpened = errors.New("channels already recorded for request")

	// ErrStaleNonce is returned when a payment record does not advance the
	// channel's nonce. The nonce is the sole replay defense on-chain, so the
	// registry refuses to move it backwards.
	ErrStaleNonce = errors.New("payment nonce not increasing")

	// ErrNotFound is returned for missing requests or payment records.
	ErrNotFound = errors.New("not found")
)

// Redis key templates
const (
	channelsKeyFmt = "request:%d:channels"
	paymentKeyFmt  = "payment:%d:%s" // requestID, role
	seenKeyFmt     = "request:%d:seen"
	statusKeyFmt   = "request:%d:status"
)

// Registry is the bookkeeping contract used by the pipeline, claim service
// and API. Implementations must serialize mutations per (request, role);
// different requests must not block each other.
type Registry interface {
	RecordChannelsOpened(ctx context.Context, requestID uint64, channelIDs []common.Hash) error
	ChannelsForRequest(ctx context.Context, requestID uint64) ([]common.Hash, error)
	RecordPayment(ctx context.Context, requestID uint64, role payment.Role, rec payment.Record) error
	GetPayment(ctx context.Context, requestID uint64, role payment.Role) (*payment.Record, error)
	AllPayments(ctx context.Context, requestID uint64) (map[payment.Role]*payment.Record, error)
	MarkClaimed(ctx context.Context, requestID uint64, role payment.Role) error
	MarkRequestSeen(ctx context.Context, requestID uint64) (bool, error)
	SetStatus(ctx context.Context, requestID uint64, status string) error
	GetStatus(ctx context.Context, requestID uint64) (string, error)
}

// recordPaymentScript stores a record only if its nonce is strictly greater
// than the stored one. Runs atomically inside Redis, which serializes
// concurrent settlements for the same (request, role).
var recordPaymentScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if cur then
	local prev = cjson.decode(cur)
	if tonumber(ARGV[2]) <= tonumber(prev["nonce"]) then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[1])
return 1
`)

// RedisRegistry implements Registry on a Redis client.
type RedisRegistry struct {
	rdb *redis.Client
}

func NewRedis(rdb *redis.Client) *RedisRegistry {
	return &RedisRegistry{rdb: rdb}
}

// RecordChannelsOpened stores the ordered channel list for a request exactly
// once. A second call is a state conflict, not an overwrite.
func (r *RedisRegistry) RecordChannelsOpened(ctx context.Context, requestID uint64, channelIDs []common.Hash) error {
	raw, err := json.Marshal(channelIDs)
	if err != nil {
		return fmt.Errorf("marshal channels: %w", err)
	}
	ok, err := r.rdb.SetNX(ctx, fmt.Sprintf(channelsKeyFmt, requestID), string(raw), 0).Result()
	if err != nil {
		return fmt.Errorf("record channels: %w", err)
	}
	if !ok {
		return fmt.Errorf("request %d: %w", requestID, ErrAlreadyOpened)
	}
	return nil
}

func (r *RedisRegistry) ChannelsForRequest(ctx context.Context, requestID uint64) ([]common.Hash, error) {
	raw, err := r.rdb.Get(ctx, fmt.Sprintf(channelsKeyFmt, requestID)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("request %d channels: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get channels: %w", err)
	}
	var ids []common.Hash
	if err := json.Unmarshal([]byte(raw), &ids); err != nil {
		return nil, fmt.Errorf("unmarshal channels: %w", err)
	}
	return ids, nil
}

func (r *RedisRegistry) RecordPayment(ctx context.Context, requestID uint64, role payment.Role, rec payment.Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	key := fmt.Sprintf(paymentKeyFmt, requestID, role)
	n, err := recordPaymentScript.Run(ctx, r.rdb, []string{key}, string(raw), rec.Nonce).Int()
	if err != nil {
		return fmt.Errorf("record payment: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("request %d role %s nonce %d: %w", requestID, role, rec.Nonce, ErrStaleNonce)
	}
	return nil
}

func (r *RedisRegistry) GetPayment(ctx context.Context, requestID uint64, role payment.Role) (*payment.Record, error) {
	raw, err := r.rdb.Get(ctx, fmt.Sprintf(paymentKeyFmt, requestID, role)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	var rec payment.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return &rec, nil
}

func (r *RedisRegistry) AllPayments(ctx context.Context, requestID uint64) (map[payment.Role]*payment.Record, error) {
	out := make(map[payment.Role]*payment.Record, len(payment.Roles()))
	for _, role := range payment.Roles() {
		rec, err := r.GetPayment(ctx, requestID, role)
		if err != nil {
			return nil, err
		}
		out[role] = rec
	}
	return out, nil
}

// MarkClaimed flips the record status signed→claimed. The record itself is
// never deleted; a claimed record is the audit trail of the payout.
func (r *RedisRegistry) MarkClaimed(ctx context.Context, requestID uint64, role payment.Role) error {
	rec, err := r.GetPayment(ctx, requestID, role)
	if err != nil {
		return err
	}
	if rec == nil {
		return fmt.Errorf("request %d role %s payment: %w", requestID, role, ErrNotFound)
	}
	rec.Status = payment.StatusClaimed
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	return r.rdb.Set(ctx, fmt.Sprintf(paymentKeyFmt, requestID, role), string(raw), 0).Err()
}

// MarkRequestSeen reports whether this is the first intake of the request.
// The listener uses it to tolerate event redelivery.
func (r *RedisRegistry) MarkRequestSeen(ctx context.Context, requestID uint64) (bool, error) {
	first, err := r.rdb.SetNX(ctx, fmt.Sprintf(seenKeyFmt, requestID), 1, 0).Result()
	if err != nil {
		return false, fmt.Errorf("mark request seen: %w", err)
	}
	return first, nil
}

func (r *RedisRegistry) SetStatus(ctx context.Context, requestID uint64, status string) error {
	return r.rdb.Set(ctx, fmt.Sprintf(statusKeyFmt, requestID), status, 0).Err()
}

func (r *RedisRegistry) GetStatus(ctx context.Context, requestID uint64) (string, error) {
	s, err := r.rdb.Get(ctx, fmt.Sprintf(statusKeyFmt, requestID)).Result()
	if err == redis.Nil {
		return "", fmt.Errorf("request %d status: %w", requestID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("get status: %w", err)
	}
	return s, nil
}
