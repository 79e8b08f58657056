package idempotency

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"automation/internal/codec"
	"automation/internal/failure"
	"automation/internal/schema"
	"automation/pkg/exception"
)

// claimScript claims an effect atomically.
// KEYS[1] = claim key
// KEYS[2] = result key
// ARGV[1] = owner
// ARGV[2] = lease in milliseconds
// Returns {0, ""} claimed, {1, ""} in flight, {2, result} completed.
var claimScript = redis.NewScript(`
local result = redis.call("GET", KEYS[2])
if result then
    return {2, result}
end
if redis.call("SET", KEYS[1], ARGV[1], "NX", "PX", ARGV[2]) then
    return {0, ""}
end
return {1, ""}
`)

// releaseScript deletes a claim only when it is still held by the owner.
// KEYS[1] = claim key
// ARGV[1] = owner
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// checkpointScript records progress only while the claim is still held by the owner.
// KEYS[1] = claim key
// KEYS[2] = checkpoint hash key
// ARGV[1] = owner
// ARGV[2] = field
// ARGV[3] = value
// ARGV[4] = retention in milliseconds
var checkpointScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) ~= ARGV[1] then
    return 0
end
redis.call("HSET", KEYS[2], ARGV[2], ARGV[3])
redis.call("PEXPIRE", KEYS[2], ARGV[4])
return 1
`)

// DefaultKeyPrefix namespaces ledger keys.
const DefaultKeyPrefix = "effect:"

// Redis is a ledger shared by every executor of a horizontally scaled pool.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// NewRedis builds a ledger over client.
func NewRedis(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Redis{client: client, prefix: prefix}
}

func (l *Redis) claimKey(strategyID string, key schema.IdempotencyKey) string {
	return l.prefix + "claim:" + strategyID + ":" + key.Hex()
}

func (l *Redis) resultKey(strategyID string, key schema.IdempotencyKey) string {
	return l.prefix + "result:" + strategyID + ":" + key.Hex()
}

func (l *Redis) checkpointKey(strategyID string, key schema.IdempotencyKey) string {
	return l.prefix + "checkpoint:" + strategyID + ":" + key.Hex()
}

func (l *Redis) Claim(ctx context.Context, strategyID string, key schema.IdempotencyKey, owner string, lease time.Duration) (Claim, error) {
	if lease <= 0 {
		lease = DefaultLease
	}
	keys := []string{l.claimKey(strategyID, key), l.resultKey(strategyID, key)}
	res, err := claimScript.Run(ctx, l.client, keys, owner, lease.Milliseconds()).Result()
	if err != nil {
		return Claim{}, failure.Wrap(err, "run claim script")
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return Claim{}, failure.Wrap(exception.ErrInternal, "invalid response from claim script")
	}
	code, _ := values[0].(int64)
	switch code {
	case 0:
		return Claim{State: Claimed}, nil
	case 1:
		return Claim{State: InFlight}, nil
	case 2:
		stored, _ := values[1].(string)
		result, err := codec.DecodeEffectResult([]byte(stored))
		if err != nil {
			return Claim{}, failure.Wrap(err, "decode stored result")
		}
		return Claim{State: Completed, Result: result}, nil
	default:
		return Claim{}, failure.Wrap(exception.ErrInternal, "unexpected claim script code")
	}
}

func (l *Redis) Complete(ctx context.Context, result schema.EffectResult, retention time.Duration) error {
	if retention <= 0 {
		retention = DefaultRetention
	}
	body, err := codec.EncodeEffectResult(result)
	if err != nil {
		return failure.Wrap(err, "encode result")
	}
	_, err = l.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, l.resultKey(result.StrategyID, result.IdempotencyKey), body, retention)
		pipe.Del(ctx, l.checkpointKey(result.StrategyID, result.IdempotencyKey))
		return nil
	})
	if err != nil {
		return failure.Wrap(err, "store result")
	}
	return nil
}

func (l *Redis) Release(ctx context.Context, strategyID string, key schema.IdempotencyKey, owner string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.claimKey(strategyID, key)}, owner).Err(); err != nil {
		return failure.Wrap(err, "run release script")
	}
	return nil
}

func (l *Redis) Checkpoint(ctx context.Context, strategyID string, key schema.IdempotencyKey, owner, name, value string) error {
	keys := []string{l.claimKey(strategyID, key), l.checkpointKey(strategyID, key)}
	held, err := checkpointScript.Run(ctx, l.client, keys, owner, name, value, DefaultRetention.Milliseconds()).Int()
	if err != nil {
		return failure.Wrap(err, "run checkpoint script")
	}
	if held == 0 {
		return failure.Wrap(exception.ErrClaimLost, strategyID+" "+key.Hex())
	}
	return nil
}

func (l *Redis) Checkpoints(ctx context.Context, strategyID string, key schema.IdempotencyKey) (map[string]string, error) {
	marks, err := l.client.HGetAll(ctx, l.checkpointKey(strategyID, key)).Result()
	if err != nil {
		return nil, failure.Wrap(err, "read checkpoints")
	}
	return marks, nil
}
