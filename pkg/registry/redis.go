package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// reserveScript atomically checks and reserves a key, the same way the
// reference's kernel.RedisLimiterStore uses a Lua script so the
// check-then-set of a rate limiter's token bucket cannot race. Here the
// invariant is simpler (first writer wins, no expiry) but the atomicity
// requirement is identical: two concurrent Reserve calls for the same key
// must not both succeed.
//
// KEYS[1] = registry key ("protocol:address:version")
// ARGV[1] = executionId attempting to reserve
// ARGV[2] = flowId
//
// Returns 1 if reserved (or already held by this same executionId), 0 if
// held by a different executionId (with that holder's id as the second
// return value).
var reserveScript = redis.NewScript(`
local key = KEYS[1]
local executionId = ARGV[1]
local flowId = ARGV[2]

local existing = redis.call("HGET", key, "executionId")
if existing and existing ~= executionId then
    return {0, existing}
end

redis.call("HMSET", key, "executionId", executionId, "flowId", flowId)
return {1, executionId}
`)

// RedisRegistry backs the Active Address Registry with Redis so it is
// linearizable across a cluster of orchestrator replicas, satisfying the
// "only globally-coordinated component" requirement of spec.md §5.
type RedisRegistry struct {
	client *redis.Client
	prefix string
}

// NewRedis builds a RedisRegistry. prefix namespaces keys in a shared
// Redis instance (e.g. "flowkit:registry:").
func NewRedis(client *redis.Client, prefix string) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: prefix}
}

func (r *RedisRegistry) redisKey(key Key) string {
	return r.prefix + key.String()
}

func (r *RedisRegistry) Reserve(ctx context.Context, key Key, executionID, flowID string) error {
	res, err := reserveScript.Run(ctx, r.client, []string{r.redisKey(key)}, executionID, flowID).Result()
	if err != nil {
		return fmt.Errorf("registry: redis reserve failed: %w", err)
	}
	items, ok := res.([]any)
	if !ok || len(items) != 2 {
		return errors.New("registry: unexpected redis script result shape")
	}
	allowed, _ := items[0].(int64)
	if allowed == 0 {
		holderID, _ := items[1].(string)
		return fmt.Errorf("%w: %s held by execution %s", ErrConflict, key, holderID)
	}
	return nil
}

func (r *RedisRegistry) Release(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, r.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("registry: redis release failed: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Holder(ctx context.Context, key Key) (Holder, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.redisKey(key)).Result()
	if err != nil {
		return Holder{}, false, fmt.Errorf("registry: redis lookup failed: %w", err)
	}
	executionID, ok := vals["executionId"]
	if !ok {
		return Holder{}, false, nil
	}
	return Holder{ExecutionID: executionID, FlowID: vals["flowId"]}, true, nil
}
