package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reapScript atomically pops every pending command whose deadline has
// elapsed: it reads the sorted-set members scored by deadline unix-nano,
// removes them from the set and their hash entries, and returns the
// serialized PendingCommand payloads. The same atomic
// check-then-mutate-under-one-script discipline as the reference's
// kernel.RedisLimiterStore token bucket, applied here to a reap instead
// of a rate check.
//
// KEYS[1] = sorted set key (deadlines)
// KEYS[2] = hash key (correlationId -> serialized PendingCommand)
// ARGV[1] = now (unix nano)
var reapScript = redis.NewScript(`
local zkey = KEYS[1]
local hkey = KEYS[2]
local now = ARGV[1]

local expired = redis.call("ZRANGEBYSCORE", zkey, "-inf", now)
if #expired == 0 then
    return {}
end

local payloads = {}
for i, id in ipairs(expired) do
    local payload = redis.call("HGET", hkey, id)
    if payload then
        table.insert(payloads, payload)
        redis.call("HDEL", hkey, id)
    end
end
redis.call("ZREM", zkey, unpack(expired))
return payloads
`)

// RedisDeadlineIndex backs the pending-command deadline index with Redis
// so a clustered deployment's Adapter instances see a consistent view of
// which commands have timed out.
type RedisDeadlineIndex struct {
	client *redis.Client
	zkey   string
	hkey   string
}

// NewRedisDeadlineIndex builds a RedisDeadlineIndex. prefix namespaces the
// sorted set and hash keys in a shared Redis instance.
func NewRedisDeadlineIndex(client *redis.Client, prefix string) *RedisDeadlineIndex {
	return &RedisDeadlineIndex{
		client: client,
		zkey:   prefix + "bus:deadlines",
		hkey:   prefix + "bus:pending",
	}
}

func (r *RedisDeadlineIndex) Track(ctx context.Context, pc PendingCommand) error {
	payload, err := json.Marshal(pc)
	if err != nil {
		return fmt.Errorf("bus: marshal pending command: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, r.zkey, redis.Z{Score: float64(pc.Deadline.UnixNano()), Member: pc.CorrelationID})
	pipe.HSet(ctx, r.hkey, pc.CorrelationID, payload)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bus: track pending command: %w", err)
	}
	return nil
}

func (r *RedisDeadlineIndex) Clear(ctx context.Context, correlationID string) error {
	pipe := r.client.TxPipeline()
	pipe.ZRem(ctx, r.zkey, correlationID)
	pipe.HDel(ctx, r.hkey, correlationID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bus: clear pending command: %w", err)
	}
	return nil
}

func (r *RedisDeadlineIndex) Get(ctx context.Context, correlationID string) (PendingCommand, bool, error) {
	payload, err := r.client.HGet(ctx, r.hkey, correlationID).Result()
	if err == redis.Nil {
		return PendingCommand{}, false, nil
	}
	if err != nil {
		return PendingCommand{}, false, fmt.Errorf("bus: get pending command: %w", err)
	}
	var pc PendingCommand
	if err := json.Unmarshal([]byte(payload), &pc); err != nil {
		return PendingCommand{}, false, fmt.Errorf("bus: unmarshal pending command: %w", err)
	}
	return pc, true, nil
}

func (r *RedisDeadlineIndex) ReapExpired(ctx context.Context, now time.Time) ([]PendingCommand, error) {
	res, err := reapScript.Run(ctx, r.client, []string{r.zkey, r.hkey}, now.UnixNano()).Result()
	if err != nil {
		return nil, fmt.Errorf("bus: reap expired commands: %w", err)
	}
	items, ok := res.([]any)
	if !ok {
		return nil, nil
	}
	out := make([]PendingCommand, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			continue
		}
		var pc PendingCommand
		if err := json.Unmarshal([]byte(s), &pc); err != nil {
			return nil, fmt.Errorf("bus: unmarshal reaped pending command: %w", err)
		}
		out = append(out, pc)
	}
	return out, nil
}
