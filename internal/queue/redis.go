package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/ismaiel54/limit-order-pipeline/internal/order"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var _ Backend = (*RedisBackend)(nil)

// RedisConfig holds Redis queue configuration.
type RedisConfig struct {
	// Addr is the Redis server address (e.g., "localhost:6379")
	Addr string
	// Password for Redis authentication (empty for no auth)
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is prepended to all queue keys
	KeyPrefix string
	// Queue names the queue; several queues can share one Redis
	Queue string
}

// RedisConfigDefaults returns defaults for a local Redis.
func RedisConfigDefaults() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		DB:        0,
		KeyPrefix: "bull",
		Queue:     "orderQueue",
	}
}

// RedisBackend stores jobs in Redis. Every state change runs as a Lua
// script, and each claim holds a lock key with a TTL, so consumers in
// different processes never run the same job at once: Recover only takes
// back active jobs whose lock has expired.
//
// Layout under prefix:queue:
//
//	job:<id>   hash with the job fields
//	lock:<id>  claim token of the current holder, expires after the lease
//	wait       list, LPUSH to add and RPOP to claim
//	delayed    sorted set scored by runAt (unix ms)
//	active     set
//	completed  sorted set scored by finishedAt
//	failed     sorted set scored by finishedAt
type RedisBackend struct {
	client *redis.Client
	prefix string
	logger *zap.Logger
}

// NewRedisBackend connects to Redis. It does not ping; call Ping to check
// the connection.
func NewRedisBackend(cfg RedisConfig, logger *zap.Logger) (*RedisBackend, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	prefix := cfg.Queue
	if cfg.KeyPrefix != "" {
		prefix = cfg.KeyPrefix + ":" + cfg.Queue
	}

	return &RedisBackend{
		client: client,
		prefix: prefix,
		logger: logger.With(zap.String("component", "redis-queue")),
	}, nil
}

// Ping checks the Redis connection.
func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}

func (r *RedisBackend) key(name string) string {
	return r.prefix + ":" + name
}

func (r *RedisBackend) jobKeyPrefix() string {
	return r.prefix + ":job:"
}

func (r *RedisBackend) jobKey(id string) string {
	return r.jobKeyPrefix() + id
}

func (r *RedisBackend) lockKeyPrefix() string {
	return r.prefix + ":lock:"
}

func (r *RedisBackend) lockKey(id string) string {
	return r.lockKeyPrefix() + id
}

// KEYS: job, wait, completed, failed
// ARGV: id, payload, priority, enqueuedAt
var addScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if state == 'waiting' or state == 'delayed' or state == 'active' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('ZREM', KEYS[4], ARGV[1])
redis.call('HSET', KEYS[1],
  'id', ARGV[1], 'payload', ARGV[2], 'priority', ARGV[3],
  'state', 'waiting', 'attempt', '0', 'runAt', ARGV[4], 'enqueuedAt', ARGV[4])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// KEYS: wait, delayed, active
// ARGV: now, job key prefix, lock key prefix, token, lease ms
var claimScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('HSET', ARGV[2] .. id, 'state', 'waiting')
  redis.call('LPUSH', KEYS[1], id)
end
while true do
  local id = redis.call('RPOP', KEYS[1])
  if not id then
    return false
  end
  local key = ARGV[2] .. id
  if redis.call('HGET', key, 'state') == 'waiting' then
    redis.call('HSET', key, 'state', 'active')
    redis.call('HINCRBY', key, 'attempt', '1')
    redis.call('SADD', KEYS[3], id)
    redis.call('SET', ARGV[3] .. id, ARGV[4], 'PX', ARGV[5])
    return redis.call('HGETALL', key)
  end
end
`)

// KEYS: job, lock
// ARGV: token, lease ms
var extendScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state ~= 'active' then
  return 0
end
local holder = redis.call('GET', KEYS[2])
if holder and holder ~= ARGV[1] then
  return -2
end
redis.call('SET', KEYS[2], ARGV[1], 'PX', ARGV[2])
return 1
`)

// KEYS: job, active, target set, lock
// ARGV: id, new state, timestamp field, timestamp, reason, token
var moveScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state ~= 'active' then
  return 0
end
local holder = redis.call('GET', KEYS[4])
if holder and holder ~= ARGV[6] then
  return -2
end
redis.call('DEL', KEYS[4])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', ARGV[2], ARGV[3], ARGV[4])
if ARGV[5] ~= '' then
  redis.call('HSET', KEYS[1], 'lastError', ARGV[5])
end
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

// KEYS: job, active, wait, lock
// ARGV: id, token
var requeueScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
  return -1
end
if state ~= 'active' then
  return 0
end
local holder = redis.call('GET', KEYS[4])
if holder and holder ~= ARGV[2] then
  return -2
end
redis.call('DEL', KEYS[4])
redis.call('SREM', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'state', 'waiting')
if tonumber(redis.call('HGET', KEYS[1], 'attempt') or '0') > 0 then
  redis.call('HINCRBY', KEYS[1], 'attempt', '-1')
end
redis.call('RPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS: active, wait
// ARGV: job key prefix, lock key prefix
var recoverScript = redis.NewScript(`
local n = 0
for _, id in ipairs(redis.call('SMEMBERS', KEYS[1])) do
  if redis.call('EXISTS', ARGV[2] .. id) == 0 then
    redis.call('SREM', KEYS[1], id)
    redis.call('HSET', ARGV[1] .. id, 'state', 'waiting')
    redis.call('RPUSH', KEYS[2], id)
    n = n + 1
  end
end
return n
`)

// KEYS: completed, failed
// ARGV: completed cutoff ms or '', completed keep count, failed cutoff ms or '', job key prefix
var pruneScript = redis.NewScript(`
local removed = 0
local function drop(set, ids)
  for _, id in ipairs(ids) do
    redis.call('ZREM', set, id)
    redis.call('DEL', ARGV[4] .. id)
    removed = removed + 1
  end
end
if ARGV[1] ~= '' then
  drop(KEYS[1], redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1]))
end
if tonumber(ARGV[2]) > 0 then
  drop(KEYS[1], redis.call('ZREVRANGE', KEYS[1], ARGV[2], '-1'))
end
if ARGV[3] ~= '' then
  drop(KEYS[2], redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[3]))
end
return removed
`)

func (r *RedisBackend) Add(ctx context.Context, job Job) (bool, error) {
	payload, err := json.Marshal(job.Payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal payload: %w", err)
	}

	keys := []string{r.jobKey(job.ID), r.key("wait"), r.key("completed"), r.key("failed")}
	added, err := addScript.Run(ctx, r.client, keys,
		job.ID, string(payload), job.Priority, job.EnqueuedAt.UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to add job: %w", err)
	}
	return added == 1, nil
}

func (r *RedisBackend) Claim(ctx context.Context, now time.Time, lease time.Duration) (Job, bool, error) {
	token := uuid.NewString()
	keys := []string{r.key("wait"), r.key("delayed"), r.key("active")}
	res, err := claimScript.Run(ctx, r.client, keys,
		now.UnixMilli(), r.jobKeyPrefix(), r.lockKeyPrefix(), token, leaseMillis(lease)).StringSlice()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("failed to claim job: %w", err)
	}

	fields := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		fields[res[i]] = res[i+1]
	}
	job, err := decodeJob(fields)
	if err != nil {
		return Job{}, false, err
	}
	job.Token = token
	return job, true, nil
}

// Extend renews the lock TTL; now is unused since Redis expires the key
func (r *RedisBackend) Extend(ctx context.Context, id, token string, now time.Time, lease time.Duration) error {
	res, err := extendScript.Run(ctx, r.client, []string{r.jobKey(id), r.lockKey(id)},
		token, leaseMillis(lease)).Int()
	if err != nil {
		return fmt.Errorf("failed to extend job lock: %w", err)
	}
	return scriptResult(id, res)
}

func (r *RedisBackend) Retry(ctx context.Context, id, token string, runAt time.Time, reason string) error {
	return r.move(ctx, id, token, StateDelayed, "delayed", "runAt", runAt, reason)
}

func (r *RedisBackend) Complete(ctx context.Context, id, token string, now time.Time) error {
	return r.move(ctx, id, token, StateCompleted, "completed", "finishedAt", now, "")
}

func (r *RedisBackend) Fail(ctx context.Context, id, token string, now time.Time, reason string) error {
	return r.move(ctx, id, token, StateFailed, "failed", "finishedAt", now, reason)
}

func (r *RedisBackend) move(ctx context.Context, id, token string, to State, set, field string, at time.Time, reason string) error {
	keys := []string{r.jobKey(id), r.key("active"), r.key(set), r.lockKey(id)}
	res, err := moveScript.Run(ctx, r.client, keys, id, string(to), field, at.UnixMilli(), reason, token).Int()
	if err != nil {
		return fmt.Errorf("failed to move job to %s: %w", to, err)
	}
	return scriptResult(id, res)
}

func (r *RedisBackend) Requeue(ctx context.Context, id, token string) error {
	keys := []string{r.jobKey(id), r.key("active"), r.key("wait"), r.lockKey(id)}
	res, err := requeueScript.Run(ctx, r.client, keys, id, token).Int()
	if err != nil {
		return fmt.Errorf("failed to requeue job: %w", err)
	}
	return scriptResult(id, res)
}

// scriptResult maps the status codes shared by the job scripts
func scriptResult(id string, res int) error {
	switch res {
	case -1:
		return fmt.Errorf("job %s: %w", id, ErrJobNotFound)
	case -2:
		return fmt.Errorf("job %s: %w", id, ErrLockLost)
	case 0:
		return fmt.Errorf("job %s: %w", id, ErrNotActive)
	}
	return nil
}

func leaseMillis(lease time.Duration) int64 {
	if ms := lease.Milliseconds(); ms > 0 {
		return ms
	}
	return 1
}

func (r *RedisBackend) Get(ctx context.Context, id string) (Job, bool, error) {
	fields, err := r.client.HGetAll(ctx, r.jobKey(id)).Result()
	if err != nil {
		return Job{}, false, fmt.Errorf("failed to get job: %w", err)
	}
	if len(fields) == 0 {
		return Job{}, false, nil
	}
	job, err := decodeJob(fields)
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// Recover requeues active jobs whose lock key has expired. Lock expiry is
// kept by Redis, so now is unused.
func (r *RedisBackend) Recover(ctx context.Context, now time.Time) (int, error) {
	keys := []string{r.key("active"), r.key("wait")}
	n, err := recoverScript.Run(ctx, r.client, keys, r.jobKeyPrefix(), r.lockKeyPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to recover stalled jobs: %w", err)
	}
	return n, nil
}

// Prune selects and deletes in one script so a job re-added in between is
// never removed
func (r *RedisBackend) Prune(ctx context.Context, now time.Time, policy Retention) (int, error) {
	completedCutoff, failedCutoff := "", ""
	if policy.CompletedAge > 0 {
		completedCutoff = strconv.FormatInt(now.Add(-policy.CompletedAge).UnixMilli(), 10)
	}
	if policy.FailedAge > 0 {
		failedCutoff = strconv.FormatInt(now.Add(-policy.FailedAge).UnixMilli(), 10)
	}

	keys := []string{r.key("completed"), r.key("failed")}
	n, err := pruneScript.Run(ctx, r.client, keys,
		completedCutoff, policy.CompletedCount, failedCutoff, r.jobKeyPrefix()).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}
	return n, nil
}

func decodeJob(fields map[string]string) (Job, error) {
	job := Job{
		ID:        fields["id"],
		State:     State(fields["state"]),
		LastError: fields["lastError"],
	}

	if raw := fields["payload"]; raw != "" {
		var payload order.JobPayload
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return Job{}, fmt.Errorf("failed to unmarshal payload for job %s: %w", job.ID, err)
		}
		job.Payload = payload
	}

	job.Priority, _ = strconv.Atoi(fields["priority"])
	job.Attempt, _ = strconv.Atoi(fields["attempt"])
	job.RunAt = parseMillis(fields["runAt"])
	job.EnqueuedAt = parseMillis(fields["enqueuedAt"])
	job.FinishedAt = parseMillis(fields["finishedAt"])
	return job, nil
}

func parseMillis(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
