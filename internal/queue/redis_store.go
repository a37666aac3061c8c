package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds connection settings for the Redis-backed store.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	Database int
	// StatsTTL bounds how long idle stats counters are retained
	StatsTTL time.Duration
	// Prefix namespaces every key, useful when sharing an instance
	Prefix string
}

// RedisStore implements Store on top of Redis. All mutations are single-key
// atomic operations or server-side scripts, so any number of queue managers
// and workers can share one instance.
type RedisStore struct {
	config    RedisConfig
	client    *redis.Client
	connected bool
}

var _ Store = (*RedisStore)(nil)

// popEligibleScript atomically moves the lowest-scored eligible member from
// the queue sorted set to the processing sorted set. Ties on the score are
// broken lexicographically, which matches insertion order because ids embed
// a fixed-width creation timestamp.
var popEligibleScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[2], ids[1])
return ids[1]
`)

// claimDeadLetterScript removes and returns the list element at a given
// index without racing concurrent claims.
var claimDeadLetterScript = redis.NewScript(`
local v = redis.call('LINDEX', KEYS[1], ARGV[1])
if not v then
  return false
end
redis.call('LSET', KEYS[1], ARGV[1], '__claimed__')
redis.call('LREM', KEYS[1], 1, '__claimed__')
return v
`)

// NewRedisStore creates a Redis-backed store. Call Connect before use.
func NewRedisStore(config RedisConfig) *RedisStore {
	if config.Port == 0 {
		config.Port = 6379
	}
	if config.StatsTTL == 0 {
		config.StatsTTL = 7 * 24 * time.Hour
	}
	return &RedisStore{config: config}
}

// Connect establishes and verifies the connection.
func (s *RedisStore) Connect(ctx context.Context) error {
	if s.connected {
		return nil
	}

	s.client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Password: s.config.Password,
		DB:       s.config.Database,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.connected = true
	return nil
}

// Close closes the connection.
func (s *RedisStore) Close() error {
	if !s.connected {
		return nil
	}
	if err := s.client.Close(); err != nil {
		return err
	}
	s.connected = false
	return nil
}

// Client exposes the underlying client so collaborators sharing the same
// Redis instance (the rate limiter) can reuse the connection pool.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Ping verifies the store is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	if !s.connected {
		return ErrStoreUnavailable
	}
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Key helpers. Layout follows the documented persisted-state contract.

func (s *RedisStore) messagesKey(tenant string) string {
	return fmt.Sprintf("%smessages:%s", s.config.Prefix, tenant)
}

func (s *RedisStore) queueKey(tenant string, channel Channel) string {
	return fmt.Sprintf("%squeue:%s:%s", s.config.Prefix, channel, tenant)
}

func (s *RedisStore) processingKey(tenant string, channel Channel) string {
	return fmt.Sprintf("%sprocessing:%s:%s", s.config.Prefix, channel, tenant)
}

func (s *RedisStore) deadLetterKey(tenant string) string {
	return fmt.Sprintf("%sdead_letter:%s", s.config.Prefix, tenant)
}

func (s *RedisStore) statsKey(tenant string, channel Channel) string {
	return fmt.Sprintf("%sstats:%s:%s", s.config.Prefix, channel, tenant)
}

func (s *RedisStore) wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// PutEnvelope writes or overwrites an envelope record.
func (s *RedisStore) PutEnvelope(ctx context.Context, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope %s: %w", env.ID, err)
	}
	return s.wrapErr("put envelope", s.client.HSet(ctx, s.messagesKey(env.TenantID), env.ID, data).Err())
}

// GetEnvelope retrieves one envelope by id.
func (s *RedisStore) GetEnvelope(ctx context.Context, tenant, id string) (*Envelope, error) {
	data, err := s.client.HGet(ctx, s.messagesKey(tenant), id).Result()
	if err == redis.Nil {
		return nil, ErrEnvelopeNotFound
	}
	if err != nil {
		return nil, s.wrapErr("get envelope", err)
	}

	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("unmarshal envelope %s: %w", id, err)
	}
	return &env, nil
}

// DeleteEnvelope removes an envelope record.
func (s *RedisStore) DeleteEnvelope(ctx context.Context, tenant, id string) error {
	return s.wrapErr("delete envelope", s.client.HDel(ctx, s.messagesKey(tenant), id).Err())
}

// ListEnvelopes returns every envelope for a tenant.
func (s *RedisStore) ListEnvelopes(ctx context.Context, tenant string) ([]*Envelope, error) {
	entries, err := s.client.HGetAll(ctx, s.messagesKey(tenant)).Result()
	if err != nil {
		return nil, s.wrapErr("list envelopes", err)
	}

	envs := make([]*Envelope, 0, len(entries))
	for id, data := range entries {
		var env Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return nil, fmt.Errorf("unmarshal envelope %s: %w", id, err)
		}
		envs = append(envs, &env)
	}
	return envs, nil
}

// AddToQueue inserts an id at the given eligible time.
func (s *RedisStore) AddToQueue(ctx context.Context, tenant string, channel Channel, id string, eligibleAt time.Time) error {
	member := redis.Z{Score: float64(eligibleAt.UnixMilli()), Member: id}
	return s.wrapErr("queue add", s.client.ZAdd(ctx, s.queueKey(tenant, channel), member).Err())
}

// PopEligible atomically pops the next eligible id and records it as
// processing.
func (s *RedisStore) PopEligible(ctx context.Context, tenant string, channel Channel, now time.Time) (string, error) {
	nowMs := now.UnixMilli()
	res, err := popEligibleScript.Run(ctx, s.client,
		[]string{s.queueKey(tenant, channel), s.processingKey(tenant, channel)},
		nowMs, nowMs,
	).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", s.wrapErr("pop eligible", err)
	}

	id, ok := res.(string)
	if !ok {
		return "", nil
	}
	return id, nil
}

// RemoveFromQueue deletes an id from a channel's queue.
func (s *RedisStore) RemoveFromQueue(ctx context.Context, tenant string, channel Channel, id string) error {
	return s.wrapErr("queue remove", s.client.ZRem(ctx, s.queueKey(tenant, channel), id).Err())
}

// InQueue reports whether an id is present in a channel's queue.
func (s *RedisStore) InQueue(ctx context.Context, tenant string, channel Channel, id string) (bool, error) {
	err := s.client.ZScore(ctx, s.queueKey(tenant, channel), id).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, s.wrapErr("queue score", err)
	}
	return true, nil
}

// QueueLength returns a channel's queue depth.
func (s *RedisStore) QueueLength(ctx context.Context, tenant string, channel Channel) (int64, error) {
	n, err := s.client.ZCard(ctx, s.queueKey(tenant, channel)).Result()
	if err != nil {
		return 0, s.wrapErr("queue length", err)
	}
	return n, nil
}

// RemoveProcessing drops an id from the processing index.
func (s *RedisStore) RemoveProcessing(ctx context.Context, tenant string, channel Channel, id string) error {
	return s.wrapErr("processing remove", s.client.ZRem(ctx, s.processingKey(tenant, channel), id).Err())
}

// StuckProcessing returns ids dequeued before the cutoff and never resolved.
func (s *RedisStore) StuckProcessing(ctx context.Context, tenant string, channel Channel, cutoff time.Time) ([]string, error) {
	ids, err := s.client.ZRangeByScore(ctx, s.processingKey(tenant, channel), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", cutoff.UnixMilli()),
	}).Result()
	if err != nil {
		return nil, s.wrapErr("stuck processing", err)
	}
	return ids, nil
}

// PushDeadLetter prepends a snapshot to the dead letter list.
func (s *RedisStore) PushDeadLetter(ctx context.Context, tenant string, env *Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal dead letter %s: %w", env.ID, err)
	}
	return s.wrapErr("dead letter push", s.client.LPush(ctx, s.deadLetterKey(tenant), data).Err())
}

// DeadLetters returns up to limit snapshots, newest first.
func (s *RedisStore) DeadLetters(ctx context.Context, tenant string, limit int64) ([]*Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	entries, err := s.client.LRange(ctx, s.deadLetterKey(tenant), 0, limit-1).Result()
	if err != nil {
		return nil, s.wrapErr("dead letter range", err)
	}

	envs := make([]*Envelope, 0, len(entries))
	for _, data := range entries {
		var env Envelope
		if err := json.Unmarshal([]byte(data), &env); err != nil {
			return nil, fmt.Errorf("unmarshal dead letter: %w", err)
		}
		envs = append(envs, &env)
	}
	return envs, nil
}

// ClaimDeadLetter atomically removes and returns the snapshot at index.
func (s *RedisStore) ClaimDeadLetter(ctx context.Context, tenant string, index int64) (*Envelope, error) {
	res, err := claimDeadLetterScript.Run(ctx, s.client, []string{s.deadLetterKey(tenant)}, index).Result()
	if err == redis.Nil {
		return nil, ErrEnvelopeNotFound
	}
	if err != nil {
		return nil, s.wrapErr("dead letter claim", err)
	}

	data, ok := res.(string)
	if !ok {
		return nil, ErrEnvelopeNotFound
	}

	var env Envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter: %w", err)
	}
	return &env, nil
}

// DeadLetterLength returns the dead letter backlog size.
func (s *RedisStore) DeadLetterLength(ctx context.Context, tenant string) (int64, error) {
	n, err := s.client.LLen(ctx, s.deadLetterKey(tenant)).Result()
	if err != nil {
		return 0, s.wrapErr("dead letter length", err)
	}
	return n, nil
}

// IncrCounter increments a stats counter and refreshes its retention TTL.
func (s *RedisStore) IncrCounter(ctx context.Context, tenant string, channel Channel, name string) error {
	key := s.statsKey(tenant, channel)
	pipe := s.client.TxPipeline()
	pipe.HIncrBy(ctx, key, name, 1)
	pipe.Expire(ctx, key, s.config.StatsTTL)
	_, err := pipe.Exec(ctx)
	return s.wrapErr("incr counter", err)
}

// Counters returns all stats counters for a channel.
func (s *RedisStore) Counters(ctx context.Context, tenant string, channel Channel) (map[string]int64, error) {
	entries, err := s.client.HGetAll(ctx, s.statsKey(tenant, channel)).Result()
	if err != nil {
		return nil, s.wrapErr("counters", err)
	}

	counters := make(map[string]int64, len(entries))
	for name, raw := range entries {
		var n int64
		if _, err := fmt.Sscanf(raw, "%d", &n); err != nil {
			continue
		}
		counters[name] = n
	}
	return counters, nil
}
