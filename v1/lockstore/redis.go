package lockstore

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"sort"
	"time"

	redis "github.com/redis/go-redis/v9"

	latcherrors "github.com/openpdm/latch/v1/errors"
)

const (
	defaultRedisOpTimeout = 5 * time.Second
	redisLockPrefix       = "latch:lock:"
)

// releaseScript deletes the lock only when the stored holder matches.
// Returns 1 on delete, 0 on holder mismatch, -1 when no lock exists.
var releaseScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
    return -1
end
local rec = cjson.decode(v)
if rec.holder == ARGV[1] then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`)

// Redis implements Store on a shared Redis backend so several engine
// replicas can serve the same lock table. Atomicity of the check-and-set is
// delegated to SET NX and a holder-checked delete script.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
	now     func() time.Time
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithRedisTimeout sets the per-operation timeout for Redis calls.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(s *Redis) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRedisClock overrides the time source, mainly for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(s *Redis) {
		if now != nil {
			s.now = now
		}
	}
}

// NewRedis returns a Redis-backed lock store using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	s := &Redis{client: client, timeout: defaultRedisOpTimeout, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func redisKey(resource string) string {
	return redisLockPrefix + resource
}

func translateRedisErr(err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return latcherrors.ErrTimeout
	}
	return err
}

// Acquire implements Store.Acquire.
func (s *Redis) Acquire(ctx context.Context, resource, identity, note string) (*LockRecord, error) {
	rec := LockRecord{
		Resource:   resource,
		Holder:     identity,
		AcquiredAt: s.now().UTC(),
		Note:       note,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}
	for {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		ok, err := s.client.SetNX(cctx, redisKey(resource), payload, 0).Result()
		cancel()
		if err != nil {
			return nil, translateRedisErr(err)
		}
		if ok {
			out := rec
			return &out, nil
		}
		existing, err := s.Get(ctx, resource)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			// Holder vanished between SETNX and GET; retry the claim.
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}
		return nil, &latcherrors.ConflictError{Resource: resource, Holder: existing.Holder}
	}
}

// Release implements Store.Release.
func (s *Redis) Release(ctx context.Context, resource, identity string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	res, err := releaseScript.Run(cctx, s.client, []string{redisKey(resource)}, identity).Int()
	if err != nil {
		return translateRedisErr(err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return latcherrors.ErrNotOwner
	default:
		return latcherrors.ErrNotLocked
	}
}

// ForceRelease implements Store.ForceRelease.
func (s *Redis) ForceRelease(ctx context.Context, resource string) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	n, err := s.client.Del(cctx, redisKey(resource)).Result()
	if err != nil {
		return translateRedisErr(err)
	}
	if n == 0 {
		return latcherrors.ErrNotLocked
	}
	return nil
}

// Get implements Store.Get.
func (s *Redis) Get(ctx context.Context, resource string) (*LockRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	data, err := s.client.Get(cctx, redisKey(resource)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, translateRedisErr(err)
	}
	var rec LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Snapshot implements Store.Snapshot by scanning the lock key prefix.
func (s *Redis) Snapshot(ctx context.Context) ([]LockRecord, error) {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var (
		out    []LockRecord
		cursor uint64
	)
	for {
		keys, next, err := s.client.Scan(cctx, cursor, redisLockPrefix+"*", 100).Result()
		if err != nil {
			return nil, translateRedisErr(err)
		}
		for _, key := range keys {
			data, err := s.client.Get(cctx, key).Bytes()
			if err == redis.Nil {
				continue // released between scan and read
			}
			if err != nil {
				return nil, translateRedisErr(err)
			}
			var rec LockRecord
			if err := json.Unmarshal(data, &rec); err != nil {
				return nil, err
			}
			out = append(out, rec)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out, nil
}
