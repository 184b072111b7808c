package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	latcherrors "github.com/openpdm/latch/v1/errors"
)

var tracer = otel.Tracer("github.com/openpdm/latch/v1/journal")

const (
	defaultRedisOpTimeout = 5 * time.Second
	redisSeqKey           = "latch:journal:seq"
	redisRecordPrefix     = "latch:journal:rec:"
)

// intentScript allocates the next sequence number and writes the pending
// record in one atomic step, so a consumed sequence number can never lack a
// corresponding durable record.
var intentScript = redis.NewScript(`
local seq = redis.call("INCR", KEYS[1])
redis.call("HSET", ARGV[1] .. seq, "payload", ARGV[2], "status", "pending")
return seq
`)

// Redis is a Journal backed by a shared Redis instance. Records live under
// one key per sequence number; the sequence counter itself defines append
// order, so readers detect corruption as a missing record below the counter.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
	now     func() time.Time
}

// RedisOption configures a Redis journal.
type RedisOption func(*Redis)

// WithRedisTimeout sets the per-operation timeout for Redis calls.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(j *Redis) {
		if d > 0 {
			j.timeout = d
		}
	}
}

// WithRedisClock overrides the time source, mainly for tests.
func WithRedisClock(now func() time.Time) RedisOption {
	return func(j *Redis) {
		if now != nil {
			j.now = now
		}
	}
}

// NewRedis returns a Redis-backed journal using the provided client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	j := &Redis{client: client, timeout: defaultRedisOpTimeout, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", latcherrors.ErrPersistenceUnavailable, err)
}

// Commit implements Journal.Commit.
func (j *Redis) Commit(ctx context.Context, entry Entry, apply func(context.Context) error) (*AuditEvent, error) {
	ctx, span := tracer.Start(ctx, "Journal.Commit",
		trace.WithAttributes(
			attribute.String("latch.journal.action", string(entry.Action)),
			attribute.String("latch.journal.resource", entry.Resource),
		))
	defer span.End()

	ev := AuditEvent{
		ID:        uuid.NewString(),
		Timestamp: j.now().UTC(),
		Actor:     entry.Actor,
		Action:    entry.Action,
		Resource:  entry.Resource,
		Detail:    entry.Detail,
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}

	cctx, cancel := context.WithTimeout(ctx, j.timeout)
	seq, err := intentScript.Run(cctx, j.client, []string{redisSeqKey}, redisRecordPrefix, payload).Int64()
	cancel()
	if err != nil {
		return nil, unavailable(err)
	}
	ev.Seq = uint64(seq)
	recKey := redisRecordPrefix + strconv.FormatInt(seq, 10)

	if err := apply(ctx); err != nil {
		j.setStatus(ctx, recKey, string(statusAborted))
		return nil, err
	}

	cctx, cancel = context.WithTimeout(ctx, j.timeout)
	err = j.client.HSet(cctx, recKey, "status", string(statusFinalized)).Err()
	cancel()
	if err != nil {
		// The mutation is applied but not durably finalized; report failure
		// so the caller runs its compensating undo, and leave the record
		// aborted for reviewers.
		j.setStatus(ctx, recKey, string(statusAborted))
		return nil, unavailable(err)
	}
	out := ev
	return &out, nil
}

// setStatus is best effort; a failed abort only leaves a pending record,
// which readers already skip.
func (j *Redis) setStatus(ctx context.Context, key, status string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.timeout)
	defer cancel()
	_ = j.client.HSet(cctx, key, "status", status).Err()
}

// History implements Journal.History by walking sequence numbers downward
// from the counter.
func (j *Redis) History(ctx context.Context, resource string, limit int) ([]AuditEvent, error) {
	cctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	head, err := j.client.Get(cctx, redisSeqKey).Int64()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var out []AuditEvent
	for seq := head; seq >= 1; seq-- {
		fields, err := j.client.HGetAll(cctx, redisRecordPrefix+strconv.FormatInt(seq, 10)).Result()
		if err != nil {
			return nil, unavailable(err)
		}
		if len(fields) == 0 {
			return nil, fmt.Errorf("%w: missing journal record %d", latcherrors.ErrInternalInconsistency, seq)
		}
		if fields["status"] != string(statusFinalized) {
			continue
		}
		var ev AuditEvent
		if err := json.Unmarshal([]byte(fields["payload"]), &ev); err != nil {
			return nil, fmt.Errorf("%w: corrupt journal record %d: %v", latcherrors.ErrInternalInconsistency, seq, err)
		}
		ev.Seq = uint64(seq)
		if ev.Resource != resource {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
