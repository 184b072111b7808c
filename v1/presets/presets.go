// Package presets wires the common latch deployments so callers do not have
// to assemble the store, journal, hub and relay by hand.
package presets

import (
	redis "github.com/redis/go-redis/v9"
	"pkt.systems/pslog"

	"github.com/openpdm/latch/v1/coordinator"
	"github.com/openpdm/latch/v1/hub"
	"github.com/openpdm/latch/v1/journal"
	"github.com/openpdm/latch/v1/lockstore"
	"github.com/openpdm/latch/v1/relay"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Logger   pslog.Logger
}

// Standalone bundles a fully in-process engine with its hub so callers can
// attach transports and shut the hub down when done.
type Standalone struct {
	Coordinator *coordinator.Coordinator
	Hub         *hub.Hub
	Journal     *journal.Memory
}

// NewStandalone creates an engine that runs entirely in-memory with no
// external dependencies. Useful for single-node deployments and tests.
func NewStandalone(opts ...coordinator.Option) *Standalone {
	jrn := journal.NewMemory()
	h := hub.New()
	c := coordinator.New(lockstore.NewInMemory(), jrn, h, opts...)
	return &Standalone{Coordinator: c, Hub: h, Journal: jrn}
}

// Redis bundles a Redis-backed engine: Redis holds both the lock table and
// the journal, and pub/sub carries events between nodes.
type Redis struct {
	Coordinator *coordinator.Coordinator
	Hub         *hub.Hub
	Relay       *relay.RedisRelay
	Client      *redis.Client
}

// NewRedis creates an engine backed by a single Redis instance: the lock
// table and journal live in Redis, history reads go through a local cache,
// and Redis pub/sub relays events across nodes.
func NewRedis(opts RedisOptions, extra ...coordinator.Option) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	logger := opts.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}

	jrn, err := journal.NewCached(journal.NewRedis(client))
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	r := relay.NewRedisRelay(client)
	h := hub.New(hub.WithLogger(logger))

	copts := append([]coordinator.Option{
		coordinator.WithRelay(r),
		coordinator.WithLogger(logger),
	}, extra...)
	c := coordinator.New(lockstore.NewRedis(client), jrn, h, copts...)

	return &Redis{Coordinator: c, Hub: h, Relay: r, Client: client}, nil
}

// Close shuts down the hub, the relay and the Redis client.
func (r *Redis) Close() error {
	r.Hub.Close()
	if err := r.Relay.Close(); err != nil {
		r.Client.Close()
		return err
	}
	return r.Client.Close()
}
