// Package presets assembles ready-to-use huddle stacks for the common
// deployments: everything in process, Redis, NATS, and SQLite persistence.
package presets

import (
	"errors"
	"time"

	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-huddle/v1/adapter"
	"github.com/mirkobrombin/go-huddle/v1/auth"
	"github.com/mirkobrombin/go-huddle/v1/clock"
	"github.com/mirkobrombin/go-huddle/v1/core"
	"github.com/mirkobrombin/go-huddle/v1/ratelimit"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

const (
	breakerThreshold = 5
	breakerTimeout   = 10 * time.Second
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Stack is a wired board together with the pieces callers need next to it:
// the bus to subscribe realtime managers on, the store for administrative
// writes and the validator for issuing tokens.
type Stack struct {
	Board *core.Board
	Bus   watchbus.WatchBus
	Store adapter.Store
	Auth  *auth.JWTValidator

	closers []func() error
}

// Close releases the connections opened by the preset.
func (s *Stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func assemble(store adapter.Store, bus watchbus.WatchBus, secret []byte, sessions adapter.SessionReader, opts ...core.Option) *Stack {
	if sessions == nil {
		sessions = store
	}
	v := auth.NewJWTValidator(secret, sessions)
	presence := watchbus.NewCircuitBreaker(bus, breakerThreshold, breakerTimeout, clock.System())
	base := []core.Option{core.WithSessionReader(sessions), core.WithPresenceBus(presence)}
	return &Stack{
		Board: core.NewBoard(store, v, append(base, opts...)...),
		Bus:   bus,
		Store: store,
		Auth:  v,
	}
}

// NewInMemoryStandalone returns a stack that runs entirely in process with
// no external dependencies. Useful for local development and tests.
func NewInMemoryStandalone(secret []byte, opts ...core.Option) *Stack {
	bus := watchbus.NewInMemory()
	store := adapter.NewInMemoryStore(adapter.WithBus(bus))
	return assemble(store, bus, secret, nil, opts...)
}

// NewRedis returns a stack whose change streams travel over Redis pub/sub
// and whose rate guard is shared through Redis, so several instances can
// serve the same sessions. Records stay in process memory.
func NewRedis(opts RedisOptions, secret []byte, boardOpts ...core.Option) (*Stack, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	bus := watchbus.NewRedisWatchBus(client)
	store := adapter.NewInMemoryStore(adapter.WithBus(bus))
	sessions, err := adapter.NewSessionCache(store)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	limiter := ratelimit.NewRedisGuard(client)
	s := assemble(store, bus, secret, sessions, append([]core.Option{core.WithLimiter(limiter)}, boardOpts...)...)
	s.closers = append(s.closers, client.Close, func() error { sessions.Close(); return nil })
	return s, nil
}

// NewNATS returns a stack publishing change streams on NATS subjects.
func NewNATS(url string, secret []byte, boardOpts ...core.Option) (*Stack, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, err
	}
	bus := watchbus.NewNATSWatchBus(conn)
	store := adapter.NewInMemoryStore(adapter.WithBus(bus))
	s := assemble(store, bus, secret, nil, boardOpts...)
	s.closers = append(s.closers, func() error { conn.Close(); return nil })
	return s, nil
}

// NewSQLite returns a stack persisting records in a SQLite database under
// dataDir. Changes are published on bus, or an in-memory bus when nil.
func NewSQLite(dataDir string, bus watchbus.WatchBus, secret []byte, boardOpts ...core.Option) (*Stack, error) {
	if bus == nil {
		bus = watchbus.NewInMemory()
	}
	store, err := adapter.OpenSQLite(dataDir, adapter.WithBus(bus))
	if err != nil {
		return nil, err
	}
	sessions, err := adapter.NewSessionCache(store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	s := assemble(store, bus, secret, sessions, boardOpts...)
	s.closers = append(s.closers, store.Close, func() error { sessions.Close(); return nil })
	return s, nil
}
