package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	nats "github.com/nats-io/nats.go"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-huddle/v1/adapter"
	"github.com/mirkobrombin/go-huddle/v1/auth"
	"github.com/mirkobrombin/go-huddle/v1/clock"
	"github.com/mirkobrombin/go-huddle/v1/core"
	"github.com/mirkobrombin/go-huddle/v1/lock"
	"github.com/mirkobrombin/go-huddle/v1/ratelimit"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

const (
	presenceBreakerThreshold = 5
	presenceBreakerTimeout   = 10 * time.Second
)

// app holds the wired components of a running server.
type app struct {
	cfg      Config
	logger   *slog.Logger
	bus      watchbus.WatchBus
	store    adapter.Store
	sessions *adapter.SessionCache
	auth     *auth.JWTValidator
	board    *core.Board
	// guard is nil when the rate guard lives in Redis.
	guard *ratelimit.Guard

	redis   *redis.Client
	closers []func() error
}

func (a *app) redisClient() *redis.Client {
	if a.redis == nil {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		a.closers = append(a.closers, a.redis.Close)
	}
	return a.redis
}

// Close releases connections in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// wireTransport connects the configured watch bus.
func wireTransport(a *app) error {
	switch a.cfg.Transport {
	case "redis":
		a.bus = watchbus.NewRedisWatchBus(a.redisClient())
	case "nats":
		conn, err := nats.Connect(a.cfg.NATS.URL, nats.Name("huddle"))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		a.closers = append(a.closers, func() error { conn.Close(); return nil })
		a.bus = watchbus.NewNATSWatchBus(conn)
	case "kafka":
		kb, err := watchbus.NewKafkaWatchBus(a.cfg.Kafka.Brokers, nil)
		if err != nil {
			return fmt.Errorf("connect kafka: %w", err)
		}
		a.closers = append(a.closers, kb.Close)
		a.bus = kb
	default:
		a.bus = watchbus.NewInMemory()
	}
	return nil
}

func wireStore(a *app) error {
	opts := []adapter.Option{adapter.WithBus(a.bus), adapter.WithLogger(a.logger)}
	switch a.cfg.Storage {
	case "sqlite":
		s, err := adapter.OpenSQLite(a.cfg.SQLite.Dir, opts...)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.store = s
	default:
		a.store = adapter.NewInMemoryStore(opts...)
	}
	sessions, err := adapter.NewSessionCache(a.store)
	if err != nil {
		return fmt.Errorf("session cache: %w", err)
	}
	a.closers = append(a.closers, func() error { sessions.Close(); return nil })
	a.sessions = sessions
	return nil
}

func wireLocks(ctx context.Context, a *app) (*lock.Coordinator, error) {
	opts := []lock.Option{lock.WithTimeout(a.cfg.Locks.Timeout), lock.WithLogger(a.logger)}
	if a.cfg.Locks.Backend != "dynamodb" {
		return lock.NewCoordinator(a.store, opts...), nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	ds := lock.NewDynamoStore(dynamodb.NewFromConfig(awsCfg), a.cfg.Locks.Table, a.cfg.Locks.Timeout)
	return lock.NewCoordinator(ds, opts...), nil
}

func wireLimiter(a *app) ratelimit.Limiter {
	if a.cfg.RateLimit.Backend == "redis" {
		return ratelimit.NewRedisGuard(a.redisClient(), ratelimit.WithRedisConfig(a.cfg.limits()))
	}
	a.guard = ratelimit.NewGuard(ratelimit.WithConfig(a.cfg.limits()), ratelimit.WithLogger(a.logger))
	return a.guard
}

// wireApp builds every component named by cfg. The caller owns Close.
func wireApp(ctx context.Context, cfg Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}
	if err := wireTransport(a); err != nil {
		_ = a.Close()
		return nil, err
	}
	if err := wireStore(a); err != nil {
		_ = a.Close()
		return nil, err
	}
	locks, err := wireLocks(ctx, a)
	if err != nil {
		_ = a.Close()
		return nil, err
	}
	limiter := wireLimiter(a)

	a.auth = auth.NewJWTValidator([]byte(cfg.Auth.Secret), a.sessions)
	presence := watchbus.NewCircuitBreaker(a.bus, presenceBreakerThreshold, presenceBreakerTimeout, clock.System())
	a.board = core.NewBoard(a.store, a.auth,
		core.WithSessionReader(a.sessions),
		core.WithLimiter(limiter),
		core.WithLocks(locks),
		core.WithPresenceBus(presence),
		core.WithLogger(logger),
	)
	return a, nil
}
