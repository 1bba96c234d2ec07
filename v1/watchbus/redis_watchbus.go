package watchbus

import (
	"context"
	stdErrors "errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
)

const defaultRedisOpTimeout = 5 * time.Second

var tracer = otel.Tracer("github.com/mirkobrombin/go-huddle/v1/watchbus")

// RedisWatchBus uses Redis pub/sub to implement WatchBus. A watch is closed
// when its subscription connection fails or its reader falls a full buffer
// behind, so callers observe both as stream closures.
type RedisWatchBus struct {
	client  redis.UniversalClient
	timeout time.Duration
	mu      sync.Mutex
	cancels map[string]map[chan []byte]context.CancelFunc
}

// RedisOption configures a RedisWatchBus.
type RedisOption func(*RedisWatchBus)

// WithRedisTimeout sets the timeout for Publish and subscription setup.
func WithRedisTimeout(d time.Duration) RedisOption {
	return func(b *RedisWatchBus) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client redis.UniversalClient, opts ...RedisOption) *RedisWatchBus {
	b := &RedisWatchBus{
		client:  client,
		timeout: defaultRedisOpTimeout,
		cancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends data on the Redis channel named key.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	ctx, span := tracer.Start(ctx, "watchbus.redis.Publish")
	defer span.End()
	span.SetAttributes(attribute.String("huddle.key", key))

	cctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.client.Publish(cctx, key, data).Err(); err != nil {
		err = mapRedisErr(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	return nil
}

// Watch subscribes to the Redis channel named key. The subscription is
// confirmed before Watch returns.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	ps := b.client.Subscribe(ctx, key)

	sctx, scancel := context.WithTimeout(ctx, b.timeout)
	_, err := ps.Receive(sctx)
	scancel()
	if err != nil {
		cancel()
		_ = ps.Close()
		return nil, mapRedisErr(err)
	}

	ch := make(chan []byte, defaultBuffer)
	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = func() {
		cancel()
		_ = ps.Close()
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ps.Close()
	}()
	go func() {
		defer close(ch)
		defer b.forget(key, ch)
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			default:
				// the reader fell behind; end the stream rather than skip
				metrics.WatchDroppedCounter.Inc()
				return
			}
		}
	}()
	return ch, nil
}

func (b *RedisWatchBus) forget(key string, ch chan []byte) {
	b.mu.Lock()
	m := b.cancels[key]
	cancel, ok := m[ch]
	if ok {
		delete(m, ch)
		if len(m) == 0 {
			delete(b.cancels, key)
		}
	}
	b.mu.Unlock()
	if ok {
		cancel()
	}
}

// Unwatch stops watching the given key and channel.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.forget(key, ch)
	return nil
}

func mapRedisErr(err error) error {
	switch {
	case err == nil:
		return nil
	case stdErrors.Is(err, context.DeadlineExceeded):
		return huddleerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return huddleerrors.ErrConnectionClosed
	}
	return err
}
