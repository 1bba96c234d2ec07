package watchbus

import (
	"context"
	"sync"
	"time"

	nats "github.com/nats-io/nats.go"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
)

const defaultNATSHealthInterval = time.Second

// NATSWatchBus implements WatchBus using NATS subjects. Watches are closed
// when the connection leaves the connected state or when a reader falls a
// full buffer behind.
type NATSWatchBus struct {
	conn     *nats.Conn
	interval time.Duration
	mu       sync.Mutex
	cancels  map[string]map[chan []byte]context.CancelFunc
}

// NATSOption configures a NATSWatchBus.
type NATSOption func(*NATSWatchBus)

// WithNATSHealthInterval sets how often watches check the connection state.
func WithNATSHealthInterval(d time.Duration) NATSOption {
	return func(b *NATSWatchBus) {
		if d > 0 {
			b.interval = d
		}
	}
}

// NewNATSWatchBus returns a new NATSWatchBus using the provided connection.
func NewNATSWatchBus(conn *nats.Conn, opts ...NATSOption) *NATSWatchBus {
	b := &NATSWatchBus{
		conn:     conn,
		interval: defaultNATSHealthInterval,
		cancels:  make(map[string]map[chan []byte]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends data on subject key.
func (b *NATSWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.conn.Publish(key, data); err != nil {
		if err == nats.ErrConnectionClosed {
			return huddleerrors.ErrConnectionClosed
		}
		return err
	}
	return nil
}

// Watch subscribes to subject key.
func (b *NATSWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if b.conn.IsClosed() {
		return nil, huddleerrors.ErrConnectionClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	msgs := make(chan *nats.Msg, defaultBuffer)
	sub, err := b.conn.ChanSubscribe(key, msgs)
	if err != nil {
		cancel()
		return nil, err
	}
	if err := b.conn.FlushTimeout(b.interval * 5); err != nil {
		cancel()
		_ = sub.Unsubscribe()
		return nil, huddleerrors.ErrTimeout
	}

	ch := make(chan []byte, defaultBuffer)
	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	b.mu.Unlock()

	go func() {
		defer close(ch)
		defer b.forget(key, ch)
		defer sub.Unsubscribe()
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if b.conn.Status() != nats.CONNECTED {
					return
				}
			case msg := <-msgs:
				select {
				case ch <- msg.Data:
				default:
					metrics.WatchDroppedCounter.Inc()
					return
				}
			}
		}
	}()
	return ch, nil
}

func (b *NATSWatchBus) forget(key string, ch chan []byte) {
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

// Unwatch stops delivering messages for key to ch.
func (b *NATSWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.forget(key, ch)
	return nil
}
