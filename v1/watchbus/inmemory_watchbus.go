package watchbus

import (
	"context"
	"sync"

	"github.com/mirkobrombin/go-huddle/v1/metrics"
)

// InMemoryWatchBus is an in-memory implementation of WatchBus.
type InMemoryWatchBus struct {
	mu     sync.RWMutex
	subs   map[string][]chan []byte
	buffer int
}

// InMemoryOption configures an InMemoryWatchBus.
type InMemoryOption func(*InMemoryWatchBus)

// WithBuffer sets the per-watcher channel capacity.
func WithBuffer(n int) InMemoryOption {
	return func(b *InMemoryWatchBus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory(opts ...InMemoryOption) *InMemoryWatchBus {
	b := &InMemoryWatchBus{subs: make(map[string][]chan []byte), buffer: defaultBuffer}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Publish sends data to all watchers of key. A watcher whose buffer is full
// is closed and removed, so its reader sees a lost stream instead of a gap.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	kept := subs[:0]
	for _, ch := range subs {
		select {
		case ch <- data:
			kept = append(kept, ch)
		default:
			metrics.WatchDroppedCounter.Inc()
			close(ch)
		}
	}
	if len(kept) == 0 {
		delete(b.subs, key)
	} else {
		b.subs[key] = kept
	}
	return nil
}

// Watch subscribes to key and returns a channel receiving messages.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ch := make(chan []byte, b.buffer)
	b.mu.Lock()
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()
	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch removes the channel from key watchers.
func (b *InMemoryWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	return nil
}

// Disconnect closes every watcher of key, as a transport failure would.
// It returns the number of watchers dropped.
func (b *InMemoryWatchBus) Disconnect(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[key]
	for _, c := range subs {
		close(c)
	}
	delete(b.subs, key)
	return len(subs)
}

// Watchers returns the number of active watchers of key.
func (b *InMemoryWatchBus) Watchers(key string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[key])
}
