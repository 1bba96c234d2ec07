package adapter

import (
	"context"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-huddle/v1/model"
)

const defaultSessionTTL = 2 * time.Second

// SessionCache keeps recently read sessions in a ristretto cache in front of
// a SessionReader. Concurrent misses for the same id share one read.
type SessionCache struct {
	next  SessionReader
	c     *ristretto.Cache
	ttl   time.Duration
	group singleflight.Group
}

// SessionCacheOption configures a SessionCache.
type SessionCacheOption func(*SessionCache)

// WithSessionTTL sets how long a session record is served from cache.
func WithSessionTTL(d time.Duration) SessionCacheOption {
	return func(s *SessionCache) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// NewSessionCache wraps next with a cache.
func NewSessionCache(next SessionReader, opts ...SessionCacheOption) (*SessionCache, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 12,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	s := &SessionCache{next: next, c: c, ttl: defaultSessionTTL}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ReadSession implements SessionReader.
func (s *SessionCache) ReadSession(ctx context.Context, id string) (model.Session, error) {
	if v, ok := s.c.Get(id); ok {
		if sess, ok := v.(model.Session); ok {
			return sess, nil
		}
	}
	v, err, _ := s.group.Do(id, func() (any, error) {
		sess, err := s.next.ReadSession(ctx, id)
		if err != nil {
			return nil, err
		}
		s.c.SetWithTTL(id, sess, 1, s.ttl)
		return sess, nil
	})
	if err != nil {
		return model.Session{}, err
	}
	return v.(model.Session), nil
}

// Invalidate drops id from the cache. Reads that follow see the store.
func (s *SessionCache) Invalidate(id string) {
	s.c.Del(id)
	s.c.Wait()
}

// Wait blocks until pending cache writes are applied.
func (s *SessionCache) Wait() {
	s.c.Wait()
}

// Close stops the cache's background goroutines.
func (s *SessionCache) Close() {
	s.c.Close()
}
