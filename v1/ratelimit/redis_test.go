package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-huddle/v1/clock"
)

func newRedisGuard(t *testing.T, cfg Config) (*RedisGuard, *miniredis.Miniredis, *clock.Fake) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	clk := clock.NewFake(time.UnixMilli(1_700_000_000_000))
	return NewRedisGuard(client, WithRedisConfig(cfg), WithRedisClock(clk)), mr, clk
}

func TestRedisGuardWindowAndBlock(t *testing.T) {
	g, mr, clk := newRedisGuard(t, DefaultConfig())
	ctx := context.Background()

	for i := 0; i < DefaultMaxSubmissions; i++ {
		d, err := g.CheckSubmission(ctx, "p1")
		if err != nil || !d.Allowed {
			t.Fatalf("submission %d denied: %+v %v", i+1, d, err)
		}
		if d.Remaining != DefaultMaxSubmissions-i-1 {
			t.Fatalf("unexpected remaining %d", d.Remaining)
		}
		clk.Advance(time.Second)
	}
	d, err := g.CheckSubmission(ctx, "p1")
	if err != nil || d.Allowed || d.Blocked {
		t.Fatalf("expected plain denial: %+v %v", d, err)
	}
	if d.RetryAfter != 54*time.Second {
		t.Fatalf("expected retry after 54s, got %v", d.RetryAfter)
	}
	s, err := g.Status(ctx, "p1")
	if err != nil || s.Allowed || s.Remaining != 0 {
		t.Fatalf("unexpected status %+v %v", s, err)
	}

	_, _ = g.CheckSubmission(ctx, "p1")
	d, _ = g.CheckSubmission(ctx, "p1")
	if !d.Blocked || d.RetryAfter != DefaultBlockDuration {
		t.Fatalf("expected block: %+v", d)
	}

	clk.Advance(2 * DefaultWindow)
	mr.FastForward(2 * DefaultWindow)
	if d, _ := g.CheckSubmission(ctx, "p1"); !d.Blocked {
		t.Fatalf("block must outlive the window: %+v", d)
	}

	clk.Advance(DefaultBlockDuration)
	mr.FastForward(DefaultBlockDuration)
	if d, _ := g.CheckSubmission(ctx, "p1"); !d.Allowed {
		t.Fatalf("expected admission after block: %+v", d)
	}
	if mr.Exists("huddle:rl:viol:p1") {
		t.Fatal("violation counter should be reset")
	}
}

func TestRedisGuardJoin(t *testing.T) {
	g, _, _ := newRedisGuard(t, Config{MaxParticipants: 2})
	ctx := context.Background()
	for _, p := range []string{"a", "b", "a"} {
		if d, err := g.CheckJoin(ctx, "s1", p, 0); err != nil || !d.Allowed {
			t.Fatalf("join %s: %+v %v", p, d, err)
		}
	}
	if d, _ := g.CheckJoin(ctx, "s1", "c", 0); d.Allowed || d.Reason != ReasonSessionFull {
		t.Fatalf("expected full session: %+v", d)
	}
	if err := g.RemoveParticipant(ctx, "s1", "a"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if d, _ := g.CheckJoin(ctx, "s1", "c", 0); !d.Allowed {
		t.Fatalf("expected freed slot: %+v", d)
	}
}
