package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mirkobrombin/go-huddle/v1/clock"
	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
)

func newTestGuard(opts ...Option) (*Guard, *clock.Fake) {
	clk := clock.NewFake(time.Unix(100_000, 0))
	return NewGuard(append([]Option{WithClock(clk)}, opts...)...), clk
}

func TestSubmissionWindow(t *testing.T) {
	g, clk := newTestGuard()
	ctx := context.Background()

	for i := 0; i < DefaultMaxSubmissions; i++ {
		d, err := g.CheckSubmission(ctx, "p1")
		if err != nil || !d.Allowed {
			t.Fatalf("submission %d denied: %+v %v", i+1, d, err)
		}
		if d.Remaining != DefaultMaxSubmissions-i-1 {
			t.Fatalf("submission %d: expected remaining %d, got %d", i+1, DefaultMaxSubmissions-i-1, d.Remaining)
		}
		clk.Advance(time.Second)
	}
	d, _ := g.CheckSubmission(ctx, "p1")
	if d.Allowed || d.Blocked {
		t.Fatalf("7th submission should be denied without block: %+v", d)
	}
	// first stamp at t0, now t0+6s: it leaves the window in 54s
	if d.RetryAfter != 54*time.Second {
		t.Fatalf("expected retry after 54s, got %v", d.RetryAfter)
	}
	if !errors.Is(d.Err(), huddleerrors.ErrRateLimited) {
		t.Fatalf("expected RATE_LIMITED error, got %v", d.Err())
	}

	// 60s after the first submission a slot frees up
	clk.Advance(54 * time.Second)
	d, _ = g.CheckSubmission(ctx, "p1")
	if !d.Allowed {
		t.Fatalf("expected quota after window, got %+v", d)
	}
}

func TestEscalatingBlock(t *testing.T) {
	g, clk := newTestGuard()
	ctx := context.Background()
	for i := 0; i < DefaultMaxSubmissions; i++ {
		_, _ = g.CheckSubmission(ctx, "p1")
	}
	for i := 0; i < DefaultViolations-1; i++ {
		d, _ := g.CheckSubmission(ctx, "p1")
		if d.Allowed || d.Blocked {
			t.Fatalf("violation %d should deny without block: %+v", i+1, d)
		}
	}
	d, _ := g.CheckSubmission(ctx, "p1")
	if !d.Blocked || d.RetryAfter != DefaultBlockDuration {
		t.Fatalf("expected block on violation %d: %+v", DefaultViolations, d)
	}

	// the window has cleared but the block still applies
	clk.Advance(2 * DefaultWindow)
	d, _ = g.CheckSubmission(ctx, "p1")
	if d.Allowed || !d.Blocked {
		t.Fatalf("expected block to persist: %+v", d)
	}
	if d.RetryAfter != DefaultBlockDuration-2*DefaultWindow {
		t.Fatalf("unexpected retry %v", d.RetryAfter)
	}
	if s, _ := g.Status(ctx, "p1"); !s.Blocked {
		t.Fatalf("status should report block: %+v", s)
	}

	clk.Advance(DefaultBlockDuration)
	d, _ = g.CheckSubmission(ctx, "p1")
	if !d.Allowed {
		t.Fatalf("expected admission after block: %+v", d)
	}
	g.mu.Lock()
	violations := g.windows["p1"].violations
	g.mu.Unlock()
	if violations != 0 {
		t.Fatalf("expected violations reset, got %d", violations)
	}
}

func TestStatusIsReadOnly(t *testing.T) {
	g, _ := newTestGuard(WithConfig(Config{MaxSubmissions: 2}))
	ctx := context.Background()
	s, _ := g.Status(ctx, "p1")
	if !s.Allowed || s.Remaining != 2 {
		t.Fatalf("unexpected fresh status %+v", s)
	}
	_, _ = g.CheckSubmission(ctx, "p1")
	for i := 0; i < 5; i++ {
		s, _ = g.Status(ctx, "p1")
	}
	if s.Remaining != 1 {
		t.Fatalf("expected remaining 1, got %+v", s)
	}
	if d, _ := g.CheckSubmission(ctx, "p1"); !d.Allowed {
		t.Fatalf("status must not consume quota: %+v", d)
	}
}

func TestCheckJoinCapacity(t *testing.T) {
	g, _ := newTestGuard(WithConfig(Config{MaxParticipants: 2}))
	ctx := context.Background()
	for _, p := range []string{"a", "b"} {
		if d, _ := g.CheckJoin(ctx, "s1", p, 0); !d.Allowed {
			t.Fatalf("join %s denied: %+v", p, d)
		}
	}
	d, _ := g.CheckJoin(ctx, "s1", "c", 0)
	if d.Allowed || d.Reason != ReasonSessionFull {
		t.Fatalf("expected session full: %+v", d)
	}
	if !errors.Is(d.Err(), huddleerrors.ErrCapacityExceeded) {
		t.Fatalf("expected CAPACITY_EXCEEDED, got %v", d.Err())
	}
	if d, _ := g.CheckJoin(ctx, "s1", "a", 0); !d.Allowed {
		t.Fatalf("rejoin must be free: %+v", d)
	}
	_ = g.RemoveParticipant(ctx, "s1", "b")
	if d, _ := g.CheckJoin(ctx, "s1", "c", 0); !d.Allowed {
		t.Fatalf("expected freed slot: %+v", d)
	}
	if d, _ := g.CheckJoin(ctx, "s2", "x", 1); !d.Allowed {
		t.Fatalf("override capacity join: %+v", d)
	}
	if d, _ := g.CheckJoin(ctx, "s2", "y", 1); d.Allowed {
		t.Fatalf("override capacity must apply: %+v", d)
	}
}

func TestSweep(t *testing.T) {
	g, clk := newTestGuard()
	ctx := context.Background()
	_, _ = g.CheckSubmission(ctx, "idle")
	for i := 0; i < DefaultMaxSubmissions+DefaultViolations; i++ {
		_, _ = g.CheckSubmission(ctx, "blocked")
	}
	_, _ = g.CheckJoin(ctx, "s1", "idle", 0)
	_ = g.RemoveParticipant(ctx, "s1", "idle")

	clk.Advance(DefaultWindow + time.Second)
	_, _ = g.CheckSubmission(ctx, "active")
	g.Sweep()
	if g.tracked() != 2 {
		t.Fatalf("expected blocked and active to remain, got %d", g.tracked())
	}
	g.mu.Lock()
	_, idle := g.windows["idle"]
	g.mu.Unlock()
	if idle {
		t.Fatal("idle participant should be swept")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	g := NewGuard()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
