package watchbus

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryWatchBus(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "huddle:items:s1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "huddle:items:s1", []byte("hello")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "hello" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	if err := bus.Unwatch(ctx, "huddle:items:s1", ch); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected channel closed after unwatch")
	}
	if bus.Watchers("huddle:items:s1") != 0 {
		t.Fatal("expected no watchers")
	}
}

func TestInMemoryWatchBusContextCancelUnwatches(t *testing.T) {
	bus := NewInMemory()
	ctx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Watch(ctx, "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestInMemoryWatchBusDisconnect(t *testing.T) {
	bus := NewInMemory()
	ctx := context.Background()
	a, _ := bus.Watch(ctx, "k")
	b, _ := bus.Watch(ctx, "k")
	if n := bus.Disconnect("k"); n != 2 {
		t.Fatalf("expected 2 dropped watchers, got %d", n)
	}
	for _, ch := range []chan []byte{a, b} {
		if _, ok := <-ch; ok {
			t.Fatal("expected closed channel")
		}
	}
	// Unwatch after a disconnect must not double close.
	if err := bus.Unwatch(ctx, "k", a); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
}

func TestInMemoryWatchBusClosesSlowWatcher(t *testing.T) {
	bus := NewInMemory(WithBuffer(1))
	ctx := context.Background()
	slow, _ := bus.Watch(ctx, "k")
	fast, _ := bus.Watch(ctx, "k")

	_ = bus.Publish(ctx, "k", []byte("1"))
	if msg := <-fast; string(msg) != "1" {
		t.Fatalf("unexpected %s", msg)
	}
	_ = bus.Publish(ctx, "k", []byte("2"))

	if msg := <-slow; string(msg) != "1" {
		t.Fatalf("buffered message must still arrive, got %s", msg)
	}
	if _, ok := <-slow; ok {
		t.Fatal("overflowing watcher must be closed rather than skip a message")
	}
	if msg := <-fast; string(msg) != "2" {
		t.Fatalf("unexpected %s", msg)
	}
	if n := bus.Watchers("k"); n != 1 {
		t.Fatalf("expected only the fast watcher left, got %d", n)
	}
	if err := bus.Unwatch(ctx, "k", slow); err != nil {
		t.Fatalf("unwatch after overflow: %v", err)
	}
}
