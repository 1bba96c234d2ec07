package watchbus

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"
)

func newNATSWatchBus(t *testing.T) (*NATSWatchBus, *server.Server) {
	t.Helper()
	var (
		conn *nats.Conn
		s    *server.Server
		err  error
	)
	if addr := os.Getenv("HUDDLE_TEST_NATS_ADDR"); addr != "" {
		t.Logf("using real NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL(), nats.MaxReconnects(0))
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return NewNATSWatchBus(conn, WithNATSHealthInterval(20*time.Millisecond)), s
}

func TestNATSWatchBus(t *testing.T) {
	bus, _ := newNATSWatchBus(t)
	ctx := context.Background()
	ch, err := bus.Watch(ctx, "huddle:items:s1")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, "huddle:items:s1", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "x" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
	_ = bus.Unwatch(ctx, "huddle:items:s1", ch)
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("channel not closed after unwatch")
	}
}

func TestNATSWatchBusClosesOnServerLoss(t *testing.T) {
	bus, s := newNATSWatchBus(t)
	if s == nil {
		t.Skip("requires the embedded server")
	}
	ch, err := bus.Watch(context.Background(), "k")
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	s.Shutdown()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("unexpected message")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("watch not closed after server loss")
	}
}
