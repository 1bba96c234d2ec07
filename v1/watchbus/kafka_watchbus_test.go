package watchbus

import (
	"context"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"
)

func TestKafkaTopic(t *testing.T) {
	if got := KafkaTopic("huddle:items:s1"); got != "huddle.items.s1" {
		t.Fatalf("unexpected topic %q", got)
	}
}

func TestKafkaWatchBus(t *testing.T) {
	addr := os.Getenv("HUDDLE_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("HUDDLE_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	cfg := sarama.NewConfig()
	cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	bus, err := NewKafkaWatchBus([]string{addr}, cfg)
	if err != nil {
		t.Fatalf("NewKafkaWatchBus: %v", err)
	}
	defer bus.Close()

	ctx := context.Background()
	key := "huddle:items:" + uuid.NewString()
	// the first publish creates the topic when auto-creation is enabled
	_ = bus.Publish(ctx, key, []byte("warmup"))
	ch, err := bus.Watch(ctx, key)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	if err := bus.Publish(ctx, key, []byte("payload")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case msg := <-ch:
		if string(msg) != "payload" {
			t.Fatalf("unexpected %s", msg)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	_ = bus.Unwatch(ctx, key, ch)
}
