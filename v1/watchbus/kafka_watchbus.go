package watchbus

import (
	"context"
	"strings"
	"sync"

	sarama "github.com/IBM/sarama"

	"github.com/mirkobrombin/go-huddle/v1/metrics"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan []byte
}

// KafkaWatchBus implements WatchBus using one Kafka topic per key. Watchers
// start from the newest offset.
type KafkaWatchBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	mu       sync.Mutex
	subs     map[string]*kafkaSubscription
}

// NewKafkaWatchBus creates a new KafkaWatchBus connecting to the given brokers.
func NewKafkaWatchBus(brokers []string, cfg *sarama.Config) (*KafkaWatchBus, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	cfg.Producer.Return.Successes = true
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaWatchBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
	}, nil
}

// KafkaTopic maps a watch key to a legal Kafka topic name.
func KafkaTopic(key string) string {
	return strings.ReplaceAll(key, ":", ".")
}

// Publish produces data to the topic of key.
func (b *KafkaWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{Topic: KafkaTopic(key), Value: sarama.ByteEncoder(data)}
	_, _, err := b.producer.SendMessage(msg)
	return err
}

// Watch consumes the topic of key.
func (b *KafkaWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ch := make(chan []byte, defaultBuffer)
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(KafkaTopic(key), 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[key] = sub
		go b.dispatch(sub, key)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaWatchBus) dispatch(sub *kafkaSubscription, key string) {
	for msg := range sub.pc.Messages() {
		b.mu.Lock()
		kept := sub.chans[:0]
		for _, ch := range sub.chans {
			select {
			case ch <- msg.Value:
				kept = append(kept, ch)
			default:
				// a watcher that fell behind loses its stream
				metrics.WatchDroppedCounter.Inc()
				close(ch)
			}
		}
		sub.chans = kept
		if len(kept) == 0 && b.subs[key] == sub {
			delete(b.subs, key)
			sub.pc.AsyncClose()
		}
		b.mu.Unlock()
	}
	// The partition consumer stopped; drop every watcher still attached.
	b.mu.Lock()
	if b.subs[key] == sub {
		delete(b.subs, key)
	}
	for _, ch := range sub.chans {
		close(ch)
	}
	sub.chans = nil
	b.mu.Unlock()
}

// Unwatch stops delivering messages for key to ch.
func (b *KafkaWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close releases resources used by the KafkaWatchBus.
func (b *KafkaWatchBus) Close() error {
	perr := b.producer.Close()
	cerr := b.consumer.Close()
	if perr != nil {
		return perr
	}
	return cerr
}
