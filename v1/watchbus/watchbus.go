package watchbus

import "context"

// WatchBus provides a simple message bus for streaming change payloads.
// Clients can publish messages to a key and watch for updates.
//
// A channel returned by Watch is closed when the context is canceled, when
// Unwatch is called, when the transport drops the subscription, or when the
// reader lets the buffer fill up. Messages are never skipped silently:
// callers treat an unexpected closure as a lost stream and re-sync.
type WatchBus interface {
	// Publish sends the given data to all watchers of key.
	Publish(ctx context.Context, key string, data []byte) error
	// Watch subscribes to messages for key. Returned channel receives
	// message payloads until the context is canceled or Unwatch is called.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// Unwatch stops delivering messages for key to ch.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}

const defaultBuffer = 256
