package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mirkobrombin/go-huddle/v1/clock"
	"github.com/mirkobrombin/go-huddle/v1/model"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

const sid = "s1"

type recorder struct {
	mu          sync.Mutex
	created     []model.Item
	updated     []model.Item
	deleted     []model.Item
	joined      []model.Participant
	left        []model.Participant
	partUpdated []model.Participant
	statuses    []model.SessionStatus
	remaining   []time.Duration
	presence    [][]model.PresenceRecord
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnItemCreated: func(it model.Item) { r.mu.Lock(); r.created = append(r.created, it); r.mu.Unlock() },
		OnItemUpdated: func(it model.Item) { r.mu.Lock(); r.updated = append(r.updated, it); r.mu.Unlock() },
		OnItemDeleted: func(it model.Item) { r.mu.Lock(); r.deleted = append(r.deleted, it); r.mu.Unlock() },
		OnParticipantJoined: func(p model.Participant) {
			r.mu.Lock()
			r.joined = append(r.joined, p)
			r.mu.Unlock()
		},
		OnParticipantLeft: func(p model.Participant) { r.mu.Lock(); r.left = append(r.left, p); r.mu.Unlock() },
		OnParticipantUpdated: func(p model.Participant) {
			r.mu.Lock()
			r.partUpdated = append(r.partUpdated, p)
			r.mu.Unlock()
		},
		OnSessionStateChanged: func(s model.SessionStatus, d time.Duration) {
			r.mu.Lock()
			r.statuses = append(r.statuses, s)
			r.remaining = append(r.remaining, d)
			r.mu.Unlock()
		},
		OnPresenceChanged: func(recs []model.PresenceRecord) {
			r.mu.Lock()
			r.presence = append(r.presence, recs)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) count(f func(*recorder) int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return f(r)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func publish(t *testing.T, bus watchbus.WatchBus, table string, typ model.ChangeType, before, after any) {
	t.Helper()
	c, err := model.NewChange(table, typ, sid, before, after, time.Now())
	if err != nil {
		t.Fatalf("change: %v", err)
	}
	data, _ := json.Marshal(c)
	if err := bus.Publish(context.Background(), model.Topic(table, sid), data); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func publishPresence(t *testing.T, bus watchbus.WatchBus, ev model.PresenceEvent) {
	t.Helper()
	data, _ := json.Marshal(ev)
	if err := bus.Publish(context.Background(), model.PresenceTopic(sid), data); err != nil {
		t.Fatalf("publish presence: %v", err)
	}
}

func newSubscribed(t *testing.T, bus watchbus.WatchBus, h Handlers, opts ...Option) (*Manager, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	m := NewManager(bus, h, append([]Option{WithClock(clk)}, opts...)...)
	if err := m.Subscribe(context.Background(), SessionConfig{SessionID: sid}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(m.Unsubscribe)
	return m, clk
}

func TestUpdatesCoalescedUntilFlush(t *testing.T) {
	bus := watchbus.NewInMemory()
	rec := &recorder{}
	m, clk := newSubscribed(t, bus, rec.handlers())

	for i := 0; i < 5; i++ {
		publish(t, bus, model.TableItems, model.ChangeUpdate, nil, model.Item{ID: "a", Content: fmt.Sprintf("v%d", i)})
	}
	publish(t, bus, model.TableItems, model.ChangeInsert, nil, model.Item{ID: "b"})
	waitFor(t, "insert", func() bool { return rec.count(func(r *recorder) int { return len(r.created) }) == 1 })

	if n := rec.count(func(r *recorder) int { return len(r.updated) }); n != 0 {
		t.Fatalf("updates must wait for the flush, got %d", n)
	}
	if h := m.GetConnectionHealth(); h.PendingUpdateCount != 1 {
		t.Fatalf("expected one pending update, got %+v", h)
	}

	clk.Advance(DefaultFlushInterval)
	rec.mu.Lock()
	if len(rec.updated) != 1 || rec.updated[0].Content != "v4" {
		rec.mu.Unlock()
		t.Fatalf("expected single latest update, got %+v", rec.updated)
	}
	rec.mu.Unlock()

	clk.Advance(DefaultFlushInterval)
	if n := rec.count(func(r *recorder) int { return len(r.updated) }); n != 1 {
		t.Fatalf("flushed update delivered twice: %d", n)
	}
}

func TestDeleteDropsPendingUpdate(t *testing.T) {
	bus := watchbus.NewInMemory()
	rec := &recorder{}
	m, clk := newSubscribed(t, bus, rec.handlers())

	publish(t, bus, model.TableItems, model.ChangeUpdate, nil, model.Item{ID: "a", Content: "edit"})
	publish(t, bus, model.TableItems, model.ChangeDelete, model.Item{ID: "a"}, nil)
	waitFor(t, "delete", func() bool { return rec.count(func(r *recorder) int { return len(r.deleted) }) == 1 })

	if h := m.GetConnectionHealth(); h.PendingUpdateCount != 0 {
		t.Fatalf("delete must purge the pending update, got %+v", h)
	}
	clk.Advance(DefaultFlushInterval)
	if n := rec.count(func(r *recorder) int { return len(r.updated) }); n != 0 {
		t.Fatalf("deleted item must not be updated, got %d", n)
	}
}

func TestUnsubscribeFlushesAndTerminates(t *testing.T) {
	bus := watchbus.NewInMemory()
	rec := &recorder{}
	m, _ := newSubscribed(t, bus, rec.handlers())

	publish(t, bus, model.TableItems, model.ChangeUpdate, nil, model.Item{ID: "a", Content: "last"})
	waitFor(t, "pending update", func() bool { return m.GetConnectionHealth().PendingUpdateCount == 1 })

	m.Unsubscribe()
	if n := rec.count(func(r *recorder) int { return len(r.updated) }); n != 1 {
		t.Fatalf("expected pending update flushed on unsubscribe, got %d", n)
	}
	if m.State() != StateUnsubscribed {
		t.Fatalf("unexpected state %v", m.State())
	}
	waitFor(t, "watchers released", func() bool { return bus.Watchers(model.Topic(model.TableItems, sid)) == 0 })

	if err := m.Subscribe(context.Background(), SessionConfig{SessionID: sid}); err != nil {
		t.Fatalf("subscribe after unsubscribe: %v", err)
	}
	if m.State() != StateUnsubscribed || bus.Watchers(model.Topic(model.TableItems, sid)) != 0 {
		t.Fatal("subscribe on a terminated manager must be a no-op")
	}
}

type flakyBus struct {
	*watchbus.InMemoryWatchBus
	clk *clock.Fake

	mu       sync.Mutex
	down     bool
	attempts []time.Time
}

func (b *flakyBus) setDown(v bool) {
	b.mu.Lock()
	b.down = v
	b.mu.Unlock()
}

func (b *flakyBus) attemptTimes() []time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]time.Time(nil), b.attempts...)
}

func (b *flakyBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	b.mu.Lock()
	down := b.down
	if key == model.Topic(model.TableItems, sid) {
		b.attempts = append(b.attempts, b.clk.Now())
	}
	b.mu.Unlock()
	if down {
		return nil, errors.New("transport down")
	}
	return b.InMemoryWatchBus.Watch(ctx, key)
}

func TestReconnectBackoffThenFailed(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	bus := &flakyBus{InMemoryWatchBus: watchbus.NewInMemory(), clk: clk}
	var failed atomic.Int32
	m := NewManager(bus, Handlers{OnConnectionFailed: func() { failed.Add(1) }}, WithClock(clk))
	defer m.Unsubscribe()
	ctx := context.Background()

	if err := m.Subscribe(ctx, SessionConfig{SessionID: sid}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if h := m.GetConnectionHealth(); !h.IsConnected || h.StreamCount != 4 {
		t.Fatalf("expected four joined streams, got %+v", h)
	}

	bus.setDown(true)
	start := clk.Now()
	bus.Disconnect(model.Topic(model.TableItems, sid))
	waitFor(t, "reconnecting", func() bool { return m.State() == StateReconnecting })

	var elapsed time.Duration
	for i, d := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second} {
		clk.Advance(d - time.Millisecond)
		if n := len(bus.attemptTimes()); n != 1+i {
			t.Fatalf("retry %d fired early: %d attempts", i+1, n)
		}
		clk.Advance(time.Millisecond)
		times := bus.attemptTimes()
		if len(times) != 2+i {
			t.Fatalf("retry %d did not fire after %v", i+1, d)
		}
		elapsed += d
		if got := times[len(times)-1].Sub(start); got != elapsed {
			t.Fatalf("retry %d at %v, expected %v", i+1, got, elapsed)
		}
	}

	if m.State() != StateFailed {
		t.Fatalf("expected failed state, got %v", m.State())
	}
	clk.Advance(time.Hour)
	if n := len(bus.attemptTimes()); n != 6 {
		t.Fatalf("no automatic retries expected after failure, got %d attempts", n)
	}
	if failed.Load() != 1 {
		t.Fatalf("OnConnectionFailed must fire exactly once, got %d", failed.Load())
	}

	bus.setDown(false)
	if err := m.Resubscribe(ctx); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	if h := m.GetConnectionHealth(); !h.IsConnected || h.ReconnectAttempts != 0 {
		t.Fatalf("manual resubscribe must recover, got %+v", h)
	}
}

func TestReconnectSuccessResetsAttempts(t *testing.T) {
	bus := watchbus.NewInMemory()
	m, clk := newSubscribed(t, bus, Handlers{})

	bus.Disconnect(model.Topic(model.TableSessions, sid))
	waitFor(t, "reconnecting", func() bool { return m.State() == StateReconnecting })
	if h := m.GetConnectionHealth(); h.IsConnected || h.ReconnectAttempts != 1 {
		t.Fatalf("unexpected health while reconnecting %+v", h)
	}
	// A second closure while the retry is pending adds no attempt.
	bus.Disconnect(model.Topic(model.TableItems, sid))
	time.Sleep(20 * time.Millisecond)
	if h := m.GetConnectionHealth(); h.ReconnectAttempts != 1 {
		t.Fatalf("pending retry must absorb further closures, got %+v", h)
	}

	clk.Advance(DefaultBaseDelay)
	h := m.GetConnectionHealth()
	if !h.IsConnected || h.ReconnectAttempts != 0 || m.State() != StateSubscribed {
		t.Fatalf("expected recovered subscription, got %+v", h)
	}
	for _, key := range []string{
		model.Topic(model.TableItems, sid),
		model.Topic(model.TableParticipants, sid),
		model.Topic(model.TableSessions, sid),
		model.PresenceTopic(sid),
	} {
		waitFor(t, "single watcher on "+key, func() bool { return bus.Watchers(key) == 1 })
	}
}

func TestSlowHandlerSurfacesLostStream(t *testing.T) {
	bus := watchbus.NewInMemory(watchbus.WithBuffer(4))
	key := model.Topic(model.TableItems, sid)
	blocked := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var created atomic.Int32
	m, clk := newSubscribed(t, bus, Handlers{OnItemCreated: func(model.Item) {
		created.Add(1)
		once.Do(func() {
			close(blocked)
			<-release
		})
	}})

	publish(t, bus, model.TableItems, model.ChangeInsert, nil, model.Item{ID: "i0"})
	select {
	case <-blocked:
	case <-time.After(2 * time.Second):
		t.Fatal("handler never called")
	}
	for i := 1; i <= 6; i++ {
		publish(t, bus, model.TableItems, model.ChangeInsert, nil, model.Item{ID: fmt.Sprintf("i%d", i)})
	}
	publish(t, bus, model.TableItems, model.ChangeDelete, model.Item{ID: "i1"}, nil)
	if n := bus.Watchers(key); n != 0 {
		t.Fatalf("overflowing stream must be dropped, %d watchers left", n)
	}
	close(release)

	waitFor(t, "reconnecting", func() bool { return m.State() == StateReconnecting })
	if h := m.GetConnectionHealth(); h.IsConnected {
		t.Fatalf("health must report the lost stream, got %+v", h)
	}
	if n := created.Load(); n != 5 {
		t.Fatalf("expected the buffered inserts before the drop, got %d", n)
	}

	clk.Advance(DefaultBaseDelay)
	if h := m.GetConnectionHealth(); !h.IsConnected {
		t.Fatalf("expected recovery after the retry, got %+v", h)
	}
	waitFor(t, "items watcher", func() bool { return bus.Watchers(key) == 1 })
}

func TestResubscribeIgnoresSupersededStreams(t *testing.T) {
	bus := watchbus.NewInMemory()
	m, _ := newSubscribed(t, bus, Handlers{})

	for i := 0; i < 3; i++ {
		if err := m.Resubscribe(context.Background()); err != nil {
			t.Fatalf("resubscribe: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)
	if h := m.GetConnectionHealth(); !h.IsConnected || h.ReconnectAttempts != 0 {
		t.Fatalf("old generation closures must be ignored, got %+v", h)
	}
}

func TestParticipantAndSessionEvents(t *testing.T) {
	bus := watchbus.NewInMemory()
	rec := &recorder{}
	_, clk := newSubscribed(t, bus, rec.handlers())

	p := model.Participant{ID: "p1", SessionID: sid, Name: "Ada"}
	publishPresence(t, bus, model.PresenceEvent{Kind: model.PresenceJoin, Record: &model.PresenceRecord{ParticipantID: "p1"}})
	waitFor(t, "presence join", func() bool { return rec.count(func(r *recorder) int { return len(r.presence) }) == 1 })
	publish(t, bus, model.TableParticipants, model.ChangeInsert, nil, p)
	waitFor(t, "joined", func() bool { return rec.count(func(r *recorder) int { return len(r.joined) }) == 1 })

	p.Contributions = 1
	publish(t, bus, model.TableParticipants, model.ChangeUpdate, nil, p)
	waitFor(t, "updated", func() bool { return rec.count(func(r *recorder) int { return len(r.partUpdated) }) == 1 })

	now := clk.Now()
	p.DisconnectedAt = &now
	publish(t, bus, model.TableParticipants, model.ChangeUpdate, nil, p)
	waitFor(t, "left", func() bool { return rec.count(func(r *recorder) int { return len(r.left) }) == 1 })
	waitFor(t, "presence purge", func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.presence) > 0 && len(rec.presence[len(rec.presence)-1]) == 0
	})

	publish(t, bus, model.TableSessions, model.ChangeUpdate, nil,
		model.Session{ID: sid, Status: model.StatusPaused, ExpiresAt: clk.Now().Add(10 * time.Minute)})
	waitFor(t, "session state", func() bool { return rec.count(func(r *recorder) int { return len(r.statuses) }) == 1 })
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.statuses[0] != model.StatusPaused || rec.remaining[0] != 10*time.Minute {
		t.Fatalf("unexpected session event %v %v", rec.statuses[0], rec.remaining[0])
	}
}

func TestPresenceSyncJoinTypingLeave(t *testing.T) {
	bus := watchbus.NewInMemory()
	m, _ := newSubscribed(t, bus, Handlers{})

	publishPresence(t, bus, model.PresenceEvent{Kind: model.PresenceSync, Records: []model.PresenceRecord{
		{ParticipantID: "b", Name: "Bob"},
		{ParticipantID: "a", Name: "Ada"},
	}})
	waitFor(t, "sync", func() bool { return len(m.Presence()) == 2 })
	if got := m.Presence(); got[0].ParticipantID != "a" {
		t.Fatalf("presence must be ordered, got %+v", got)
	}

	publishPresence(t, bus, model.PresenceEvent{Kind: model.PresenceTyping, Record: &model.PresenceRecord{ParticipantID: "a", IsTyping: true}})
	waitFor(t, "typing", func() bool { return m.Presence()[0].IsTyping })
	if m.Presence()[0].Name != "Ada" {
		t.Fatal("typing must keep the rest of the record")
	}

	publishPresence(t, bus, model.PresenceEvent{Kind: model.PresenceLeave, Record: &model.PresenceRecord{ParticipantID: "b"}})
	waitFor(t, "leave", func() bool { return len(m.Presence()) == 1 })

	publishPresence(t, bus, model.PresenceEvent{Kind: model.PresenceSync})
	waitFor(t, "empty sync", func() bool { return len(m.Presence()) == 0 })
}

func TestTrackPresenceRoundTrip(t *testing.T) {
	bus := watchbus.NewInMemory()
	m, _ := newSubscribed(t, bus, Handlers{})
	ctx := context.Background()

	if err := m.TrackPresence(ctx, "me", "Me"); err != nil {
		t.Fatalf("track: %v", err)
	}
	waitFor(t, "own presence", func() bool { return len(m.Presence()) == 1 })
	if err := m.UpdateTypingStatus(ctx, "me", true); err != nil {
		t.Fatalf("typing: %v", err)
	}
	waitFor(t, "own typing", func() bool {
		p := m.Presence()
		return len(p) == 1 && p[0].IsTyping && p[0].Name == "Me"
	})
	if err := m.UntrackPresence(ctx, "me"); err != nil {
		t.Fatalf("untrack: %v", err)
	}
	waitFor(t, "own leave", func() bool { return len(m.Presence()) == 0 })
}

func TestBackoffCapped(t *testing.T) {
	m := NewManager(watchbus.NewInMemory(), Handlers{}, WithBackoff(time.Second, 5*time.Second))
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := m.backoff(i + 1); got != w {
			t.Fatalf("attempt %d: expected %v, got %v", i+1, w, got)
		}
	}
}
