// Package realtime keeps a client's view of a session in sync with the
// change streams published by the storage layer.
//
// A Manager watches four streams per session (items, participants, session
// state and presence). Item inserts and deletes are delivered at once while
// updates are coalesced per item and delivered on a fixed flush interval.
// When a stream closes the Manager re-establishes every stream with
// exponential backoff and reports exhaustion through OnConnectionFailed.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-huddle/v1/clock"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
	"github.com/mirkobrombin/go-huddle/v1/model"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

const (
	DefaultFlushInterval = 200 * time.Millisecond
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 30 * time.Second
	DefaultMaxAttempts   = 5
)

// State is the lifecycle state of a Manager.
type State int

const (
	StateIdle State = iota
	StateSubscribing
	StateSubscribed
	StateReconnecting
	StateFailed
	StateUnsubscribed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSubscribing:
		return "subscribing"
	case StateSubscribed:
		return "subscribed"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateUnsubscribed:
		return "unsubscribed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Handlers receives the events of a subscription. Nil fields are skipped.
//
// Handlers run one at a time on the delivery path. They must not call
// Subscribe, Resubscribe, Unsubscribe or Flush, with the exception of
// OnConnectionFailed which runs outside the delivery path.
type Handlers struct {
	OnItemCreated         func(model.Item)
	OnItemUpdated         func(model.Item)
	OnItemDeleted         func(model.Item)
	OnParticipantJoined   func(model.Participant)
	OnParticipantLeft     func(model.Participant)
	OnParticipantUpdated  func(model.Participant)
	OnSessionStateChanged func(status model.SessionStatus, remaining time.Duration)
	OnPresenceChanged     func([]model.PresenceRecord)
	OnConnectionFailed    func()
}

// SessionConfig selects the session to follow.
type SessionConfig struct {
	SessionID string
}

// Health is a point-in-time view of the subscription.
type Health struct {
	IsConnected        bool   `json:"is_connected"`
	StreamCount        int    `json:"stream_count"`
	ReconnectAttempts  int    `json:"reconnect_attempts"`
	PendingUpdateCount int    `json:"pending_update_count"`
	State              string `json:"state"`
}

// Option configures a Manager.
type Option func(*Manager)

// WithFlushInterval sets how often coalesced updates are delivered.
func WithFlushInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.flushInterval = d
		}
	}
}

// WithBackoff sets the first reconnection delay and its cap.
func WithBackoff(base, limit time.Duration) Option {
	return func(m *Manager) {
		if base > 0 {
			m.baseDelay = base
		}
		if limit > 0 {
			m.maxDelay = limit
		}
	}
}

// WithMaxAttempts sets how many reconnections are tried before giving up.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithClock sets the clock driving flushes and backoff.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

type stream struct {
	table  string
	key    string
	ch     chan []byte
	joined bool
}

// Manager maintains one multi-stream subscription.
type Manager struct {
	bus      watchbus.WatchBus
	handlers Handlers

	flushInterval time.Duration
	baseDelay     time.Duration
	maxDelay      time.Duration
	maxAttempts   int
	clock         clock.Clock
	logger        *slog.Logger

	// deliverMu serializes handler calls and is always taken before mu.
	deliverMu sync.Mutex

	mu           sync.Mutex
	cfg          *SessionConfig
	state        State
	terminated   bool
	generation   uint64
	cancel       context.CancelFunc
	streams      []*stream
	live         bool
	attempts     int
	failedFired  bool
	retryTimer   clock.Timer
	flushTimer   clock.Timer
	pending      map[string]model.Item
	pendingOrder []string
	presence     map[string]model.PresenceRecord
}

// NewManager returns an idle Manager delivering to h.
func NewManager(bus watchbus.WatchBus, h Handlers, opts ...Option) *Manager {
	m := &Manager{
		bus:           bus,
		handlers:      h,
		flushInterval: DefaultFlushInterval,
		baseDelay:     DefaultBaseDelay,
		maxDelay:      DefaultMaxDelay,
		maxAttempts:   DefaultMaxAttempts,
		clock:         clock.System(),
		logger:        slog.Default(),
		pending:       make(map[string]model.Item),
		presence:      make(map[string]model.PresenceRecord),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Subscribe replaces any current subscription with one following
// cfg.SessionID. Transport failures are retried in the background and only
// surface through OnConnectionFailed. On a manager that was unsubscribed it
// logs a warning and does nothing.
func (m *Manager) Subscribe(ctx context.Context, cfg SessionConfig) error {
	if cfg.SessionID == "" {
		return fmt.Errorf("realtime: session id required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		m.logger.Warn("subscribe on terminated realtime manager ignored", "session", cfg.SessionID)
		return nil
	}
	m.cfg = &cfg
	m.attempts = 0
	m.failedFired = false
	m.mu.Unlock()
	m.connect()
	return nil
}

// Resubscribe tears down the current streams and subscribes again with the
// last configuration, resetting the attempt counter.
func (m *Manager) Resubscribe(ctx context.Context) error {
	m.mu.Lock()
	if m.cfg == nil {
		m.mu.Unlock()
		return fmt.Errorf("realtime: resubscribe before subscribe")
	}
	cfg := *m.cfg
	m.mu.Unlock()
	return m.Subscribe(ctx, cfg)
}

// Unsubscribe delivers pending updates, releases every stream and timer and
// terminates the manager. It is idempotent.
func (m *Manager) Unsubscribe() {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if m.terminated {
		m.mu.Unlock()
		return
	}
	m.terminated = true
	m.teardownLocked()
	m.state = StateUnsubscribed
	batch := m.drainLocked()
	m.presence = make(map[string]model.PresenceRecord)
	m.mu.Unlock()

	m.deliverUpdates(batch)
}

// Flush delivers pending updates now.
func (m *Manager) Flush() {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.mu.Lock()
	batch := m.drainLocked()
	m.mu.Unlock()
	m.deliverUpdates(batch)
}

// State returns the lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// GetConnectionHealth reports the subscription health.
func (m *Manager) GetConnectionHealth() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{
		StreamCount:        len(m.streams),
		ReconnectAttempts:  m.attempts,
		PendingUpdateCount: len(m.pending),
		State:              m.state.String(),
	}
	h.IsConnected = m.state == StateSubscribed && len(m.streams) > 0
	for _, s := range m.streams {
		if !s.joined {
			h.IsConnected = false
		}
	}
	return h
}

// Presence returns the known presence records ordered by participant id.
func (m *Manager) Presence() []model.PresenceRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.presenceLocked()
}

func (m *Manager) presenceLocked() []model.PresenceRecord {
	out := make([]model.PresenceRecord, 0, len(m.presence))
	for _, r := range m.presence {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

// TrackPresence announces participantID on the presence channel.
func (m *Manager) TrackPresence(ctx context.Context, participantID, name string) error {
	return m.publishPresence(ctx, model.PresenceEvent{
		Kind:   model.PresenceJoin,
		Record: &model.PresenceRecord{ParticipantID: participantID, Name: name, LastActive: m.clock.Now()},
	})
}

// UntrackPresence announces that participantID left the presence channel.
func (m *Manager) UntrackPresence(ctx context.Context, participantID string) error {
	return m.publishPresence(ctx, model.PresenceEvent{
		Kind:   model.PresenceLeave,
		Record: &model.PresenceRecord{ParticipantID: participantID, LastActive: m.clock.Now()},
	})
}

// UpdateTypingStatus broadcasts the typing state of participantID.
func (m *Manager) UpdateTypingStatus(ctx context.Context, participantID string, isTyping bool) error {
	return m.publishPresence(ctx, model.PresenceEvent{
		Kind:   model.PresenceTyping,
		Record: &model.PresenceRecord{ParticipantID: participantID, IsTyping: isTyping, LastActive: m.clock.Now()},
	})
}

func (m *Manager) publishPresence(ctx context.Context, ev model.PresenceEvent) error {
	m.mu.Lock()
	if m.cfg == nil {
		m.mu.Unlock()
		return fmt.Errorf("realtime: presence before subscribe")
	}
	sid := m.cfg.SessionID
	m.mu.Unlock()
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return m.bus.Publish(ctx, model.PresenceTopic(sid), data)
}

// teardownLocked invalidates the current generation and releases its
// streams and timers. Pending updates stay buffered.
func (m *Manager) teardownLocked() {
	m.generation++
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	for _, s := range m.streams {
		_ = m.bus.Unwatch(context.Background(), s.key, s.ch)
	}
	m.streams = nil
	if m.retryTimer != nil {
		m.retryTimer.Stop()
		m.retryTimer = nil
	}
	if m.flushTimer != nil {
		m.flushTimer.Stop()
		m.flushTimer = nil
	}
	if m.live {
		m.live = false
		metrics.SubscriptionGauge.Dec()
	}
}

// connect opens every stream of the configured session as a new generation.
func (m *Manager) connect() {
	m.deliverMu.Lock()
	m.mu.Lock()
	if m.terminated || m.cfg == nil {
		m.mu.Unlock()
		m.deliverMu.Unlock()
		return
	}
	m.teardownLocked()
	batch := m.drainLocked()
	gen := m.generation
	sid := m.cfg.SessionID
	m.state = StateSubscribing
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.mu.Unlock()
	m.deliverUpdates(batch)
	m.deliverMu.Unlock()

	streams := []*stream{
		{table: model.TableItems, key: model.Topic(model.TableItems, sid)},
		{table: model.TableParticipants, key: model.Topic(model.TableParticipants, sid)},
		{table: model.TableSessions, key: model.Topic(model.TableSessions, sid)},
		{table: "presence", key: model.PresenceTopic(sid)},
	}
	var g errgroup.Group
	for _, s := range streams {
		s := s
		g.Go(func() error {
			ch, err := m.bus.Watch(ctx, s.key)
			if err != nil {
				return fmt.Errorf("watch %s: %w", s.key, err)
			}
			s.ch = ch
			s.joined = true
			return nil
		})
	}
	err := g.Wait()

	m.mu.Lock()
	if gen != m.generation || m.terminated {
		m.mu.Unlock()
		cancel()
		return
	}
	if err != nil {
		for _, s := range streams {
			if s.ch != nil {
				_ = m.bus.Unwatch(context.Background(), s.key, s.ch)
			}
		}
		cancel()
		m.cancel = nil
		m.logger.Warn("realtime subscribe failed", "session", sid, "error", err)
		fire := m.failLocked(gen)
		m.mu.Unlock()
		if fire {
			m.connectionFailed(sid)
		}
		return
	}
	m.streams = streams
	m.state = StateSubscribed
	m.attempts = 0
	m.live = true
	metrics.SubscriptionGauge.Inc()
	m.armFlushLocked(gen)
	m.mu.Unlock()

	m.logger.Debug("realtime subscribed", "session", sid, "streams", len(streams))
	for _, s := range streams {
		go m.pump(gen, s)
	}
}

// failLocked records a failure of generation gen and either schedules a
// retry or moves to the failed state. It reports whether OnConnectionFailed
// must be fired.
func (m *Manager) failLocked(gen uint64) bool {
	m.attempts++
	if m.attempts > m.maxAttempts {
		m.state = StateFailed
		if m.cancel != nil {
			m.cancel()
			m.cancel = nil
		}
		for _, s := range m.streams {
			_ = m.bus.Unwatch(context.Background(), s.key, s.ch)
		}
		m.streams = nil
		if m.live {
			m.live = false
			metrics.SubscriptionGauge.Dec()
		}
		if m.failedFired {
			return false
		}
		m.failedFired = true
		return true
	}
	delay := m.backoff(m.attempts)
	m.state = StateReconnecting
	metrics.ReconnectCounter.Inc()
	m.retryTimer = m.clock.AfterFunc(delay, func() { m.retry(gen) })
	m.logger.Info("realtime reconnect scheduled", "attempt", m.attempts, "delay", delay)
	return false
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= m.maxDelay {
			return m.maxDelay
		}
	}
	if d > m.maxDelay {
		d = m.maxDelay
	}
	return d
}

func (m *Manager) retry(gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.terminated {
		m.mu.Unlock()
		return
	}
	m.retryTimer = nil
	m.mu.Unlock()
	m.connect()
}

func (m *Manager) connectionFailed(sid string) {
	metrics.ConnectionFailedCounter.Inc()
	m.logger.Error("realtime connection failed", "session", sid, "attempts", m.maxAttempts)
	if m.handlers.OnConnectionFailed != nil {
		m.handlers.OnConnectionFailed()
	}
}

func (m *Manager) pump(gen uint64, s *stream) {
	for data := range s.ch {
		m.dispatch(gen, s.table, data)
	}
	m.streamClosed(gen, s)
}

func (m *Manager) streamClosed(gen uint64, s *stream) {
	m.mu.Lock()
	if gen != m.generation || m.terminated || m.state == StateFailed {
		m.mu.Unlock()
		return
	}
	s.joined = false
	if m.retryTimer != nil {
		m.mu.Unlock()
		return
	}
	sid := m.cfg.SessionID
	m.logger.Warn("realtime stream closed", "session", sid, "stream", s.table)
	fire := m.failLocked(gen)
	m.mu.Unlock()
	if fire {
		m.connectionFailed(sid)
	}
}

func (m *Manager) armFlushLocked(gen uint64) {
	m.flushTimer = m.clock.AfterFunc(m.flushInterval, func() { m.flushTick(gen) })
}

func (m *Manager) flushTick(gen uint64) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.mu.Lock()
	if gen != m.generation || m.terminated {
		m.mu.Unlock()
		return
	}
	batch := m.drainLocked()
	if m.state == StateFailed {
		m.flushTimer = nil
	} else {
		m.armFlushLocked(gen)
	}
	m.mu.Unlock()
	m.deliverUpdates(batch)
}

// drainLocked empties the pending buffer in first-buffered order.
func (m *Manager) drainLocked() []model.Item {
	if len(m.pending) == 0 {
		m.pendingOrder = m.pendingOrder[:0]
		return nil
	}
	out := make([]model.Item, 0, len(m.pending))
	for _, id := range m.pendingOrder {
		if it, ok := m.pending[id]; ok {
			out = append(out, it)
			delete(m.pending, id)
		}
	}
	m.pendingOrder = m.pendingOrder[:0]
	return out
}

func (m *Manager) deliverUpdates(batch []model.Item) {
	if len(batch) == 0 {
		return
	}
	metrics.FlushedCounter.Add(float64(len(batch)))
	if m.handlers.OnItemUpdated == nil {
		return
	}
	for _, it := range batch {
		m.handlers.OnItemUpdated(it)
	}
}

func (m *Manager) dispatch(gen uint64, table string, data []byte) {
	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()

	m.mu.Lock()
	if gen != m.generation || m.terminated {
		m.mu.Unlock()
		return
	}
	var deliver func()
	var err error
	switch table {
	case "presence":
		deliver, err = m.presenceEventLocked(data)
	default:
		var c model.Change
		if err = json.Unmarshal(data, &c); err == nil {
			deliver, err = m.changeLocked(c)
		}
	}
	m.mu.Unlock()
	if err != nil {
		m.logger.Warn("realtime event dropped", "stream", table, "error", err)
		return
	}
	if deliver != nil {
		deliver()
	}
}

// changeLocked applies c to the local state and returns the handler call it
// requires, if any.
func (m *Manager) changeLocked(c model.Change) (func(), error) {
	switch c.Table {
	case model.TableItems:
		return m.itemChangeLocked(c)
	case model.TableParticipants:
		return m.participantChangeLocked(c)
	case model.TableSessions:
		if c.Type == model.ChangeDelete {
			return nil, nil
		}
		var s model.Session
		if err := json.Unmarshal(c.After, &s); err != nil {
			return nil, err
		}
		remaining := s.TimeRemaining(m.clock.Now())
		if h := m.handlers.OnSessionStateChanged; h != nil {
			return func() { h(s.Status, remaining) }, nil
		}
		return nil, nil
	}
	return nil, fmt.Errorf("unknown table %q", c.Table)
}

func (m *Manager) itemChangeLocked(c model.Change) (func(), error) {
	metrics.ItemEventCounter.WithLabelValues(string(c.Type)).Inc()
	var it model.Item
	switch c.Type {
	case model.ChangeInsert:
		if err := json.Unmarshal(c.After, &it); err != nil {
			return nil, err
		}
		if h := m.handlers.OnItemCreated; h != nil {
			return func() { h(it) }, nil
		}
	case model.ChangeUpdate:
		if err := json.Unmarshal(c.After, &it); err != nil {
			return nil, err
		}
		if _, ok := m.pending[it.ID]; ok {
			metrics.CoalescedCounter.Inc()
		} else {
			m.pendingOrder = append(m.pendingOrder, it.ID)
		}
		m.pending[it.ID] = it
	case model.ChangeDelete:
		if err := json.Unmarshal(c.Before, &it); err != nil {
			return nil, err
		}
		delete(m.pending, it.ID)
		if h := m.handlers.OnItemDeleted; h != nil {
			return func() { h(it) }, nil
		}
	default:
		return nil, fmt.Errorf("unknown change type %q", c.Type)
	}
	return nil, nil
}

func (m *Manager) participantChangeLocked(c model.Change) (func(), error) {
	var p model.Participant
	raw := c.After
	if c.Type == model.ChangeDelete {
		raw = c.Before
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	switch {
	case c.Type == model.ChangeInsert:
		if h := m.handlers.OnParticipantJoined; h != nil {
			return func() { h(p) }, nil
		}
	case c.Type == model.ChangeDelete || p.DisconnectedAt != nil:
		var presence func()
		if _, ok := m.presence[p.ID]; ok {
			delete(m.presence, p.ID)
			presence = m.presenceNotifyLocked()
		}
		h := m.handlers.OnParticipantLeft
		return func() {
			if h != nil {
				h(p)
			}
			if presence != nil {
				presence()
			}
		}, nil
	default:
		if h := m.handlers.OnParticipantUpdated; h != nil {
			return func() { h(p) }, nil
		}
	}
	return nil, nil
}

func (m *Manager) presenceEventLocked(data []byte) (func(), error) {
	var ev model.PresenceEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	switch ev.Kind {
	case model.PresenceSync:
		m.presence = make(map[string]model.PresenceRecord, len(ev.Records))
		for _, r := range ev.Records {
			m.presence[r.ParticipantID] = r
		}
	case model.PresenceJoin:
		if ev.Record == nil {
			return nil, fmt.Errorf("presence join without record")
		}
		m.presence[ev.Record.ParticipantID] = *ev.Record
	case model.PresenceLeave:
		if ev.Record == nil {
			return nil, fmt.Errorf("presence leave without record")
		}
		delete(m.presence, ev.Record.ParticipantID)
	case model.PresenceTyping:
		if ev.Record == nil {
			return nil, fmt.Errorf("typing without record")
		}
		r := m.presence[ev.Record.ParticipantID]
		r.ParticipantID = ev.Record.ParticipantID
		r.IsTyping = ev.Record.IsTyping
		r.LastActive = ev.Record.LastActive
		m.presence[r.ParticipantID] = r
	default:
		return nil, fmt.Errorf("unknown presence kind %q", ev.Kind)
	}
	return m.presenceNotifyLocked(), nil
}

func (m *Manager) presenceNotifyLocked() func() {
	h := m.handlers.OnPresenceChanged
	if h == nil {
		return nil
	}
	snap := m.presenceLocked()
	return func() { h(snap) }
}
