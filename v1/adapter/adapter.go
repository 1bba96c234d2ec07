package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mirkobrombin/go-huddle/v1/clock"
	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/model"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

// SessionReader reads session records.
type SessionReader interface {
	ReadSession(ctx context.Context, id string) (model.Session, error)
}

// LockStore persists the lock fields of items.
type LockStore interface {
	// ReadLock returns the item's lock or nil when unlocked.
	ReadLock(ctx context.Context, itemID string) (*model.Lock, error)
	// WriteLock records lock as the item's current lock only while the
	// stored lock still equals prev (nil meaning unlocked). A mismatch fails
	// with a LOCKED error naming the current holder.
	WriteLock(ctx context.Context, itemID string, lock model.Lock, prev *model.Lock) error
	// ClearLock clears the lock fields only if holder currently holds them
	// and, when acquiredAt is non-zero, took them at acquiredAt.
	ClearLock(ctx context.Context, itemID, holder string, acquiredAt time.Time) (bool, error)
	// ListLocks returns every held lock keyed by item id.
	ListLocks(ctx context.Context) (map[string]model.Lock, error)
}

// Store is the storage collaborator of the huddle core. Every mutation is
// announced on the configured watch bus as a model.Change.
type Store interface {
	SessionReader
	LockStore
	WriteSession(ctx context.Context, s model.Session) error
	ReadParticipant(ctx context.Context, id string) (model.Participant, error)
	WriteParticipant(ctx context.Context, p model.Participant) error
	ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error)
	ReadItem(ctx context.Context, id string) (model.Item, error)
	WriteItem(ctx context.Context, it model.Item) error
	// UpdateItem rewrites an existing item and fails with NOT_FOUND when it
	// is gone.
	UpdateItem(ctx context.Context, it model.Item) error
	DeleteItem(ctx context.Context, id string) error
	ListItems(ctx context.Context, sessionID string) ([]model.Item, error)
}

// Option configures a store.
type Option func(*storeOptions)

type storeOptions struct {
	bus    watchbus.WatchBus
	clock  clock.Clock
	logger *slog.Logger
}

// WithBus sets the bus changes are published on.
func WithBus(bus watchbus.WatchBus) Option {
	return func(o *storeOptions) { o.bus = bus }
}

// WithClock sets the clock used to stamp changes.
func WithClock(c clock.Clock) Option {
	return func(o *storeOptions) { o.clock = c }
}

// WithLogger sets the logger used for publish failures.
func WithLogger(l *slog.Logger) Option {
	return func(o *storeOptions) { o.logger = l }
}

func newOptions(opts []Option) storeOptions {
	o := storeOptions{clock: clock.System(), logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// publish announces a change. A failed publish never fails the write.
func (o storeOptions) publish(ctx context.Context, table string, typ model.ChangeType, sessionID string, before, after any) {
	if o.bus == nil {
		return
	}
	c, err := model.NewChange(table, typ, sessionID, before, after, o.clock.Now())
	if err != nil {
		o.logger.Warn("encode change", "table", table, "err", err)
		return
	}
	data, err := json.Marshal(c)
	if err != nil {
		o.logger.Warn("encode change", "table", table, "err", err)
		return
	}
	if err := o.bus.Publish(ctx, model.Topic(table, sessionID), data); err != nil {
		o.logger.Warn("publish change", "table", table, "session", sessionID, "err", err)
	}
}

func notFound(kind, id string) error {
	return huddleerrors.New(huddleerrors.CodeNotFound, kind+" "+id+" not found")
}

func isNotFound(err error) bool {
	return errors.Is(err, huddleerrors.ErrNotFound)
}

// InMemoryStore is a Store implementation backed by maps.
type InMemoryStore struct {
	opts storeOptions

	mu           sync.Mutex
	sessions     map[string]model.Session
	participants map[string]model.Participant
	items        map[string]model.Item
}

// NewInMemoryStore returns a new InMemoryStore.
func NewInMemoryStore(opts ...Option) *InMemoryStore {
	return &InMemoryStore{
		opts:         newOptions(opts),
		sessions:     make(map[string]model.Session),
		participants: make(map[string]model.Participant),
		items:        make(map[string]model.Item),
	}
}

// ReadSession implements Store.ReadSession.
func (s *InMemoryStore) ReadSession(ctx context.Context, id string) (model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.sessions[id]
	if !ok {
		return model.Session{}, notFound("session", id)
	}
	return v, nil
}

// WriteSession implements Store.WriteSession.
func (s *InMemoryStore) WriteSession(ctx context.Context, v model.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.sessions[v.ID]
	s.sessions[v.ID] = v
	if ok {
		s.opts.publish(ctx, model.TableSessions, model.ChangeUpdate, v.ID, before, v)
	} else {
		s.opts.publish(ctx, model.TableSessions, model.ChangeInsert, v.ID, nil, v)
	}
	return nil
}

// ReadParticipant implements Store.ReadParticipant.
func (s *InMemoryStore) ReadParticipant(ctx context.Context, id string) (model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.participants[id]
	if !ok {
		return model.Participant{}, notFound("participant", id)
	}
	return v, nil
}

// WriteParticipant implements Store.WriteParticipant.
func (s *InMemoryStore) WriteParticipant(ctx context.Context, p model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.participants[p.ID]
	s.participants[p.ID] = p
	if ok {
		s.opts.publish(ctx, model.TableParticipants, model.ChangeUpdate, p.SessionID, before, p)
	} else {
		s.opts.publish(ctx, model.TableParticipants, model.ChangeInsert, p.SessionID, nil, p)
	}
	return nil
}

// ListParticipants implements Store.ListParticipants.
func (s *InMemoryStore) ListParticipants(ctx context.Context, sessionID string) ([]model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Participant
	for _, p := range s.participants {
		if p.SessionID == sessionID {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ReadItem implements Store.ReadItem.
func (s *InMemoryStore) ReadItem(ctx context.Context, id string) (model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[id]
	if !ok {
		return model.Item{}, notFound("item", id)
	}
	return v, nil
}

// WriteItem implements Store.WriteItem. The stored lock fields are kept;
// only the lock operations change them.
func (s *InMemoryStore) WriteItem(ctx context.Context, it model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.items[it.ID]
	if ok {
		it.LockHolder, it.LockAcquiredAt = before.LockHolder, before.LockAcquiredAt
		s.items[it.ID] = it
		s.opts.publish(ctx, model.TableItems, model.ChangeUpdate, it.SessionID, before, it)
		return nil
	}
	s.items[it.ID] = it
	s.opts.publish(ctx, model.TableItems, model.ChangeInsert, it.SessionID, nil, it)
	return nil
}

// UpdateItem implements Store.UpdateItem.
func (s *InMemoryStore) UpdateItem(ctx context.Context, it model.Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.items[it.ID]
	if !ok {
		return notFound("item", it.ID)
	}
	it.LockHolder, it.LockAcquiredAt = before.LockHolder, before.LockAcquiredAt
	s.items[it.ID] = it
	s.opts.publish(ctx, model.TableItems, model.ChangeUpdate, it.SessionID, before, it)
	return nil
}

// DeleteItem implements Store.DeleteItem.
func (s *InMemoryStore) DeleteItem(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.items[id]
	if !ok {
		return notFound("item", id)
	}
	delete(s.items, id)
	s.opts.publish(ctx, model.TableItems, model.ChangeDelete, before.SessionID, before, nil)
	return nil
}

// ListItems implements Store.ListItems.
func (s *InMemoryStore) ListItems(ctx context.Context, sessionID string) ([]model.Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Item
	for _, it := range s.items {
		if it.SessionID == sessionID {
			out = append(out, it)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// ReadLock implements LockStore.ReadLock.
func (s *InMemoryStore) ReadLock(ctx context.Context, itemID string) (*model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	it, ok := s.items[itemID]
	if !ok {
		return nil, notFound("item", itemID)
	}
	return it.Lock(), nil
}

// WriteLock implements LockStore.WriteLock.
func (s *InMemoryStore) WriteLock(ctx context.Context, itemID string, l model.Lock, prev *model.Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.items[itemID]
	if !ok {
		return notFound("item", itemID)
	}
	if cur := before.Lock(); !model.SameLock(cur, prev) {
		return huddleerrors.Locked(model.HolderOf(cur))
	}
	after := before
	at := l.AcquiredAt
	after.LockHolder, after.LockAcquiredAt = l.Holder, &at
	s.items[itemID] = after
	s.opts.publish(ctx, model.TableItems, model.ChangeUpdate, after.SessionID, before, after)
	return nil
}

// ClearLock implements LockStore.ClearLock.
func (s *InMemoryStore) ClearLock(ctx context.Context, itemID, holder string, acquiredAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	before, ok := s.items[itemID]
	if !ok {
		return false, notFound("item", itemID)
	}
	cur := before.Lock()
	if cur == nil || cur.Holder != holder || (!acquiredAt.IsZero() && !cur.AcquiredAt.Equal(acquiredAt)) {
		return false, nil
	}
	after := before
	after.LockHolder, after.LockAcquiredAt = "", nil
	s.items[itemID] = after
	s.opts.publish(ctx, model.TableItems, model.ChangeUpdate, after.SessionID, before, after)
	return true, nil
}

// ListLocks implements LockStore.ListLocks.
func (s *InMemoryStore) ListLocks(ctx context.Context) (map[string]model.Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]model.Lock)
	for id, it := range s.items {
		if l := it.Lock(); l != nil {
			out[id] = *l
		}
	}
	return out, nil
}
