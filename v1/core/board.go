// Package core composes the huddle collaborators into the operations a
// participant performs on a session board.
//
// Every mutation follows the same path: the caller's token is validated,
// the session state is gated, content is moderated, the rate guard admits
// or denies, the lock coordinator is consulted for item-level exclusivity
// and the store persists. Subscribers observe the result through the change
// events the store publishes.
package core

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mirkobrombin/go-huddle/v1/adapter"
	"github.com/mirkobrombin/go-huddle/v1/auth"
	"github.com/mirkobrombin/go-huddle/v1/clock"
	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/lock"
	"github.com/mirkobrombin/go-huddle/v1/model"
	"github.com/mirkobrombin/go-huddle/v1/moderation"
	"github.com/mirkobrombin/go-huddle/v1/ratelimit"
	"github.com/mirkobrombin/go-huddle/v1/watchbus"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-huddle/v1/core")

// Board runs participant operations against one store.
type Board struct {
	store     adapter.Store
	sessions  adapter.SessionReader
	validator auth.Validator
	moderator moderation.Moderator
	limiter   ratelimit.Limiter
	locks     *lock.Coordinator
	presence  watchbus.WatchBus
	clock     clock.Clock
	logger    *slog.Logger
}

// Option configures a Board.
type Option func(*Board)

// WithSessionReader reads sessions through r instead of the store, typically
// an adapter.SessionCache.
func WithSessionReader(r adapter.SessionReader) Option {
	return func(b *Board) { b.sessions = r }
}

// WithModerator sets the content moderator.
func WithModerator(m moderation.Moderator) Option {
	return func(b *Board) { b.moderator = m }
}

// WithLimiter sets the rate guard.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(b *Board) { b.limiter = l }
}

// WithLocks sets the lock coordinator.
func WithLocks(c *lock.Coordinator) Option {
	return func(b *Board) { b.locks = c }
}

// WithPresenceBus publishes presence sync and leave events on bus when
// participants join and leave.
func WithPresenceBus(bus watchbus.WatchBus) Option {
	return func(b *Board) { b.presence = bus }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(b *Board) { b.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Board) { b.logger = l }
}

// NewBoard returns a Board. Unset collaborators default to the store itself
// for sessions and locks, a basic moderator and an in-memory rate guard.
func NewBoard(store adapter.Store, validator auth.Validator, opts ...Option) *Board {
	b := &Board{
		store:     store,
		validator: validator,
		clock:     clock.System(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.sessions == nil {
		b.sessions = store
	}
	if b.moderator == nil {
		b.moderator = moderation.NewBasic()
	}
	if b.limiter == nil {
		b.limiter = ratelimit.NewGuard(ratelimit.WithClock(b.clock), ratelimit.WithLogger(b.logger))
	}
	if b.locks == nil {
		b.locks = lock.NewCoordinator(store, lock.WithClock(b.clock), lock.WithLogger(b.logger))
	}
	return b
}

// Locks returns the lock coordinator.
func (b *Board) Locks() *lock.Coordinator { return b.locks }

// Limiter returns the rate guard.
func (b *Board) Limiter() ratelimit.Limiter { return b.limiter }

type action int

const (
	actJoin action = iota
	actSubmit
	actEdit
)

// gate maps the session state to the denial for act, if any.
func gate(s model.Session, now time.Time, act action) error {
	switch {
	case s.Status.Ended():
		return huddleerrors.ErrSessionEnded
	case s.Expired(now):
		return huddleerrors.ErrSessionExpired
	case s.Status == model.StatusPaused:
		if act == actSubmit {
			return huddleerrors.ErrSessionPaused
		}
		return nil
	case s.Status != model.StatusActive:
		return huddleerrors.ErrSessionInactive
	}
	return nil
}

func (b *Board) start(ctx context.Context, name, sessionID string) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("huddle.session", sessionID))
	return ctx, span
}

func (b *Board) finish(span trace.Span, op string, err error) {
	defer span.End()
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	if huddleerrors.CodeOf(err) != "" {
		b.logger.Debug("operation denied", "op", op, "code", huddleerrors.CodeOf(err), "error", err)
		return
	}
	b.logger.Warn("operation failed", "op", op, "error", err)
}

// authenticate validates token and returns the participant id and session.
func (b *Board) authenticate(ctx context.Context, sessionID, token string) (string, model.Session, error) {
	v, err := b.validator.Validate(ctx, sessionID, token)
	if err != nil {
		return "", model.Session{}, fmt.Errorf("validate token: %w", err)
	}
	if !v.Valid {
		return "", model.Session{}, huddleerrors.ErrUnauthorized
	}
	s, err := b.sessions.ReadSession(ctx, sessionID)
	if err != nil {
		return "", model.Session{}, err
	}
	return v.ParticipantID, s, nil
}

// member returns the connected participant pid of sessionID.
func (b *Board) member(ctx context.Context, s model.Session, pid string) (model.Participant, error) {
	p, err := b.store.ReadParticipant(ctx, pid)
	if err != nil {
		if stdErrors.Is(err, huddleerrors.ErrNotFound) {
			return p, huddleerrors.New(huddleerrors.CodeForbidden, "participant has not joined the session")
		}
		return p, err
	}
	if p.SessionID != s.ID || p.DisconnectedAt != nil {
		return p, huddleerrors.New(huddleerrors.CodeForbidden, "participant has not joined the session")
	}
	if s.RequireApproval && !p.Approved {
		return p, huddleerrors.New(huddleerrors.CodeForbidden, "participant is awaiting approval")
	}
	return p, nil
}

// sessionItem reads itemID and checks that it belongs to sessionID.
func (b *Board) sessionItem(ctx context.Context, sessionID, itemID string) (model.Item, error) {
	it, err := b.store.ReadItem(ctx, itemID)
	if err != nil {
		return it, err
	}
	if it.SessionID != sessionID {
		return it, huddleerrors.New(huddleerrors.CodeNotFound, "item not found")
	}
	return it, nil
}

func (b *Board) moderate(ctx context.Context, content string) (string, error) {
	res, err := b.moderator.Validate(ctx, content)
	if err != nil {
		return "", fmt.Errorf("moderate: %w", err)
	}
	if !res.Valid {
		return "", huddleerrors.New(huddleerrors.CodeValidation, res.Reason)
	}
	return res.Sanitized, nil
}

// Join admits the caller into sessionID under name. Joining again while
// connected returns the existing participant.
func (b *Board) Join(ctx context.Context, sessionID, token, name string) (p model.Participant, err error) {
	ctx, span := b.start(ctx, "Board.Join", sessionID)
	defer func() { b.finish(span, "join", err) }()

	pid, s, err := b.authenticate(ctx, sessionID, token)
	if err != nil {
		return p, err
	}
	now := b.clock.Now()
	if err := gate(s, now, actJoin); err != nil {
		return p, err
	}
	d, err := b.limiter.CheckJoin(ctx, sessionID, pid, s.MaxParticipants)
	if err != nil {
		return p, err
	}
	if err := d.Err(); err != nil {
		return p, err
	}

	// seated participants held their slot before this call
	seated := false
	existing, err := b.store.ReadParticipant(ctx, pid)
	switch {
	case err == nil && existing.SessionID == sessionID:
		p = existing
		seated = existing.DisconnectedAt == nil
	case err == nil || stdErrors.Is(err, huddleerrors.ErrNotFound):
		p = model.Participant{ID: pid, SessionID: sessionID, Approved: !s.RequireApproval}
	default:
		return p, err
	}
	p.Name = name
	p.LastActive = now
	p.DisconnectedAt = nil
	if err := b.store.WriteParticipant(ctx, p); err != nil {
		if !seated {
			b.releaseSlot(ctx, sessionID, pid)
		}
		return p, err
	}
	b.syncPresence(ctx, sessionID)
	return p, nil
}

func (b *Board) releaseSlot(ctx context.Context, sessionID, pid string) {
	if err := b.limiter.RemoveParticipant(ctx, sessionID, pid); err != nil {
		b.logger.Warn("release participant slot", "session", sessionID, "participant", pid, "err", err)
	}
}

// Approve marks participantID as approved in sessions that require it.
func (b *Board) Approve(ctx context.Context, sessionID, participantID string) (err error) {
	ctx, span := b.start(ctx, "Board.Approve", sessionID)
	defer func() { b.finish(span, "approve", err) }()

	p, err := b.store.ReadParticipant(ctx, participantID)
	if err != nil {
		return err
	}
	if p.SessionID != sessionID {
		return huddleerrors.New(huddleerrors.CodeNotFound, "participant not found")
	}
	if p.Approved {
		return nil
	}
	p.Approved = true
	return b.store.WriteParticipant(ctx, p)
}

// Leave disconnects the caller, frees its join slot and releases its locks.
// It is allowed in every session state.
func (b *Board) Leave(ctx context.Context, sessionID, token string) (err error) {
	ctx, span := b.start(ctx, "Board.Leave", sessionID)
	defer func() { b.finish(span, "leave", err) }()

	pid, _, err := b.authenticate(ctx, sessionID, token)
	if err != nil {
		return err
	}
	p, err := b.store.ReadParticipant(ctx, pid)
	if err != nil {
		return err
	}
	if p.SessionID != sessionID {
		return huddleerrors.New(huddleerrors.CodeNotFound, "participant not found")
	}
	if p.DisconnectedAt == nil {
		now := b.clock.Now()
		p.DisconnectedAt = &now
		if err := b.store.WriteParticipant(ctx, p); err != nil {
			return err
		}
	}
	if err := b.limiter.RemoveParticipant(ctx, sessionID, pid); err != nil {
		b.logger.Warn("free join slot", "session", sessionID, "participant", pid, "error", err)
	}
	if n, err := b.locks.ReleaseAll(ctx, pid); err != nil {
		b.logger.Warn("release locks on leave", "participant", pid, "error", err)
	} else if n > 0 {
		b.logger.Debug("released locks on leave", "participant", pid, "count", n)
	}
	b.publishPresence(ctx, sessionID, model.PresenceEvent{
		Kind:   model.PresenceLeave,
		Record: &model.PresenceRecord{ParticipantID: pid, LastActive: b.clock.Now()},
	})
	return nil
}

// Submit adds a new item authored by the caller.
func (b *Board) Submit(ctx context.Context, sessionID, token, content string) (it model.Item, err error) {
	ctx, span := b.start(ctx, "Board.Submit", sessionID)
	defer func() { b.finish(span, "submit", err) }()

	pid, s, err := b.authenticate(ctx, sessionID, token)
	if err != nil {
		return it, err
	}
	now := b.clock.Now()
	if err := gate(s, now, actSubmit); err != nil {
		return it, err
	}
	p, err := b.member(ctx, s, pid)
	if err != nil {
		return it, err
	}
	clean, err := b.moderate(ctx, content)
	if err != nil {
		return it, err
	}
	d, err := b.limiter.CheckSubmission(ctx, pid)
	if err != nil {
		return it, err
	}
	if err := d.Err(); err != nil {
		return it, err
	}

	it = model.Item{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		AuthorID:  pid,
		Content:   clean,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := b.store.WriteItem(ctx, it); err != nil {
		return model.Item{}, err
	}
	span.SetAttributes(attribute.String("huddle.item", it.ID))

	p.Contributions++
	p.LastActive = now
	if err := b.store.WriteParticipant(ctx, p); err != nil {
		b.logger.Warn("update contributions", "participant", pid, "error", err)
	}
	return it, nil
}

// Update replaces the content of itemID. Another participant's live lock
// denies it with FORBIDDEN.
func (b *Board) Update(ctx context.Context, sessionID, token, itemID, content string) (it model.Item, err error) {
	ctx, span := b.start(ctx, "Board.Update", sessionID)
	defer func() { b.finish(span, "update", err) }()
	span.SetAttributes(attribute.String("huddle.item", itemID))

	pid, s, err := b.authenticate(ctx, sessionID, token)
	if err != nil {
		return it, err
	}
	if err := gate(s, b.clock.Now(), actEdit); err != nil {
		return it, err
	}
	if _, err := b.member(ctx, s, pid); err != nil {
		return it, err
	}
	clean, err := b.moderate(ctx, content)
	if err != nil {
		return it, err
	}
	if it, err = b.sessionItem(ctx, sessionID, itemID); err != nil {
		return it, err
	}
	if err := b.locks.Verify(ctx, itemID, pid); err != nil {
		return it, err
	}
	it.Content = clean
	it.UpdatedAt = b.clock.Now()
	if err := b.store.UpdateItem(ctx, it); err != nil {
		return it, err
	}
	return b.store.ReadItem(ctx, itemID)
}

// Delete removes itemID. Another participant's live lock denies it with
// FORBIDDEN.
func (b *Board) Delete(ctx context.Context, sessionID, token, itemID string) (err error) {
	ctx, span := b.start(ctx, "Board.Delete", sessionID)
	defer func() { b.finish(span, "delete", err) }()
	span.SetAttributes(attribute.String("huddle.item", itemID))

	pid, s, err := b.authenticate(ctx, sessionID, token)
	if err != nil {
		return err
	}
	if err := gate(s, b.clock.Now(), actEdit); err != nil {
		return err
	}
	if _, err := b.member(ctx, s, pid); err != nil {
		return err
	}
	if _, err := b.sessionItem(ctx, sessionID, itemID); err != nil {
		return err
	}
	if err := b.locks.Verify(ctx, itemID, pid); err != nil {
		return err
	}
	return b.store.DeleteItem(ctx, itemID)
}

// StartEditing acquires the editing lock of itemID for the caller.
func (b *Board) StartEditing(ctx context.Context, sessionID, token, itemID string) (l model.Lock, err error) {
	ctx, span := b.start(ctx, "Board.StartEditing", sessionID)
	defer func() { b.finish(span, "start_editing", err) }()
	span.SetAttributes(attribute.String("huddle.item", itemID))

	pid, s, err := b.authenticate(ctx, sessionID, token)
	if err != nil {
		return l, err
	}
	if err := gate(s, b.clock.Now(), actEdit); err != nil {
		return l, err
	}
	if _, err := b.member(ctx, s, pid); err != nil {
		return l, err
	}
	if _, err := b.sessionItem(ctx, sessionID, itemID); err != nil {
		return l, err
	}
	return b.locks.Acquire(ctx, itemID, pid)
}

// StopEditing releases the caller's lock on itemID. It reports whether a
// lock was released and is allowed in every session state.
func (b *Board) StopEditing(ctx context.Context, sessionID, token, itemID string) (released bool, err error) {
	ctx, span := b.start(ctx, "Board.StopEditing", sessionID)
	defer func() { b.finish(span, "stop_editing", err) }()
	span.SetAttributes(attribute.String("huddle.item", itemID))

	pid, _, err := b.authenticate(ctx, sessionID, token)
	if err != nil {
		return false, err
	}
	if _, err := b.sessionItem(ctx, sessionID, itemID); err != nil {
		return false, err
	}
	return b.locks.Release(ctx, itemID, pid)
}

// Quota reports the caller's submission quota without consuming it.
func (b *Board) Quota(ctx context.Context, sessionID, token string) (d ratelimit.Decision, err error) {
	ctx, span := b.start(ctx, "Board.Quota", sessionID)
	defer func() { b.finish(span, "quota", err) }()

	pid, _, err := b.authenticate(ctx, sessionID, token)
	if err != nil {
		return d, err
	}
	return b.limiter.Status(ctx, pid)
}

// Items lists the items of sessionID for callers catching up or polling
// after live updates failed.
func (b *Board) Items(ctx context.Context, sessionID, token string) (items []model.Item, err error) {
	ctx, span := b.start(ctx, "Board.Items", sessionID)
	defer func() { b.finish(span, "items", err) }()

	if _, _, err := b.authenticate(ctx, sessionID, token); err != nil {
		return nil, err
	}
	return b.store.ListItems(ctx, sessionID)
}

// Watch admits token to the live streams of sessionID and returns the
// caller's participant id. Like Items, reading needs only a valid token.
func (b *Board) Watch(ctx context.Context, sessionID, token string) (pid string, err error) {
	ctx, span := b.start(ctx, "Board.Watch", sessionID)
	defer func() { b.finish(span, "watch", err) }()

	pid, _, err = b.authenticate(ctx, sessionID, token)
	return pid, err
}

// AllowPresence fails unless participantID is connected to sessionID and the
// session still accepts activity. Paused sessions keep presence.
func (b *Board) AllowPresence(ctx context.Context, sessionID, participantID string) error {
	s, err := b.sessions.ReadSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if err := gate(s, b.clock.Now(), actEdit); err != nil {
		return err
	}
	_, err = b.member(ctx, s, participantID)
	return err
}

// syncPresence publishes the connected participants of sessionID as a
// presence sync event.
func (b *Board) syncPresence(ctx context.Context, sessionID string) {
	if b.presence == nil {
		return
	}
	ps, err := b.store.ListParticipants(ctx, sessionID)
	if err != nil {
		b.logger.Warn("presence sync", "session", sessionID, "error", err)
		return
	}
	recs := make([]model.PresenceRecord, 0, len(ps))
	for _, p := range ps {
		if p.DisconnectedAt != nil {
			continue
		}
		recs = append(recs, model.PresenceRecord{ParticipantID: p.ID, Name: p.Name, LastActive: p.LastActive})
	}
	b.publishPresence(ctx, sessionID, model.PresenceEvent{Kind: model.PresenceSync, Records: recs})
}

func (b *Board) publishPresence(ctx context.Context, sessionID string, ev model.PresenceEvent) {
	if b.presence == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.presence.Publish(ctx, model.PresenceTopic(sessionID), data); err != nil {
		b.logger.Warn("presence publish", "session", sessionID, "kind", ev.Kind, "error", err)
	}
}
