// Package model defines the records shared by the huddle components and the
// change envelopes carried over the watch bus.
package model

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusPaused    SessionStatus = "paused"
	StatusCompleted SessionStatus = "completed"
	StatusArchived  SessionStatus = "archived"
	StatusExpired   SessionStatus = "expired"
)

// Ended reports whether the status is terminal.
func (s SessionStatus) Ended() bool {
	return s == StatusCompleted || s == StatusArchived
}

// Session is a bounded collaborative context.
type Session struct {
	ID              string        `json:"id"`
	Status          SessionStatus `json:"status"`
	ExpiresAt       time.Time     `json:"expires_at"`
	MaxParticipants int           `json:"max_participants"`
	RequireApproval bool          `json:"require_approval"`
}

// TimeRemaining returns the time left before expiry, never negative.
func (s Session) TimeRemaining(now time.Time) time.Duration {
	if s.ExpiresAt.IsZero() {
		return 0
	}
	d := s.ExpiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Expired reports whether the session is past its expiry or marked expired.
func (s Session) Expired(now time.Time) bool {
	if s.Status == StatusExpired {
		return true
	}
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Participant is one connected actor in a session. A non-nil DisconnectedAt
// is the leave signal.
type Participant struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	Name           string     `json:"name"`
	Fingerprint    string     `json:"fingerprint,omitempty"`
	Approved       bool       `json:"approved"`
	LastActive     time.Time  `json:"last_active"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
	Contributions  int        `json:"contributions"`
}

// Lock is an advisory editing claim on an item.
type Lock struct {
	Holder     string    `json:"holder"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Item is the shared, lockable unit of content.
type Item struct {
	ID             string     `json:"id"`
	SessionID      string     `json:"session_id"`
	AuthorID       string     `json:"author_id"`
	Content        string     `json:"content"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	LockHolder     string     `json:"lock_holder,omitempty"`
	LockAcquiredAt *time.Time `json:"lock_acquired_at,omitempty"`
}

// Lock returns the item's lock, or nil when unlocked.
func (i Item) Lock() *Lock {
	if i.LockHolder == "" || i.LockAcquiredAt == nil {
		return nil
	}
	return &Lock{Holder: i.LockHolder, AcquiredAt: *i.LockAcquiredAt}
}

// SameLock reports whether a and b are both unlocked or name the same holder
// and acquisition time.
func SameLock(a, b *Lock) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Holder == b.Holder && a.AcquiredAt.Equal(b.AcquiredAt)
}

// HolderOf returns the holder of l, or "" when l is nil.
func HolderOf(l *Lock) string {
	if l == nil {
		return ""
	}
	return l.Holder
}

// Cursor is an optional pointer position shared through presence.
type Cursor struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	ItemID string  `json:"item_id,omitempty"`
}

// PresenceRecord is the ephemeral live state of a participant.
type PresenceRecord struct {
	ParticipantID string    `json:"participant_id"`
	Name          string    `json:"name,omitempty"`
	IsTyping      bool      `json:"is_typing"`
	LastActive    time.Time `json:"last_active"`
	Cursor        *Cursor   `json:"cursor,omitempty"`
}

// PresenceKind discriminates presence channel messages.
type PresenceKind string

const (
	PresenceSync   PresenceKind = "sync"
	PresenceJoin   PresenceKind = "join"
	PresenceLeave  PresenceKind = "leave"
	PresenceTyping PresenceKind = "typing"
)

// PresenceEvent is a message on the presence channel. Sync events carry the
// full server-side set in Records; the other kinds carry a single Record.
type PresenceEvent struct {
	Kind    PresenceKind     `json:"kind"`
	Record  *PresenceRecord  `json:"record,omitempty"`
	Records []PresenceRecord `json:"records,omitempty"`
}

// Table names of the change streams.
const (
	TableItems        = "items"
	TableParticipants = "participants"
	TableSessions     = "sessions"
)

// ChangeType is the kind of row mutation a Change describes.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Change is a row-level notification published by the storage layer.
type Change struct {
	Table     string          `json:"table"`
	Type      ChangeType      `json:"type"`
	SessionID string          `json:"session_id"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	At        time.Time       `json:"at"`
}

// Topic returns the watch bus key for table changes of a session.
func Topic(table, sessionID string) string {
	return "huddle:" + table + ":" + sessionID
}

// PresenceTopic returns the watch bus key of a session's presence channel.
func PresenceTopic(sessionID string) string {
	return "huddle:presence:" + sessionID
}

// NewChange builds a Change, encoding before and after as JSON when non-nil.
func NewChange(table string, typ ChangeType, sessionID string, before, after any, at time.Time) (Change, error) {
	c := Change{Table: table, Type: typ, SessionID: sessionID, At: at}
	if before != nil {
		b, err := json.Marshal(before)
		if err != nil {
			return c, err
		}
		c.Before = b
	}
	if after != nil {
		b, err := json.Marshal(after)
		if err != nil {
			return c, err
		}
		c.After = b
	}
	return c, nil
}
