// Package ratelimit bounds how fast participants submit items and how many
// participants a session admits. Repeat offenders are blocked for a while.
//
// Guard keeps its accounting in process memory and is advisory: separate
// processes do not share it. RedisGuard offers the same contract backed by
// Redis for multi-instance deployments.
package ratelimit

import (
	"context"
	"time"

	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
)

const (
	DefaultWindow          = 60 * time.Second
	DefaultMaxSubmissions  = 6
	DefaultViolations      = 3
	DefaultBlockDuration   = 5 * time.Minute
	DefaultMaxParticipants = 50
)

// Reasons reported in Decision.Reason.
const (
	ReasonRateLimited = "too many submissions, slow down"
	ReasonBlocked     = "temporarily blocked after repeated violations"
	ReasonSessionFull = "session has reached its participant limit"
)

// Decision is the outcome of a check.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Remaining is the number of submissions still admitted in the window.
	Remaining int `json:"remaining"`
	// ResetIn is the time until the oldest recorded submission leaves the window.
	ResetIn time.Duration `json:"reset_in"`
	// RetryAfter is set on denials.
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Blocked    bool          `json:"blocked,omitempty"`
	Reason     string        `json:"reason,omitempty"`
}

// Err converts a denial into a typed error, or nil when allowed.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	if d.Reason == ReasonSessionFull {
		return huddleerrors.New(huddleerrors.CodeCapacityExceeded, d.Reason)
	}
	return huddleerrors.RateLimited(d.Reason, d.RetryAfter)
}

// Limiter is implemented by Guard and RedisGuard.
type Limiter interface {
	// CheckSubmission admits or denies a submission by participantID.
	CheckSubmission(ctx context.Context, participantID string) (Decision, error)
	// CheckJoin admits or denies participantID into sessionID. capacity
	// overrides the configured maximum when positive.
	CheckJoin(ctx context.Context, sessionID, participantID string, capacity int) (Decision, error)
	// RemoveParticipant frees participantID's slot in sessionID.
	RemoveParticipant(ctx context.Context, sessionID, participantID string) error
	// Status reports the submission quota of participantID without recording anything.
	Status(ctx context.Context, participantID string) (Decision, error)
}

// Config holds the limits shared by both implementations.
type Config struct {
	Window          time.Duration
	MaxSubmissions  int
	Violations      int
	BlockDuration   time.Duration
	MaxParticipants int
}

// DefaultConfig returns the default limits.
func DefaultConfig() Config {
	return Config{
		Window:          DefaultWindow,
		MaxSubmissions:  DefaultMaxSubmissions,
		Violations:      DefaultViolations,
		BlockDuration:   DefaultBlockDuration,
		MaxParticipants: DefaultMaxParticipants,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.MaxSubmissions <= 0 {
		c.MaxSubmissions = d.MaxSubmissions
	}
	if c.Violations <= 0 {
		c.Violations = d.Violations
	}
	if c.BlockDuration <= 0 {
		c.BlockDuration = d.BlockDuration
	}
	if c.MaxParticipants <= 0 {
		c.MaxParticipants = d.MaxParticipants
	}
	return c
}
