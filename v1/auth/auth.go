// Package auth validates the session tokens presented by participants.
package auth

import (
	"context"
	stdErrors "errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mirkobrombin/go-huddle/v1/adapter"
	"github.com/mirkobrombin/go-huddle/v1/clock"
	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
	"github.com/mirkobrombin/go-huddle/v1/model"
)

// Validation is the outcome of a token check.
type Validation struct {
	Valid         bool
	ParticipantID string
	Status        model.SessionStatus
}

// Validator checks that token grants access to sessionID.
type Validator interface {
	Validate(ctx context.Context, sessionID, token string) (Validation, error)
}

// Claims are the claims of a participant token. The subject is the
// participant id.
type Claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// JWTValidator validates HS256 participant tokens and reports the status of
// the session they belong to.
type JWTValidator struct {
	secret   []byte
	sessions adapter.SessionReader
	clock    clock.Clock
}

// Option configures a JWTValidator.
type Option func(*JWTValidator)

// WithClock sets the clock used for expiry checks.
func WithClock(c clock.Clock) Option {
	return func(v *JWTValidator) { v.clock = c }
}

// NewJWTValidator returns a validator signing and checking with secret.
func NewJWTValidator(secret []byte, sessions adapter.SessionReader, opts ...Option) *JWTValidator {
	v := &JWTValidator{secret: secret, sessions: sessions, clock: clock.System()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Issue signs a token for participantID in sessionID valid for ttl.
func (v *JWTValidator) Issue(sessionID, participantID string, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	claims := Claims{
		SessionID: sessionID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   participantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Validate implements Validator. Malformed, expired or foreign tokens yield
// an invalid result without error; errors are reserved for storage failures.
func (v *JWTValidator) Validate(ctx context.Context, sessionID, token string) (Validation, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.clock.Now), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid || claims.Subject == "" || claims.SessionID != sessionID {
		return Validation{}, nil
	}
	s, err := v.sessions.ReadSession(ctx, sessionID)
	if err != nil {
		if stdErrors.Is(err, huddleerrors.ErrNotFound) {
			return Validation{}, nil
		}
		return Validation{}, fmt.Errorf("read session: %w", err)
	}
	return Validation{Valid: true, ParticipantID: claims.Subject, Status: s.Status}, nil
}

var _ Validator = (*JWTValidator)(nil)
