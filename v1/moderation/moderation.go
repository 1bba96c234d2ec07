// Package moderation provides the content check run before a submission is
// accepted. The rules here are deliberately basic; deployments with real
// policies plug their own Moderator into the board.
package moderation

import (
	"context"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	DefaultMinLength = 1
	DefaultMaxLength = 500
)

// Result is the outcome of a content check.
type Result struct {
	Valid     bool   `json:"valid"`
	Sanitized string `json:"sanitized,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Moderator accepts or rejects submitted text.
type Moderator interface {
	Validate(ctx context.Context, text string) (Result, error)
}

// Basic trims and normalizes whitespace, strips control characters, enforces
// length bounds and rejects text containing blocked words.
type Basic struct {
	minLen  int
	maxLen  int
	blocked map[string]struct{}
}

// Option configures Basic.
type Option func(*Basic)

// WithLength sets the accepted length range in runes.
func WithLength(lo, hi int) Option {
	return func(b *Basic) {
		if lo > 0 {
			b.minLen = lo
		}
		if hi > 0 {
			b.maxLen = hi
		}
	}
}

// WithBlockedWords rejects text containing any of words, case-insensitively.
func WithBlockedWords(words ...string) Option {
	return func(b *Basic) {
		for _, w := range words {
			if w = strings.ToLower(strings.TrimSpace(w)); w != "" {
				b.blocked[w] = struct{}{}
			}
		}
	}
}

// NewBasic returns a Basic moderator.
func NewBasic(opts ...Option) *Basic {
	b := &Basic{minLen: DefaultMinLength, maxLen: DefaultMaxLength, blocked: make(map[string]struct{})}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Validate implements Moderator.
func (b *Basic) Validate(ctx context.Context, text string) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	clean := sanitize(text)
	n := utf8.RuneCountInString(clean)
	switch {
	case n < b.minLen:
		return Result{Reason: "content is empty or too short"}, nil
	case n > b.maxLen:
		return Result{Reason: "content is too long"}, nil
	}
	if len(b.blocked) > 0 {
		for _, w := range strings.FieldsFunc(strings.ToLower(clean), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		}) {
			if _, ok := b.blocked[w]; ok {
				return Result{Reason: "content contains blocked words"}, nil
			}
		}
	}
	return Result{Valid: true, Sanitized: clean}, nil
}

// sanitize drops control characters other than newlines and collapses runs
// of spaces on each line.
func sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\t':
			return ' '
		case unicode.IsControl(r), r == utf8.RuneError:
			return -1
		}
		return r
	}, s)
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	return strings.TrimSpace(strings.Join(lines, "\n"))
}

var _ Moderator = (*Basic)(nil)
