package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mirkobrombin/go-huddle/v1/clock"
	"github.com/mirkobrombin/go-huddle/v1/metrics"
)

type rateWindow struct {
	stamps       []time.Time
	violations   int
	blockedUntil time.Time
	lastSeen     time.Time
}

// prune drops timestamps that left the window ending at now.
func (w *rateWindow) prune(now time.Time, window time.Duration) {
	cutoff := now.Add(-window)
	i := 0
	for _, t := range w.stamps {
		if t.After(cutoff) {
			w.stamps[i] = t
			i++
		}
	}
	w.stamps = w.stamps[:i]
}

// Guard is the in-memory Limiter.
type Guard struct {
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger

	mu      sync.Mutex
	windows map[string]*rateWindow

	sessMu   sync.Mutex
	sessions map[string]map[string]struct{}
}

// Option configures a Guard.
type Option func(*Guard)

// WithConfig sets the limits. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(g *Guard) { g.cfg = cfg.withDefaults() }
}

// WithClock sets the clock.
func WithClock(c clock.Clock) Option {
	return func(g *Guard) { g.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) { g.logger = l }
}

// NewGuard returns a Guard with the default limits unless overridden.
func NewGuard(opts ...Option) *Guard {
	g := &Guard{
		cfg:      DefaultConfig(),
		clock:    clock.System(),
		logger:   slog.Default(),
		windows:  make(map[string]*rateWindow),
		sessions: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Config returns the active limits.
func (g *Guard) Config() Config { return g.cfg }

func record(action, outcome string) {
	metrics.RateDecisionCounter.WithLabelValues(action, outcome).Inc()
}

// CheckSubmission implements Limiter.CheckSubmission.
func (g *Guard) CheckSubmission(ctx context.Context, participantID string) (Decision, error) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.windows[participantID]
	if w == nil {
		w = &rateWindow{}
		g.windows[participantID] = w
	}
	w.lastSeen = now

	if !w.blockedUntil.IsZero() {
		if now.Before(w.blockedUntil) {
			record("submit", "blocked")
			return Decision{Blocked: true, RetryAfter: w.blockedUntil.Sub(now), Reason: ReasonBlocked}, nil
		}
		w.blockedUntil = time.Time{}
		w.violations = 0
	}

	w.prune(now, g.cfg.Window)
	if len(w.stamps) < g.cfg.MaxSubmissions {
		w.stamps = append(w.stamps, now)
		record("submit", "allowed")
		return Decision{
			Allowed:   true,
			Remaining: g.cfg.MaxSubmissions - len(w.stamps),
			ResetIn:   w.stamps[0].Add(g.cfg.Window).Sub(now),
		}, nil
	}

	resetIn := w.stamps[0].Add(g.cfg.Window).Sub(now)
	w.violations++
	if w.violations >= g.cfg.Violations {
		w.blockedUntil = now.Add(g.cfg.BlockDuration)
		g.logger.Warn("participant blocked", "participant", participantID, "violations", w.violations, "until", w.blockedUntil)
		record("submit", "blocked")
		return Decision{ResetIn: resetIn, Blocked: true, RetryAfter: g.cfg.BlockDuration, Reason: ReasonBlocked}, nil
	}
	record("submit", "denied")
	return Decision{ResetIn: resetIn, RetryAfter: resetIn, Reason: ReasonRateLimited}, nil
}

// Status implements Limiter.Status.
func (g *Guard) Status(ctx context.Context, participantID string) (Decision, error) {
	now := g.clock.Now()
	g.mu.Lock()
	defer g.mu.Unlock()

	w := g.windows[participantID]
	if w == nil {
		return Decision{Allowed: true, Remaining: g.cfg.MaxSubmissions}, nil
	}
	if !w.blockedUntil.IsZero() && now.Before(w.blockedUntil) {
		return Decision{Blocked: true, RetryAfter: w.blockedUntil.Sub(now), Reason: ReasonBlocked}, nil
	}
	cutoff := now.Add(-g.cfg.Window)
	var live []time.Time
	for _, t := range w.stamps {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	d := Decision{Remaining: g.cfg.MaxSubmissions - len(live)}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if len(live) > 0 {
		d.ResetIn = live[0].Add(g.cfg.Window).Sub(now)
	}
	d.Allowed = d.Remaining > 0
	if !d.Allowed {
		d.RetryAfter = d.ResetIn
		d.Reason = ReasonRateLimited
	}
	return d, nil
}

// CheckJoin implements Limiter.CheckJoin.
func (g *Guard) CheckJoin(ctx context.Context, sessionID, participantID string, capacity int) (Decision, error) {
	limit := g.cfg.MaxParticipants
	if capacity > 0 {
		limit = capacity
	}
	g.sessMu.Lock()
	defer g.sessMu.Unlock()

	set := g.sessions[sessionID]
	if set == nil {
		set = make(map[string]struct{})
		g.sessions[sessionID] = set
	}
	if _, ok := set[participantID]; ok {
		record("join", "allowed")
		return Decision{Allowed: true, Remaining: limit - len(set)}, nil
	}
	if len(set) >= limit {
		record("join", "denied")
		return Decision{Reason: ReasonSessionFull}, nil
	}
	set[participantID] = struct{}{}
	record("join", "allowed")
	return Decision{Allowed: true, Remaining: limit - len(set)}, nil
}

// RemoveParticipant implements Limiter.RemoveParticipant.
func (g *Guard) RemoveParticipant(ctx context.Context, sessionID, participantID string) error {
	g.sessMu.Lock()
	defer g.sessMu.Unlock()
	if set := g.sessions[sessionID]; set != nil {
		delete(set, participantID)
		if len(set) == 0 {
			delete(g.sessions, sessionID)
		}
	}
	return nil
}

// Sweep drops participant windows with no activity inside the window and no
// active block, and sessions without participants. It returns the number of
// records removed.
func (g *Guard) Sweep() int {
	now := g.clock.Now()
	removed := 0

	g.mu.Lock()
	for id, w := range g.windows {
		if !w.blockedUntil.IsZero() && now.Before(w.blockedUntil) {
			continue
		}
		if now.Sub(w.lastSeen) < g.cfg.Window {
			continue
		}
		delete(g.windows, id)
		removed++
	}
	g.mu.Unlock()

	g.sessMu.Lock()
	for id, set := range g.sessions {
		if len(set) == 0 {
			delete(g.sessions, id)
			removed++
		}
	}
	g.sessMu.Unlock()
	return removed
}

// Run sweeps every interval until ctx is canceled.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = g.cfg.Window
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.Sweep(); n > 0 {
				g.logger.Debug("rate guard sweep", "removed", n)
			}
		}
	}
}

// tracked returns the number of participant windows, for tests.
func (g *Guard) tracked() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.windows)
}

var _ Limiter = (*Guard)(nil)
