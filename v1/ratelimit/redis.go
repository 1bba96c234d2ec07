package ratelimit

import (
	"context"
	stdErrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-huddle/v1/clock"
	huddleerrors "github.com/mirkobrombin/go-huddle/v1/errors"
)

// submitScript runs one submission check atomically.
// KEYS: window zset, violation counter, block marker.
// ARGV: now ms, window ms, max, violation threshold, block ms, member.
// Returns {allowed, remaining, reset ms, retry ms, blocked}.
var submitScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local max = tonumber(ARGV[3])
local threshold = tonumber(ARGV[4])
local block = tonumber(ARGV[5])
local ttl = redis.call("PTTL", KEYS[3])
if ttl > 0 then
    return {0, 0, 0, ttl, 1}
end
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
if count < max then
    redis.call("ZADD", KEYS[1], now, ARGV[6])
    redis.call("PEXPIRE", KEYS[1], window)
    local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
    return {1, max - count - 1, tonumber(oldest[2]) + window - now, 0, 0}
end
local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
local reset = tonumber(oldest[2]) + window - now
local v = redis.call("INCR", KEYS[2])
redis.call("PEXPIRE", KEYS[2], window + block)
if v >= threshold then
    redis.call("SET", KEYS[3], "1", "PX", block)
    redis.call("DEL", KEYS[2])
    return {0, 0, reset, block, 1}
end
return {0, 0, reset, reset, 0}
`)

// joinScript admits a participant into a bounded session set.
// KEYS: join set. ARGV: participant, limit. Returns {allowed, size}.
var joinScript = redis.NewScript(`
if redis.call("SISMEMBER", KEYS[1], ARGV[1]) == 1 then
    return {1, redis.call("SCARD", KEYS[1])}
end
local n = redis.call("SCARD", KEYS[1])
if n < tonumber(ARGV[2]) then
    redis.call("SADD", KEYS[1], ARGV[1])
    return {1, n + 1}
end
return {0, n}
`)

const defaultRedisPrefix = "huddle:rl:"

// RedisGuard is a Limiter whose accounting lives in Redis, so every process
// sharing the Redis instance sees the same windows, blocks and join sets.
// Keys carry expirations, which makes a separate sweep unnecessary.
type RedisGuard struct {
	client redis.UniversalClient
	cfg    Config
	clock  clock.Clock
	prefix string
}

// RedisGuardOption configures a RedisGuard.
type RedisGuardOption func(*RedisGuard)

// WithRedisConfig sets the limits.
func WithRedisConfig(cfg Config) RedisGuardOption {
	return func(g *RedisGuard) { g.cfg = cfg.withDefaults() }
}

// WithRedisClock sets the clock used for window timestamps.
func WithRedisClock(c clock.Clock) RedisGuardOption {
	return func(g *RedisGuard) { g.clock = c }
}

// WithKeyPrefix sets the prefix of every key the guard writes.
func WithKeyPrefix(p string) RedisGuardOption {
	return func(g *RedisGuard) { g.prefix = p }
}

// NewRedisGuard returns a RedisGuard using client.
func NewRedisGuard(client redis.UniversalClient, opts ...RedisGuardOption) *RedisGuard {
	g := &RedisGuard{client: client, cfg: DefaultConfig(), clock: clock.System(), prefix: defaultRedisPrefix}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *RedisGuard) key(kind, id string) string {
	return g.prefix + kind + ":" + id
}

func ms(d time.Duration) int64 { return d.Milliseconds() }

func mapRedisErr(err error) error {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		return huddleerrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		return huddleerrors.ErrConnectionClosed
	}
	return err
}

func ints(res any, n int) ([]int64, error) {
	vals, ok := res.([]any)
	if !ok || len(vals) != n {
		return nil, fmt.Errorf("unexpected script reply %v", res)
	}
	out := make([]int64, n)
	for i, v := range vals {
		iv, ok := v.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script reply %v", res)
		}
		out[i] = iv
	}
	return out, nil
}

// CheckSubmission implements Limiter.CheckSubmission.
func (g *RedisGuard) CheckSubmission(ctx context.Context, participantID string) (Decision, error) {
	keys := []string{g.key("win", participantID), g.key("viol", participantID), g.key("block", participantID)}
	res, err := submitScript.Run(ctx, g.client, keys,
		g.clock.Now().UnixMilli(), ms(g.cfg.Window), g.cfg.MaxSubmissions,
		g.cfg.Violations, ms(g.cfg.BlockDuration), uuid.NewString()).Result()
	if err != nil {
		return Decision{}, mapRedisErr(err)
	}
	v, err := ints(res, 5)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{
		Allowed:    v[0] == 1,
		Remaining:  int(v[1]),
		ResetIn:    time.Duration(v[2]) * time.Millisecond,
		RetryAfter: time.Duration(v[3]) * time.Millisecond,
		Blocked:    v[4] == 1,
	}
	switch {
	case d.Allowed:
		record("submit", "allowed")
	case d.Blocked:
		d.Reason = ReasonBlocked
		record("submit", "blocked")
	default:
		d.Reason = ReasonRateLimited
		record("submit", "denied")
	}
	return d, nil
}

// Status implements Limiter.Status.
func (g *RedisGuard) Status(ctx context.Context, participantID string) (Decision, error) {
	ttl, err := g.client.PTTL(ctx, g.key("block", participantID)).Result()
	if err != nil {
		return Decision{}, mapRedisErr(err)
	}
	if ttl > 0 {
		return Decision{Blocked: true, RetryAfter: ttl, Reason: ReasonBlocked}, nil
	}
	now := g.clock.Now().UnixMilli()
	lo := "(" + strconv.FormatInt(now-ms(g.cfg.Window), 10)
	live, err := g.client.ZRangeByScoreWithScores(ctx, g.key("win", participantID), &redis.ZRangeBy{Min: lo, Max: "+inf"}).Result()
	if err != nil {
		return Decision{}, mapRedisErr(err)
	}
	d := Decision{Remaining: g.cfg.MaxSubmissions - len(live)}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if len(live) > 0 {
		d.ResetIn = time.Duration(int64(live[0].Score)+ms(g.cfg.Window)-now) * time.Millisecond
	}
	d.Allowed = d.Remaining > 0
	if !d.Allowed {
		d.RetryAfter = d.ResetIn
		d.Reason = ReasonRateLimited
	}
	return d, nil
}

// CheckJoin implements Limiter.CheckJoin.
func (g *RedisGuard) CheckJoin(ctx context.Context, sessionID, participantID string, capacity int) (Decision, error) {
	limit := g.cfg.MaxParticipants
	if capacity > 0 {
		limit = capacity
	}
	res, err := joinScript.Run(ctx, g.client, []string{g.key("join", sessionID)}, participantID, limit).Result()
	if err != nil {
		return Decision{}, mapRedisErr(err)
	}
	v, err := ints(res, 2)
	if err != nil {
		return Decision{}, err
	}
	if v[0] != 1 {
		record("join", "denied")
		return Decision{Reason: ReasonSessionFull}, nil
	}
	record("join", "allowed")
	return Decision{Allowed: true, Remaining: limit - int(v[1])}, nil
}

// RemoveParticipant implements Limiter.RemoveParticipant.
func (g *RedisGuard) RemoveParticipant(ctx context.Context, sessionID, participantID string) error {
	return mapRedisErr(g.client.SRem(ctx, g.key("join", sessionID), participantID).Err())
}

var _ Limiter = (*RedisGuard)(nil)
