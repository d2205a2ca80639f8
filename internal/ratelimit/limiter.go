// Package ratelimit provides Redis-backed per-(user, action) throttling. Each
// window is a single counter key whose increment and expiry are applied by one
// Lua script, so concurrent requests from several tabs or devices of the same
// user can never lose an increment or leave a counter without a TTL.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/buddy-chat/internal/metrics"
)

// Action names a throttled operation.
type Action string

const (
	ActionMessage        Action = "message"
	ActionPresenceUpdate Action = "presence_update"
	ActionTyping         Action = "typing"
	ActionConnect        Action = "connect"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:message:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Standard rules. The numbers are operational policy, not protocol.
var (
	// RuleMessage allows 30 chat messages per minute per user.
	RuleMessage = Rule{Key: "rl:message:", Limit: 30, Window: time.Minute}

	// RulePresenceUpdate allows 120 presence writes per minute per user.
	RulePresenceUpdate = Rule{Key: "rl:presence_update:", Limit: 120, Window: time.Minute}

	// RuleTyping allows 60 typing updates per minute per user.
	RuleTyping = Rule{Key: "rl:typing:", Limit: 60, Window: time.Minute}

	// RuleConnect allows 20 WebSocket connections per minute per user.
	RuleConnect = Rule{Key: "rl:connect:", Limit: 20, Window: time.Minute}
)

// DefaultPolicy maps each action to its rule.
func DefaultPolicy() map[Action]Rule {
	return map[Action]Rule{
		ActionMessage:        RuleMessage,
		ActionPresenceUpdate: RulePresenceUpdate,
		ActionTyping:         RuleTyping,
		ActionConnect:        RuleConnect,
	}
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed    bool
	Count      int           // requests seen in the current window, this one included
	Limit      int           // window limit
	RetryAfter time.Duration // time until the current window closes
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client redis.Cmdable
	policy map[Action]Rule
	script *redis.Script
}

// NewLimiter creates a Limiter backed by the given Redis client using
// DefaultPolicy.
func NewLimiter(client redis.Cmdable) *Limiter {
	return NewLimiterWithPolicy(client, DefaultPolicy())
}

// NewLimiterWithPolicy creates a Limiter with a custom action policy.
func NewLimiterWithPolicy(client redis.Cmdable, policy map[Action]Rule) *Limiter {
	return &Limiter{
		client: client,
		policy: policy,
		script: redis.NewScript(incrWindowLua),
	}
}

// ErrUnknownAction is returned by Check for actions missing from the policy.
var ErrUnknownAction = errors.New("ratelimit: unknown action")

// Check counts one request of action by userID against the policy.
func (l *Limiter) Check(ctx context.Context, userID string, action Action) (Decision, error) {
	rule, ok := l.policy[action]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	d, err := l.Allow(ctx, userID, rule)
	if !d.Allowed {
		metrics.RateLimitRejections.WithLabelValues(string(action)).Inc()
	}
	return d, err
}

// Allow increments the window counter for identifier under rule and reports
// whether the request fits. The first increment of a window creates the key
// and sets its expiry in the same script call; an expired key needs no
// cleanup because the next increment starts a fresh window.
//
// On Redis errors the method fails open (Allowed=true); the error is still
// returned for logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier

	res, err := l.script.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		log.Printf("[ratelimit] window script error key=%s: %v (failing open)", key, err)
		return Decision{Allowed: true, Limit: rule.Limit}, err
	}
	if len(res) != 2 {
		return Decision{Allowed: true, Limit: rule.Limit}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}

	count := int(res[0])
	retry := time.Duration(res[1]) * time.Millisecond
	if retry < 0 {
		retry = 0
	}
	return Decision{
		Allowed:    count <= rule.Limit,
		Count:      count,
		Limit:      rule.Limit,
		RetryAfter: retry,
	}, nil
}

// Remaining returns the number of requests userID has left for action in the
// current window. Returns the full limit if no window is open. On Redis errors
// it returns the full limit (fail open).
func (l *Limiter) Remaining(ctx context.Context, userID string, action Action) (int, error) {
	rule, ok := l.policy[action]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	key := rule.Key + userID

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		log.Printf("[ratelimit] redis GET error key=%s: %v (failing open)", key, err)
		return rule.Limit, err
	}

	remaining := rule.Limit - count
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// Reset drops the current window for userID and action.
func (l *Limiter) Reset(ctx context.Context, userID string, action Action) error {
	rule, ok := l.policy[action]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAction, action)
	}
	return l.client.Del(ctx, rule.Key+userID).Err()
}

// incrWindowLua increments the window counter and, when the increment created
// the key (or found one without a TTL), sets the window expiry. Returns
// {count, pttl_ms}.
const incrWindowLua = `
local key = KEYS[1]
local window_ms = tonumber(ARGV[1])

local count = redis.call('INCR', key)
local ttl = redis.call('PTTL', key)
if count == 1 or ttl < 0 then
    redis.call('PEXPIRE', key, window_ms)
    ttl = window_ms
end

return {count, ttl}
`
