// Package presence tracks per-user online status in Redis. Each user has a
// hash keyed presence:<userID> plus an entry in a sorted-set index scored by
// the last heartbeat, which the sweeper scans for stale users.
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/buddy-chat/internal/apperr"
	"github.com/whisper/buddy-chat/internal/messaging"
)

const (
	// KeyPrefix is the Redis key prefix for presence hashes.
	KeyPrefix = "presence:"

	// HeartbeatIndex is the sorted set of user ids scored by last heartbeat
	// in unix milliseconds.
	HeartbeatIndex = "presence:heartbeats"

	// StaleAfter is how long a heartbeat keeps a user visible. Older records
	// read as offline regardless of the stored status.
	StaleAfter = 120 * time.Second

	// HardTTL is the key expiry, refreshed by every heartbeat.
	HardTTL = 300 * time.Second

	// MaxStatusMessageLen bounds the free-text status message, in runes.
	MaxStatusMessageLen = 256
)

// Status is a user-chosen presence state.
type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusDND       Status = "dnd"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusDND, StatusInvisible, StatusOffline:
		return true
	}
	return false
}

// Presence is the effective view of a user's presence for one viewer.
type Presence struct {
	UserID        string    `json:"user_id"`
	Status        Status    `json:"status"`
	StatusMessage string    `json:"status_message,omitempty"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	LastSeen      time.Time `json:"last_seen"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// record is the stored hash.
type record struct {
	Status        string `redis:"status"`
	Chosen        string `redis:"chosen"`
	StatusMessage string `redis:"status_message"`
	LastHeartbeat int64  `redis:"last_heartbeat"` // unix ms
	LastSeen      int64  `redis:"last_seen"`      // unix ms
}

// Store manages presence records in Redis and publishes changes.
type Store struct {
	client    redis.Cmdable
	pub       messaging.Publisher
	heartbeat *redis.Script
	sweep     *redis.Script
	now       func() time.Time
}

// NewStore creates a presence store on top of a Redis client.
func NewStore(client redis.Cmdable, pub messaging.Publisher) *Store {
	return &Store{
		client:    client,
		pub:       pub,
		heartbeat: redis.NewScript(heartbeatLua),
		sweep:     redis.NewScript(sweepLua),
		now:       time.Now,
	}
}

// Heartbeat marks userID as alive. A first heartbeat creates the record as
// online; a heartbeat after the sweeper forced the user offline restores the
// status the user last chose. Subscribers are notified when the user becomes
// visible again.
func (s *Store) Heartbeat(ctx context.Context, userID string) (time.Time, error) {
	now := s.now()
	res, err := s.heartbeat.Run(ctx, s.client,
		[]string{KeyPrefix + userID, HeartbeatIndex},
		now.UnixMilli(), HardTTL.Milliseconds(), userID, StaleAfter.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return time.Time{}, fmt.Errorf("presence: heartbeat %s: %w", userID, err)
	}

	// {created, restored, was_stale}
	if len(res) == 3 && (res[0] == 1 || res[1] == 1 || res[2] == 1) {
		p, err := s.Get(ctx, "", userID)
		if err == nil && p.Status != StatusOffline {
			s.publish(p)
		}
	}
	return now, nil
}

// SetStatus stores the status userID chose together with an optional status
// message. Setting a status also counts as a heartbeat.
func (s *Store) SetStatus(ctx context.Context, userID string, status Status, message string) (Presence, error) {
	if !status.Valid() {
		return Presence{}, apperr.InvalidArgument("unknown presence status %q", status)
	}
	if !utf8.ValidString(message) || utf8.RuneCountInString(message) > MaxStatusMessageLen {
		return Presence{}, apperr.InvalidArgument("status message must be valid UTF-8 of at most %d characters", MaxStatusMessageLen)
	}

	now := s.now()
	key := KeyPrefix + userID
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"status":         string(status),
			"chosen":         string(status),
			"status_message": message,
			"last_heartbeat": now.UnixMilli(),
			"last_seen":      now.UnixMilli(),
		})
		pipe.PExpire(ctx, key, HardTTL)
		pipe.ZAdd(ctx, HeartbeatIndex, redis.Z{Score: float64(now.UnixMilli()), Member: userID})
		return nil
	})
	if err != nil {
		return Presence{}, fmt.Errorf("presence: set status %s: %w", userID, err)
	}

	rec := record{
		Status:        string(status),
		Chosen:        string(status),
		StatusMessage: message,
		LastHeartbeat: now.UnixMilli(),
		LastSeen:      now.UnixMilli(),
	}
	s.publish(s.view("", userID, rec, now))
	return s.view(userID, userID, rec, now), nil
}

// Clear signs userID out: the stored status becomes offline while the chosen
// status is kept for the next sign-in. An invisible user already reads as
// offline, so nothing is published for them.
func (s *Store) Clear(ctx context.Context, userID string) error {
	now := s.now()
	key := KeyPrefix + userID
	var (
		chosen *redis.StringCmd
		set    *redis.IntCmd
	)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		chosen = pipe.HGet(ctx, key, "chosen")
		set = pipe.HSet(ctx, key, "status", string(StatusOffline), "last_seen", now.UnixMilli())
		pipe.PExpire(ctx, key, HardTTL)
		pipe.ZRem(ctx, HeartbeatIndex, userID)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("presence: clear %s: %w", userID, err)
	}
	if err := set.Err(); err != nil {
		return fmt.Errorf("presence: clear %s: %w", userID, err)
	}
	if chosen.Val() == string(StatusInvisible) {
		return nil
	}
	s.publish(Presence{UserID: userID, Status: StatusOffline, LastSeen: now})
	return nil
}

// Get returns userID's presence as seen by viewer. A user without a record
// is reported offline.
func (s *Store) Get(ctx context.Context, viewer, userID string) (Presence, error) {
	var rec record
	err := s.client.HGetAll(ctx, KeyPrefix+userID).Scan(&rec)
	if err != nil && !errors.Is(err, redis.Nil) {
		return Presence{}, fmt.Errorf("presence: get %s: %w", userID, err)
	}
	return s.view(viewer, userID, rec, s.now()), nil
}

// GetMany returns presence for every id in userIDs, in order, as seen by
// viewer.
func (s *Store) GetMany(ctx context.Context, viewer string, userIDs []string) ([]Presence, error) {
	if len(userIDs) == 0 {
		return []Presence{}, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(userIDs))
	_, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range userIDs {
			cmds[i] = pipe.HGetAll(ctx, KeyPrefix+id)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("presence: get many: %w", err)
	}

	now := s.now()
	out := make([]Presence, len(userIDs))
	for i, id := range userIDs {
		var rec record
		if err := cmds[i].Scan(&rec); err != nil && !errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("presence: decode %s: %w", id, err)
		}
		out[i] = s.view(viewer, id, rec, now)
	}
	return out, nil
}

// view applies staleness and invisibility masking. A user sees their own
// invisible status; everyone else sees invisible as a user who was never
// seen, with no timestamps.
func (s *Store) view(viewer, userID string, rec record, now time.Time) Presence {
	p := Presence{UserID: userID, Status: StatusOffline}
	if rec.Status == "" {
		return p
	}

	p.Status = Status(rec.Status)
	p.StatusMessage = rec.StatusMessage
	p.LastHeartbeat = time.UnixMilli(rec.LastHeartbeat)
	p.LastSeen = time.UnixMilli(rec.LastSeen)
	p.ExpiresAt = p.LastHeartbeat.Add(HardTTL)

	if now.Sub(p.LastHeartbeat) > StaleAfter {
		p.Status = StatusOffline
	}
	if viewer != userID {
		if rec.Status == string(StatusInvisible) || rec.Chosen == string(StatusInvisible) {
			p = Presence{UserID: userID, Status: StatusOffline}
		}
		if p.Status == StatusOffline {
			p.StatusMessage = ""
		}
	}
	return p
}

func (s *Store) publish(p Presence) {
	if s.pub == nil {
		return
	}
	if p.Status == StatusInvisible {
		p = Presence{UserID: p.UserID, Status: StatusOffline}
	}
	s.pub.Emit(messaging.PresenceSubject(p.UserID), messaging.EventPresenceChanged, p)
}

// heartbeatLua upserts the presence hash.
//
//	KEYS[1] presence hash, KEYS[2] heartbeat index
//	ARGV[1] now ms, ARGV[2] hard ttl ms, ARGV[3] user id, ARGV[4] stale ms
//
// Returns {created, restored, was_stale}.
const heartbeatLua = `
local now = tonumber(ARGV[1])
local existed = redis.call('EXISTS', KEYS[1])
local prev = tonumber(redis.call('HGET', KEYS[1], 'last_heartbeat') or '0')

redis.call('HSETNX', KEYS[1], 'chosen', 'online')
local chosen = redis.call('HGET', KEYS[1], 'chosen')
local status = redis.call('HGET', KEYS[1], 'status')

local restored = 0
if (not status) or (status == 'offline' and chosen ~= 'offline') then
    redis.call('HSET', KEYS[1], 'status', chosen)
    if status then
        restored = 1
    end
end

redis.call('HSET', KEYS[1], 'last_heartbeat', ARGV[1], 'last_seen', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[3])

local was_stale = 0
if existed == 1 and (now - prev) > tonumber(ARGV[4]) then
    was_stale = 1
end

return {1 - existed, restored, was_stale}
`

// sweepLua forces one stale user offline unless a heartbeat raced the scan.
//
//	KEYS[1] presence hash, KEYS[2] heartbeat index
//	ARGV[1] user id, ARGV[2] cutoff ms
//
// Returns 0 when nothing changed, 1 when a visible user went offline and 2
// when an invisible user went offline.
const sweepLua = `
local hb = tonumber(redis.call('HGET', KEYS[1], 'last_heartbeat') or '0')
if hb > tonumber(ARGV[2]) then
    return 0
end

redis.call('ZREM', KEYS[2], ARGV[1])

local status = redis.call('HGET', KEYS[1], 'status')
if (not status) or status == 'offline' then
    return 0
end

redis.call('HSET', KEYS[1], 'status', 'offline')
if status == 'invisible' then
    return 2
end
return 1
`
