package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "session:"

	// UserPrefix is the key prefix of the per-user set of session ids.
	UserPrefix = "session:user:"

	// SessionTTL is the time-to-live for session keys in Redis. Touch
	// refreshes it, so only abandoned sessions expire.
	SessionTTL = 1 * time.Hour
)

// Session is one realtime connection as stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	UserID     string `redis:"user_id"`
	Server     string `redis:"server"`      // which WS server instance
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     redis.Cmdable
	serverName string // identifier for this WS server instance
	now        func() time.Time
}

// NewStore creates a session store on top of a Redis client.
func NewStore(client redis.Cmdable, serverName string) *Store {
	return &Store{client: client, serverName: serverName, now: time.Now}
}

func userKey(userID string) string { return UserPrefix + userID }

// Create registers sessionID as a live connection of userID.
func (s *Store) Create(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	now := s.now().Unix()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"id":          sessionID,
			"user_id":     userID,
			"server":      s.serverName,
			"created_at":  now,
			"last_active": now,
		})
		pipe.Expire(ctx, key, SessionTTL)
		pipe.SAdd(ctx, userKey(userID), sessionID)
		pipe.Expire(ctx, userKey(userID), SessionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: create: %w", err)
	}
	return nil
}

// Get retrieves a session from Redis. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&session); err != nil {
		return nil, fmt.Errorf("session: get: %w", err)
	}
	if session.ID == "" {
		return nil, nil
	}
	return &session, nil
}

// Touch records activity on the session and extends its TTL.
func (s *Store) Touch(ctx context.Context, sessionID, userID string) error {
	key := SessionPrefix + sessionID
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "last_active", s.now().Unix())
		pipe.Expire(ctx, key, SessionTTL)
		pipe.Expire(ctx, userKey(userID), SessionTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: touch: %w", err)
	}
	return nil
}

// Delete removes a session and returns how many sessions the user still has
// open on any server.
func (s *Store) Delete(ctx context.Context, sessionID, userID string) (int, error) {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, SessionPrefix+sessionID)
		pipe.SRem(ctx, userKey(userID), sessionID)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("session: delete: %w", err)
	}
	return s.Count(ctx, userID)
}

// Count returns the user's live sessions. Ids whose hash has expired are
// pruned from the set on the way.
func (s *Store) Count(ctx context.Context, userID string) (int, error) {
	ids, err := s.client.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return 0, fmt.Errorf("session: count: %w", err)
	}
	live := 0
	for _, id := range ids {
		n, err := s.client.Exists(ctx, SessionPrefix+id).Result()
		if err != nil {
			return 0, fmt.Errorf("session: count: %w", err)
		}
		if n == 0 {
			s.client.SRem(ctx, userKey(userID), id)
			continue
		}
		live++
	}
	return live, nil
}
