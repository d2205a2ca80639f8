// Package typing tracks short-lived "is typing" indicators per conversation.
// Each indicator is a Redis string with a 10s expiry, indexed by a sorted set
// per conversation so that Active can list them without scanning keys.
package typing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whisper/buddy-chat/internal/messaging"
)

const (
	// KeyPrefix is the Redis key prefix for both the per-user records
	// (typing:<conv>:<user>) and the per-conversation index (typing:<conv>).
	KeyPrefix = "typing:"

	// TTL is how long an indicator stays valid without a refresh.
	TTL = 10 * time.Second
)

// Indicator is one user's typing state in one conversation.
type Indicator struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	IsTyping       bool      `json:"is_typing"`
	LastTypingAt   time.Time `json:"last_typing_at"`
}

type stored struct {
	IsTyping     bool  `json:"is_typing"`
	LastTypingAt int64 `json:"last_typing_at"` // unix ms
}

// Tracker manages typing indicators in Redis and publishes every change on
// the conversation's typing subject.
type Tracker struct {
	client redis.Cmdable
	pub    messaging.Publisher
	now    func() time.Time
}

// NewTracker creates a tracker on top of a Redis client.
func NewTracker(client redis.Cmdable, pub messaging.Publisher) *Tracker {
	return &Tracker{client: client, pub: pub, now: time.Now}
}

func recordKey(convID, userID string) string { return KeyPrefix + convID + ":" + userID }
func indexKey(convID string) string          { return KeyPrefix + convID }

// Set records that userID is (or stopped) typing in convID. Every call
// refreshes lastTypingAt and is published immediately.
func (t *Tracker) Set(ctx context.Context, convID, userID string, isTyping bool) (Indicator, error) {
	now := t.now()
	data, err := json.Marshal(stored{IsTyping: isTyping, LastTypingAt: now.UnixMilli()})
	if err != nil {
		return Indicator{}, fmt.Errorf("typing: marshal: %w", err)
	}

	_, err = t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, recordKey(convID, userID), data, TTL)
		if isTyping {
			pipe.ZAdd(ctx, indexKey(convID), redis.Z{Score: float64(now.UnixMilli()), Member: userID})
		} else {
			pipe.ZRem(ctx, indexKey(convID), userID)
		}
		pipe.PExpire(ctx, indexKey(convID), TTL)
		return nil
	})
	if err != nil {
		return Indicator{}, fmt.Errorf("typing: set %s/%s: %w", convID, userID, err)
	}

	ind := Indicator{ConversationID: convID, UserID: userID, IsTyping: isTyping, LastTypingAt: now}
	t.publish(ind)
	return ind, nil
}

// Clear drops userID's indicator in convID and publishes is_typing=false.
// Sending a message clears the sender's indicator this way.
func (t *Tracker) Clear(ctx context.Context, convID, userID string) error {
	_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, recordKey(convID, userID))
		pipe.ZRem(ctx, indexKey(convID), userID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("typing: clear %s/%s: %w", convID, userID, err)
	}
	t.publish(Indicator{ConversationID: convID, UserID: userID, IsTyping: false, LastTypingAt: t.now()})
	return nil
}

// Active lists the users currently typing in convID. Records older than TTL
// are excluded even if Redis has not expired them yet.
func (t *Tracker) Active(ctx context.Context, convID string) ([]Indicator, error) {
	now := t.now()
	cutoff := now.Add(-TTL).UnixMilli()

	if err := t.client.ZRemRangeByScore(ctx, indexKey(convID), "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, fmt.Errorf("typing: prune %s: %w", convID, err)
	}
	userIDs, err := t.client.ZRange(ctx, indexKey(convID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("typing: list %s: %w", convID, err)
	}

	out := make([]Indicator, 0, len(userIDs))
	for _, uid := range userIDs {
		raw, err := t.client.Get(ctx, recordKey(convID, uid)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("typing: get %s/%s: %w", convID, uid, err)
		}
		var rec stored
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if !rec.IsTyping || rec.LastTypingAt < cutoff {
			continue
		}
		out = append(out, Indicator{
			ConversationID: convID,
			UserID:         uid,
			IsTyping:       true,
			LastTypingAt:   time.UnixMilli(rec.LastTypingAt),
		})
	}
	return out, nil
}

func (t *Tracker) publish(ind Indicator) {
	if t.pub == nil {
		return
	}
	t.pub.Emit(messaging.TypingSubject(ind.ConversationID), messaging.EventTypingChanged, ind)
}
