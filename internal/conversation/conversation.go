// Package conversation stores chat rooms and messages and routes message
// sends through the rate limiter, the roster block check and the typing
// tracker before persisting and publishing them.
package conversation

import (
	"context"
	"errors"
	"time"
)

// Kind distinguishes two-person rooms from rooms bound to a post.
type Kind string

const (
	KindDirect Kind = "direct"
	KindPost   Kind = "post"
)

// Conversation is a room with its participant set.
type Conversation struct {
	ID           string    `json:"id"`
	Kind         Kind      `json:"kind"`
	PostID       string    `json:"post_id,omitempty"`
	Participants []string  `json:"participants"`
	LastActivity time.Time `json:"last_activity"`
	CreatedAt    time.Time `json:"created_at"`
}

// HasParticipant reports whether userID belongs to the room.
func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}

// Peer returns the other participant of a direct room.
func (c *Conversation) Peer(userID string) string {
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

// Message is one chat message. Seq orders messages within a conversation.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Seq            int64     `json:"seq"`
	AuthorID       string    `json:"author_id"`
	Body           string    `json:"body"`
	CreatedAt      time.Time `json:"created_at"`
	ReadBy         []string  `json:"read_by"`
}

// RoomRef addresses the room of a send. Exactly one field must be set:
// an existing conversation, the other user of a direct room, or a post.
type RoomRef struct {
	ConversationID string `json:"conversation_id,omitempty"`
	DirectWith     string `json:"direct_with,omitempty"`
	PostID         string `json:"post_id,omitempty"`
}

// Receipt is the outcome of marking a conversation read.
type Receipt struct {
	ConversationID    string    `json:"conversation_id"`
	UserID            string    `json:"user_id"`
	MessageIDs        []string  `json:"message_ids"` // newly read by this call
	LastSeenMessageID string    `json:"last_seen_message_id,omitempty"`
	ReadAt            time.Time `json:"read_at"`
	Changed           bool      `json:"-"`
}

// Summary is a conversation as listed for one user.
type Summary struct {
	Conversation
	Unread int `json:"unread"`
}

// ErrRoomNotFound is returned by Store methods that address a missing room.
var ErrRoomNotFound = errors.New("conversation: room not found")

// Store persists conversations, participants, messages and read receipts.
type Store interface {
	// EnsureDirect returns the unique direct room of a and b, creating it
	// if needed. Concurrent callers converge on one room.
	EnsureDirect(ctx context.Context, a, b string, now time.Time) (Conversation, error)
	// EnsurePost returns the room of postID, creating it if needed, and adds
	// userID to its participants.
	EnsurePost(ctx context.Context, postID, userID string, now time.Time) (Conversation, error)
	// Get returns the room with id, or nil if none exists.
	Get(ctx context.Context, id string) (*Conversation, error)
	// FindByPost returns the room bound to postID, or nil if none exists.
	FindByPost(ctx context.Context, postID string) (*Conversation, error)
	// RemoveParticipant drops userID from the room and reports whether it
	// was a participant.
	RemoveParticipant(ctx context.Context, convID, userID string) (bool, error)
	// AddMessage persists msg, assigns its Seq and bumps the room's last
	// activity.
	AddMessage(ctx context.Context, msg *Message) error
	// History returns up to limit messages older than beforeSeq (0 means
	// newest), oldest first.
	History(ctx context.Context, convID string, beforeSeq int64, limit int) ([]Message, error)
	// MarkRead records userID as having read every message it did not
	// author and moves its last-seen pointer to the newest message.
	MarkRead(ctx context.Context, convID, userID string, at time.Time) (Receipt, error)
	UnreadCount(ctx context.Context, convID, userID string) (int, error)
	// ListForUser returns the rooms userID participates in, most recent
	// activity first.
	ListForUser(ctx context.Context, userID string) ([]Conversation, error)
}

// directKey is the unique key of the direct room between a and b.
func directKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + ":" + b
}
