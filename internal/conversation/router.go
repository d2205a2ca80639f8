package conversation

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/buddy-chat/internal/apperr"
	"github.com/whisper/buddy-chat/internal/messaging"
	"github.com/whisper/buddy-chat/internal/metrics"
	"github.com/whisper/buddy-chat/internal/ratelimit"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 100
)

// BlockChecker reports whether either of two users blocked the other.
type BlockChecker interface {
	IsBlocked(ctx context.Context, a, b string) (bool, error)
}

// RateLimiter counts one action by a user.
type RateLimiter interface {
	Check(ctx context.Context, userID string, action ratelimit.Action) (ratelimit.Decision, error)
}

// TypingClearer drops a user's typing indicator in a conversation.
type TypingClearer interface {
	Clear(ctx context.Context, convID, userID string) error
}

// Router is the entry point for room and message operations.
type Router struct {
	store   Store
	blocks  BlockChecker
	limiter RateLimiter
	typing  TypingClearer
	pub     messaging.Publisher
	now     func() time.Time
	newID   func() string
}

// NewRouter wires a Router. typing may be nil.
func NewRouter(store Store, blocks BlockChecker, limiter RateLimiter, typing TypingClearer, pub messaging.Publisher) *Router {
	return &Router{
		store:   store,
		blocks:  blocks,
		limiter: limiter,
		typing:  typing,
		pub:     pub,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// EnsureDirectRoom returns the direct room between actor and other,
// creating it on first use. Users who blocked each other cannot get one.
func (r *Router) EnsureDirectRoom(ctx context.Context, actor, other string) (Conversation, error) {
	if other == "" {
		return Conversation{}, apperr.InvalidArgument("user id is required")
	}
	if other == actor {
		return Conversation{}, apperr.InvalidArgument("cannot open a direct room with yourself")
	}
	if !messaging.ValidID(other) {
		return Conversation{}, apperr.InvalidArgument("user id %q is not valid", other)
	}
	if err := r.checkBlock(ctx, actor, other); err != nil {
		return Conversation{}, err
	}
	conv, err := r.store.EnsureDirect(ctx, actor, other, r.now())
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: ensure direct: %w", err)
	}
	return conv, nil
}

// EnsurePostRoom returns the room of postID and adds actor to it.
func (r *Router) EnsurePostRoom(ctx context.Context, actor, postID string) (Conversation, error) {
	if strings.TrimSpace(postID) == "" {
		return Conversation{}, apperr.InvalidArgument("post id is required")
	}
	conv, err := r.store.EnsurePost(ctx, postID, actor, r.now())
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: ensure post: %w", err)
	}
	return conv, nil
}

// LeavePostRoom removes actor from a post room. Leaving a room one is not
// in is a no-op.
func (r *Router) LeavePostRoom(ctx context.Context, actor string, ref RoomRef) error {
	var conv *Conversation
	var err error
	switch {
	case ref.ConversationID != "":
		conv, err = r.store.Get(ctx, ref.ConversationID)
	case ref.PostID != "":
		conv, err = r.store.FindByPost(ctx, ref.PostID)
	default:
		return apperr.InvalidArgument("conversation or post id is required")
	}
	if err != nil {
		return fmt.Errorf("conversation: leave: %w", err)
	}
	if conv == nil {
		return apperr.NotFound("room not found")
	}
	if conv.Kind != KindPost {
		return apperr.InvalidArgument("only post rooms can be left")
	}
	if _, err := r.store.RemoveParticipant(ctx, conv.ID, actor); err != nil {
		return fmt.Errorf("conversation: leave: %w", err)
	}
	return nil
}

// SendMessage validates, throttles and persists a message from actor, then
// publishes it on the room's message subject.
func (r *Router) SendMessage(ctx context.Context, actor string, ref RoomRef, body string) (Message, error) {
	start := time.Now()
	defer metrics.ObserveSince("send_message", start)

	if err := ValidateMessage(body); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		return Message{}, err
	}

	d, err := r.limiter.Check(ctx, actor, ratelimit.ActionMessage)
	if err != nil && !d.Allowed {
		return Message{}, fmt.Errorf("conversation: rate limit: %w", err)
	}
	if !d.Allowed {
		metrics.MessagesTotal.WithLabelValues("rate_limited").Inc()
		return Message{}, apperr.RateLimited(string(ratelimit.ActionMessage), d.RetryAfter)
	}

	conv, err := r.resolve(ctx, actor, ref)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindBlocked {
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		}
		return Message{}, err
	}

	if r.typing != nil {
		if err := r.typing.Clear(ctx, conv.ID, actor); err != nil {
			log.Printf("[conversation] clear typing %s/%s: %v", conv.ID, actor, err)
		}
	}

	msg := Message{
		ID:             r.newID(),
		ConversationID: conv.ID,
		AuthorID:       actor,
		Body:           body,
		CreatedAt:      r.now(),
		ReadBy:         []string{},
	}
	if err := r.store.AddMessage(ctx, &msg); err != nil {
		return Message{}, fmt.Errorf("conversation: send: %w", err)
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	if r.pub != nil {
		r.pub.Emit(messaging.MessageSubject(conv.ID), messaging.EventMessageCreated, msg)
	}
	return msg, nil
}

// resolve finds or creates the room addressed by ref and checks that actor
// may post in it.
func (r *Router) resolve(ctx context.Context, actor string, ref RoomRef) (Conversation, error) {
	set := 0
	for _, v := range []string{ref.ConversationID, ref.DirectWith, ref.PostID} {
		if v != "" {
			set++
		}
	}
	if set != 1 {
		return Conversation{}, apperr.InvalidArgument("exactly one of conversation_id, direct_with or post_id is required")
	}

	switch {
	case ref.DirectWith != "":
		return r.EnsureDirectRoom(ctx, actor, ref.DirectWith)
	case ref.PostID != "":
		return r.EnsurePostRoom(ctx, actor, ref.PostID)
	}

	conv, err := r.store.Get(ctx, ref.ConversationID)
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: resolve: %w", err)
	}
	if conv == nil {
		return Conversation{}, apperr.NotFound("conversation not found")
	}
	if conv.Kind == KindPost {
		if conv.HasParticipant(actor) {
			return *conv, nil
		}
		return r.EnsurePostRoom(ctx, actor, conv.PostID)
	}
	if !conv.HasParticipant(actor) {
		return Conversation{}, apperr.Unauthorized("not a participant of this conversation")
	}
	if err := r.checkBlock(ctx, actor, conv.Peer(actor)); err != nil {
		return Conversation{}, err
	}
	return *conv, nil
}

func (r *Router) checkBlock(ctx context.Context, a, b string) error {
	if b == "" {
		return nil
	}
	blocked, err := r.blocks.IsBlocked(ctx, a, b)
	if err != nil {
		return fmt.Errorf("conversation: block check: %w", err)
	}
	if blocked {
		return apperr.Blocked("messaging is blocked between these users")
	}
	return nil
}

// Participant returns the room convID if actor belongs to it.
func (r *Router) Participant(ctx context.Context, actor, convID string) (Conversation, error) {
	if convID == "" {
		return Conversation{}, apperr.InvalidArgument("conversation id is required")
	}
	conv, err := r.store.Get(ctx, convID)
	if err != nil {
		return Conversation{}, fmt.Errorf("conversation: get: %w", err)
	}
	if conv == nil {
		return Conversation{}, apperr.NotFound("conversation not found")
	}
	if !conv.HasParticipant(actor) {
		return Conversation{}, apperr.Unauthorized("not a participant of this conversation")
	}
	return *conv, nil
}

// Writable is Participant plus the block check for direct rooms: neither
// side of a blocked pair may post into their room.
func (r *Router) Writable(ctx context.Context, actor, convID string) (Conversation, error) {
	conv, err := r.Participant(ctx, actor, convID)
	if err != nil {
		return Conversation{}, err
	}
	if conv.Kind == KindDirect {
		if err := r.checkBlock(ctx, actor, conv.Peer(actor)); err != nil {
			return Conversation{}, err
		}
	}
	return conv, nil
}

// MarkRead marks every message in convID that actor did not author as read
// by actor. A second call with nothing new to read changes nothing and
// publishes nothing.
func (r *Router) MarkRead(ctx context.Context, actor, convID string) (Receipt, error) {
	if _, err := r.Participant(ctx, actor, convID); err != nil {
		return Receipt{}, err
	}
	rc, err := r.store.MarkRead(ctx, convID, actor, r.now())
	if err != nil {
		return Receipt{}, fmt.Errorf("conversation: mark read: %w", err)
	}
	if rc.Changed && r.pub != nil {
		r.pub.Emit(messaging.ReceiptSubject(convID), messaging.EventReceiptUpdated, rc)
	}
	return rc, nil
}

// History returns a page of messages from convID, oldest first.
func (r *Router) History(ctx context.Context, actor, convID string, beforeSeq int64, limit int) ([]Message, error) {
	if _, err := r.Participant(ctx, actor, convID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	msgs, err := r.store.History(ctx, convID, beforeSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("conversation: history: %w", err)
	}
	return msgs, nil
}

// Conversations lists actor's rooms with their unread counts.
func (r *Router) Conversations(ctx context.Context, actor string) ([]Summary, error) {
	convs, err := r.store.ListForUser(ctx, actor)
	if err != nil {
		return nil, fmt.Errorf("conversation: list: %w", err)
	}
	out := make([]Summary, 0, len(convs))
	for _, c := range convs {
		n, err := r.store.UnreadCount(ctx, c.ID, actor)
		if err != nil {
			return nil, fmt.Errorf("conversation: unread %s: %w", c.ID, err)
		}
		out = append(out, Summary{Conversation: c, Unread: n})
	}
	return out, nil
}
