// Package service is the authenticated operation surface of the presence,
// roster and chat core. Every method resolves the caller from the context
// and delegates to the owning component; transports call nothing else.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/whisper/buddy-chat/internal/apperr"
	"github.com/whisper/buddy-chat/internal/auth"
	"github.com/whisper/buddy-chat/internal/conversation"
	"github.com/whisper/buddy-chat/internal/directory"
	"github.com/whisper/buddy-chat/internal/messaging"
	"github.com/whisper/buddy-chat/internal/presence"
	"github.com/whisper/buddy-chat/internal/ratelimit"
	"github.com/whisper/buddy-chat/internal/roster"
	"github.com/whisper/buddy-chat/internal/typing"
)

// MaxPresenceBatch bounds GetBuddyListPresence requests.
const MaxPresenceBatch = 500

// Deps holds the components a Service delegates to.
type Deps struct {
	Presence  *presence.Store
	Roster    *roster.Graph
	Typing    *typing.Tracker
	Chat      *conversation.Router
	Limiter   *ratelimit.Limiter
	Directory directory.Directory
}

// Service implements the external operations.
type Service struct {
	presence  *presence.Store
	roster    *roster.Graph
	typing    *typing.Tracker
	chat      *conversation.Router
	limiter   *ratelimit.Limiter
	directory directory.Directory
}

// New wires a Service. A nil Directory leaves roster entries undecorated.
func New(d Deps) *Service {
	dir := d.Directory
	if dir == nil {
		dir = directory.NewStatic()
	}
	return &Service{
		presence:  d.Presence,
		roster:    d.Roster,
		typing:    d.Typing,
		chat:      d.Chat,
		limiter:   d.Limiter,
		directory: dir,
	}
}

func caller(ctx context.Context) (string, error) {
	id := auth.UserID(ctx)
	if id == "" {
		return "", apperr.AuthenticationRequired()
	}
	return id, nil
}

// throttle counts one action for userID and converts a denial into a
// RateLimited failure. Limiter errors fail open.
func (s *Service) throttle(ctx context.Context, userID string, action ratelimit.Action) error {
	d, err := s.limiter.Check(ctx, userID, action)
	if err != nil && !d.Allowed {
		return fmt.Errorf("service: rate limit: %w", err)
	}
	if !d.Allowed {
		return apperr.RateLimited(string(action), d.RetryAfter)
	}
	return nil
}

// HeartbeatResult acknowledges a heartbeat.
type HeartbeatResult struct {
	OK        bool      `json:"ok"`
	Timestamp time.Time `json:"timestamp"`
}

// Connect admits a new realtime connection for the caller: it counts the
// connect action and records a heartbeat.
func (s *Service) Connect(ctx context.Context) (HeartbeatResult, error) {
	me, err := caller(ctx)
	if err != nil {
		return HeartbeatResult{}, err
	}
	if err := s.throttle(ctx, me, ratelimit.ActionConnect); err != nil {
		return HeartbeatResult{}, err
	}
	return s.Heartbeat(ctx)
}

// Heartbeat keeps the caller online.
func (s *Service) Heartbeat(ctx context.Context) (HeartbeatResult, error) {
	me, err := caller(ctx)
	if err != nil {
		return HeartbeatResult{}, err
	}
	ts, err := s.presence.Heartbeat(ctx, me)
	if err != nil {
		return HeartbeatResult{}, err
	}
	return HeartbeatResult{OK: true, Timestamp: ts}, nil
}

// SetPresence stores the caller's chosen status and message.
func (s *Service) SetPresence(ctx context.Context, status presence.Status, message string) (presence.Presence, error) {
	me, err := caller(ctx)
	if err != nil {
		return presence.Presence{}, err
	}
	if err := s.throttle(ctx, me, ratelimit.ActionPresenceUpdate); err != nil {
		return presence.Presence{}, err
	}
	return s.presence.SetStatus(ctx, me, status, message)
}

// ClearPresence signs the caller out.
func (s *Service) ClearPresence(ctx context.Context) error {
	me, err := caller(ctx)
	if err != nil {
		return err
	}
	return s.presence.Clear(ctx, me)
}

// GetPresence returns userID's presence as the caller sees it. Users on
// either side of a block see each other as offline.
func (s *Service) GetPresence(ctx context.Context, userID string) (presence.Presence, error) {
	out, err := s.GetBuddyListPresence(ctx, []string{userID})
	if err != nil {
		return presence.Presence{}, err
	}
	return out[0], nil
}

// GetBuddyListPresence returns the presence of userIDs in request order.
// An empty list means the caller's accepted buddies.
func (s *Service) GetBuddyListPresence(ctx context.Context, userIDs []string) ([]presence.Presence, error) {
	me, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if len(userIDs) == 0 {
		if userIDs, err = s.buddyIDs(ctx, me); err != nil {
			return nil, err
		}
	}
	if len(userIDs) > MaxPresenceBatch {
		return nil, apperr.InvalidArgument("at most %d user ids per request", MaxPresenceBatch)
	}
	for _, id := range userIDs {
		if strings.TrimSpace(id) == "" {
			return nil, apperr.InvalidArgument("user id is required")
		}
	}

	out, err := s.presence.GetMany(ctx, me, userIDs)
	if err != nil {
		return nil, err
	}
	for i := range out {
		if out[i].UserID == me {
			continue
		}
		blocked, err := s.roster.IsBlocked(ctx, me, out[i].UserID)
		if err != nil {
			return nil, err
		}
		if blocked {
			out[i] = presence.Presence{UserID: out[i].UserID, Status: presence.StatusOffline}
		}
	}
	return out, nil
}

// BuddyIDs returns the ids of the caller's accepted buddies.
func (s *Service) BuddyIDs(ctx context.Context) ([]string, error) {
	me, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.buddyIDs(ctx, me)
}

func (s *Service) buddyIDs(ctx context.Context, me string) ([]string, error) {
	edges, err := s.roster.BuddyList(ctx, me)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(edges))
	for _, e := range edges {
		ids = append(ids, e.To)
	}
	return ids, nil
}

func (s *Service) AddBuddy(ctx context.Context, target string) (roster.Relationship, error) {
	me, err := caller(ctx)
	if err != nil {
		return roster.Relationship{}, err
	}
	return s.roster.Request(ctx, me, target)
}

func (s *Service) AcceptBuddy(ctx context.Context, relationshipID string) (roster.Relationship, error) {
	me, err := caller(ctx)
	if err != nil {
		return roster.Relationship{}, err
	}
	return s.roster.Accept(ctx, me, relationshipID)
}

func (s *Service) DeclineBuddy(ctx context.Context, relationshipID string) error {
	me, err := caller(ctx)
	if err != nil {
		return err
	}
	return s.roster.Decline(ctx, me, relationshipID)
}

func (s *Service) BlockBuddy(ctx context.Context, target string) (roster.Relationship, error) {
	me, err := caller(ctx)
	if err != nil {
		return roster.Relationship{}, err
	}
	return s.roster.Block(ctx, me, target)
}

func (s *Service) UnblockBuddy(ctx context.Context, target string) error {
	me, err := caller(ctx)
	if err != nil {
		return err
	}
	return s.roster.Unblock(ctx, me, target)
}

func (s *Service) RemoveBuddy(ctx context.Context, target string) error {
	me, err := caller(ctx)
	if err != nil {
		return err
	}
	return s.roster.Remove(ctx, me, target)
}

// RosterEntry is one row of a roster listing, decorated with directory data.
type RosterEntry struct {
	RelationshipID string             `json:"relationship_id"`
	UserID         string             `json:"user_id"`
	Status         roster.Status      `json:"status"`
	DisplayName    string             `json:"display_name,omitempty"`
	AvatarURL      string             `json:"avatar_url,omitempty"`
	Presence       *presence.Presence `json:"presence,omitempty"`
	Since          time.Time          `json:"since"`
}

// GetUserRoster lists the caller's buddies with profile and presence.
func (s *Service) GetUserRoster(ctx context.Context) ([]RosterEntry, error) {
	me, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := s.roster.BuddyList(ctx, me)
	if err != nil {
		return nil, err
	}
	entries, err := s.decorate(ctx, edges, func(e roster.Edge) string { return e.To })
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.UserID
	}
	pres, err := s.presence.GetMany(ctx, me, ids)
	if err != nil {
		return nil, err
	}
	for i := range entries {
		p := pres[i]
		entries[i].Presence = &p
	}
	return entries, nil
}

// GetPendingRosterRequests lists requests waiting for the caller's answer.
func (s *Service) GetPendingRosterRequests(ctx context.Context) ([]RosterEntry, error) {
	me, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := s.roster.PendingInbound(ctx, me)
	if err != nil {
		return nil, err
	}
	return s.decorate(ctx, edges, func(e roster.Edge) string { return e.From })
}

// GetOutgoingRosterRequests lists the caller's unanswered requests.
func (s *Service) GetOutgoingRosterRequests(ctx context.Context) ([]RosterEntry, error) {
	me, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := s.roster.PendingOutbound(ctx, me)
	if err != nil {
		return nil, err
	}
	return s.decorate(ctx, edges, func(e roster.Edge) string { return e.To })
}

// GetBlockedUsers lists the users the caller has blocked.
func (s *Service) GetBlockedUsers(ctx context.Context) ([]RosterEntry, error) {
	me, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	edges, err := s.roster.Blocked(ctx, me)
	if err != nil {
		return nil, err
	}
	return s.decorate(ctx, edges, func(e roster.Edge) string { return e.To })
}

func (s *Service) decorate(ctx context.Context, edges []roster.Edge, peer func(roster.Edge) string) ([]RosterEntry, error) {
	out := make([]RosterEntry, 0, len(edges))
	if len(edges) == 0 {
		return out, nil
	}
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = peer(e)
	}
	profiles, err := s.directory.Lookup(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i, e := range edges {
		p := profiles[ids[i]]
		out = append(out, RosterEntry{
			RelationshipID: e.ID,
			UserID:         ids[i],
			Status:         e.Status,
			DisplayName:    p.DisplayName,
			AvatarURL:      p.AvatarURL,
			Since:          e.UpdatedAt,
		})
	}
	return out, nil
}

// UpdateTyping sets the caller's typing state in a conversation they belong
// to. A blocked pair cannot type into their direct room.
func (s *Service) UpdateTyping(ctx context.Context, convID string, isTyping bool) (typing.Indicator, error) {
	me, err := caller(ctx)
	if err != nil {
		return typing.Indicator{}, err
	}
	if err := s.throttle(ctx, me, ratelimit.ActionTyping); err != nil {
		return typing.Indicator{}, err
	}
	if _, err := s.chat.Writable(ctx, me, convID); err != nil {
		return typing.Indicator{}, err
	}
	return s.typing.Set(ctx, convID, me, isTyping)
}

// GetTyping lists who is typing in a conversation the caller belongs to.
func (s *Service) GetTyping(ctx context.Context, convID string) ([]typing.Indicator, error) {
	me, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := s.chat.Participant(ctx, me, convID); err != nil {
		return nil, err
	}
	return s.typing.Active(ctx, convID)
}

func (s *Service) SendMessage(ctx context.Context, ref conversation.RoomRef, body string) (conversation.Message, error) {
	me, err := caller(ctx)
	if err != nil {
		return conversation.Message{}, err
	}
	return s.chat.SendMessage(ctx, me, ref, body)
}

func (s *Service) MarkMessagesRead(ctx context.Context, convID string) (conversation.Receipt, error) {
	me, err := caller(ctx)
	if err != nil {
		return conversation.Receipt{}, err
	}
	return s.chat.MarkRead(ctx, me, convID)
}

func (s *Service) EnsureDirectRoom(ctx context.Context, other string) (conversation.Conversation, error) {
	me, err := caller(ctx)
	if err != nil {
		return conversation.Conversation{}, err
	}
	return s.chat.EnsureDirectRoom(ctx, me, other)
}

func (s *Service) EnsurePostRoom(ctx context.Context, postID string) (conversation.Conversation, error) {
	me, err := caller(ctx)
	if err != nil {
		return conversation.Conversation{}, err
	}
	return s.chat.EnsurePostRoom(ctx, me, postID)
}

func (s *Service) LeavePostRoom(ctx context.Context, ref conversation.RoomRef) error {
	me, err := caller(ctx)
	if err != nil {
		return err
	}
	return s.chat.LeavePostRoom(ctx, me, ref)
}

func (s *Service) History(ctx context.Context, convID string, beforeSeq int64, limit int) ([]conversation.Message, error) {
	me, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.chat.History(ctx, me, convID, beforeSeq, limit)
}

func (s *Service) Conversations(ctx context.Context) ([]conversation.Summary, error) {
	me, err := caller(ctx)
	if err != nil {
		return nil, err
	}
	return s.chat.Conversations(ctx, me)
}

// AuthorizeSubscription decides whether the caller may listen on subject.
// Presence is visible to oneself and to accepted buddies, a roster subject
// only to its owner, and conversation subjects to participants.
func (s *Service) AuthorizeSubscription(ctx context.Context, subject string) error {
	me, err := caller(ctx)
	if err != nil {
		return err
	}
	prefix, id, ok := messaging.ParseSubject(subject)
	if !ok {
		return apperr.InvalidArgument("unknown subject %q", subject)
	}

	switch prefix {
	case messaging.SubjectRoster:
		if id != me {
			return apperr.Unauthorized("roster subjects are private")
		}
		return nil
	case messaging.SubjectPresence:
		if id == me {
			return nil
		}
		edges, err := s.roster.Edges(ctx, me, id)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if e.From == me && e.Status == roster.StatusAccepted {
				return nil
			}
		}
		return apperr.Unauthorized("presence is shared with buddies only")
	default:
		_, err := s.chat.Participant(ctx, me, id)
		return err
	}
}
