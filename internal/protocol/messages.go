// Package protocol defines the WebSocket frames exchanged between a client
// and the server. Every frame is a JSON object with a "type" discriminator.
// Client requests carry an optional request_id that the server echoes on the
// matching result or error frame; pushed events carry the subject they were
// published on.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeHeartbeat          = "heartbeat"
	TypeSetPresence        = "set_presence"
	TypeClearPresence      = "clear_presence"
	TypeGetPresence        = "get_presence"
	TypeGetBuddyPresence   = "get_buddy_presence"
	TypeAddBuddy           = "add_buddy"
	TypeAcceptBuddy        = "accept_buddy"
	TypeDeclineBuddy       = "decline_buddy"
	TypeBlockBuddy         = "block_buddy"
	TypeUnblockBuddy       = "unblock_buddy"
	TypeRemoveBuddy        = "remove_buddy"
	TypeGetRoster          = "get_roster"
	TypeGetPendingRequests = "get_pending_requests"
	TypeTyping             = "typing"
	TypeGetTyping          = "get_typing"
	TypeSendMessage        = "send_message"
	TypeMarkRead           = "mark_read"
	TypeEnsureDirectRoom   = "ensure_direct_room"
	TypeEnsurePostRoom     = "ensure_post_room"
	TypeLeavePostRoom      = "leave_post_room"
	TypeHistory            = "history"
	TypeConversations      = "conversations"
	TypeSubscribe          = "subscribe"
	TypeUnsubscribe        = "unsubscribe"
	TypePing               = "ping"
)

// Server -> Client message types.
const (
	TypeConnected   = "connected"
	TypeResult      = "result"
	TypeEvent       = "event"
	TypeRateLimited = "rate_limited"
	TypeError       = "error"
	TypePong        = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the message type, the request correlation id and the raw
// JSON payload for deferred parsing into a concrete struct.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the header
// fields so that the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type      string `json:"type"`
		RequestID string `json:"request_id"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	e.RequestID = partial.RequestID
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// HeartbeatMsg keeps the caller online.
type HeartbeatMsg struct{}

// SetPresenceMsg sets the caller's status and optional message.
type SetPresenceMsg struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// ClearPresenceMsg signs the caller out.
type ClearPresenceMsg struct{}

// GetPresenceMsg asks for one user's presence.
type GetPresenceMsg struct {
	UserID string `json:"user_id"`
}

// GetBuddyPresenceMsg asks for several users' presence. An empty list means
// the caller's buddies.
type GetBuddyPresenceMsg struct {
	UserIDs []string `json:"user_ids"`
}

// BuddyMsg targets another user: add, block, unblock and remove.
type BuddyMsg struct {
	UserID string `json:"user_id"`
}

// AnswerBuddyMsg accepts or declines a pending request.
type AnswerBuddyMsg struct {
	RelationshipID string `json:"relationship_id"`
}

// GetRosterMsg lists the caller's buddies.
type GetRosterMsg struct{}

// GetPendingRequestsMsg lists requests awaiting the caller.
type GetPendingRequestsMsg struct{}

// TypingMsg indicates whether the client is currently typing.
type TypingMsg struct {
	ConversationID string `json:"conversation_id"`
	IsTyping       bool   `json:"is_typing"`
}

// ConversationMsg addresses an existing conversation: get_typing and
// mark_read.
type ConversationMsg struct {
	ConversationID string `json:"conversation_id"`
}

// SendMessageMsg is a chat message. Exactly one of ConversationID,
// DirectWith and PostID names the room.
type SendMessageMsg struct {
	ConversationID string `json:"conversation_id,omitempty"`
	DirectWith     string `json:"direct_with,omitempty"`
	PostID         string `json:"post_id,omitempty"`
	Body           string `json:"body"`
}

// EnsurePostRoomMsg joins (and creates if needed) a post's room.
type EnsurePostRoomMsg struct {
	PostID string `json:"post_id"`
}

// LeavePostRoomMsg leaves a post room by post or conversation id.
type LeavePostRoomMsg struct {
	ConversationID string `json:"conversation_id,omitempty"`
	PostID         string `json:"post_id,omitempty"`
}

// HistoryMsg pages backwards through a conversation.
type HistoryMsg struct {
	ConversationID string `json:"conversation_id"`
	Before         int64  `json:"before"`
	Limit          int    `json:"limit"`
}

// ConversationsMsg lists the caller's rooms.
type ConversationsMsg struct{}

// SubscribeMsg starts or stops delivery of a subject's events.
type SubscribeMsg struct {
	Subject string `json:"subject"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct{}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once after the upgrade succeeds.
type ConnectedMsg struct {
	UserID    string `json:"user_id"`
	Timestamp int64  `json:"timestamp"`
}

// ResultMsg answers a request.
type ResultMsg struct {
	RequestID string      `json:"request_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
}

// EventMsg pushes one fanout event to a subscriber.
type EventMsg struct {
	Subject string          `json:"subject"`
	Event   json.RawMessage `json:"event"`
}

// RateLimitedMsg is sent when the client exceeded an action's window.
type RateLimitedMsg struct {
	RequestID    string `json:"request_id,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms"`
}

// ErrorMsg is sent by the server to communicate an error condition. Code is
// an apperr kind.
type ErrorMsg struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	RequestID string `json:"request_id,omitempty"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the envelope, the decoded struct, and any error encountered
// during parsing. An error is returned for unknown or server-only message
// types; the envelope is still filled when the header parsed.
func ParseClientMessage(data []byte) (Envelope, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var msg interface{}
	switch env.Type {
	case TypeHeartbeat:
		msg = &HeartbeatMsg{}
	case TypeSetPresence:
		msg = &SetPresenceMsg{}
	case TypeClearPresence:
		msg = &ClearPresenceMsg{}
	case TypeGetPresence:
		msg = &GetPresenceMsg{}
	case TypeGetBuddyPresence:
		msg = &GetBuddyPresenceMsg{}
	case TypeAddBuddy, TypeBlockBuddy, TypeUnblockBuddy, TypeRemoveBuddy, TypeEnsureDirectRoom:
		msg = &BuddyMsg{}
	case TypeAcceptBuddy, TypeDeclineBuddy:
		msg = &AnswerBuddyMsg{}
	case TypeGetRoster:
		msg = &GetRosterMsg{}
	case TypeGetPendingRequests:
		msg = &GetPendingRequestsMsg{}
	case TypeTyping:
		msg = &TypingMsg{}
	case TypeGetTyping, TypeMarkRead:
		msg = &ConversationMsg{}
	case TypeSendMessage:
		msg = &SendMessageMsg{}
	case TypeEnsurePostRoom:
		msg = &EnsurePostRoomMsg{}
	case TypeLeavePostRoom:
		msg = &LeavePostRoomMsg{}
	case TypeHistory:
		msg = &HistoryMsg{}
	case TypeConversations:
		msg = &ConversationsMsg{}
	case TypeSubscribe, TypeUnsubscribe:
		msg = &SubscribeMsg{}
	case TypePing:
		msg = &PingMsg{}
	default:
		return env, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err := json.Unmarshal(env.Raw, msg); err != nil {
		return env, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key. The payload
// should be one of the server message structs.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage)
	}

	t, _ := json.Marshal(msgType)
	m["type"] = t

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
