package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a valid send_message message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SendMessage(t *testing.T) {
	input := []byte(`{"type":"send_message","request_id":"r-1","direct_with":"bob","body":"Hello!"}`)

	env, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.Type != TypeSendMessage {
		t.Fatalf("expected type %q, got %q", TypeSendMessage, env.Type)
	}
	if env.RequestID != "r-1" {
		t.Errorf("expected request_id %q, got %q", "r-1", env.RequestID)
	}

	sm, ok := msg.(*SendMessageMsg)
	if !ok {
		t.Fatalf("expected *SendMessageMsg, got %T", msg)
	}
	if sm.DirectWith != "bob" {
		t.Errorf("expected direct_with %q, got %q", "bob", sm.DirectWith)
	}
	if sm.Body != "Hello!" {
		t.Errorf("expected body %q, got %q", "Hello!", sm.Body)
	}
	if sm.ConversationID != "" || sm.PostID != "" {
		t.Errorf("expected only direct_with to be set, got %+v", sm)
	}
}

// ---------------------------------------------------------------------------
// Test: Shared payload structs decode for every type that uses them
// ---------------------------------------------------------------------------

func TestParseClientMessage_SharedPayloads(t *testing.T) {
	tests := []struct {
		input string
		want  interface{}
	}{
		{`{"type":"add_buddy","user_id":"bob"}`, &BuddyMsg{UserID: "bob"}},
		{`{"type":"block_buddy","user_id":"bob"}`, &BuddyMsg{UserID: "bob"}},
		{`{"type":"ensure_direct_room","user_id":"bob"}`, &BuddyMsg{UserID: "bob"}},
		{`{"type":"accept_buddy","relationship_id":"rel-1"}`, &AnswerBuddyMsg{RelationshipID: "rel-1"}},
		{`{"type":"mark_read","conversation_id":"c-1"}`, &ConversationMsg{ConversationID: "c-1"}},
		{`{"type":"subscribe","subject":"presence.bob"}`, &SubscribeMsg{Subject: "presence.bob"}},
		{`{"type":"unsubscribe","subject":"presence.bob"}`, &SubscribeMsg{Subject: "presence.bob"}},
	}

	for _, tt := range tests {
		_, msg, err := ParseClientMessage([]byte(tt.input))
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tt.input, err)
		}
		got, _ := json.Marshal(msg)
		want, _ := json.Marshal(tt.want)
		if string(got) != string(want) {
			t.Errorf("%s: expected %s, got %s", tt.input, want, got)
		}
	}
}

func TestParseClientMessage_HistoryAndTyping(t *testing.T) {
	_, msg, err := ParseClientMessage([]byte(`{"type":"history","conversation_id":"c","before":42,"limit":10}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h := msg.(*HistoryMsg)
	if h.Before != 42 || h.Limit != 10 {
		t.Errorf("unexpected history payload: %+v", h)
	}

	_, msg, err = ParseClientMessage([]byte(`{"type":"typing","conversation_id":"c","is_typing":true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if tm := msg.(*TypingMsg); !tm.IsTyping || tm.ConversationID != "c" {
		t.Errorf("unexpected typing payload: %+v", tm)
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a result server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Result(t *testing.T) {
	payload := ResultMsg{
		RequestID: "r-9",
		Data:      map[string]interface{}{"ok": true},
	}

	data, err := NewServerMessage(TypeResult, payload)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeResult {
		t.Errorf("expected type %q, got %v", TypeResult, result["type"])
	}
	if result["request_id"] != "r-9" {
		t.Errorf("expected request_id %q, got %v", "r-9", result["request_id"])
	}
	inner, ok := result["data"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected data to be an object, got %T", result["data"])
	}
	if inner["ok"] != true {
		t.Errorf("expected data.ok true, got %v", inner["ok"])
	}
}

// ---------------------------------------------------------------------------
// Test: Event frames embed the published envelope verbatim
// ---------------------------------------------------------------------------

func TestNewServerMessage_Event(t *testing.T) {
	published := json.RawMessage(`{"type":"presence_changed","subject":"presence.bob","ts":1,"data":{"status":"away"}}`)
	data, err := NewServerMessage(TypeEvent, EventMsg{Subject: "presence.bob", Event: published})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result struct {
		Type    string `json:"type"`
		Subject string `json:"subject"`
		Event   struct {
			Type string `json:"type"`
			Data struct {
				Status string `json:"status"`
			} `json:"data"`
		} `json:"event"`
	}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result.Type != TypeEvent || result.Subject != "presence.bob" {
		t.Errorf("unexpected header: %+v", result)
	}
	if result.Event.Type != "presence_changed" || result.Event.Data.Status != "away" {
		t.Errorf("unexpected event: %+v", result.Event)
	}
}

// ---------------------------------------------------------------------------
// Test: Payload-free messages still carry their type
// ---------------------------------------------------------------------------

func TestNewServerMessage_Pong(t *testing.T) {
	data, err := NewServerMessage(TypePong, PongMsg{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"type":"pong"}` {
		t.Errorf("unexpected pong frame: %s", data)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"start_game","request_id":"r-2"}`)

	env, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected error for unknown message type, got nil")
	}
	if env.RequestID != "r-2" {
		t.Errorf("expected request_id to survive, got %q", env.RequestID)
	}
	if msg != nil {
		t.Errorf("expected nil message, got %v", msg)
	}
}

// ---------------------------------------------------------------------------
// Test: Malformed frames
// ---------------------------------------------------------------------------

func TestParseClientMessage_Malformed(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"request_id":"r-3"}`,
		`{"type":""}`,
		`{"type":"history","before":"yesterday"}`,
	}
	for _, in := range inputs {
		if _, _, err := ParseClientMessage([]byte(in)); err == nil {
			t.Errorf("%s: expected error, got nil", in)
		}
	}
}
