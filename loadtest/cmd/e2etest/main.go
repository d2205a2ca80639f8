// Package main implements a standalone end-to-end integration test for the
// buddy chat server. It validates the main user journeys against a running
// stack: health and metrics, the authenticated WebSocket handshake, buddy
// requests with presence fanout, direct messages with read receipts, blocking,
// rate limiting and the REST API.
//
// Usage:
//
//	go run ./cmd/e2etest/ [-url ws://localhost:8080/ws] [-api http://localhost:8080] [-secret dev-secret] [-timeout 60s]
//
// Exit code 0 if all required scenarios pass, 1 if any fail.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/whisper/buddy-chat/loadtest/client"
)

// ---------------------------------------------------------------------------
// Result tracking
// ---------------------------------------------------------------------------

// resultKind categorises a scenario outcome.
type resultKind int

const (
	resultPass resultKind = iota
	resultFail
	resultInfo // optional / non-fatal
)

// scenarioResult holds the outcome of a single test scenario.
type scenarioResult struct {
	name   string
	kind   resultKind
	detail string
}

func (r scenarioResult) tag() string {
	switch r.kind {
	case resultPass:
		return "PASS"
	case resultFail:
		return "FAIL"
	default:
		return "INFO"
	}
}

// env carries the target and a token minter shared by all scenarios.
type env struct {
	wsURL   string
	apiBase string
	minter  *client.Minter
	run     string
}

func (e *env) user(name string) string {
	return fmt.Sprintf("e2e-%s-%s", e.run, name)
}

func (e *env) token(userID string) string {
	t, err := e.minter.Token(userID, time.Hour)
	if err != nil {
		panic(err)
	}
	return t
}

func (e *env) connect(ctx context.Context, name string) (*client.Client, error) {
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return client.New(connCtx, e.wsURL, e.token(e.user(name)))
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	wsURL := flag.String("url", "ws://localhost:8080/ws", "WebSocket server URL")
	apiBase := flag.String("api", "http://localhost:8080", "HTTP API base URL")
	secret := flag.String("secret", "dev-secret", "JWT_SECRET of the server under test")
	issuer := flag.String("issuer", "", "JWT_ISSUER of the server under test")
	timeout := flag.Duration("timeout", 60*time.Second, "Global test timeout")
	flag.Parse()

	fmt.Println("=== Buddy Chat E2E Integration Test ===")
	fmt.Printf("Server: %s\n\n", *wsURL)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	e := &env{
		wsURL:   *wsURL,
		apiBase: *apiBase,
		minter:  client.NewMinter(*secret, *issuer),
		run:     fmt.Sprintf("%d", time.Now().UnixNano()%1_000_000_000),
	}

	results := []scenarioResult{
		scenario1HealthCheck(ctx, e),
		scenario2ConnectHandshake(ctx, e),
		scenario3BuddiesAndPresence(ctx, e),
		scenario4DirectMessages(ctx, e),
		scenario5Blocking(ctx, e),
		scenario6RateLimiting(ctx, e),
		scenario7RestAPI(ctx, e),
	}

	// ---------------------------------------------------------------------------
	// Summary
	// ---------------------------------------------------------------------------
	fmt.Println()
	passed, failed, info := 0, 0, 0
	for _, r := range results {
		fmt.Printf("[%s] %s", r.tag(), r.name)
		if r.detail != "" {
			fmt.Printf(" (%s)", r.detail)
		}
		fmt.Println()

		switch r.kind {
		case resultPass:
			passed++
		case resultFail:
			failed++
		case resultInfo:
			info++
		}
	}

	fmt.Printf("\n=== Results: %d/%d passed", passed, passed+failed)
	if info > 0 {
		fmt.Printf(", %d info", info)
	}
	fmt.Println(" ===")

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Scenario 1: Health Check
// ---------------------------------------------------------------------------

func scenario1HealthCheck(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 1: Health Check"

	body, err := httpGet(ctx, e.apiBase+"/health", "", http.StatusOK)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health: %v", err)}
	}
	var health struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(body, &health); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/health JSON parse: %v", err)}
	}

	metricsBody, err := httpGet(ctx, e.apiBase+"/metrics", "", http.StatusOK)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/metrics: %v", err)}
	}
	if !strings.Contains(string(metricsBody), "buddychat_connections_total") {
		return scenarioResult{name, resultFail, "/metrics: missing buddychat_connections_total"}
	}

	return scenarioResult{name, resultPass, "status=" + health.Status}
}

// ---------------------------------------------------------------------------
// Scenario 2: Connect and Handshake
// ---------------------------------------------------------------------------

func scenario2ConnectHandshake(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 2: Connect and Handshake"

	wsHTTP := "http" + strings.TrimPrefix(e.wsURL, "ws")
	if _, err := httpGet(ctx, wsHTTP, "", http.StatusUnauthorized); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("upgrade without token: %v", err)}
	}

	c, err := e.connect(ctx, "handshake")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect: %v", err)}
	}
	defer c.Close()

	if c.UserID() != e.user("handshake") {
		return scenarioResult{name, resultFail, fmt.Sprintf("connected as %q", c.UserID())}
	}
	if _, err := c.Call(ctx, client.TypePing, nil); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("ping: %v", err)}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("connect=%s", c.GetMetrics().ConnectLatency.Round(time.Millisecond))}
}

// ---------------------------------------------------------------------------
// Scenario 3: Buddy request, accept and presence fanout
// ---------------------------------------------------------------------------

func scenario3BuddiesAndPresence(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 3: Buddies and Presence"

	alice, err := e.connect(ctx, "alice3")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("alice connect: %v", err)}
	}
	defer alice.Close()
	bob, err := e.connect(ctx, "bob3")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("bob connect: %v", err)}
	}
	defer bob.Close()

	rosterEvents := watch(bob, "roster_changed")
	presenceEvents := watch(alice, "presence_changed")

	raw, err := alice.Call(ctx, client.TypeAddBuddy, map[string]interface{}{"user_id": bob.UserID()})
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("add_buddy: %v", err)}
	}
	var rel struct {
		RelationshipID string `json:"relationship_id"`
		Status         string `json:"status"`
	}
	json.Unmarshal(raw, &rel)
	if rel.Status != "pending" {
		return scenarioResult{name, resultFail, fmt.Sprintf("add_buddy status %q", rel.Status)}
	}

	if _, err := waitFor(ctx, rosterEvents, func(evt client.Event) bool {
		var ch struct {
			Kind string `json:"kind"`
		}
		return json.Unmarshal(evt.Data, &ch) == nil && ch.Kind == "requested"
	}); err != nil {
		return scenarioResult{name, resultFail, "bob got no requested event"}
	}

	if _, err := bob.Call(ctx, client.TypeAcceptBuddy, map[string]interface{}{"relationship_id": rel.RelationshipID}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("accept_buddy: %v", err)}
	}

	raw, err = alice.Call(ctx, client.TypeGetRoster, nil)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("get_roster: %v", err)}
	}
	var roster struct {
		Buddies []struct {
			UserID string `json:"user_id"`
		} `json:"buddies"`
	}
	json.Unmarshal(raw, &roster)
	if len(roster.Buddies) != 1 || roster.Buddies[0].UserID != bob.UserID() {
		return scenarioResult{name, resultFail, fmt.Sprintf("roster %s", raw)}
	}

	// The accept resubscribes alice to bob's presence asynchronously; retry
	// the status change until the event arrives.
	start := time.Now()
	_, err = retryUntil(ctx, func() error {
		if _, err := bob.Call(ctx, client.TypeSetPresence, map[string]interface{}{"status": "away", "message": "lunch"}); err != nil {
			return err
		}
		_, err := waitForWithin(ctx, presenceEvents, time.Second, func(evt client.Event) bool {
			var p struct {
				UserID string `json:"user_id"`
				Status string `json:"status"`
			}
			return json.Unmarshal(evt.Data, &p) == nil && p.UserID == bob.UserID() && p.Status == "away"
		})
		return err
	})
	if err != nil {
		return scenarioResult{name, resultFail, "alice never saw bob go away"}
	}

	return scenarioResult{name, resultPass, fmt.Sprintf("presence visible after %s", time.Since(start).Round(time.Millisecond))}
}

// ---------------------------------------------------------------------------
// Scenario 4: Direct messages and read receipts
// ---------------------------------------------------------------------------

func scenario4DirectMessages(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 4: Direct Messages and Receipts"

	alice, err := e.connect(ctx, "alice4")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("alice connect: %v", err)}
	}
	defer alice.Close()
	bob, err := e.connect(ctx, "bob4")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("bob connect: %v", err)}
	}
	defer bob.Close()

	messages := watch(bob, "message_created")
	receipts := watch(alice, "receipt_updated")

	raw, err := bob.Call(ctx, client.TypeEnsureDirectRoom, map[string]interface{}{"user_id": alice.UserID()})
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("ensure_direct_room: %v", err)}
	}
	var conv struct {
		ID string `json:"id"`
	}
	json.Unmarshal(raw, &conv)

	raw, err = alice.Call(ctx, client.TypeSendMessage, map[string]interface{}{"direct_with": bob.UserID(), "body": "hello bob"})
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send_message: %v", err)}
	}
	var msg struct {
		ID             string `json:"id"`
		ConversationID string `json:"conversation_id"`
	}
	json.Unmarshal(raw, &msg)
	if msg.ConversationID != conv.ID {
		return scenarioResult{name, resultFail, fmt.Sprintf("message in %q, room is %q", msg.ConversationID, conv.ID)}
	}

	if _, err := waitFor(ctx, messages, func(evt client.Event) bool {
		var m struct {
			ID string `json:"id"`
		}
		return json.Unmarshal(evt.Data, &m) == nil && m.ID == msg.ID
	}); err != nil {
		return scenarioResult{name, resultFail, "bob did not receive message_created"}
	}

	if _, err := bob.Call(ctx, client.TypeMarkRead, map[string]interface{}{"conversation_id": conv.ID}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("mark_read: %v", err)}
	}
	if _, err := waitFor(ctx, receipts, func(evt client.Event) bool {
		var rc struct {
			UserID     string   `json:"user_id"`
			MessageIDs []string `json:"message_ids"`
		}
		return json.Unmarshal(evt.Data, &rc) == nil && rc.UserID == bob.UserID() && len(rc.MessageIDs) == 1
	}); err != nil {
		return scenarioResult{name, resultFail, "alice did not receive receipt_updated"}
	}

	raw, err = alice.Call(ctx, client.TypeHistory, map[string]interface{}{"conversation_id": conv.ID, "limit": 10})
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("history: %v", err)}
	}
	var hist struct {
		Messages []struct {
			ReadBy []string `json:"read_by"`
		} `json:"messages"`
	}
	json.Unmarshal(raw, &hist)
	if len(hist.Messages) != 1 || len(hist.Messages[0].ReadBy) != 1 {
		return scenarioResult{name, resultFail, fmt.Sprintf("history %s", raw)}
	}

	return scenarioResult{name, resultPass, "conversation=" + truncateID(conv.ID)}
}

// ---------------------------------------------------------------------------
// Scenario 5: Blocking
// ---------------------------------------------------------------------------

func scenario5Blocking(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 5: Blocking"

	alice, err := e.connect(ctx, "alice5")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("alice connect: %v", err)}
	}
	defer alice.Close()
	bob, err := e.connect(ctx, "bob5")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("bob connect: %v", err)}
	}
	defer bob.Close()

	if _, err := bob.Call(ctx, client.TypeBlockBuddy, map[string]interface{}{"user_id": alice.UserID()}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("block_buddy: %v", err)}
	}

	_, err = alice.Call(ctx, client.TypeSendMessage, map[string]interface{}{"direct_with": bob.UserID(), "body": "hi"})
	var se *client.ServerError
	if !errors.As(err, &se) || se.Code != "blocked" {
		return scenarioResult{name, resultFail, fmt.Sprintf("send to blocker: got %v", err)}
	}

	_, err = alice.Call(ctx, client.TypeAddBuddy, map[string]interface{}{"user_id": bob.UserID()})
	if !errors.As(err, &se) || se.Code != "blocked" {
		return scenarioResult{name, resultFail, fmt.Sprintf("request to blocker: got %v", err)}
	}

	if _, err := bob.Call(ctx, client.TypeUnblockBuddy, map[string]interface{}{"user_id": alice.UserID()}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("unblock_buddy: %v", err)}
	}
	if _, err := alice.Call(ctx, client.TypeSendMessage, map[string]interface{}{"direct_with": bob.UserID(), "body": "hi again"}); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("send after unblock: %v", err)}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Scenario 6: Rate Limiting (optional, non-fatal)
// ---------------------------------------------------------------------------

func scenario6RateLimiting(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 6: Rate Limiting"

	c, err := e.connect(ctx, "spammer")
	if err != nil {
		return scenarioResult{name, resultInfo, fmt.Sprintf("setup failed: %v", err)}
	}
	defer c.Close()

	postID := "e2e-post-" + e.run
	for i := 1; i <= 40; i++ {
		_, err := c.Call(ctx, client.TypeSendMessage, map[string]interface{}{
			"post_id": postID,
			"body":    fmt.Sprintf("rapid message %d", i),
		})
		if errors.Is(err, client.ErrRateLimited) {
			return scenarioResult{name, resultInfo, fmt.Sprintf("rate_limited after %d messages", i-1)}
		}
		if err != nil {
			return scenarioResult{name, resultInfo, fmt.Sprintf("send %d: %v", i, err)}
		}
	}
	return scenarioResult{name, resultInfo, "no rate_limited after 40 messages (rate limiting may be relaxed)"}
}

// ---------------------------------------------------------------------------
// Scenario 7: REST API
// ---------------------------------------------------------------------------

func scenario7RestAPI(ctx context.Context, e *env) scenarioResult {
	name := "Scenario 7: REST API"

	if _, err := httpGet(ctx, e.apiBase+"/v1/roster", "", http.StatusUnauthorized); err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("unauthenticated /v1/roster: %v", err)}
	}

	c, err := e.connect(ctx, "rest")
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("connect: %v", err)}
	}
	defer c.Close()

	body, err := httpGet(ctx, e.apiBase+"/v1/presence/"+c.UserID(), e.token(e.user("observer")), http.StatusOK)
	if err != nil {
		return scenarioResult{name, resultFail, fmt.Sprintf("/v1/presence: %v", err)}
	}
	var p struct {
		Status string `json:"status"`
	}
	json.Unmarshal(body, &p)
	if p.Status != "online" {
		return scenarioResult{name, resultFail, fmt.Sprintf("connected user shows %q", p.Status)}
	}

	return scenarioResult{name, resultPass, ""}
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// watch buffers events of one type pushed to c.
func watch(c *client.Client, eventType string) chan client.Event {
	ch := make(chan client.Event, 64)
	c.On(eventType, func(evt client.Event) {
		select {
		case ch <- evt:
		default:
		}
	})
	return ch
}

func waitFor(ctx context.Context, ch chan client.Event, match func(client.Event) bool) (client.Event, error) {
	return waitForWithin(ctx, ch, 5*time.Second, match)
}

func waitForWithin(ctx context.Context, ch chan client.Event, d time.Duration, match func(client.Event) bool) (client.Event, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	for {
		select {
		case evt := <-ch:
			if match(evt) {
				return evt, nil
			}
		case <-ctx.Done():
			return client.Event{}, ctx.Err()
		}
	}
}

func retryUntil(ctx context.Context, attempt func() error) (int, error) {
	var err error
	for n := 1; n <= 5; n++ {
		if err = attempt(); err == nil {
			return n, nil
		}
		if ctx.Err() != nil {
			return n, ctx.Err()
		}
	}
	return 5, err
}

// httpGet performs an authenticated GET and checks the status code.
func httpGet(ctx context.Context, url, token string, wantStatus int) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != wantStatus {
		return nil, fmt.Errorf("GET %s: status %d, want %d", url, resp.StatusCode, wantStatus)
	}
	return body, nil
}

// truncateID returns the first 8 characters of an ID for display purposes.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
