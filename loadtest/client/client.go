// Package client provides a reusable WebSocket load test client for the buddy
// chat server. It connects with a signed token using gobwas/ws (the same
// library the server uses), waits for the connected handshake, correlates
// requests with their answers by request_id and hands pushed events to
// registered handlers.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server message types used by the load tests.
const (
	TypeHeartbeat        = "heartbeat"
	TypeSetPresence      = "set_presence"
	TypeAddBuddy         = "add_buddy"
	TypeAcceptBuddy      = "accept_buddy"
	TypeBlockBuddy       = "block_buddy"
	TypeUnblockBuddy     = "unblock_buddy"
	TypeRemoveBuddy      = "remove_buddy"
	TypeGetRoster        = "get_roster"
	TypeTyping           = "typing"
	TypeSendMessage      = "send_message"
	TypeMarkRead         = "mark_read"
	TypeEnsureDirectRoom = "ensure_direct_room"
	TypeHistory          = "history"
	TypeSubscribe        = "subscribe"
	TypePing             = "ping"
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

// ErrRateLimited is returned by Call when the server answered rate_limited.
var ErrRateLimited = errors.New("rate limited")

// ServerError is an error frame answering a request.
type ServerError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *ServerError) Error() string {
	return e.Code + ": " + e.Message
}

// Event is a pushed fanout event.
type Event struct {
	Subject string          `json:"subject"`
	Type    string          `json:"type"`
	Ts      int64           `json:"ts"`
	Data    json.RawMessage `json:"data"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	UserID    string          `json:"user_id"`
	Subject   string          `json:"subject"`
	Code      string          `json:"code"`
	Message   string          `json:"message"`
	Data      json.RawMessage `json:"data"`
	Event     json.RawMessage `json:"event"`
}

// Client represents a single simulated user connection.
type Client struct {
	conn    net.Conn
	rd      io.Reader
	userID  string
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  map[string]chan frame
	handlers map[string]func(Event)

	nextID         int64
	sent           int64
	received       int64
	errs           int64
	connected      chan struct{}
	done           chan struct{}
	closeOnce      sync.Once
	connectLatency time.Duration
}

// New dials url with token and returns once the server has sent the
// connected frame or ctx expires.
func New(ctx context.Context, url, token string) (*Client, error) {
	start := time.Now()
	conn, br, _, err := ws.Dial(ctx, url+"?token="+token)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	var rd io.Reader = conn
	if br != nil {
		// Frames sent right after the handshake may already be buffered.
		rd = io.MultiReader(br, conn)
	}

	c := &Client{
		conn:      conn,
		rd:        rd,
		pending:   make(map[string]chan frame),
		handlers:  make(map[string]func(Event)),
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.readLoop()

	select {
	case <-c.connected:
	case <-c.done:
		return nil, errors.New("connection closed before handshake")
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	}
	c.connectLatency = time.Since(start)
	return c, nil
}

// UserID returns the user the server authenticated.
func (c *Client) UserID() string {
	return c.userID
}

// On registers a handler for an event type (message_created,
// presence_changed, ...). Handlers run on the read loop goroutine and must
// not block. Register handlers before the events can arrive.
func (c *Client) On(eventType string, handler func(Event)) {
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
}

// Call sends a request and waits for its result. A rate_limited answer is
// returned as ErrRateLimited and an error frame as *ServerError.
func (c *Client) Call(ctx context.Context, msgType string, payload map[string]interface{}) (json.RawMessage, error) {
	id := strconv.FormatInt(atomic.AddInt64(&c.nextID, 1), 10)
	ch := make(chan frame, 1)
	c.mu.Lock()
	c.pending[id] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := map[string]interface{}{"type": msgType, "request_id": id}
	for k, v := range payload {
		msg[k] = v
	}
	if err := c.send(msg); err != nil {
		return nil, err
	}

	select {
	case f := <-ch:
		switch f.Type {
		case TypeResult, TypePong:
			return f.Data, nil
		case TypeRateLimited:
			return nil, ErrRateLimited
		default:
			return nil, &ServerError{Code: f.Code, Message: f.Message}
		}
	case <-c.done:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	atomic.AddInt64(&c.sent, 1)
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// Alive reports whether the read loop is still running.
func (c *Client) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

// GetMetrics returns a snapshot of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: atomic.LoadInt64(&c.received),
		MessagesSent:     atomic.LoadInt64(&c.sent),
		Errors:           atomic.LoadInt64(&c.errs),
	}
}

// readLoop reads frames until the connection fails or is closed.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(struct {
			io.Reader
			io.Writer
		}{c.rd, c.conn})
		if err != nil {
			select {
			case <-c.done:
				// Connection was intentionally closed; do not count as error.
			default:
				atomic.AddInt64(&c.errs, 1)
				c.Close()
			}
			return
		}
		atomic.AddInt64(&c.received, 1)

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			continue
		}

		switch f.Type {
		case TypeConnected:
			c.userID = f.UserID
			close(c.connected)
		case TypeEvent:
			var evt Event
			if err := json.Unmarshal(f.Event, &evt); err != nil {
				continue
			}
			c.mu.Lock()
			h := c.handlers[evt.Type]
			c.mu.Unlock()
			if h != nil {
				h(evt)
			}
		default:
			if f.Type == TypeError && f.RequestID == "" {
				atomic.AddInt64(&c.errs, 1)
			}
			c.mu.Lock()
			ch := c.pending[f.RequestID]
			c.mu.Unlock()
			if ch != nil {
				ch <- f
			}
		}
	}
}
