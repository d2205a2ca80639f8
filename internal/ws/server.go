// Package ws serves the realtime surface: it upgrades authenticated HTTP
// requests to WebSocket, reads frames through an epoll-driven worker pool,
// routes requests to the service and forwards fanout events to the
// connections subscribed to them.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/buddy-chat/internal/api"
	"github.com/whisper/buddy-chat/internal/apperr"
	"github.com/whisper/buddy-chat/internal/auth"
	"github.com/whisper/buddy-chat/internal/messaging"
	"github.com/whisper/buddy-chat/internal/metrics"
	"github.com/whisper/buddy-chat/internal/protocol"
	"github.com/whisper/buddy-chat/internal/roster"
	"github.com/whisper/buddy-chat/internal/service"
	"github.com/whisper/buddy-chat/internal/session"
)

// MaxFrameSize caps inbound data frames. Larger frames close the connection.
const MaxFrameSize = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations

	// OfflineOnDisconnect signs a user out when their last connection in the
	// cluster closes instead of waiting for the heartbeat to go stale.
	OfflineOnDisconnect bool
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:          ":8080",
		WorkerPoolSize:      256,
		MaxConnections:      100000,
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        10 * time.Second,
		OfflineOnDisconnect: true,
	}
}

// Options are the collaborators of a Server. Sessions and API are optional.
type Options struct {
	Service  *service.Service
	Fanout   *messaging.Fanout
	Verifier *auth.Verifier
	Sessions *session.Store // cluster-wide connection registry
	API      http.Handler   // served for every path other than /ws and /health
}

// Server upgrades HTTP connections to WebSocket, registers them with a
// Poller for read readiness, and dispatches ready connections to a bounded
// worker pool for frame reading.
type Server struct {
	config     ServerConfig
	svc        *service.Service
	fanout     *messaging.Fanout
	verifier   *auth.Verifier
	sessions   *session.Store
	api        http.Handler
	poller     *Poller
	conns      *ConnectionManager
	dispatcher *MessageDispatcher
	workerPool chan struct{} // semaphore limiting concurrent read workers
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer creates a Server. Call Start to begin serving.
func NewServer(config ServerConfig, opts Options) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	s := &Server{
		config:     config,
		svc:        opts.Service,
		fanout:     opts.Fanout,
		verifier:   opts.Verifier,
		sessions:   opts.Sessions,
		api:        opts.API,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
	s.dispatcher = NewMessageDispatcher(s)
	return s
}

// Start creates the poller, starts the event loop and heartbeat monitor, and
// blocks on http.Server.ListenAndServe.
func (s *Server) Start() error {
	if err := s.init(); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	log.Printf("ws: server listening on %s (workers=%d, max_conns=%d)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections)

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) init() error {
	poller, err := NewPoller()
	if err != nil {
		return err
	}
	s.poller = poller
	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())
	return nil
}

// Handler returns the HTTP handler: /ws upgrades, /health reports this
// instance, and everything else goes to the API handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	if s.api != nil {
		mux.Handle("/", s.api)
	}
	return mux
}

// handleUpgrade authenticates the request, admits it through the connect
// rate limit, then upgrades it with the gobwas/ws zero-copy upgrader. The
// caller is marked online before the upgrade so a refused connect still gets
// a proper HTTP status.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID, err := s.verifier.Verify(auth.TokenFromRequest(r))
	if err != nil {
		writeHTTPError(w, apperr.AuthenticationRequired())
		return
	}
	userCtx := auth.WithUserID(context.Background(), userID)

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	_, err = s.svc.Connect(auth.WithUserID(ctx, userID))
	cancel()
	if err != nil {
		writeHTTPError(w, err)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", userID, err)
		return
	}

	now := time.Now()
	c := &Connection{
		ID:        uuid.New().String(),
		UserID:    userID,
		Conn:      conn,
		CreatedAt: now,
		ctx:       userCtx,
		subs:      newSubscriptions(),
	}
	c.Touch(now)

	s.conns.Add(c)
	if err := s.poller.Add(c); err != nil {
		log.Printf("ws: poller add failed conn=%s: %v", c.ID, err)
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.sessions.Create(ctx, c.ID, userID); err != nil {
			log.Printf("ws: failed to create redis session for %s: %v", c.ID, err)
		}
		cancel()
	}

	s.send(c, protocol.TypeConnected, protocol.ConnectedMsg{UserID: userID, Timestamp: now.UnixMilli()})
	s.subscribeDefaults(c)

	log.Printf("ws: new connection conn=%s user=%s (total=%d)", c.ID, userID, s.conns.Count())
}

// writeHTTPError answers a refused upgrade with the same body shape as the
// REST API.
func writeHTTPError(w http.ResponseWriter, err error) {
	kind := apperr.KindOf(err)
	body := map[string]interface{}{"code": kind, "error": apperr.PublicMessage(err)}
	if kind == apperr.KindRateLimited {
		retry := apperr.RetryAfterOf(err)
		secs := int64((retry + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
		body["retry_after_ms"] = retry.Milliseconds()
	}
	if kind == apperr.KindInternal {
		log.Printf("ws: connect failed: %v", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(api.StatusOf(kind))
	_ = json.NewEncoder(w).Encode(body)
}

// handleHealth responds with this instance's connection count and uptime.
// It is used by the load balancer for health checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the poller wait loop. Each ready connection is handed
// to a worker goroutine, bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			log.Printf("ws: poller wait error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, c := range ready {
			c := c
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
				s.poller.Resume(c)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection. Control
// frames are answered in place; a failed read, a close frame or an oversized
// frame removes the connection.
func (s *Server) handleConn(c *Connection) {
	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.rd, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale dispatch). The
		// heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	if header.Length > MaxFrameSize {
		log.Printf("ws: frame too large conn=%s len=%d", c.ID, header.Length)
		s.RemoveConnection(c)
		return
	}

	payload := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, payload); err != nil {
			s.RemoveConnection(c)
			return
		}
	}
	_ = c.Conn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch(time.Now())

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			c.writeMu.Lock()
			err := ws.WriteFrame(c.Conn, ws.NewPongFrame(payload))
			c.writeMu.Unlock()
			if err != nil {
				s.RemoveConnection(c)
			}
		}
		return
	}

	if len(payload) == 0 {
		return
	}
	s.dispatcher.Dispatch(c, payload)
}

// RemoveConnection unregisters a connection, releases its subscriptions and
// session, and closes the socket. When it was the user's last connection
// and OfflineOnDisconnect is set, the user is signed out. Concurrent calls
// for the same connection clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	c.subs.closeAll()
	metrics.ConnectionsTotal.Dec()

	remaining := s.conns.UserCount(c.UserID)
	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		n, err := s.sessions.Delete(ctx, c.ID, c.UserID)
		cancel()
		if err != nil {
			log.Printf("ws: failed to delete redis session for %s: %v", c.ID, err)
		} else {
			remaining = n
		}
	}

	if remaining == 0 && s.config.OfflineOnDisconnect {
		ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
		if err := s.svc.ClearPresence(ctx); err != nil {
			log.Printf("ws: sign-out on disconnect failed user=%s: %v", c.UserID, err)
		}
		cancel()
	}

	log.Printf("ws: connection closed conn=%s user=%s (total=%d)", c.ID, c.UserID, s.conns.Count())
}

// send writes one server frame to c. Failures are logged; the read path
// notices dead sockets.
func (s *Server) send(c *Connection, msgType string, payload interface{}) {
	data, err := protocol.NewServerMessage(msgType, payload)
	if err != nil {
		log.Printf("ws: failed to build %s message conn=%s: %v", msgType, c.ID, err)
		return
	}
	if err := c.writeWithDeadline(data, s.config.WriteTimeout); err != nil {
		log.Printf("ws: failed to send %s message conn=%s: %v", msgType, c.ID, err)
	}
}

// subscribe starts forwarding subject's events to c. The raw published
// envelope is embedded in the event frame untouched.
func (s *Server) subscribe(c *Connection, subject string) error {
	_, err := c.subs.add(subject, func() (messaging.Subscription, error) {
		return s.fanout.Bus().Subscribe(subject, func(data []byte) {
			s.deliver(c, subject, data)
		})
	})
	if err != nil {
		return fmt.Errorf("ws: subscribe %s: %w", subject, err)
	}
	return nil
}

func (s *Server) deliver(c *Connection, subject string, data []byte) {
	s.send(c, protocol.TypeEvent, protocol.EventMsg{Subject: subject, Event: json.RawMessage(data)})

	if prefix, _, _ := messaging.ParseSubject(subject); prefix == messaging.SubjectRoster {
		var evt messaging.Event
		var change roster.Change
		if err := json.Unmarshal(data, &evt); err != nil {
			return
		}
		if err := evt.Decode(&change); err != nil {
			log.Printf("ws: bad roster event conn=%s: %v", c.ID, err)
			return
		}
		s.syncPresence(c, change.Peer)
	}
}

// subscribeDefaults gives a new connection its own roster and presence
// channels plus the presence channel of every accepted buddy.
func (s *Server) subscribeDefaults(c *Connection) {
	subjects := []string{
		messaging.RosterSubject(c.UserID),
		messaging.PresenceSubject(c.UserID),
	}
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()
	buddies, err := s.svc.BuddyIDs(ctx)
	if err != nil {
		log.Printf("ws: buddy list unavailable user=%s: %v", c.UserID, err)
	}
	for _, id := range buddies {
		subjects = append(subjects, messaging.PresenceSubject(id))
	}
	for _, subj := range subjects {
		if err := s.subscribe(c, subj); err != nil {
			log.Printf("ws: %v", err)
		}
	}
}

// syncPresence holds the presence subscription for peer exactly when c's
// user may see it, after a roster change between the two.
func (s *Server) syncPresence(c *Connection, peer string) {
	if peer == "" || peer == c.UserID {
		return
	}
	subject := messaging.PresenceSubject(peer)
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	err := s.svc.AuthorizeSubscription(ctx, subject)
	switch {
	case err == nil:
		if err := s.subscribe(c, subject); err != nil {
			log.Printf("ws: %v", err)
		}
	case apperr.KindOf(err) == apperr.KindUnauthorized:
		c.subs.remove(subject)
	default:
		log.Printf("ws: presence resync failed conn=%s peer=%s: %v", c.ID, peer, err)
	}
}

// joinConversation subscribes c to a conversation's message, typing and
// receipt channels.
func (s *Server) joinConversation(c *Connection, convID string) {
	for _, subj := range []string{
		messaging.MessageSubject(convID),
		messaging.TypingSubject(convID),
		messaging.ReceiptSubject(convID),
	} {
		if err := s.subscribe(c, subj); err != nil {
			log.Printf("ws: %v", err)
		}
	}
}

// pruneConversations drops conversation subscriptions c's user no longer
// participates in.
func (s *Server) pruneConversations(ctx context.Context, c *Connection) {
	for _, subj := range c.subs.subjects() {
		prefix, _, _ := messaging.ParseSubject(subj)
		if prefix == messaging.SubjectPresence || prefix == messaging.SubjectRoster {
			continue
		}
		if err := s.svc.AuthorizeSubscription(ctx, subj); err != nil && apperr.KindOf(err) != apperr.KindInternal {
			c.subs.remove(subj)
		}
	}
}

// Connections returns the ConnectionManager.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener and the event loop, then closes every
// connection. Presence is left to go stale: clients reconnect to another
// instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")
	s.stopOnce.Do(func() { close(s.done) })

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			log.Printf("ws: http shutdown error: %v", err)
		}
		cancel()
	}

	for _, c := range s.conns.All() {
		if s.poller != nil {
			_ = s.poller.Remove(c)
		}
		if !s.conns.Remove(c.ID) {
			continue
		}
		c.subs.closeAll()
		metrics.ConnectionsTotal.Dec()
		if s.sessions != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_, _ = s.sessions.Delete(ctx, c.ID, c.UserID)
			cancel()
		}
	}

	if s.poller != nil {
		_ = s.poller.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}
