package conversation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/buddy-chat/internal/apperr"
	"github.com/whisper/buddy-chat/internal/messaging"
	"github.com/whisper/buddy-chat/internal/ratelimit"
	"github.com/whisper/buddy-chat/internal/roster"
)

type fakeTyping struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeTyping) Clear(_ context.Context, convID, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, convID+"/"+userID)
	return nil
}

type testEnv struct {
	router *Router
	graph  *roster.Graph
	typing *fakeTyping
	mr     *miniredis.Miniredis
	fanout *messaging.Fanout
	store  Store
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	return newTestEnvWithStore(t, NewMemoryStore())
}

func newTestEnvWithStore(t *testing.T, store Store) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	fanout := messaging.NewFanout(messaging.NewLocalBus())
	graph := roster.NewGraph(roster.NewMemoryStore(), fanout)
	typing := &fakeTyping{}
	return &testEnv{
		router: NewRouter(store, graph, ratelimit.NewLimiter(client), typing, fanout),
		graph:  graph,
		typing: typing,
		mr:     mr,
		fanout: fanout,
		store:  store,
	}
}

func collect(t *testing.T, f *messaging.Fanout, subject string) func() []messaging.Event {
	t.Helper()
	var mu sync.Mutex
	var got []messaging.Event
	_, err := f.Subscribe(subject, func(e messaging.Event) {
		mu.Lock()
		got = append(got, e)
		mu.Unlock()
	})
	require.NoError(t, err)
	return func() []messaging.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]messaging.Event(nil), got...)
	}
}

func TestValidateMessage(t *testing.T) {
	tests := []struct {
		name    string
		text    string
		wantErr bool
	}{
		{"normal", "hello", false},
		{"empty", "", true},
		{"max chars", strings.Repeat("a", MaxTextChars), false},
		{"too many chars", strings.Repeat("a", MaxTextChars+1), true},
		{"too many bytes", strings.Repeat("€", 1500), true}, // 4500 bytes, 1500 runes
		{"invalid utf8", "ok\xffno", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateMessage(tt.text)
			if tt.wantErr {
				assert.True(t, errors.Is(err, apperr.ErrInvalidArgument), "got %v", err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSendDirectMessage(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.router.SendMessage(ctx, "alice", RoomRef{DirectWith: "bob"}, "hi bob")
	require.NoError(t, err)
	assert.Equal(t, "alice", msg.AuthorID)
	assert.Equal(t, int64(1), msg.Seq)

	events := collect(t, env.fanout, messaging.MessageSubject(msg.ConversationID))

	reply, err := env.router.SendMessage(ctx, "bob", RoomRef{ConversationID: msg.ConversationID}, "hi alice")
	require.NoError(t, err)
	assert.Equal(t, msg.ConversationID, reply.ConversationID)

	got := events()
	require.Len(t, got, 1)
	assert.Equal(t, messaging.EventMessageCreated, got[0].Type)
	var published Message
	require.NoError(t, got[0].Decode(&published))
	assert.Equal(t, reply.ID, published.ID)

	assert.Equal(t, []string{msg.ConversationID + "/alice", msg.ConversationID + "/bob"}, env.typing.cleared)

	conv, err := env.store.Get(ctx, msg.ConversationID)
	require.NoError(t, err)
	assert.False(t, conv.LastActivity.Before(reply.CreatedAt))
}

func TestSendRejectsOutsiders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.router.SendMessage(ctx, "alice", RoomRef{DirectWith: "bob"}, "hi")
	require.NoError(t, err)

	_, err = env.router.SendMessage(ctx, "mallory", RoomRef{ConversationID: msg.ConversationID}, "let me in")
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))

	_, err = env.router.SendMessage(ctx, "alice", RoomRef{ConversationID: "missing"}, "hello?")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = env.router.SendMessage(ctx, "alice", RoomRef{}, "where")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	_, err = env.router.SendMessage(ctx, "alice", RoomRef{DirectWith: "alice"}, "me")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestBlockedPairCannotMessageEitherWay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.router.SendMessage(ctx, "alice", RoomRef{DirectWith: "bob"}, "hi")
	require.NoError(t, err)

	_, err = env.graph.Block(ctx, "alice", "bob")
	require.NoError(t, err)

	for _, tc := range []struct {
		from string
		ref  RoomRef
	}{
		{"alice", RoomRef{DirectWith: "bob"}},
		{"bob", RoomRef{DirectWith: "alice"}},
		{"alice", RoomRef{ConversationID: msg.ConversationID}},
		{"bob", RoomRef{ConversationID: msg.ConversationID}},
	} {
		_, err := env.router.SendMessage(ctx, tc.from, tc.ref, "still there?")
		assert.True(t, errors.Is(err, apperr.ErrBlocked), "%s %+v: %v", tc.from, tc.ref, err)
	}

	// No room is created across a block.
	_, err = env.graph.Block(ctx, "carol", "dave")
	require.NoError(t, err)
	_, err = env.router.SendMessage(ctx, "dave", RoomRef{DirectWith: "carol"}, "hey")
	assert.True(t, errors.Is(err, apperr.ErrBlocked))
	convs, err := env.router.Conversations(ctx, "dave")
	require.NoError(t, err)
	assert.Empty(t, convs)
}

func TestMessageRateLimit(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 1; i <= ratelimit.RuleMessage.Limit; i++ {
		_, err := env.router.SendMessage(ctx, "alice", RoomRef{DirectWith: "bob"}, "spam")
		require.NoError(t, err, "message %d", i)
	}

	_, err := env.router.SendMessage(ctx, "alice", RoomRef{DirectWith: "bob"}, "one too many")
	require.True(t, errors.Is(err, apperr.ErrRateLimited), "got %v", err)
	assert.True(t, apperr.RetryAfterOf(err) > 0)

	// Other users are unaffected.
	_, err = env.router.SendMessage(ctx, "bob", RoomRef{DirectWith: "alice"}, "calm down")
	require.NoError(t, err)

	env.mr.FastForward(61 * time.Second)
	_, err = env.router.SendMessage(ctx, "alice", RoomRef{DirectWith: "bob"}, "sorry")
	require.NoError(t, err)
}

func TestConcurrentFirstMessagesShareOneRoom(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 2)
	errs := make([]error, 2)
	senders := [][2]string{{"alice", "bob"}, {"bob", "alice"}}
	for i := range senders {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := env.router.SendMessage(ctx, senders[i][0], RoomRef{DirectWith: senders[i][1]}, "first!")
			ids[i], errs[i] = msg.ConversationID, err
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, ids[0], ids[1])

	convs, err := env.router.Conversations(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestPostRooms(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	a, err := env.router.EnsurePostRoom(ctx, "alice", "post-1")
	require.NoError(t, err)
	b, err := env.router.EnsurePostRoom(ctx, "bob", "post-1")
	require.NoError(t, err)
	assert.Equal(t, a.ID, b.ID)
	assert.Equal(t, []string{"alice", "bob"}, b.Participants)

	// Sending into a post room joins the sender.
	_, err = env.router.SendMessage(ctx, "carol", RoomRef{ConversationID: a.ID}, "joining")
	require.NoError(t, err)
	conv, err := env.router.Participant(ctx, "carol", a.ID)
	require.NoError(t, err)
	assert.Len(t, conv.Participants, 3)

	require.NoError(t, env.router.LeavePostRoom(ctx, "bob", RoomRef{PostID: "post-1"}))
	require.NoError(t, env.router.LeavePostRoom(ctx, "bob", RoomRef{PostID: "post-1"}))
	_, err = env.router.Participant(ctx, "bob", a.ID)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))

	err = env.router.LeavePostRoom(ctx, "bob", RoomRef{PostID: "post-404"})
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	direct, err := env.router.EnsureDirectRoom(ctx, "alice", "bob")
	require.NoError(t, err)
	err = env.router.LeavePostRoom(ctx, "alice", RoomRef{ConversationID: direct.ID})
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	_, err = env.router.EnsurePostRoom(ctx, "alice", "  ")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
}

func TestMarkReadIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	m1, err := env.router.SendMessage(ctx, "alice", RoomRef{DirectWith: "bob"}, "one")
	require.NoError(t, err)
	m2, err := env.router.SendMessage(ctx, "alice", RoomRef{DirectWith: "bob"}, "two")
	require.NoError(t, err)
	convID := m1.ConversationID
	receipts := collect(t, env.fanout, messaging.ReceiptSubject(convID))

	convs, err := env.router.Conversations(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, 2, convs[0].Unread)

	rc, err := env.router.MarkRead(ctx, "bob", convID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{m1.ID, m2.ID}, rc.MessageIDs)
	assert.Equal(t, m2.ID, rc.LastSeenMessageID)

	again, err := env.router.MarkRead(ctx, "bob", convID)
	require.NoError(t, err)
	assert.Empty(t, again.MessageIDs)
	assert.Equal(t, m2.ID, again.LastSeenMessageID)

	assert.Len(t, receipts(), 1, "second mark-read publishes nothing")

	history, err := env.router.History(ctx, "alice", convID, 0, 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []string{"bob"}, history[0].ReadBy)
	assert.Equal(t, []string{"bob"}, history[1].ReadBy)

	// The author's own messages never count as unread.
	convs, err = env.router.Conversations(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, convs[0].Unread)

	_, err = env.router.MarkRead(ctx, "mallory", convID)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
}

func TestConcurrentMarkReadRecordsEachReadOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var convID string
	for i := 0; i < 5; i++ {
		m, err := env.router.SendMessage(ctx, "alice", RoomRef{DirectWith: "bob"}, "msg")
		require.NoError(t, err)
		convID = m.ConversationID
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc, err := env.router.MarkRead(ctx, "bob", convID)
			assert.NoError(t, err)
			mu.Lock()
			total += len(rc.MessageIDs)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 5, total)
}

func TestHistoryPaging(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var convID string
	for i := 0; i < 5; i++ {
		m, err := env.router.SendMessage(ctx, "alice", RoomRef{PostID: "p"}, "m")
		require.NoError(t, err)
		convID = m.ConversationID
	}

	page, err := env.router.History(ctx, "alice", convID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []int64{4, 5}, []int64{page[0].Seq, page[1].Seq})

	older, err := env.router.History(ctx, "alice", convID, page[0].Seq, 10)
	require.NoError(t, err)
	require.Len(t, older, 3)
	assert.Equal(t, int64(1), older[0].Seq)
}
