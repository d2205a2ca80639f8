package conversation

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/buddy-chat/internal/storage"
)

// newPostgresStore connects to TEST_DATABASE_URL, skipping when it is unset.
func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping")
	}
	require.NoError(t, storage.Migrate(dsn))
	db, err := storage.OpenPostgres(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresStore(db)
}

func dropRoom(t *testing.T, s *PostgresStore, id string) {
	t.Cleanup(func() {
		s.db.Exec(`DELETE FROM conversations WHERE id = $1`, id)
	})
}

func TestPostgresEnsureDirectConverges(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	a, b := "u-"+uuid.NewString(), "u-"+uuid.NewString()

	var wg sync.WaitGroup
	ids := make([]string, 8)
	errs := make([]error, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			x, y := a, b
			if i%2 == 1 {
				x, y = b, a
			}
			conv, err := s.EnsureDirect(ctx, x, y, time.Now())
			ids[i], errs[i] = conv.ID, err
		}(i)
	}
	wg.Wait()

	for i := range ids {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	dropRoom(t, s, ids[0])

	conv, err := s.Get(ctx, ids[0])
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, KindDirect, conv.Kind)
	assert.ElementsMatch(t, []string{a, b}, conv.Participants)

	missing, err := s.Get(ctx, "not-a-uuid")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresPostRoomMembership(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	post := "post-" + uuid.NewString()

	first, err := s.EnsurePost(ctx, post, "alice", time.Now())
	require.NoError(t, err)
	dropRoom(t, s, first.ID)
	second, err := s.EnsurePost(ctx, post, "bob", time.Now())
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, []string{"alice", "bob"}, second.Participants)

	found, err := s.FindByPost(ctx, post)
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, first.ID, found.ID)

	removed, err := s.RemoveParticipant(ctx, first.ID, "bob")
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = s.RemoveParticipant(ctx, first.ID, "bob")
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestPostgresMessagesAndReads(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	a, b := "u-"+uuid.NewString(), "u-"+uuid.NewString()

	conv, err := s.EnsureDirect(ctx, a, b, time.Now())
	require.NoError(t, err)
	dropRoom(t, s, conv.ID)

	var sent []Message
	for i := 0; i < 3; i++ {
		msg := Message{ID: uuid.NewString(), ConversationID: conv.ID, AuthorID: a, Body: "hello", CreatedAt: time.Now()}
		require.NoError(t, s.AddMessage(ctx, &msg))
		sent = append(sent, msg)
	}
	assert.Less(t, sent[0].Seq, sent[1].Seq)

	n, err := s.UnreadCount(ctx, conv.ID, b)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	var wg sync.WaitGroup
	var mu sync.Mutex
	total := 0
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc, err := s.MarkRead(ctx, conv.ID, b, time.Now())
			assert.NoError(t, err)
			mu.Lock()
			total += len(rc.MessageIDs)
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, total)

	again, err := s.MarkRead(ctx, conv.ID, b, time.Now())
	require.NoError(t, err)
	assert.False(t, again.Changed)
	assert.Equal(t, sent[2].ID, again.LastSeenMessageID)

	history, err := s.History(ctx, conv.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, sent[1].ID, history[0].ID)
	assert.Equal(t, []string{b}, history[1].ReadBy)

	older, err := s.History(ctx, conv.ID, history[0].Seq, 10)
	require.NoError(t, err)
	require.Len(t, older, 1)
	assert.Equal(t, sent[0].ID, older[0].ID)

	list, err := s.ListForUser(ctx, b)
	require.NoError(t, err)
	require.NotEmpty(t, list)
	assert.Equal(t, conv.ID, list[0].ID)
}
