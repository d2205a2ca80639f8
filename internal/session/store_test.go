package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, server string) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewStore(client, server), mr
}

func TestCreateGetDelete(t *testing.T) {
	s, _ := newTestStore(t, "ws-1")
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "c1", "alice"))
	got, err := s.Get(ctx, "c1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "alice", got.UserID)
	assert.Equal(t, "ws-1", got.Server)

	remaining, err := s.Delete(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, remaining)

	got, err = s.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestCountAcrossDevices(t *testing.T) {
	s, _ := newTestStore(t, "ws-1")
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "c1", "alice"))
	require.NoError(t, s.Create(ctx, "c2", "alice"))
	require.NoError(t, s.Create(ctx, "c3", "bob"))

	n, err := s.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := s.Delete(ctx, "c1", "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)
}

func TestExpiredSessionsArePruned(t *testing.T) {
	s, mr := newTestStore(t, "ws-1")
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, "c1", "alice"))
	mr.FastForward(30 * time.Minute)
	require.NoError(t, s.Create(ctx, "c2", "alice"))
	mr.FastForward(31 * time.Minute)

	n, err := s.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"c2"}, mustMembers(t, mr, UserPrefix+"alice"))

	require.NoError(t, s.Touch(ctx, "c2", "alice"))
	mr.FastForward(45 * time.Minute)
	n, err = s.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func mustMembers(t *testing.T, mr *miniredis.Miniredis, key string) []string {
	t.Helper()
	members, err := mr.Members(key)
	require.NoError(t, err)
	return members
}
