package roster

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/buddy-chat/internal/apperr"
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

// uniqueUsers returns ids that cannot collide with earlier runs.
func uniqueUsers(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = "u-" + uuid.NewString()
	}
	return out
}

func cleanupPair(t *testing.T, db *sql.DB, a, b string) {
	lo, hi := orderPair(a, b)
	t.Cleanup(func() {
		db.Exec(`DELETE FROM relationships WHERE user_lo = $1 AND user_hi = $2`, lo, hi)
	})
}

func TestPostgresStoreInsertIsUniquePerPair(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	u := uniqueUsers(2)
	cleanupPair(t, s.db, u[0], u[1])

	g := NewGraph(s, nil)
	_, err := g.Request(ctx, u[0], u[1])
	require.NoError(t, err)

	lo, hi := orderPair(u[0], u[1])
	err = s.Insert(ctx, &Relationship{ID: uuid.NewString(), UserLo: lo, UserHi: hi, Status: StatusPending, RequestedBy: u[1], Version: 1})
	assert.ErrorIs(t, err, ErrDuplicate)

	_, err = g.Request(ctx, u[1], u[0])
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}

func TestPostgresStoreCompareAndSwap(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	u := uniqueUsers(2)
	cleanupPair(t, s.db, u[0], u[1])

	g := NewGraph(s, nil)
	rel, err := g.Request(ctx, u[0], u[1])
	require.NoError(t, err)

	next := rel
	next.Status = StatusAccepted
	next.Version = rel.Version + 1
	require.NoError(t, s.Update(ctx, &next, rel.Version))
	assert.ErrorIs(t, s.Update(ctx, &next, rel.Version), ErrStale)
	assert.ErrorIs(t, s.Delete(ctx, rel.ID, rel.Version), ErrStale)

	got, err := s.Get(ctx, rel.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusAccepted, got.Status)
	assert.Equal(t, next.Version, got.Version)

	missing, err := s.Get(ctx, "not-a-uuid")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestPostgresGraphLifecycle(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	u := uniqueUsers(2)
	a, b := u[0], u[1]
	cleanupPair(t, s.db, a, b)

	g := NewGraph(s, nil)
	rel, err := g.Request(ctx, a, b)
	require.NoError(t, err)
	_, err = g.Accept(ctx, b, rel.ID)
	require.NoError(t, err)

	buddies, err := g.BuddyList(ctx, a)
	require.NoError(t, err)
	require.Len(t, buddies, 1)
	assert.Equal(t, b, buddies[0].To)

	_, err = g.Block(ctx, b, a)
	require.NoError(t, err)
	blocked, err := g.IsBlocked(ctx, a, b)
	require.NoError(t, err)
	assert.True(t, blocked)

	buddies, err = g.BuddyList(ctx, a)
	require.NoError(t, err)
	assert.Empty(t, buddies)

	require.NoError(t, g.Unblock(ctx, b, a))
	edges, err := g.Edges(ctx, a, b)
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestPostgresConcurrentRequests(t *testing.T) {
	s := newPostgresStore(t)
	ctx := context.Background()
	u := uniqueUsers(2)
	cleanupPair(t, s.db, u[0], u[1])

	g := NewGraph(s, nil)
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := u[0], u[1]
			if i%2 == 1 {
				from, to = to, from
			}
			if _, err := g.Request(ctx, from, to); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, ok)
}
