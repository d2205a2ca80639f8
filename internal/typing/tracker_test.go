package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/buddy-chat/internal/messaging"
)

type testEnv struct {
	tracker *Tracker
	mr      *miniredis.Miniredis
	now     time.Time
	mu      sync.Mutex
	events  []Indicator
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	env := &testEnv{mr: mr, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	fanout := messaging.NewFanout(messaging.NewLocalBus())
	_, err := fanout.Subscribe(messaging.TypingSubject("c1"), func(e messaging.Event) {
		var ind Indicator
		require.NoError(t, e.Decode(&ind))
		env.mu.Lock()
		env.events = append(env.events, ind)
		env.mu.Unlock()
	})
	require.NoError(t, err)

	env.tracker = NewTracker(client, fanout)
	env.tracker.now = func() time.Time {
		env.mu.Lock()
		defer env.mu.Unlock()
		return env.now
	}
	return env
}

func (e *testEnv) advance(d time.Duration) {
	e.mu.Lock()
	e.now = e.now.Add(d)
	e.mu.Unlock()
	e.mr.FastForward(d)
}

func (e *testEnv) published() []Indicator {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Indicator(nil), e.events...)
}

func userIDs(inds []Indicator) []string {
	out := make([]string, len(inds))
	for i, ind := range inds {
		out[i] = ind.UserID
	}
	return out
}

func TestSetPublishesImmediately(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.tracker.Set(ctx, "c1", "alice", true)
	require.NoError(t, err)
	_, err = env.tracker.Set(ctx, "c1", "alice", false)
	require.NoError(t, err)

	got := env.published()
	require.Len(t, got, 2)
	assert.True(t, got[0].IsTyping)
	assert.False(t, got[1].IsTyping)
	assert.Equal(t, "alice", got[1].UserID)
}

func TestActiveListsFreshTypers(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.tracker.Set(ctx, "c1", "alice", true)
	require.NoError(t, err)
	env.advance(4 * time.Second)
	_, err = env.tracker.Set(ctx, "c1", "bob", true)
	require.NoError(t, err)
	_, err = env.tracker.Set(ctx, "c1", "carol", false)
	require.NoError(t, err)

	active, err := env.tracker.Active(ctx, "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"alice", "bob"}, userIDs(active))

	other, err := env.tracker.Active(ctx, "c2")
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestIndicatorExpiresAfterTenSeconds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.tracker.Set(ctx, "c1", "alice", true)
	require.NoError(t, err)

	env.advance(9 * time.Second)
	active, err := env.tracker.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, userIDs(active))

	env.advance(2 * time.Second)
	active, err = env.tracker.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestReadTimeCheckIgnoresLingeringKeys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.tracker.Set(ctx, "c1", "alice", true)
	require.NoError(t, err)

	// Move only the application clock: Redis still holds the key.
	env.mu.Lock()
	env.now = env.now.Add(11 * time.Second)
	env.mu.Unlock()

	active, err := env.tracker.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestRefreshKeepsIndicatorAlive(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := env.tracker.Set(ctx, "c1", "alice", true)
		require.NoError(t, err)
		env.advance(6 * time.Second)
	}
	active, err := env.tracker.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, userIDs(active))
}

func TestClear(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.tracker.Set(ctx, "c1", "alice", true)
	require.NoError(t, err)
	require.NoError(t, env.tracker.Clear(ctx, "c1", "alice"))

	active, err := env.tracker.Active(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, active)

	got := env.published()
	require.Len(t, got, 2)
	assert.False(t, got[1].IsTyping)
}
