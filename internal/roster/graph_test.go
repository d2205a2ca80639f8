package roster

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/buddy-chat/internal/apperr"
	"github.com/whisper/buddy-chat/internal/messaging"
)

type rosterEvents struct {
	mu  sync.Mutex
	got map[string][]Change
}

func (r *rosterEvents) kinds(user string) []ChangeKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ChangeKind
	for _, c := range r.got[user] {
		out = append(out, c.Kind)
	}
	return out
}

func newTestGraph(t *testing.T, users ...string) (*Graph, *rosterEvents) {
	t.Helper()
	fanout := messaging.NewFanout(messaging.NewLocalBus())
	events := &rosterEvents{got: make(map[string][]Change)}
	for _, u := range users {
		u := u
		_, err := fanout.Subscribe(messaging.RosterSubject(u), func(e messaging.Event) {
			var c Change
			require.NoError(t, e.Decode(&c))
			events.mu.Lock()
			events.got[u] = append(events.got[u], c)
			events.mu.Unlock()
		})
		require.NoError(t, err)
	}
	return NewGraph(NewMemoryStore(), fanout), events
}

func buddyIDs(t *testing.T, g *Graph, user string) []string {
	t.Helper()
	edges, err := g.BuddyList(context.Background(), user)
	require.NoError(t, err)
	out := []string{}
	for _, e := range edges {
		out = append(out, e.To)
	}
	return out
}

func TestRequestAcceptYieldsSymmetricBuddies(t *testing.T) {
	g, events := newTestGraph(t, "alice", "bob")
	ctx := context.Background()

	rel, err := g.Request(ctx, "alice", "bob")
	require.NoError(t, err)

	edges, err := g.Edges(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, Edge{ID: rel.ID, From: "alice", To: "bob", Status: StatusPending, CreatedAt: rel.CreatedAt, UpdatedAt: rel.UpdatedAt}, edges[0])

	inbound, err := g.PendingInbound(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, inbound, 1)
	assert.Equal(t, "alice", inbound[0].From)

	outbound, err := g.PendingOutbound(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, outbound, 1)

	_, err = g.Accept(ctx, "bob", inbound[0].ID)
	require.NoError(t, err)

	edges, err = g.Edges(ctx, "bob", "alice")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, StatusAccepted, e.Status)
	}
	assert.ElementsMatch(t, []string{"alice", "bob"}, []string{edges[0].From, edges[1].From})

	assert.Equal(t, []string{"bob"}, buddyIDs(t, g, "alice"))
	assert.Equal(t, []string{"alice"}, buddyIDs(t, g, "bob"))

	assert.Equal(t, []ChangeKind{ChangeRequested, ChangeAccepted}, events.kinds("alice"))
	assert.Equal(t, []ChangeKind{ChangeRequested, ChangeAccepted}, events.kinds("bob"))
}

func TestRequestRejections(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	_, err := g.Request(ctx, "alice", "alice")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
	_, err = g.Request(ctx, "alice", "")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
	_, err = g.Request(ctx, "alice", "john.doe")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))
	_, err = g.Block(ctx, "alice", "bob.*")
	assert.True(t, errors.Is(err, apperr.ErrInvalidArgument))

	_, err = g.Request(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = g.Request(ctx, "alice", "bob")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "duplicate pending")
	_, err = g.Request(ctx, "bob", "alice")
	assert.True(t, errors.Is(err, apperr.ErrConflict), "reverse pending")

	_, err = g.Block(ctx, "carol", "dave")
	require.NoError(t, err)
	_, err = g.Request(ctx, "carol", "dave")
	assert.True(t, errors.Is(err, apperr.ErrBlocked))
	_, err = g.Request(ctx, "dave", "carol")
	assert.True(t, errors.Is(err, apperr.ErrBlocked), "block is honored in both directions")
}

func TestOnlyAddresseeMayAnswer(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	rel, err := g.Request(ctx, "alice", "bob")
	require.NoError(t, err)

	_, err = g.Accept(ctx, "alice", rel.ID)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
	_, err = g.Accept(ctx, "mallory", rel.ID)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))
	err = g.Decline(ctx, "alice", rel.ID)
	assert.True(t, errors.Is(err, apperr.ErrUnauthorized))

	_, err = g.Accept(ctx, "bob", "no-such-id")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = g.Accept(ctx, "bob", rel.ID)
	require.NoError(t, err)
	_, err = g.Accept(ctx, "bob", rel.ID)
	assert.True(t, errors.Is(err, apperr.ErrConflict), "redundant accept")
}

func TestDeclineLeavesNoEdges(t *testing.T) {
	g, events := newTestGraph(t, "alice", "bob")
	ctx := context.Background()

	_, err := g.Request(ctx, "alice", "bob")
	require.NoError(t, err)

	pending, err := g.PendingInbound(ctx, "bob")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].From)

	require.NoError(t, g.Decline(ctx, "bob", pending[0].ID))

	assert.Empty(t, buddyIDs(t, g, "alice"))
	assert.Empty(t, buddyIDs(t, g, "bob"))
	edges, err := g.Edges(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, edges)
	edges, err = g.Edges(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.Empty(t, edges)

	assert.Equal(t, []ChangeKind{ChangeRequested, ChangeDeclined}, events.kinds("bob"))

	// A fresh request is allowed afterwards.
	_, err = g.Request(ctx, "alice", "bob")
	require.NoError(t, err)
}

func TestBlockRemovesBuddiesBothWays(t *testing.T) {
	g, events := newTestGraph(t, "alice", "bob")
	ctx := context.Background()

	rel, err := g.Request(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = g.Accept(ctx, "bob", rel.ID)
	require.NoError(t, err)

	_, err = g.Block(ctx, "alice", "bob")
	require.NoError(t, err)

	assert.Empty(t, buddyIDs(t, g, "alice"))
	assert.Empty(t, buddyIDs(t, g, "bob"))

	for _, pair := range [][2]string{{"alice", "bob"}, {"bob", "alice"}} {
		blocked, err := g.IsBlocked(ctx, pair[0], pair[1])
		require.NoError(t, err)
		assert.True(t, blocked, "%v", pair)
	}

	edges, err := g.Edges(ctx, "alice", "bob")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, Edge{ID: edges[0].ID, From: "alice", To: "bob", Status: StatusBlocked, CreatedAt: edges[0].CreatedAt, UpdatedAt: edges[0].UpdatedAt}, edges[0])

	blockedList, err := g.Blocked(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, blockedList, 1)
	assert.Equal(t, "bob", blockedList[0].To)

	// The blocked party only learns the relationship went away.
	assert.Equal(t, ChangeRemoved, events.kinds("bob")[len(events.kinds("bob"))-1])
	assert.Equal(t, ChangeBlocked, events.kinds("alice")[len(events.kinds("alice"))-1])
}

func TestBlockIsIdempotent(t *testing.T) {
	g, events := newTestGraph(t, "alice")
	ctx := context.Background()

	first, err := g.Block(ctx, "alice", "bob")
	require.NoError(t, err)
	second, err := g.Block(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Equal(t, first.Version, second.Version)
	assert.Len(t, events.kinds("alice"), 1)
}

func TestUnblock(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	err := g.Unblock(ctx, "alice", "bob")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	_, err = g.Block(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = g.Block(ctx, "bob", "alice")
	require.NoError(t, err)

	// bob cannot lift alice's block.
	require.NoError(t, g.Unblock(ctx, "bob", "alice"))
	blocked, err := g.IsBlocked(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, blocked)
	err = g.Unblock(ctx, "bob", "alice")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))

	require.NoError(t, g.Unblock(ctx, "alice", "bob"))
	blocked, err = g.IsBlocked(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, blocked)

	// Unblocking does not restore the old relationship.
	edges, err := g.Edges(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, edges)
}

func TestRemove(t *testing.T) {
	g, events := newTestGraph(t, "alice", "bob")
	ctx := context.Background()

	require.NoError(t, g.Remove(ctx, "alice", "bob"), "nothing to remove is not an error")

	rel, err := g.Request(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = g.Accept(ctx, "bob", rel.ID)
	require.NoError(t, err)

	require.NoError(t, g.Remove(ctx, "bob", "alice"))
	assert.Empty(t, buddyIDs(t, g, "alice"))
	assert.Equal(t, ChangeRemoved, events.kinds("alice")[len(events.kinds("alice"))-1])

	// Own block can be removed, the other side's cannot.
	_, err = g.Block(ctx, "alice", "bob")
	require.NoError(t, err)
	err = g.Remove(ctx, "bob", "alice")
	assert.True(t, errors.Is(err, apperr.ErrBlocked))
	require.NoError(t, g.Remove(ctx, "alice", "bob"))
	blocked, err := g.IsBlocked(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestConcurrentRequestsCreateOneRelationship(t *testing.T) {
	g, _ := newTestGraph(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, conflicts int
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			from, to := "alice", "bob"
			if i%2 == 1 {
				from, to = to, from
			}
			_, err := g.Request(ctx, from, to)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, apperr.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 19, conflicts)
	edges, err := g.Edges(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Len(t, edges, 1)
}

func TestConcurrentBlockAndAcceptNeverLoseTheBlock(t *testing.T) {
	for i := 0; i < 20; i++ {
		g, _ := newTestGraph(t)
		ctx := context.Background()
		rel, err := g.Request(ctx, "alice", "bob")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = g.Accept(ctx, "bob", rel.ID)
		}()
		go func() {
			defer wg.Done()
			_, err := g.Block(ctx, "alice", "bob")
			assert.NoError(t, err)
		}()
		wg.Wait()

		blocked, err := g.IsBlocked(ctx, "bob", "alice")
		require.NoError(t, err)
		assert.True(t, blocked)
		assert.Empty(t, buddyIDs(t, g, "bob"))
	}
}

// staleStore loses every compare-and-swap.
type staleStore struct{ *MemoryStore }

func (staleStore) Update(context.Context, *Relationship, int64) error { return ErrStale }

func TestPersistentRaceSurfacesConflict(t *testing.T) {
	store := staleStore{NewMemoryStore()}
	g := NewGraph(store, nil)
	ctx := context.Background()

	rel, err := g.Request(ctx, "alice", "bob")
	require.NoError(t, err)
	_, err = g.Accept(ctx, "bob", rel.ID)
	assert.True(t, errors.Is(err, apperr.ErrConflict))
}
