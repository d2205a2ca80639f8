package roster

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/buddy-chat/internal/apperr"
	"github.com/whisper/buddy-chat/internal/messaging"
)

// maxAttempts bounds the optimistic retry loop for one operation.
const maxAttempts = 3

// Graph applies roster transitions on top of a Store and announces every
// change on the roster subject of each affected user.
type Graph struct {
	store Store
	pub   messaging.Publisher
	now   func() time.Time
	newID func() string
}

// NewGraph creates a Graph backed by store.
func NewGraph(store Store, pub messaging.Publisher) *Graph {
	return &Graph{
		store: store,
		pub:   pub,
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Request sends a buddy request from initiator to target.
func (g *Graph) Request(ctx context.Context, initiator, target string) (Relationship, error) {
	if err := validatePair(initiator, target); err != nil {
		return Relationship{}, err
	}
	return g.mutate(ctx, "request", g.byPair(initiator, target), func(cur *Relationship) (mutation, error) {
		return transitionRequest(cur, initiator, target, g.now(), g.newID())
	})
}

// Accept accepts the pending request relationshipID addressed to actor.
func (g *Graph) Accept(ctx context.Context, actor, relationshipID string) (Relationship, error) {
	if relationshipID == "" {
		return Relationship{}, apperr.InvalidArgument("request id is required")
	}
	return g.mutate(ctx, "accept", g.byID(relationshipID), func(cur *Relationship) (mutation, error) {
		return transitionAccept(cur, actor, g.now())
	})
}

// Decline rejects the pending request relationshipID addressed to actor. The
// relationship is deleted, so the initiator may ask again later.
func (g *Graph) Decline(ctx context.Context, actor, relationshipID string) error {
	if relationshipID == "" {
		return apperr.InvalidArgument("request id is required")
	}
	_, err := g.mutate(ctx, "decline", g.byID(relationshipID), func(cur *Relationship) (mutation, error) {
		return transitionDecline(cur, actor)
	})
	return err
}

// Block blocks target on behalf of actor from any prior state.
func (g *Graph) Block(ctx context.Context, actor, target string) (Relationship, error) {
	if err := validatePair(actor, target); err != nil {
		return Relationship{}, err
	}
	return g.mutate(ctx, "block", g.byPair(actor, target), func(cur *Relationship) (mutation, error) {
		return transitionBlock(cur, actor, target, g.now(), g.newID())
	})
}

// Unblock lifts actor's block on target.
func (g *Graph) Unblock(ctx context.Context, actor, target string) error {
	if err := validatePair(actor, target); err != nil {
		return err
	}
	_, err := g.mutate(ctx, "unblock", g.byPair(actor, target), func(cur *Relationship) (mutation, error) {
		return transitionUnblock(cur, actor, g.now())
	})
	return err
}

// Remove ends a buddy relationship or withdraws a pending request.
func (g *Graph) Remove(ctx context.Context, actor, target string) error {
	if err := validatePair(actor, target); err != nil {
		return err
	}
	_, err := g.mutate(ctx, "remove", g.byPair(actor, target), func(cur *Relationship) (mutation, error) {
		return transitionRemove(cur, actor)
	})
	return err
}

// BuddyList returns the accepted edges from userID, sorted by buddy id.
func (g *Graph) BuddyList(ctx context.Context, userID string) ([]Edge, error) {
	return g.edgesWhere(ctx, userID, func(e Edge) bool {
		return e.Status == StatusAccepted && e.From == userID
	})
}

// PendingInbound returns pending requests addressed to userID.
func (g *Graph) PendingInbound(ctx context.Context, userID string) ([]Edge, error) {
	return g.edgesWhere(ctx, userID, func(e Edge) bool {
		return e.Status == StatusPending && e.To == userID
	})
}

// PendingOutbound returns pending requests userID has sent.
func (g *Graph) PendingOutbound(ctx context.Context, userID string) ([]Edge, error) {
	return g.edgesWhere(ctx, userID, func(e Edge) bool {
		return e.Status == StatusPending && e.From == userID
	})
}

// Blocked returns the users userID has blocked.
func (g *Graph) Blocked(ctx context.Context, userID string) ([]Edge, error) {
	return g.edgesWhere(ctx, userID, func(e Edge) bool {
		return e.Status == StatusBlocked && e.From == userID
	})
}

// IsBlocked reports whether either user has blocked the other.
func (g *Graph) IsBlocked(ctx context.Context, a, b string) (bool, error) {
	if a == b {
		return false, nil
	}
	rel, err := g.store.Find(ctx, a, b)
	if err != nil {
		return false, fmt.Errorf("roster: is blocked: %w", err)
	}
	return rel != nil && rel.Blocked(), nil
}

// Edges returns the directional edges between a and b.
func (g *Graph) Edges(ctx context.Context, a, b string) ([]Edge, error) {
	if err := validatePair(a, b); err != nil {
		return nil, err
	}
	rel, err := g.store.Find(ctx, a, b)
	if err != nil {
		return nil, fmt.Errorf("roster: edges: %w", err)
	}
	if rel == nil {
		return []Edge{}, nil
	}
	return rel.Edges(), nil
}

func (g *Graph) edgesWhere(ctx context.Context, userID string, keep func(Edge) bool) ([]Edge, error) {
	rels, err := g.store.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("roster: list %s: %w", userID, err)
	}
	out := []Edge{}
	for i := range rels {
		for _, e := range rels[i].Edges() {
			if keep(e) {
				out = append(out, e)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].From+"\x00"+out[i].To < out[j].From+"\x00"+out[j].To
	})
	return out, nil
}

type loader func(ctx context.Context) (*Relationship, error)

func (g *Graph) byPair(a, b string) loader {
	return func(ctx context.Context) (*Relationship, error) { return g.store.Find(ctx, a, b) }
}

func (g *Graph) byID(id string) loader {
	return func(ctx context.Context) (*Relationship, error) { return g.store.Get(ctx, id) }
}

// mutate loads the current row, applies transition and writes the result
// with insert-if-absent or compare-and-swap semantics. A lost race reloads
// and re-evaluates the transition.
func (g *Graph) mutate(ctx context.Context, op string, load loader, transition func(*Relationship) (mutation, error)) (Relationship, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		cur, err := load(ctx)
		if err != nil {
			return Relationship{}, fmt.Errorf("roster: %s: load: %w", op, err)
		}

		m, err := transition(cur)
		if err != nil {
			return Relationship{}, err
		}

		switch m.op {
		case opNone:
			return m.rel, nil
		case opInsert:
			err = g.store.Insert(ctx, &m.rel)
		case opUpdate:
			err = g.store.Update(ctx, &m.rel, cur.Version)
		case opDelete:
			err = g.store.Delete(ctx, cur.ID, cur.Version)
		}
		if errors.Is(err, ErrDuplicate) || errors.Is(err, ErrStale) {
			log.Printf("[roster] %s: lost race on attempt %d, retrying", op, attempt+1)
			continue
		}
		if err != nil {
			return Relationship{}, fmt.Errorf("roster: %s: write: %w", op, err)
		}

		g.announce(m.changes)
		return m.rel, nil
	}
	return Relationship{}, apperr.Conflict("relationship changed concurrently, try again")
}

func (g *Graph) announce(changes []Change) {
	if g.pub == nil {
		return
	}
	for _, c := range changes {
		g.pub.Emit(messaging.RosterSubject(c.Recipient), messaging.EventRosterChanged, c)
	}
}
