// Package roster implements the buddy-list relationship graph. Each unordered
// pair of users has at most one relationship row; the directional edges a
// client sees (A→B pending, A→B accepted, A→B blocked) are a projection of
// that row, so both directions always agree on whether the pair is blocked.
package roster

import (
	"time"

	"github.com/whisper/buddy-chat/internal/apperr"
	"github.com/whisper/buddy-chat/internal/messaging"
)

// Status is the state of a relationship or edge.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusBlocked  Status = "blocked"
)

// Relationship is the canonical row for one unordered pair, UserLo < UserHi.
type Relationship struct {
	ID          string
	UserLo      string
	UserHi      string
	Status      Status
	RequestedBy string // initiator of the pending/accepted request
	BlockedByLo bool
	BlockedByHi bool
	Version     int64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Edge is one direction of a relationship as seen by its From user.
type Edge struct {
	ID        string    `json:"id"` // relationship id, used to accept or decline
	From      string    `json:"from"`
	To        string    `json:"to"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// orderPair returns a and b in canonical order.
func orderPair(a, b string) (lo, hi string) {
	if a < b {
		return a, b
	}
	return b, a
}

func validatePair(a, b string) error {
	if a == "" || b == "" {
		return apperr.InvalidArgument("user ids are required")
	}
	if a == b {
		return apperr.InvalidArgument("cannot create a relationship with yourself")
	}
	if !messaging.ValidID(a) || !messaging.ValidID(b) {
		return apperr.InvalidArgument("user ids must not contain dots, wildcards or spaces")
	}
	return nil
}

// Involves reports whether userID is one side of the pair.
func (r *Relationship) Involves(userID string) bool {
	return userID == r.UserLo || userID == r.UserHi
}

// Other returns the other side of the pair from userID's perspective.
func (r *Relationship) Other(userID string) string {
	if userID == r.UserLo {
		return r.UserHi
	}
	return r.UserLo
}

// Addressee is the recipient of the request.
func (r *Relationship) Addressee() string {
	return r.Other(r.RequestedBy)
}

// BlockedBy reports whether userID has blocked the other side.
func (r *Relationship) BlockedBy(userID string) bool {
	switch userID {
	case r.UserLo:
		return r.BlockedByLo
	case r.UserHi:
		return r.BlockedByHi
	}
	return false
}

// Blocked reports whether either side has blocked the other.
func (r *Relationship) Blocked() bool {
	return r.BlockedByLo || r.BlockedByHi
}

func (r *Relationship) setBlockedBy(userID string, v bool) {
	if userID == r.UserLo {
		r.BlockedByLo = v
	} else if userID == r.UserHi {
		r.BlockedByHi = v
	}
}

// Edges projects the relationship onto directional edges: a pending request
// is one edge from the requester, an accepted relationship is an edge each
// way, and a block is one edge from each blocker.
func (r *Relationship) Edges() []Edge {
	edge := func(from string) Edge {
		return Edge{
			ID:        r.ID,
			From:      from,
			To:        r.Other(from),
			Status:    r.Status,
			CreatedAt: r.CreatedAt,
			UpdatedAt: r.UpdatedAt,
		}
	}

	switch {
	case r.Blocked():
		var out []Edge
		if r.BlockedByLo {
			out = append(out, edge(r.UserLo))
		}
		if r.BlockedByHi {
			out = append(out, edge(r.UserHi))
		}
		for i := range out {
			out[i].Status = StatusBlocked
		}
		return out
	case r.Status == StatusAccepted:
		return []Edge{edge(r.RequestedBy), edge(r.Addressee())}
	case r.Status == StatusPending:
		return []Edge{edge(r.RequestedBy)}
	}
	return nil
}

// ChangeKind names a roster change as delivered to one party.
type ChangeKind string

const (
	ChangeRequested ChangeKind = "requested"
	ChangeAccepted  ChangeKind = "accepted"
	ChangeDeclined  ChangeKind = "declined"
	ChangeBlocked   ChangeKind = "blocked"
	ChangeUnblocked ChangeKind = "unblocked"
	ChangeRemoved   ChangeKind = "removed"
)

// Change is the payload published on roster.<Recipient>.
type Change struct {
	Kind           ChangeKind `json:"kind"`
	RelationshipID string     `json:"relationship_id"`
	Recipient      string     `json:"-"`
	Actor          string     `json:"actor"`
	Peer           string     `json:"peer"` // the other party, from the recipient's side
}

type opKind int

const (
	opNone opKind = iota
	opInsert
	opUpdate
	opDelete
)

// mutation is the outcome of applying a transition to the current row.
type mutation struct {
	op      opKind
	rel     Relationship
	changes []Change
}

func notify(rel *Relationship, kind ChangeKind, actor string, recipients ...string) []Change {
	out := make([]Change, 0, len(recipients))
	for _, r := range recipients {
		out = append(out, Change{
			Kind:           kind,
			RelationshipID: rel.ID,
			Recipient:      r,
			Actor:          actor,
			Peer:           rel.Other(r),
		})
	}
	return out
}

// transitionRequest: none → pending.
func transitionRequest(cur *Relationship, initiator, target string, now time.Time, newID string) (mutation, error) {
	if cur == nil {
		lo, hi := orderPair(initiator, target)
		rel := Relationship{
			ID:          newID,
			UserLo:      lo,
			UserHi:      hi,
			Status:      StatusPending,
			RequestedBy: initiator,
			Version:     1,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		return mutation{op: opInsert, rel: rel, changes: notify(&rel, ChangeRequested, initiator, initiator, target)}, nil
	}
	if cur.Blocked() {
		return mutation{}, apperr.Blocked("a block exists between these users")
	}
	switch cur.Status {
	case StatusPending:
		return mutation{}, apperr.Conflict("a buddy request is already pending")
	case StatusAccepted:
		return mutation{}, apperr.Conflict("already buddies")
	}
	return mutation{}, apperr.Conflict("relationship is %s", cur.Status)
}

// checkAddressee validates that actor may answer the pending request cur.
func checkAddressee(cur *Relationship, actor string) error {
	if cur == nil {
		return apperr.NotFound("buddy request not found")
	}
	if !cur.Involves(actor) {
		return apperr.Unauthorized("not the recipient of this request")
	}
	if cur.Status != StatusPending {
		return apperr.Conflict("request is not pending")
	}
	if cur.RequestedBy == actor {
		return apperr.Unauthorized("only the recipient can answer a request")
	}
	return nil
}

// transitionAccept: pending → accepted.
func transitionAccept(cur *Relationship, actor string, now time.Time) (mutation, error) {
	if err := checkAddressee(cur, actor); err != nil {
		return mutation{}, err
	}
	next := *cur
	next.Status = StatusAccepted
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	return mutation{op: opUpdate, rel: next, changes: notify(&next, ChangeAccepted, actor, next.RequestedBy, actor)}, nil
}

// transitionDecline: pending → none.
func transitionDecline(cur *Relationship, actor string) (mutation, error) {
	if err := checkAddressee(cur, actor); err != nil {
		return mutation{}, err
	}
	return mutation{op: opDelete, rel: *cur, changes: notify(cur, ChangeDeclined, actor, cur.RequestedBy, actor)}, nil
}

// transitionBlock: any → blocked. Blocking twice is a no-op.
func transitionBlock(cur *Relationship, actor, target string, now time.Time, newID string) (mutation, error) {
	if cur == nil {
		lo, hi := orderPair(actor, target)
		rel := Relationship{
			ID:        newID,
			UserLo:    lo,
			UserHi:    hi,
			Status:    StatusBlocked,
			Version:   1,
			CreatedAt: now,
			UpdatedAt: now,
		}
		rel.setBlockedBy(actor, true)
		return mutation{op: opInsert, rel: rel, changes: blockChanges(&rel, actor, target)}, nil
	}
	if cur.BlockedBy(actor) {
		return mutation{op: opNone, rel: *cur}, nil
	}
	next := *cur
	next.Status = StatusBlocked
	next.setBlockedBy(actor, true)
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	return mutation{op: opUpdate, rel: next, changes: blockChanges(&next, actor, target)}, nil
}

// The blocked party is told the relationship went away, never that it was
// blocked.
func blockChanges(rel *Relationship, actor, target string) []Change {
	return append(notify(rel, ChangeBlocked, actor, actor), notify(rel, ChangeRemoved, actor, target)...)
}

// transitionUnblock clears actor's block; the row is removed once nobody
// blocks anymore.
func transitionUnblock(cur *Relationship, actor string, now time.Time) (mutation, error) {
	if cur == nil || !cur.BlockedBy(actor) {
		return mutation{}, apperr.NotFound("no block to lift")
	}
	next := *cur
	next.setBlockedBy(actor, false)
	changes := notify(&next, ChangeUnblocked, actor, actor)
	if !next.Blocked() {
		return mutation{op: opDelete, rel: *cur, changes: changes}, nil
	}
	next.Version = cur.Version + 1
	next.UpdatedAt = now
	return mutation{op: opUpdate, rel: next, changes: changes}, nil
}

// transitionRemove deletes whatever relationship exists between the pair,
// including the actor's own block. Removal is refused with Blocked while the
// other side holds a block, so a blocked user cannot erase it.
func transitionRemove(cur *Relationship, actor string) (mutation, error) {
	if cur == nil {
		return mutation{op: opNone}, nil
	}
	if cur.BlockedBy(cur.Other(actor)) {
		return mutation{}, apperr.Blocked("a block exists between these users")
	}
	if cur.Blocked() {
		return mutation{op: opDelete, rel: *cur, changes: notify(cur, ChangeUnblocked, actor, actor)}, nil
	}
	return mutation{op: opDelete, rel: *cur, changes: notify(cur, ChangeRemoved, actor, cur.UserLo, cur.UserHi)}, nil
}
