package roster

import (
	"context"
	"errors"
)

var (
	// ErrDuplicate is returned by Store.Insert when the pair already has a row.
	ErrDuplicate = errors.New("roster: relationship already exists")

	// ErrStale is returned by Store.Update and Store.Delete when the row's
	// version no longer matches (another writer got there first).
	ErrStale = errors.New("roster: stale relationship version")
)

// Store persists relationship rows. Writes never overwrite blindly: Insert
// relies on the pair's unique constraint and Update/Delete compare the row
// version.
type Store interface {
	// Find returns the row for the unordered pair, or nil if none exists.
	Find(ctx context.Context, a, b string) (*Relationship, error)
	// Get returns the row with the given id, or nil if none exists.
	Get(ctx context.Context, id string) (*Relationship, error)
	Insert(ctx context.Context, rel *Relationship) error
	// Update replaces the row if its stored version equals expectVersion.
	Update(ctx context.Context, rel *Relationship, expectVersion int64) error
	// Delete removes the row if its stored version equals expectVersion.
	Delete(ctx context.Context, id string, expectVersion int64) error
	// ListByUser returns every row that involves userID.
	ListByUser(ctx context.Context, userID string) ([]Relationship, error)
}
