package roster

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// PostgresStore persists relationships in the relationships table. The
// (user_lo, user_hi) unique constraint guarantees one row per pair.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a store backed by the given database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const relationshipColumns = `id, user_lo, user_hi, status, requested_by, blocked_by_lo, blocked_by_hi, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRelationship(row rowScanner) (*Relationship, error) {
	var rel Relationship
	var status string
	err := row.Scan(
		&rel.ID, &rel.UserLo, &rel.UserHi, &status, &rel.RequestedBy,
		&rel.BlockedByLo, &rel.BlockedByHi, &rel.Version, &rel.CreatedAt, &rel.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rel.Status = Status(status)
	return &rel, nil
}

func (s *PostgresStore) Find(ctx context.Context, a, b string) (*Relationship, error) {
	lo, hi := orderPair(a, b)
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE user_lo = $1 AND user_hi = $2`

	rel, err := scanRelationship(s.db.QueryRowContext(ctx, query, lo, hi))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("roster: find pair: %w", err)
	}
	return rel, nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (*Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE id::text = $1`

	rel, err := scanRelationship(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("roster: get: %w", err)
	}
	return rel, nil
}

// Insert creates the row unless the pair already has one.
func (s *PostgresStore) Insert(ctx context.Context, rel *Relationship) error {
	const query = `
		INSERT INTO relationships (id, user_lo, user_hi, status, requested_by, blocked_by_lo, blocked_by_hi, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (user_lo, user_hi) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query,
		rel.ID, rel.UserLo, rel.UserHi, string(rel.Status), rel.RequestedBy,
		rel.BlockedByLo, rel.BlockedByHi, rel.Version, rel.CreatedAt, rel.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("roster: insert: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("roster: insert: %w", err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// Update writes rel only if the stored version still equals expectVersion.
func (s *PostgresStore) Update(ctx context.Context, rel *Relationship, expectVersion int64) error {
	const query = `
		UPDATE relationships
		SET status = $1, requested_by = $2, blocked_by_lo = $3, blocked_by_hi = $4,
		    version = $5, updated_at = $6
		WHERE id = $7 AND version = $8`

	res, err := s.db.ExecContext(ctx, query,
		string(rel.Status), rel.RequestedBy, rel.BlockedByLo, rel.BlockedByHi,
		rel.Version, rel.UpdatedAt, rel.ID, expectVersion,
	)
	if err != nil {
		return fmt.Errorf("roster: update: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("roster: update: %w", err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

// Delete removes the row only if the stored version still equals
// expectVersion.
func (s *PostgresStore) Delete(ctx context.Context, id string, expectVersion int64) error {
	const query = `DELETE FROM relationships WHERE id = $1 AND version = $2`

	res, err := s.db.ExecContext(ctx, query, id, expectVersion)
	if err != nil {
		return fmt.Errorf("roster: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("roster: delete: %w", err)
	}
	if n == 0 {
		return ErrStale
	}
	return nil
}

func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]Relationship, error) {
	query := `SELECT ` + relationshipColumns + ` FROM relationships WHERE user_lo = $1 OR user_hi = $1`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("roster: list by user: %w", err)
	}
	defer rows.Close()

	var out []Relationship
	for rows.Next() {
		rel, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("roster: scan: %w", err)
		}
		out = append(out, *rel)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("roster: list by user: %w", err)
	}
	return out, nil
}
