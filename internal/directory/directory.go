// Package directory is a read-only view of the platform's user table. It
// only decorates roster entries with display data; nothing in the core
// authorizes against it.
package directory

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Profile is the display data of one user.
type Profile struct {
	ID          string `gorm:"primaryKey;column:id" json:"id"`
	DisplayName string `gorm:"column:display_name" json:"display_name"`
	AvatarURL   string `gorm:"column:avatar_url" json:"avatar_url,omitempty"`
}

// TableName maps Profile onto the platform users table.
func (Profile) TableName() string { return "users" }

// Directory resolves user ids to profiles.
type Directory interface {
	Lookup(ctx context.Context, userIDs []string) (map[string]Profile, error)
}

// GormDirectory reads profiles through GORM.
type GormDirectory struct {
	db *gorm.DB
}

// NewGormDirectory wraps an existing connection pool so the directory shares
// the pool opened by storage.OpenPostgres.
func NewGormDirectory(sqlDB *sql.DB) (*GormDirectory, error) {
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("directory: open: %w", err)
	}
	return &GormDirectory{db: db}, nil
}

// Lookup returns the profiles of the known ids. Unknown ids are absent from
// the map.
func (d *GormDirectory) Lookup(ctx context.Context, userIDs []string) (map[string]Profile, error) {
	out := make(map[string]Profile, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	var rows []Profile
	if err := d.db.WithContext(ctx).Where("id IN ?", userIDs).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("directory: lookup: %w", err)
	}
	for _, p := range rows {
		out[p.ID] = p
	}
	return out, nil
}

// Static is an in-memory Directory for the memory backend and tests.
type Static struct {
	mu       sync.RWMutex
	profiles map[string]Profile
}

// NewStatic creates a Static directory holding profiles.
func NewStatic(profiles ...Profile) *Static {
	s := &Static{profiles: make(map[string]Profile)}
	for _, p := range profiles {
		s.profiles[p.ID] = p
	}
	return s
}

// Put adds or replaces a profile.
func (s *Static) Put(p Profile) {
	s.mu.Lock()
	s.profiles[p.ID] = p
	s.mu.Unlock()
}

func (s *Static) Lookup(_ context.Context, userIDs []string) (map[string]Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Profile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := s.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}
