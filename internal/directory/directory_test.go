package directory

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/buddy-chat/internal/storage"
)

func TestStaticLookup(t *testing.T) {
	d := NewStatic(Profile{ID: "alice", DisplayName: "Alice"})
	d.Put(Profile{ID: "bob", DisplayName: "Bob", AvatarURL: "https://img/bob.png"})

	got, err := d.Lookup(context.Background(), []string{"alice", "bob", "ghost"})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, "Alice", got["alice"].DisplayName)
	assert.Equal(t, "https://img/bob.png", got["bob"].AvatarURL)
	_, ok := got["ghost"]
	assert.False(t, ok)
}

func TestGormLookup(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping")
	}
	require.NoError(t, storage.Migrate(dsn))
	ctx := context.Background()
	sqlDB, err := storage.OpenPostgres(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	id := "u-" + uuid.NewString()
	_, err = sqlDB.ExecContext(ctx, `INSERT INTO users (id, display_name, avatar_url) VALUES ($1, 'Dana', '')`, id)
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Exec(`DELETE FROM users WHERE id = $1`, id) })

	d, err := NewGormDirectory(sqlDB)
	require.NoError(t, err)

	got, err := d.Lookup(ctx, []string{id, "u-missing"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Dana", got[id].DisplayName)

	empty, err := d.Lookup(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}
