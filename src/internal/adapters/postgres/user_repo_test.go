package postgres

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaffw/cinefav/src/internal/domain"
)

func TestPostgresUserRepo_Upsert(t *testing.T) {
	connStr := os.Getenv("CINEFAV_TEST_DATABASE_URL")
	if connStr == "" {
		t.Skip("CINEFAV_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := NewConnection(ctx, connStr, PoolOptions{})
	require.NoError(t, err)
	defer db.Close()

	repo := NewUserRepo(db)
	require.NoError(t, repo.InitSchema(ctx))

	id := "test-" + uuid.NewString()
	_, err = repo.GetByID(ctx, id)
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	t0 := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Save(ctx, &domain.User{ID: id, Email: "a@example.com", CreatedAt: t0, LastSeen: t0.Add(time.Hour)}))

	// Older last_seen and empty email must not overwrite.
	require.NoError(t, repo.Save(ctx, &domain.User{ID: id, CreatedAt: t0.Add(time.Minute), LastSeen: t0}))

	got, err := repo.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "a@example.com", got.Email)
	assert.True(t, got.CreatedAt.Equal(t0))
	assert.True(t, got.LastSeen.Equal(t0.Add(time.Hour)))
}
