package firestore

import (
	"context"
	"os"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaffw/cinefav/src/internal/domain"
)

// Run against the emulator:
//
//	gcloud emulators firestore start --host-port=localhost:8686
//	FIRESTORE_EMULATOR_HOST=localhost:8686 go test ./src/internal/adapters/firestore/
func newEmulatorClient(t *testing.T) *firestore.Client {
	t.Helper()
	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set")
	}
	client, err := firestore.NewClient(context.Background(), "cinefav-test")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestDecodeMissingDocument(t *testing.T) {
	doc, err := decode("u1", nil)
	require.NoError(t, err)
	assert.False(t, doc.Exists)
	assert.Equal(t, "u1", doc.UserID)
	assert.Zero(t, doc.Version)
}

func TestFirestoreFavoritesRepo_TransactionAndSubscribe(t *testing.T) {
	client := newEmulatorClient(t)
	repo := NewFavoritesRepo(client, Options{Collection: "favorites-" + uuid.NewString()}, zerolog.Nop())
	userID := "u-" + uuid.NewString()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	snaps, err := repo.Subscribe(ctx, userID)
	require.NoError(t, err)
	first := <-snaps
	assert.False(t, first.Document.Exists)

	_, err = repo.RunTransaction(context.Background(), userID, func(cur domain.FavoritesDocument) (domain.FavoritesDocument, bool, error) {
		return cur.With(domain.FavoriteItem{ID: 42, Title: "X"}), true, nil
	})
	require.NoError(t, err)

	select {
	case snap := <-snaps:
		require.NoError(t, snap.Err)
		assert.True(t, snap.Document.Contains(42))
		assert.NotZero(t, snap.Document.Version)
	case <-time.After(10 * time.Second):
		t.Fatal("no snapshot after write")
	}

	require.NoError(t, repo.EnsureDocument(context.Background(), userID))
	doc, err := repo.Get(context.Background(), userID)
	require.NoError(t, err)
	assert.Len(t, doc.Items, 1)
}

func TestFirestoreUserRepo_RoundTrip(t *testing.T) {
	client := newEmulatorClient(t)
	repo := NewUserRepo(client, "users-"+uuid.NewString())

	_, err := repo.GetByID(context.Background(), "nobody")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	now := time.Now().UTC().Truncate(time.Millisecond)
	require.NoError(t, repo.Save(context.Background(), &domain.User{ID: "u1", Email: "a@b.c", CreatedAt: now, LastSeen: now}))

	got, err := repo.GetByID(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "a@b.c", got.Email)
}
