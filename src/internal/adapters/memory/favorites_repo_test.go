package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaffw/cinefav/src/internal/domain"
)

func addItem(item domain.FavoriteItem) domain.Mutation {
	return func(cur domain.FavoritesDocument) (domain.FavoritesDocument, bool, error) {
		if cur.Contains(item.ID) {
			return cur, false, nil
		}
		return cur.With(item), true, nil
	}
}

func recv(t *testing.T, ch <-chan domain.Snapshot) domain.Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		require.True(t, ok, "snapshot channel closed")
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot")
	}
	return domain.Snapshot{}
}

func TestFavoritesRepo_GetMissingDocument(t *testing.T) {
	repo := NewFavoritesRepo()

	_, err := repo.Get(context.Background(), "u1")
	assert.ErrorIs(t, err, domain.ErrDocumentNotFound)

	require.NoError(t, repo.EnsureDocument(context.Background(), "u1"))
	doc, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, doc.Exists)
	assert.Empty(t, doc.Items)
	assert.Equal(t, int64(1), doc.Version)

	// second call leaves the document alone
	require.NoError(t, repo.EnsureDocument(context.Background(), "u1"))
	doc, _ = repo.Get(context.Background(), "u1")
	assert.Equal(t, int64(1), doc.Version)
}

func TestFavoritesRepo_TransactionCreatesDocumentLazily(t *testing.T) {
	repo := NewFavoritesRepo()

	doc, err := repo.RunTransaction(context.Background(), "u1", addItem(domain.FavoriteItem{ID: 42}))
	require.NoError(t, err)
	assert.True(t, doc.Contains(42))
	assert.Equal(t, int64(1), doc.Version)
}

func TestFavoritesRepo_NoChangeSkipsCommit(t *testing.T) {
	repo := NewFavoritesRepo()
	repo.Put("u1", []domain.FavoriteItem{{ID: 42}})

	doc, err := repo.RunTransaction(context.Background(), "u1", addItem(domain.FavoriteItem{ID: 42}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), doc.Version)
	assert.Len(t, doc.Items, 1)
}

// Two transactions read the same empty document before either commits. The
// loser is re-run against the winner's write and becomes a no-op.
func TestFavoritesRepo_ConcurrentAddsConverge(t *testing.T) {
	repo := NewFavoritesRepo()
	item := domain.FavoriteItem{ID: 42, Title: "X"}

	var (
		readers sync.WaitGroup
		calls   sync.Map
	)
	readers.Add(2)

	racing := func(name string) domain.Mutation {
		return func(cur domain.FavoritesDocument) (domain.FavoritesDocument, bool, error) {
			n, _ := calls.LoadOrStore(name, new(int))
			*(n.(*int))++
			if *(n.(*int)) == 1 {
				readers.Done()
				readers.Wait()
			}
			return addItem(item)(cur)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, name := range []string{"a", "b"} {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			_, errs[i] = repo.RunTransaction(context.Background(), "u1", racing(name))
		}(i, name)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	doc, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, doc.Items, 1)
	assert.Equal(t, int64(1), doc.Version, "loser must not commit")
}

func TestFavoritesRepo_TransactionAbortsAfterMaxAttempts(t *testing.T) {
	repo := NewFavoritesRepo().WithMaxAttempts(2)

	// every attempt races with an outside writer
	_, err := repo.RunTransaction(context.Background(), "u1", func(cur domain.FavoritesDocument) (domain.FavoritesDocument, bool, error) {
		repo.Put("u1", []domain.FavoriteItem{{ID: 1}})
		return cur.With(domain.FavoriteItem{ID: 2}), true, nil
	})
	assert.ErrorIs(t, err, domain.ErrTransactionAborted)
}

func TestFavoritesRepo_SubscribeDeliversInitialAndUpdates(t *testing.T) {
	repo := NewFavoritesRepo()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := repo.Subscribe(ctx, "u1")
	require.NoError(t, err)

	first := recv(t, ch)
	assert.False(t, first.Document.Exists)

	repo.Put("u1", []domain.FavoriteItem{{ID: 1}})
	second := recv(t, ch)
	assert.True(t, second.Document.Contains(1))
	assert.Greater(t, second.Document.Version, first.Document.Version)
}

func TestFavoritesRepo_SubscribeClosesOnCancel(t *testing.T) {
	repo := NewFavoritesRepo()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := repo.Subscribe(ctx, "u1")
	require.NoError(t, err)
	recv(t, ch)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, repo.SubscriberCount("u1"))
}
