package bootstrap

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaffw/cinefav/src/internal/config"
	"github.com/yaffw/cinefav/src/internal/domain"
)

func TestOpenBackend_Memory(t *testing.T) {
	cfg := config.Default()
	b, err := OpenBackend(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	defer b.Close()

	ctx := context.Background()
	doc, err := b.Favorites.RunTransaction(ctx, "u1", func(cur domain.FavoritesDocument) (domain.FavoritesDocument, bool, error) {
		return cur.With(domain.FavoriteItem{ID: 3}), true, nil
	})
	require.NoError(t, err)
	assert.True(t, doc.Contains(3))

	require.NoError(t, b.Users.Save(ctx, &domain.User{ID: "u1"}))
	_, err = b.Users.GetByID(ctx, "u1")
	assert.NoError(t, err)
}

func TestOpenBackend_Unknown(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "etcd"
	_, err := OpenBackend(context.Background(), cfg, zerolog.Nop())
	assert.ErrorContains(t, err, "unknown backend")
}

func TestOpenCatalog(t *testing.T) {
	ctx := context.Background()

	t.Run("disabled without api key", func(t *testing.T) {
		catalog, closeFn, err := OpenCatalog(ctx, config.Default(), zerolog.Nop())
		require.NoError(t, err)
		assert.Nil(t, catalog)
		assert.NoError(t, closeFn())
	})

	t.Run("with redis cache", func(t *testing.T) {
		mr := miniredis.RunT(t)
		cfg := config.Default()
		cfg.TMDB.APIKey = "key"
		cfg.Redis.Addr = mr.Addr()

		catalog, closeFn, err := OpenCatalog(ctx, cfg, zerolog.Nop())
		require.NoError(t, err)
		assert.NotNil(t, catalog)
		assert.NoError(t, closeFn())
	})

	t.Run("unreachable redis", func(t *testing.T) {
		cfg := config.Default()
		cfg.TMDB.APIKey = "key"
		cfg.Redis.Addr = "127.0.0.1:1"

		_, _, err := OpenCatalog(ctx, cfg, zerolog.Nop())
		assert.Error(t, err)
	})
}
