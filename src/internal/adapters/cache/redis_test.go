package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaffw/cinefav/src/internal/domain"
)

func newTestCache(t *testing.T) (*RedisMetadataCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedisMetadataCache(context.Background(), Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestRedisMetadataCache_SetGet(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "tmdb:movie:1")
	require.NoError(t, err)
	assert.False(t, ok)

	in := &domain.MediaMetadata{ID: 1, MediaType: domain.MediaTypeMovie, Title: "Heat", Rating: 8.3}
	require.NoError(t, c.Set(ctx, "tmdb:movie:1", in, time.Hour))
	assert.True(t, mr.Exists("cinefav:tmdb:movie:1"))

	out, ok, err := c.Get(ctx, "tmdb:movie:1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Heat", out.Title)
	assert.Equal(t, domain.MediaTypeMovie, out.MediaType)
}

func TestRedisMetadataCache_Expiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", &domain.MediaMetadata{ID: 2}, time.Minute))
	mr.FastForward(2 * time.Minute)

	_, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisMetadataCache_CorruptEntryIsMiss(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, mr.Set("cinefav:bad", "{not json"))

	_, ok, err := c.Get(context.Background(), "bad")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewRedisMetadataCache_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := NewRedisMetadataCache(ctx, Options{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}
