package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/yaffw/cinefav/src/internal/domain"
	"github.com/yaffw/cinefav/src/internal/ports"
)

// fetchTimeout bounds a collapsed detail fetch, which outlives the caller
// that started it.
const fetchTimeout = 15 * time.Second

// Catalog fronts the metadata provider with a read-through cache. Detail
// lookups for the same title are collapsed while one is in flight.
type Catalog struct {
	provider ports.MetadataProvider
	cache    ports.MetadataCache // optional
	ttl      time.Duration
	log      zerolog.Logger
	group    singleflight.Group
}

func NewCatalog(provider ports.MetadataProvider, cache ports.MetadataCache, ttl time.Duration, log zerolog.Logger) *Catalog {
	return &Catalog{
		provider: provider,
		cache:    cache,
		ttl:      ttl,
		log:      log.With().Str("component", "catalog").Logger(),
	}
}

func (c *Catalog) Search(ctx context.Context, query string, year int, mediaType domain.MediaType) ([]domain.MediaMetadata, error) {
	if query == "" {
		return nil, fmt.Errorf("search: empty query")
	}
	results, err := c.provider.Search(ctx, query, year, mediaType)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}
	return results, nil
}

func (c *Catalog) Trending(ctx context.Context, mediaType domain.MediaType) ([]domain.MediaMetadata, error) {
	results, err := c.provider.Trending(ctx, mediaType)
	if err != nil {
		return nil, fmt.Errorf("trending failed: %w", err)
	}
	return results, nil
}

func (c *Catalog) Details(ctx context.Context, mediaType domain.MediaType, id int64) (*domain.MediaMetadata, error) {
	key := cacheKey(mediaType, id)

	if c.cache != nil {
		m, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			c.log.Warn().Err(err).Str("key", key).Msg("Metadata cache read failed")
		} else if ok {
			return m, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Shared by every waiter on key, so one caller going away must not
		// fail the rest.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fetchTimeout)
		defer cancel()

		m, err := c.provider.GetDetails(ctx, id, mediaType)
		if err != nil {
			return nil, err
		}
		if c.cache != nil {
			if err := c.cache.Set(ctx, key, m, c.ttl); err != nil {
				c.log.Warn().Err(err).Str("key", key).Msg("Metadata cache write failed")
			}
		}
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("details failed: %w", err)
	}
	// Copy so callers never share the cached pointer.
	m := *v.(*domain.MediaMetadata)
	return &m, nil
}

// FavoriteItem builds the snapshot stored when a title is favorited.
func (c *Catalog) FavoriteItem(ctx context.Context, mediaType domain.MediaType, id int64) (domain.FavoriteItem, error) {
	m, err := c.Details(ctx, mediaType, id)
	if err != nil {
		return domain.FavoriteItem{}, err
	}
	return domain.FavoriteItemFrom(*m), nil
}

func cacheKey(mediaType domain.MediaType, id int64) string {
	return fmt.Sprintf("tmdb:%s:%d", mediaType, id)
}
