// Package bootstrap opens the storage and metadata adapters selected by
// config, shared by the server and the CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"

	"github.com/yaffw/cinefav/src/internal/adapters/cache"
	fsadapter "github.com/yaffw/cinefav/src/internal/adapters/firestore"
	"github.com/yaffw/cinefav/src/internal/adapters/memory"
	"github.com/yaffw/cinefav/src/internal/adapters/metadata/tmdb"
	"github.com/yaffw/cinefav/src/internal/adapters/postgres"
	"github.com/yaffw/cinefav/src/internal/config"
	"github.com/yaffw/cinefav/src/internal/ports"
	"github.com/yaffw/cinefav/src/internal/services"
)

// Backend is the pair of repositories behind one storage choice.
type Backend struct {
	Favorites ports.FavoritesRepository
	Users     ports.UserRepository

	closers []func() error
}

// OpenBackend connects to cfg.Backend and prepares its schema.
func OpenBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		log.Warn().Msg("Using in-memory storage; favorites are lost on restart")
		return &Backend{
			Favorites: memory.NewFavoritesRepo().WithMaxAttempts(cfg.Favorites.TransactionAttempts),
			Users:     memory.NewUserRepo(),
		}, nil

	case config.BackendPostgres:
		return openPostgres(ctx, cfg, log)

	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.Firestore.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("firestore client: %w", err)
		}
		log.Info().Str("project", cfg.Firestore.ProjectID).Msg("Connected to Firestore")
		return &Backend{
			Favorites: fsadapter.NewFavoritesRepo(client, fsadapter.Options{
				Collection:  cfg.Firestore.Collection,
				MaxAttempts: cfg.Favorites.TransactionAttempts,
			}, log),
			Users:   fsadapter.NewUserRepo(client, cfg.Firestore.UsersCollection),
			closers: []func() error{client.Close},
		}, nil
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func openPostgres(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Backend, error) {
	db, err := postgres.NewConnection(ctx, cfg.Postgres.URL, postgres.PoolOptions{
		MaxOpenConns:    cfg.Postgres.MaxOpenConns,
		MaxIdleConns:    cfg.Postgres.MaxIdleConns,
		ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return nil, err
	}

	opts := postgres.FavoritesOptions{MaxAttempts: cfg.Favorites.TransactionAttempts}
	if cfg.Postgres.Listen {
		opts.ConnStr = cfg.Postgres.URL
	}
	favorites, err := postgres.NewFavoritesRepo(db, opts, log)
	if err != nil {
		db.Close()
		return nil, err
	}
	users := postgres.NewUserRepo(db)

	b := &Backend{
		Favorites: favorites,
		Users:     users,
		closers:   []func() error{favorites.Close, db.Close},
	}
	if err := favorites.InitSchema(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("init favorites schema: %w", err)
	}
	if err := users.InitSchema(ctx); err != nil {
		b.Close()
		return nil, fmt.Errorf("init user schema: %w", err)
	}

	log.Info().Bool("listen", cfg.Postgres.Listen).Msg("Connected to Postgres")
	return b, nil
}

// Close releases connections in reverse order of acquisition.
func (b *Backend) Close() error {
	var errs []error
	for _, c := range b.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// OpenCatalog builds the TMDB-backed catalog, with a redis cache in front when
// one is configured. It returns nil when no API key is set.
func OpenCatalog(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*services.Catalog, func() error, error) {
	noop := func() error { return nil }
	if cfg.TMDB.APIKey == "" {
		log.Warn().Msg("TMDB_API_KEY not set; search and metadata lookups are disabled")
		return nil, noop, nil
	}

	provider := tmdb.NewTMDBClient(cfg.TMDB.APIKey, tmdb.Options{
		BaseURL:   cfg.TMDB.BaseURL,
		Timeout:   cfg.TMDB.Timeout,
		RateLimit: cfg.TMDB.RateLimit,
		Burst:     cfg.TMDB.Burst,
	})

	if cfg.Redis.Addr == "" {
		return services.NewCatalog(provider, nil, 0, log), noop, nil
	}
	redisCache, err := cache.NewRedisMetadataCache(ctx, cache.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, noop, err
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("Metadata cache enabled")
	return services.NewCatalog(provider, redisCache, cfg.Redis.TTL, log), redisCache.Close, nil
}
