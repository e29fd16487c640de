package ports

import (
	"context"
	"time"

	"github.com/yaffw/cinefav/src/internal/domain"
)

// FavoritesRepository is the remote document service holding one favorites
// document per user.
type FavoritesRepository interface {
	// Get returns domain.ErrDocumentNotFound when the user has no document.
	Get(ctx context.Context, userID string) (domain.FavoritesDocument, error)
	// EnsureDocument creates an empty document if none exists.
	EnsureDocument(ctx context.Context, userID string) error
	// Subscribe returns after the initial handshake. Snapshots are delivered
	// in commit order; the channel is closed once ctx is done or the stream
	// ends for good.
	Subscribe(ctx context.Context, userID string) (<-chan domain.Snapshot, error)
	// RunTransaction applies fn atomically against the current document,
	// re-running it on conflicting concurrent writers. It returns the
	// document as committed (or as read, when fn reported no change).
	RunTransaction(ctx context.Context, userID string, fn domain.Mutation) (domain.FavoritesDocument, error)
}

type UserRepository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
	Save(ctx context.Context, user *domain.User) error
}

type MetadataProvider interface {
	Search(ctx context.Context, query string, year int, mediaType domain.MediaType) ([]domain.MediaMetadata, error)
	GetDetails(ctx context.Context, id int64, mediaType domain.MediaType) (*domain.MediaMetadata, error)
	Trending(ctx context.Context, mediaType domain.MediaType) ([]domain.MediaMetadata, error)
}

type MetadataCache interface {
	// Get reports ok=false on a miss.
	Get(ctx context.Context, key string) (*domain.MediaMetadata, bool, error)
	Set(ctx context.Context, key string, m *domain.MediaMetadata, ttl time.Duration) error
}
