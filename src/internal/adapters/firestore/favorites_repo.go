// Package firestore stores favorites and users in Cloud Firestore, one
// document per user.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yaffw/cinefav/src/internal/domain"
	"github.com/yaffw/cinefav/src/internal/feed"
)

type Options struct {
	Collection  string
	MaxAttempts int
}

// favoritesRecord is the stored shape. The document id is the user id.
type favoritesRecord struct {
	UserID    string                `firestore:"userId"`
	Items     []domain.FavoriteItem `firestore:"items"`
	UpdatedAt time.Time             `firestore:"updatedAt,serverTimestamp"`
}

// FirestoreFavoritesRepo uses Firestore transactions for read-modify-write and
// document listeners for snapshots. A document's version is its update time
// in nanoseconds.
type FirestoreFavoritesRepo struct {
	client      *firestore.Client
	collection  string
	maxAttempts int
	log         zerolog.Logger
}

func NewFavoritesRepo(client *firestore.Client, opts Options, log zerolog.Logger) *FirestoreFavoritesRepo {
	if opts.Collection == "" {
		opts.Collection = "favorites"
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	return &FirestoreFavoritesRepo{
		client:      client,
		collection:  opts.Collection,
		maxAttempts: opts.MaxAttempts,
		log:         log.With().Str("component", "firestore-favorites").Logger(),
	}
}

func (r *FirestoreFavoritesRepo) doc(userID string) *firestore.DocumentRef {
	return r.client.Collection(r.collection).Doc(userID)
}

func (r *FirestoreFavoritesRepo) Get(ctx context.Context, userID string) (domain.FavoritesDocument, error) {
	snap, err := r.doc(userID).Get(ctx)
	if status.Code(err) == codes.NotFound {
		return domain.FavoritesDocument{UserID: userID}, domain.ErrDocumentNotFound
	}
	if err != nil {
		return domain.FavoritesDocument{UserID: userID}, err
	}
	return decode(userID, snap)
}

func (r *FirestoreFavoritesRepo) EnsureDocument(ctx context.Context, userID string) error {
	_, err := r.doc(userID).Create(ctx, favoritesRecord{UserID: userID, Items: []domain.FavoriteItem{}})
	if status.Code(err) == codes.AlreadyExists {
		return nil
	}
	return err
}

// RunTransaction cannot learn the commit time of the write, so the returned
// document carries Version 0.
func (r *FirestoreFavoritesRepo) RunTransaction(ctx context.Context, userID string, fn domain.Mutation) (domain.FavoritesDocument, error) {
	ref := r.doc(userID)
	var result domain.FavoritesDocument

	err := r.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		cur := domain.FavoritesDocument{UserID: userID}
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			if cur, err = decode(userID, snap); err != nil {
				return err
			}
		}

		next, changed, err := fn(cur.Clone())
		if err != nil {
			return err
		}
		if !changed {
			result = cur
			return nil
		}

		items := next.Items
		if items == nil {
			items = []domain.FavoriteItem{}
		}
		result = domain.FavoritesDocument{UserID: userID, Items: items, Exists: true}
		return tx.Set(ref, favoritesRecord{UserID: userID, Items: items})
	}, firestore.MaxAttempts(r.maxAttempts))

	if status.Code(err) == codes.Aborted {
		return domain.FavoritesDocument{}, domain.ErrTransactionAborted
	}
	if err != nil {
		return domain.FavoritesDocument{}, err
	}
	return result, nil
}

// Subscribe waits for the listener's first snapshot before returning, so a
// permission or connectivity failure surfaces as the handshake error.
func (r *FirestoreFavoritesRepo) Subscribe(ctx context.Context, userID string) (<-chan domain.Snapshot, error) {
	it := r.doc(userID).Snapshots(ctx)

	first, err := it.Next()
	if err != nil {
		it.Stop()
		return nil, fmt.Errorf("listen to favorites of %s: %w", userID, err)
	}
	initial, err := decode(userID, first)
	if err != nil {
		it.Stop()
		return nil, err
	}

	box := feed.NewMailbox[domain.Snapshot]()
	box.Offer(domain.Snapshot{UserID: userID, Document: initial})

	go func() {
		defer box.Close()
		defer func() { it.Stop() }()
		for {
			snap, err := it.Next()
			if errors.Is(err, iterator.Done) || ctx.Err() != nil {
				return
			}
			if err != nil {
				box.Offer(domain.Snapshot{UserID: userID, Err: err})
				if status.Code(err) == codes.PermissionDenied || status.Code(err) == codes.Unauthenticated {
					r.log.Error().Err(err).Str("user", userID).Msg("Favorites listener stopped")
					return
				}
				// The iterator is unusable after an error; open a new one.
				it.Stop()
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				it = r.doc(userID).Snapshots(ctx)
				continue
			}
			doc, err := decode(userID, snap)
			if err != nil {
				box.Offer(domain.Snapshot{UserID: userID, Err: err})
				continue
			}
			box.Offer(domain.Snapshot{UserID: userID, Document: doc})
		}
	}()

	return box.C(), nil
}

func decode(userID string, snap *firestore.DocumentSnapshot) (domain.FavoritesDocument, error) {
	doc := domain.FavoritesDocument{UserID: userID}
	if snap == nil || !snap.Exists() {
		return doc, nil
	}
	var rec favoritesRecord
	if err := snap.DataTo(&rec); err != nil {
		return doc, fmt.Errorf("decode favorites of %s: %w", userID, err)
	}
	doc.Items = rec.Items
	doc.UpdatedAt = rec.UpdatedAt
	doc.Version = snap.UpdateTime.UnixNano()
	doc.Exists = true
	return doc, nil
}
