package memory

import (
	"context"
	"sync"
	"time"

	"github.com/yaffw/cinefav/src/internal/domain"
	"github.com/yaffw/cinefav/src/internal/feed"
)

const defaultMaxAttempts = 5

// InMemoryFavoritesRepo is a process-local document store with optimistic
// concurrency: a transaction commits only if the document version it read is
// still current, and is re-run otherwise.
type InMemoryFavoritesRepo struct {
	mu          sync.Mutex
	docs        map[string]domain.FavoritesDocument
	subs        map[string]map[*feed.Mailbox[domain.Snapshot]]struct{}
	maxAttempts int
	now         func() time.Time
}

func NewFavoritesRepo() *InMemoryFavoritesRepo {
	return &InMemoryFavoritesRepo{
		docs:        make(map[string]domain.FavoritesDocument),
		subs:        make(map[string]map[*feed.Mailbox[domain.Snapshot]]struct{}),
		maxAttempts: defaultMaxAttempts,
		now:         time.Now,
	}
}

// WithMaxAttempts bounds transaction retries.
func (r *InMemoryFavoritesRepo) WithMaxAttempts(n int) *InMemoryFavoritesRepo {
	if n > 0 {
		r.maxAttempts = n
	}
	return r
}

func (r *InMemoryFavoritesRepo) Get(ctx context.Context, userID string) (domain.FavoritesDocument, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc, ok := r.docs[userID]
	if !ok {
		return domain.FavoritesDocument{UserID: userID}, domain.ErrDocumentNotFound
	}
	return doc.Clone(), nil
}

func (r *InMemoryFavoritesRepo) EnsureDocument(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.docs[userID]; ok {
		return nil
	}
	r.commitLocked(domain.FavoritesDocument{UserID: userID, Items: []domain.FavoriteItem{}})
	return nil
}

// Put replaces a document wholesale, bypassing transactions. Used to seed
// state and to simulate writes from other clients.
func (r *InMemoryFavoritesRepo) Put(userID string, items []domain.FavoriteItem) domain.FavoritesDocument {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.commitLocked(domain.FavoritesDocument{
		UserID: userID,
		Items:  append([]domain.FavoriteItem(nil), items...),
	})
}

func (r *InMemoryFavoritesRepo) Subscribe(ctx context.Context, userID string) (<-chan domain.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	box := feed.NewMailbox[domain.Snapshot]()

	r.mu.Lock()
	if r.subs[userID] == nil {
		r.subs[userID] = make(map[*feed.Mailbox[domain.Snapshot]]struct{})
	}
	r.subs[userID][box] = struct{}{}
	box.Offer(r.snapshotLocked(userID))
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.subs[userID], box)
		if len(r.subs[userID]) == 0 {
			delete(r.subs, userID)
		}
		r.mu.Unlock()
		box.Close()
	}()

	return box.C(), nil
}

func (r *InMemoryFavoritesRepo) RunTransaction(ctx context.Context, userID string, fn domain.Mutation) (domain.FavoritesDocument, error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return domain.FavoritesDocument{}, err
		}

		r.mu.Lock()
		current, ok := r.docs[userID]
		if !ok {
			current = domain.FavoritesDocument{UserID: userID}
		}
		current = current.Clone()
		readVersion := current.Version
		r.mu.Unlock()

		next, changed, err := fn(current)
		if err != nil {
			return domain.FavoritesDocument{}, err
		}
		if !changed {
			return current, nil
		}

		r.mu.Lock()
		if r.docs[userID].Version != readVersion {
			r.mu.Unlock()
			continue
		}
		next.UserID = userID
		committed := r.commitLocked(next)
		r.mu.Unlock()
		return committed, nil
	}
	return domain.FavoritesDocument{}, domain.ErrTransactionAborted
}

// SubscriberCount is the number of open subscriptions for userID.
func (r *InMemoryFavoritesRepo) SubscriberCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs[userID])
}

func (r *InMemoryFavoritesRepo) commitLocked(doc domain.FavoritesDocument) domain.FavoritesDocument {
	prev := r.docs[doc.UserID]
	doc = doc.Clone()
	doc.Version = prev.Version + 1
	doc.Exists = true
	doc.UpdatedAt = r.now()
	r.docs[doc.UserID] = doc

	snap := domain.Snapshot{UserID: doc.UserID, Document: doc.Clone()}
	for box := range r.subs[doc.UserID] {
		box.Offer(snap)
	}
	return doc.Clone()
}

func (r *InMemoryFavoritesRepo) snapshotLocked(userID string) domain.Snapshot {
	doc, ok := r.docs[userID]
	if !ok {
		return domain.Snapshot{UserID: userID, Document: domain.FavoritesDocument{UserID: userID}}
	}
	return domain.Snapshot{UserID: userID, Document: doc.Clone()}
}
