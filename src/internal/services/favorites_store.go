package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yaffw/cinefav/src/internal/domain"
	"github.com/yaffw/cinefav/src/internal/feed"
	"github.com/yaffw/cinefav/src/internal/metrics"
	"github.com/yaffw/cinefav/src/internal/ports"
)

type StoreState string

const (
	StateUnauthenticated StoreState = "unauthenticated"
	StateSubscribing     StoreState = "subscribing"
	StateLive            StoreState = "live"
)

// FavoritesView is what observers receive after every change.
type FavoritesView struct {
	UserID  string                `json:"userId"`
	State   StoreState            `json:"state"`
	Loading bool                  `json:"loading"`
	Items   []domain.FavoriteItem `json:"items"`
	Version int64                 `json:"version"`

	// Optimistic holds toggle results not yet confirmed by a snapshot.
	Optimistic map[int64]bool `json:"optimistic,omitempty"`
}

// FavoritesStore keeps a live, deduplicated view of one user's favorites.
//
// The cache is written only by the subscription goroutine, which replaces it
// wholesale per snapshot. The toggle may add an optimistic overlay entry; any
// later snapshot discards the whole overlay.
type FavoritesStore struct {
	repo    ports.FavoritesRepository
	log     zerolog.Logger
	metrics *metrics.Favorites

	mu      sync.RWMutex
	state   StoreState
	userID  string
	gen     uint64 // bumped on every subscribe/unsubscribe
	items   map[int64]domain.FavoriteItem
	order   []int64
	version int64
	overlay map[int64]bool
	cancel  context.CancelFunc
	done    chan struct{}

	observers map[*feed.Mailbox[FavoritesView]]struct{}
}

func NewFavoritesStore(repo ports.FavoritesRepository, log zerolog.Logger, m *metrics.Favorites) *FavoritesStore {
	if m == nil {
		m = metrics.New(nil)
	}
	return &FavoritesStore{
		repo:      repo,
		log:       log.With().Str("component", "favorites-store").Logger(),
		metrics:   m,
		state:     StateUnauthenticated,
		items:     make(map[int64]domain.FavoriteItem),
		overlay:   make(map[int64]bool),
		observers: make(map[*feed.Mailbox[FavoritesView]]struct{}),
	}
}

// Subscribe opens a live subscription to userID's document. It returns once
// the backend handshake is done; snapshots are applied in the background.
// Subscribing again for the current user is a no-op; subscribing for another
// user tears the current subscription down first.
func (s *FavoritesStore) Subscribe(ctx context.Context, userID string) error {
	if userID == "" {
		return errors.New("subscribe: empty user id")
	}

	s.mu.RLock()
	same := s.state != StateUnauthenticated && s.userID == userID
	other := s.state != StateUnauthenticated && s.userID != userID
	s.mu.RUnlock()
	if same {
		return nil
	}
	if other {
		s.Unsubscribe()
	}

	subID := uuid.NewString()
	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))

	s.mu.Lock()
	s.gen++
	gen := s.gen
	s.state = StateSubscribing
	s.userID = userID
	s.resetLocked()
	s.cancel = cancel
	s.done = nil
	s.notifyLocked()
	s.mu.Unlock()

	log := s.log.With().Str("user", userID).Str("subscription", subID).Logger()

	snaps, err := s.repo.Subscribe(subCtx, userID)
	if err != nil {
		cancel()
		log.Error().Err(err).Msg("Subscription handshake failed")
		s.mu.Lock()
		if s.gen == gen {
			s.gen++
			s.state = StateUnauthenticated
			s.userID = ""
			s.cancel = nil
			s.resetLocked()
			s.notifyLocked()
		}
		s.mu.Unlock()
		return fmt.Errorf("subscribe to favorites of %s: %w", userID, err)
	}

	s.mu.Lock()
	if s.gen != gen {
		// Unsubscribed while the handshake was in flight.
		s.mu.Unlock()
		cancel()
		return nil
	}
	done := make(chan struct{})
	s.done = done
	s.mu.Unlock()

	log.Debug().Msg("Subscribed to favorites")
	go s.consume(gen, snaps, done, log)
	return nil
}

// Unsubscribe stops snapshot application and clears the cache. No snapshot is
// applied after it returns. Safe to call repeatedly.
func (s *FavoritesStore) Unsubscribe() {
	s.mu.Lock()
	if s.state == StateUnauthenticated {
		s.mu.Unlock()
		return
	}
	s.gen++
	cancel, done, userID := s.cancel, s.done, s.userID
	s.state = StateUnauthenticated
	s.userID = ""
	s.cancel = nil
	s.done = nil
	s.resetLocked()
	s.notifyLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	s.log.Debug().Str("user", userID).Msg("Unsubscribed from favorites")
}

func (s *FavoritesStore) consume(gen uint64, snaps <-chan domain.Snapshot, done chan struct{}, log zerolog.Logger) {
	defer close(done)
	for snap := range snaps {
		s.apply(gen, snap, log)
	}
	s.mu.RLock()
	current := s.gen == gen
	s.mu.RUnlock()
	if current {
		// Stream ended on the backend side; keep the last-known-good cache.
		log.Warn().Msg("Favorites subscription ended by backend")
	}
}

func (s *FavoritesStore) apply(gen uint64, snap domain.Snapshot, log zerolog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen {
		return
	}
	if snap.Err != nil {
		s.metrics.Snapshots.WithLabelValues("error").Inc()
		log.Warn().Err(snap.Err).Msg("Favorites subscription error; keeping last snapshot")
		return
	}
	doc := snap.Document
	if doc.Version != 0 && doc.Version < s.version {
		s.metrics.Snapshots.WithLabelValues("stale").Inc()
		log.Debug().Int64("version", doc.Version).Int64("applied", s.version).Msg("Dropping stale snapshot")
		return
	}

	s.items = make(map[int64]domain.FavoriteItem, len(doc.Items))
	s.order = s.order[:0]
	for _, it := range domain.DedupItems(doc.Items) {
		s.items[it.ID] = it
		s.order = append(s.order, it.ID)
	}
	if doc.Version != 0 {
		s.version = doc.Version
	}
	clear(s.overlay)
	s.state = StateLive
	s.metrics.Snapshots.WithLabelValues("applied").Inc()
	s.notifyLocked()
}

// IsFavorite consults the optimistic overlay first, then the cache.
func (s *FavoritesStore) IsFavorite(id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if fav, ok := s.overlay[id]; ok {
		return fav
	}
	_, ok := s.items[id]
	return ok
}

// List returns the cached items in snapshot order.
func (s *FavoritesStore) List() []domain.FavoriteItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listLocked()
}

func (s *FavoritesStore) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateSubscribing
}

func (s *FavoritesStore) State() StoreState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *FavoritesStore) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID
}

func (s *FavoritesStore) View() FavoritesView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

// Observe returns a feed of views, primed with the current one. Only the
// latest undelivered view is kept. Call cancel to stop observing.
func (s *FavoritesStore) Observe() (<-chan FavoritesView, func()) {
	box := feed.NewMailbox[FavoritesView]()

	s.mu.Lock()
	s.observers[box] = struct{}{}
	box.Offer(s.viewLocked())
	s.mu.Unlock()

	var once sync.Once
	return box.C(), func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.observers, box)
			s.mu.Unlock()
			box.Close()
		})
	}
}

// Add makes sure item is in the user's favorites. It is a no-op, with no
// write, when the item is already there.
func (s *FavoritesStore) Add(ctx context.Context, item domain.FavoriteItem) error {
	userID, err := s.subscribedUser()
	if err != nil {
		return err
	}
	_, err = s.repo.RunTransaction(ctx, userID, func(cur domain.FavoritesDocument) (domain.FavoritesDocument, bool, error) {
		if cur.Contains(item.ID) {
			return cur, false, nil
		}
		return cur.With(item), true, nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("user", userID).Int64("item", item.ID).Msg("Failed to add favorite")
		return fmt.Errorf("add favorite %d: %w", item.ID, err)
	}
	return nil
}

// Remove makes sure id is not in the user's favorites. Removing an absent id
// is a no-op.
func (s *FavoritesStore) Remove(ctx context.Context, id int64) error {
	userID, err := s.subscribedUser()
	if err != nil {
		return err
	}
	_, err = s.repo.RunTransaction(ctx, userID, func(cur domain.FavoritesDocument) (domain.FavoritesDocument, bool, error) {
		if !cur.Contains(id) {
			return cur, false, nil
		}
		return cur.Without(id), true, nil
	})
	if err != nil {
		s.log.Error().Err(err).Str("user", userID).Int64("item", id).Msg("Failed to remove favorite")
		return fmt.Errorf("remove favorite %d: %w", id, err)
	}
	return nil
}

// generation identifies the current subscription. The toggle captures it so a
// result that lands after teardown is dropped.
func (s *FavoritesStore) generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// setOptimistic records the outcome of a committed toggle. It is ignored when
// the subscription changed since gen, when the store belongs to another user,
// or when a snapshot at or after committedVersion has already been applied.
func (s *FavoritesStore) setOptimistic(gen uint64, userID string, id int64, favorited bool, committedVersion int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gen != gen || s.userID != userID || s.state == StateUnauthenticated {
		return false
	}
	if committedVersion != 0 && s.version >= committedVersion {
		return false
	}
	s.overlay[id] = favorited
	s.notifyLocked()
	return true
}

func (s *FavoritesStore) subscribedUser() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == StateUnauthenticated {
		return "", domain.ErrNotSubscribed
	}
	return s.userID, nil
}

func (s *FavoritesStore) resetLocked() {
	s.items = make(map[int64]domain.FavoriteItem)
	s.order = nil
	s.version = 0
	clear(s.overlay)
}

func (s *FavoritesStore) listLocked() []domain.FavoriteItem {
	out := make([]domain.FavoriteItem, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.items[id])
	}
	return out
}

func (s *FavoritesStore) viewLocked() FavoritesView {
	v := FavoritesView{
		UserID:  s.userID,
		State:   s.state,
		Loading: s.state == StateSubscribing,
		Items:   s.listLocked(),
		Version: s.version,
	}
	if len(s.overlay) > 0 {
		v.Optimistic = make(map[int64]bool, len(s.overlay))
		for id, fav := range s.overlay {
			v.Optimistic[id] = fav
		}
	}
	return v
}

func (s *FavoritesStore) notifyLocked() {
	if len(s.observers) == 0 {
		return
	}
	v := s.viewLocked()
	for box := range s.observers {
		box.Offer(v)
	}
}
