package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/yaffw/cinefav/src/internal/domain"
	"github.com/yaffw/cinefav/src/internal/metrics"
	"github.com/yaffw/cinefav/src/internal/ports"
)

type ToggleOutcome string

const (
	// ToggleCommitted: the transaction committed (or found nothing to do).
	ToggleCommitted ToggleOutcome = "committed"
	// ToggleIgnored: a toggle for the same target was still in flight.
	ToggleIgnored ToggleOutcome = "ignored"
	// ToggleRedirect: no signed-in user; the caller should send them to log in.
	ToggleRedirect ToggleOutcome = "redirect"
	// ToggleFailed is only used as a metrics label.
	ToggleFailed ToggleOutcome = "failed"
)

type ToggleResult struct {
	Outcome     ToggleOutcome `json:"outcome"`
	Favorited   bool          `json:"favorited"`
	RedirectURL string        `json:"redirectUrl,omitempty"`
}

// FavoriteToggle flips one item in or out of a user's favorites.
//
// Overlapping calls for the same (user, item) are dropped rather than queued.
// That only suppresses re-clicks; correctness against other tabs and devices
// comes from running the flip inside a single repository transaction.
type FavoriteToggle struct {
	repo     ports.FavoritesRepository
	store    *FavoritesStore
	loginURL string
	log      zerolog.Logger
	metrics  *metrics.Favorites

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewFavoriteToggle wires a toggle to the store whose optimistic state it
// updates. store may be nil, in which case only the remote document changes.
func NewFavoriteToggle(repo ports.FavoritesRepository, store *FavoritesStore, loginURL string, log zerolog.Logger, m *metrics.Favorites) *FavoriteToggle {
	if m == nil {
		m = metrics.New(nil)
	}
	return &FavoriteToggle{
		repo:     repo,
		store:    store,
		loginURL: loginURL,
		log:      log.With().Str("component", "favorite-toggle").Logger(),
		metrics:  m,
		inFlight: make(map[string]struct{}),
	}
}

// Toggle adds item when it is absent from the user's document and removes it
// when present. The decision is made against the remote document inside the
// transaction, never against the local cache.
//
// Once started, the transaction is not cancelled by ctx; it runs to commit or
// failure.
func (t *FavoriteToggle) Toggle(ctx context.Context, user *domain.User, item domain.FavoriteItem) (ToggleResult, error) {
	if user == nil || user.ID == "" {
		t.metrics.Toggles.WithLabelValues(string(ToggleRedirect)).Inc()
		return ToggleResult{Outcome: ToggleRedirect, RedirectURL: t.loginURL}, nil
	}

	key := user.ID + "/" + strconv.FormatInt(item.ID, 10)
	if !t.begin(key) {
		t.metrics.Toggles.WithLabelValues(string(ToggleIgnored)).Inc()
		t.log.Debug().Str("user", user.ID).Int64("item", item.ID).Msg("Toggle already in flight, ignoring")
		return ToggleResult{Outcome: ToggleIgnored}, nil
	}
	defer t.end(key)

	var gen uint64
	if t.store != nil {
		gen = t.store.generation()
	}

	txID := uuid.NewString()
	log := t.log.With().Str("user", user.ID).Int64("item", item.ID).Str("tx", txID).Logger()

	var favorited bool
	start := time.Now()
	committed, err := t.repo.RunTransaction(context.WithoutCancel(ctx), user.ID, func(cur domain.FavoritesDocument) (domain.FavoritesDocument, bool, error) {
		if cur.Contains(item.ID) {
			favorited = false
			return cur.Without(item.ID), true, nil
		}
		favorited = true
		return cur.With(item), true, nil
	})
	t.metrics.TransactionDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		t.metrics.Toggles.WithLabelValues(string(ToggleFailed)).Inc()
		log.Error().Err(err).Msg("Favorite toggle transaction failed")
		return ToggleResult{}, fmt.Errorf("toggle favorite %d: %w", item.ID, err)
	}

	t.metrics.Toggles.WithLabelValues(string(ToggleCommitted)).Inc()
	log.Info().Bool("favorited", favorited).Int64("version", committed.Version).Msg("Favorite toggled")

	if t.store != nil {
		t.store.setOptimistic(gen, user.ID, item.ID, favorited, committed.Version)
	}
	return ToggleResult{Outcome: ToggleCommitted, Favorited: favorited}, nil
}

// InFlight reports whether a toggle for (userID, itemID) is outstanding.
func (t *FavoriteToggle) InFlight(userID string, itemID int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.inFlight[userID+"/"+strconv.FormatInt(itemID, 10)]
	return ok
}

func (t *FavoriteToggle) begin(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.inFlight[key]; busy {
		return false
	}
	t.inFlight[key] = struct{}{}
	return true
}

func (t *FavoriteToggle) end(key string) {
	t.mu.Lock()
	delete(t.inFlight, key)
	t.mu.Unlock()
}
