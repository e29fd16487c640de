package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaffw/cinefav/src/internal/adapters/memory"
	"github.com/yaffw/cinefav/src/internal/domain"
	"github.com/yaffw/cinefav/src/internal/metrics"
)

func newTestManager(t *testing.T, cfg SessionConfig) (*SessionManager, *memory.InMemoryFavoritesRepo, *metrics.Favorites) {
	t.Helper()
	repo := memory.NewFavoritesRepo()
	m := metrics.New(nil)
	mgr := NewSessionManager(repo, cfg, zerolog.Nop(), m)
	t.Cleanup(mgr.Close)
	return mgr, repo, m
}

func TestSessionManager_SignInSubscribesAndCreatesDocument(t *testing.T) {
	mgr, repo, m := newTestManager(t, SessionConfig{LoginURL: "/login"})

	sess, err := mgr.SignIn(context.Background(), domain.User{ID: "u1"})
	require.NoError(t, err)
	require.NotNil(t, sess.Store)
	require.NotNil(t, sess.Toggle)

	doc, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, doc.Exists)

	require.Eventually(t, func() bool { return sess.Store.State() == StateLive }, time.Second, time.Millisecond)
	assert.Equal(t, 1, repo.SubscriberCount("u1"))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ActiveSessions))

	again, err := mgr.SignIn(context.Background(), domain.User{ID: "u1"})
	require.NoError(t, err)
	assert.Same(t, sess, again)
	assert.Equal(t, 1, mgr.Count())
}

func TestSessionManager_ConcurrentSignInSharesSession(t *testing.T) {
	mgr, repo, _ := newTestManager(t, SessionConfig{})

	var wg sync.WaitGroup
	got := make([]*Session, 8)
	for i := range got {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, err := mgr.SignIn(context.Background(), domain.User{ID: "u1"})
			assert.NoError(t, err)
			got[i] = sess
		}()
	}
	wg.Wait()

	for _, sess := range got {
		assert.Same(t, got[0], sess)
	}
	assert.Equal(t, 1, repo.SubscriberCount("u1"))
}

func TestSessionManager_SignOutTearsDown(t *testing.T) {
	mgr, repo, m := newTestManager(t, SessionConfig{})

	sess, err := mgr.SignIn(context.Background(), domain.User{ID: "u1"})
	require.NoError(t, err)

	mgr.SignOut("u1")
	mgr.SignOut("u1")
	mgr.SignOut("nobody")

	assert.Equal(t, StateUnauthenticated, sess.Store.State())
	_, ok := mgr.Session("u1")
	assert.False(t, ok)
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveSessions))
	require.Eventually(t, func() bool { return repo.SubscriberCount("u1") == 0 }, time.Second, time.Millisecond)
}

func TestSessionManager_ToggleResultAfterSignOutIsDropped(t *testing.T) {
	mgr, _, _ := newTestManager(t, SessionConfig{})

	sess, err := mgr.SignIn(context.Background(), domain.User{ID: "u1"})
	require.NoError(t, err)
	gen := sess.Store.generation()

	mgr.SignOut("u1")

	assert.False(t, sess.Store.setOptimistic(gen, "u1", 42, true, 0))
	assert.Empty(t, sess.Store.List())
}

func TestSessionManager_RunHandlesAuthEvents(t *testing.T) {
	mgr, _, _ := newTestManager(t, SessionConfig{})

	events := make(chan domain.AuthEvent)
	done := make(chan struct{})
	go func() {
		mgr.Run(context.Background(), events)
		close(done)
	}()

	events <- domain.AuthEvent{Kind: domain.SignedIn, User: domain.User{ID: "u1"}}
	events <- domain.AuthEvent{Kind: domain.SignedIn, User: domain.User{ID: "u2"}}
	events <- domain.AuthEvent{Kind: domain.SignedOut, User: domain.User{ID: "u1"}}
	close(events)
	<-done

	_, ok := mgr.Session("u1")
	assert.False(t, ok)
	_, ok = mgr.Session("u2")
	assert.True(t, ok)
}

func TestSessionManager_ReapsIdleSessions(t *testing.T) {
	mgr, _, _ := newTestManager(t, SessionConfig{IdleTimeout: time.Minute})

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	mgr.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	_, err := mgr.SignIn(context.Background(), domain.User{ID: "idle"})
	require.NoError(t, err)
	_, err = mgr.SignIn(context.Background(), domain.User{ID: "busy"})
	require.NoError(t, err)

	advance(45 * time.Second)
	_, ok := mgr.Session("busy")
	require.True(t, ok)
	advance(30 * time.Second)

	assert.Equal(t, 1, mgr.reapIdle())
	_, ok = mgr.Session("idle")
	assert.False(t, ok)
	_, ok = mgr.Session("busy")
	assert.True(t, ok)
}

func TestSessionManager_ServeClosesSessionsOnShutdown(t *testing.T) {
	mgr, _, _ := newTestManager(t, SessionConfig{IdleTimeout: time.Hour, ReapInterval: time.Millisecond})

	_, err := mgr.SignIn(context.Background(), domain.User{ID: "u1"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- mgr.Serve(ctx) }()

	cancel()
	assert.True(t, errors.Is(<-errc, context.Canceled))
	assert.Equal(t, 0, mgr.Count())
}

func TestSessionManager_Toggle(t *testing.T) {
	mgr, repo, m := newTestManager(t, SessionConfig{LoginURL: "/login"})

	res, err := mgr.Toggle(context.Background(), nil, domain.FavoriteItem{ID: 42})
	require.NoError(t, err)
	assert.Equal(t, ToggleRedirect, res.Outcome)
	assert.Equal(t, "/login", res.RedirectURL)
	assert.Equal(t, 0, mgr.Count())

	user := &domain.User{ID: "u1"}
	res, err = mgr.Toggle(context.Background(), user, domain.FavoriteItem{ID: 42})
	require.NoError(t, err)
	assert.Equal(t, ToggleCommitted, res.Outcome)
	assert.True(t, res.Favorited)

	sess, ok := mgr.Session("u1")
	require.True(t, ok)
	assert.True(t, sess.Store.IsFavorite(42))

	doc, err := repo.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, ids(doc.Items))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.Toggles.WithLabelValues("redirect")))
}

// slowEnsureRepo holds EnsureDocument until release is closed.
type slowEnsureRepo struct {
	*memory.InMemoryFavoritesRepo
	entered chan struct{}
	release chan struct{}
}

func (r *slowEnsureRepo) EnsureDocument(ctx context.Context, userID string) error {
	r.entered <- struct{}{}
	<-r.release
	return r.InMemoryFavoritesRepo.EnsureDocument(ctx, userID)
}

func TestSessionManager_SignOutDuringSignInWins(t *testing.T) {
	repo := &slowEnsureRepo{
		InMemoryFavoritesRepo: memory.NewFavoritesRepo(),
		entered:               make(chan struct{}, 1),
		release:               make(chan struct{}),
	}
	m := metrics.New(nil)
	mgr := NewSessionManager(repo, SessionConfig{}, zerolog.Nop(), m)
	t.Cleanup(mgr.Close)

	errc := make(chan error, 1)
	go func() {
		_, err := mgr.SignIn(context.Background(), domain.User{ID: "u1"})
		errc <- err
	}()

	<-repo.entered
	mgr.SignOut("u1")
	close(repo.release)

	require.ErrorIs(t, <-errc, ErrSignedOut)
	assert.Equal(t, 0, mgr.Count())
	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveSessions))
	require.Eventually(t, func() bool { return repo.SubscriberCount("u1") == 0 }, time.Second, time.Millisecond)

	// A fresh sign-in afterwards is not affected.
	sess, err := mgr.SignIn(context.Background(), domain.User{ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "u1", sess.Store.UserID())
	assert.Equal(t, 1, mgr.Count())
}
