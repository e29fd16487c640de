package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/yaffw/cinefav/src/internal/domain"
	"github.com/yaffw/cinefav/src/internal/metrics"
	"github.com/yaffw/cinefav/src/internal/ports"
)

// ErrSignedOut is returned by SignIn when the user signed out before the
// session finished setting up.
var ErrSignedOut = errors.New("signed out during sign-in")

type SessionConfig struct {
	LoginURL     string
	IdleTimeout  time.Duration
	ReapInterval time.Duration
}

// Session is the per-user pair of store and toggle, alive between sign-in
// and sign-out.
type Session struct {
	User   domain.User
	Store  *FavoritesStore
	Toggle *FavoriteToggle

	mu       sync.Mutex
	lastSeen time.Time
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// SessionManager creates a session on sign-in and tears it down on sign-out
// or after IdleTimeout without activity.
type pendingSignIn struct {
	cancelled bool
}

type SessionManager struct {
	repo    ports.FavoritesRepository
	cfg     SessionConfig
	log     zerolog.Logger
	metrics *metrics.Favorites
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
	starting singleflight.Group
	// pending marks sign-ins still in setup; SignOut flags them cancelled.
	pending map[string]*pendingSignIn

	// anonymous answers toggles from signed-out callers with a redirect.
	anonymous *FavoriteToggle
}

func NewSessionManager(repo ports.FavoritesRepository, cfg SessionConfig, log zerolog.Logger, m *metrics.Favorites) *SessionManager {
	if m == nil {
		m = metrics.New(nil)
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Minute
	}
	return &SessionManager{
		repo:      repo,
		cfg:       cfg,
		log:       log.With().Str("component", "sessions").Logger(),
		metrics:   m,
		now:       time.Now,
		sessions:  make(map[string]*Session),
		pending:   make(map[string]*pendingSignIn),
		anonymous: NewFavoriteToggle(repo, nil, cfg.LoginURL, log, m),
	}
}

// SignIn returns the user's session, creating and subscribing it on first
// use. Concurrent first sign-ins for one user share a single setup.
func (m *SessionManager) SignIn(ctx context.Context, user domain.User) (*Session, error) {
	if sess, ok := m.Session(user.ID); ok {
		return sess, nil
	}

	v, err, _ := m.starting.Do(user.ID, func() (any, error) {
		m.mu.Lock()
		if sess, ok := m.sessions[user.ID]; ok {
			m.mu.Unlock()
			return sess, nil
		}
		p := &pendingSignIn{}
		m.pending[user.ID] = p
		m.mu.Unlock()

		// Lazy creation; a failure here is not fatal because the first
		// transaction creates the document anyway.
		if err := m.repo.EnsureDocument(ctx, user.ID); err != nil {
			m.log.Warn().Err(err).Str("user", user.ID).Msg("Could not ensure favorites document")
		}

		store := NewFavoritesStore(m.repo, m.log, m.metrics)
		if err := store.Subscribe(ctx, user.ID); err != nil {
			m.mu.Lock()
			delete(m.pending, user.ID)
			m.mu.Unlock()
			return nil, err
		}

		sess := &Session{
			User:     user,
			Store:    store,
			Toggle:   NewFavoriteToggle(m.repo, store, m.cfg.LoginURL, m.log, m.metrics),
			lastSeen: m.now(),
		}

		m.mu.Lock()
		delete(m.pending, user.ID)
		if p.cancelled {
			m.mu.Unlock()
			store.Unsubscribe()
			m.log.Info().Str("user", user.ID).Msg("Sign-in abandoned after sign-out")
			return nil, ErrSignedOut
		}
		m.sessions[user.ID] = sess
		m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
		m.mu.Unlock()

		m.log.Info().Str("user", user.ID).Msg("Session started")
		return sess, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Toggle flips item for user through the user's session. A nil user gets the
// redirect outcome.
func (m *SessionManager) Toggle(ctx context.Context, user *domain.User, item domain.FavoriteItem) (ToggleResult, error) {
	if user == nil || user.ID == "" {
		return m.anonymous.Toggle(ctx, nil, item)
	}
	sess, err := m.SignIn(ctx, *user)
	if err != nil {
		return ToggleResult{}, err
	}
	return sess.Toggle.Toggle(ctx, user, item)
}

// SignOut ends the user's session. Unknown users are ignored.
func (m *SessionManager) SignOut(userID string) {
	m.mu.Lock()
	sess, ok := m.sessions[userID]
	delete(m.sessions, userID)
	if p, starting := m.pending[userID]; starting {
		p.cancelled = true
	}
	m.metrics.ActiveSessions.Set(float64(len(m.sessions)))
	m.mu.Unlock()

	if !ok {
		return
	}
	sess.Store.Unsubscribe()
	m.log.Info().Str("user", userID).Msg("Session ended")
}

// Session looks up a live session and marks it as active.
func (m *SessionManager) Session(userID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[userID]
	if ok {
		sess.touch(m.now())
	}
	return sess, ok
}

func (m *SessionManager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Handle applies one auth transition.
func (m *SessionManager) Handle(ctx context.Context, ev domain.AuthEvent) error {
	switch ev.Kind {
	case domain.SignedIn:
		_, err := m.SignIn(ctx, ev.User)
		return err
	case domain.SignedOut:
		m.SignOut(ev.User.ID)
	}
	return nil
}

// Run consumes auth transitions until events is closed or ctx is done.
func (m *SessionManager) Run(ctx context.Context, events <-chan domain.AuthEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := m.Handle(ctx, ev); err != nil {
				m.log.Error().Err(err).Str("user", ev.User.ID).Str("event", string(ev.Kind)).Msg("Auth transition failed")
			}
		}
	}
}

// Serve reaps idle sessions every ReapInterval and closes every session when
// ctx ends.
func (m *SessionManager) Serve(ctx context.Context) error {
	m.log.Info().Dur("idle_timeout", m.cfg.IdleTimeout).Msg("Starting session reaper")
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Close()
			return ctx.Err()
		case <-ticker.C:
			m.reapIdle()
		}
	}
}

func (m *SessionManager) reapIdle() int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []string
	for id, sess := range m.sessions {
		if sess.LastSeen().Before(cutoff) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.log.Info().Str("user", id).Msg("Reaping idle session")
		m.SignOut(id)
	}
	return len(idle)
}

// Close ends every session, including ones still signing in.
func (m *SessionManager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions)+len(m.pending))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.SignOut(id)
	}
}

func (m *SessionManager) String() string { return "session-manager" }
