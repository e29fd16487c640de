package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/rs/zerolog"

	"github.com/yaffw/cinefav/src/internal/config"
	"github.com/yaffw/cinefav/src/internal/domain"
	"github.com/yaffw/cinefav/src/internal/ports"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

// Authenticator resolves the caller of a request. It returns (nil, nil) when
// the request carries no credentials at all.
type Authenticator interface {
	Authenticate(r *http.Request) (*domain.User, error)
}

type claims struct {
	Sub               string `json:"sub"`
	Email             string `json:"email"`
	PreferredUsername string `json:"preferred_username"`
}

// OIDCAuthenticator verifies bearer tokens against an OIDC provider and
// provisions users on first sight.
type OIDCAuthenticator struct {
	verifier *oidc.IDTokenVerifier
	users    ports.UserRepository
	log      zerolog.Logger
	now      func() time.Time
}

func NewOIDCAuthenticator(ctx context.Context, users ports.UserRepository, cfg config.OIDCConfig, log zerolog.Logger) (*OIDCAuthenticator, error) {
	provider, err := oidc.NewProvider(ctx, cfg.ProviderURL)
	if err != nil {
		return nil, fmt.Errorf("query OIDC provider %s: %w", cfg.ProviderURL, err)
	}

	// Access tokens often carry an audience other than the client id.
	verifier := provider.Verifier(&oidc.Config{
		ClientID:          cfg.ClientID,
		SkipClientIDCheck: true,
	})

	return &OIDCAuthenticator{
		verifier: verifier,
		users:    users,
		log:      log.With().Str("component", "auth").Logger(),
		now:      time.Now,
	}, nil
}

func (a *OIDCAuthenticator) Authenticate(r *http.Request) (*domain.User, error) {
	tokenStr, ok, err := bearerToken(r)
	if err != nil || !ok {
		return nil, err
	}

	idToken, err := a.verifier.Verify(r.Context(), tokenStr)
	if err != nil {
		a.log.Debug().Err(err).Msg("Token verification failed")
		return nil, ErrInvalidCredentials
	}

	var c claims
	if err := idToken.Claims(&c); err != nil || c.Sub == "" {
		return nil, ErrInvalidCredentials
	}
	return a.provision(r.Context(), c)
}

// provision upserts the user behind verified claims and refreshes LastSeen.
func (a *OIDCAuthenticator) provision(ctx context.Context, c claims) (*domain.User, error) {
	now := a.now()
	email := c.Email
	if email == "" {
		email = c.PreferredUsername
	}

	user, err := a.users.GetByID(ctx, c.Sub)
	switch {
	case errors.Is(err, domain.ErrUserNotFound):
		user = &domain.User{ID: c.Sub, Email: email, CreatedAt: now, LastSeen: now}
		if err := a.users.Save(ctx, user); err != nil {
			return nil, fmt.Errorf("provision user %s: %w", c.Sub, err)
		}
		a.log.Info().Str("user", user.ID).Str("email", user.Email).Msg("Provisioned new user")
		return user, nil
	case err != nil:
		return nil, err
	}

	user.LastSeen = now
	if email != "" {
		user.Email = email
	}
	if err := a.users.Save(ctx, user); err != nil {
		a.log.Warn().Err(err).Str("user", user.ID).Msg("Failed to update last seen")
	}
	return user, nil
}

func bearerToken(r *http.Request) (string, bool, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		// Browsers cannot set headers on a WebSocket handshake.
		if tok := r.URL.Query().Get("access_token"); tok != "" {
			return tok, true, nil
		}
		return "", false, nil
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false, ErrInvalidCredentials
	}
	return parts[1], true, nil
}

type ctxKey struct{}

// UserFrom returns the authenticated caller, or nil.
func UserFrom(ctx context.Context) *domain.User {
	user, _ := ctx.Value(ctxKey{}).(*domain.User)
	return user
}

// identify attaches the caller, if any, to the request context. Invalid
// credentials are rejected with 401, any other authentication failure with
// 503; missing credentials are not rejected.
func (s *Server) identify(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil {
			next.ServeHTTP(w, r)
			return
		}
		user, err := s.auth.Authenticate(r)
		switch {
		case errors.Is(err, ErrInvalidCredentials):
			s.writeError(w, r, http.StatusUnauthorized, err)
			return
		case err != nil:
			// Valid or unchecked credentials, but the user store failed.
			s.writeError(w, r, http.StatusServiceUnavailable, err)
			return
		}
		if user != nil {
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, user))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if UserFrom(r.Context()) == nil {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error":       "authentication required",
				"redirectUrl": s.loginURL,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}
