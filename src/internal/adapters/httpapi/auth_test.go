package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaffw/cinefav/src/internal/adapters/memory"
	"github.com/yaffw/cinefav/src/internal/domain"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		query   string
		want    string
		ok      bool
		wantErr bool
	}{
		{name: "none"},
		{name: "bearer", header: "Bearer abc", want: "abc", ok: true},
		{name: "case insensitive", header: "bearer abc", want: "abc", ok: true},
		{name: "query param", query: "?access_token=xyz", want: "xyz", ok: true},
		{name: "basic", header: "Basic dXNlcg==", wantErr: true},
		{name: "empty token", header: "Bearer ", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/api/v1/favorites"+tt.query, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, ok, err := bearerToken(r)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidCredentials)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestProvision(t *testing.T) {
	users := memory.NewUserRepo()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	a := &OIDCAuthenticator{users: users, log: zerolog.Nop(), now: func() time.Time { return now }}
	ctx := context.Background()

	user, err := a.provision(ctx, claims{Sub: "sub-1", PreferredUsername: "ana"})
	require.NoError(t, err)
	assert.Equal(t, "sub-1", user.ID)
	assert.Equal(t, "ana", user.Email)
	assert.Equal(t, now, user.CreatedAt)

	later := now.Add(time.Hour)
	a.now = func() time.Time { return later }
	user, err = a.provision(ctx, claims{Sub: "sub-1", Email: "ana@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", user.Email)
	assert.Equal(t, now, user.CreatedAt)
	assert.Equal(t, later, user.LastSeen)

	stored, err := users.GetByID(ctx, "sub-1")
	require.NoError(t, err)
	assert.Equal(t, later, stored.LastSeen)
}

type failingAuth struct{ err error }

func (a failingAuth) Authenticate(r *http.Request) (*domain.User, error) {
	return nil, a.err
}

func TestIdentify_StatusByFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "invalid credentials", err: ErrInvalidCredentials, want: http.StatusUnauthorized},
		{name: "wrapped invalid credentials", err: fmt.Errorf("verify: %w", ErrInvalidCredentials), want: http.StatusUnauthorized},
		{name: "user store down", err: errors.New("dial tcp: connection refused"), want: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			srv := NewServer(f.sessions, nil, failingAuth{err: tt.err}, Options{LoginURL: "/login"}, zerolog.Nop())

			req := httptest.NewRequest(http.MethodGet, "/api/v1/favorites", nil)
			rec := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, 0, f.sessions.Count())
		})
	}
}
