package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/yaffw/cinefav/src/internal/domain"
)

// PostgresUserRepo stores OIDC-provisioned users next to their favorites row.
type PostgresUserRepo struct {
	db *sql.DB
}

func NewUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func (r *PostgresUserRepo) InitSchema(ctx context.Context) error {
	if _, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			email TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`); err != nil {
		return fmt.Errorf("create users table: %w", err)
	}
	return nil
}

func (r *PostgresUserRepo) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, email, created_at, last_seen FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Email, &u.CreatedAt, &u.LastSeen)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, domain.ErrUserNotFound
	case err != nil:
		return nil, fmt.Errorf("load user %s: %w", id, err)
	}
	return &u, nil
}

// Save upserts the user. created_at is kept from the first save, last_seen
// never moves backwards, and an empty email leaves the stored one alone.
func (r *PostgresUserRepo) Save(ctx context.Context, user *domain.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users AS u (id, email, created_at, last_seen)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			email = COALESCE(NULLIF(EXCLUDED.email, ''), u.email),
			last_seen = GREATEST(u.last_seen, EXCLUDED.last_seen)
	`, user.ID, user.Email, user.CreatedAt, user.LastSeen)
	if err != nil {
		return fmt.Errorf("save user %s: %w", user.ID, err)
	}
	return nil
}
