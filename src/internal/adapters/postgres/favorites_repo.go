package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/yaffw/cinefav/src/internal/domain"
	"github.com/yaffw/cinefav/src/internal/feed"
)

// NotifyChannel carries the user id of every committed favorites write.
const NotifyChannel = "cinefav_favorites"

type FavoritesOptions struct {
	// ConnStr opens the LISTEN connection. Empty disables cross-process push;
	// subscribers then only see writes made through this repo.
	ConnStr     string
	MaxAttempts int
	PingEvery   time.Duration
}

type subscriber struct {
	box    *feed.Mailbox[domain.Snapshot]
	seeded bool
	last   int64
}

// PostgresFavoritesRepo keeps one row per user with the item list as JSONB and
// a version bumped by every write. Writes lock the row with SELECT ... FOR
// UPDATE and announce themselves with pg_notify; a single pq.Listener fans
// those notifications out to subscribers as fresh snapshots.
type PostgresFavoritesRepo struct {
	db          *sql.DB
	log         zerolog.Logger
	maxAttempts int
	pingEvery   time.Duration
	listener    *pq.Listener

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

func NewFavoritesRepo(db *sql.DB, opts FavoritesOptions, log zerolog.Logger) (*PostgresFavoritesRepo, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.PingEvery <= 0 {
		opts.PingEvery = 90 * time.Second
	}
	r := &PostgresFavoritesRepo{
		db:          db,
		log:         log.With().Str("component", "postgres-favorites").Logger(),
		maxAttempts: opts.MaxAttempts,
		pingEvery:   opts.PingEvery,
		subs:        make(map[string]map[*subscriber]struct{}),
		done:        make(chan struct{}),
	}
	if opts.ConnStr == "" {
		return r, nil
	}

	r.listener = pq.NewListener(opts.ConnStr, time.Second, time.Minute, r.onListenerEvent)
	if err := r.listener.Listen(NotifyChannel); err != nil {
		r.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}
	go r.dispatch()
	return r, nil
}

func (r *PostgresFavoritesRepo) InitSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS favorites (
			user_id TEXT PRIMARY KEY,
			items JSONB NOT NULL DEFAULT '[]'::jsonb,
			version BIGINT NOT NULL DEFAULT 1,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

func (r *PostgresFavoritesRepo) Close() error {
	var err error
	r.closeOnce.Do(func() {
		close(r.done)
		if r.listener != nil {
			err = r.listener.Close()
		}
	})
	return err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *PostgresFavoritesRepo) load(ctx context.Context, q queryRower, userID string, forUpdate bool) (domain.FavoritesDocument, error) {
	query := `SELECT items, version, updated_at FROM favorites WHERE user_id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		raw []byte
		doc = domain.FavoritesDocument{UserID: userID}
	)
	err := q.QueryRowContext(ctx, query, userID).Scan(&raw, &doc.Version, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return doc, domain.ErrDocumentNotFound
	}
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(raw, &doc.Items); err != nil {
		return doc, fmt.Errorf("decode favorites of %s: %w", userID, err)
	}
	doc.Exists = true
	return doc, nil
}

func (r *PostgresFavoritesRepo) Get(ctx context.Context, userID string) (domain.FavoritesDocument, error) {
	return r.load(ctx, r.db, userID, false)
}

func (r *PostgresFavoritesRepo) EnsureDocument(ctx context.Context, userID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO favorites (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, userID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	r.refresh(ctx, userID)
	return nil
}

func (r *PostgresFavoritesRepo) RunTransaction(ctx context.Context, userID string, fn domain.Mutation) (domain.FavoritesDocument, error) {
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		doc, committed, err := r.runOnce(ctx, userID, fn)
		if err == nil {
			if committed {
				r.publish(userID, domain.Snapshot{UserID: userID, Document: doc.Clone()})
			}
			return doc, nil
		}
		if !retryable(err) {
			return domain.FavoritesDocument{}, err
		}
		r.log.Debug().Err(err).Str("user", userID).Int("attempt", attempt).Msg("Retrying favorites transaction")
	}
	return domain.FavoritesDocument{}, domain.ErrTransactionAborted
}

func (r *PostgresFavoritesRepo) runOnce(ctx context.Context, userID string, fn domain.Mutation) (domain.FavoritesDocument, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.FavoritesDocument{}, false, err
	}
	defer tx.Rollback()

	cur, err := r.load(ctx, tx, userID, true)
	if err != nil && !errors.Is(err, domain.ErrDocumentNotFound) {
		return domain.FavoritesDocument{}, false, err
	}

	next, changed, err := fn(cur.Clone())
	if err != nil {
		return domain.FavoritesDocument{}, false, err
	}
	if !changed {
		return cur, false, nil
	}

	items := next.Items
	if items == nil {
		items = []domain.FavoriteItem{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return domain.FavoritesDocument{}, false, err
	}

	out := domain.FavoritesDocument{UserID: userID, Items: items, Exists: true}
	if cur.Exists {
		err = tx.QueryRowContext(ctx, `
			UPDATE favorites SET items = $2::jsonb, version = version + 1, updated_at = NOW()
			WHERE user_id = $1
			RETURNING version, updated_at
		`, userID, string(raw)).Scan(&out.Version, &out.UpdatedAt)
	} else {
		// A concurrent creator makes this fail with 23505, which is retried.
		err = tx.QueryRowContext(ctx, `
			INSERT INTO favorites (user_id, items, version, updated_at)
			VALUES ($1, $2::jsonb, 1, NOW())
			RETURNING version, updated_at
		`, userID, string(raw)).Scan(&out.Version, &out.UpdatedAt)
	}
	if err != nil {
		return domain.FavoritesDocument{}, false, err
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, userID); err != nil {
		return domain.FavoritesDocument{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.FavoritesDocument{}, false, err
	}
	return out, true, nil
}

func (r *PostgresFavoritesRepo) Subscribe(ctx context.Context, userID string) (<-chan domain.Snapshot, error) {
	sub := &subscriber{box: feed.NewMailbox[domain.Snapshot]()}

	r.mu.Lock()
	if r.subs[userID] == nil {
		r.subs[userID] = make(map[*subscriber]struct{})
	}
	r.subs[userID][sub] = struct{}{}
	r.mu.Unlock()

	doc, err := r.load(ctx, r.db, userID, false)
	if err != nil && !errors.Is(err, domain.ErrDocumentNotFound) {
		r.unsubscribe(userID, sub)
		return nil, err
	}
	r.offer(sub, domain.Snapshot{UserID: userID, Document: doc})

	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
		}
		r.unsubscribe(userID, sub)
	}()
	return sub.box.C(), nil
}

func (r *PostgresFavoritesRepo) unsubscribe(userID string, sub *subscriber) {
	r.mu.Lock()
	delete(r.subs[userID], sub)
	if len(r.subs[userID]) == 0 {
		delete(r.subs, userID)
	}
	r.mu.Unlock()
	sub.box.Close()
}

func (r *PostgresFavoritesRepo) dispatch() {
	ticker := time.NewTicker(r.pingEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case n, ok := <-r.listener.Notify:
			if !ok {
				return
			}
			if n == nil {
				// Reconnected: notifications may have been missed.
				r.resyncAll()
				continue
			}
			r.refresh(context.Background(), n.Extra)
		case <-ticker.C:
			go r.listener.Ping()
		}
	}
}

func (r *PostgresFavoritesRepo) onListenerEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		r.log.Warn().Err(err).Msg("Favorites listener disconnected")
		r.broadcast(domain.Snapshot{Err: fmt.Errorf("favorites listener disconnected: %w", err)})
	case pq.ListenerEventConnectionAttemptFailed:
		r.log.Warn().Err(err).Msg("Favorites listener reconnect failed")
	case pq.ListenerEventReconnected:
		r.log.Info().Msg("Favorites listener reconnected")
	}
}

func (r *PostgresFavoritesRepo) refresh(ctx context.Context, userID string) {
	r.mu.Lock()
	_, watched := r.subs[userID]
	r.mu.Unlock()
	if !watched {
		return
	}

	doc, err := r.load(ctx, r.db, userID, false)
	if err != nil && !errors.Is(err, domain.ErrDocumentNotFound) {
		r.publish(userID, domain.Snapshot{UserID: userID, Err: err})
		return
	}
	r.publish(userID, domain.Snapshot{UserID: userID, Document: doc})
}

func (r *PostgresFavoritesRepo) resyncAll() {
	r.mu.Lock()
	users := make([]string, 0, len(r.subs))
	for userID := range r.subs {
		users = append(users, userID)
	}
	r.mu.Unlock()

	for _, userID := range users {
		r.refresh(context.Background(), userID)
	}
}

func (r *PostgresFavoritesRepo) publish(userID string, snap domain.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subs[userID] {
		r.offerLocked(sub, snap)
	}
}

func (r *PostgresFavoritesRepo) broadcast(snap domain.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for userID, subs := range r.subs {
		snap.UserID = userID
		for sub := range subs {
			r.offerLocked(sub, snap)
		}
	}
}

func (r *PostgresFavoritesRepo) offer(sub *subscriber, snap domain.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offerLocked(sub, snap)
}

// offerLocked skips documents the subscriber has already seen at the same or
// a newer version; both the local commit and its notification arrive here.
// An error may displace an undelivered document from the mailbox, so it
// forgets the last version and the next refresh is always delivered.
func (r *PostgresFavoritesRepo) offerLocked(sub *subscriber, snap domain.Snapshot) {
	if snap.Err != nil {
		sub.seeded = false
		sub.last = 0
		sub.box.Offer(snap)
		return
	}
	if sub.seeded && snap.Document.Version <= sub.last {
		return
	}
	sub.seeded = true
	sub.last = snap.Document.Version
	sub.box.Offer(snap)
}
