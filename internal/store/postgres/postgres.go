// Package postgres is the production Store backend over a pgx pool.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aquispe/newsbrief/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS subscribers (
	chat_id             BIGINT PRIMARY KEY,
	language            TEXT        NOT NULL,
	active              BOOLEAN     NOT NULL,
	subscribed_at       TIMESTAMPTZ NOT NULL,
	first_subscribed_at TIMESTAMPTZ NOT NULL,
	received_welcome    BOOLEAN     NOT NULL DEFAULT FALSE
);

CREATE TABLE IF NOT EXISTS digests (
	id         BIGSERIAL PRIMARY KEY,
	content    TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS translations (
	digest_id  BIGINT      NOT NULL REFERENCES digests(id) ON DELETE CASCADE,
	language   TEXT        NOT NULL,
	content    TEXT        NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	UNIQUE (digest_id, language)
);

CREATE TABLE IF NOT EXISTS delivery_failures (
	id            BIGSERIAL PRIMARY KEY,
	chat_id       BIGINT      NOT NULL,
	error_message TEXT        NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failures_created ON delivery_failures (created_at);
CREATE INDEX IF NOT EXISTS idx_failures_chat ON delivery_failures (chat_id);

CREATE TABLE IF NOT EXISTS leases (
	name        TEXT PRIMARY KEY,
	holder      TEXT        NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	expires_at  TIMESTAMPTZ NOT NULL
);
`

// uniqueViolation is the Postgres error code for constraint 23505.
const uniqueViolation = "23505"

// Store is a Store over a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open connects to the database at url.
func Open(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool (tests).
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	s.pool.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func (s *Store) Subscribe(ctx context.Context, chatID int64, lang string, now time.Time) (store.SubscribeResult, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return store.SubscribeResult{}, err
	}
	defer tx.Rollback(ctx)

	var active, welcomed bool
	err = tx.QueryRow(ctx,
		`SELECT active, received_welcome FROM subscribers WHERE chat_id = $1 FOR UPDATE`, chatID).
		Scan(&active, &welcomed)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		_, err = tx.Exec(ctx,
			`INSERT INTO subscribers (chat_id, language, active, subscribed_at, first_subscribed_at, received_welcome)
			 VALUES ($1, $2, TRUE, $3, $3, FALSE)
			 ON CONFLICT (chat_id) DO NOTHING`,
			chatID, lang, now)
		if err != nil {
			return store.SubscribeResult{}, err
		}
		return store.SubscribeResult{New: true, NeedsWelcome: true}, tx.Commit(ctx)
	case err != nil:
		return store.SubscribeResult{}, err
	case active:
		return store.SubscribeResult{AlreadyActive: true, NeedsWelcome: !welcomed}, tx.Commit(ctx)
	default:
		_, err = tx.Exec(ctx,
			`UPDATE subscribers SET active = TRUE, subscribed_at = $1 WHERE chat_id = $2`,
			now, chatID)
		if err != nil {
			return store.SubscribeResult{}, err
		}
		return store.SubscribeResult{Reactivated: true, NeedsWelcome: !welcomed}, tx.Commit(ctx)
	}
}

func (s *Store) Unsubscribe(ctx context.Context, chatID int64) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscribers SET active = FALSE WHERE chat_id = $1 AND active = TRUE`, chatID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) Deactivate(ctx context.Context, chatID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subscribers SET active = FALSE WHERE chat_id = $1`, chatID)
	return err
}

func (s *Store) SetLanguage(ctx context.Context, chatID int64, lang string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE subscribers SET language = $1 WHERE chat_id = $2`, lang, chatID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkWelcomeSent(ctx context.Context, chatID int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE subscribers SET received_welcome = TRUE WHERE chat_id = $1`, chatID)
	return err
}

func (s *Store) GetSubscriber(ctx context.Context, chatID int64) (store.Subscriber, error) {
	var sub store.Subscriber
	err := s.pool.QueryRow(ctx,
		`SELECT chat_id, language, active, subscribed_at, first_subscribed_at, received_welcome
		 FROM subscribers WHERE chat_id = $1`, chatID).
		Scan(&sub.ChatID, &sub.Language, &sub.Active, &sub.SubscribedAt, &sub.FirstSubscribedAt, &sub.ReceivedWelcome)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Subscriber{}, store.ErrNotFound
	}
	if err != nil {
		return store.Subscriber{}, err
	}
	return sub, nil
}

func (s *Store) ActiveSubscribers(ctx context.Context) ([]store.Subscriber, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chat_id, language, active, subscribed_at, first_subscribed_at, received_welcome
		 FROM subscribers WHERE active = TRUE ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []store.Subscriber
	for rows.Next() {
		var sub store.Subscriber
		if err := rows.Scan(&sub.ChatID, &sub.Language, &sub.Active, &sub.SubscribedAt, &sub.FirstSubscribedAt, &sub.ReceivedWelcome); err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Store) SubscriberStats(ctx context.Context) (store.Stats, error) {
	stats := store.Stats{Languages: map[string]int{}}
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FILTER (WHERE active), COUNT(*) FILTER (WHERE NOT active) FROM subscribers`).
		Scan(&stats.ActiveCount, &stats.InactiveCount)
	if err != nil {
		return store.Stats{}, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT language, COUNT(*) FROM subscribers WHERE active GROUP BY language`)
	if err != nil {
		return store.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var lang string
		var n int
		if err := rows.Scan(&lang, &n); err != nil {
			return store.Stats{}, err
		}
		stats.Languages[lang] = n
	}
	return stats, rows.Err()
}

func (s *Store) InsertDigest(ctx context.Context, content string, now time.Time) (store.Digest, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO digests (content, created_at) VALUES ($1, $2) RETURNING id`,
		content, now).Scan(&id)
	if err != nil {
		return store.Digest{}, err
	}
	return store.Digest{ID: id, Content: content, CreatedAt: now}, nil
}

func (s *Store) LatestDigest(ctx context.Context) (store.Digest, error) {
	var d store.Digest
	err := s.pool.QueryRow(ctx,
		`SELECT id, content, created_at FROM digests ORDER BY id DESC LIMIT 1`).
		Scan(&d.ID, &d.Content, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Digest{}, store.ErrNotFound
	}
	return d, err
}

func (s *Store) GetTranslation(ctx context.Context, digestID int64, lang string) (store.Translation, error) {
	var t store.Translation
	err := s.pool.QueryRow(ctx,
		`SELECT digest_id, language, content, created_at FROM translations
		 WHERE digest_id = $1 AND language = $2`, digestID, lang).
		Scan(&t.DigestID, &t.Language, &t.Content, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Translation{}, store.ErrNotFound
	}
	return t, err
}

func (s *Store) InsertTranslation(ctx context.Context, digestID int64, lang, content string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO translations (digest_id, language, content, created_at) VALUES ($1, $2, $3, $4)`,
		digestID, lang, content, now)
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) RecordFailure(ctx context.Context, chatID int64, message string, now time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO delivery_failures (chat_id, error_message, created_at) VALUES ($1, $2, $3)`,
		chatID, message, now)
	return err
}

func (s *Store) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	var got string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO leases (name, holder, acquired_at, expires_at) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (name) DO UPDATE SET
			holder = EXCLUDED.holder,
			acquired_at = EXCLUDED.acquired_at,
			expires_at = EXCLUDED.expires_at
		 WHERE leases.expires_at <= EXCLUDED.acquired_at
		 RETURNING holder`,
		name, holder, now, now.Add(ttl)).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return got == holder, nil
}

func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM leases WHERE name = $1 AND holder = $2`, name, holder)
	return err
}
