// Package sqlite is the embedded Store backend, used for development and
// tests. Timestamps are stored as unix seconds.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aquispe/newsbrief/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS subscribers (
	chat_id             INTEGER PRIMARY KEY,
	language            TEXT    NOT NULL,
	active              INTEGER NOT NULL,
	subscribed_at       INTEGER NOT NULL,
	first_subscribed_at INTEGER NOT NULL,
	received_welcome    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS digests (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	content    TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS translations (
	digest_id  INTEGER NOT NULL REFERENCES digests(id) ON DELETE CASCADE,
	language   TEXT    NOT NULL,
	content    TEXT    NOT NULL,
	created_at INTEGER NOT NULL,
	UNIQUE (digest_id, language)
);

CREATE TABLE IF NOT EXISTS delivery_failures (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	chat_id       INTEGER NOT NULL,
	error_message TEXT    NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_failures_created ON delivery_failures (created_at);
CREATE INDEX IF NOT EXISTS idx_failures_chat ON delivery_failures (chat_id);

CREATE TABLE IF NOT EXISTS leases (
	name        TEXT PRIMARY KEY,
	holder      TEXT    NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
`

// Store is a Store over a single sqlite file (or :memory:).
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database at path. The pool is capped at one
// connection; sqlite serializes writers anyway.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close() {
	s.db.Close()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func (s *Store) Subscribe(ctx context.Context, chatID int64, lang string, now time.Time) (store.SubscribeResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.SubscribeResult{}, err
	}
	defer tx.Rollback()

	var active bool
	var welcomed bool
	err = tx.QueryRowContext(ctx,
		`SELECT active, received_welcome FROM subscribers WHERE chat_id = ?`, chatID).
		Scan(&active, &welcomed)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO subscribers (chat_id, language, active, subscribed_at, first_subscribed_at, received_welcome)
			 VALUES (?, ?, 1, ?, ?, 0)`,
			chatID, lang, now.Unix(), now.Unix())
		if err != nil {
			if isUniqueViolation(err) {
				return store.SubscribeResult{AlreadyActive: true}, tx.Commit()
			}
			return store.SubscribeResult{}, err
		}
		return store.SubscribeResult{New: true, NeedsWelcome: true}, tx.Commit()
	case err != nil:
		return store.SubscribeResult{}, err
	case active:
		return store.SubscribeResult{AlreadyActive: true, NeedsWelcome: !welcomed}, tx.Commit()
	default:
		_, err = tx.ExecContext(ctx,
			`UPDATE subscribers SET active = 1, subscribed_at = ? WHERE chat_id = ?`,
			now.Unix(), chatID)
		if err != nil {
			return store.SubscribeResult{}, err
		}
		return store.SubscribeResult{Reactivated: true, NeedsWelcome: !welcomed}, tx.Commit()
	}
}

func (s *Store) Unsubscribe(ctx context.Context, chatID int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET active = 0 WHERE chat_id = ? AND active = 1`, chatID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) Deactivate(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET active = 0 WHERE chat_id = ?`, chatID)
	return err
}

func (s *Store) SetLanguage(ctx context.Context, chatID int64, lang string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET language = ? WHERE chat_id = ?`, lang, chatID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) MarkWelcomeSent(ctx context.Context, chatID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subscribers SET received_welcome = 1 WHERE chat_id = ?`, chatID)
	return err
}

func (s *Store) GetSubscriber(ctx context.Context, chatID int64) (store.Subscriber, error) {
	var sub store.Subscriber
	var subscribedAt, firstAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, language, active, subscribed_at, first_subscribed_at, received_welcome
		 FROM subscribers WHERE chat_id = ?`, chatID).
		Scan(&sub.ChatID, &sub.Language, &sub.Active, &subscribedAt, &firstAt, &sub.ReceivedWelcome)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Subscriber{}, store.ErrNotFound
	}
	if err != nil {
		return store.Subscriber{}, err
	}
	sub.SubscribedAt = time.Unix(subscribedAt, 0).UTC()
	sub.FirstSubscribedAt = time.Unix(firstAt, 0).UTC()
	return sub, nil
}

func (s *Store) ActiveSubscribers(ctx context.Context) ([]store.Subscriber, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chat_id, language, active, subscribed_at, first_subscribed_at, received_welcome
		 FROM subscribers WHERE active = 1 ORDER BY chat_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []store.Subscriber
	for rows.Next() {
		var sub store.Subscriber
		var subscribedAt, firstAt int64
		if err := rows.Scan(&sub.ChatID, &sub.Language, &sub.Active, &subscribedAt, &firstAt, &sub.ReceivedWelcome); err != nil {
			return nil, err
		}
		sub.SubscribedAt = time.Unix(subscribedAt, 0).UTC()
		sub.FirstSubscribedAt = time.Unix(firstAt, 0).UTC()
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *Store) SubscriberStats(ctx context.Context) (store.Stats, error) {
	stats := store.Stats{Languages: map[string]int{}}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE active = 1), COUNT(*) FILTER (WHERE active = 0) FROM subscribers`).
		Scan(&stats.ActiveCount, &stats.InactiveCount)
	if err != nil {
		return store.Stats{}, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT language, COUNT(*) FROM subscribers WHERE active = 1 GROUP BY language`)
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
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO digests (content, created_at) VALUES (?, ?)`, content, now.Unix())
	if err != nil {
		return store.Digest{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return store.Digest{}, err
	}
	return store.Digest{ID: id, Content: content, CreatedAt: now.Truncate(time.Second).UTC()}, nil
}

func (s *Store) LatestDigest(ctx context.Context) (store.Digest, error) {
	var d store.Digest
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content, created_at FROM digests ORDER BY id DESC LIMIT 1`).
		Scan(&d.ID, &d.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Digest{}, store.ErrNotFound
	}
	if err != nil {
		return store.Digest{}, err
	}
	d.CreatedAt = time.Unix(createdAt, 0).UTC()
	return d, nil
}

func (s *Store) GetTranslation(ctx context.Context, digestID int64, lang string) (store.Translation, error) {
	var t store.Translation
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT digest_id, language, content, created_at FROM translations
		 WHERE digest_id = ? AND language = ?`, digestID, lang).
		Scan(&t.DigestID, &t.Language, &t.Content, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Translation{}, store.ErrNotFound
	}
	if err != nil {
		return store.Translation{}, err
	}
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	return t, nil
}

func (s *Store) InsertTranslation(ctx context.Context, digestID int64, lang, content string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO translations (digest_id, language, content, created_at) VALUES (?, ?, ?, ?)`,
		digestID, lang, content, now.Unix())
	if isUniqueViolation(err) {
		return store.ErrDuplicate
	}
	return err
}

func (s *Store) RecordFailure(ctx context.Context, chatID int64, message string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO delivery_failures (chat_id, error_message, created_at) VALUES (?, ?, ?)`,
		chatID, message, now.Unix())
	return err
}

func (s *Store) AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, acquired_at, expires_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET
			holder = excluded.holder,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		 WHERE leases.expires_at <= excluded.acquired_at`,
		name, holder, now.Unix(), now.Add(ttl).Unix())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder)
	return err
}
