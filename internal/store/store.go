// Package store defines the durable state of the digest service:
// subscribers, digests, cached translations, the delivery failure log,
// and the scheduler lease. Backends live in the postgres and sqlite
// subpackages.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicate is returned when an insert violates a uniqueness
// constraint, e.g. a concurrent translation write for the same
// (digest, language) pair.
var ErrDuplicate = errors.New("store: duplicate")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Digest is one summarized news blob produced by a pipeline run.
type Digest struct {
	ID        int64
	Content   string
	CreatedAt time.Time
}

// Translation is a cached rendering of a digest in one language.
type Translation struct {
	DigestID  int64
	Language  string
	Content   string
	CreatedAt time.Time
}

// Subscriber is one chat the bot delivers to. Deactivation keeps the row.
type Subscriber struct {
	ChatID            int64
	Language          string
	Active            bool
	SubscribedAt      time.Time
	FirstSubscribedAt time.Time
	ReceivedWelcome   bool
}

// SubscribeResult describes what a Subscribe call changed.
type SubscribeResult struct {
	// New is true when the row was created by this call.
	New bool
	// Reactivated is true when an inactive row was flipped back to active.
	Reactivated bool
	// AlreadyActive is true when the call was a no-op.
	AlreadyActive bool
	// NeedsWelcome is true when the subscriber has never received the
	// welcome digest.
	NeedsWelcome bool
}

// Stats is the aggregate exposed by the subscribers endpoint. It carries
// no chat ids.
type Stats struct {
	ActiveCount   int            `json:"active_count"`
	InactiveCount int            `json:"inactive_count"`
	Languages     map[string]int `json:"languages"`
}

// Store is the persistence interface. All mutations are single-row
// upserts; concurrent duplicate commands converge to one final state.
type Store interface {
	// Init creates the schema if it does not exist.
	Init(ctx context.Context) error
	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error
	Close()

	// Subscribe creates or reactivates a subscriber. A fresh row gets
	// language lang and subscribed_at = first_subscribed_at = now. A
	// reactivation advances subscribed_at only. An already active row is
	// untouched.
	Subscribe(ctx context.Context, chatID int64, lang string, now time.Time) (SubscribeResult, error)
	// Unsubscribe flips an active subscriber to inactive. Returns true
	// when a state change happened.
	Unsubscribe(ctx context.Context, chatID int64) (bool, error)
	// Deactivate marks a subscriber inactive without a reply flow; used
	// when the chat platform reports the recipient gone.
	Deactivate(ctx context.Context, chatID int64) error
	// SetLanguage updates the subscriber's language. ErrNotFound when no
	// row exists.
	SetLanguage(ctx context.Context, chatID int64, lang string) error
	// MarkWelcomeSent records that the welcome digest went out.
	MarkWelcomeSent(ctx context.Context, chatID int64) error
	// GetSubscriber returns one row or ErrNotFound.
	GetSubscriber(ctx context.Context, chatID int64) (Subscriber, error)
	// ActiveSubscribers returns all active rows.
	ActiveSubscribers(ctx context.Context) ([]Subscriber, error)
	// SubscriberStats aggregates counts by activity and language.
	SubscriberStats(ctx context.Context) (Stats, error)

	// InsertDigest persists a new digest and returns it with its id.
	InsertDigest(ctx context.Context, content string, now time.Time) (Digest, error)
	// LatestDigest returns the most recent digest or ErrNotFound.
	LatestDigest(ctx context.Context) (Digest, error)

	// GetTranslation returns the cached translation or ErrNotFound.
	GetTranslation(ctx context.Context, digestID int64, lang string) (Translation, error)
	// InsertTranslation writes through the cache. ErrDuplicate when a
	// concurrent writer got there first; callers re-read.
	InsertTranslation(ctx context.Context, digestID int64, lang, content string, now time.Time) error

	// RecordFailure appends to the delivery failure log.
	RecordFailure(ctx context.Context, chatID int64, message string, now time.Time) error

	// AcquireLease claims the named slot lease for holder until now+ttl.
	// Returns false when another live holder owns it. Expired leases are
	// claimable.
	AcquireLease(ctx context.Context, name, holder string, now time.Time, ttl time.Duration) (bool, error)
	// ReleaseLease drops the lease if holder still owns it.
	ReleaseLease(ctx context.Context, name, holder string) error
}
