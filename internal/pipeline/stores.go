package pipeline

import (
	"context"
	"time"

	"github.com/dennissolver/tenderwatch/internal/matching"
	"github.com/dennissolver/tenderwatch/internal/portal"
	"github.com/dennissolver/tenderwatch/internal/secrets"
	"github.com/dennissolver/tenderwatch/internal/tender"
)

// AccountStore persists linked accounts and their sync state.
type AccountStore interface {
	FindAccount(ctx context.Context, id int64) (*Account, error)
	ListLinkedAccounts(ctx context.Context) ([]Account, error)
	UpdateSyncState(ctx context.Context, id int64, state SyncState) error
}

// ListingStore persists listings keyed by (source, source id).
type ListingStore interface {
	FindListing(ctx context.Context, id int64) (*tender.Listing, error)
	// UpsertListing inserts or updates by (source, source id) and sets l.ID.
	// pending is true while the listing has never been processed.
	UpsertListing(ctx context.Context, l *tender.Listing) (pending bool, err error)
	MarkProcessed(ctx context.Context, id int64, at time.Time) error
}

// WatchStore reads watch configurations.
type WatchStore interface {
	FindActiveWatches(ctx context.Context) ([]matching.Watch, error)
	FindActiveWatchesByUser(ctx context.Context, userID int64) ([]matching.Watch, error)
}

// MatchStore persists match results keyed by (listing, watch).
type MatchStore interface {
	UpsertMatch(ctx context.Context, m *Match) error
	// DeleteMatch drops the recommendation of (listing, watch) if one exists.
	DeleteMatch(ctx context.Context, listingID, watchID int64) error
	// FindUnnotified returns committed, unnotified matches of the user's active
	// watches with one of the given deliveries.
	FindUnnotified(ctx context.Context, userID int64, deliveries []matching.Delivery) ([]DigestItem, error)
	// MarkNotified stamps only matches not rescored since the digest read them.
	MarkNotified(ctx context.Context, seen []MatchVersion, at time.Time) error
}

// RecipientStore lists users who may receive digests.
type RecipientStore interface {
	ListRecipients(ctx context.Context) ([]Recipient, error)
}

// Stores bundles the repositories the pipeline reads and writes.
type Stores interface {
	AccountStore
	ListingStore
	WatchStore
	MatchStore
	RecipientStore
}

// Resolver hands out adapters for sites.
type Resolver interface {
	Check(site tender.Site) error
	Resolve(site tender.Site, session portal.Session) (portal.Adapter, error)
}

// CredentialOpener turns stored credentials into a short-lived plaintext login.
type CredentialOpener interface {
	Open(stored string) (secrets.Credentials, error)
}

// Enqueuer emits process-listing triggers.
type Enqueuer interface {
	EnqueueProcessListing(ctx context.Context, listingID int64) error
}

// Notifier hands digests to the delivery mechanism.
type Notifier interface {
	Notify(ctx context.Context, digest Digest) error
}

// Summarizer writes a personalised summary for a match. Optional.
type Summarizer interface {
	Summarize(ctx context.Context, l *tender.Listing, w matching.Watch) (string, error)
}

// IDGenerator hands out primary keys for new records.
type IDGenerator interface {
	NewID() (int64, error)
}

// Locker guarantees one in-flight invocation per key.
type Locker interface {
	// Acquire returns ErrInFlight when key is held.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

// JobRecorder stores job state after every transition.
type JobRecorder interface {
	RecordJob(ctx context.Context, job Job) error
}
