package pipeline

import (
	"fmt"
	"net/http"
	"time"

	"github.com/dennissolver/tenderwatch/internal/matching"
	"github.com/dennissolver/tenderwatch/internal/tender"
)

// AccountStatus is the sync health of a linked portal account.
type AccountStatus string

const (
	AccountPending   AccountStatus = "pending"
	AccountConnected AccountStatus = "connected"
	AccountError     AccountStatus = "error"
	AccountExpired   AccountStatus = "expired"
)

// ParseAccountStatus converts a raw string into an AccountStatus.
func ParseAccountStatus(s string) (AccountStatus, error) {
	switch st := AccountStatus(s); st {
	case AccountPending, AccountConnected, AccountError, AccountExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown account status %q", s)
}

// Account is a user's linked portal login.
type Account struct {
	ID                   int64
	UserID               int64
	Site                 string
	EncryptedCredentials string
	Status               AccountStatus
	LastSyncAt           *time.Time
	LastError            string
}

// SyncState is written after every synchronisation attempt that reaches a verdict.
type SyncState struct {
	Status     AccountStatus
	LastSyncAt *time.Time
	LastError  string
	Cookies    []*http.Cookie
}

// Match is a persisted non-reject evaluation, unique per (listing, watch).
type Match struct {
	ID              int64
	ListingID       int64
	WatchID         int64
	UserID          int64
	Score           int
	Tier            matching.Tier
	MatchedKeywords []string
	Reasoning       string
	Summary         string
	NotifiedAt      *time.Time
	// UpdatedAt moves only when the score or tier changes.
	UpdatedAt time.Time
}

// Recipient is a user with at least one active watch.
type Recipient struct {
	UserID     int64
	Email      string
	Name       string
	Deliveries []matching.Delivery
}

// DigestItem is one unnotified match joined with the listing fields a digest shows.
type DigestItem struct {
	MatchID   int64         `json:"match_id"`
	ListingID int64         `json:"listing_id"`
	WatchID   int64         `json:"watch_id"`
	WatchName string        `json:"watch_name"`
	Score     int           `json:"score"`
	Tier      matching.Tier `json:"tier"`
	Reasoning string        `json:"reasoning"`
	Summary   string        `json:"summary,omitempty"`
	Title     string        `json:"title"`
	BuyerOrg  string        `json:"buyer_org,omitempty"`
	Source    tender.Site   `json:"source"`
	Value     string        `json:"value"`
	ClosesAt  *time.Time    `json:"closes_at,omitempty"`
	URL       string        `json:"url"`
	UpdatedAt time.Time     `json:"-"`
}

// MatchVersion is a match as a digest saw it.
type MatchVersion struct {
	ID        int64
	UpdatedAt time.Time
}

// DigestGroup holds the items of one tier, best score first.
type DigestGroup struct {
	Tier  matching.Tier `json:"tier"`
	Items []DigestItem  `json:"items"`
}

// Digest is the payload handed to the delivery collaborator.
type Digest struct {
	UserID      int64         `json:"user_id"`
	Email       string        `json:"email"`
	Name        string        `json:"name,omitempty"`
	Tick        string        `json:"tick"`
	GeneratedAt time.Time     `json:"generated_at"`
	Groups      []DigestGroup `json:"groups"`
}

// MatchIDs lists every match the digest carries.
func (d Digest) MatchIDs() []int64 {
	ids := make([]int64, 0)
	for _, g := range d.Groups {
		for _, item := range g.Items {
			ids = append(ids, item.MatchID)
		}
	}
	return ids
}

// Versions lists every match the digest carries with the revision it showed.
func (d Digest) Versions() []MatchVersion {
	seen := make([]MatchVersion, 0)
	for _, g := range d.Groups {
		for _, item := range g.Items {
			seen = append(seen, MatchVersion{ID: item.MatchID, UpdatedAt: item.UpdatedAt})
		}
	}
	return seen
}

// Len counts the items across groups.
func (d Digest) Len() int {
	n := 0
	for _, g := range d.Groups {
		n += len(g.Items)
	}
	return n
}
