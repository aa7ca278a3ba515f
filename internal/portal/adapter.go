// Package portal defines the contract every procurement portal connector
// satisfies and the registry the pipeline resolves connectors from.
package portal

import (
	"context"
	"errors"
	"net/http"

	"github.com/dennissolver/tenderwatch/internal/tender"
)

var (
	// ErrTimeout marks a portal operation that exceeded its navigation budget.
	// It is transient.
	ErrTimeout = errors.New("portal operation timed out")
	// ErrSelectorNotFound marks markup the connector expected but did not find.
	ErrSelectorNotFound = errors.New("expected element not found")
)

// LoginResult reports an authentication attempt. A rejected login is not an
// error: Message carries the portal's own explanation.
type LoginResult struct {
	Success bool
	Message string
	Cookies []*http.Cookie
}

// Adapter drives one portal through a session it does not own.
type Adapter interface {
	// Site identifies the portal.
	Site() tender.Site
	// Login authenticates. It is safe to call on an already authenticated session.
	Login(ctx context.Context, username, password string) (LoginResult, error)
	// IsLoggedIn never fails; any inspection error reads as false.
	IsLoggedIn(ctx context.Context) bool
	// Search returns stubs in portal order. Rows that cannot be parsed are skipped.
	Search(ctx context.Context, params tender.SearchParams) ([]tender.Stub, error)
	// FetchDetail returns whatever the portal shows for one listing. Missing
	// fields stay empty.
	FetchDetail(ctx context.Context, sourceID string) (*tender.Listing, error)
	DownloadDocument(ctx context.Context, url string) ([]byte, error)
	// Logout is best effort and swallows failures.
	Logout(ctx context.Context)
}

// Session is a live browser handle provisioned outside the adapter.
type Session interface {
	Navigate(ctx context.Context, url string) error
	WaitVisible(ctx context.Context, selector string) error
	SetValue(ctx context.Context, selector, value string) error
	Click(ctx context.Context, selector string) error
	// HTML returns the current document markup.
	HTML(ctx context.Context) (string, error)
	// Location returns the current document URL.
	Location(ctx context.Context) (string, error)
	Cookies(ctx context.Context) ([]*http.Cookie, error)
	// Fetch downloads url carrying the session's cookies.
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// ClosableSession is a Session whose lifecycle a Provisioner hands to the caller.
type ClosableSession interface {
	Session
	Close() error
}

// Provisioner creates a session for a site. Teardown belongs to the caller of
// Provision, never to the adapter.
type Provisioner interface {
	Provision(ctx context.Context, site tender.Site) (ClosableSession, error)
}
