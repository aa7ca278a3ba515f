package portal

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/dennissolver/tenderwatch/internal/tender"
)

var (
	// ErrUnknownSite is returned for identifiers outside the site catalogue.
	ErrUnknownSite = errors.New("unknown site")
	// ErrNotImplemented is returned for catalogued sites without a connector.
	ErrNotImplemented = errors.New("site connector not implemented")
)

// Constructor builds an adapter over a session.
type Constructor func(session Session) (Adapter, error)

// Registry maps site identifiers to adapter constructors.
type Registry struct {
	mu           sync.RWMutex
	constructors map[tender.Site]Constructor
}

func NewRegistry() *Registry {
	return &Registry{constructors: make(map[tender.Site]Constructor)}
}

// Register binds a constructor to a catalogued site, replacing any previous one.
func (r *Registry) Register(site tender.Site, ctor Constructor) error {
	if _, ok := site.Info(); !ok {
		return fmt.Errorf("registering %q: %w", site, ErrUnknownSite)
	}
	if ctor == nil {
		return fmt.Errorf("registering %q: nil constructor", site)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.constructors[site] = ctor
	return nil
}

// Check reports whether Resolve could serve site, without building anything.
func (r *Registry) Check(site tender.Site) error {
	_, err := r.constructor(site)
	return err
}

// Resolve builds the adapter for site over session.
func (r *Registry) Resolve(site tender.Site, session Session) (Adapter, error) {
	ctor, err := r.constructor(site)
	if err != nil {
		return nil, err
	}

	adapter, err := ctor(session)
	if err != nil {
		return nil, fmt.Errorf("building %q adapter: %w", site, err)
	}
	return adapter, nil
}

func (r *Registry) constructor(site tender.Site) (Constructor, error) {
	if _, ok := site.Info(); !ok {
		return nil, fmt.Errorf("resolving %q: %w", site, ErrUnknownSite)
	}

	r.mu.RLock()
	ctor, ok := r.constructors[site]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("resolving %q: %w", site, ErrNotImplemented)
	}
	return ctor, nil
}

// Supported lists sites with a registered constructor.
func (r *Registry) Supported() []tender.Site {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sites := make([]tender.Site, 0, len(r.constructors))
	for site := range r.constructors {
		sites = append(sites, site)
	}
	sort.Slice(sites, func(i, j int) bool { return sites[i] < sites[j] })
	return sites
}

// IsConfigurationError reports whether err means the site can never be served
// by this registry.
func IsConfigurationError(err error) bool {
	return errors.Is(err, ErrUnknownSite) || errors.Is(err, ErrNotImplemented)
}
