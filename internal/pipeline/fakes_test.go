package pipeline_test

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dennissolver/tenderwatch/internal/matching"
	"github.com/dennissolver/tenderwatch/internal/pipeline"
	"github.com/dennissolver/tenderwatch/internal/portal"
	"github.com/dennissolver/tenderwatch/internal/secrets"
	"github.com/dennissolver/tenderwatch/internal/tender"
)

type matchKey struct{ listing, watch int64 }

// memoryStores keeps every repository in maps guarded by one mutex.
type memoryStores struct {
	mu sync.Mutex

	accounts   map[int64]*pipeline.Account
	syncStates map[int64][]pipeline.SyncState
	listings   map[int64]*tender.Listing
	bySource   map[string]int64
	processed  map[int64]time.Time
	watches    []matching.Watch
	matches    map[matchKey]*pipeline.Match
	recipients []pipeline.Recipient
	revision   int64

	upsertListingErr error
	markNotifiedErr  error
	findWatchesFn    func() error
}

func newMemoryStores() *memoryStores {
	return &memoryStores{
		accounts:   make(map[int64]*pipeline.Account),
		syncStates: make(map[int64][]pipeline.SyncState),
		listings:   make(map[int64]*tender.Listing),
		bySource:   make(map[string]int64),
		processed:  make(map[int64]time.Time),
		matches:    make(map[matchKey]*pipeline.Match),
	}
}

func (s *memoryStores) FindAccount(_ context.Context, id int64) (*pipeline.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *memoryStores) ListLinkedAccounts(context.Context) ([]pipeline.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStores) UpdateSyncState(_ context.Context, id int64, state pipeline.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return pipeline.ErrNotFound
	}
	a.Status = state.Status
	a.LastSyncAt = state.LastSyncAt
	a.LastError = state.LastError
	s.syncStates[id] = append(s.syncStates[id], state)
	return nil
}

func (s *memoryStores) account(id int64) pipeline.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.accounts[id]
}

func (s *memoryStores) FindListing(_ context.Context, id int64) (*tender.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.listings[id]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	cp := *l
	return &cp, nil
}

func (s *memoryStores) UpsertListing(_ context.Context, l *tender.Listing) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.upsertListingErr != nil {
		return false, s.upsertListingErr
	}
	if id, ok := s.bySource[l.Key()]; ok {
		l.ID = id
	}
	cp := *l
	s.listings[l.ID] = &cp
	s.bySource[l.Key()] = l.ID
	_, done := s.processed[l.ID]
	return !done, nil
}

func (s *memoryStores) MarkProcessed(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processed[id] = at
	return nil
}

func (s *memoryStores) FindActiveWatches(context.Context) ([]matching.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.findWatchesFn != nil {
		if err := s.findWatchesFn(); err != nil {
			return nil, err
		}
	}
	out := make([]matching.Watch, 0, len(s.watches))
	for _, w := range s.watches {
		if w.Active {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *memoryStores) FindActiveWatchesByUser(ctx context.Context, userID int64) ([]matching.Watch, error) {
	all, err := s.FindActiveWatches(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, w := range all {
		if w.UserID == userID {
			out = append(out, w)
		}
	}
	return out, nil
}

func (s *memoryStores) UpsertMatch(_ context.Context, m *pipeline.Match) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := matchKey{m.ListingID, m.WatchID}
	existing, ok := s.matches[key]
	if ok {
		m.ID = existing.ID
		m.NotifiedAt = existing.NotifiedAt
		m.UpdatedAt = existing.UpdatedAt
	}
	if !ok || existing.Score != m.Score || existing.Tier != m.Tier {
		s.revision++
		m.UpdatedAt = time.Unix(s.revision, 0)
	}
	cp := *m
	s.matches[key] = &cp
	return nil
}

func (s *memoryStores) DeleteMatch(_ context.Context, listingID, watchID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.matches, matchKey{listingID, watchID})
	return nil
}

func (s *memoryStores) FindUnnotified(_ context.Context, userID int64, deliveries []matching.Delivery) ([]pipeline.DigestItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := make(map[matching.Delivery]bool, len(deliveries))
	for _, d := range deliveries {
		due[d] = true
	}
	watches := make(map[int64]matching.Watch)
	for _, w := range s.watches {
		if w.Active && w.UserID == userID && due[w.Delivery] {
			watches[w.ID] = w
		}
	}

	var items []pipeline.DigestItem
	for _, m := range s.matches {
		w, ok := watches[m.WatchID]
		if !ok || m.NotifiedAt != nil {
			continue
		}
		l := s.listings[m.ListingID]
		items = append(items, pipeline.DigestItem{
			MatchID:   m.ID,
			ListingID: m.ListingID,
			WatchID:   m.WatchID,
			WatchName: w.Name,
			Score:     m.Score,
			Tier:      m.Tier,
			Reasoning: m.Reasoning,
			Title:     l.Title,
			Source:    l.Source,
			Value:     l.ValueString(),
			URL:       l.SourceURL,
			UpdatedAt: m.UpdatedAt,
		})
	}
	return items, nil
}

func (s *memoryStores) MarkNotified(_ context.Context, seen []pipeline.MatchVersion, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markNotifiedErr != nil {
		return s.markNotifiedErr
	}
	wanted := make(map[int64]time.Time, len(seen))
	for _, v := range seen {
		wanted[v.ID] = v.UpdatedAt
	}
	for _, m := range s.matches {
		version, ok := wanted[m.ID]
		if ok && m.NotifiedAt == nil && !m.UpdatedAt.After(version) {
			stamp := at
			m.NotifiedAt = &stamp
		}
	}
	return nil
}

func (s *memoryStores) ListRecipients(context.Context) ([]pipeline.Recipient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]pipeline.Recipient(nil), s.recipients...), nil
}

func (s *memoryStores) allMatches() []pipeline.Match {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]pipeline.Match, 0, len(s.matches))
	for _, m := range s.matches {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WatchID < out[j].WatchID })
	return out
}

// fakeAdapter serves canned stubs and details. Hooks run before the canned answer.
type fakeAdapter struct {
	site    tender.Site
	login   portal.LoginResult
	stubs   []tender.Stub
	details map[string]*tender.Listing

	loginFn  func(ctx context.Context) error
	searchFn func(ctx context.Context) error
	detailFn func(ctx context.Context, id string) error

	loggedOut atomic.Int32
}

func (a *fakeAdapter) Site() tender.Site { return a.site }

func (a *fakeAdapter) Login(ctx context.Context, _, _ string) (portal.LoginResult, error) {
	if a.loginFn != nil {
		if err := a.loginFn(ctx); err != nil {
			return portal.LoginResult{}, err
		}
	}
	return a.login, nil
}

func (a *fakeAdapter) IsLoggedIn(context.Context) bool { return a.login.Success }

func (a *fakeAdapter) Search(ctx context.Context, _ tender.SearchParams) ([]tender.Stub, error) {
	if a.searchFn != nil {
		if err := a.searchFn(ctx); err != nil {
			return nil, err
		}
	}
	return a.stubs, nil
}

func (a *fakeAdapter) FetchDetail(ctx context.Context, id string) (*tender.Listing, error) {
	if a.detailFn != nil {
		if err := a.detailFn(ctx, id); err != nil {
			return nil, err
		}
	}
	l, ok := a.details[id]
	if !ok {
		return nil, errors.New("detail page missing")
	}
	cp := *l
	return &cp, nil
}

func (a *fakeAdapter) DownloadDocument(context.Context, string) ([]byte, error) { return nil, nil }

func (a *fakeAdapter) Logout(context.Context) { a.loggedOut.Add(1) }

type fakeSession struct{ closed atomic.Int32 }

func (s *fakeSession) Navigate(context.Context, string) error          { return nil }
func (s *fakeSession) WaitVisible(context.Context, string) error       { return nil }
func (s *fakeSession) SetValue(context.Context, string, string) error  { return nil }
func (s *fakeSession) Click(context.Context, string) error             { return nil }
func (s *fakeSession) HTML(context.Context) (string, error)            { return "", nil }
func (s *fakeSession) Location(context.Context) (string, error)        { return "", nil }
func (s *fakeSession) Cookies(context.Context) ([]*http.Cookie, error) { return nil, nil }
func (s *fakeSession) Fetch(context.Context, string) ([]byte, error)   { return nil, nil }

func (s *fakeSession) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeProvisioner struct {
	mu       sync.Mutex
	sessions []*fakeSession
	err      error
}

func (p *fakeProvisioner) Provision(context.Context, tender.Site) (portal.ClosableSession, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	s := &fakeSession{}
	p.sessions = append(p.sessions, s)
	return s, nil
}

func (p *fakeProvisioner) allClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.sessions {
		if s.closed.Load() != 1 {
			return false
		}
	}
	return true
}

type fakeOpener struct{ err error }

func (o fakeOpener) Open(string) (secrets.Credentials, error) {
	if o.err != nil {
		return secrets.Credentials{}, o.err
	}
	return secrets.Credentials{Username: "buyer@example.com", Password: "hunter2"}, nil
}

type fakeEnqueuer struct {
	mu  sync.Mutex
	ids []int64
	err error
}

func (e *fakeEnqueuer) EnqueueProcessListing(_ context.Context, id int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.ids = append(e.ids, id)
	return nil
}

func (e *fakeEnqueuer) enqueued() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int64(nil), e.ids...)
}

// fakeNotifier records digests. onNotify runs after a successful hand-off.
type fakeNotifier struct {
	mu       sync.Mutex
	digests  []pipeline.Digest
	failFor  map[int64]error
	onNotify func(d pipeline.Digest)
}

func (n *fakeNotifier) Notify(_ context.Context, d pipeline.Digest) error {
	n.mu.Lock()
	if err := n.failFor[d.UserID]; err != nil {
		n.mu.Unlock()
		return err
	}
	n.digests = append(n.digests, d)
	hook := n.onNotify
	n.mu.Unlock()

	if hook != nil {
		hook(d)
	}
	return nil
}

func (n *fakeNotifier) sent() []pipeline.Digest {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]pipeline.Digest(nil), n.digests...)
}

type fakeSummarizer struct{ err error }

func (s fakeSummarizer) Summarize(_ context.Context, l *tender.Listing, w matching.Watch) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return string(w.DetailLevel) + ": " + l.Title, nil
}

type sequenceIDs struct{ next atomic.Int64 }

func (s *sequenceIDs) NewID() (int64, error) {
	return s.next.Add(1) + 1000, nil
}

func ptr(v int64) *int64 { return &v }
