// Package feed connects portals that publish open opportunities as an RSS or
// Atom feed. Feeds are public, so login is a no-op and the browser session is
// only used to download documents.
package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/mmcdole/gofeed"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dennissolver/tenderwatch/internal/portal"
	"github.com/dennissolver/tenderwatch/internal/tender"
	"github.com/dennissolver/tenderwatch/internal/utils"
)

// Config points the adapter at a feed.
type Config struct {
	URL               string        `mapstructure:"url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	UserAgent         string        `mapstructure:"user-agent"`
	RequestsPerMinute int           `mapstructure:"requests-per-minute"`
}

// Adapter reads listings from a portal feed.
type Adapter struct {
	site    tender.Site
	cfg     Config
	session portal.Session
	parser  *gofeed.Parser
	limiter *rate.Limiter
	logger  *zap.Logger

	mu    sync.Mutex
	items map[string]*gofeed.Item
}

// New returns a registry constructor for a feed-backed site.
func New(site tender.Site, cfg Config, logger *zap.Logger) portal.Constructor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 30
	}
	if strings.TrimSpace(cfg.UserAgent) == "" {
		cfg.UserAgent = "tenderwatch/1.0"
	}
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)

	return func(session portal.Session) (portal.Adapter, error) {
		if strings.TrimSpace(cfg.URL) == "" {
			return nil, fmt.Errorf("%s: feed url is not configured", site)
		}

		parser := gofeed.NewParser()
		parser.UserAgent = cfg.UserAgent
		parser.Client = &http.Client{Timeout: cfg.Timeout}

		return &Adapter{
			site:    site,
			cfg:     cfg,
			session: session,
			parser:  parser,
			limiter: limiter,
			logger:  logger.With(zap.String("site", string(site))),
			items:   make(map[string]*gofeed.Item),
		}, nil
	}
}

func (a *Adapter) Site() tender.Site {
	return a.site
}

func (a *Adapter) Login(context.Context, string, string) (portal.LoginResult, error) {
	return portal.LoginResult{Success: true}, nil
}

func (a *Adapter) IsLoggedIn(context.Context) bool {
	return true
}

// Search returns feed items matching any keyword. Without keywords every item is returned.
func (a *Adapter) Search(ctx context.Context, params tender.SearchParams) ([]tender.Stub, error) {
	items, err := a.fetch(ctx)
	if err != nil {
		return nil, err
	}

	keywords := make([]string, 0, len(params.Keywords))
	for _, k := range utils.UniqueFold(params.Keywords) {
		keywords = append(keywords, strings.ToLower(k))
	}

	stubs := make([]tender.Stub, 0, len(items))
	for _, item := range items {
		id := sourceID(item)
		if id == "" || strings.TrimSpace(item.Title) == "" {
			a.logger.Warn("skipping feed item without identity", zap.String("title", utils.TruncateForLog(item.Title, 80)))
			continue
		}
		if !matchesAny(item, keywords) {
			continue
		}

		stub := tender.Stub{
			SourceID: id,
			Title:    utils.CollapseSpace(item.Title),
			URL:      item.Link,
		}
		if item.Author != nil {
			stub.BuyerOrg = strings.TrimSpace(item.Author.Name)
		}
		stubs = append(stubs, stub)
	}

	a.logger.Info("feed search complete", zap.Int("items", len(items)), zap.Int("results", len(stubs)))
	return stubs, nil
}

func (a *Adapter) FetchDetail(ctx context.Context, id string) (*tender.Listing, error) {
	item, ok := a.cached(id)
	if !ok {
		if _, err := a.fetch(ctx); err != nil {
			return nil, err
		}
		if item, ok = a.cached(id); !ok {
			return nil, fmt.Errorf("%s: listing %q not in feed", a.site, id)
		}
	}

	listing := &tender.Listing{
		Source:      a.site,
		SourceID:    id,
		Title:       utils.CollapseSpace(item.Title),
		Description: plainText(item.Description),
		FullText:    plainText(item.Content),
		Categories:  utils.UniqueFold(item.Categories),
		SourceURL:   item.Link,
	}
	if item.Author != nil {
		listing.BuyerOrg = strings.TrimSpace(item.Author.Name)
	}
	if item.PublishedParsed != nil {
		published := *item.PublishedParsed
		listing.PublishedAt = &published
	}
	for _, enc := range item.Enclosures {
		if enc != nil && strings.TrimSpace(enc.URL) != "" {
			listing.DocumentURLs = append(listing.DocumentURLs, enc.URL)
		}
	}

	return listing, nil
}

func (a *Adapter) DownloadDocument(ctx context.Context, url string) ([]byte, error) {
	if a.session == nil {
		return nil, errors.New("document download needs a session")
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	body, err := a.session.Fetch(ctx, url)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %v", portal.ErrTimeout, err)
		}
		return nil, err
	}
	return body, nil
}

func (a *Adapter) Logout(context.Context) {}

func (a *Adapter) fetch(ctx context.Context) ([]*gofeed.Item, error) {
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	parsed, err := a.parser.ParseURLWithContext(a.cfg.URL, ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: reading feed: %v", portal.ErrTimeout, err)
		}
		return nil, fmt.Errorf("reading feed %s: %w", a.cfg.URL, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, item := range parsed.Items {
		if id := sourceID(item); id != "" {
			a.items[id] = item
		}
	}
	return parsed.Items, nil
}

func (a *Adapter) cached(id string) (*gofeed.Item, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	item, ok := a.items[id]
	return item, ok
}

// sourceID prefers the feed GUID and falls back to the last path segment of the link.
func sourceID(item *gofeed.Item) string {
	if item == nil {
		return ""
	}
	if id := strings.TrimSpace(item.GUID); id != "" {
		return id
	}
	link := strings.TrimRight(strings.TrimSpace(item.Link), "/")
	if link == "" {
		return ""
	}
	return path.Base(link)
}

func matchesAny(item *gofeed.Item, keywords []string) bool {
	if len(keywords) == 0 {
		return true
	}
	text := strings.ToLower(item.Title + " " + item.Description + " " + item.Content)
	for _, k := range keywords {
		if strings.Contains(text, k) {
			return true
		}
	}
	return false
}

// plainText strips markup that feeds commonly embed in descriptions.
func plainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" || !strings.Contains(s, "<") {
		return s
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return s
	}
	return utils.CollapseSpace(doc.Text())
}
