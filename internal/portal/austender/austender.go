// Package austender drives the Commonwealth AusTender portal through a browser session.
package austender

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dennissolver/tenderwatch/internal/portal"
	"github.com/dennissolver/tenderwatch/internal/tender"
	"github.com/dennissolver/tenderwatch/internal/utils"
)

const (
	selEmail        = "#Email"
	selPassword     = "#Password"
	selSubmit       = `button[type="submit"]`
	selLoginError   = ".validation-summary-errors"
	selLogout       = `a[href*="Logout"]`
	selKeywords     = "#Keywords"
	selSearchButton = "#SearchButton"
	selResults      = ".search-results"

	loginPath  = "/Account/Login"
	searchPath = "/Search/TenderSearch"
	detailPath = "/ATM/Show/"

	defaultLoginFailure = "Login failed"
)

// Config tunes pacing and timeouts.
type Config struct {
	BaseURL           string        `mapstructure:"base-url"`
	NavigationTimeout time.Duration `mapstructure:"navigation-timeout"`
	ResultsTimeout    time.Duration `mapstructure:"results-timeout"`
	SettleDelay       time.Duration `mapstructure:"settle-delay"`
	RequestsPerMinute int           `mapstructure:"requests-per-minute"`
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		info, _ := tender.SiteAusTender.Info()
		c.BaseURL = info.URL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.NavigationTimeout <= 0 {
		c.NavigationTimeout = 30 * time.Second
	}
	if c.ResultsTimeout <= 0 {
		c.ResultsTimeout = 30 * time.Second
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 20
	}
	return c
}

// Adapter is the AusTender connector.
type Adapter struct {
	session portal.Session
	cfg     Config
	limiter *rate.Limiter
	logger  *zap.Logger
}

// New returns a registry constructor for AusTender. The limiter is shared by
// every adapter the constructor builds so the portal sees one request budget.
func New(cfg Config, logger *zap.Logger) portal.Constructor {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	limiter := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)

	return func(session portal.Session) (portal.Adapter, error) {
		if session == nil {
			return nil, errors.New("austender: session is required")
		}
		return &Adapter{
			session: session,
			cfg:     cfg,
			limiter: limiter,
			logger:  logger.With(zap.String("site", string(tender.SiteAusTender))),
		}, nil
	}
}

func (a *Adapter) Site() tender.Site {
	return tender.SiteAusTender
}

func (a *Adapter) Login(ctx context.Context, username, password string) (portal.LoginResult, error) {
	if err := a.navigate(ctx, a.cfg.BaseURL+loginPath); err != nil {
		return portal.LoginResult{}, err
	}

	if a.IsLoggedIn(ctx) {
		a.logger.Debug("session already authenticated")
		return a.loggedIn(ctx)
	}

	err := a.bounded(ctx, a.cfg.NavigationTimeout, func(ctx context.Context) error {
		if err := a.session.WaitVisible(ctx, selEmail); err != nil {
			return fmt.Errorf("waiting for login form: %w", err)
		}
		if err := a.session.SetValue(ctx, selEmail, username); err != nil {
			return fmt.Errorf("filling email: %w", err)
		}
		if err := a.session.SetValue(ctx, selPassword, password); err != nil {
			return fmt.Errorf("filling password: %w", err)
		}
		return a.session.Click(ctx, selSubmit)
	})
	if err != nil {
		return portal.LoginResult{}, err
	}

	if err := utils.WaitFor(ctx, a.cfg.SettleDelay); err != nil {
		return portal.LoginResult{}, err
	}

	if a.IsLoggedIn(ctx) {
		a.logger.Info("logged in")
		return a.loggedIn(ctx)
	}

	message := defaultLoginFailure
	if html, err := a.html(ctx); err == nil {
		if text := loginError(html); text != "" {
			message = text
		}
	}
	a.logger.Warn("login rejected", zap.String("reason", utils.TruncateForLog(message, 200)))

	return portal.LoginResult{Success: false, Message: message}, nil
}

func (a *Adapter) loggedIn(ctx context.Context) (portal.LoginResult, error) {
	cookies, err := a.session.Cookies(ctx)
	if err != nil {
		a.logger.Debug("reading session cookies failed", zap.Error(err))
	}
	return portal.LoginResult{Success: true, Cookies: cookies}, nil
}

func (a *Adapter) IsLoggedIn(ctx context.Context) bool {
	html, err := a.html(ctx)
	if err != nil {
		return false
	}
	return hasLogoutLink(html)
}

// Search honours only Keywords. The portal's keyword box matches every word it
// is given, so each keyword is searched on its own and the results are merged
// by source id. Regions, categories, value bounds and dates are left to the
// scoring engine.
func (a *Adapter) Search(ctx context.Context, params tender.SearchParams) ([]tender.Stub, error) {
	if len(params.Regions) > 0 || len(params.Categories) > 0 || params.ValueMin != nil ||
		params.ValueMax != nil || params.PublishedAfter != nil || params.ClosingAfter != nil {
		a.logger.Debug("search filters not supported by the portal are ignored",
			zap.Strings("regions", params.Regions),
			zap.Strings("categories", params.Categories))
	}

	keywords := utils.UniqueFold(params.Keywords)
	if len(keywords) == 0 {
		keywords = []string{""}
	}

	var (
		stubs []tender.Stub
		seen  = make(map[string]struct{})
	)
	for _, keyword := range keywords {
		found, err := a.searchOnce(ctx, keyword)
		if err != nil {
			return nil, err
		}
		for _, stub := range found {
			if _, dup := seen[stub.SourceID]; dup {
				continue
			}
			seen[stub.SourceID] = struct{}{}
			stubs = append(stubs, stub)
		}
	}

	a.logger.Info("search complete", zap.Int("results", len(stubs)), zap.Int("searches", len(keywords)))
	return stubs, nil
}

func (a *Adapter) searchOnce(ctx context.Context, keyword string) ([]tender.Stub, error) {
	if err := a.navigate(ctx, a.cfg.BaseURL+searchPath); err != nil {
		return nil, err
	}

	err := a.bounded(ctx, a.cfg.ResultsTimeout, func(ctx context.Context) error {
		if keyword != "" {
			if err := a.session.SetValue(ctx, selKeywords, keyword); err != nil {
				return fmt.Errorf("filling keywords: %w", err)
			}
		}
		if err := a.session.Click(ctx, selSearchButton); err != nil {
			return fmt.Errorf("submitting search: %w", err)
		}
		if err := a.session.WaitVisible(ctx, selResults); err != nil {
			return fmt.Errorf("waiting for results: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	html, err := a.html(ctx)
	if err != nil {
		return nil, err
	}

	stubs, skipped, err := parseSearchResults(html, a.cfg.BaseURL)
	if err != nil {
		return nil, err
	}
	for _, reason := range skipped {
		a.logger.Warn("skipping search row", zap.String("keyword", keyword), zap.String("reason", reason))
	}
	return stubs, nil
}

func (a *Adapter) FetchDetail(ctx context.Context, sourceID string) (*tender.Listing, error) {
	sourceID = strings.TrimSpace(sourceID)
	if sourceID == "" {
		return nil, errors.New("austender: empty source id")
	}

	if err := a.navigate(ctx, a.cfg.BaseURL+detailPath+url.PathEscape(sourceID)); err != nil {
		return nil, err
	}

	html, err := a.html(ctx)
	if err != nil {
		return nil, err
	}

	location, err := a.session.Location(ctx)
	if err != nil || location == "" {
		location = a.cfg.BaseURL + detailPath + sourceID
	}

	listing, err := parseDetail(html, a.cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", sourceID, err)
	}
	listing.SourceID = sourceID
	listing.SourceURL = location

	return listing, nil
}

func (a *Adapter) DownloadDocument(ctx context.Context, rawURL string) ([]byte, error) {
	target, err := a.absolute(rawURL)
	if err != nil {
		return nil, err
	}
	if err := a.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	var body []byte
	err = a.bounded(ctx, a.cfg.NavigationTimeout, func(ctx context.Context) error {
		var err error
		body, err = a.session.Fetch(ctx, target)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", target, err)
	}
	return body, nil
}

func (a *Adapter) Logout(ctx context.Context) {
	err := a.bounded(ctx, a.cfg.NavigationTimeout, func(ctx context.Context) error {
		return a.session.Click(ctx, selLogout)
	})
	if err != nil {
		a.logger.Debug("logout failed", zap.Error(err))
		return
	}
	_ = utils.WaitFor(ctx, a.cfg.SettleDelay)
}

func (a *Adapter) navigate(ctx context.Context, target string) error {
	if err := a.limiter.Wait(ctx); err != nil {
		return err
	}

	a.logger.Debug("navigating", zap.String("url", target))
	err := a.bounded(ctx, a.cfg.NavigationTimeout, func(ctx context.Context) error {
		return a.session.Navigate(ctx, target)
	})
	if err != nil {
		return fmt.Errorf("navigating to %s: %w", target, err)
	}
	return nil
}

func (a *Adapter) html(ctx context.Context) (string, error) {
	var html string
	err := a.bounded(ctx, a.cfg.NavigationTimeout, func(ctx context.Context) error {
		var err error
		html, err = a.session.HTML(ctx)
		return err
	})
	return html, err
}

// bounded runs fn under timeout and reports an exceeded budget as portal.ErrTimeout.
func (a *Adapter) bounded(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s: %v", portal.ErrTimeout, timeout, err)
	}
	return err
}

func (a *Adapter) absolute(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("austender: empty document url")
	}
	return resolveURL(a.cfg.BaseURL, raw)
}
