// Package browser provisions Chrome DevTools sessions for portal adapters.
package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/portal"
	"github.com/dennissolver/tenderwatch/internal/tender"
)

const maxDocumentBytes = 64 << 20

// Config selects between a remote browser endpoint and a local headless Chrome.
type Config struct {
	// RemoteURL is a DevTools websocket endpoint. Empty starts a local browser.
	RemoteURL      string        `mapstructure:"remote-url"`
	Headless       bool          `mapstructure:"headless"`
	UserAgent      string        `mapstructure:"user-agent"`
	StartupTimeout time.Duration `mapstructure:"startup-timeout"`
}

// Provisioner opens one browser tab per sync.
type Provisioner struct {
	cfg    Config
	logger *zap.Logger
}

func NewProvisioner(cfg Config, logger *zap.Logger) *Provisioner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 30 * time.Second
	}
	return &Provisioner{cfg: cfg, logger: logger}
}

// Provision starts a session. The session outlives ctx cancellation and must be
// released with Close.
func (p *Provisioner) Provision(ctx context.Context, site tender.Site) (portal.ClosableSession, error) {
	base := context.WithoutCancel(ctx)

	var (
		allocCtx    context.Context
		cancelAlloc context.CancelFunc
	)
	if p.cfg.RemoteURL != "" {
		allocCtx, cancelAlloc = chromedp.NewRemoteAllocator(base, p.cfg.RemoteURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Flag("headless", p.cfg.Headless))
		if p.cfg.UserAgent != "" {
			opts = append(opts, chromedp.UserAgent(p.cfg.UserAgent))
		}
		allocCtx, cancelAlloc = chromedp.NewExecAllocator(base, opts...)
	}

	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	release := func() {
		cancelTab()
		cancelAlloc()
	}

	// The first Run binds the browser to tabCtx, so startup is bounded from
	// outside rather than through a derived deadline.
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(tabCtx) }()

	timer := time.NewTimer(p.cfg.StartupTimeout)
	defer timer.Stop()

	select {
	case err := <-started:
		if err != nil {
			release()
			return nil, fmt.Errorf("starting browser for %s: %w", site, err)
		}
	case <-timer.C:
		release()
		return nil, fmt.Errorf("starting browser for %s: %w after %s", site, portal.ErrTimeout, p.cfg.StartupTimeout)
	case <-ctx.Done():
		release()
		return nil, ctx.Err()
	}

	p.logger.Debug("browser session started", zap.String("site", string(site)), zap.Bool("remote", p.cfg.RemoteURL != ""))

	return &Session{
		ctx:    tabCtx,
		close:  release,
		client: &http.Client{Timeout: 2 * time.Minute},
	}, nil
}

// Session is one browser tab.
type Session struct {
	ctx    context.Context
	close  func()
	client *http.Client
}

// run executes actions on the tab while honouring the caller's ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return err
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *Session) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *Session) SetValue(ctx context.Context, selector, value string) error {
	return s.run(ctx, chromedp.SetValue(selector, value, chromedp.ByQuery))
}

func (s *Session) Click(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.Click(selector, chromedp.ByQuery))
}

func (s *Session) HTML(ctx context.Context) (string, error) {
	var html string
	err := s.run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery))
	return html, err
}

func (s *Session) Location(ctx context.Context) (string, error) {
	var location string
	err := s.run(ctx, chromedp.Location(&location))
	return location, err
}

func (s *Session) Cookies(ctx context.Context) ([]*http.Cookie, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	return toHTTPCookies(cookies), nil
}

// Fetch downloads url outside the tab, carrying the tab's cookies.
func (s *Session) Fetch(ctx context.Context, url string) ([]byte, error) {
	cookies, err := s.Cookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading cookies: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d for %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentBytes+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxDocumentBytes {
		return nil, errors.New("document exceeds size limit")
	}
	return body, nil
}

func (s *Session) Close() error {
	s.close()
	return nil
}

func toHTTPCookies(in []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil {
			continue
		}
		cookie := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			cookie.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, cookie)
	}
	return out
}
