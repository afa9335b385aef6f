// Package browser drives a headless Chrome through rod. It renders the
// search surface, scrolls it for more results, visits pin pages, and reads
// the identity (cookies and user agent) the site hands a real browser.
package browser

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
	"pinscraper/pkg/auth"
	"pinscraper/pkg/config"
	pinerrors "pinscraper/pkg/errors"
	"pinscraper/pkg/logger"
	"pinscraper/pkg/models"
	"pinscraper/pkg/retry"
)

const scrollScript = `() => { window.scrollBy(0, Math.max(window.innerHeight, 800) * 2); return document.body.scrollHeight; }`

// Driver is a lazily launched Chrome instance with one long-lived search
// tab and one reusable detail tab. Calls are serialized.
type Driver struct {
	site   config.SiteConfig
	cfg    config.BrowserConfig
	logger logger.Logger

	mu       sync.Mutex
	launcher *launcher.Launcher
	browser  *rod.Browser
	search   *rod.Page
	detail   *rod.Page
	closed   bool
}

// New creates a driver. Chrome is not started until the first call.
func New(site config.SiteConfig, cfg config.BrowserConfig, log logger.Logger) *Driver {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if site.BaseURL == "" {
		site.BaseURL = "https://www.pinterest.com"
	}
	if site.UserAgent == "" {
		site.UserAgent = config.DefaultUserAgent
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	return &Driver{site: site, cfg: cfg, logger: log.WithField("component", "browser")}
}

// SearchURL builds the pin search URL for query
func SearchURL(baseURL, query string) string {
	return strings.TrimRight(baseURL, "/") + "/search/pins/?q=" + url.QueryEscape(query) + "&rs=typed"
}

// PinURL builds the detail page URL for a pin id
func PinURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/pin/" + url.PathEscape(id) + "/"
}

// URLQueryPrefix marks store keys that name a board or user URL rather
// than a search term.
const URLQueryPrefix = "url:"

// SourceKey validates raw as a board or user page on the site at baseURL
// and returns the key its pins are stored under: URLQueryPrefix followed
// by the page path. Query strings and fragments are ignored.
func SourceKey(baseURL, raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("url %q must be http or https", raw)
	}
	if base, err := url.Parse(baseURL); err == nil && base.Hostname() != "" {
		domain := strings.TrimPrefix(base.Hostname(), "www.")
		host := u.Hostname()
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			return "", fmt.Errorf("url %q is not on %s", raw, domain)
		}
	}
	path := strings.Trim(u.Path, "/")
	if path == "" {
		return "", fmt.Errorf("url %q has no board or user path", raw)
	}
	return URLQueryPrefix + path, nil
}

// Render opens target in the search tab and returns its content.
func (d *Driver) Render(ctx context.Context, target string) (models.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureBrowser(ctx); err != nil {
		return models.Page{}, err
	}
	if d.search == nil {
		page, err := d.newPage()
		if err != nil {
			return models.Page{}, pinerrors.FatalNavigation("render", err)
		}
		d.search = page
	}
	return d.navigate(ctx, d.search, "render", target)
}

// Scroll advances the search tab by one step and returns the whole
// document; the parser and dedup index sort out what is new.
func (d *Driver) Scroll(ctx context.Context) (models.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.search == nil {
		return models.Page{}, pinerrors.FatalNavigation("scroll", fmt.Errorf("no page rendered"))
	}

	page, cancel := d.bounded(ctx, d.search)
	defer cancel()
	if _, err := page.Eval(scrollScript); err != nil {
		return models.Page{}, classify(ctx, "scroll", err)
	}
	if err := retry.Wait(ctx, d.cfg.ScrollPause); err != nil {
		return models.Page{}, err
	}
	return d.snapshot(ctx, d.search, "scroll")
}

// Visit loads the detail page for id in the detail tab.
func (d *Driver) Visit(ctx context.Context, id string) (models.Page, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureBrowser(ctx); err != nil {
		return models.Page{}, err
	}
	if d.detail == nil {
		page, err := d.newPage()
		if err != nil {
			return models.Page{}, pinerrors.FatalNavigation("visit", err)
		}
		d.detail = page
	}
	return d.navigate(ctx, d.detail, "visit", PinURL(d.site.BaseURL, id))
}

// AcquireIdentity visits the site root and reads the cookies and user
// agent the browser ended up with.
func (d *Driver) AcquireIdentity(ctx context.Context) (*auth.Identity, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.ensureBrowser(ctx); err != nil {
		return nil, err
	}
	page, err := d.newPage()
	if err != nil {
		return nil, pinerrors.FatalNavigation("identity", err)
	}
	defer page.Close()

	if _, err := d.navigate(ctx, page, "identity", d.site.BaseURL); err != nil {
		return nil, err
	}

	p, cancel := d.bounded(ctx, page)
	defer cancel()
	cookies, err := p.Cookies(nil)
	if err != nil {
		return nil, classify(ctx, "identity", err)
	}
	ua := d.site.UserAgent
	if res, err := p.Eval(`() => navigator.userAgent`); err == nil && res.Value.Str() != "" {
		ua = res.Value.Str()
	}

	return &auth.Identity{
		UserAgent:  ua,
		Cookies:    convertCookies(cookies),
		Headers:    map[string]string{"Referer": strings.TrimRight(d.site.BaseURL, "/") + "/"},
		AcquiredAt: time.Now(),
		Source:     auth.SourceBrowser,
	}, nil
}

// Close shuts down Chrome. Safe to call more than once.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true

	var err error
	if d.browser != nil {
		err = d.browser.Close()
		d.browser = nil
	}
	if d.launcher != nil {
		d.launcher.Kill()
		d.launcher.Cleanup()
		d.launcher = nil
	}
	d.search, d.detail = nil, nil
	d.logger.Debug("Browser closed")
	return err
}

func (d *Driver) ensureBrowser(ctx context.Context) error {
	if d.closed {
		return pinerrors.FatalNavigation("launch", fmt.Errorf("driver closed"))
	}
	if d.browser != nil {
		return nil
	}

	l := launcher.New().
		Headless(d.cfg.Headless).
		Set("disable-blink-features", "AutomationControlled")
	if d.cfg.Bin != "" {
		l = l.Bin(d.cfg.Bin)
	}
	if d.cfg.Proxy != "" {
		l = l.Proxy(d.cfg.Proxy)
	}

	controlURL, err := l.Launch()
	if err != nil {
		return pinerrors.FatalNavigation("launch", fmt.Errorf("browser launch: %w", err))
	}

	b := rod.New().ControlURL(controlURL).Context(context.WithoutCancel(ctx))
	if err := b.Connect(); err != nil {
		l.Kill()
		return pinerrors.FatalNavigation("launch", fmt.Errorf("browser connect: %w", err))
	}

	d.launcher = l
	d.browser = b
	d.logger.InfoWithFields("Browser launched", map[string]interface{}{
		"headless": d.cfg.Headless,
		"stealth":  d.cfg.Stealth,
		"proxy":    d.cfg.Proxy != "",
	})
	return nil
}

func (d *Driver) newPage() (*rod.Page, error) {
	var (
		page *rod.Page
		err  error
	)
	if d.cfg.Stealth {
		page, err = stealth.Page(d.browser)
	} else {
		page, err = d.browser.Page(proto.TargetCreateTarget{})
	}
	if err != nil {
		return nil, fmt.Errorf("create tab: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: d.site.UserAgent}); err != nil {
		d.logger.WithError(err).Warn("Failed to set user agent")
	}
	return page, nil
}

func (d *Driver) navigate(ctx context.Context, page *rod.Page, op, target string) (models.Page, error) {
	start := time.Now()
	p, cancel := d.bounded(ctx, page)
	defer cancel()
	if err := p.Navigate(target); err != nil {
		return models.Page{}, classify(ctx, op, err)
	}
	if err := p.WaitLoad(); err != nil {
		d.logger.WithError(err).WithField("url", target).Warn("Page load wait failed")
	}
	if err := retry.Wait(ctx, d.cfg.ScrollPause); err != nil {
		return models.Page{}, err
	}
	logger.LogRequest(d.logger, http.MethodGet, target, http.StatusOK, time.Since(start))
	return d.snapshot(ctx, page, op)
}

func (d *Driver) snapshot(ctx context.Context, page *rod.Page, op string) (models.Page, error) {
	p, cancel := d.bounded(ctx, page)
	defer cancel()
	html, err := p.HTML()
	if err != nil {
		return models.Page{}, classify(ctx, op, err)
	}
	info, err := p.Info()
	target := ""
	if err == nil && info != nil {
		target = info.URL
	}
	return models.Page{URL: target, HTML: html, FetchedAt: time.Now()}, nil
}

// bounded returns page bound to ctx and the page timeout. The cancel func
// must be called once the calls on the returned page are done.
func (d *Driver) bounded(ctx context.Context, page *rod.Page) (*rod.Page, context.CancelFunc) {
	if d.cfg.PageTimeout <= 0 {
		return page.Context(ctx), func() {}
	}
	tctx, cancel := context.WithTimeout(ctx, d.cfg.PageTimeout)
	return page.Context(tctx), cancel
}

func convertCookies(in []*proto.NetworkCookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		if c == nil || c.Name == "" {
			continue
		}
		ck := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			ck.Expires = time.Unix(int64(c.Expires), 0).UTC()
		}
		out = append(out, ck)
	}
	return out
}
