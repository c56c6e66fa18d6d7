package pagesource

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hazyhaar/satlens/annotate"
)

const maxRedirects = 5

// Fetcher performs plain HTTP GETs. No JavaScript runs, so the frame is
// always top-level.
type Fetcher struct {
	client       *http.Client
	ua           string
	logger       *slog.Logger
	allowPrivate bool
	validate     func(string) error
}

// FetchOption configures a Fetcher.
type FetchOption func(*Fetcher)

// WithClient sets the HTTP client.
func WithClient(c *http.Client) FetchOption {
	return func(f *Fetcher) { f.client = c }
}

// WithUserAgent sets the User-Agent header.
func WithUserAgent(ua string) FetchOption {
	return func(f *Fetcher) { f.ua = ua }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) FetchOption {
	return func(f *Fetcher) { f.logger = l }
}

// WithAllowPrivate lets the fetcher reach loopback and private addresses.
// Only for trusted callers such as the CLI.
func WithAllowPrivate() FetchOption {
	return func(f *Fetcher) { f.allowPrivate = true }
}

// NewFetcher creates a Fetcher with a 30s timeout. Every redirect hop is
// validated like the first URL, and at most five are followed.
func NewFetcher(opts ...FetchOption) *Fetcher {
	f := &Fetcher{
		client:   &http.Client{Timeout: 30 * time.Second},
		ua:       "Mozilla/5.0 (compatible; satlens/1.0)",
		logger:   slog.Default(),
		validate: CheckURL,
	}
	for _, o := range opts {
		o(f)
	}
	c := *f.client
	c.CheckRedirect = f.checkRedirect
	f.client = &c
	return f
}

func (f *Fetcher) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("pagesource: too many redirects (%d)", len(via))
	}
	if !f.allowPrivate {
		if err := f.validate(req.URL.String()); err != nil {
			return fmt.Errorf("pagesource: redirect blocked: %w", err)
		}
	}
	return nil
}

// Fetch GETs pageURL. The response's Content-Security-Policy headers go
// into the frame context.
func (f *Fetcher) Fetch(ctx context.Context, pageURL string) (*Page, error) {
	if !f.allowPrivate {
		if err := f.validate(pageURL); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("pagesource: new request: %w", err)
	}
	req.Header.Set("User-Agent", f.ua)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pagesource: do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("pagesource: %s: status %d", pageURL, resp.StatusCode)
	}

	body, err := readLimited(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("pagesource: read body: %w", err)
	}

	page, err := parse(body, pageURL, &annotate.FrameContext{
		URL: pageURL,
		CSP: resp.Header.Values("Content-Security-Policy"),
	})
	if err != nil {
		return nil, err
	}
	f.logger.Debug("pagesource: fetched",
		"url", pageURL, "status", resp.StatusCode, "size", len(body), "sufficient", page.Sufficient())
	return page, nil
}
