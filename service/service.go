// Package service exposes the annotation engine to remote callers: one
// request carries a page (or a URL to fetch) and a rate, the response
// carries the annotated HTML and the scan result.
package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync/atomic"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/satlens/annotate"
	"github.com/hazyhaar/satlens/pagesource"
)

// ErrBadRequest marks errors caused by the caller's input.
var ErrBadRequest = errors.New("bad request")

// Frame lets a caller describe the browsing context the HTML came from.
type Frame struct {
	Embedded    bool     `json:"embedded"`
	CrossOrigin bool     `json:"cross_origin,omitempty"`
	Sandbox     *string  `json:"sandbox,omitempty"`
	CSP         []string `json:"csp,omitempty"`
	Width       int      `json:"width,omitempty"`
	Height      int      `json:"height,omitempty"`
}

// Request is one annotation call. Either HTML or URL must be set.
type Request struct {
	HTML     string  `json:"html,omitempty"`
	URL      string  `json:"url,omitempty"`
	Rate     float64 `json:"rate"`
	Fragment bool    `json:"fragment,omitempty"` // return only the body's content
	Sanitize bool    `json:"sanitize,omitempty"` // strip active content before scanning
	Render   bool    `json:"render,omitempty"`   // load URL in Chrome
	Frame    *Frame  `json:"frame,omitempty"`
}

// Response is the annotated document and what the scan did.
type Response struct {
	HTML   string              `json:"html"`
	Hash   string              `json:"hash,omitempty"`
	Result annotate.ScanResult `json:"result"`
}

// Service annotates documents. Each call gets its own engine; the
// configuration and stats recorder are shared.
type Service struct {
	cfg      atomic.Pointer[annotate.Config]
	logger   *slog.Logger
	recorder annotate.StatsRecorder
	fetcher  *pagesource.Fetcher
	renderer *pagesource.Renderer
	policy   *bluemonday.Policy
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithRecorder stores every scan result.
func WithRecorder(r annotate.StatsRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithFetcher enables URL requests.
func WithFetcher(f *pagesource.Fetcher) Option {
	return func(s *Service) { s.fetcher = f }
}

// WithRenderer enables rendered URL requests, and the fallback from a
// fetched page too thin to scan.
func WithRenderer(r *pagesource.Renderer) Option {
	return func(s *Service) { s.renderer = r }
}

// New creates a Service. A nil cfg uses the defaults.
func New(cfg *annotate.Config, opts ...Option) (*Service, error) {
	if cfg == nil {
		cfg = annotate.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	policy := bluemonday.UGCPolicy()
	policy.AllowStyling()
	policy.AllowAttrs("aria-hidden", "itemprop", "data-price").Globally()

	s := &Service{logger: slog.Default(), policy: policy}
	s.cfg.Store(cfg)
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// SetConfig swaps the configuration used by later calls. Calls in flight
// keep the one they started with.
func (s *Service) SetConfig(cfg *annotate.Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: nil config", ErrBadRequest)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.cfg.Store(cfg)
	return nil
}

// Annotate runs one scan and renders the result.
func (s *Service) Annotate(ctx context.Context, req *Request) (*Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: empty request", ErrBadRequest)
	}
	if req.Rate <= 0 || math.IsNaN(req.Rate) || math.IsInf(req.Rate, 0) {
		return nil, fmt.Errorf("%w: rate must be a positive number", ErrBadRequest)
	}

	page, err := s.load(ctx, req)
	if err != nil {
		return nil, err
	}
	if req.Frame != nil {
		applyFrame(page.Frame, req.Frame)
	}

	opts := []annotate.Option{
		annotate.WithLogger(s.logger),
		annotate.WithFrameContext(page.Frame),
	}
	if s.recorder != nil {
		opts = append(opts, annotate.WithStatsRecorder(s.recorder))
	}
	e, err := annotate.New(s.cfg.Load(), opts...)
	if err != nil {
		return nil, fmt.Errorf("service: engine: %w", err)
	}
	res := e.Scan(page.Root, req.Rate)

	var buf bytes.Buffer
	if err := renderTree(&buf, page.Root, req.Fragment); err != nil {
		return nil, fmt.Errorf("service: render: %w", err)
	}
	return &Response{HTML: buf.String(), Hash: page.Hash, Result: res}, nil
}

func (s *Service) load(ctx context.Context, req *Request) (*pagesource.Page, error) {
	switch {
	case req.HTML != "":
		src := req.HTML
		if req.Sanitize {
			src = s.policy.Sanitize(src)
		}
		return pagesource.Load(strings.NewReader(src), req.URL)
	case req.URL == "":
		return nil, fmt.Errorf("%w: html or url is required", ErrBadRequest)
	case req.Render:
		if s.renderer == nil {
			return nil, fmt.Errorf("%w: rendering is not enabled", ErrBadRequest)
		}
		return s.renderer.Render(ctx, req.URL)
	}

	if s.fetcher == nil {
		return nil, fmt.Errorf("%w: fetching is not enabled", ErrBadRequest)
	}
	page, err := s.fetcher.Fetch(ctx, req.URL)
	if err != nil {
		return nil, err
	}
	if !page.Sufficient() && s.renderer != nil {
		s.logger.Info("service: fetched page too thin, rendering", "url", req.URL)
		return s.renderer.Render(ctx, req.URL)
	}
	return page, nil
}

func applyFrame(fc *annotate.FrameContext, f *Frame) {
	fc.Embedded = f.Embedded
	fc.Sandbox = f.Sandbox
	fc.CSP = append(fc.CSP, f.CSP...)
	fc.Viewport = annotate.Viewport{Width: f.Width, Height: f.Height}
	if f.CrossOrigin {
		fc.ParentLocation = func() (string, error) {
			return "", errors.New("parent location is cross-origin")
		}
	}
}

func renderTree(buf *bytes.Buffer, root *html.Node, fragment bool) error {
	if !fragment {
		return html.Render(buf, root)
	}
	body := findBody(root)
	if body == nil {
		return html.Render(buf, root)
	}
	for c := body.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(buf, c); err != nil {
			return err
		}
	}
	return nil
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if b := findBody(c); b != nil {
			return b
		}
	}
	return nil
}
