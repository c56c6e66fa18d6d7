package pagesource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/stealth"

	"github.com/hazyhaar/satlens/annotate"
)

// RenderConfig configures a Renderer.
type RenderConfig struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local headless Chrome on first use.
	RemoteURL string

	// Timeout bounds navigation and load. Default: 30s.
	Timeout time.Duration

	// AllowPrivate lets pages on loopback and private addresses load.
	AllowPrivate bool

	Logger *slog.Logger
}

// Renderer loads pages in Chrome through rod so that scripts run before
// the document is captured.
type Renderer struct {
	cfg     RenderConfig
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewRenderer creates a Renderer. Chrome starts on the first Render.
func NewRenderer(cfg RenderConfig) *Renderer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Renderer{cfg: cfg}
}

func (r *Renderer) connect() (*rod.Browser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.browser != nil {
		return r.browser, nil
	}

	wsURL := r.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().Headless(true).Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("pagesource: launch chrome: %w", err)
		}
		wsURL, r.lnch = u, l
		r.cfg.Logger.Info("pagesource: launched local chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("pagesource: connect: %w", err)
	}
	r.browser = b
	return b, nil
}

// probeScript reports what the page can see of its own browsing context.
const probeScript = `() => {
	const out = {embedded: window.self !== window.top, crossOrigin: false, parent: "",
		sandbox: null, storage: "", width: window.innerWidth, height: window.innerHeight};
	if (out.embedded) {
		try { out.parent = window.parent.location.href; } catch (e) { out.crossOrigin = true; }
		try {
			const fe = window.frameElement;
			if (fe && fe.hasAttribute("sandbox")) out.sandbox = fe.getAttribute("sandbox");
		} catch (e) {}
	}
	try {
		localStorage.setItem("__satlens_probe", "1");
		localStorage.removeItem("__satlens_probe");
	} catch (e) { out.storage = String(e); }
	return JSON.stringify(out);
}`

type probe struct {
	Embedded    bool    `json:"embedded"`
	CrossOrigin bool    `json:"crossOrigin"`
	Parent      string  `json:"parent"`
	Sandbox     *string `json:"sandbox"`
	Storage     string  `json:"storage"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
}

// frame turns a probe into a frame context. The probe functions replay
// what the page observed.
func (p probe) frame(pageURL string, csp []string) *annotate.FrameContext {
	fc := &annotate.FrameContext{
		URL:      pageURL,
		Embedded: p.Embedded,
		Sandbox:  p.Sandbox,
		CSP:      csp,
		Viewport: annotate.Viewport{Width: p.Width, Height: p.Height},
	}
	if p.Embedded {
		parent, cross := p.Parent, p.CrossOrigin
		fc.ParentLocation = func() (string, error) {
			if cross {
				return "", errors.New("parent location is cross-origin")
			}
			return parent, nil
		}
	}
	if p.Storage != "" {
		msg := p.Storage
		fc.Storage = func() error { return errors.New(msg) }
	}
	return fc
}

// observe decodes the probe result. A probe that failed or returned
// garbage yields a context carrying ProbeErr, which the classifier treats
// as restricted.
func observe(raw string, evalErr error, pageURL string) (*annotate.FrameContext, probe) {
	var p probe
	err := evalErr
	if err == nil {
		if err = json.Unmarshal([]byte(raw), &p); err != nil {
			err = fmt.Errorf("decode probe: %w", err)
		}
	}
	if err != nil {
		return &annotate.FrameContext{URL: pageURL, ProbeErr: err}, probe{}
	}
	return p.frame(pageURL, nil), p
}

// Render navigates to pageURL, waits for load and captures the document
// together with a frame context probed from inside the page.
func (r *Renderer) Render(ctx context.Context, pageURL string) (*Page, error) {
	if !r.cfg.AllowPrivate {
		if err := CheckURL(pageURL); err != nil {
			return nil, err
		}
	}
	b, err := r.connect()
	if err != nil {
		return nil, err
	}
	page, err := stealth.Page(b)
	if err != nil {
		return nil, fmt.Errorf("pagesource: create tab: %w", err)
	}
	defer page.Close()

	navCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("pagesource: navigate %s: %w", pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		r.cfg.Logger.Warn("pagesource: wait load timeout", "url", pageURL, "error", err)
	}

	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("pagesource: get DOM: %w", err)
	}
	body := []byte(res.Value.Str())

	if !r.cfg.AllowPrivate {
		info, err := page.Info()
		if err != nil {
			return nil, fmt.Errorf("pagesource: page info: %w", err)
		}
		if err := CheckURL(info.URL); err != nil {
			return nil, fmt.Errorf("pagesource: redirected to %s: %w", info.URL, err)
		}
	}

	var raw string
	res, err = page.Context(ctx).Eval(probeScript)
	if err == nil {
		raw = res.Value.Str()
	}
	fc, p := observe(raw, err, pageURL)
	if fc.ProbeErr != nil {
		r.cfg.Logger.Warn("pagesource: frame probe failed", "url", pageURL, "error", fc.ProbeErr)
	}

	out, err := parse(body, pageURL, fc)
	if err != nil {
		return nil, err
	}
	r.cfg.Logger.Debug("pagesource: rendered", "url", pageURL, "size", len(body), "embedded", p.Embedded)
	return out, nil
}

// Close disconnects and kills a locally launched Chrome.
func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var err error
	if r.browser != nil {
		err = r.browser.Close()
		r.browser = nil
	}
	if r.lnch != nil {
		r.lnch.Kill()
		r.lnch = nil
	}
	return err
}
