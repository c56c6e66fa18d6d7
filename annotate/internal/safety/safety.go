// Package safety decides whether the engine may mutate the document in the
// current browsing context.
//
// Each failed check adds its weight to a score mapped onto a severity.
// Medium and high severities restrict the context, as does any single
// unambiguous signal (cross-origin parent, scripting disabled by sandbox).
// A probe that panics, or a context the host failed to observe, restricts
// the context with high severity.
package safety

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate/internal/config"
	"github.com/hazyhaar/satlens/annotate/internal/dom"
)

// Severity grades a verdict.
type Severity string

const (
	None   Severity = "none"
	Low    Severity = "low"
	Medium Severity = "medium"
	High   Severity = "high"
)

// Signal names reported in Verdict.Signals.
const (
	SignalEmbedded          = "embedded"
	SignalCrossOrigin       = "cross_origin_parent"
	SignalScriptsDisabled   = "scripts_disabled"
	SignalNoSameOrigin      = "sandbox_no_same_origin"
	SignalInlineScriptCSP   = "csp_inline_script_blocked"
	SignalStorageBlocked    = "storage_unreachable"
	SignalTinyFrame         = "tiny_frame"
	SignalRetailerURL       = "retailer_url"
	SignalRetailerLayout    = "retailer_layout"
	SignalAdMarkers         = "ad_markers"
	ReasonClassifierFailure = "classifier_error"
)

// Viewport is the frame size in CSS pixels; zero means unknown.
type Viewport struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Context is what the host knows about the browsing context. Probes are
// functions so that a failing probe is observed at classification time.
type Context struct {
	URL            string
	Embedded       bool
	ParentLocation func() (string, error) // reads the embedder's location; errors when cross-origin
	Sandbox        *string                // sandbox attribute of the embedding frame, nil when absent
	CSP            []string               // Content-Security-Policy header values
	Storage        func() error           // round-trips a value through ambient storage
	Viewport       Viewport
	Document       *html.Node // scanned for meta CSP and retailer markers
	ProbeErr       error      // set when the host could not observe the context
}

// Verdict is the classifier's answer for one scan entry point.
type Verdict struct {
	Restricted bool     `json:"restricted"`
	Reason     string   `json:"reason,omitempty"`
	Severity   Severity `json:"severity"`
	Score      int      `json:"score"`
	Signals    []string `json:"signals,omitempty"`
}

// Classifier evaluates contexts against a policy. It keeps no state
// between calls.
type Classifier struct {
	policy config.SafetyConfig
	logger *slog.Logger
}

// New creates a Classifier.
func New(policy config.SafetyConfig, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{policy: policy, logger: logger}
}

type evaluation struct {
	score       int
	signals     []string
	unambiguous string
}

func (e *evaluation) add(signal string, weight int) {
	e.score += weight
	e.signals = append(e.signals, signal)
}

func (e *evaluation) block(signal string) {
	e.signals = append(e.signals, signal)
	if e.unambiguous == "" {
		e.unambiguous = signal
	}
}

// Classify returns the verdict for ctx. A nil context is a top-level,
// unrestricted one.
func (c *Classifier) Classify(ctx *Context) (v Verdict) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("safety: probe panicked", "error", fmt.Sprint(r))
			v = Verdict{Restricted: true, Reason: ReasonClassifierFailure, Severity: High}
		}
	}()
	if ctx == nil {
		return Verdict{Severity: None}
	}
	if ctx.ProbeErr != nil {
		c.logger.Warn("safety: context not observed", "url", ctx.URL, "error", ctx.ProbeErr)
		return Verdict{Restricted: true, Reason: ReasonClassifierFailure, Severity: High}
	}

	e := &evaluation{}
	w := c.policy.Weights

	if ctx.Embedded {
		e.add(SignalEmbedded, w.Embedded)
		if ctx.ParentLocation != nil {
			if _, err := ctx.ParentLocation(); err != nil {
				e.block(SignalCrossOrigin)
			}
		}
	}

	policies := append([]string(nil), ctx.CSP...)
	policies = append(policies, metaCSP(ctx.Document)...)

	if tokens, sandboxed := sandboxTokens(ctx.Sandbox, policies); sandboxed {
		if !tokens["allow-scripts"] {
			e.block(SignalScriptsDisabled)
		}
		if !tokens["allow-same-origin"] {
			e.add(SignalNoSameOrigin, w.NoSameOrigin)
		}
	}
	for _, p := range policies {
		if inlineScriptBlocked(p) {
			e.add(SignalInlineScriptCSP, w.InlineScriptCSP)
			break
		}
	}

	if ctx.Storage != nil {
		if err := ctx.Storage(); err != nil {
			e.add(SignalStorageBlocked, w.StorageBlocked)
		}
	}

	vp := ctx.Viewport
	if vp.Width > 0 && vp.Height > 0 && vp.Width <= c.policy.TinyFrameWidth && vp.Height <= c.policy.TinyFrameHeight {
		e.add(SignalTinyFrame, w.TinyFrame)
	}

	c.retailer(ctx, e)

	v = Verdict{Score: e.score, Severity: c.severity(e.score), Signals: e.signals}
	switch {
	case e.unambiguous != "":
		v.Restricted, v.Severity, v.Reason = true, High, e.unambiguous
	case v.Severity == Medium || v.Severity == High:
		v.Restricted, v.Reason = true, strings.Join(e.signals, ",")
	}
	return v
}

func (c *Classifier) severity(score int) Severity {
	switch {
	case score >= c.policy.HighThreshold:
		return High
	case score >= c.policy.MediumThreshold:
		return Medium
	case score >= c.policy.LowThreshold:
		return Low
	}
	return None
}

// retailer applies the extra heuristics for the listed retailer hosts.
// Ad-marker attributes only count inside an embedded frame: a top-level
// retailer page always carries some.
func (c *Classifier) retailer(ctx *Context, e *evaluation) {
	u, err := url.Parse(ctx.URL)
	if err != nil || u.Host == "" {
		return
	}
	host := strings.ToLower(u.Hostname())
	matched := false
	for _, h := range c.policy.RetailerHosts {
		if strings.Contains(host, strings.ToLower(h)) {
			matched = true
			break
		}
	}
	if !matched {
		return
	}

	target := strings.ToLower(u.Path + "?" + u.RawQuery + "#" + u.Fragment)
	for _, kw := range c.policy.RestrictedURLKeywords {
		if strings.Contains(target, strings.ToLower(kw)) {
			e.add(SignalRetailerURL, c.policy.Weights.RetailerURL)
			break
		}
	}
	if ctx.Document == nil {
		return
	}

	layout, ads := false, false
	dom.Walk(ctx.Document, func(n *html.Node) bool {
		if n.Type != html.ElementNode {
			return true
		}
		if !layout {
			for _, cl := range dom.Classes(n) {
				if containsFold(c.policy.RestrictedLayoutClasses, cl) {
					layout = true
					break
				}
			}
		}
		if !ads && ctx.Embedded {
			for _, a := range c.policy.AdMarkerAttrs {
				if dom.HasAttr(n, a) {
					ads = true
					break
				}
			}
		}
		return true
	})
	if layout {
		e.add(SignalRetailerLayout, c.policy.Weights.RetailerLayout)
	}
	if ads {
		e.add(SignalAdMarkers, c.policy.Weights.AdMarkers)
	}
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// metaCSP collects <meta http-equiv="Content-Security-Policy"> values.
func metaCSP(doc *html.Node) []string {
	if doc == nil {
		return nil
	}
	var out []string
	dom.Walk(doc, func(n *html.Node) bool {
		if n.Type == html.ElementNode && n.Data == "meta" &&
			strings.EqualFold(dom.Attr(n, "http-equiv"), "content-security-policy") {
			out = append(out, dom.Attr(n, "content"))
		}
		return n.Type != html.ElementNode || n.Data != "body"
	})
	return out
}

// directives splits a policy into lowercased directive name -> tokens.
func directives(policy string) map[string][]string {
	out := make(map[string][]string)
	for _, d := range strings.Split(policy, ";") {
		fields := strings.Fields(strings.ToLower(d))
		if len(fields) == 0 {
			continue
		}
		if _, seen := out[fields[0]]; seen {
			continue // first occurrence wins
		}
		out[fields[0]] = fields[1:]
	}
	return out
}

// sandboxTokens merges the frame's sandbox attribute with CSP sandbox
// directives. The second result is false when nothing is sandboxed.
func sandboxTokens(attr *string, policies []string) (map[string]bool, bool) {
	tokens := make(map[string]bool)
	sandboxed := false
	var sources [][]string
	if attr != nil {
		sandboxed = true
		sources = append(sources, strings.Fields(strings.ToLower(*attr)))
	}
	for _, p := range policies {
		if t, ok := directives(p)["sandbox"]; ok {
			sandboxed = true
			sources = append(sources, t)
		}
	}
	if !sandboxed {
		return nil, false
	}
	// Each sandbox source restricts independently: a token survives only
	// if every source grants it.
	for i, src := range sources {
		granted := make(map[string]bool, len(src))
		for _, t := range src {
			granted[t] = true
		}
		if i == 0 {
			tokens = granted
			continue
		}
		for t := range tokens {
			if !granted[t] {
				delete(tokens, t)
			}
		}
	}
	return tokens, true
}

// inlineScriptBlocked reports whether policy forbids inline script.
// 'unsafe-inline' is ignored by browsers when a nonce or hash is present.
func inlineScriptBlocked(policy string) bool {
	d := directives(policy)
	src, ok := d["script-src"]
	if !ok {
		src, ok = d["default-src"]
	}
	if !ok {
		return false
	}
	unsafeInline, pinned := false, false
	for _, t := range src {
		switch {
		case t == "'unsafe-inline'":
			unsafeInline = true
		case strings.HasPrefix(t, "'nonce-"), strings.HasPrefix(t, "'sha256-"),
			strings.HasPrefix(t, "'sha384-"), strings.HasPrefix(t, "'sha512-"):
			pinned = true
		}
	}
	return !unsafeInline || pinned
}
