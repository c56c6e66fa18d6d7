// Package reconstruct collapses prices split over several elements
// (symbol, whole part, fraction) into one annotated node.
//
// A candidate element leads to a container found among its nearest
// ancestors. The container's parts are extracted, reassembled into one
// amount, and the container is replaced visually by a single annotation
// inserted right after it. A container is mutated at most once; the
// processed attribute and the visitation set both guard against re-entry.
package reconstruct

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"github.com/dustin/go-humanize"
	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate/internal/dom"
	"github.com/hazyhaar/satlens/annotate/internal/pattern"
	"github.com/hazyhaar/satlens/annotate/internal/walker"
)

// Tables are the heuristic lists driving detection and extraction.
type Tables struct {
	CandidateHints     []string
	ContainerClasses   []string
	SymbolSelectors    []string
	WholeSelectors     []string
	FractionSelectors  []string
	OffscreenSelectors []string
	SymbolKeywords     map[string][]string
	MaxAncestorLevels  int
	Symbol             string // the configured currency glyph
}

// Rules is the compiled form of Tables, shared by every Reconstructor.
type Rules struct {
	hints      []string
	containers map[string]bool
	symbol     []cascadia.Selector
	whole      []cascadia.Selector
	fraction   []cascadia.Selector
	offscreen  []cascadia.Selector
	keywords   []glyphKeyword
	levels     int
	glyph      string
}

type glyphKeyword struct {
	glyph, keyword string
}

// Compile validates and compiles t.
func Compile(t Tables) (*Rules, error) {
	r := &Rules{
		containers: make(map[string]bool, len(t.ContainerClasses)),
		levels:     t.MaxAncestorLevels,
		glyph:      t.Symbol,
	}
	if r.levels <= 0 {
		r.levels = 4
	}
	if r.glyph == "" {
		r.glyph = "$"
	}
	for _, h := range t.CandidateHints {
		r.hints = append(r.hints, strings.ToLower(h))
	}
	for _, c := range t.ContainerClasses {
		r.containers[strings.ToLower(c)] = true
	}

	var err error
	if r.symbol, err = compileAll(t.SymbolSelectors); err != nil {
		return nil, err
	}
	if r.whole, err = compileAll(t.WholeSelectors); err != nil {
		return nil, err
	}
	if r.fraction, err = compileAll(t.FractionSelectors); err != nil {
		return nil, err
	}
	if r.offscreen, err = compileAll(t.OffscreenSelectors); err != nil {
		return nil, err
	}

	for glyph, kws := range t.SymbolKeywords {
		for _, kw := range kws {
			r.keywords = append(r.keywords, glyphKeyword{glyph: glyph, keyword: strings.ToLower(kw)})
		}
	}
	// Longest keyword first so "us$" beats "$"; ties broken for a stable order.
	sort.Slice(r.keywords, func(i, j int) bool {
		a, b := r.keywords[i], r.keywords[j]
		if len(a.keyword) != len(b.keyword) {
			return len(a.keyword) > len(b.keyword)
		}
		return a.glyph+a.keyword < b.glyph+b.keyword
	})
	return r, nil
}

func compileAll(sels []string) ([]cascadia.Selector, error) {
	out := make([]cascadia.Selector, 0, len(sels))
	for _, s := range sels {
		c, err := cascadia.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("reconstruct: selector %q: %w", s, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Parts is what was read out of a container.
type Parts struct {
	Symbol   string  // canonical glyph
	Whole    string  // digits only
	Fraction string  // digits only, may be empty
	Original string  // display text of the reconstructed price
	Amount   float64 // parsed value
	Source   string  // "selectors", "leaves" or "text"
}

// Reconstructor applies Rules with one Annotator (one reference rate).
type Reconstructor struct {
	rules  *Rules
	ann    *pattern.Annotator
	logger *slog.Logger
}

// New binds rules to an annotator.
func New(rules *Rules, ann *pattern.Annotator, logger *slog.Logger) *Reconstructor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconstructor{rules: rules, ann: ann, logger: logger}
}

var _ walker.ContainerHandler = (*Reconstructor)(nil)

// Candidate reports whether el's class hints at a price part or container.
func (r *Reconstructor) Candidate(el *html.Node) bool {
	if !dom.IsElement(el) || dom.IsEngineNode(el) {
		return false
	}
	class := strings.ToLower(dom.Attr(el, "class"))
	if class == "" {
		return false
	}
	for _, h := range r.rules.hints {
		if strings.Contains(class, h) {
			return true
		}
	}
	return false
}

// Handle locates, extracts and applies in one step. A container that
// fails is remembered in pass.Memo, so candidates sharing it fail at once.
func (r *Reconstructor) Handle(el *html.Node, pass *walker.Pass) error {
	c, err := r.Locate(el, pass)
	if err != nil {
		return err
	}
	parts, err := r.Extract(c)
	if err == nil {
		err = r.Apply(c, parts, pass.Visited)
	}
	if err != nil {
		pass.Memo.Store(c, memoFailed, err)
		return err
	}
	r.logger.Debug("reconstruct: container annotated",
		"tag", c.Data, "amount", parts.Amount, "source", parts.Source)
	return nil
}

// Memo kinds.
const (
	memoStructure = "reconstruct.structure"
	memoShape     = "reconstruct.shape"
	memoFailed    = "reconstruct.failed"
)

var priceShape = regexp.MustCompile(`^\D{0,4}\d{1,3}(?:[,.' ]?\d{3})*[.,]\d{2}\D{0,4}$`)

// Locate finds the container holding el, looking at el and up to the
// configured number of ancestors: first by container class, then by
// structure (symbol and whole parts both present), then by the text
// shape of a decimal price spread over several elements. Per-node results
// are memoized in pass and their cost charged to it.
func (r *Reconstructor) Locate(el *html.Node, pass *walker.Pass) (*html.Node, error) {
	if !dom.IsElement(el) {
		return nil, fail(NoContainer, "not an element")
	}

	found := r.climb(el, pass, "", r.containerClass)
	if found == nil {
		found = r.climb(el, pass, memoStructure, r.structural)
	}
	if found == nil {
		found = r.climb(el, pass, memoShape, r.shaped)
	}
	if found == nil {
		return nil, fail(NoContainer, "")
	}

	if dom.HasAttr(found, dom.AttrProcessed) {
		return nil, fail(AlreadyProcessed, "")
	}
	if v, ok := pass.Memo.Load(found, memoFailed); ok {
		return nil, v.(error)
	}
	leaves := dom.TextNodes(found)
	pass.Charge(len(leaves))
	if len(leaves) < 2 {
		err := fail(SingleNode, "")
		pass.Memo.Store(found, memoFailed, err)
		return nil, err
	}
	return found, nil
}

// test reports whether n matches and how much work that took.
type test func(n *html.Node) (ok bool, cost int)

func (r *Reconstructor) climb(el *html.Node, pass *walker.Pass, kind string, match test) *html.Node {
	cur := el
	for level := 0; level <= r.rules.levels && dom.IsElement(cur); level++ {
		if check(cur, pass, kind, match) {
			return cur
		}
		cur = cur.Parent
	}
	return nil
}

func check(n *html.Node, pass *walker.Pass, kind string, match test) bool {
	if kind != "" {
		if v, ok := pass.Memo.Load(n, kind); ok {
			return v.(bool)
		}
	}
	ok, cost := match(n)
	pass.Charge(cost)
	if kind != "" {
		pass.Memo.Store(n, kind, ok)
	}
	return ok
}

func (r *Reconstructor) containerClass(n *html.Node) (bool, int) {
	for _, c := range dom.Classes(n) {
		if r.rules.containers[strings.ToLower(c)] {
			return true, 0
		}
	}
	return false, 0
}

// structural looks for a symbol part and a whole part in one sweep of n's
// subtree, stopping once both are seen.
func (r *Reconstructor) structural(n *html.Node) (bool, int) {
	var symbol, whole bool
	cost := 0
	dom.Walk(n, func(d *html.Node) bool {
		if symbol && whole {
			return false
		}
		if d.Type != html.ElementNode {
			return false
		}
		cost++
		symbol = symbol || matchesAny(d, r.rules.symbol)
		whole = whole || matchesAny(d, r.rules.whole)
		return true
	})
	return symbol && whole, cost
}

func (r *Reconstructor) shaped(n *html.Node) (bool, int) {
	children := dom.ElementChildren(n)
	if children < 2 {
		return false, children
	}
	return priceShape.MatchString(strings.TrimSpace(dom.Text(n, 64))), children
}

func matchesAny(n *html.Node, sels []cascadia.Selector) bool {
	for _, s := range sels {
		if s.Match(n) {
			return true
		}
	}
	return false
}

var (
	splitDecimal = regexp.MustCompile(`^(\d[\d,.' ]*?)[.,](\d{1,2})$`)
	numberLike   = regexp.MustCompile(`^\d[\d,.' ]*$`)
)

// Extract reads symbol, whole and fraction out of the container. Selector
// strategies run first, then the sequence of leaf texts, then price
// patterns over offscreen text and the full text.
func (r *Reconstructor) Extract(c *html.Node) (Parts, error) {
	sel := goquery.NewDocumentFromNode(c).Selection

	p := Parts{Source: "selectors"}
	rawSymbol := firstText(sel, r.rules.symbol)
	p.Whole, p.Fraction = splitNumber(firstText(sel, r.rules.whole))
	if p.Fraction == "" {
		p.Fraction = digits(firstText(sel, r.rules.fraction))
	}

	if p.Whole == "" {
		visible := r.visibleLeaves(c)
		p = r.fromLeaves(visible)
		if p.Whole == "" {
			if r.completeLeaf(visible) {
				return Parts{}, fail(ExtractionFailed, "price complete in one element")
			}
			m, err := r.fromText(sel)
			if err != nil {
				return Parts{}, err
			}
			return r.fromMatch(m)
		}
		if rawSymbol == "" {
			rawSymbol = p.Symbol
		}
	}

	if rawSymbol == "" {
		rawSymbol = dom.Text(c, 256)
	}
	glyph, ok := r.normalizeSymbol(rawSymbol)
	if !ok {
		glyph = r.rules.glyph
	}
	if glyph != r.rules.glyph {
		return Parts{}, fail(ExtractionFailed, "currency %s is not %s", glyph, r.rules.glyph)
	}
	p.Symbol = glyph

	num := p.Whole
	if p.Fraction != "" {
		num += "." + p.Fraction
	}
	amount, ok := pattern.ParseAmount(num)
	if !ok {
		return Parts{}, fail(InvalidAmount, "parse %q", num)
	}
	p.Amount = amount
	p.Original = p.Symbol + groupDigits(p.Whole)
	if p.Fraction != "" {
		p.Original += "." + p.Fraction
	}
	return p, nil
}

// visibleLeaves returns the trimmed text leaves of c, skipping those
// inside offscreen elements.
func (r *Reconstructor) visibleLeaves(c *html.Node) []string {
	var out []string
	for _, leaf := range dom.TextNodes(c) {
		if !r.offscreen(leaf, c) {
			out = append(out, strings.TrimSpace(leaf.Data))
		}
	}
	return out
}

// fromLeaves reads the parts from a sequence of leaf texts, e.g. "$" "19"
// "." "99". A number is taken only next to a bare symbol leaf: right
// before it, or failing that right after its fraction.
func (r *Reconstructor) fromLeaves(leaves []string) Parts {
	for _, prefix := range []bool{true, false} {
		for i, t := range leaves {
			if !numberLike.MatchString(t) {
				continue
			}
			p := Parts{Source: "leaves"}
			var next int
			p.Whole, p.Fraction, next = readNumber(leaves, i)
			switch {
			case prefix && i > 0 && r.bareSymbol(leaves[i-1]):
				p.Symbol = leaves[i-1]
			case !prefix && next < len(leaves) && r.bareSymbol(leaves[next]):
				p.Symbol = leaves[next]
			default:
				continue
			}
			return p
		}
	}
	return Parts{Source: "leaves"}
}

// readNumber reads the number starting at leaves[i], with an optional
// separator leaf and a fraction leaf, and returns the index after it.
func readNumber(leaves []string, i int) (whole, fraction string, next int) {
	whole, fraction = splitNumber(leaves[i])
	next = i + 1
	if fraction != "" {
		return whole, fraction, next
	}
	j := next
	if j < len(leaves) && (leaves[j] == "." || leaves[j] == ",") {
		j++
	}
	if j < len(leaves) && numberLike.MatchString(leaves[j]) && len(leaves[j]) <= 2 {
		return whole, leaves[j], j + 1
	}
	return whole, "", next
}

func (r *Reconstructor) bareSymbol(t string) bool {
	if t == "" || strings.ContainsAny(t, "0123456789") {
		return false
	}
	_, ok := r.normalizeSymbol(t)
	return ok
}

// completeLeaf reports whether one leaf holds a full price by itself. Such
// a price is converted in place by the text pass.
func (r *Reconstructor) completeLeaf(leaves []string) bool {
	lib := r.ann.Library()
	for _, t := range leaves {
		if lib.Contains(t) {
			return true
		}
	}
	return false
}

func (r *Reconstructor) offscreen(n, container *html.Node) bool {
	for cur := n.Parent; cur != nil && cur != container.Parent; cur = cur.Parent {
		for _, s := range r.rules.offscreen {
			if s.Match(cur) {
				return true
			}
		}
	}
	return false
}

// fromText runs the price patterns over offscreen text first, then the
// container's full text. Full text naming several different amounts is
// ambiguous and left to plain text conversion.
func (r *Reconstructor) fromText(sel *goquery.Selection) (pattern.PriceMatch, error) {
	lib := r.ann.Library()
	for _, s := range r.rules.offscreen {
		var found []pattern.PriceMatch
		sel.FindMatcher(s).EachWithBreak(func(_ int, o *goquery.Selection) bool {
			found = lib.Find(o.Text())
			return len(found) == 0
		})
		if len(found) > 0 {
			return found[0], nil
		}
	}

	ms := lib.Find(sel.Text())
	if len(ms) == 0 {
		return pattern.PriceMatch{}, fail(ExtractionFailed, "no amount in container")
	}
	for _, m := range ms[1:] {
		if m.Amount != ms[0].Amount {
			return pattern.PriceMatch{}, fail(ExtractionFailed, "%d different amounts in container", len(ms))
		}
	}
	return ms[0], nil
}

func (r *Reconstructor) fromMatch(m pattern.PriceMatch) (Parts, error) {
	if m.Amount <= 0 {
		return Parts{}, fail(InvalidAmount, "amount %v", m.Amount)
	}
	glyph, ok := r.normalizeSymbol(m.Raw)
	if !ok {
		glyph = r.rules.glyph
	}
	return Parts{
		Symbol:   glyph,
		Original: strings.TrimSpace(m.Raw),
		Amount:   m.Amount,
		Source:   "text",
	}, nil
}

// normalizeSymbol maps free text to a canonical glyph using the keyword
// table.
func (r *Reconstructor) normalizeSymbol(raw string) (string, bool) {
	lower := strings.ToLower(raw)
	for _, kw := range r.rules.keywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.glyph, true
		}
	}
	return "", false
}

// Apply mutates the document once for container c: the annotation goes
// right after it, c is suppressed and marked processed, and c's subtree
// plus the new node are added to visited.
func (r *Reconstructor) Apply(c *html.Node, p Parts, visited *walker.VisitationSet) (err error) {
	if dom.HasAttr(c, dom.AttrProcessed) {
		return fail(AlreadyProcessed, "")
	}
	if p.Amount <= 0 {
		return fail(InvalidAmount, "amount %v", p.Amount)
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fail(MutationFailed, "panic: %v", rec)
		}
	}()

	label := r.ann.Converter().Convert(p.Original, p.Amount).String()
	span := dom.NewAnnotation(label)
	if err := dom.InsertAfter(c, span); err != nil {
		return &Failure{Reason: MutationFailed, Err: err}
	}
	dom.Suppress(c)
	dom.SetAttr(c, dom.AttrProcessed, "true")

	visited.MarkSubtree(c)
	visited.MarkSubtree(span)
	return nil
}

func firstText(sel *goquery.Selection, sels []cascadia.Selector) string {
	for _, s := range sels {
		if t := strings.TrimSpace(sel.FindMatcher(s).First().Text()); t != "" {
			return t
		}
	}
	return ""
}

// splitNumber separates "1,299.99" into "1299" and "99". A trailing
// separator ("19.") is dropped.
func splitNumber(s string) (whole, fraction string) {
	s = strings.TrimSpace(s)
	if m := splitDecimal.FindStringSubmatch(s); m != nil {
		return digits(m[1]), m[2]
	}
	return digits(s), ""
}

func digits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func groupDigits(whole string) string {
	v, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return whole
	}
	return humanize.Comma(v)
}
