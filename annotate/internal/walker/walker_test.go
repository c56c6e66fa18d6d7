package walker

import (
	"fmt"
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate/internal/dom"
	"github.com/hazyhaar/satlens/annotate/internal/pattern"
)

func newTestWalker(t *testing.T, containers ContainerHandler) *Walker {
	t.Helper()
	lib, err := pattern.Compile(pattern.Currency{Prefix: []string{"$"}, Suffix: []string{"USD"}})
	if err != nil {
		t.Fatal(err)
	}
	conv, err := pattern.NewConverter(50000, pattern.Units{
		Primary: "BTC", Subunit: "sats", SubunitsPerUnit: 100_000_000, PrimaryPrecision: 4,
	})
	if err != nil {
		t.Fatal(err)
	}
	return New(Config{
		Text:       pattern.NewAnnotator(lib, conv),
		Detector:   lib,
		Containers: containers,
		SkipTags:   []string{"script", "style", "textarea"},
		PriceHints: []string{"price"},
	})
}

func parse(t *testing.T, src string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func render(t *testing.T, n *html.Node) string {
	t.Helper()
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		t.Fatal(err)
	}
	return sb.String()
}

func TestWalk_FullConvertsText(t *testing.T) {
	w := newTestWalker(t, nil)
	doc := parse(t, `<p>Buy now for $1,299.99!</p><script>var p = "$5";</script><textarea>$7</textarea>`)

	st := w.Walk(doc, NewVisitationSet(), Options{Mode: Full})
	if st.Termination != Completed {
		t.Fatalf("termination: got %s", st.Termination)
	}
	if st.Conversions != 1 {
		t.Errorf("conversions: got %d, want 1", st.Conversions)
	}
	out := render(t, doc)
	if !strings.Contains(out, "$1,299.99 (2,599,980 sats)!") {
		t.Errorf("missing conversion in %s", out)
	}
	if strings.Contains(out, `"$5 (`) || strings.Contains(out, "$7 (") {
		t.Errorf("skip-listed content converted: %s", out)
	}
}

func TestWalk_SameSetIsNoop(t *testing.T) {
	w := newTestWalker(t, nil)
	doc := parse(t, `<div><p>$19.99</p><p>5 USD</p></div>`)
	visited := NewVisitationSet()

	first := w.Walk(doc, visited, Options{Mode: Full})
	if first.Conversions != 2 {
		t.Fatalf("first walk: got %d conversions, want 2", first.Conversions)
	}
	second := w.Walk(doc, visited, Options{Mode: Full})
	if second.Conversions != 0 || second.NodesProcessed != 0 {
		t.Errorf("second walk: got %+v, want no work", second)
	}
	if second.Operations != 1 {
		t.Errorf("second walk should stop at the visited root, got %d operations", second.Operations)
	}
}

func TestWalk_FreshSetIsIdempotent(t *testing.T) {
	w := newTestWalker(t, nil)
	doc := parse(t, `<div><p>$19.99</p><p>5 USD</p></div>`)

	w.Walk(doc, NewVisitationSet(), Options{Mode: Full})
	before := render(t, doc)
	st := w.Walk(doc, NewVisitationSet(), Options{Mode: Full})
	if st.Conversions != 0 {
		t.Errorf("rescan: got %d conversions, want 0", st.Conversions)
	}
	if after := render(t, doc); after != before {
		t.Errorf("rescan changed the document:\n%s\n%s", before, after)
	}
}

func TestWalk_OperationsBudget(t *testing.T) {
	w := newTestWalker(t, nil)
	var sb strings.Builder
	for i := range 100 {
		fmt.Fprintf(&sb, "<p>item %d</p>", i)
	}
	doc := parse(t, sb.String())

	st := w.Walk(doc, NewVisitationSet(), Options{Mode: Full, MaxOperations: 10})
	if st.Termination != OperationsLimitReached {
		t.Errorf("termination: got %s, want %s", st.Termination, OperationsLimitReached)
	}
	if st.Operations != 10 {
		t.Errorf("operations: got %d, want 10", st.Operations)
	}
}

func TestWalk_StackBudget(t *testing.T) {
	w := newTestWalker(t, nil)
	doc := parse(t, `<ul>`+strings.Repeat("<li>x</li>", 20)+`</ul>`)

	st := w.Walk(doc, NewVisitationSet(), Options{Mode: Full, MaxStack: 5})
	if st.Termination != StackLimitReached {
		t.Errorf("termination: got %s, want %s", st.Termination, StackLimitReached)
	}
}

func TestWalk_InvalidRoot(t *testing.T) {
	w := newTestWalker(t, nil)
	if st := w.Walk(nil, NewVisitationSet(), Options{}); st.Termination != InvalidRoot {
		t.Errorf("nil root: got %s", st.Termination)
	}
	comment := &html.Node{Type: html.CommentNode, Data: "$5"}
	if st := w.Walk(comment, NewVisitationSet(), Options{}); st.Termination != InvalidRoot {
		t.Errorf("comment root: got %s", st.Termination)
	}
}

func TestWalk_TargetedThenFullConvertsOnce(t *testing.T) {
	w := newTestWalker(t, nil)
	doc := parse(t, `<div class="price-box"><span>$19.99</span></div>`+
		`<div id="plain"><span>only $5 today</span></div>`+
		`<div style="display:none"><span class="price">$8</span></div>`)
	visited := NewVisitationSet()

	targeted := w.Walk(doc, visited, Options{Mode: Targeted})
	if targeted.Conversions != 2 {
		t.Errorf("targeted: got %d conversions, want 2", targeted.Conversions)
	}
	if out := render(t, doc); strings.Contains(out, "$8 (") {
		t.Errorf("targeted pass converted hidden content: %s", out)
	}

	full := w.Walk(doc, visited, Options{Mode: Full})
	if full.Conversions != 1 {
		t.Errorf("full: got %d conversions, want 1 (the hidden price)", full.Conversions)
	}
	out := render(t, doc)
	if strings.Count(out, "(39,980 sats)") != 1 {
		t.Errorf("$19.99 should be converted exactly once: %s", out)
	}
}

type codedErr string

func (e codedErr) Error() string { return "container: " + string(e) }
func (e codedErr) Code() string  { return string(e) }

type fakeContainers struct {
	handled []*html.Node
	fail    error
	cost    int
}

func (f *fakeContainers) Candidate(el *html.Node) bool { return dom.HasClass(el, "box") }

func (f *fakeContainers) Handle(el *html.Node, pass *Pass) error {
	pass.Charge(f.cost)
	if f.fail != nil {
		return fmt.Errorf("handle: %w", f.fail)
	}
	f.handled = append(f.handled, el)
	pass.Visited.MarkSubtree(el)
	return nil
}

func TestWalk_ContainerClaimsSubtree(t *testing.T) {
	fc := &fakeContainers{}
	w := newTestWalker(t, fc)
	doc := parse(t, `<div class="box"><span>$</span><span>19</span><span>99</span><p>$4</p></div><p>$3</p>`)

	st := w.Walk(doc, NewVisitationSet(), Options{Mode: Full})
	if len(fc.handled) != 1 || st.Containers != 1 {
		t.Fatalf("containers: handled=%d stats=%d, want 1", len(fc.handled), st.Containers)
	}
	out := render(t, doc)
	if strings.Contains(out, "$4 (") {
		t.Errorf("text inside a claimed container was converted: %s", out)
	}
	if !strings.Contains(out, "$3 (") {
		t.Errorf("text outside the container not converted: %s", out)
	}
}

func TestWalk_ContainerFailureFallsThrough(t *testing.T) {
	fc := &fakeContainers{fail: codedErr("single_node")}
	w := newTestWalker(t, fc)
	doc := parse(t, `<span class="box">$4</span>`)

	st := w.Walk(doc, NewVisitationSet(), Options{Mode: Full})
	if st.Failures["single_node"] != 1 {
		t.Errorf("failures: got %v", st.Failures)
	}
	if st.Conversions != 1 {
		t.Errorf("text fallback: got %d conversions, want 1", st.Conversions)
	}
}

func TestWalk_ContainerWorkCountsAgainstBudget(t *testing.T) {
	fc := &fakeContainers{fail: codedErr("no_container"), cost: 100}
	w := newTestWalker(t, fc)
	doc := parse(t, `<div class="box">a</div><div class="box">b</div><div class="box">c</div>`)

	// document, html, head, body, box (+100), "a", box (+100), then the budget is spent.
	st := w.Walk(doc, NewVisitationSet(), Options{Mode: Full, MaxOperations: 150})
	if st.Termination != OperationsLimitReached {
		t.Fatalf("termination: got %s, want %s", st.Termination, OperationsLimitReached)
	}
	if got := st.Failures["no_container"]; got != 2 {
		t.Errorf("handled boxes: got %d, want 2", got)
	}
	if st.Operations != 207 {
		t.Errorf("operations: got %d, want 207", st.Operations)
	}
}

func TestMemo(t *testing.T) {
	doc := parse(t, `<p>x</p>`)
	m := NewMemo()
	if _, ok := m.Load(doc, "k"); ok {
		t.Fatal("empty memo returned a value")
	}
	m.Store(doc, "k", true)
	if v, ok := m.Load(doc, "k"); !ok || v != true {
		t.Errorf("Load: got %v %v", v, ok)
	}
	if _, ok := m.Load(doc, "other"); ok {
		t.Error("kinds are not separated")
	}

	var nilMemo *Memo
	nilMemo.Store(doc, "k", 1)
	if _, ok := nilMemo.Load(doc, "k"); ok || nilMemo.Len() != 0 {
		t.Error("nil memo should hold nothing")
	}
}

func TestVisitationSet(t *testing.T) {
	doc := parse(t, `<div><p>a</p><p>b</p></div>`)
	s := NewVisitationSet()
	if !s.Add(doc) || s.Add(doc) {
		t.Error("Add should report only the first insertion")
	}
	s.MarkSubtree(doc)
	count := 0
	dom.Walk(doc, func(*html.Node) bool { count++; return true })
	if s.Len() != count {
		t.Errorf("Len: got %d, want %d", s.Len(), count)
	}
}
