package annotate

import (
	"context"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate/internal/dom"
	"github.com/hazyhaar/satlens/mutation"
)

type recorder struct {
	mu      sync.Mutex
	results []ScanResult
}

func (r *recorder) RecordScan(res ScanResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func newEngine(t *testing.T, cfg *Config, opts ...Option) *Engine {
	t.Helper()
	e, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return e
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

func annotations(root *html.Node) []*html.Node {
	var out []*html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if n.Type == html.ElementNode && dom.HasAttr(n, dom.AttrAnnotation) {
			out = append(out, n)
		}
		return true
	})
	return out
}

func TestScan_Scenario(t *testing.T) {
	e := newEngine(t, nil)
	doc := parse(t, `<p>Buy now for $1,299.99!</p>`)

	res := e.Scan(doc, 50000)
	if res.Status != StatusCompleted || res.TerminationReason != ReasonCompleted {
		t.Fatalf("status: got %s/%s", res.Status, res.TerminationReason)
	}
	if res.Conversions != 1 {
		t.Errorf("conversions: got %d, want 1", res.Conversions)
	}
	if out := render(t, doc); !strings.Contains(out, "Buy now for $1,299.99 (2,599,980 sats)!") {
		t.Errorf("output: %s", out)
	}
	if !strings.HasPrefix(res.ID, "scan_") {
		t.Errorf("ID: got %q", res.ID)
	}
}

func TestScan_PrimaryUnitAtOrAboveRate(t *testing.T) {
	e := newEngine(t, nil)
	doc := parse(t, `<p>Price: $19.99</p>`)

	e.Scan(doc, 10)
	if out := render(t, doc); !strings.Contains(out, "$19.99 (1.999 BTC)") {
		t.Errorf("output: %s", out)
	}
}

func TestScan_Idempotent(t *testing.T) {
	e := newEngine(t, nil)
	doc := parse(t, `<div class="price">$5</div><p>Shipping $4.99 or 2 for $9</p>
		<span class="a-price"><span class="a-offscreen">$19.99</span><span aria-hidden="true"><span class="a-price-symbol">$</span><span class="a-price-whole">19<span class="a-price-decimal">.</span></span><span class="a-price-fraction">99</span></span></span>`)

	first := e.Scan(doc, 50000)
	if first.Conversions == 0 {
		t.Fatal("first scan converted nothing")
	}
	before := render(t, doc)

	second := e.Scan(doc, 50000)
	if second.Conversions != 0 || second.Containers != 0 {
		t.Errorf("second scan: conversions=%d containers=%d", second.Conversions, second.Containers)
	}
	if after := render(t, doc); after != before {
		t.Errorf("second scan changed the document:\n%s\n%s", before, after)
	}
}

func TestScan_AtMostOnceAcrossPasses(t *testing.T) {
	e := newEngine(t, nil)
	doc := parse(t, `<div><span class="price">Now $5</span></div>`)

	res := e.Scan(doc, 50000)
	if res.Conversions != 1 {
		t.Errorf("conversions: got %d, want 1", res.Conversions)
	}
	if res.Targeted.Conversions != 1 || res.Full.Conversions != 0 {
		t.Errorf("passes: targeted=%d full=%d", res.Targeted.Conversions, res.Full.Conversions)
	}
	if out := render(t, doc); strings.Count(out, "sats") != 1 {
		t.Errorf("output: %s", out)
	}
}

func TestScan_RestrictedDoesNothing(t *testing.T) {
	rec := &recorder{}
	sandbox := "allow-forms"
	e := newEngine(t, nil,
		WithStatsRecorder(rec),
		WithFrameContext(&FrameContext{Embedded: true, Sandbox: &sandbox}))
	doc := parse(t, `<div class="price">$5</div><p>and $7</p>`)
	before := render(t, doc)

	res := e.Scan(doc, 50000)
	if res.Status != StatusSkipped || res.TerminationReason != ReasonRestricted {
		t.Fatalf("status: got %s/%s", res.Status, res.TerminationReason)
	}
	if !res.Verdict.Restricted || res.Verdict.Severity != "high" {
		t.Errorf("verdict: %+v", res.Verdict)
	}
	if res.Targeted.Operations != 0 || res.Full.Operations != 0 {
		t.Error("walker ran under a restricted verdict")
	}
	if render(t, doc) != before {
		t.Error("document mutated under a restricted verdict")
	}

	body := doc.LastChild.LastChild
	if got := e.ProcessSubtree(body); got.Status != StatusSkipped {
		t.Errorf("ProcessSubtree: got %s", got.Status)
	}

	e.SetContext(nil)
	if res := e.Scan(doc, 50000); res.Conversions != 2 {
		t.Errorf("after lifting the restriction: conversions=%d", res.Conversions)
	}
	if len(rec.results) != 3 {
		t.Errorf("recorded: got %d results, want 3", len(rec.results))
	}
}

func TestScan_StructuredPrice(t *testing.T) {
	e := newEngine(t, nil)
	doc := parse(t, `<div class="product"><span class="price-box"><span class="currency">$</span><span class="whole">19</span><span class="fraction">99</span></span></div>`)

	res := e.Scan(doc, 50000)
	if res.Containers != 1 {
		t.Fatalf("containers: got %d, want 1 (failures %v)", res.Containers, res.Failures())
	}
	ann := annotations(doc)
	if len(ann) != 1 {
		t.Fatalf("annotations: got %d, want 1", len(ann))
	}
	if got := dom.Text(ann[0], 0); got != "$19.99 (39,980 sats)" {
		t.Errorf("annotation: got %q", got)
	}
	box := ann[0].PrevSibling
	if !dom.HasAttr(box, dom.AttrProcessed) || dom.Visible(box) {
		t.Error("container not marked and suppressed")
	}
	for _, n := range dom.TextNodes(box) {
		if strings.Contains(n.Data, "sats") {
			t.Errorf("part %q converted as text", n.Data)
		}
	}
}

func TestScan_PriceBesideQuantity(t *testing.T) {
	e := newEngine(t, nil)
	doc := parse(t, `<div class="price-box"><span>Qty</span><span>2</span><span>$19.99</span></div>`)

	e.Scan(doc, 50000)
	out := render(t, doc)
	if strings.Contains(out, "display:none") || strings.Contains(out, "display: none") {
		t.Errorf("container suppressed: %s", out)
	}
	if !strings.Contains(out, "$19.99 (39,980 sats)") || strings.Count(out, "sats") != 1 {
		t.Errorf("want only $19.99 converted: %s", out)
	}
}

func TestScan_CandidateListIsLinear(t *testing.T) {
	e := newEngine(t, nil)
	doc := parse(t, "<ul>"+strings.Repeat(`<li class="price-item">From <b>5</b> units</li>`, 2000)+"</ul>")

	start := time.Now()
	res := e.Scan(doc, 50000)
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("scan took %v", elapsed)
	}
	if res.Status != StatusCompleted {
		t.Errorf("status: got %s (%s)", res.Status, res.TerminationReason)
	}
	if res.Failures()["no_container"] == 0 {
		t.Errorf("failures: got %v", res.Failures())
	}
}

func TestScan_OperationsBudget(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Budgets.MaxOperations = 10
	e := newEngine(t, cfg)
	doc := parse(t, "<ul>"+strings.Repeat("<li>$1</li>", 50)+"</ul>")

	res := e.Scan(doc, 50000)
	if res.Status != StatusPartial || res.TerminationReason != ReasonOperations {
		t.Errorf("status: got %s/%s", res.Status, res.TerminationReason)
	}
	if res.Full.Operations != 10 {
		t.Errorf("full pass operations: got %d", res.Full.Operations)
	}
}

func TestScan_InvalidInput(t *testing.T) {
	e := newEngine(t, nil)
	doc := parse(t, `<p>$5</p>`)

	cases := []struct {
		name string
		root *html.Node
		rate float64
	}{
		{"nil root", nil, 50000},
		{"text root", &html.Node{Type: html.TextNode, Data: "$5"}, 50000},
		{"zero rate", doc, 0},
		{"negative rate", doc, -1},
		{"nan rate", doc, math.NaN()},
		{"inf rate", doc, math.Inf(1)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := e.Scan(tc.root, tc.rate)
			if res.Status != StatusInvalid || res.TerminationReason != ReasonInvalidInput {
				t.Errorf("got %s/%s", res.Status, res.TerminationReason)
			}
		})
	}
	if strings.Contains(render(t, doc), "sats") {
		t.Error("invalid scan mutated the document")
	}
}

func TestProcessSubtree(t *testing.T) {
	e := newEngine(t, nil)
	doc := parse(t, `<div id="feed"><p>$3</p></div>`)

	if res := e.ProcessSubtree(doc); res.Status != StatusSkipped || res.TerminationReason != ReasonNoScan {
		t.Errorf("before scan: got %s/%s", res.Status, res.TerminationReason)
	}
	e.Scan(doc, 50000)

	feed := doc.LastChild.LastChild.FirstChild
	item := parse(t, `<p>new $8</p>`).LastChild.LastChild.FirstChild
	item.Parent.RemoveChild(item)
	feed.AppendChild(item)

	if res := e.ProcessSubtree(feed); res.Conversions != 0 {
		t.Errorf("visited parent: converted %d", res.Conversions)
	}
	res := e.ProcessSubtree(item)
	if res.Conversions != 1 || res.Kind != "incremental" {
		t.Errorf("ProcessSubtree: %+v", res)
	}
	if res := e.ProcessSubtree(item); res.Conversions != 0 {
		t.Errorf("second call converted %d", res.Conversions)
	}
}

func TestSetRate(t *testing.T) {
	e := newEngine(t, nil)
	if err := e.SetRate(math.NaN()); err == nil {
		t.Error("expected an error for NaN")
	}
	if err := e.SetRate(60000); err != nil || e.Rate() != 60000 {
		t.Errorf("SetRate: err=%v rate=%v", err, e.Rate())
	}
}

func TestNew_RejectsBadSelector(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tables.TargetedSelectors = []string{"div[["}
	if _, err := New(cfg); err == nil {
		t.Error("expected a selector error")
	}
}

func TestWatch_AppliesBatches(t *testing.T) {
	defer goleak.VerifyNone(t)

	cfg := DefaultConfig()
	cfg.Incremental.DebounceWindow = time.Millisecond
	cfg.Incremental.ThrottleInterval = time.Millisecond
	e := newEngine(t, cfg)
	doc := parse(t, `<div id="feed"><p>$3</p></div>`)
	e.Scan(doc, 50000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Watch(ctx) }()

	res := e.Apply(&mutation.Batch{Seq: 1, Records: []mutation.Record{
		{Op: mutation.OpInsert, XPath: "/html/body/div", HTML: `<p class="late">now $8</p>`},
	}})
	if res.Applied != 1 || res.Inserted != 1 {
		t.Fatalf("Apply: %+v", res)
	}

	converted := false
	for i := 0; i < 200 && !converted; i++ {
		e.Locker().Lock()
		converted = strings.Contains(render(t, doc), "now $8 (16,000 sats)")
		e.Locker().Unlock()
		if !converted {
			time.Sleep(5 * time.Millisecond)
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch: %v", err)
	}
	if !converted {
		t.Fatal("inserted node was not converted")
	}
	if st := e.ControllerStats(); st.Processed != 1 {
		t.Errorf("controller stats: %+v", st)
	}
}
