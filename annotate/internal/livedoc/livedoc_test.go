package livedoc

import (
	"strings"
	"testing"

	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate/internal/dom"
	"github.com/hazyhaar/satlens/mutation"
)

type fakeNotifier struct {
	inserted []*html.Node
	visible  []*html.Node
}

func (f *fakeNotifier) NotifyInserted(nodes ...*html.Node) { f.inserted = append(f.inserted, nodes...) }
func (f *fakeNotifier) NotifyVisible(n *html.Node)         { f.visible = append(f.visible, n) }

func newDoc(t *testing.T, src string) (*Document, *fakeNotifier) {
	t.Helper()
	root, err := html.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	n := &fakeNotifier{}
	return New(root, n, nil, nil), n
}

func render(t *testing.T, n *html.Node) string {
	t.Helper()
	var sb strings.Builder
	if err := html.Render(&sb, n); err != nil {
		t.Fatal(err)
	}
	return sb.String()
}

func TestApply_Insert(t *testing.T) {
	d, n := newDoc(t, `<ul id="list"><li>one</li></ul>`)

	res := d.Apply(&mutation.Batch{Seq: 1, Records: []mutation.Record{
		{Op: mutation.OpInsert, XPath: "/html/body/ul", HTML: `<li class="price">$5</li>`},
		{Op: mutation.OpInsert, XPath: "/html/body/table", HTML: `<p>lost</p>`},
	}})
	if res.Applied != 1 || res.Skipped != 1 || res.Inserted != 1 {
		t.Errorf("result: got %+v", res)
	}
	if len(n.inserted) != 1 || dom.Attr(n.inserted[0], "class") != "price" {
		t.Fatalf("notified: got %d nodes", len(n.inserted))
	}
	if !strings.Contains(render(t, d.Root()), `<li>one</li><li class="price">$5</li>`) {
		t.Errorf("insert not applied: %s", render(t, d.Root()))
	}
}

func TestApply_TextReplacesNode(t *testing.T) {
	d, n := newDoc(t, `<p>was $4</p>`)
	p := dom.Resolve(d.Root(), "/html/body/p")
	old := p.FirstChild

	res := d.Apply(&mutation.Batch{Seq: 1, Records: []mutation.Record{
		{Op: mutation.OpText, XPath: "/html/body/p/text()", Value: "now $3", OldValue: "was $4"},
		{Op: mutation.OpText, XPath: "/html/body/p/text()", Value: "now $2", OldValue: "now $3"},
	}})
	if res.Applied != 1 {
		t.Errorf("consecutive text records should fold into one, got %+v", res)
	}
	if p.FirstChild == old || p.FirstChild.Data != "now $2" {
		t.Errorf("text node not replaced: %q", p.FirstChild.Data)
	}
	if len(n.inserted) != 1 || n.inserted[0] != p.FirstChild {
		t.Error("fresh text node not notified")
	}
}

func TestApply_AttrVisibility(t *testing.T) {
	d, n := newDoc(t, `<div style="display:none"><span>$9</span></div>`)

	d.Apply(&mutation.Batch{Seq: 1, Records: []mutation.Record{
		{Op: mutation.OpAttr, XPath: "/html/body/div", Name: "class", Value: "x"},
	}})
	if len(n.visible) != 0 {
		t.Fatal("still hidden element reported visible")
	}

	d.Apply(&mutation.Batch{Seq: 2, Records: []mutation.Record{
		{Op: mutation.OpAttrDel, XPath: "/html/body/div", Name: "style"},
	}})
	if len(n.visible) != 1 || n.visible[0].Data != "div" {
		t.Errorf("visible: got %d notifications", len(n.visible))
	}
}

func TestApply_RemoveTakesAnnotation(t *testing.T) {
	d, _ := newDoc(t, `<div><span id="c" class="price">$</span><b>keep</b></div>`)
	c := dom.Resolve(d.Root(), "/html/body/div/span")
	dom.SetAttr(c, dom.AttrProcessed, "true")
	if err := dom.InsertAfter(c, dom.NewAnnotation("$1 (2,000 sats)")); err != nil {
		t.Fatal(err)
	}

	res := d.Apply(&mutation.Batch{Seq: 1, Records: []mutation.Record{
		{Op: mutation.OpRemove, XPath: "/html/body/div/span"},
	}})
	if res.Applied != 1 {
		t.Fatalf("result: got %+v", res)
	}
	if out := render(t, d.Root()); strings.Contains(out, "sats") || !strings.Contains(out, "<b>keep</b>") {
		t.Errorf("after remove: %s", out)
	}
}

func TestApply_DocResetStops(t *testing.T) {
	d, _ := newDoc(t, `<p>x</p>`)
	res := d.Apply(&mutation.Batch{Seq: 1, Records: []mutation.Record{
		{Op: mutation.OpDocReset},
		{Op: mutation.OpInsert, XPath: "/html/body", HTML: "<p>y</p>"},
	}})
	if !res.Reset || res.Applied != 0 {
		t.Errorf("result: got %+v", res)
	}
}
