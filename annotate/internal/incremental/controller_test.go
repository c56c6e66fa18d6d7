package incremental

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate/internal/dom"
)

func parse(t *testing.T, src string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatal(err)
	}
	return doc
}

func byID(root *html.Node, id string) *html.Node {
	var out *html.Node
	dom.Walk(root, func(n *html.Node) bool {
		if out == nil && n.Type == html.ElementNode && dom.Attr(n, "id") == id {
			out = n
		}
		return out == nil
	})
	return out
}

type recorder struct {
	nodes []*html.Node
}

func (r *recorder) process(n *html.Node) { r.nodes = append(r.nodes, n) }

func TestFlush_CollapsesDescendants(t *testing.T) {
	doc := parse(t, `<div id="a"><p id="b">x</p></div><p id="c">y</p>`)
	rec := &recorder{}
	c := New(Config{BatchSize: 10}, rec.process)
	now := time.Now()

	c.enqueue(byID(doc, "b"), now)
	c.enqueue(byID(doc, "a"), now)
	c.enqueue(byID(doc, "c"), now)
	c.enqueue(byID(doc, "c"), now)
	c.flush(now)

	if len(rec.nodes) != 2 || rec.nodes[0] != byID(doc, "a") || rec.nodes[1] != byID(doc, "c") {
		t.Fatalf("processed %d nodes, want a then c", len(rec.nodes))
	}
	st := c.Stats()
	if st.Batches != 1 || st.Processed != 2 || st.Pending != 0 {
		t.Errorf("stats: got %+v", st)
	}
}

func TestFlush_BatchSize(t *testing.T) {
	doc := parse(t, `<p id="a">1</p><p id="b">2</p><p id="c">3</p><p id="d">4</p><p id="e">5</p>`)
	rec := &recorder{}
	c := New(Config{BatchSize: 2}, rec.process)
	now := time.Now()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		c.enqueue(byID(doc, id), now)
	}

	c.flush(now)
	if len(rec.nodes) != 2 {
		t.Errorf("first batch: got %d nodes, want 2", len(rec.nodes))
	}
	if got := c.Stats().Pending; got != 3 {
		t.Errorf("pending: got %d, want 3", got)
	}
}

func TestFlush_DropsDetached(t *testing.T) {
	doc := parse(t, `<p id="a">1</p>`)
	a := byID(doc, "a")
	a.Parent.RemoveChild(a)

	rec := &recorder{}
	c := New(Config{}, rec.process)
	c.enqueue(a, time.Now())
	c.flush(time.Now())
	if len(rec.nodes) != 0 {
		t.Errorf("detached node processed")
	}
}

func TestOffscreen_ProcessedOnceWhenVisible(t *testing.T) {
	doc := parse(t, `<div id="wrap" style="display:none"><p id="a">$5</p></div>`)
	rec := &recorder{}
	c := New(Config{}, rec.process)
	now := time.Now()
	a := byID(doc, "a")

	c.enqueue(a, now)
	c.flush(now)
	if len(rec.nodes) != 0 {
		t.Fatal("hidden node processed")
	}
	if got := c.Stats().Registered; got != 1 {
		t.Fatalf("registered: got %d, want 1", got)
	}

	wrap := byID(doc, "wrap")
	dom.SetAttr(wrap, "style", "")
	c.onVisible(wrap, now)
	c.onVisible(wrap, now)
	c.flush(now)
	if len(rec.nodes) != 1 || rec.nodes[0] != a {
		t.Fatalf("processed %d nodes after visibility, want a once", len(rec.nodes))
	}

	c.onVisible(wrap, now)
	if len(c.queue) != 0 {
		t.Error("unregistered node queued again")
	}
}

func TestDebouncer_Next(t *testing.T) {
	d := newDebouncer(100*time.Millisecond, time.Second, 500*time.Millisecond)
	t0 := time.Now()

	d.touch(t0)
	if wait, throttled := d.next(t0, false); wait != 100*time.Millisecond || throttled {
		t.Errorf("first window: got %v throttled=%v", wait, throttled)
	}

	d.flushed(t0.Add(100*time.Millisecond), 0)
	d.touch(t0.Add(150 * time.Millisecond))
	wait, throttled := d.next(t0.Add(300*time.Millisecond), false)
	if wait != 300*time.Millisecond || !throttled {
		t.Errorf("throttled window: got %v throttled=%v, want 300ms throttled", wait, throttled)
	}
}

func TestDebouncer_MaxWait(t *testing.T) {
	d := newDebouncer(100*time.Millisecond, 300*time.Millisecond, 0)
	t0 := time.Now()

	for at := time.Duration(0); at <= 250*time.Millisecond; at += 50 * time.Millisecond {
		d.touch(t0.Add(at))
	}
	if wait, _ := d.next(t0.Add(250*time.Millisecond), false); wait != 50*time.Millisecond {
		t.Errorf("wait: got %v, want 50ms", wait)
	}
	if wait, _ := d.next(t0.Add(400*time.Millisecond), false); wait != 0 {
		t.Errorf("wait past max: got %v, want 0", wait)
	}
}

func TestDebouncer_FullBatch(t *testing.T) {
	d := newDebouncer(100*time.Millisecond, time.Second, 500*time.Millisecond)
	t0 := time.Now()

	d.touch(t0)
	if wait, _ := d.next(t0, true); wait != 0 {
		t.Errorf("full batch: got %v, want 0", wait)
	}

	d.flushed(t0, 5)
	d.touch(t0.Add(10 * time.Millisecond))
	wait, throttled := d.next(t0.Add(10*time.Millisecond), true)
	if wait != 490*time.Millisecond || !throttled {
		t.Errorf("full batch after flush: got %v throttled=%v, want 490ms throttled", wait, throttled)
	}
}

func TestRun_SteadyStreamFlushes(t *testing.T) {
	defer goleak.VerifyNone(t)

	var b strings.Builder
	for i := range 60 {
		fmt.Fprintf(&b, `<p id="p%d">%d</p>`, i, i)
	}
	doc := parse(t, b.String())

	var processed atomic.Int64
	c := New(Config{
		DebounceWindow:   50 * time.Millisecond,
		MaxWait:          200 * time.Millisecond,
		ThrottleInterval: 100 * time.Millisecond,
		BatchSize:        5,
	}, func(*html.Node) { processed.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	// One insertion every 20ms never leaves a quiet debounce window.
	for i := range 60 {
		c.NotifyInserted(byID(doc, fmt.Sprintf("p%d", i)))
		time.Sleep(20 * time.Millisecond)
	}
	during := processed.Load()
	st := c.Stats()

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run: %v", err)
	}
	if during < 20 {
		t.Errorf("processed during stream: got %d, want at least 20", during)
	}
	if st.Batches < 4 {
		t.Errorf("batches during stream: got %d, want at least 4", st.Batches)
	}
	if st.Pending > 20 {
		t.Errorf("pending grew to %d", st.Pending)
	}
}

func TestRun_ProcessesAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	doc := parse(t, `<p id="a">1</p><p id="b">2</p>`)
	done := make(chan *html.Node, 4)
	c := New(Config{
		DebounceWindow:   5 * time.Millisecond,
		ThrottleInterval: 10 * time.Millisecond,
	}, func(n *html.Node) { done <- n })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- c.Run(ctx) }()

	c.NotifyInserted(byID(doc, "a"), byID(doc, "b"))

	for range 2 {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for the batch")
		}
	}

	cancel()
	if err := <-errCh; err != nil {
		t.Errorf("Run: %v", err)
	}
	if st := c.Stats(); st.Processed != 2 || st.Batches != 1 {
		t.Errorf("stats: got %+v", st)
	}
}
