// Package livedoc replays observer mutation batches onto an html tree so
// the engine can follow a page that keeps changing after the first scan.
package livedoc

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/hazyhaar/satlens/annotate/internal/dom"
	"github.com/hazyhaar/satlens/mutation"
)

var errUnresolved = errors.New("path does not resolve")

// Notifier receives the nodes worth re-scanning.
type Notifier interface {
	NotifyInserted(nodes ...*html.Node)
	NotifyVisible(n *html.Node)
}

// Result counts what one batch did.
type Result struct {
	Applied  int  `json:"applied"`
	Skipped  int  `json:"skipped"`
	Inserted int  `json:"inserted"`
	Reset    bool `json:"reset"` // the document was replaced; wait for a snapshot
}

// Document is an html tree kept in sync with a remote page.
type Document struct {
	mu     sync.Locker
	root   *html.Node
	notify Notifier
	logger *slog.Logger
	seq    uint64
}

// New wraps root. lock guards the tree against concurrent walks and may
// be nil when nothing else touches it.
func New(root *html.Node, notify Notifier, lock sync.Locker, logger *slog.Logger) *Document {
	if lock == nil {
		lock = &sync.Mutex{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Document{mu: lock, root: root, notify: notify, logger: logger}
}

// Root returns the current tree.
func (d *Document) Root() *html.Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.root
}

// Reset swaps in a new tree, after a snapshot.
func (d *Document) Reset(root *html.Node) {
	d.mu.Lock()
	d.root = root
	d.mu.Unlock()
}

// Apply replays b. Records whose path no longer resolves are skipped.
// A doc_reset record stops the batch.
func (d *Document) Apply(b *mutation.Batch) Result {
	var res Result
	if b == nil {
		return res
	}
	var inserted []*html.Node
	var visible []*html.Node

	d.mu.Lock()
	if d.seq != 0 && b.Seq > d.seq+1 {
		d.logger.Warn("livedoc: batch gap", "page_id", b.PageID, "last_seq", d.seq, "seq", b.Seq)
	}
	if b.Seq > d.seq {
		d.seq = b.Seq
	}
	for _, rec := range mutation.Compress(b.Records) {
		if rec.Op == mutation.OpDocReset {
			res.Reset = true
			break
		}
		nodes, shown, err := d.apply(rec)
		if err != nil {
			res.Skipped++
			d.logger.Debug("livedoc: record skipped", "op", rec.Op, "xpath", rec.XPath, "error", err)
			continue
		}
		res.Applied++
		inserted = append(inserted, nodes...)
		if shown != nil {
			visible = append(visible, shown)
		}
	}
	d.mu.Unlock()

	res.Inserted = len(inserted)
	if d.notify != nil {
		if len(inserted) > 0 {
			d.notify.NotifyInserted(inserted...)
		}
		for _, n := range visible {
			d.notify.NotifyVisible(n)
		}
	}
	return res
}

// apply performs one record and returns the nodes to re-scan and the
// element that just became visible, if any.
func (d *Document) apply(rec mutation.Record) ([]*html.Node, *html.Node, error) {
	switch rec.Op {
	case mutation.OpInsert:
		return d.insert(rec)

	case mutation.OpRemove:
		n := dom.Resolve(d.root, rec.XPath)
		if n == nil || n.Parent == nil {
			return nil, nil, errUnresolved
		}
		// An annotated container takes its annotation with it.
		if dom.HasAttr(n, dom.AttrProcessed) {
			if next := n.NextSibling; dom.IsElement(next) && dom.HasAttr(next, dom.AttrAnnotation) {
				n.Parent.RemoveChild(next)
			}
		}
		n.Parent.RemoveChild(n)
		return nil, nil, nil

	case mutation.OpText:
		return d.text(rec)

	case mutation.OpAttr, mutation.OpAttrDel:
		n := dom.Resolve(d.root, rec.XPath)
		if !dom.IsElement(n) || rec.Name == "" {
			return nil, nil, errUnresolved
		}
		was := dom.Visible(n)
		if rec.Op == mutation.OpAttr {
			dom.SetAttr(n, rec.Name, rec.Value)
		} else {
			removeAttr(n, rec.Name)
		}
		if !was && dom.Visible(n) {
			return nil, n, nil
		}
		return nil, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown op %q", rec.Op)
}

func (d *Document) insert(rec mutation.Record) ([]*html.Node, *html.Node, error) {
	parent := dom.Resolve(d.root, rec.XPath)
	if parent == nil {
		return nil, nil, errUnresolved
	}
	if parent.Type == html.TextNode {
		return nil, nil, errors.New("parent is a text node")
	}

	var nodes []*html.Node
	if rec.HTML == "" {
		if rec.NodeType != 3 || rec.Value == "" {
			return nil, nil, errors.New("empty insert")
		}
		nodes = []*html.Node{{Type: html.TextNode, Data: rec.Value}}
	} else {
		ctx := parent
		if ctx.Type != html.ElementNode {
			ctx = &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
		}
		parsed, err := html.ParseFragment(strings.NewReader(rec.HTML), ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("parse fragment: %w", err)
		}
		nodes = parsed
	}
	for _, n := range nodes {
		parent.AppendChild(n)
	}
	return nodes, nil, nil
}

// text replaces the text node with a fresh one so the visitation set does
// not shadow the new content. Among several text children the one still
// holding the old value wins, then the first.
func (d *Document) text(rec mutation.Record) ([]*html.Node, *html.Node, error) {
	path := strings.TrimSuffix(rec.XPath, "/text()")
	if path == rec.XPath {
		return nil, nil, errors.New("not a text path")
	}
	parent := dom.Resolve(d.root, path)
	if parent == nil {
		return nil, nil, errUnresolved
	}

	var target *html.Node
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.TextNode {
			continue
		}
		if target == nil {
			target = c
		}
		if rec.OldValue != "" && c.Data == rec.OldValue {
			target = c
			break
		}
	}
	if target == nil {
		return nil, nil, errors.New("no text node")
	}

	fresh := &html.Node{Type: html.TextNode, Data: rec.Value}
	parent.InsertBefore(fresh, target)
	parent.RemoveChild(target)
	return []*html.Node{fresh}, nil, nil
}

func removeAttr(n *html.Node, key string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		if a.Key != key {
			out = append(out, a)
		}
	}
	n.Attr = out
}
