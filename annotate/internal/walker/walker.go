// Package walker traverses html subtrees iteratively, converting text nodes
// and handing candidate elements to the container reconstructor. Every node
// is examined at most once per VisitationSet.
package walker

import (
	"errors"
	"log/slog"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate/internal/dom"
)

// Mode selects between the fast filtered pass and the complete pass.
type Mode int

const (
	// Full visits every content-bearing node.
	Full Mode = iota
	// Targeted additionally prunes invisible elements and elements with no
	// price signal.
	Targeted
)

func (m Mode) String() string {
	if m == Targeted {
		return "targeted"
	}
	return "full"
}

// Termination says why a walk stopped.
type Termination string

// Walk terminations.
const (
	Completed              Termination = "completed"
	OperationsLimitReached Termination = "operations_limit_reached"
	StackLimitReached      Termination = "stack_limit_reached"
	InvalidRoot            Termination = "invalid_root"
)

const (
	eligibilityTextLimit = 2048
	defaultMaxOperations = 200_000
	defaultMaxStack      = 10_000
	reasonUnknown        = "unknown"
)

// TextConverter rewrites the prices of a text. Implemented by
// pattern.Annotator.
type TextConverter interface {
	ConvertText(text string) (string, int)
}

// Detector reports whether a text holds a price. Implemented by
// pattern.Library.
type Detector interface {
	Contains(text string) bool
}

// ContainerHandler reconstructs multi-element prices. Handle returns an
// error carrying a reason code when the element is not reconstructed;
// on success it has already marked the container subtree in pass.Visited.
// Work beyond the element itself is charged through pass.Charge.
type ContainerHandler interface {
	Candidate(el *html.Node) bool
	Handle(el *html.Node, pass *Pass) error
}

// Config binds a Walker to its collaborators.
type Config struct {
	Text       TextConverter
	Detector   Detector
	Containers ContainerHandler // optional
	SkipTags   []string
	PriceHints []string
	Visible    func(*html.Node) bool // default dom.Visible
	Logger     *slog.Logger
}

// Options bounds a single walk.
type Options struct {
	Mode          Mode
	MaxOperations int
	MaxStack      int
	Memo          *Memo // shared across walks when set
}

// Stats summarises one walk.
type Stats struct {
	NodesProcessed int
	Conversions    int
	Containers     int
	Operations     int
	Failures       map[string]int
	Termination    Termination
}

func (s *Stats) fail(reason string) {
	if s.Failures == nil {
		s.Failures = make(map[string]int)
	}
	s.Failures[reason]++
}

// Merge adds o's counters to s. The termination is left alone.
func (s *Stats) Merge(o Stats) {
	s.NodesProcessed += o.NodesProcessed
	s.Conversions += o.Conversions
	s.Containers += o.Containers
	s.Operations += o.Operations
	for k, v := range o.Failures {
		if s.Failures == nil {
			s.Failures = make(map[string]int)
		}
		s.Failures[k] += v
	}
}

// Walker is safe to reuse across walks; it holds no per-walk state.
type Walker struct {
	text       TextConverter
	detector   Detector
	containers ContainerHandler
	skip       map[string]bool
	hints      []string
	visible    func(*html.Node) bool
	logger     *slog.Logger
}

// New creates a Walker.
func New(cfg Config) *Walker {
	w := &Walker{
		text:       cfg.Text,
		detector:   cfg.Detector,
		containers: cfg.Containers,
		skip:       make(map[string]bool, len(cfg.SkipTags)),
		visible:    cfg.Visible,
		logger:     cfg.Logger,
	}
	for _, t := range cfg.SkipTags {
		w.skip[strings.ToLower(t)] = true
	}
	for _, h := range cfg.PriceHints {
		w.hints = append(w.hints, strings.ToLower(h))
	}
	if w.visible == nil {
		w.visible = dom.Visible
	}
	if w.logger == nil {
		w.logger = slog.Default()
	}
	return w
}

// Walk traverses root in document order. Each pop costs one operation, as
// does every unit of work charged by the container handler; the walk stops
// early when MaxOperations is reached or when pushing children would grow
// the stack past MaxStack.
func (w *Walker) Walk(root *html.Node, visited *VisitationSet, opts Options) Stats {
	st := Stats{Termination: Completed}
	if root == nil || visited == nil {
		st.Termination = InvalidRoot
		return st
	}
	switch root.Type {
	case html.DocumentNode, html.ElementNode, html.TextNode:
	default:
		st.Termination = InvalidRoot
		return st
	}
	if opts.MaxOperations <= 0 {
		opts.MaxOperations = defaultMaxOperations
	}
	if opts.MaxStack <= 0 {
		opts.MaxStack = defaultMaxStack
	}

	pass := &Pass{Visited: visited, Memo: opts.Memo}
	if pass.Memo == nil {
		pass.Memo = NewMemo()
	}

	stack := []*html.Node{root}
	for len(stack) > 0 {
		if st.Operations >= opts.MaxOperations {
			st.Termination = OperationsLimitReached
			break
		}
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		st.Operations++

		if visited.Has(n) {
			continue
		}

		switch n.Type {
		case html.TextNode:
			visited.Add(n)
			w.convertText(n, &st)
			continue
		case html.ElementNode:
			descend := w.enterElement(n, pass, opts.Mode, &st)
			st.Operations += pass.take()
			if !descend {
				continue
			}
		case html.DocumentNode:
			if opts.Mode == Full {
				visited.Add(n)
			}
		default:
			continue
		}

		children := 0
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			children++
		}
		if len(stack)+children > opts.MaxStack {
			st.Termination = StackLimitReached
			break
		}
		for c := n.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
	return st
}

// enterElement does the per-element work and reports whether the walk
// should descend into n.
func (w *Walker) enterElement(n *html.Node, pass *Pass, mode Mode, st *Stats) bool {
	visited := pass.Visited
	if w.skip[n.Data] || dom.IsEngineNode(n) {
		if mode == Full {
			visited.Add(n)
		}
		return false
	}
	if mode == Targeted && !w.eligible(n) {
		return false
	}
	if mode == Full {
		visited.Add(n)
	}
	st.NodesProcessed++

	if w.containers == nil || !w.containers.Candidate(n) {
		return true
	}
	err := w.containers.Handle(n, pass)
	if err == nil {
		visited.Add(n)
		st.Containers++
		st.Conversions++
		return false
	}
	reason := reasonUnknown
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		reason = coded.Code()
	}
	st.fail(reason)
	w.logger.Debug("walker: container skipped", "tag", n.Data, "reason", reason, "error", err)
	return true
}

func (w *Walker) convertText(n *html.Node, st *Stats) {
	if strings.TrimSpace(n.Data) == "" || w.text == nil {
		return
	}
	if p := n.Parent; p != nil && ((p.Type == html.ElementNode && w.skip[p.Data]) || dom.IsEngineNode(p)) {
		return
	}
	st.NodesProcessed++
	out, k := w.text.ConvertText(n.Data)
	if k == 0 {
		return
	}
	n.Data = out
	st.Conversions += k
}

// eligible is the targeted-mode filter: visible and carrying a price-like
// class, id or text.
func (w *Walker) eligible(n *html.Node) bool {
	if !w.visible(n) {
		return false
	}
	attrs := strings.ToLower(dom.Attr(n, "class") + " " + dom.Attr(n, "id"))
	for _, h := range w.hints {
		if strings.Contains(attrs, h) {
			return true
		}
	}
	return w.detector != nil && w.detector.Contains(dom.Text(n, eligibilityTextLimit))
}
