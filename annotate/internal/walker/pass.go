package walker

import "golang.org/x/net/html"

// Pass is the per-walk state handed to a ContainerHandler.
type Pass struct {
	Visited *VisitationSet
	Memo    *Memo

	charged int // total
	pending int // not yet added to the walk's stats
}

// NewPass returns a Pass over visited with a fresh Memo, for use outside
// a walk.
func NewPass(visited *VisitationSet) *Pass {
	return &Pass{Visited: visited, Memo: NewMemo()}
}

// Charge adds n operations to the walk. The walk stops at its next step
// once the budget is spent.
func (p *Pass) Charge(n int) {
	if n > 0 {
		p.charged += n
		p.pending += n
	}
}

// Charged returns the operations charged so far.
func (p *Pass) Charged() int { return p.charged }

func (p *Pass) take() int {
	n := p.pending
	p.pending = 0
	return n
}

type memoKey struct {
	node *html.Node
	kind string
}

// Memo caches per-node results of container detection. One Memo may span
// the passes of a scan. It is not safe for concurrent use.
type Memo struct {
	entries map[memoKey]any
}

// NewMemo returns an empty Memo.
func NewMemo() *Memo {
	return &Memo{entries: make(map[memoKey]any)}
}

// Load returns the value stored for n under kind.
func (m *Memo) Load(n *html.Node, kind string) (any, bool) {
	if m == nil {
		return nil, false
	}
	v, ok := m.entries[memoKey{n, kind}]
	return v, ok
}

// Store records v for n under kind.
func (m *Memo) Store(n *html.Node, kind string, v any) {
	if m != nil {
		m.entries[memoKey{n, kind}] = v
	}
}

// Len returns the number of entries.
func (m *Memo) Len() int {
	if m == nil {
		return 0
	}
	return len(m.entries)
}
