package walker

import (
	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate/internal/dom"
)

// VisitationSet records the nodes already examined during one page load,
// keyed by node identity. A fresh top-level scan replaces it rather than
// clearing it.
type VisitationSet struct {
	nodes map[*html.Node]struct{}
}

// NewVisitationSet returns an empty set.
func NewVisitationSet() *VisitationSet {
	return &VisitationSet{nodes: make(map[*html.Node]struct{})}
}

// Has reports whether n was visited.
func (s *VisitationSet) Has(n *html.Node) bool {
	_, ok := s.nodes[n]
	return ok
}

// Add marks n visited and reports whether it was new.
func (s *VisitationSet) Add(n *html.Node) bool {
	if _, ok := s.nodes[n]; ok {
		return false
	}
	s.nodes[n] = struct{}{}
	return true
}

// MarkSubtree marks n and every descendant visited.
func (s *VisitationSet) MarkSubtree(n *html.Node) {
	dom.Walk(n, func(c *html.Node) bool {
		s.nodes[c] = struct{}{}
		return true
	})
}

// Len returns the number of visited nodes.
func (s *VisitationSet) Len() int { return len(s.nodes) }
