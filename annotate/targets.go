package annotate

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// likelyPrice matches the elements of the targeted pass. MatchAll does not
// descend into a match, so nested matches collapse to the outermost one.
type likelyPrice []cascadia.Selector

var _ goquery.Matcher = likelyPrice(nil)

func compileTargets(sels []string) (likelyPrice, error) {
	out := make(likelyPrice, 0, len(sels))
	for _, s := range sels {
		c, err := cascadia.Compile(s)
		if err != nil {
			return nil, fmt.Errorf("annotate: targeted selector %q: %w", s, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (m likelyPrice) Match(n *html.Node) bool {
	if n == nil || n.Type != html.ElementNode {
		return false
	}
	for _, s := range m {
		if s.Match(n) {
			return true
		}
	}
	return false
}

func (m likelyPrice) MatchAll(n *html.Node) []*html.Node {
	var out []*html.Node
	stack := []*html.Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if m.Match(cur) {
			out = append(out, cur)
			continue
		}
		for c := cur.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
	return out
}

func (m likelyPrice) Filter(nodes []*html.Node) []*html.Node {
	var out []*html.Node
	for _, n := range nodes {
		if m.Match(n) {
			out = append(out, n)
		}
	}
	return out
}

// targets returns the outermost likely-price elements under root, in
// document order.
func (m likelyPrice) targets(root *html.Node) []*html.Node {
	if len(m) == 0 {
		return nil
	}
	if m.Match(root) {
		return []*html.Node{root}
	}
	return goquery.NewDocumentFromNode(root).FindMatcher(m).Nodes
}
