package dom

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// XPath computes the positional path of n in the domwatch format:
// html, head and body are fixed; an element gets an index only when its
// parent has several children with the same tag; text and comment nodes
// end in text() and comment(). Annotation nodes written by the engine are
// not counted, so paths match the page the observer sees.
func XPath(n *html.Node) string {
	if n == nil {
		return ""
	}
	switch n.Type {
	case html.DocumentNode:
		return ""
	case html.DoctypeNode:
		return XPath(n.Parent)
	case html.TextNode:
		return XPath(n.Parent) + "/text()"
	case html.CommentNode:
		return XPath(n.Parent) + "/comment()"
	case html.ElementNode:
	default:
		return XPath(n.Parent) + "/" + n.Data
	}

	switch n.Data {
	case "html":
		return "/html"
	case "body":
		return "/html/body"
	case "head":
		return "/html/head"
	}

	parentPath := XPath(n.Parent)
	if n.Parent == nil {
		return parentPath + "/" + n.Data
	}

	idx, total := 1, 0
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != html.ElementNode || c.Data != n.Data || HasAttr(c, AttrAnnotation) {
			continue
		}
		total++
		if c == n {
			idx = total
		}
	}
	if total > 1 {
		return fmt.Sprintf("%s/%s[%d]", parentPath, n.Data, idx)
	}
	return parentPath + "/" + n.Data
}

// Resolve finds the node addressed by path under the document root. A
// text() step resolves to the first text child. Returns nil when any step
// does not resolve.
func Resolve(root *html.Node, path string) *html.Node {
	if root == nil || path == "" || !strings.HasPrefix(path, "/") {
		return nil
	}
	cur := root
	for _, step := range strings.Split(path[1:], "/") {
		if step == "" {
			return nil
		}
		cur = resolveStep(cur, step)
		if cur == nil {
			return nil
		}
	}
	return cur
}

func resolveStep(parent *html.Node, step string) *html.Node {
	switch step {
	case "text()":
		return firstChild(parent, func(c *html.Node) bool { return c.Type == html.TextNode })
	case "comment()":
		return firstChild(parent, func(c *html.Node) bool { return c.Type == html.CommentNode })
	}

	tag, idx := step, 1
	if open := strings.IndexByte(step, '['); open > 0 && strings.HasSuffix(step, "]") {
		n, err := strconv.Atoi(step[open+1 : len(step)-1])
		if err != nil || n < 1 {
			return nil
		}
		tag, idx = step[:open], n
	}

	seen := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && c.Data == tag && !HasAttr(c, AttrAnnotation) {
			seen++
			if seen == idx {
				return c
			}
		}
	}
	return nil
}

func firstChild(parent *html.Node, match func(*html.Node) bool) *html.Node {
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if match(c) {
			return c
		}
	}
	return nil
}
