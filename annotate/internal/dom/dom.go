// Package dom holds the small set of html.Node helpers the engine shares:
// attribute access, bounded text collection, visibility and safe mutation.
package dom

import (
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Attributes written by the engine.
const (
	AttrProcessed  = "data-satlens-processed"
	AttrAnnotation = "data-satlens-annotation"
	ClassPrice     = "satlens-price"
)

// Attr returns the value of an attribute on a node.
func Attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// HasAttr checks if a node has a specific attribute.
func HasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}

// SetAttr sets or replaces an attribute.
func SetAttr(n *html.Node, key, val string) {
	for i := range n.Attr {
		if n.Attr[i].Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

// Classes returns the class tokens of an element.
func Classes(n *html.Node) []string {
	return strings.Fields(Attr(n, "class"))
}

// HasClass reports whether the element carries class c.
func HasClass(n *html.Node, c string) bool {
	for _, cl := range Classes(n) {
		if cl == c {
			return true
		}
	}
	return false
}

// IsElement reports whether n is an element.
func IsElement(n *html.Node) bool {
	return n != nil && n.Type == html.ElementNode
}

// IsEngineNode reports whether n was written or claimed by the engine.
func IsEngineNode(n *html.Node) bool {
	return IsElement(n) && (HasAttr(n, AttrAnnotation) || HasAttr(n, AttrProcessed))
}

// Text concatenates the text under n without separators, skipping script
// and style content, stopping once limit bytes are collected (0 = no limit).
func Text(n *html.Node, limit int) string {
	var sb strings.Builder
	stack := []*html.Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		switch cur.Type {
		case html.TextNode:
			sb.WriteString(cur.Data)
			if limit > 0 && sb.Len() >= limit {
				return sb.String()
			}
			continue
		case html.ElementNode:
			switch cur.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				continue
			}
		case html.DocumentNode:
		default:
			continue
		}
		for c := cur.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
	return sb.String()
}

// TextNodes returns the non-blank text nodes under n in document order.
func TextNodes(n *html.Node) []*html.Node {
	var out []*html.Node
	Walk(n, func(c *html.Node) bool {
		if c.Type == html.ElementNode {
			switch c.DataAtom {
			case atom.Script, atom.Style, atom.Noscript, atom.Template:
				return false
			}
		}
		if c.Type == html.TextNode && strings.TrimSpace(c.Data) != "" {
			out = append(out, c)
		}
		return true
	})
	return out
}

// Walk visits n and its descendants in document order with an explicit
// stack. Returning false from fn skips the node's children.
func Walk(n *html.Node, fn func(*html.Node) bool) {
	stack := []*html.Node{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if !fn(cur) {
			continue
		}
		for c := cur.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
}

// ElementChildren counts the element children of n.
func ElementChildren(n *html.Node) int {
	count := 0
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode {
			count++
		}
	}
	return count
}

// Hidden reports whether the element itself is hidden by markup.
func Hidden(n *html.Node) bool {
	if !IsElement(n) {
		return false
	}
	if HasAttr(n, "hidden") || Attr(n, "aria-hidden") == "true" || Attr(n, "type") == "hidden" {
		return true
	}
	style := strings.ReplaceAll(strings.ToLower(Attr(n, "style")), " ", "")
	return strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden")
}

// Visible reports whether neither n nor any ancestor is hidden.
func Visible(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if Hidden(cur) {
			return false
		}
	}
	return true
}

// Contains reports whether n is ancestor or equal to other.
func Contains(ancestor, other *html.Node) bool {
	for cur := other; cur != nil; cur = cur.Parent {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// Attached reports whether n hangs under a document node.
func Attached(n *html.Node) bool {
	for cur := n; cur != nil; cur = cur.Parent {
		if cur.Type == html.DocumentNode {
			return true
		}
	}
	return false
}

// InsertAfter inserts node right after ref. html.Node panics on invalid
// insertions; the panic is returned as an error.
func InsertAfter(ref, node *html.Node) (err error) {
	if ref.Parent == nil {
		return fmt.Errorf("dom: insert after detached <%s>", ref.Data)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("dom: insert after <%s>: %v", ref.Data, r)
		}
	}()
	ref.Parent.InsertBefore(node, ref.NextSibling)
	return nil
}

// Suppress hides an element without removing it.
func Suppress(n *html.Node) {
	style := strings.TrimSpace(Attr(n, "style"))
	if style != "" && !strings.HasSuffix(style, ";") {
		style += ";"
	}
	SetAttr(n, "style", style+"display:none")
	SetAttr(n, "aria-hidden", "true")
}

// NewAnnotation builds the <span> that carries a converted label.
func NewAnnotation(text string) *html.Node {
	span := &html.Node{
		Type:     html.ElementNode,
		Data:     "span",
		DataAtom: atom.Span,
		Attr: []html.Attribute{
			{Key: "class", Val: ClassPrice},
			{Key: AttrAnnotation, Val: "true"},
		},
	}
	span.AppendChild(&html.Node{Type: html.TextNode, Data: text})
	return span
}
