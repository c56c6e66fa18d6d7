// Package pagesource acquires the html tree and browsing context a scan
// runs on: a local file, a plain HTTP GET, or a page rendered in Chrome.
package pagesource

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html"

	"github.com/hazyhaar/satlens/annotate"
	"github.com/hazyhaar/satlens/mutation"
)

const maxBody = 10 << 20

// ErrTooLarge is returned for documents over 10MB.
var ErrTooLarge = errors.New("pagesource: document exceeds 10MB")

// Page is a parsed document ready to scan.
type Page struct {
	URL   string
	Root  *html.Node
	Hash  string // sha256 of the raw html
	Frame *annotate.FrameContext
	Size  int
}

// Load parses html from r. pageURL may be empty.
func Load(r io.Reader, pageURL string) (*Page, error) {
	body, err := readLimited(r)
	if err != nil {
		return nil, fmt.Errorf("pagesource: read: %w", err)
	}
	return parse(body, pageURL, &annotate.FrameContext{URL: pageURL})
}

// readLimited reads r to the end, failing rather than truncating past
// maxBody.
func readLimited(r io.Reader) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, maxBody+1))
	if err != nil {
		return nil, err
	}
	if len(body) > maxBody {
		return nil, ErrTooLarge
	}
	return body, nil
}

func parse(body []byte, pageURL string, frame *annotate.FrameContext) (*Page, error) {
	root, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("pagesource: parse: %w", err)
	}
	frame.Document = root
	return &Page{
		URL:   pageURL,
		Root:  root,
		Hash:  mutation.HashHTML(body),
		Frame: frame,
		Size:  len(body),
	}, nil
}

// Sufficient reports whether a fetched page carries enough text to be
// scanned without rendering: at least 200 visible characters, at least a
// tenth of the document, and no empty single-page-app mount point.
func (p *Page) Sufficient() bool {
	if p == nil || p.Root == nil || p.Size < 256 {
		return false
	}
	text := 0
	shell := false
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			text += len(strings.Join(strings.Fields(n.Data), ""))
		case html.ElementNode:
			switch n.Data {
			case "script", "style", "noscript", "template":
				return
			case "div":
				for _, a := range n.Attr {
					if a.Key == "id" && (a.Val == "root" || a.Val == "app" || a.Val == "__next") && n.FirstChild == nil {
						shell = true
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(p.Root)
	return !shell && text >= 200 && float64(text)/float64(p.Size) >= 0.10
}
