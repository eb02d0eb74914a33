// Package markup extracts references from HTML documents.
package markup

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Reference is one attribute value found in a document.
type Reference struct {
	Tag   string
	Value string
}

// Selector names a tag and the attribute that holds its reference.
type Selector struct {
	Tag  string
	Attr string
}

// Links and Images are the selectors the parse workers use.
var (
	Links  = Selector{Tag: "a", Attr: "href"}
	Images = Selector{Tag: "img", Attr: "src"}
)

// SelectAttr returns the trimmed, non-empty values of attr on every tag
// element in body, in document order.
func SelectAttr(body []byte, tag, attr string) ([]string, error) {
	refs, err := Extract(body, Selector{Tag: tag, Attr: attr})
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(refs))
	for _, ref := range refs {
		out = append(out, ref.Value)
	}
	return out, nil
}

// Extract runs every selector over body. Results are grouped by selector in
// the order given.
func Extract(body []byte, selectors ...Selector) ([]Reference, error) {
	if len(body) == 0 {
		return nil, nil
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	var out []Reference
	for _, sel := range selectors {
		if sel.Tag == "" || sel.Attr == "" {
			continue
		}
		doc.Find(sel.Tag + "[" + sel.Attr + "]").Each(func(_ int, s *goquery.Selection) {
			value, ok := s.Attr(sel.Attr)
			value = strings.TrimSpace(value)
			if !ok || value == "" {
				return
			}
			out = append(out, Reference{Tag: sel.Tag, Value: value})
		})
	}
	return out, nil
}
