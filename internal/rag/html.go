package rag

import (
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractText pulls readable text out of an HTML document: script, style
// and navigation chrome are dropped, block elements are separated by
// newlines, and runs of whitespace are collapsed.
func ExtractText(r io.Reader) (string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return "", fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, noscript, nav, header, footer, iframe").Remove()

	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	var b strings.Builder
	root.Find("p, h1, h2, h3, h4, h5, h6, li, td, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(collapseSpaces(s.Text()))
		if text != "" {
			b.WriteString(text)
			b.WriteString("\n\n")
		}
	})

	out := strings.TrimSpace(b.String())
	if out == "" {
		// no block elements; fall back to the raw text
		out = strings.TrimSpace(collapseSpaces(root.Text()))
	}
	return out, nil
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
