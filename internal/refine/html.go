// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package refine

import (
	"bytes"
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// quoteClasses are class names mail clients put on quoted-history wrappers.
var quoteClasses = []string{"gmail_quote", "yahoo_quoted", "moz-cite-prefix", "protonmail_quote", "zmail_extra"}

// quoteIDs start an Outlook reply header; the node and everything after it
// is history.
var quoteIDs = []string{"divRplyFwdMsg", "appendonsend", "mail-editor-reference-message-container"}

// StripHTMLQuotes removes quoted history from an HTML body. When the markup
// cannot be parsed, or no quote wrapper is found, the input is returned
// unchanged.
func StripHTMLQuotes(body string) string {
	if strings.TrimSpace(body) == "" {
		return body
	}
	ctx := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(strings.NewReader(body), ctx)
	if err != nil {
		return body
	}

	root := &html.Node{Type: html.DocumentNode}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	if !removeQuotes(root) {
		return body
	}

	var buf bytes.Buffer
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&buf, c); err != nil {
			return body
		}
	}
	return buf.String()
}

// removeQuotes deletes quote nodes under n and reports whether anything was
// removed.
func removeQuotes(n *html.Node) bool {
	removed := false
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type == html.ElementNode {
			switch {
			case isTrailingQuote(c):
				for d := c; d != nil; {
					after := d.NextSibling
					n.RemoveChild(d)
					d = after
				}
				return true
			case isQuote(c):
				n.RemoveChild(c)
				removed = true
			default:
				if removeQuotes(c) {
					removed = true
				}
			}
		}
		c = next
	}
	return removed
}

func isQuote(n *html.Node) bool {
	if n.DataAtom == atom.Blockquote && strings.EqualFold(attr(n, "type"), "cite") {
		return true
	}
	for _, class := range strings.Fields(attr(n, "class")) {
		for _, q := range quoteClasses {
			if class == q {
				return true
			}
		}
	}
	return false
}

func isTrailingQuote(n *html.Node) bool {
	id := attr(n, "id")
	for _, q := range quoteIDs {
		if id == q {
			return true
		}
	}
	return false
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

var blankRuns = regexp.MustCompile(`\n{3,}`)

// HTMLToText renders an HTML body as readable plain text: block elements
// start new lines, list items get a bullet, scripts and styles are dropped.
func HTMLToText(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return ""
	}
	var b strings.Builder
	walkText(&b, doc)

	lines := strings.Split(b.String(), "\n")
	for i, l := range lines {
		lines[i] = strings.Join(strings.Fields(l), " ")
	}
	out := strings.Join(lines, "\n")
	out = blankRuns.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}

func walkText(b *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		b.WriteString(n.Data)
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head, atom.Title:
			return
		case atom.Br:
			b.WriteString("\n")
			return
		case atom.Li:
			b.WriteString("\n- ")
		case atom.P, atom.Div, atom.Tr, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
			atom.Blockquote, atom.Pre, atom.Table, atom.Ul, atom.Ol, atom.Hr:
			b.WriteString("\n")
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkText(b, c)
	}
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.P, atom.Div, atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Table, atom.Blockquote:
			b.WriteString("\n")
		case atom.Td, atom.Th:
			b.WriteString(" ")
		}
	}
}
