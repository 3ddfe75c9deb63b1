package fetch

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var blankRunRe = regexp.MustCompile(`\n{3,}`)

// Elements dropped before conversion when no main content region exists.
var boilerplateTags = map[atom.Atom]bool{
	atom.Nav: true, atom.Header: true, atom.Footer: true, atom.Aside: true,
	atom.Script: true, atom.Style: true, atom.Noscript: true, atom.Iframe: true,
	atom.Object: true, atom.Embed: true, atom.Form: true, atom.Button: true,
}

var boilerplateClasses = map[string]bool{
	"nav": true, "navbar": true, "sidebar": true, "menu": true, "toc": true,
	"footer": true, "header": true, "ad": true, "advertisement": true,
	"share": true, "comments": true, "breadcrumb": true,
}

// Document is the result of converting an HTML page.
type Document struct {
	Title    string
	Markdown string
}

// Converter turns HTML into GitHub-flavored markdown, keeping the page's main
// content region when it has one.
type Converter struct {
	md *md.Converter
}

// NewConverter creates a Converter.
func NewConverter() *Converter {
	conv := md.NewConverter("", true, nil)
	conv.Use(plugin.GitHubFlavored())
	return &Converter{md: conv}
}

// Convert parses content and returns its title and markdown body.
func (c *Converter) Convert(content []byte) (*Document, error) {
	root, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	title := ""
	if n := find(root, func(n *html.Node) bool { return n.DataAtom == atom.Title }); n != nil {
		title = strings.TrimSpace(text(n))
	}

	region := mainRegion(root)
	var buf bytes.Buffer
	if err := html.Render(&buf, region); err != nil {
		return nil, fmt.Errorf("render HTML: %w", err)
	}

	out, err := c.md.ConvertString(buf.String())
	if err != nil {
		return nil, fmt.Errorf("convert to markdown: %w", err)
	}
	out = tidy(out)

	if title == "" {
		title = firstHeading(out)
	}
	return &Document{Title: title, Markdown: out}, nil
}

// mainRegion returns <main>, <article>, or role=main when present; otherwise
// the body with boilerplate removed.
func mainRegion(root *html.Node) *html.Node {
	for _, match := range []func(*html.Node) bool{
		func(n *html.Node) bool { return n.DataAtom == atom.Main },
		func(n *html.Node) bool { return n.DataAtom == atom.Article },
		func(n *html.Node) bool { return attr(n, "role") == "main" },
	} {
		if n := find(root, match); n != nil {
			return n
		}
	}

	prune(root)
	if body := find(root, func(n *html.Node) bool { return n.DataAtom == atom.Body }); body != nil {
		return body
	}
	return root
}

// find returns the first element in document order satisfying match.
func find(root *html.Node, match func(*html.Node) bool) *html.Node {
	stack := []*html.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Type == html.ElementNode && match(n) {
			return n
		}
		for c := n.LastChild; c != nil; c = c.PrevSibling {
			stack = append(stack, c)
		}
	}
	return nil
}

// prune removes boilerplate elements below root.
func prune(root *html.Node) {
	var doomed []*html.Node
	stack := []*html.Node{root}
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if n.Type == html.ElementNode && isBoilerplate(n) {
			doomed = append(doomed, n)
			continue
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			stack = append(stack, c)
		}
	}
	for _, n := range doomed {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

func isBoilerplate(n *html.Node) bool {
	if boilerplateTags[n.DataAtom] {
		return true
	}
	for _, class := range strings.Fields(strings.ToLower(attr(n, "class"))) {
		if boilerplateClasses[class] {
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

func text(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

// tidy trims trailing whitespace per line and collapses runs of blank lines.
func tidy(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	s = blankRunRe.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(s)
}

func firstHeading(markdown string) string {
	for _, line := range strings.Split(markdown, "\n") {
		if h, ok := strings.CutPrefix(strings.TrimSpace(line), "# "); ok {
			return strings.TrimSpace(h)
		}
	}
	return ""
}
