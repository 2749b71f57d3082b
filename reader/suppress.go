package reader

import (
	"fmt"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// shadowPrefix marks an attribute holding the value a suppressed attribute had.
const shadowPrefix = "data-suppressed-"

var (
	srcTags    = []string{"img", "embed", "object", "audio", "video", "source", "iframe"}
	srcsetTags = []string{"img", "source"}
	hrefTags   = []string{"link", "a", "style"}

	// only these names are ever stashed, so Restore ignores unrelated data-suppressed-* markup.
	shadowedAttrs = map[string]bool{"src": true, "srcset": true, "href": true}
)

type neutralizeTarget struct {
	sel  cascadia.Selector
	attr string
}

var (
	scriptSel = cascadia.MustCompile("script")
	styleSel  = cascadia.MustCompile("style")
	imgSrcSel = cascadia.MustCompile("img[src]")

	neutralizeTargets = []neutralizeTarget{
		{sel: cascadia.MustCompile(withAttr(srcTags, "src")), attr: "src"},
		{sel: cascadia.MustCompile(withAttr(srcsetTags, "srcset")), attr: "srcset"},
		{sel: cascadia.MustCompile(withAttr(hrefTags, "href")), attr: "href"},
	}

	restoreSel = cascadia.MustCompile(strings.Join(append(append([]string{}, srcTags...), hrefTags...), ", "))
)

func withAttr(tags []string, attr string) string {
	parts := make([]string, 0, len(tags))
	for _, t := range tags {
		parts = append(parts, t+"["+attr+"]")
	}
	return strings.Join(parts, ", ")
}

// Suppress rewrites doc in place so the given mode's subresources cannot load. Every
// neutralized value is stashed in a shadow attribute that Restore puts back.
func Suppress(doc *html.Node, mode SuppressionMode) {
	if doc == nil {
		return
	}
	switch mode {
	case SuppressAll:
		removeMatching(doc, scriptSel)
		removeMatching(doc, styleSel)
		neutralize(doc)
	case SuppressAllExceptScripts:
		removeMatching(doc, styleSel)
		neutralize(doc)
	case SuppressImagesOnly:
		for _, n := range imgSrcSel.MatchAll(doc) {
			stash(n, "src", true)
		}
	}
}

// Restore moves every shadow attribute back to its original name and drops the shadow.
// Running it on an already restored tree changes nothing.
func Restore(doc *html.Node) {
	if doc == nil {
		return
	}
	for _, n := range restoreSel.MatchAll(doc) {
		restoreNode(n)
	}
}

func neutralize(doc *html.Node) {
	for _, t := range neutralizeTargets {
		for _, n := range t.sel.MatchAll(doc) {
			stash(n, t.attr, false)
		}
	}
}

// stash copies attr into its shadow and then removes it, or blanks it when blank is set.
// Empty values and elements that already carry the shadow name are left alone.
func stash(n *html.Node, attr string, blank bool) bool {
	i := attrIndex(n, attr)
	if i < 0 || n.Attr[i].Val == "" {
		return false
	}
	shadow := shadowPrefix + attr
	if attrIndex(n, shadow) >= 0 {
		return false
	}
	val := n.Attr[i].Val
	if blank {
		n.Attr[i].Val = ""
	} else {
		n.Attr = append(n.Attr[:i], n.Attr[i+1:]...)
	}
	n.Attr = append(n.Attr, html.Attribute{Key: shadow, Val: val})
	return true
}

func restoreNode(n *html.Node) {
	var shadows []html.Attribute
	kept := make([]html.Attribute, 0, len(n.Attr))
	for _, a := range n.Attr {
		if a.Namespace == "" && strings.HasPrefix(a.Key, shadowPrefix) && shadowedAttrs[a.Key[len(shadowPrefix):]] {
			shadows = append(shadows, a)
			continue
		}
		kept = append(kept, a)
	}
	if len(shadows) == 0 {
		return
	}
	n.Attr = kept
	for _, s := range shadows {
		key := s.Key[len(shadowPrefix):]
		if i := attrIndex(n, key); i >= 0 {
			n.Attr[i].Val = s.Val
			continue
		}
		n.Attr = append(n.Attr, html.Attribute{Key: key, Val: s.Val})
	}
}

func removeMatching(doc *html.Node, sel cascadia.Selector) {
	for _, n := range sel.MatchAll(doc) {
		if n.Parent != nil {
			n.Parent.RemoveChild(n)
		}
	}
}

func attrIndex(n *html.Node, key string) int {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return i
		}
	}
	return -1
}

// SuppressHTML parses a whole document, suppresses it and serializes the result.
// SuppressNone returns src untouched.
func SuppressHTML(src string, mode SuppressionMode) (string, error) {
	if mode == SuppressNone {
		return src, nil
	}
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("suppress: parse document: %w", err)
	}
	Suppress(doc, mode)
	return renderNodes(doc)
}

// RestoreHTML is the document counterpart of SuppressHTML.
func RestoreHTML(src string) (string, error) {
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		return "", fmt.Errorf("restore: parse document: %w", err)
	}
	Restore(doc)
	return renderNodes(doc)
}

// RestoreFragment restores a body fragment such as the content returned by the extraction
// script. Fragments without shadow attributes come back byte-for-byte.
func RestoreFragment(src string) (string, error) {
	if !strings.Contains(src, shadowPrefix) {
		return src, nil
	}
	parent := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	nodes, err := html.ParseFragment(strings.NewReader(src), parent)
	if err != nil {
		return "", fmt.Errorf("restore: parse fragment: %w", err)
	}
	root := &html.Node{Type: html.ElementNode, Data: "div", DataAtom: atom.Div}
	for _, n := range nodes {
		root.AppendChild(n)
	}
	Restore(root)
	var b strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&b, c); err != nil {
			return "", fmt.Errorf("restore: render fragment: %w", err)
		}
	}
	return b.String(), nil
}

func renderNodes(doc *html.Node) (string, error) {
	var b strings.Builder
	if err := html.Render(&b, doc); err != nil {
		return "", fmt.Errorf("render document: %w", err)
	}
	return b.String(), nil
}
