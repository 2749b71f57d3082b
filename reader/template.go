package reader

import (
	"errors"
	"fmt"
	"html"
	"strings"

	cssast "github.com/aymerick/douceur/css"
	"github.com/aymerick/douceur/parser"
)

const (
	phCSS     = "##CSS##"
	phTitle   = "##TITLE##"
	phByline  = "##BYLINE##"
	phContent = "##CONTENT##"
	phDir     = "##DIR##"
	phSite    = "##SITE##"
)

var requiredPlaceholders = []string{phCSS, phTitle, phByline, phContent}

// Template renders an Article into the reader page.
type Template struct {
	page string
	css  string
}

// NewTemplate checks page for its placeholders and normalizes every stylesheet. Sheets are
// concatenated in order, so later ones override earlier rules.
func NewTemplate(page string, sheets ...string) (*Template, error) {
	for _, ph := range requiredPlaceholders {
		if !strings.Contains(page, ph) {
			return nil, &Error{Kind: ErrTemplateRender, Op: "parse template", Err: fmt.Errorf("missing %s placeholder", ph)}
		}
	}
	var css strings.Builder
	for i, sheet := range sheets {
		norm, err := normalizeCSS(sheet)
		if err != nil {
			return nil, &Error{Kind: ErrTemplateRender, Op: fmt.Sprintf("parse stylesheet %d", i), Err: err}
		}
		if norm == "" {
			continue
		}
		if css.Len() > 0 {
			css.WriteByte('\n')
		}
		css.WriteString(norm)
	}
	return &Template{page: page, css: css.String()}, nil
}

// normalizeCSS parses sheet and serializes it back. @import is refused: the reader page is
// loaded with network blocking lifted and must not pull anything in on its own.
func normalizeCSS(sheet string) (string, error) {
	trimmed := strings.TrimSpace(sheet)
	if trimmed == "" {
		return "", nil
	}
	parsed, err := parser.Parse(trimmed)
	if err != nil {
		return "", err
	}
	for _, rule := range parsed.Rules {
		if rule.Kind == cssast.AtRule && strings.EqualFold(rule.Name, "@import") {
			return "", errors.New("@import is not allowed")
		}
	}
	out := parsed.String()
	if strings.Contains(strings.ToLower(out), "</style") {
		return "", errors.New("stylesheet closes its style element")
	}
	return out, nil
}

// CSS is the combined normalized stylesheet.
func (t *Template) CSS() string { return t.css }

// Render substitutes a in one pass, so placeholder text inside the article is left alone.
// Title, byline and site name are escaped; content is trusted extraction output.
func (t *Template) Render(a *Article) string {
	if a == nil {
		a = &Article{}
	}
	r := strings.NewReplacer(
		phCSS, t.css,
		phTitle, html.EscapeString(a.Title),
		phByline, html.EscapeString(a.Byline),
		phContent, a.Content,
		phDir, textDir(a.Dir),
		phSite, html.EscapeString(a.SiteName),
	)
	return r.Replace(t.page)
}

func textDir(dir string) string {
	switch d := strings.ToLower(strings.TrimSpace(dir)); d {
	case "ltr", "rtl":
		return d
	}
	return "auto"
}
