package reader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// readyChannel is the message name the startup script posts once Readability is defined.
const readyChannel = "readerScriptReady"

const minLengthPlaceholder = "##MEANINGFUL_CONTENT_MIN_LENGTH##"

// Article is what the extraction script found in a page.
type Article struct {
	Title    string `json:"title"`
	Byline   string `json:"byline"`
	Content  string `json:"content"`
	Excerpt  string `json:"excerpt,omitempty"`
	SiteName string `json:"siteName,omitempty"`
	Dir      string `json:"dir,omitempty"`
}

// Bridge runs the bundled scripts inside an engine and parses what they return.
type Bridge struct {
	extractor    string
	initTemplate string
	imageMargins string
}

// NewBridge loads the extraction library, its initialization template and the image
// margin script from assets.
func NewBridge(assets *Assets) (*Bridge, error) {
	l := assetLoader{assets: assets}
	b := &Bridge{
		extractor:    l.load(AssetExtractor, "js"),
		initTemplate: l.load(AssetExtractInit, "js"),
		imageMargins: l.load(AssetImageMargins, "js"),
	}
	if l.err != nil {
		return nil, l.err
	}
	if !strings.Contains(b.initTemplate, minLengthPlaceholder) {
		return nil, &Error{Kind: ErrTemplateRender, Op: "load asset " + AssetExtractInit + ".js",
			Err: fmt.Errorf("missing %s placeholder", minLengthPlaceholder)}
	}
	return b, nil
}

// StartupScript is the library injection that announces itself on readyChannel.
func (b *Bridge) StartupScript(trigger Trigger) StartupScript {
	return StartupScript{Source: b.extractor, Timing: trigger, Notify: readyChannel}
}

// ExtractionSource is the initialization script with the threshold filled in.
func (b *Bridge) ExtractionSource(minContentLength int) string {
	if minContentLength <= 0 {
		minContentLength = DefaultMinContentLength
	}
	return strings.ReplaceAll(b.initTemplate, minLengthPlaceholder, strconv.Itoa(minContentLength))
}

// EvaluateExtraction runs extraction against the engine's current document.
func (b *Bridge) EvaluateExtraction(ctx context.Context, eng Engine, minContentLength int) (*Article, error) {
	raw, err := eng.Evaluate(ctx, b.ExtractionSource(minContentLength))
	if err != nil {
		return nil, scriptError("evaluate extraction", raw, err)
	}
	return ParseArticle(raw)
}

// ParseArticle decodes the extraction script's JSON string. Title and byline may be null or
// absent; content may not.
func ParseArticle(raw any) (*Article, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, scriptError("parse extraction result", raw, fmt.Errorf("result is %T, not a string", raw))
	}
	var fields struct {
		Title    *string `json:"title"`
		Byline   *string `json:"byline"`
		Content  *string `json:"content"`
		Excerpt  *string `json:"excerpt"`
		SiteName *string `json:"siteName"`
		Dir      *string `json:"dir"`
	}
	if err := json.Unmarshal([]byte(s), &fields); err != nil {
		return nil, scriptError("parse extraction result", s, err)
	}
	if fields.Content == nil {
		return nil, scriptError("parse extraction result", s, errors.New("content is missing or null"))
	}
	return &Article{
		Title:    deref(fields.Title),
		Byline:   deref(fields.Byline),
		Content:  *fields.Content,
		Excerpt:  deref(fields.Excerpt),
		SiteName: deref(fields.SiteName),
		Dir:      deref(fields.Dir),
	}, nil
}

// EvaluateImageMargins runs the post-render pass and returns the document it serialized.
func (b *Bridge) EvaluateImageMargins(ctx context.Context, eng Engine) (string, error) {
	raw, err := eng.Evaluate(ctx, b.imageMargins)
	if err != nil {
		return "", scriptError("evaluate image margins", raw, err)
	}
	return ParseImageMargins(raw)
}

// ParseImageMargins accepts any non-blank string verbatim.
func ParseImageMargins(raw any) (string, error) {
	s, ok := raw.(string)
	if !ok {
		return "", scriptError("parse image margins", raw, fmt.Errorf("result is %T, not a string", raw))
	}
	if strings.TrimSpace(s) == "" {
		return "", scriptError("parse image margins", s, errors.New("result is empty"))
	}
	return s, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
