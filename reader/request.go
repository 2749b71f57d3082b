package reader

import (
	"fmt"
	"strings"
)

// DefaultMinContentLength is the meaningful-content threshold handed to the extraction script
// when a Request leaves it at zero.
const DefaultMinContentLength = 250

// Trigger selects when the extraction script reports itself ready.
type Trigger int

const (
	// AtDocumentEnd reports ready once the DOM is parsed.
	AtDocumentEnd Trigger = iota
	// AtDocumentStart reports ready as soon as the script is injected, before the parser has
	// produced any content. Extraction then reads whatever part of the document exists when
	// the evaluation reaches the page, so it trades completeness for latency; a page that
	// finishes loading first is extracted in full.
	AtDocumentStart
)

func (t Trigger) String() string {
	if t == AtDocumentStart {
		return "start"
	}
	return "end"
}

// ParseTrigger accepts "start"/"end" and the long forms "atDocumentStart"/"atDocumentEnd".
func ParseTrigger(s string) (Trigger, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "end", "atdocumentend", "document-end":
		return AtDocumentEnd, nil
	case "start", "atdocumentstart", "document-start":
		return AtDocumentStart, nil
	}
	return AtDocumentEnd, fmt.Errorf("unknown trigger %q", s)
}

// SuppressionMode selects which subresources are kept from loading during extraction.
type SuppressionMode int

const (
	SuppressNone SuppressionMode = iota
	SuppressAll
	SuppressAllExceptScripts
	SuppressImagesOnly
)

func (m SuppressionMode) String() string {
	switch m {
	case SuppressAll:
		return "all"
	case SuppressAllExceptScripts:
		return "all-except-scripts"
	case SuppressImagesOnly:
		return "images-only"
	default:
		return "none"
	}
}

// ParseSuppressionMode maps the names used by the CLI, query strings and site configs.
func ParseSuppressionMode(s string) (SuppressionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none", "off", "0":
		return SuppressNone, nil
	case "all", "1":
		return SuppressAll, nil
	case "all-except-scripts", "allexceptscripts", "keep-scripts":
		return SuppressAllExceptScripts, nil
	case "images-only", "imagesonly", "images":
		return SuppressImagesOnly, nil
	}
	return SuppressNone, fmt.Errorf("unknown suppression mode %q", s)
}

// blockedResources lists the network categories an engine should refuse while the original
// page loads. Blocking is lifted again before the rendered reader page is loaded.
func (m SuppressionMode) blockedResources() []ResourceKind {
	switch m {
	case SuppressAll:
		return []ResourceKind{ResourceImage, ResourceMedia, ResourceStyle, ResourceFont, ResourceScript}
	case SuppressAllExceptScripts:
		return []ResourceKind{ResourceImage, ResourceMedia, ResourceStyle, ResourceFont}
	case SuppressImagesOnly:
		return []ResourceKind{ResourceImage}
	default:
		return nil
	}
}

// Request describes one conversion. Exactly one of URL or HTML must be set.
type Request struct {
	URL string

	HTML    string
	BaseURL string

	Trigger          Trigger
	Suppression      SuppressionMode
	MinContentLength int
	// SkipImageMargins delivers the rendered reader HTML without the post-render image pass.
	SkipImageMargins bool

	// Progress receives nondecreasing values in [0,1]; it is called from the session goroutine.
	Progress func(float64)
}

func (r Request) validate() error {
	hasURL := strings.TrimSpace(r.URL) != ""
	hasHTML := r.HTML != ""
	if hasURL == hasHTML {
		return ErrInvalidRequest
	}
	if r.MinContentLength < 0 {
		return fmt.Errorf("reader: negative MinContentLength %d", r.MinContentLength)
	}
	return nil
}

func (r Request) minContentLength() int {
	if r.MinContentLength > 0 {
		return r.MinContentLength
	}
	return DefaultMinContentLength
}

// baseURL is the location the source and the rendered page are loaded under.
func (r Request) baseURL() string {
	if r.URL != "" {
		return strings.TrimSpace(r.URL)
	}
	return strings.TrimSpace(r.BaseURL)
}

// needsRawFetch reports whether bytes are downloaded outside the engine so the DOM
// can be suppressed before first paint.
func (r Request) needsRawFetch() bool {
	return r.Suppression != SuppressNone && r.URL != ""
}
