package reader

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/xid"
	"github.com/rs/zerolog"
)

// Config tunes a Converter. The zero value is usable.
type Config struct {
	// Assets supplies the template, stylesheets and scripts. It must provide Readability.js.
	Assets *Assets
	// Fetcher downloads pages when a URL conversion suppresses subresources.
	Fetcher *Fetcher
	Logger  *zerolog.Logger
	// ExtraCSS is appended after the bundled stylesheets.
	ExtraCSS []string
	Stages   Stages
}

// Converter turns pages into reader views. It is safe for concurrent use; every conversion
// gets its own engine from the provider.
type Converter struct {
	engines  EngineProvider
	bridge   *Bridge
	template *Template
	fetcher  *Fetcher
	stages   Stages
	log      zerolog.Logger
}

// New validates every asset up front, so a Converter never hits a template failure at
// conversion time.
func New(engines EngineProvider, cfg Config) (*Converter, error) {
	if engines == nil {
		return nil, errors.New("reader: nil engine provider")
	}
	assets := cfg.Assets
	if assets == nil {
		assets = NewAssets()
	}
	bridge, err := NewBridge(assets)
	if err != nil {
		return nil, err
	}
	l := assetLoader{assets: assets}
	page := l.load(AssetTemplate, "html")
	sheets := []string{l.load(AssetBaseCSS, "css"), l.load(AssetViewCSS, "css")}
	if l.err != nil {
		return nil, l.err
	}
	tmpl, err := NewTemplate(page, append(sheets, cfg.ExtraCSS...)...)
	if err != nil {
		return nil, err
	}

	stages := cfg.Stages
	if stages == (Stages{}) {
		stages = DefaultStages
	}
	if err := stages.Validate(); err != nil {
		return nil, fmt.Errorf("reader: %w", err)
	}
	fetcher := cfg.Fetcher
	if fetcher == nil {
		fetcher = &Fetcher{}
	}
	logger := zerolog.Nop()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	return &Converter{
		engines:  engines,
		bridge:   bridge,
		template: tmpl,
		fetcher:  fetcher,
		stages:   stages,
		log:      logger,
	}, nil
}

// Template exposes the renderer, mainly for callers that already hold an Article.
func (c *Converter) Template() *Template { return c.template }

// Start begins a conversion and returns immediately. done is called exactly once from the
// session goroutine with either the reader HTML or an error, unless ctx is canceled first,
// in which case the session is torn down and done is never called.
func (c *Converter) Start(ctx context.Context, req Request, done func(html string, err error)) (*Session, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if done == nil {
		done = func(string, error) {}
	}
	s := newSession(ctx, c, req, done)
	go s.run()
	return s, nil
}

// Convert is the blocking form of Start.
func (c *Converter) Convert(ctx context.Context, req Request) (string, error) {
	type outcome struct {
		html string
		err  error
	}
	ch := make(chan outcome, 1)
	s, err := c.Start(ctx, req, func(html string, err error) {
		ch <- outcome{html, err}
	})
	if err != nil {
		return "", err
	}
	select {
	case out := <-ch:
		return out.html, out.err
	case <-s.Done():
		select {
		case out := <-ch:
			return out.html, out.err
		default:
			return "", ctx.Err()
		}
	}
}

func newSessionID() string { return xid.New().String() }
