package reader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"testing/fstest"
)

type loadCall struct {
	url     string
	content string
	base    string
}

func (l loadCall) rendered() bool { return strings.Contains(l.content, `class="reader-content"`) }

// fakeEngine records every command and replays events scripted by onLoad.
type fakeEngine struct {
	mu       sync.Mutex
	handlers map[int]func(Event)
	nextID   int
	scripts  map[ScriptHandle]StartupScript
	removed  []ScriptHandle
	blocked  [][]ResourceKind
	loads    []loadCall
	evals    []string
	stops    int
	closed   bool

	onLoad  func(e *fakeEngine, l loadCall)
	loadErr error

	article    any
	articleErr error
	margins    any
	marginsErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		handlers: map[int]func(Event){},
		scripts:  map[ScriptHandle]StartupScript{},
		onLoad:   finishEveryLoad,
		article:  `{"title":"T","byline":"B","content":"<p>hi</p>"}`,
		margins:  "<!DOCTYPE html>\n<html><body>final</body></html>",
	}
}

func finishEveryLoad(e *fakeEngine, _ loadCall) {
	e.emit(Event{Kind: EventProgress, Fraction: 0.5})
	e.emit(Event{Kind: EventProgress, Fraction: 1})
	e.emit(Event{Kind: EventNavigationFinished})
}

func (e *fakeEngine) provider() EngineProvider {
	return EngineProviderFunc(func(context.Context) (Engine, error) { return e, nil })
}

func (e *fakeEngine) emit(ev Event) {
	e.mu.Lock()
	hs := make([]func(Event), 0, len(e.handlers))
	for _, h := range e.handlers {
		hs = append(hs, h)
	}
	e.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (e *fakeEngine) Subscribe(handler func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextID
	e.nextID++
	e.handlers[id] = handler
	return func() {
		e.mu.Lock()
		delete(e.handlers, id)
		e.mu.Unlock()
	}
}

func (e *fakeEngine) AddStartupScript(_ context.Context, s StartupScript) (ScriptHandle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	h := ScriptHandle(fmt.Sprintf("script-%d", len(e.scripts)+1))
	e.scripts[h] = s
	return h, nil
}

func (e *fakeEngine) RemoveStartupScript(_ context.Context, h ScriptHandle) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.scripts[h]; !ok {
		return fmt.Errorf("no script %s", h)
	}
	delete(e.scripts, h)
	e.removed = append(e.removed, h)
	return nil
}

func (e *fakeEngine) BlockResources(_ context.Context, kinds []ResourceKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.blocked = append(e.blocked, kinds)
	return nil
}

func (e *fakeEngine) Load(_ context.Context, url string) error {
	return e.load(loadCall{url: url})
}

func (e *fakeEngine) LoadContent(_ context.Context, html, baseURL string) error {
	return e.load(loadCall{content: html, base: baseURL})
}

func (e *fakeEngine) load(l loadCall) error {
	e.mu.Lock()
	e.loads = append(e.loads, l)
	err, onLoad := e.loadErr, e.onLoad
	e.mu.Unlock()
	if err != nil {
		return err
	}
	if onLoad != nil {
		onLoad(e, l)
	}
	return nil
}

func (e *fakeEngine) Stop(context.Context) error {
	e.mu.Lock()
	e.stops++
	e.mu.Unlock()
	e.emit(Event{Kind: EventNavigationFailed, Err: fmt.Errorf("stop: %w", ErrNavigationAborted)})
	return nil
}

func (e *fakeEngine) Evaluate(_ context.Context, script string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.evals = append(e.evals, script)
	switch {
	case strings.HasPrefix(script, "extract("):
		return e.article, e.articleErr
	case script == "margins()":
		return e.margins, e.marginsErr
	}
	return nil, errors.New("unexpected script")
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

type engineState struct {
	handlers int
	removed  []ScriptHandle
	blocked  [][]ResourceKind
	loads    []loadCall
	evals    []string
	stops    int
	closed   bool
}

func (e *fakeEngine) snapshot() engineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return engineState{
		handlers: len(e.handlers),
		removed:  append([]ScriptHandle(nil), e.removed...),
		blocked:  append([][]ResourceKind(nil), e.blocked...),
		loads:    append([]loadCall(nil), e.loads...),
		evals:    append([]string(nil), e.evals...),
		stops:    e.stops,
		closed:   e.closed,
	}
}

func (e *fakeEngine) extractions() int {
	n := 0
	for _, s := range e.snapshot().evals {
		if strings.HasPrefix(s, "extract(") {
			n++
		}
	}
	return n
}

func testAssetFS() fstest.MapFS {
	return fstest.MapFS{
		"Readability.js":      {Data: []byte("function Readability() {}")},
		"extract.template.js": {Data: []byte("extract(##MEANINGFUL_CONTENT_MIN_LENGTH##)")},
		"image_margins.js":    {Data: []byte("margins()")},
	}
}

func newTestConverter(t *testing.T, e *fakeEngine, cfg Config) *Converter {
	t.Helper()
	if cfg.Assets == nil {
		cfg.Assets = NewAssets(testAssetFS())
	}
	c, err := New(e.provider(), cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

type progressLog struct {
	mu     sync.Mutex
	values []float64
}

func (p *progressLog) sink(v float64) {
	p.mu.Lock()
	p.values = append(p.values, v)
	p.mu.Unlock()
}

func (p *progressLog) get() []float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]float64(nil), p.values...)
}
