package chrome

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"

	"readerview/reader"
)

// bindingName is the page-side function startup scripts call to message the host.
const bindingName = "__readerviewPost"

// defaultBase is used for content loaded without a base URL. It never resolves, so only
// fulfilled requests can succeed against it.
const defaultBase = "http://readerview.invalid/"

var resourceTypes = map[reader.ResourceKind]network.ResourceType{
	reader.ResourceImage:  network.ResourceTypeImage,
	reader.ResourceMedia:  network.ResourceTypeMedia,
	reader.ResourceStyle:  network.ResourceTypeStylesheet,
	reader.ResourceFont:   network.ResourceTypeFont,
	reader.ResourceScript: network.ResourceTypeScript,
}

// Engine is one Chrome tab. Requests are intercepted so blocked categories fail at the
// network layer and LoadContent documents are served from memory under their base URL.
type Engine struct {
	tab    context.Context
	cancel context.CancelFunc
	log    zerolog.Logger

	mu       sync.Mutex
	handlers map[int]func(reader.Event)
	nextID   int
	blocked  map[network.ResourceType]bool
	content  map[string]string
	nav      navigation
	// lastLoad is the loader of the most recent load lifecycle event, which can arrive
	// before Page.navigate returns.
	lastLoad cdp.LoaderID
	closed   bool
}

// navigation tracks the current load so stale or aborted ones stay silent. Completion is
// matched on the loader Chrome assigned to the navigation, never on timing.
type navigation struct {
	seq      uint64
	active   bool
	loader   cdp.LoaderID
	started  int
	finished int
}

func openEngine(ctx context.Context, b *Browser) (*Engine, error) {
	tab, cancel := chromedp.NewContext(b.allocator)
	e := &Engine{
		tab:      tab,
		cancel:   cancel,
		log:      b.log,
		handlers: map[int]func(reader.Event){},
		blocked:  map[network.ResourceType]bool{},
		content:  map[string]string{},
	}
	chromedp.ListenTarget(tab, e.onEvent)

	actions := []chromedp.Action{
		network.Enable(),
		page.Enable(),
		page.SetLifecycleEventsEnabled(true),
		runtime.Enable(),
		runtime.AddBinding(bindingName),
		fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}),
	}
	if ua := strings.TrimSpace(b.opts.UserAgent); ua != "" {
		actions = append(actions, emulation.SetUserAgentOverride(ua))
	}
	if extra := extraHeaders(b.opts.Header); len(extra) > 0 {
		actions = append(actions, network.SetExtraHTTPHeaders(extra))
	}

	// the first Run starts the tab and must use the tab context itself
	stop := context.AfterFunc(ctx, cancel)
	err := chromedp.Run(tab, actions...)
	stop()
	if err != nil {
		cancel()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("chrome: open tab: %w", err)
	}
	return e, nil
}

func extraHeaders(h http.Header) network.Headers {
	extra := network.Headers{}
	for k, vs := range h {
		name := http.CanonicalHeaderKey(k)
		if len(vs) == 0 || strings.EqualFold(name, "Content-Length") || strings.EqualFold(name, "User-Agent") {
			continue
		}
		extra[name] = strings.Join(vs, ", ")
	}
	return extra
}

// run executes actions on the tab, aborting them when ctx ends without closing the tab.
func (e *Engine) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(e.tab)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if err := chromedp.Run(runCtx, actions...); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return err
	}
	return nil
}

func (e *Engine) Subscribe(handler func(reader.Event)) func() {
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

func (e *Engine) emit(ev reader.Event) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	hs := make([]func(reader.Event), 0, len(e.handlers))
	for _, h := range e.handlers {
		hs = append(hs, h)
	}
	e.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (e *Engine) AddStartupScript(ctx context.Context, s reader.StartupScript) (reader.ScriptHandle, error) {
	src := startupSource(s)
	var id page.ScriptIdentifier
	err := e.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		id, err = page.AddScriptToEvaluateOnNewDocument(src).Do(ctx)
		return err
	}))
	if err != nil {
		return "", fmt.Errorf("chrome: add startup script: %w", err)
	}
	return reader.ScriptHandle(id), nil
}

// startupSource appends the ready notification. The library always runs at document start so
// it is defined before page scripts; only the notification waits for the parsed DOM.
// Chrome injects into every frame, so everything is guarded to the top-level document.
func startupSource(s reader.StartupScript) string {
	return "if (window.top === window) {\n" + topFrameSource(s) + "\n}"
}

func topFrameSource(s reader.StartupScript) string {
	if s.Notify == "" {
		return s.Source
	}
	call := fmt.Sprintf("try { window.%s(%s); } catch (e) {}", bindingName, strconv.Quote(s.Notify))
	var notify string
	if s.Timing == reader.AtDocumentStart {
		notify = "(function () { " + call + " })();"
	} else {
		notify = "(function () { var send = function () { " + call + " };" +
			" if (document.readyState === \"loading\") { document.addEventListener(\"DOMContentLoaded\", send, { once: true }); }" +
			" else { send(); } })();"
	}
	return s.Source + "\n;" + notify
}

func (e *Engine) RemoveStartupScript(ctx context.Context, h reader.ScriptHandle) error {
	if err := e.run(ctx, page.RemoveScriptToEvaluateOnNewDocument(page.ScriptIdentifier(h))); err != nil {
		return fmt.Errorf("chrome: remove startup script: %w", err)
	}
	return nil
}

func (e *Engine) BlockResources(_ context.Context, kinds []reader.ResourceKind) error {
	blocked := map[network.ResourceType]bool{}
	for _, k := range kinds {
		rt, ok := resourceTypes[k]
		if !ok {
			return fmt.Errorf("chrome: unknown resource kind %q", k)
		}
		blocked[rt] = true
	}
	e.mu.Lock()
	e.blocked = blocked
	e.mu.Unlock()
	return nil
}

func (e *Engine) Load(ctx context.Context, target string) error {
	return e.navigate(ctx, target)
}

// LoadContent navigates to baseURL and answers the document request with html.
func (e *Engine) LoadContent(ctx context.Context, html, baseURL string) error {
	target, err := contentTarget(baseURL)
	if err != nil {
		return fmt.Errorf("chrome: load content: %w", err)
	}
	e.mu.Lock()
	e.content[target] = html
	e.mu.Unlock()
	return e.navigate(ctx, target)
}

// contentTarget is where LoadContent navigates. The fragment is dropped so the navigation
// always requests a new document, even when the tab already shows baseURL.
func contentTarget(baseURL string) (string, error) {
	target := strings.TrimSpace(baseURL)
	if target == "" {
		target = defaultBase
	}
	return contentKey(target)
}

func (e *Engine) navigate(ctx context.Context, target string) error {
	seq := e.beginNavigation()
	var res page.NavigateReturns
	err := e.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return cdp.Execute(ctx, page.CommandNavigate, page.Navigate(target), &res)
	}))
	if err != nil {
		e.endNavigation(seq)
		return fmt.Errorf("chrome: navigate %s: %w", target, err)
	}
	if res.ErrorText != "" {
		if e.endNavigation(seq) {
			e.emit(reader.Event{Kind: reader.EventNavigationFailed, Err: fmt.Errorf("chrome: navigate %s: %s", target, res.ErrorText)})
		}
		return nil
	}
	if e.commitNavigation(seq, res.LoaderID) {
		e.finished()
	}
	return nil
}

// commitNavigation records the loader of navigation seq. It reports true when that loader
// has already fired its load event, or when there is no loader at all because the
// navigation stayed within the current document.
func (e *Engine) commitNavigation(seq uint64, loader cdp.LoaderID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nav.seq != seq || !e.nav.active {
		return false
	}
	e.nav.loader = loader
	if loader == "" || loader == e.lastLoad {
		e.nav.active = false
		return true
	}
	return false
}

// loadFired handles a load lifecycle event and reports whether it completes the current
// navigation.
func (e *Engine) loadFired(loader cdp.LoaderID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastLoad = loader
	if !e.nav.active || e.nav.loader == "" || e.nav.loader != loader {
		return false
	}
	e.nav.active = false
	return true
}

func (e *Engine) finished() {
	e.emit(reader.Event{Kind: reader.EventProgress, Fraction: 1})
	e.emit(reader.Event{Kind: reader.EventNavigationFinished})
}

func (e *Engine) beginNavigation() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.nav = navigation{seq: e.nav.seq + 1, active: true}
	return e.nav.seq
}

// endNavigation deactivates navigation seq and reports whether it was still current.
func (e *Engine) endNavigation(seq uint64) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.nav.seq != seq || !e.nav.active {
		return false
	}
	e.nav.active = false
	return true
}

// Stop cancels the current load and always acknowledges with one aborted failure.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	e.nav.active = false
	e.mu.Unlock()
	err := e.run(ctx, page.StopLoading())
	e.emit(reader.Event{Kind: reader.EventNavigationFailed, Err: fmt.Errorf("chrome: stop: %w", reader.ErrNavigationAborted)})
	if err != nil {
		return fmt.Errorf("chrome: stop: %w", err)
	}
	return nil
}

func (e *Engine) Evaluate(ctx context.Context, script string) (any, error) {
	var res any
	if err := e.run(ctx, chromedp.Evaluate(script, &res)); err != nil {
		return nil, fmt.Errorf("chrome: evaluate: %w", err)
	}
	return res, nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.handlers = map[int]func(reader.Event){}
	e.mu.Unlock()
	err := chromedp.Cancel(e.tab)
	e.cancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("chrome: close tab: %w", err)
	}
	return nil
}

// onEvent runs on chromedp's event goroutine; anything that issues commands moves off it.
func (e *Engine) onEvent(ev any) {
	switch ev := ev.(type) {
	case *fetch.EventRequestPaused:
		go e.handlePaused(ev)
	case *runtime.EventBindingCalled:
		if ev.Name == bindingName {
			e.emit(reader.Event{Kind: reader.EventScriptMessage, Name: ev.Payload, Payload: ev.Payload})
		}
	case *page.EventLifecycleEvent:
		if ev.Name == "load" && e.loadFired(ev.LoaderID) {
			e.finished()
		}
	case *network.EventRequestWillBeSent:
		e.countRequest(false)
	case *network.EventLoadingFinished, *network.EventLoadingFailed:
		e.countRequest(true)
	}
}

func (e *Engine) countRequest(done bool) {
	e.mu.Lock()
	if !e.nav.active {
		e.mu.Unlock()
		return
	}
	if done {
		e.nav.finished++
	} else {
		e.nav.started++
	}
	f := loadFraction(e.nav.started, e.nav.finished)
	e.mu.Unlock()
	e.emit(reader.Event{Kind: reader.EventProgress, Fraction: f})
}

// loadFraction stays below 1 until the load event, which owns completion.
func loadFraction(started, finished int) float64 {
	if started <= 0 {
		return 0
	}
	f := float64(finished) / float64(started)
	if f > 0.95 {
		f = 0.95
	}
	return f
}

func (e *Engine) handlePaused(ev *fetch.EventRequestPaused) {
	var act chromedp.Action
	switch html, ok := e.takeContent(ev); {
	case ok:
		act = fetch.FulfillRequest(ev.RequestID, http.StatusOK).
			WithResponseHeaders([]*fetch.HeaderEntry{{Name: "Content-Type", Value: "text/html; charset=utf-8"}}).
			WithBody(base64.StdEncoding.EncodeToString([]byte(html)))
	case e.isBlocked(ev.ResourceType):
		act = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient)
	default:
		act = fetch.ContinueRequest(ev.RequestID)
	}
	if err := chromedp.Run(e.tab, act); err != nil && e.tab.Err() == nil {
		e.log.Debug().Err(err).Str("url", ev.Request.URL).Msg("intercepted request not resumed")
	}
}

// takeContent hands out pending LoadContent html once, for the document request it belongs to.
func (e *Engine) takeContent(ev *fetch.EventRequestPaused) (string, bool) {
	if ev.ResourceType != network.ResourceTypeDocument || ev.Request == nil {
		return "", false
	}
	key, err := contentKey(ev.Request.URL)
	if err != nil {
		return "", false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	html, ok := e.content[key]
	if ok {
		delete(e.content, key)
	}
	return html, ok
}

func (e *Engine) isBlocked(rt network.ResourceType) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.blocked[rt]
}

// contentKey normalizes a document URL the way Chrome reports it: no fragment, lower-case
// scheme and host, no default port, and "/" for an empty path.
func contentKey(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("base url %q is not absolute", raw)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if port := u.Port(); (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		u.Host = strings.TrimSuffix(u.Host, ":"+port)
	}
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String(), nil
}
