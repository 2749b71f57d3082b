package reader

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Phase is where a conversion stands.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseLoadingEngine
	PhaseExtractionPending
	PhaseExtracting
	PhaseRendering
	PhaseReloadingRendered
	PhasePostProcessing
	PhaseDone
	PhaseFailed
)

var phaseNames = [...]string{
	PhaseIdle:              "idle",
	PhaseFetching:          "fetching",
	PhaseLoadingEngine:     "loading-engine",
	PhaseExtractionPending: "extraction-pending",
	PhaseExtracting:        "extracting",
	PhaseRendering:         "rendering",
	PhaseReloadingRendered: "reloading-rendered",
	PhasePostProcessing:    "post-processing",
	PhaseDone:              "done",
	PhaseFailed:            "failed",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return "unknown"
}

// Terminal reports whether p is Done or Failed.
func (p Phase) Terminal() bool { return p == PhaseDone || p == PhaseFailed }

const inboxSize = 256

// inbox messages
type (
	engineEvent   struct{ ev Event }
	fetchProgress struct{ received, total int64 }
	fetchDone     struct {
		dl  *Download
		err error
	}
	scriptInstalled struct{ handle ScriptHandle }
	commandFailed   struct {
		op  string
		err error
	}
	extractDone struct {
		article *Article
		err     error
	}
	reloadIssued struct{}
	marginsDone  struct {
		html string
		err  error
	}
)

// Session is one running conversion. All of its state belongs to the goroutine started by
// Converter.Start; helpers that talk to the engine or the network post their results back
// through the inbox, so the phase alone decides which results still matter.
type Session struct {
	id   string
	conv *Converter
	req  Request
	done func(string, error)
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any
	quit   chan struct{}
	exited chan struct{}

	phase       atomic.Int32
	eng         Engine
	unsubscribe func()
	script      ScriptHandle
	progress    *Progress

	// tolerance is how many navigation failures are absorbed instead of failing the session.
	tolerance int
	// pendingAborts counts Stop calls whose acknowledgement has not arrived yet.
	pendingAborts int
	// sourceSettled is set once the original navigation finished or was stopped.
	sourceSettled bool
}

func newSession(ctx context.Context, c *Converter, req Request, done func(string, error)) *Session {
	sctx, cancel := context.WithCancel(ctx)
	s := &Session{
		id:     newSessionID(),
		conv:   c,
		req:    req,
		done:   done,
		ctx:    sctx,
		cancel: cancel,
		inbox:  make(chan any, inboxSize),
		quit:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	target := req.URL
	if target == "" {
		target = req.BaseURL
	}
	s.log = c.log.With().Str("session", s.id).Str("url", target).Logger()
	s.progress = NewProgress(req.Progress)
	return s
}

// ID is a unique identifier used in logs.
func (s *Session) ID() string { return s.id }

// Phase is safe to call from any goroutine.
func (s *Session) Phase() Phase { return Phase(s.phase.Load()) }

// Done is closed once the session goroutine has exited, after the completion callback.
func (s *Session) Done() <-chan struct{} { return s.exited }

func (s *Session) setPhase(p Phase) {
	old := Phase(s.phase.Swap(int32(p)))
	s.log.Debug().Stringer("from", old).Stringer("to", p).Msg("phase")
}

// post hands m to the session goroutine, or drops it once the session is over.
func (s *Session) post(m any) {
	select {
	case s.inbox <- m:
	case <-s.quit:
	}
}

func (s *Session) run() {
	defer close(s.exited)
	eng, err := s.conv.engines.NewEngine(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			s.abandon()
			return
		}
		s.finish("", loadingError("start engine", s.req.URL, err))
		return
	}
	s.eng = eng
	s.unsubscribe = eng.Subscribe(func(ev Event) { s.post(engineEvent{ev}) })
	s.begin()

	for !s.Phase().Terminal() {
		select {
		case <-s.ctx.Done():
			s.abandon()
			return
		case m := <-s.inbox:
			s.handle(m)
		}
	}
}

func (s *Session) begin() {
	if s.req.needsRawFetch() {
		s.setPhase(PhaseFetching)
		s.progress.Enter(s.conv.stages.Download)
		go s.fetch()
		return
	}
	s.progress.Enter(s.conv.stages.LoadDirect)
	if s.req.HTML == "" {
		s.loadEngine("", s.req.URL)
		return
	}
	content, err := SuppressHTML(s.req.HTML, s.req.Suppression)
	if err != nil {
		s.finish("", &Error{Kind: ErrContentDecoding, Op: "suppress", Err: err})
		return
	}
	s.loadEngine(content, s.req.baseURL())
}

func (s *Session) fetch() {
	dl, err := s.conv.fetcher.Fetch(s.ctx, s.req.URL, func(received, total int64) {
		s.post(fetchProgress{received, total})
	})
	s.post(fetchDone{dl, err})
}

// loadEngine installs the startup script, applies blocking and starts the navigation.
// An empty content means navigating to target directly.
func (s *Session) loadEngine(content, target string) {
	s.setPhase(PhaseLoadingEngine)
	ctx, eng, bridge := s.ctx, s.eng, s.conv.bridge
	trigger, blocked := s.req.Trigger, s.req.Suppression.blockedResources()
	direct := content == ""
	go func() {
		h, err := eng.AddStartupScript(ctx, bridge.StartupScript(trigger))
		if err != nil {
			s.post(commandFailed{"add startup script", err})
			return
		}
		s.post(scriptInstalled{h})
		if len(blocked) > 0 {
			if err := eng.BlockResources(ctx, blocked); err != nil {
				s.post(commandFailed{"block resources", err})
				return
			}
		}
		if direct {
			err = eng.Load(ctx, target)
		} else {
			err = eng.LoadContent(ctx, content, target)
		}
		if err != nil {
			s.post(commandFailed{"load", err})
		}
	}()
}

func (s *Session) handle(m any) {
	switch m := m.(type) {
	case engineEvent:
		s.handleEvent(m.ev)
	case fetchProgress:
		if s.Phase() == PhaseFetching && m.total > 0 {
			s.progress.Report(float64(m.received) / float64(m.total))
		}
	case fetchDone:
		s.handleFetched(m.dl, m.err)
	case scriptInstalled:
		s.script = m.handle
	case commandFailed:
		s.log.Warn().Err(m.err).Str("op", m.op).Msg("engine command failed")
		s.finish("", loadingError(m.op, s.req.URL, m.err))
	case extractDone:
		s.handleExtracted(m.article, m.err)
	case reloadIssued:
		s.log.Debug().Msg("rendered page loading")
	case marginsDone:
		if s.Phase() != PhasePostProcessing {
			return
		}
		if m.err != nil {
			s.finish("", m.err)
			return
		}
		s.finish(m.html, nil)
	}
}

func (s *Session) handleFetched(dl *Download, err error) {
	if s.Phase() != PhaseFetching {
		return
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("raw fetch failed")
		s.finish("", loadingError("fetch", s.req.URL, err))
		return
	}
	text, err := Decode(dl.Body, dl.ContentType)
	if err != nil {
		s.finish("", err)
		return
	}
	content, err := SuppressHTML(text, s.req.Suppression)
	if err != nil {
		s.finish("", &Error{Kind: ErrContentDecoding, Op: "suppress", URL: s.req.URL, Err: err})
		return
	}
	s.log.Debug().Int("bytes", len(dl.Body)).Str("charset", ResolveCharset(dl.Body, dl.ContentType)).Msg("fetched")
	s.progress.Enter(s.conv.stages.Load)
	s.loadEngine(content, s.req.baseURL())
}

func (s *Session) handleEvent(ev Event) {
	phase := s.Phase()
	switch ev.Kind {
	case EventProgress:
		if phase == PhaseLoadingEngine || phase == PhaseReloadingRendered {
			s.progress.Report(ev.Fraction)
		}
	case EventNavigationFailed:
		s.handleNavigationFailed(ev.Err)
	case EventNavigationFinished:
		switch {
		case phase == PhaseLoadingEngine:
			s.sourceSettled = true
			s.extract(false)
		case phase == PhaseReloadingRendered && s.pendingAborts == 0:
			s.postProcess()
		case phase < PhaseReloadingRendered:
			// the original page finished after extraction had already begun
			s.sourceSettled = true
		}
	case EventScriptMessage:
		if ev.Name != readyChannel || phase != PhaseLoadingEngine {
			return
		}
		// at document end the page may never report a finished navigation, so the
		// ready signal cuts it short
		s.extract(s.req.Trigger == AtDocumentEnd)
	}
}

func (s *Session) handleNavigationFailed(err error) {
	if errors.Is(err, ErrNavigationAborted) && s.pendingAborts > 0 {
		s.pendingAborts--
	}
	if s.tolerance > 0 {
		s.tolerance--
		s.log.Debug().Err(err).Int("tolerance", s.tolerance).Msg("navigation failure tolerated")
		return
	}
	s.log.Warn().Err(err).Stringer("phase", s.Phase()).Msg("navigation failed")
	s.finish("", loadingError("navigate", s.req.URL, err))
}

// extract is the only way into extraction and only works once, from PhaseLoadingEngine.
func (s *Session) extract(stopFirst bool) {
	if s.Phase() != PhaseLoadingEngine {
		return
	}
	s.setPhase(PhaseExtractionPending)
	if stopFirst {
		s.expectAbort()
	}
	s.setPhase(PhaseExtracting)
	ctx, eng, bridge, minLen := s.ctx, s.eng, s.conv.bridge, s.req.minContentLength()
	go func() {
		if stopFirst {
			if err := eng.Stop(ctx); err != nil {
				s.log.Debug().Err(err).Msg("stop before extraction")
			}
		}
		a, err := bridge.EvaluateExtraction(ctx, eng, minLen)
		s.post(extractDone{a, err})
	}()
}

// expectAbort grants the budget for the failure a Stop call is about to report.
func (s *Session) expectAbort() {
	s.tolerance++
	s.pendingAborts++
	s.sourceSettled = true
}

func (s *Session) handleExtracted(a *Article, err error) {
	if s.Phase() != PhaseExtracting {
		return
	}
	if err != nil {
		var re *Error
		if errors.As(err, &re) {
			re.URL = s.req.URL
		}
		s.log.Warn().Err(err).Msg("extraction failed")
		s.finish("", err)
		return
	}
	s.setPhase(PhaseRendering)
	if s.req.Suppression != SuppressNone {
		restored, err := RestoreFragment(a.Content)
		if err != nil {
			s.finish("", scriptError("restore content", a.Content, err))
			return
		}
		a.Content = restored
	}
	page := s.conv.template.Render(a)
	s.progress.Enter(s.conv.stages.Render)
	s.log.Debug().Str("title", a.Title).Int("content", len(a.Content)).Msg("extracted")

	if s.req.SkipImageMargins {
		s.finish(page, nil)
		return
	}
	s.reload(page)
}

// reload replaces the source page with the rendered one. A source navigation that is still
// running is stopped first so its completion cannot be taken for the reload's.
func (s *Session) reload(page string) {
	stop := !s.sourceSettled
	if stop {
		s.expectAbort()
	}
	s.setPhase(PhaseReloadingRendered)
	ctx, eng, handle := s.ctx, s.eng, s.script
	unblock := len(s.req.Suppression.blockedResources()) > 0
	base := s.req.baseURL()
	go func() {
		if stop {
			if err := eng.Stop(ctx); err != nil {
				s.log.Debug().Err(err).Msg("stop before reload")
			}
		}
		if handle != "" {
			if err := eng.RemoveStartupScript(ctx, handle); err != nil {
				s.post(commandFailed{"remove startup script", err})
				return
			}
		}
		if unblock {
			if err := eng.BlockResources(ctx, nil); err != nil {
				s.post(commandFailed{"unblock resources", err})
				return
			}
		}
		if err := eng.LoadContent(ctx, page, base); err != nil {
			s.post(commandFailed{"load rendered", err})
			return
		}
		s.post(reloadIssued{})
	}()
}

func (s *Session) postProcess() {
	s.setPhase(PhasePostProcessing)
	ctx, eng, bridge := s.ctx, s.eng, s.conv.bridge
	go func() {
		out, err := bridge.EvaluateImageMargins(ctx, eng)
		s.post(marginsDone{out, err})
	}()
}

// finish is the single exit. Subscriptions are detached and the engine closed before done
// runs, so nothing the engine does afterwards can reach the session.
func (s *Session) finish(html string, err error) {
	if s.Phase().Terminal() {
		return
	}
	if err != nil {
		s.setPhase(PhaseFailed)
	} else {
		s.progress.Complete()
		s.setPhase(PhaseDone)
	}
	s.teardown()
	if err != nil {
		s.log.Info().Err(err).Msg("conversion failed")
	} else {
		s.log.Info().Int("bytes", len(html)).Msg("conversion done")
	}
	s.done(html, err)
}

// abandon tears down after cancellation without calling done.
func (s *Session) abandon() {
	if s.Phase().Terminal() {
		return
	}
	s.setPhase(PhaseFailed)
	s.teardown()
	s.log.Info().Err(s.ctx.Err()).Msg("conversion canceled")
}

func (s *Session) teardown() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	close(s.quit)
	s.cancel()
	if s.eng != nil {
		if err := s.eng.Close(); err != nil {
			s.log.Debug().Err(err).Msg("close engine")
		}
	}
}
