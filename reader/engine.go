package reader

import "context"

// EventKind identifies an engine notification.
type EventKind int

const (
	EventNavigationFinished EventKind = iota + 1
	EventNavigationFailed
	EventProgress
	EventScriptMessage
)

func (k EventKind) String() string {
	switch k {
	case EventNavigationFinished:
		return "navigation-finished"
	case EventNavigationFailed:
		return "navigation-failed"
	case EventProgress:
		return "progress"
	case EventScriptMessage:
		return "script-message"
	}
	return "unknown"
}

// Event is delivered to Subscribe handlers. Err is set for EventNavigationFailed, Fraction for
// EventProgress, Name and Payload for EventScriptMessage.
type Event struct {
	Kind     EventKind
	Err      error
	Fraction float64
	Name     string
	Payload  string
}

// ResourceKind is a subresource category an engine can refuse at the network layer.
type ResourceKind string

const (
	ResourceImage  ResourceKind = "image"
	ResourceMedia  ResourceKind = "media"
	ResourceStyle  ResourceKind = "style"
	ResourceFont   ResourceKind = "font"
	ResourceScript ResourceKind = "script"
)

// StartupScript is injected into every document the engine loads until removed.
// When Notify is set the engine appends its own call that posts an EventScriptMessage with
// that Name once Source has run; Timing decides whether that happens at document start or
// once the DOM is parsed.
type StartupScript struct {
	Source string
	Timing Trigger
	Notify string
}

// ScriptHandle identifies an installed startup script.
type ScriptHandle string

// Engine is a single page-rendering session. Methods may block on the engine's round trip
// but never wait for a navigation to complete; outcomes arrive as events.
//
// Handlers registered with Subscribe run on the engine's event goroutine and must not block.
// Stop must report exactly one EventNavigationFailed wrapping ErrNavigationAborted per call.
type Engine interface {
	Subscribe(handler func(Event)) (unsubscribe func())
	AddStartupScript(ctx context.Context, script StartupScript) (ScriptHandle, error)
	RemoveStartupScript(ctx context.Context, handle ScriptHandle) error
	// BlockResources replaces the set of refused categories; an empty set lifts blocking.
	BlockResources(ctx context.Context, kinds []ResourceKind) error
	Load(ctx context.Context, url string) error
	LoadContent(ctx context.Context, html, baseURL string) error
	Stop(ctx context.Context) error
	Evaluate(ctx context.Context, script string) (any, error)
	Close() error
}

// EngineProvider hands each conversion an engine it owns exclusively.
type EngineProvider interface {
	NewEngine(ctx context.Context) (Engine, error)
}

// EngineProviderFunc adapts a function to EngineProvider.
type EngineProviderFunc func(ctx context.Context) (Engine, error)

func (f EngineProviderFunc) NewEngine(ctx context.Context) (Engine, error) { return f(ctx) }
