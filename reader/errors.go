package reader

import (
	"errors"
	"fmt"
)

// Kind classifies a conversion failure.
type Kind int

const (
	// ErrScriptResultUnparsable means the extraction or image-margin script returned a result
	// that is not a string, not JSON, or lacks the article content.
	ErrScriptResultUnparsable Kind = iota + 1
	// ErrContentDecoding means raw bytes could not be turned into a parseable document.
	ErrContentDecoding
	// ErrLoading means the raw fetch or an engine navigation failed outside the tolerance budget.
	ErrLoading
	// ErrTemplateRender means a bundled asset is missing or corrupt. It is only produced while
	// building a Converter.
	ErrTemplateRender
)

func (k Kind) String() string {
	switch k {
	case ErrScriptResultUnparsable:
		return "script result unparsable"
	case ErrContentDecoding:
		return "content decoding failure"
	case ErrLoading:
		return "loading failure"
	case ErrTemplateRender:
		return "template render failure"
	default:
		return "unknown failure"
	}
}

// Error satisfies the error interface so a bare Kind can be used as an errors.Is target.
func (k Kind) Error() string { return k.String() }

// Error is the failure delivered to a conversion's completion callback.
type Error struct {
	Kind Kind
	Op   string
	URL  string
	// Raw keeps the script result text for diagnostics, when there was one.
	Raw string
	Err error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the same Kind, so errors.Is(err, reader.ErrLoading) works.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}
	return false
}

// ErrNavigationAborted is reported by an Engine through EventNavigationFailed when Stop cut a
// navigation short.
var ErrNavigationAborted = errors.New("navigation aborted")

// ErrInvalidRequest is returned synchronously when a Request names neither or both sources.
var ErrInvalidRequest = errors.New("reader: request needs exactly one of URL or HTML")

func scriptError(op string, raw any, err error) *Error {
	e := &Error{Kind: ErrScriptResultUnparsable, Op: op, Err: err}
	switch v := raw.(type) {
	case nil:
	case string:
		e.Raw = v
	default:
		e.Raw = fmt.Sprintf("%v", v)
	}
	return e
}

func loadingError(op, url string, err error) *Error {
	return &Error{Kind: ErrLoading, Op: op, URL: url, Err: err}
}
