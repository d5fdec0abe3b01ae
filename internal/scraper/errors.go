package scraper

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a scrape failure.
type Kind int

const (
	KindConnection Kind = iota + 1
	KindAuthentication
	KindNotFound
	KindTimeout
	KindDownloadTimeout
	KindIO
	KindInvalidState
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAuthentication:
		return "authentication"
	case KindNotFound:
		return "not_found"
	case KindTimeout:
		return "timeout"
	case KindDownloadTimeout:
		return "download_timeout"
	case KindIO:
		return "io"
	case KindInvalidState:
		return "invalid_state"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Phase names the step of a session in which an error occurred.
type Phase string

const (
	PhaseInitialize     Phase = "initialize"
	PhaseLogin          Phase = "login"
	PhaseSearchCriteria Phase = "search_criteria"
	PhaseSearch         Phase = "search"
	PhaseExport         Phase = "export"
	PhaseDialog         Phase = "dialog"
	PhaseDownload       Phase = "download"
	PhaseRename         Phase = "rename"
	PhaseClose          Phase = "close"
)

// Sentinels for errors.Is. Every *Error matches exactly one of them.
var (
	ErrConnection      = errors.New("connection error")
	ErrAuthentication  = errors.New("authentication failed")
	ErrNotFound        = errors.New("element not found")
	ErrTimeout         = errors.New("timeout")
	ErrDownloadTimeout = errors.New("download timeout")
	ErrIO              = errors.New("io error")
	ErrInvalidState    = errors.New("invalid state")
	ErrCanceled        = errors.New("canceled")
)

// ErrDisconnected is wrapped by Page implementations when the browser
// connection is gone. It is always fatal for the session.
var ErrDisconnected = errors.New("browser disconnected")

var sentinels = map[Kind]error{
	KindConnection:      ErrConnection,
	KindAuthentication:  ErrAuthentication,
	KindNotFound:        ErrNotFound,
	KindTimeout:         ErrTimeout,
	KindDownloadTimeout: ErrDownloadTimeout,
	KindIO:              ErrIO,
	KindInvalidState:    ErrInvalidState,
	KindCanceled:        ErrCanceled,
}

// Error is the single failure value a session returns.
type Error struct {
	Kind  Kind
	Phase Phase
	Msg   string
	Err   error
}

// NewError returns an *Error of the given kind.
func NewError(kind Kind, phase Phase, msg string, err error) *Error {
	return &Error{Kind: kind, Phase: phase, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	s := string(e.Phase) + ": " + sentinels[e.Kind].Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	return target == sentinels[e.Kind]
}

// Retryable reports whether running the whole scrape again could succeed.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindConnection, KindTimeout, KindDownloadTimeout:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of the *Error in err's chain, or zero.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}

// IsRetryable reports whether err is a retryable *Error.
func IsRetryable(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Retryable()
}

// classify turns whatever a page call or wait returned into an *Error.
// Errors that are already typed pass through untouched.
func classify(phase Phase, err error, timeoutKind Kind, msg string) *Error {
	var se *Error
	switch {
	case errors.As(err, &se):
		return se
	case errors.Is(err, ErrDisconnected):
		return NewError(KindConnection, phase, msg, err)
	case errors.Is(err, context.DeadlineExceeded):
		return NewError(timeoutKind, phase, msg, err)
	case errors.Is(err, context.Canceled):
		return NewError(KindCanceled, phase, msg, err)
	default:
		return NewError(KindConnection, phase, msg, err)
	}
}
