package chrome

import (
	"errors"
	"fmt"
)

// --- Errors ---

var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrProtocolError    = errors.New("protocol error")
	ErrJSException      = errors.New("JS exception")
)

// ProtocolError represents an error returned by the Chrome DevTools Protocol.
type ProtocolError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d: %s", e.Code, e.Message)
}

func (e *ProtocolError) Unwrap() error {
	return ErrProtocolError
}

// ExceptionError is returned when an evaluated expression throws.
type ExceptionError struct {
	Text string
}

func (e *ExceptionError) Error() string {
	return "JS exception: " + e.Text
}

func (e *ExceptionError) Unwrap() error {
	return ErrJSException
}

// --- Navigation ---

// NavigateResult contains the result of a navigation.
type NavigateResult struct {
	FrameID   string `json:"frameId"`
	LoaderID  string `json:"loaderId,omitempty"`
	URL       string `json:"url"`
	ErrorText string `json:"errorText,omitempty"`
}

// --- JavaScript Evaluation ---

// EvalResult contains the result of evaluating a JavaScript expression.
type EvalResult struct {
	Value interface{} `json:"value"`
	Type  string      `json:"type,omitempty"`
}

// --- Dialogs ---

// Dialog describes a native JavaScript dialog opened by a page.
type Dialog struct {
	Type          string `json:"type"` // "alert", "confirm", "prompt", "beforeunload"
	Message       string `json:"message"`
	URL           string `json:"url,omitempty"`
	DefaultPrompt string `json:"defaultPrompt,omitempty"`
}
