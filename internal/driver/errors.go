package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/cdproto/runtime"
)

var (
	// ErrSessionClosed is returned by every Session operation after Close.
	ErrSessionClosed = errors.New("driver: session is closed")
	// ErrBrowserClosed is returned when a session is requested from a browser that has shut down.
	ErrBrowserClosed = errors.New("driver: browser is shut down")
	// ErrNotInteractable is returned when a pointer action targets an element with no visible box.
	ErrNotInteractable = errors.New("driver: element is not visible and cannot be interacted with")
	// ErrNotMultipleSelect is returned by UnselectOption on an option of a single select.
	ErrNotMultipleSelect = errors.New("driver: cannot unselect an option of a single select")
	// ErrUnsupportedValue is returned by Set when the element cannot take the given value.
	ErrUnsupportedValue = errors.New("driver: unsupported value for element")
)

// ObsoleteNodeError means the element behind a Node was removed from its
// document or the document itself was replaced.
type ObsoleteNodeError struct {
	Reason string
}

func (e *ObsoleteNodeError) Error() string {
	if e.Reason == "" {
		return "obsolete node: element is no longer attached to the document"
	}
	return "obsolete node: " + e.Reason
}

// ElementNotFoundError is returned by WaitFor when nothing matched in time.
type ElementNotFoundError struct {
	Method   string
	Selector string
}

func (e *ElementNotFoundError) Error() string {
	return fmt.Sprintf("unable to find %s %q", e.Method, e.Selector)
}

// MouseEventFailedError means another element covers the point a pointer
// action was aimed at.
type MouseEventFailedError struct {
	Selector string
	X, Y     float64
}

func (e *MouseEventFailedError) Error() string {
	return fmt.Sprintf("firing a click at co-ordinates [%g, %g] failed: another element with CSS selector %q is at this position", e.X, e.Y, e.Selector)
}

// InvalidSelectorError means the browser rejected the selector syntax.
type InvalidSelectorError struct {
	Method   string
	Selector string
	Reason   string
}

func (e *InvalidSelectorError) Error() string {
	msg := fmt.Sprintf("invalid %s selector %q", e.Method, e.Selector)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// FrameNotFoundError means no frame matched the locator within the frame timeout.
type FrameNotFoundError struct {
	Name string
}

func (e *FrameNotFoundError) Error() string {
	return fmt.Sprintf("frame %q not found", e.Name)
}

// NoSuchWindowError means the handle does not name an open window of the session.
type NoSuchWindowError struct {
	Handle string
}

func (e *NoSuchWindowError) Error() string {
	return fmt.Sprintf("no such window %q", e.Handle)
}

// ModalNotFoundError means no dialog matching the expectation opened in time.
type ModalNotFoundError struct {
	Kind ModalKind
	Text string
}

func (e *ModalNotFoundError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("unable to find modal dialog of kind %s", e.Kind)
	}
	return fmt.Sprintf("unable to find modal dialog of kind %s with %s", e.Kind, e.Text)
}

// JavaScriptError carries an exception thrown by page script.
type JavaScriptError struct {
	Message string
}

func (e *JavaScriptError) Error() string {
	return "javascript error: " + e.Message
}

// StatusFailError means a navigation could not reach the server at all.
type StatusFailError struct {
	URL    string
	Reason string
}

func (e *StatusFailError) Error() string {
	return fmt.Sprintf("request to %s failed to reach server: %s", e.URL, e.Reason)
}

// timeoutError reports an operation that ran out of its own time budget
// while the caller's context was still live.
type timeoutError struct {
	op    string
	after time.Duration
}

func (e *timeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.op, e.after)
}

func (e *timeoutError) Unwrap() error { return context.DeadlineExceeded }

// Exception name prefixes thrown by the page helpers.
const (
	jsObsoleteNode    = "ObsoleteNode"
	jsInvalidSelector = "InvalidSelector"
	jsNotInteractable = "NotInteractable"
	jsNotMultiple     = "NotMultipleSelect"
)

// CDP error fragments that mean the remote object or its realm is gone.
var obsoleteFragments = []string{
	"Cannot find context with specified id",
	"Could not find object with given id",
	"No node with given id",
	"Node with given id does not belong to the document",
	"Execution context was destroyed",
	"Cannot find default execution context",
	"Inspected target navigated or closed",
}

// isObsoleteCDPError reports whether a raw protocol error means the node or
// its document disappeared.
func isObsoleteCDPError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, f := range obsoleteFragments {
		if strings.Contains(msg, f) {
			return true
		}
	}
	return false
}

// exceptionMessage extracts the most specific message from exception details.
func exceptionMessage(exc *runtime.ExceptionDetails) string {
	if exc == nil {
		return ""
	}
	if exc.Exception != nil {
		if exc.Exception.Description != "" {
			// Descriptions carry the stack after the first line.
			first, _, _ := strings.Cut(exc.Exception.Description, "\n")
			return first
		}
		if len(exc.Exception.Value) > 0 {
			return strings.Trim(string(exc.Exception.Value), `"`)
		}
	}
	return exc.Text
}

// classifyException maps an exception thrown by a page helper or user script
// to a typed driver error. method and selector are filled into lookup errors.
func classifyException(exc *runtime.ExceptionDetails, method, selector string) error {
	msg := exceptionMessage(exc)
	name, rest, found := strings.Cut(msg, ": ")
	if !found {
		return &JavaScriptError{Message: msg}
	}

	switch name {
	case jsObsoleteNode:
		return &ObsoleteNodeError{Reason: rest}
	case jsInvalidSelector:
		return &InvalidSelectorError{Method: method, Selector: selector, Reason: rest}
	case jsNotInteractable:
		return ErrNotInteractable
	case jsNotMultiple:
		return ErrNotMultipleSelect
	default:
		// SyntaxError from querySelectorAll surfaces as a DOMException.
		if name == "SyntaxError" && selector != "" {
			return &InvalidSelectorError{Method: method, Selector: selector, Reason: rest}
		}
		return &JavaScriptError{Message: msg}
	}
}

// errorKind names an error for metrics labels.
func errorKind(err error) string {
	var (
		obsolete *ObsoleteNodeError
		notFound *ElementNotFoundError
		mouse    *MouseEventFailedError
		invalid  *InvalidSelectorError
		frame    *FrameNotFoundError
		window   *NoSuchWindowError
		modal    *ModalNotFoundError
		js       *JavaScriptError
		status   *StatusFailError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &obsolete):
		return "obsolete_node"
	case errors.As(err, &notFound):
		return "element_not_found"
	case errors.As(err, &mouse):
		return "mouse_event_failed"
	case errors.As(err, &invalid):
		return "invalid_selector"
	case errors.As(err, &frame):
		return "frame_not_found"
	case errors.As(err, &window):
		return "no_such_window"
	case errors.As(err, &modal):
		return "modal_not_found"
	case errors.As(err, &js):
		return "javascript"
	case errors.As(err, &status):
		return "status_fail"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	default:
		return "other"
	}
}
