package driver

import (
	"context"

	"github.com/chromedp/chromedp"
)

// ActionExecutor runs chromedp actions against one browser window. It lets
// the recorder and input helpers issue CDP calls without holding the window
// or knowing how its context is built.
type ActionExecutor interface {
	// RunActions executes actions bounded by ctx. The implementation merges
	// ctx with the long-lived window context that carries the CDP target.
	RunActions(ctx context.Context, actions ...chromedp.Action) error

	// RunBackgroundActions executes actions on a context detached from the
	// caller, for work that must finish even when the caller has returned,
	// such as answering a dialog from an event listener.
	RunBackgroundActions(ctx context.Context, actions ...chromedp.Action) error
}
