package driver

import (
	"context"
)

// CombineContext returns a context that carries primary's values (the CDP
// target chromedp needs) and ends when either primary or op ends. op's
// deadline, if any, is copied so chromedp sees the tighter bound.
func CombineContext(primary, op context.Context) (context.Context, context.CancelFunc) {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if deadline, ok := op.Deadline(); ok {
		ctx, cancel = context.WithDeadline(primary, deadline)
	} else {
		ctx, cancel = context.WithCancel(primary)
	}

	stop := context.AfterFunc(op, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// Detach returns a context that keeps ctx's values but is never canceled by
// it. Cleanup that must outlive the caller (closing targets, answering a
// dialog) runs on a detached context with its own timeout.
func Detach(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
