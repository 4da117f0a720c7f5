package driver

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// errWaitTimeout is returned by poll when the condition never held. Callers
// translate it into the typed error of the thing they were waiting for.
var errWaitTimeout = errors.New("driver: condition not met before timeout")

// poll runs check at most once per interval until it reports done, returns
// an error, or timeout elapses. check is bounded by the timeout too. A zero
// timeout checks exactly once under ctx. ctx cancellation is reported as
// ctx.Err(), never as errWaitTimeout.
func poll(ctx context.Context, timeout, interval time.Duration, check func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	bounded := timeout > 0
	checkCtx := ctx
	if bounded {
		checkCtx = waitCtx
	}

	for {
		done, err := check(checkCtx)
		if err != nil {
			if bounded && waitCtx.Err() != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return errWaitTimeout
			}
			return err
		}
		if done {
			return nil
		}
		if err := limiter.Wait(waitCtx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errWaitTimeout
		}
		// limiter.Wait returns early when the next token lands past the deadline.
		if waitCtx.Err() != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errWaitTimeout
		}
	}
}
