package driver

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
)

// Point is a position in CSS pixels relative to the top-level viewport, or
// an offset from an element's top-left corner.
type Point struct {
	X, Y float64
}

// mouseButtons maps a button to the bitmask CDP expects while it is held.
func mouseButtons(b input.MouseButton) int64 {
	switch b {
	case input.Left:
		return 1
	case input.Right:
		return 2
	case input.Middle:
		return 4
	default:
		return 0
	}
}

// clickActions builds move, then count press/release pairs at p. Each pair
// carries its click count so the page sees click then dblclick.
func clickActions(p Point, button input.MouseButton, count int, mods input.Modifier, hold time.Duration) []chromedp.Action {
	actions := []chromedp.Action{
		input.DispatchMouseEvent(input.MouseMoved, p.X, p.Y).WithModifiers(mods),
	}
	for i := 1; i <= count; i++ {
		actions = append(actions,
			input.DispatchMouseEvent(input.MousePressed, p.X, p.Y).
				WithButton(button).
				WithButtons(mouseButtons(button)).
				WithClickCount(int64(i)).
				WithModifiers(mods),
		)
		if hold > 0 {
			actions = append(actions, chromedp.Sleep(hold))
		}
		actions = append(actions,
			input.DispatchMouseEvent(input.MouseReleased, p.X, p.Y).
				WithButton(button).
				WithClickCount(int64(i)).
				WithModifiers(mods),
		)
	}
	return actions
}

// dragActions presses at from, moves to to in steps, and releases there.
func dragActions(from, to Point, steps int) []chromedp.Action {
	if steps < 1 {
		steps = 1
	}
	actions := []chromedp.Action{
		input.DispatchMouseEvent(input.MouseMoved, from.X, from.Y),
		input.DispatchMouseEvent(input.MousePressed, from.X, from.Y).
			WithButton(input.Left).WithButtons(1).WithClickCount(1),
	}
	for i := 1; i <= steps; i++ {
		frac := float64(i) / float64(steps)
		x := from.X + (to.X-from.X)*frac
		y := from.Y + (to.Y-from.Y)*frac
		actions = append(actions,
			input.DispatchMouseEvent(input.MouseMoved, x, y).
				WithButton(input.Left).WithButtons(1),
		)
	}
	return append(actions,
		input.DispatchMouseEvent(input.MouseReleased, to.X, to.Y).
			WithButton(input.Left).WithClickCount(1),
	)
}

// dispatch runs pointer or keyboard actions on w under the action timeout,
// reporting a timeout distinctly from the caller's own cancellation.
func (w *window) dispatch(ctx context.Context, what string, actions ...chromedp.Action) error {
	timeout := w.session.cfg.Driver().ActionTimeout
	opCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := w.RunActions(opCtx, actions...)
	if err != nil && ctx.Err() == nil && opCtx.Err() == context.DeadlineExceeded {
		return &timeoutError{op: what, after: timeout}
	}
	return err
}
