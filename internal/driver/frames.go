package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/cdp"
	"go.uber.org/zap"
)

// SwitchToFrame makes the document of an iframe the current frame of the
// current window. locator is the *Node of an iframe or frame element in the
// current frame, or the name or id of one. The switch waits up to
// driver.frame_timeout for the frame's document to finish loading and then
// fails with a *FrameNotFoundError.
func (s *Session) SwitchToFrame(ctx context.Context, locator interface{}) error {
	w, err := s.currentWindow()
	if err != nil {
		return err
	}

	var (
		name    string
		resolve func(ctx context.Context) (*Node, error)
	)
	switch loc := locator.(type) {
	case *Node:
		if loc == nil {
			return fmt.Errorf("%w: nil frame element", ErrUnsupportedValue)
		}
		if loc.window != w {
			return s.metrics.observe(&FrameNotFoundError{Name: "element of another window"})
		}
		name = "element"
		resolve = func(context.Context) (*Node, error) { return loc, nil }
	case string:
		name = loc
		resolve = func(ctx context.Context) (*Node, error) { return s.frameElementByName(ctx, w, loc) }
	default:
		return fmt.Errorf("%w: frame locator must be a *Node or a name, got %T", ErrUnsupportedValue, locator)
	}

	cfg := s.cfg.Driver()
	var frameID cdp.FrameID
	err = poll(ctx, cfg.FrameTimeout, cfg.PollInterval, func(ctx context.Context) (bool, error) {
		el, err := resolve(ctx)
		if err != nil || el == nil {
			return false, err
		}
		state, err := el.frameState(ctx)
		if err != nil {
			var obsolete *ObsoleteNodeError
			if errors.As(err, &obsolete) && name != "element" {
				// Replaced while loading; look it up again.
				return false, nil
			}
			return false, err
		}
		switch state {
		case "invalid":
			return false, fmt.Errorf("%w: element is not a frame", ErrUnsupportedValue)
		case "ready", "opaque":
			// Cross-origin documents are opaque to the parent but still
			// get an execution context of their own.
		default:
			return false, nil
		}
		id, err := el.contentFrame(ctx)
		if err != nil {
			return false, err
		}
		if !w.hasContext(id) {
			return false, nil
		}
		frameID = id
		return true, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return s.metrics.observe(&FrameNotFoundError{Name: name})
	}
	if err != nil {
		return s.metrics.observe(err)
	}

	w.pushFrame(frameRef{id: frameID, name: name})
	s.logger.Debug("Switched to frame.", zap.String("frame", name), zap.String("frame_id", string(frameID)))
	return nil
}

// frameElementByName looks up an iframe or frame element by name or id in
// the current frame.
func (s *Session) frameElementByName(ctx context.Context, w *window, name string) (*Node, error) {
	obj, exc, err := w.callInFrame(ctx, jsFrameByName, false, name)
	if err == nil && exc != nil {
		err = classifyException(exc, "", "")
	}
	if err != nil {
		return nil, err
	}
	v, err := w.decode(ctx, obj)
	if err != nil {
		return nil, err
	}
	el, _ := v.(*Node)
	return el, nil
}

// SwitchToParentFrame moves one level up the frame stack. At the top-level
// document it does nothing.
func (s *Session) SwitchToParentFrame() error {
	w, err := s.currentWindow()
	if err != nil {
		return err
	}
	w.popFrame()
	return nil
}

// SwitchToTopFrame returns to the top-level document of the current window.
func (s *Session) SwitchToTopFrame() error {
	w, err := s.currentWindow()
	if err != nil {
		return err
	}
	w.resetFrames()
	return nil
}

// WithinFrame runs fn inside the frame identified by locator and switches
// back to the parent frame afterwards, even when fn fails.
func (s *Session) WithinFrame(ctx context.Context, locator interface{}, fn func() error) error {
	if err := s.SwitchToFrame(ctx, locator); err != nil {
		return err
	}
	defer func() {
		if err := s.SwitchToParentFrame(); err != nil && !errors.Is(err, ErrSessionClosed) {
			s.logger.Debug("Could not leave frame.", zap.Error(err))
		}
	}()
	return fn()
}
