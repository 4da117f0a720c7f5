package driver

import (
	"context"
	"errors"
	"fmt"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
)

// onBrowserEvent tracks page targets of this session's browser context as
// they open and close, so popups keep their opening order.
func (s *Session) onBrowserEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *target.EventTargetCreated:
		s.noteTarget(ev.TargetInfo)
	case *target.EventTargetDestroyed:
		// Listeners run on the connection's reader goroutine, and a target
		// context's cancel waits on commands that goroutine must deliver.
		if w := s.dropWindow(ev.TargetID); w != nil {
			go w.cancel()
		}
	}
}

func (s *Session) ownsTarget(info *target.Info) bool {
	return info != nil && info.Type == "page" && info.BrowserContextID == s.bcid
}

func (s *Session) noteTarget(info *target.Info) {
	if !s.ownsTarget(info) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if id == info.TargetID {
			return
		}
	}
	s.order = append(s.order, info.TargetID)
	s.logger.Debug("Window opened.", zap.String("handle", string(info.TargetID)), zap.String("url", info.URL))
}

// dropWindow stops tracking a closed target and returns its attached window,
// if any. When it was the current window the session has no current window
// until SwitchToWindow is called.
func (s *Session) dropWindow(id target.ID) *window {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[id]
	delete(s.windows, id)
	for i, h := range s.order {
		if h == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	if w == nil || w.cancel == nil {
		return nil
	}
	return w
}

// forgetWindow drops a closed target and detaches from it. It blocks until
// chromedp has released the target, so it must not run inside a listener.
func (s *Session) forgetWindow(id target.ID) {
	if w := s.dropWindow(id); w != nil {
		w.cancel()
	}
}

// refreshWindows reconciles the tracked windows with the browser's targets.
// Closed targets are dropped. New targets are only picked up here when
// target discovery is off, since Target.getTargets does not list them in
// opening order; otherwise TargetCreated events add them.
func (s *Session) refreshWindows(ctx context.Context) error {
	infos, err := s.targets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list windows: %w", err)
	}
	live := make(map[target.ID]bool, len(infos))
	for _, info := range infos {
		if s.ownsTarget(info) {
			live[info.TargetID] = true
		}
	}

	s.mu.RLock()
	var gone []target.ID
	for _, id := range s.order {
		if !live[id] {
			gone = append(gone, id)
		}
	}
	discovering := s.discovering
	s.mu.RUnlock()
	for _, id := range gone {
		s.forgetWindow(id)
	}
	if discovering {
		return nil
	}
	for _, info := range infos {
		s.noteTarget(info)
	}
	return nil
}

// WindowHandles lists the session's open windows in opening order.
func (s *Session) WindowHandles(ctx context.Context) ([]string, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	if err := s.refreshWindows(ctx); err != nil {
		return nil, s.metrics.observe(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	for i, id := range s.order {
		out[i] = string(id)
	}
	return out, nil
}

// CurrentWindowHandle returns the handle of the window operations go to.
func (s *Session) CurrentWindowHandle() (string, error) {
	w, err := s.currentWindow()
	if err != nil {
		return "", err
	}
	return string(w.handle), nil
}

// OpenNewWindow opens a blank window in the session's browser context and
// returns its handle. The current window does not change.
func (s *Session) OpenNewWindow(ctx context.Context) (string, error) {
	if s.isClosed() {
		return "", ErrSessionClosed
	}
	execCtx, cancel := s.browserExec(ctx)
	defer cancel()
	id, err := target.CreateTarget("about:blank").
		WithBrowserContextID(s.bcid).
		WithNewWindow(true).
		Do(execCtx)
	if err != nil {
		return "", s.metrics.observe(fmt.Errorf("failed to open window: %w", err))
	}
	s.noteTarget(&target.Info{TargetID: id, Type: "page", BrowserContextID: s.bcid, URL: "about:blank"})
	return string(id), nil
}

func (s *Session) knownWindow(id target.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, h := range s.order {
		if h == id {
			return true
		}
	}
	return false
}

// attachWindow returns the window for id, attaching to the target the first
// time it is used.
func (s *Session) attachWindow(ctx context.Context, id target.ID) (*window, error) {
	s.attachMu.Lock()
	defer s.attachMu.Unlock()

	s.mu.RLock()
	w, ok := s.windows[id]
	s.mu.RUnlock()
	if ok {
		return w, nil
	}

	wctx, cancel := chromedp.NewContext(s.browser.browserCtx, chromedp.WithTargetID(id))
	w = newWindow(s, wctx, cancel)
	w.handle = id
	if err := w.attach(ctx); err != nil {
		cancel()
		var noWindow *NoSuchWindowError
		if errors.As(err, &noWindow) || ctx.Err() == nil {
			return nil, &NoSuchWindowError{Handle: string(id)}
		}
		return nil, err
	}

	s.mu.Lock()
	s.windows[id] = w
	s.mu.Unlock()
	return w, nil
}

// SwitchToWindow makes handle the current window and brings it to front.
// The window's frame stack is kept.
func (s *Session) SwitchToWindow(ctx context.Context, handle string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	id := target.ID(handle)
	if !s.knownWindow(id) {
		if err := s.refreshWindows(ctx); err != nil {
			return s.metrics.observe(err)
		}
		if !s.knownWindow(id) {
			return s.metrics.observe(&NoSuchWindowError{Handle: handle})
		}
	}
	w, err := s.attachWindow(ctx, id)
	if err != nil {
		return s.metrics.observe(err)
	}
	if err := w.RunActions(ctx, page.BringToFront()); err != nil {
		return s.metrics.observe(err)
	}

	s.mu.Lock()
	s.current = id
	s.mu.Unlock()
	return nil
}

// CloseWindow closes handle. Closing the current window leaves the session
// without one until SwitchToWindow is called.
func (s *Session) CloseWindow(ctx context.Context, handle string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	id := target.ID(handle)
	if !s.knownWindow(id) {
		return s.metrics.observe(&NoSuchWindowError{Handle: handle})
	}
	execCtx, cancel := s.browserExec(ctx)
	err := target.CloseTarget(id).Do(execCtx)
	cancel()
	if err != nil {
		return s.metrics.observe(fmt.Errorf("failed to close window %s: %w", handle, err))
	}
	s.forgetWindow(id)

	// The target lingers in the browser's list for a moment after closing.
	cfg := s.cfg.Driver()
	err = poll(ctx, cfg.WaitTimeout, cfg.PollInterval, func(ctx context.Context) (bool, error) {
		infos, err := s.targets(ctx)
		if err != nil {
			return false, err
		}
		for _, info := range infos {
			if info.TargetID == id {
				return false, nil
			}
		}
		return true, nil
	})
	if err != nil && !errors.Is(err, errWaitTimeout) {
		return err
	}
	s.logger.Debug("Window closed.", zap.String("handle", handle))
	return nil
}

// WithinWindow runs fn with handle as the current window and switches back
// afterwards, unless fn closed the original window.
func (s *Session) WithinWindow(ctx context.Context, handle string, fn func() error) error {
	s.mu.RLock()
	prev := s.current
	s.mu.RUnlock()

	if err := s.SwitchToWindow(ctx, handle); err != nil {
		return err
	}
	fnErr := fn()
	if s.knownWindow(prev) {
		if err := s.SwitchToWindow(ctx, string(prev)); err != nil && fnErr == nil {
			return err
		}
	}
	return fnErr
}
