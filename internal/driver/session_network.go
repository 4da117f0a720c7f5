package driver

import (
	"context"
	"fmt"

	"github.com/chromedp/chromedp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// StatusCode returns the HTTP status of the current window's top-level
// document, or 0 when it was not loaded over the network.
func (s *Session) StatusCode() (int, error) {
	w, err := s.currentWindow()
	if err != nil {
		return 0, err
	}
	doc, ok := w.recorder.lastDocument()
	if !ok {
		return 0, nil
	}
	return int(doc.Status), nil
}

// ResponseHeaders returns the response headers of the current window's
// top-level document.
func (s *Session) ResponseHeaders() (map[string]string, error) {
	w, err := s.currentWindow()
	if err != nil {
		return nil, err
	}
	doc, ok := w.recorder.lastDocument()
	if !ok {
		return map[string]string{}, nil
	}
	return doc.ResponseHeaders, nil
}

// NetworkTraffic returns the exchanges recorded in the current window in
// request order.
func (s *Session) NetworkTraffic() ([]Exchange, error) {
	w, err := s.currentWindow()
	if err != nil {
		return nil, err
	}
	return w.recorder.traffic(), nil
}

// ClearNetworkTraffic drops the recorded exchanges and console output of
// the current window.
func (s *Session) ClearNetworkTraffic() error {
	w, err := s.currentWindow()
	if err != nil {
		return err
	}
	w.recorder.clear()
	return nil
}

// ConsoleMessages returns console calls, uncaught exceptions and browser
// log entries of the current window.
func (s *Session) ConsoleMessages() ([]ConsoleMessage, error) {
	w, err := s.currentWindow()
	if err != nil {
		return nil, err
	}
	return w.recorder.consoleMessages(), nil
}

// ResponseBody fetches the body of a recorded exchange by request id.
func (s *Session) ResponseBody(ctx context.Context, requestID string) ([]byte, error) {
	w, err := s.currentWindow()
	if err != nil {
		return nil, err
	}
	body, err := w.recorder.body(ctx, requestID)
	return body, s.metrics.observe(err)
}

// SetURLBlacklist fails every request whose URL matches one of patterns.
// Patterns are globs; '*' matches any run of characters. Passing no
// patterns lifts the blacklist.
func (s *Session) SetURLBlacklist(ctx context.Context, patterns ...string) error {
	return s.setFilterList(ctx, patterns, true)
}

// SetURLWhitelist fails every request whose URL matches none of patterns.
// Passing no patterns lifts the whitelist.
func (s *Session) SetURLWhitelist(ctx context.Context, patterns ...string) error {
	return s.setFilterList(ctx, patterns, false)
}

// setFilterList replaces one list of the request filter and keeps the other.
func (s *Session) setFilterList(ctx context.Context, patterns []string, black bool) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	compiled, err := compileGlobs(patterns)
	if err != nil {
		return err
	}

	s.mu.Lock()
	next := &urlFilter{}
	if s.filter != nil {
		*next = *s.filter
	}
	if black {
		next.blacklist = compiled
	} else {
		next.whitelist = compiled
	}
	s.filter = next
	s.mu.Unlock()
	return s.applyToWindows(ctx)
}

func (s *Session) currentFilter() *urlFilter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filter
}

// SetHeaders replaces the extra HTTP headers sent with every request.
func (s *Session) SetHeaders(ctx context.Context, headers map[string]string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	s.headers = make(map[string]string, len(headers))
	for k, v := range headers {
		s.headers[k] = v
	}
	s.mu.Unlock()
	return s.applyToWindows(ctx)
}

// AddHeaders merges headers into the extra HTTP headers.
func (s *Session) AddHeaders(ctx context.Context, headers map[string]string) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	for k, v := range headers {
		s.headers[k] = v
	}
	s.mu.Unlock()
	return s.applyToWindows(ctx)
}

func (s *Session) currentHeaders() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.headers))
	for k, v := range s.headers {
		out[k] = v
	}
	return out
}

// applyToWindows pushes headers and the request filter to every attached
// window concurrently.
func (s *Session) applyToWindows(ctx context.Context) error {
	s.mu.RLock()
	windows := make([]*window, 0, len(s.windows))
	for _, w := range s.windows {
		windows = append(windows, w)
	}
	s.mu.RUnlock()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range windows {
		w := w
		g.Go(func() error { return w.applyNetworkState(gctx) })
	}
	if err := g.Wait(); err != nil {
		return s.metrics.observe(err)
	}
	s.logger.Debug("Applied network settings.", zap.Int("windows", len(windows)))
	return nil
}

// ResizeWindow sets the viewport of the current window in CSS pixels.
func (s *Session) ResizeWindow(ctx context.Context, width, height int) error {
	w, err := s.currentWindow()
	if err != nil {
		return err
	}
	if width <= 0 || height <= 0 {
		return fmt.Errorf("%w: window size must be positive, got %dx%d", ErrUnsupportedValue, width, height)
	}
	return s.metrics.observe(w.RunActions(ctx, chromedp.EmulateViewport(int64(width), int64(height))))
}

// WindowSize returns the inner size of the current window's top-level
// document.
func (s *Session) WindowSize(ctx context.Context) (int, int, error) {
	w, err := s.currentWindow()
	if err != nil {
		return 0, 0, err
	}
	obj, exc, err := w.callIn(ctx, frameRef{id: w.currentMainFrame()}, jsWindowSize, true)
	if err == nil && exc != nil {
		err = classifyException(exc, "", "")
	}
	if err != nil {
		return 0, 0, s.metrics.observe(err)
	}
	v, err := decodeValue(obj)
	if err != nil {
		return 0, 0, err
	}
	dims, _ := v.([]interface{})
	if len(dims) != 2 {
		return 0, 0, fmt.Errorf("unexpected window size result %v", v)
	}
	width, _ := dims[0].(float64)
	height, _ := dims[1].(float64)
	return int(width), int(height), nil
}

// Screenshot captures the current window as PNG. full captures the whole
// page instead of the viewport.
func (s *Session) Screenshot(ctx context.Context, full bool) ([]byte, error) {
	w, err := s.currentWindow()
	if err != nil {
		return nil, err
	}
	var (
		buf    []byte
		action chromedp.Action = chromedp.CaptureScreenshot(&buf)
	)
	if full {
		// Quality 100 keeps the PNG encoding.
		action = chromedp.FullScreenshot(&buf, 100)
	}
	if err := w.RunActions(ctx, action); err != nil {
		return nil, s.metrics.observe(fmt.Errorf("failed to capture screenshot: %w", err))
	}
	return buf, nil
}
