package driver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/scalpel-driver/internal/config"
)

// Session is one isolated browsing session: its own browser context with
// separate cookies and storage, one or more windows, and a stack of frames
// per window. Every method is safe for concurrent use, but the driver models
// a single user so callers normally issue one operation at a time.
type Session struct {
	id      string
	logger  *zap.Logger
	cfg     config.Interface
	metrics *Metrics
	browser *Browser

	bcid          cdp.BrowserContextID
	rootHandle    target.ID
	stopListening context.CancelFunc

	modals *modalBroker

	attachMu sync.Mutex

	mu      sync.RWMutex
	windows map[target.ID]*window
	order   []target.ID
	current target.ID
	headers map[string]string
	filter  *urlFilter
	opened  bool
	closed  bool

	// discovering is set once TargetCreated events are flowing.
	discovering bool
}

func newSession(ctx context.Context, b *Browser) (*Session, error) {
	id := uuid.New().String()
	s := &Session{
		id:            id,
		logger:        b.logger.With(zap.String("session_id", id[:8])),
		cfg:           b.cfg,
		metrics:       b.metrics,
		browser:       b,
		stopListening: func() {},
		windows:       make(map[target.ID]*window),
		headers:       make(map[string]string),
	}
	s.modals = newModalBroker(s.logger, s.metrics)

	netCfg := s.cfg.Network()
	filter, err := newURLFilter(netCfg.Blacklist, netCfg.Whitelist)
	if err != nil {
		return nil, err
	}
	s.filter = filter
	for k, v := range netCfg.Headers {
		s.headers[k] = v
	}

	startCtx, cancel := context.WithTimeout(ctx, s.cfg.Browser().StartupTimeout)
	defer cancel()

	if err := s.createTarget(startCtx); err != nil {
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			s.Close(context.Background())
		}
	}()

	if _, err := s.attachWindow(startCtx, s.rootHandle); err != nil {
		return nil, err
	}
	s.current = s.rootHandle

	lctx, stop := context.WithCancel(b.browserCtx)
	s.stopListening = stop
	chromedp.ListenBrowser(lctx, s.onBrowserEvent)
	execCtx, execCancel := s.browserExec(startCtx)
	if err := target.SetDiscoverTargets(true).Do(execCtx); err != nil {
		s.logger.Debug("Target discovery not enabled; falling back to polling.", zap.Error(err))
	} else {
		s.mu.Lock()
		s.discovering = true
		s.mu.Unlock()
	}
	execCancel()

	success = true
	s.opened = true
	s.metrics.sessionOpened()
	s.logger.Info("Session opened.", zap.String("window", string(s.rootHandle)))
	return s, nil
}

// createTarget creates the session's browser context and its first page.
// Creation is serialized per browser.
func (s *Session) createTarget(ctx context.Context) error {
	s.browser.createMu.Lock()
	defer s.browser.createMu.Unlock()

	execCtx, cancel := s.browserExec(ctx)
	defer cancel()

	bcid, err := target.CreateBrowserContext().Do(execCtx)
	if err != nil {
		return fmt.Errorf("failed to create browser context: %w", err)
	}
	s.bcid = bcid

	id, err := target.CreateTarget("about:blank").WithBrowserContextID(bcid).Do(execCtx)
	if err != nil {
		s.disposeBrowserContext(ctx)
		return fmt.Errorf("failed to create target: %w", err)
	}
	s.rootHandle = id
	s.order = []target.ID{id}
	return nil
}

func (s *Session) disposeBrowserContext(ctx context.Context) {
	if s.bcid == "" || s.browser.browserCtx.Err() != nil {
		return
	}
	execCtx, cancel := s.browserExec(ctx)
	defer cancel()
	if err := target.DisposeBrowserContext(s.bcid).Do(execCtx); err != nil {
		s.logger.Warn("Failed to dispose of browser context. It may be orphaned.",
			zap.String("browser_context_id", string(s.bcid)),
			zap.Error(err))
	}
}

// ID returns the session's unique identifier.
func (s *Session) ID() string { return s.id }

func (s *Session) isClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}

// browserExec binds ctx to the browser-level CDP connection for Target and
// Storage domain calls.
func (s *Session) browserExec(ctx context.Context) (context.Context, context.CancelFunc) {
	bctx := s.browser.browserCtx
	execCtx, cancel := CombineContext(bctx, ctx)
	return cdp.WithExecutor(execCtx, chromedp.FromContext(bctx).Browser), cancel
}

// targets lists every target of the browser process.
func (s *Session) targets(ctx context.Context) ([]*target.Info, error) {
	tctx, cancel := CombineContext(s.browser.browserCtx, ctx)
	defer cancel()
	return chromedp.Targets(tctx)
}

// currentWindow returns the window operations are directed at.
func (s *Session) currentWindow() (*window, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	w, ok := s.windows[s.current]
	if !ok {
		return nil, &NoSuchWindowError{Handle: string(s.current)}
	}
	return w, nil
}

// resolveURL makes rawURL absolute against driver.app_host when it has no
// scheme of its own.
func (s *Session) resolveURL(rawURL string) (string, error) {
	ref, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	host := s.cfg.Driver().AppHost
	if ref.IsAbs() || host == "" {
		return rawURL, nil
	}
	base, err := url.Parse(host)
	if err != nil {
		return "", fmt.Errorf("invalid app host %q: %w", host, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// Visit navigates the current window and waits for its load event. The
// frame stack is reset to the top-level document.
func (s *Session) Visit(ctx context.Context, rawURL string) error {
	w, err := s.currentWindow()
	if err != nil {
		return err
	}
	dest, err := s.resolveURL(rawURL)
	if err != nil {
		return err
	}
	s.logger.Debug("Visiting.", zap.String("url", dest))

	w.resetFrames()
	start := time.Now()
	err = s.navigate(ctx, w, dest, chromedp.Navigate(dest))
	s.metrics.navigation(time.Since(start), err)
	return s.metrics.observe(err)
}

// navigate runs a navigation action under the navigation timeout.
func (s *Session) navigate(ctx context.Context, w *window, dest string, action chromedp.Action) error {
	timeout := s.cfg.Network().NavigationTimeout
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := w.RunActions(navCtx, action)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case navCtx.Err() == context.DeadlineExceeded:
		return &timeoutError{op: "navigation to " + dest, after: timeout}
	case strings.Contains(err.Error(), "page load error"):
		reason := strings.TrimSpace(strings.TrimPrefix(err.Error(), "page load error"))
		return &StatusFailError{URL: dest, Reason: reason}
	default:
		return fmt.Errorf("navigation to %s failed: %w", dest, err)
	}
}

// CurrentURL returns the URL of the current window's top-level document.
func (s *Session) CurrentURL(ctx context.Context) (string, error) {
	w, err := s.currentWindow()
	if err != nil {
		return "", err
	}
	var loc string
	if err := w.RunActions(ctx, chromedp.Location(&loc)); err != nil {
		return "", s.metrics.observe(err)
	}
	return loc, nil
}

// Title returns the title of the current frame's document.
func (s *Session) Title(ctx context.Context) (string, error) {
	return s.documentString(ctx, jsDocumentTitle)
}

// HTML returns the outer HTML of the current frame's document.
func (s *Session) HTML(ctx context.Context) (string, error) {
	return s.documentString(ctx, jsDocumentHTML)
}

func (s *Session) documentString(ctx context.Context, decl string) (string, error) {
	v, err := s.evaluateIn(ctx, decl, true)
	if err != nil {
		return "", err
	}
	str, _ := v.(string)
	return str, nil
}

// Snapshot parses the current frame's HTML for offline querying.
func (s *Session) Snapshot(ctx context.Context) (*goquery.Document, error) {
	html, err := s.HTML(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document snapshot: %w", err)
	}
	return doc, nil
}

// Refresh reloads the current window.
func (s *Session) Refresh(ctx context.Context) error {
	w, err := s.currentWindow()
	if err != nil {
		return err
	}
	w.resetFrames()
	return s.metrics.observe(s.navigate(ctx, w, "reload", chromedp.Reload()))
}

// GoBack moves one entry back in history. It is a no-op at the first entry.
func (s *Session) GoBack(ctx context.Context) error {
	return s.history(ctx, "back", chromedp.NavigateBack())
}

// GoForward moves one entry forward in history. It is a no-op at the last entry.
func (s *Session) GoForward(ctx context.Context) error {
	return s.history(ctx, "forward", chromedp.NavigateForward())
}

func (s *Session) history(ctx context.Context, dir string, action chromedp.Action) error {
	w, err := s.currentWindow()
	if err != nil {
		return err
	}
	w.resetFrames()
	err = s.navigate(ctx, w, "history "+dir, action)
	if err != nil && strings.Contains(err.Error(), "invalid navigation entry") {
		return nil
	}
	return s.metrics.observe(err)
}

// Find returns every element in the current frame matching selector.
// method is "css" or "xpath".
func (s *Session) Find(ctx context.Context, method, selector string) ([]*Node, error) {
	w, err := s.currentWindow()
	if err != nil {
		return nil, err
	}
	if err := checkMethod(method, selector); err != nil {
		return nil, s.metrics.observe(err)
	}
	obj, exc, err := w.callInFrame(ctx, jsFindInDocument, false, method, selector)
	if err != nil {
		return nil, s.metrics.observe(err)
	}
	if exc != nil {
		return nil, s.metrics.observe(classifyException(exc, method, selector))
	}
	nodes, err := w.nodes(ctx, obj)
	return nodes, s.metrics.observe(err)
}

// FindCSS is Find with the css method.
func (s *Session) FindCSS(ctx context.Context, selector string) ([]*Node, error) {
	return s.Find(ctx, "css", selector)
}

// FindXPath is Find with the xpath method.
func (s *Session) FindXPath(ctx context.Context, selector string) ([]*Node, error) {
	return s.Find(ctx, "xpath", selector)
}

// WaitFor polls Find until something matches or driver.wait_timeout
// elapses, in which case it returns an *ElementNotFoundError.
func (s *Session) WaitFor(ctx context.Context, method, selector string) ([]*Node, error) {
	var nodes []*Node
	cfg := s.cfg.Driver()
	err := poll(ctx, cfg.WaitTimeout, cfg.PollInterval, func(ctx context.Context) (bool, error) {
		var err error
		nodes, err = s.Find(ctx, method, selector)
		if err != nil {
			return false, err
		}
		return len(nodes) > 0, nil
	})
	if errors.Is(err, errWaitTimeout) {
		return nil, s.metrics.observe(&ElementNotFoundError{Method: method, Selector: selector})
	}
	return nodes, err
}

func checkMethod(method, selector string) error {
	switch method {
	case "css", "xpath":
		return nil
	default:
		return &InvalidSelectorError{Method: method, Selector: selector, Reason: "unknown selector method"}
	}
}

// ExecuteScript runs script as a function body in the current frame and
// discards its result. Arguments are reachable through `arguments`.
func (s *Session) ExecuteScript(ctx context.Context, script string, args ...interface{}) error {
	w, err := s.currentWindow()
	if err != nil {
		return err
	}
	obj, exc, err := w.callInFrame(ctx, userScript(script), false, args...)
	if err == nil && exc != nil {
		err = classifyException(exc, "", "")
	}
	if err != nil {
		return s.metrics.observe(err)
	}
	if obj != nil && obj.Subtype != "node" {
		w.release(obj.ObjectID)
	}
	return nil
}

// EvaluateScript evaluates expr in the current frame and returns its value.
// Elements come back as *Node, arrays as []any and numbers as float64.
func (s *Session) EvaluateScript(ctx context.Context, expr string, args ...interface{}) (interface{}, error) {
	return s.evaluateIn(ctx, userExpression(expr), false, args...)
}

// EvaluateAsync runs script with a completion callback appended to its
// arguments and returns the value passed to the callback. The script fails
// when the callback is not called within wait.
func (s *Session) EvaluateAsync(ctx context.Context, script string, wait time.Duration, args ...interface{}) (interface{}, error) {
	opCtx, cancel := context.WithTimeout(ctx, wait+s.cfg.Driver().ActionTimeout)
	defer cancel()
	callArgs := append([]interface{}{wait.Milliseconds()}, args...)
	return s.evaluateIn(opCtx, userAsyncScript(script), false, callArgs...)
}

func (s *Session) evaluateIn(ctx context.Context, decl string, byValue bool, args ...interface{}) (interface{}, error) {
	w, err := s.currentWindow()
	if err != nil {
		return nil, err
	}
	obj, exc, err := w.callInFrame(ctx, decl, byValue, args...)
	if err == nil && exc != nil {
		err = classifyException(exc, "", "")
	}
	if err != nil {
		return nil, s.metrics.observe(err)
	}
	if byValue {
		return decodeValue(obj)
	}
	v, err := w.decode(ctx, obj)
	return v, s.metrics.observe(err)
}

// AcceptModal registers an expectation for a dialog of kind, runs trigger
// and waits for the dialog. The dialog is accepted and its message returned.
func (s *Session) AcceptModal(ctx context.Context, kind ModalKind, opts ModalOptions, trigger func() error) (string, error) {
	return s.handleModal(ctx, kind, true, opts, trigger)
}

// DismissModal is AcceptModal but dismisses the dialog.
func (s *Session) DismissModal(ctx context.Context, kind ModalKind, opts ModalOptions, trigger func() error) (string, error) {
	return s.handleModal(ctx, kind, false, opts, trigger)
}

func (s *Session) handleModal(ctx context.Context, kind ModalKind, accept bool, opts ModalOptions, trigger func() error) (string, error) {
	if s.isClosed() {
		return "", ErrSessionClosed
	}
	exp := s.modals.expect(kind, accept, opts)
	if err := trigger(); err != nil {
		s.modals.withdraw(exp)
		return "", err
	}
	wait := opts.Wait
	if wait == 0 {
		wait = s.cfg.Driver().ModalWait
	}
	msg, err := s.modals.await(ctx, exp, wait)
	return msg, s.metrics.observe(err)
}

// ModalHistory returns every dialog the session answered, oldest first.
func (s *Session) ModalHistory() []HandledModal {
	return s.modals.history()
}

// Reset returns the session to a blank state: extra windows are closed,
// cookies, headers, request filters, recorded traffic and dialogs cleared,
// and the remaining window navigated to about:blank.
func (s *Session) Reset(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	handles, err := s.WindowHandles(ctx)
	if err != nil {
		return err
	}

	keep := s.rootHandle
	if !containsHandle(handles, string(keep)) {
		if len(handles) == 0 {
			h, err := s.OpenNewWindow(ctx)
			if err != nil {
				return err
			}
			handles = []string{h}
		}
		keep = target.ID(handles[0])
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, h := range handles {
		if h == string(keep) {
			continue
		}
		h := h
		g.Go(func() error { return s.CloseWindow(gctx, h) })
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to close windows during reset: %w", err)
	}
	if err := s.SwitchToWindow(ctx, string(keep)); err != nil {
		return err
	}

	netCfg := s.cfg.Network()
	filter, err := newURLFilter(netCfg.Blacklist, netCfg.Whitelist)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.filter = filter
	s.headers = make(map[string]string, len(netCfg.Headers))
	for k, v := range netCfg.Headers {
		s.headers[k] = v
	}
	s.mu.Unlock()
	s.modals.reset()

	w, err := s.currentWindow()
	if err != nil {
		return err
	}
	w.resetFrames()

	g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error { return s.ClearCookies(gctx) })
	g.Go(func() error { return w.applyNetworkState(gctx) })
	g.Go(func() error { return w.RunActions(gctx, runtime.ReleaseObjectGroup(objectGroup)) })
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to reset session state: %w", err)
	}

	if err := s.navigate(ctx, w, "about:blank", chromedp.Navigate("about:blank")); err != nil {
		return err
	}
	w.recorder.clear()
	w.recorder.resetDocument()
	s.logger.Debug("Session reset.")
	return nil
}

// Close ends the session: its windows are closed and its browser context
// disposed. It is safe to call more than once.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	windows := make([]*window, 0, len(s.windows))
	for _, w := range s.windows {
		windows = append(windows, w)
	}
	s.windows = make(map[target.ID]*window)
	s.order = nil
	s.current = ""
	s.mu.Unlock()

	s.stopListening()
	for _, w := range windows {
		w.cancel()
	}

	closeCtx, cancel := context.WithTimeout(Detach(ctx), closeTimeout)
	defer cancel()
	s.disposeBrowserContext(closeCtx)

	s.browser.forget(s)
	if s.opened {
		s.metrics.sessionClosed()
	}
	s.logger.Info("Session closed.")
	return nil
}

func containsHandle(handles []string, h string) bool {
	for _, x := range handles {
		if x == h {
			return true
		}
	}
	return false
}
