package driver

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"github.com/gobwas/glob"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// Exchange is one request and, once it arrived, its response. Redirect hops
// are recorded as separate exchanges sharing a RequestID.
type Exchange struct {
	RequestID       string
	URL             string
	Method          string
	ResourceType    string
	FrameID         string
	RequestHeaders  map[string]string
	Status          int64
	StatusText      string
	ResponseHeaders map[string]string
	MimeType        string
	RedirectedTo    string
	Finished        bool
	Failed          bool
	Blocked         bool
	ErrorText       string
	StartedAt       time.Time
}

// ConsoleMessage is a console call, uncaught exception or browser log entry.
type ConsoleMessage struct {
	Level  string
	Text   string
	Source string
	URL    string
	Line   int64
	Time   time.Time
}

// recorder listens to a window's network and console events.
type recorder struct {
	logger    *zap.Logger
	executor  ActionExecutor
	mainFrame func() cdp.FrameID

	mu        sync.RWMutex
	exchanges []*Exchange
	byID      map[network.RequestID]*Exchange
	document  *Exchange
	console   []ConsoleMessage
}

func newRecorder(logger *zap.Logger, executor ActionExecutor, mainFrame func() cdp.FrameID) *recorder {
	if executor == nil {
		panic("recorder created with nil ActionExecutor reference")
	}
	return &recorder{
		logger:    logger.Named("recorder"),
		executor:  executor,
		mainFrame: mainFrame,
		byID:      make(map[network.RequestID]*Exchange),
	}
}

// handle consumes one target event. It is called from the window's
// listener and must not block.
func (r *recorder) handle(ev interface{}) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		r.onRequest(ev)
	case *network.EventResponseReceived:
		r.onResponse(ev)
	case *network.EventLoadingFinished:
		r.onFinished(ev.RequestID)
	case *network.EventLoadingFailed:
		r.onFailed(ev)
	case *runtime.EventConsoleAPICalled:
		r.onConsoleAPI(ev)
	case *runtime.EventExceptionThrown:
		r.appendConsole(ConsoleMessage{Level: "error", Text: exceptionMessage(ev.ExceptionDetails), Source: "exception", Time: time.Now()})
	case *log.EventEntryAdded:
		if ev.Entry != nil {
			r.appendConsole(ConsoleMessage{
				Level:  string(ev.Entry.Level),
				Text:   ev.Entry.Text,
				Source: string(ev.Entry.Source),
				URL:    ev.Entry.URL,
				Line:   ev.Entry.LineNumber,
				Time:   time.Now(),
			})
		}
	}
}

func (r *recorder) onRequest(ev *network.EventRequestWillBeSent) {
	if ev.Request == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.byID[ev.RequestID]; ok && ev.RedirectResponse != nil {
		prev.Status = ev.RedirectResponse.Status
		prev.StatusText = ev.RedirectResponse.StatusText
		prev.ResponseHeaders = flattenHeaders(ev.RedirectResponse.Headers)
		prev.MimeType = ev.RedirectResponse.MimeType
		prev.RedirectedTo = ev.Request.URL
		prev.Finished = true
	}

	ex := &Exchange{
		RequestID:      string(ev.RequestID),
		URL:            ev.Request.URL,
		Method:         ev.Request.Method,
		ResourceType:   string(ev.Type),
		FrameID:        string(ev.FrameID),
		RequestHeaders: flattenHeaders(ev.Request.Headers),
		StartedAt:      time.Now(),
	}
	r.exchanges = append(r.exchanges, ex)
	r.byID[ev.RequestID] = ex
}

func (r *recorder) onResponse(ev *network.EventResponseReceived) {
	if ev.Response == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	ex, ok := r.byID[ev.RequestID]
	if !ok {
		return
	}
	ex.Status = ev.Response.Status
	ex.StatusText = ev.Response.StatusText
	ex.ResponseHeaders = flattenHeaders(ev.Response.Headers)
	ex.MimeType = ev.Response.MimeType

	if ev.Type == network.ResourceTypeDocument && (r.mainFrame == nil || ev.FrameID == r.mainFrame()) {
		r.document = ex
	}
}

func (r *recorder) onFinished(id network.RequestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.byID[id]; ok {
		ex.Finished = true
	}
}

func (r *recorder) onFailed(ev *network.EventLoadingFailed) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ex, ok := r.byID[ev.RequestID]; ok {
		ex.Finished = true
		ex.Failed = true
		ex.ErrorText = ev.ErrorText
		ex.Blocked = ev.BlockedReason != "" || ev.ErrorText == "net::ERR_BLOCKED_BY_CLIENT"
	}
}

func (r *recorder) onConsoleAPI(ev *runtime.EventConsoleAPICalled) {
	parts := make([]string, 0, len(ev.Args))
	for _, arg := range ev.Args {
		parts = append(parts, remoteObjectText(arg))
	}
	msg := ConsoleMessage{Level: string(ev.Type), Text: strings.Join(parts, " "), Source: "console-api", Time: time.Now()}
	if ev.StackTrace != nil && len(ev.StackTrace.CallFrames) > 0 {
		msg.URL = ev.StackTrace.CallFrames[0].URL
		msg.Line = ev.StackTrace.CallFrames[0].LineNumber
	}
	r.appendConsole(msg)
}

func (r *recorder) appendConsole(msg ConsoleMessage) {
	r.mu.Lock()
	r.console = append(r.console, msg)
	r.mu.Unlock()
}

// traffic returns copies of all exchanges in request order.
func (r *recorder) traffic() []Exchange {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Exchange, 0, len(r.exchanges))
	for _, ex := range r.exchanges {
		out = append(out, *ex)
	}
	return out
}

// lastDocument returns the most recent main-frame document exchange.
func (r *recorder) lastDocument() (Exchange, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.document == nil {
		return Exchange{}, false
	}
	return *r.document, true
}

func (r *recorder) consoleMessages() []ConsoleMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ConsoleMessage, len(r.console))
	copy(out, r.console)
	return out
}

// clear drops recorded traffic and console output. The current document
// status survives so StatusCode keeps answering for the loaded page.
func (r *recorder) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exchanges = nil
	r.byID = make(map[network.RequestID]*Exchange)
	r.console = nil
}

// resetDocument forgets the current document status.
func (r *recorder) resetDocument() {
	r.mu.Lock()
	r.document = nil
	r.mu.Unlock()
}

// body fetches the response body of a finished request.
func (r *recorder) body(ctx context.Context, requestID string) ([]byte, error) {
	var body []byte
	err := r.executor.RunActions(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		body, err = network.GetResponseBody(network.RequestID(requestID)).Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("failed to fetch response body for request %s: %w", requestID, err)
	}
	return body, nil
}

func flattenHeaders(h network.Headers) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = fmt.Sprint(v)
	}
	return out
}

// remoteObjectText renders a console argument the way DevTools prints it.
func remoteObjectText(obj *runtime.RemoteObject) string {
	if obj == nil {
		return ""
	}
	if len(obj.Value) > 0 {
		var v interface{}
		if err := jsoniter.Unmarshal([]byte(obj.Value), &v); err == nil {
			if s, ok := v.(string); ok {
				return s
			}
			return fmt.Sprint(v)
		}
		return string(obj.Value)
	}
	if obj.UnserializableValue != "" {
		return string(obj.UnserializableValue)
	}
	if obj.Description != "" {
		return obj.Description
	}
	return string(obj.Type)
}

// urlFilter decides which requests a window lets through. Patterns are
// globs compiled without separators, so * matches any run of characters
// including '/'. ? matches one character and [...] a class.
type urlFilter struct {
	blacklist []glob.Glob
	whitelist []glob.Glob
}

func newURLFilter(blacklist, whitelist []string) (*urlFilter, error) {
	f := &urlFilter{}
	var err error
	if f.blacklist, err = compileGlobs(blacklist); err != nil {
		return nil, err
	}
	if f.whitelist, err = compileGlobs(whitelist); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *urlFilter) active() bool {
	return f != nil && (len(f.blacklist) > 0 || len(f.whitelist) > 0)
}

func (f *urlFilter) allowed(rawURL string) bool {
	if f == nil {
		return true
	}
	if strings.HasPrefix(rawURL, "data:") || strings.HasPrefix(rawURL, "about:") {
		return true
	}
	if len(f.whitelist) > 0 && !matchAny(f.whitelist, rawURL) {
		return false
	}
	return !matchAny(f.blacklist, rawURL)
}

func matchAny(patterns []glob.Glob, s string) bool {
	for _, p := range patterns {
		if p.Match(s) {
			return true
		}
	}
	return false
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid url pattern %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}
