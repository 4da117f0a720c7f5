package driver

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/log"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// objectGroup holds every remote object the driver keeps a reference to so
// Reset can release them in one call.
const objectGroup = "scalpel-driver"

// frameRef is one entry of a window's frame stack.
type frameRef struct {
	id   cdp.FrameID
	name string
}

// window is one page target of a session. It tracks the target's frames and
// their default execution contexts and answers dialogs and paused requests.
type window struct {
	handle  target.ID
	ctx     context.Context
	cancel  context.CancelFunc
	session *Session
	logger  *zap.Logger

	recorder *recorder

	mu        sync.RWMutex
	mainFrame cdp.FrameID
	contexts  map[cdp.FrameID]runtime.ExecutionContextID
	frames    []frameRef
}

var _ ActionExecutor = (*window)(nil)

// newWindow wraps a chromedp target context and registers its event
// listener. It must run before the first action on ctx so no attach-time
// event is missed.
func newWindow(s *Session, ctx context.Context, cancel context.CancelFunc) *window {
	w := &window{
		ctx:      ctx,
		cancel:   cancel,
		session:  s,
		logger:   s.logger.Named("window"),
		contexts: make(map[cdp.FrameID]runtime.ExecutionContextID),
	}
	w.recorder = newRecorder(w.logger, w, w.currentMainFrame)
	chromedp.ListenTarget(ctx, w.onEvent)
	return w
}

// RunActions executes actions on this window's target, bounded by ctx.
func (w *window) RunActions(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := CombineContext(w.ctx, ctx)
	defer cancel()

	err := chromedp.Run(runCtx, actions...)
	if err == nil {
		return nil
	}
	// The caller's own cancellation takes priority over whatever chromedp saw.
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if w.ctx.Err() != nil {
		if w.session.isClosed() {
			return ErrSessionClosed
		}
		return &NoSuchWindowError{Handle: string(w.handle)}
	}
	return err
}

// RunBackgroundActions executes actions detached from ctx's cancellation,
// bounded only by the window's lifetime and the action timeout.
func (w *window) RunBackgroundActions(ctx context.Context, actions ...chromedp.Action) error {
	bgCtx, cancel := context.WithTimeout(Detach(ctx), w.session.cfg.Driver().ActionTimeout)
	defer cancel()
	return w.RunActions(bgCtx, actions...)
}

// onEvent is the single target listener. It runs on chromedp's event loop
// and must not block; CDP calls are issued from goroutines.
func (w *window) onEvent(ev interface{}) {
	switch ev := ev.(type) {
	case *runtime.EventExecutionContextCreated:
		w.onContextCreated(ev.Context)
	case *runtime.EventExecutionContextDestroyed:
		w.mu.Lock()
		for frame, id := range w.contexts {
			if id == ev.ExecutionContextID {
				delete(w.contexts, frame)
			}
		}
		w.mu.Unlock()
	case *runtime.EventExecutionContextsCleared:
		w.mu.Lock()
		w.contexts = make(map[cdp.FrameID]runtime.ExecutionContextID)
		w.mu.Unlock()
	case *page.EventFrameNavigated:
		if ev.Frame != nil && ev.Frame.ParentID == "" {
			w.mu.Lock()
			w.mainFrame = ev.Frame.ID
			w.frames = nil
			w.mu.Unlock()
		}
	case *page.EventJavascriptDialogOpening:
		w.onDialog(ev)
	case *fetch.EventRequestPaused:
		go w.onRequestPaused(ev)
	default:
		w.recorder.handle(ev)
	}
}

func (w *window) onContextCreated(desc *runtime.ExecutionContextDescription) {
	if desc == nil || len(desc.AuxData) == 0 {
		return
	}
	var aux struct {
		FrameID   cdp.FrameID `json:"frameId"`
		IsDefault bool        `json:"isDefault"`
	}
	if err := jsoniter.Unmarshal([]byte(desc.AuxData), &aux); err != nil || !aux.IsDefault || aux.FrameID == "" {
		return
	}
	w.mu.Lock()
	w.contexts[aux.FrameID] = desc.ID
	w.mu.Unlock()
}

func (w *window) onDialog(ev *page.EventJavascriptDialogOpening) {
	kind := ModalKind(ev.Type)
	accept, text := w.session.modals.decide(kind, ev.Message, ev.DefaultPrompt)
	go func() {
		action := page.HandleJavaScriptDialog(accept)
		if kind == ModalPrompt && accept {
			action = action.WithPromptText(text)
		}
		if err := w.RunBackgroundActions(w.ctx, action); err != nil {
			w.logger.Warn("Failed to answer dialog.", zap.String("kind", string(kind)), zap.Error(err))
		}
	}()
}

func (w *window) onRequestPaused(ev *fetch.EventRequestPaused) {
	var action chromedp.Action = fetch.ContinueRequest(ev.RequestID)
	if ev.Request != nil && !w.session.currentFilter().allowed(ev.Request.URL) {
		action = fetch.FailRequest(ev.RequestID, network.ErrorReasonBlockedByClient)
		w.session.metrics.requestBlocked()
		w.logger.Debug("Blocked request.", zap.String("url", ev.Request.URL))
	}
	if err := w.RunBackgroundActions(w.ctx, action); err != nil && w.ctx.Err() == nil {
		w.logger.Debug("Failed to resolve paused request.", zap.String("request_id", string(ev.RequestID)), zap.Error(err))
	}
}

// attach enables the domains the driver depends on and applies the
// session's network state to a freshly created target.
func (w *window) attach(ctx context.Context) error {
	var tree *page.FrameTree
	err := w.RunActions(ctx,
		page.Enable(),
		runtime.Disable(),
		runtime.Enable(),
		network.Enable(),
		log.Enable(),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			tree, err = page.GetFrameTree().Do(ctx)
			return err
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to attach to window %s: %w", w.handle, err)
	}
	if tree != nil && tree.Frame != nil {
		w.mu.Lock()
		w.mainFrame = tree.Frame.ID
		w.mu.Unlock()
	}
	return w.applyNetworkState(ctx)
}

// applyNetworkState pushes the session's extra headers and request filter
// to this window.
func (w *window) applyNetworkState(ctx context.Context) error {
	headers := w.session.currentHeaders()
	hdrs := make(network.Headers, len(headers))
	for k, v := range headers {
		hdrs[k] = v
	}
	actions := []chromedp.Action{network.SetExtraHTTPHeaders(hdrs)}
	if w.session.currentFilter().active() {
		actions = append(actions, fetch.Enable().WithPatterns([]*fetch.RequestPattern{{URLPattern: "*"}}))
	} else {
		actions = append(actions, fetch.Disable())
	}
	if err := w.RunActions(ctx, actions...); err != nil {
		return fmt.Errorf("failed to apply network settings: %w", err)
	}
	return nil
}

func (w *window) currentMainFrame() cdp.FrameID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.mainFrame
}

// currentFrame returns the frame lookups and scripts run in.
func (w *window) currentFrame() frameRef {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n := len(w.frames); n > 0 {
		return w.frames[n-1]
	}
	return frameRef{id: w.mainFrame}
}

func (w *window) pushFrame(f frameRef) {
	w.mu.Lock()
	w.frames = append(w.frames, f)
	w.mu.Unlock()
}

func (w *window) popFrame() {
	w.mu.Lock()
	if n := len(w.frames); n > 0 {
		w.frames = w.frames[:n-1]
	}
	w.mu.Unlock()
}

func (w *window) resetFrames() {
	w.mu.Lock()
	w.frames = nil
	w.mu.Unlock()
}

func (w *window) hasContext(frame cdp.FrameID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.contexts[frame]
	return ok
}

// contextFor waits up to the frame timeout for the default execution
// context of frame to exist.
func (w *window) contextFor(ctx context.Context, frame frameRef) (runtime.ExecutionContextID, error) {
	var id runtime.ExecutionContextID
	cfg := w.session.cfg.Driver()
	err := poll(ctx, cfg.FrameTimeout, cfg.PollInterval, func(context.Context) (bool, error) {
		w.mu.RLock()
		defer w.mu.RUnlock()
		var ok bool
		id, ok = w.contexts[frame.id]
		return ok, nil
	})
	switch {
	case err == nil:
		return id, nil
	case err == errWaitTimeout && frame.id != w.currentMainFrame():
		return 0, &FrameNotFoundError{Name: frame.name}
	case err == errWaitTimeout:
		return 0, fmt.Errorf("no javascript context for the top-level document of window %s", w.handle)
	default:
		return 0, err
	}
}

func (w *window) dropContext(frame cdp.FrameID, id runtime.ExecutionContextID) {
	w.mu.Lock()
	if w.contexts[frame] == id {
		delete(w.contexts, frame)
	}
	w.mu.Unlock()
}

// callTarget selects where a function declaration runs: bound to a remote
// object, or as a plain call in an execution context.
type callTarget struct {
	object    runtime.RemoteObjectID
	contextID runtime.ExecutionContextID
}

// invoke runs decl and returns the raw protocol result.
func (w *window) invoke(ctx context.Context, decl string, on callTarget, byValue bool, args ...interface{}) (*runtime.RemoteObject, *runtime.ExceptionDetails, error) {
	callArgs := make([]*runtime.CallArgument, 0, len(args))
	for _, a := range args {
		arg, err := jsArg(a)
		if err != nil {
			return nil, nil, err
		}
		callArgs = append(callArgs, arg)
	}

	var (
		res *runtime.RemoteObject
		exc *runtime.ExceptionDetails
	)
	err := w.RunActions(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		p := runtime.CallFunctionOn(decl).
			WithArguments(callArgs).
			WithReturnByValue(byValue).
			WithAwaitPromise(true).
			WithUserGesture(true).
			WithObjectGroup(objectGroup)
		if on.object != "" {
			p = p.WithObjectID(on.object)
		} else {
			p = p.WithExecutionContextID(on.contextID)
		}
		var err error
		res, exc, err = p.Do(ctx)
		return err
	}))
	return res, exc, err
}

// callFunction runs decl and classifies exceptions into driver errors. A
// vanished object or context becomes an ObsoleteNodeError.
func (w *window) callFunction(ctx context.Context, decl string, on callTarget, byValue bool, args ...interface{}) (*runtime.RemoteObject, error) {
	res, exc, err := w.invoke(ctx, decl, on, byValue, args...)
	switch {
	case err != nil && isObsoleteCDPError(err):
		return nil, &ObsoleteNodeError{Reason: err.Error()}
	case err != nil:
		return nil, err
	case exc != nil:
		return nil, classifyException(exc, "", "")
	}
	return res, nil
}

// callInFrame runs decl in the current frame's document.
func (w *window) callInFrame(ctx context.Context, decl string, byValue bool, args ...interface{}) (*runtime.RemoteObject, *runtime.ExceptionDetails, error) {
	return w.callIn(ctx, w.currentFrame(), decl, byValue, args...)
}

// callIn runs decl in frame's document. A context that was destroyed
// between lookup and call is dropped and looked up again.
func (w *window) callIn(ctx context.Context, frame frameRef, decl string, byValue bool, args ...interface{}) (*runtime.RemoteObject, *runtime.ExceptionDetails, error) {
	for attempt := 0; ; attempt++ {
		id, err := w.contextFor(ctx, frame)
		if err != nil {
			return nil, nil, err
		}
		res, exc, err := w.invoke(ctx, decl, callTarget{contextID: id}, byValue, args...)
		if err != nil && attempt == 0 && isObsoleteCDPError(err) {
			w.dropContext(frame.id, id)
			continue
		}
		return res, exc, err
	}
}

// decode converts a remote result into Go values. Nodes become *Node,
// arrays become []any and other objects are copied by value. Numbers are
// float64.
func (w *window) decode(ctx context.Context, obj *runtime.RemoteObject) (interface{}, error) {
	if obj == nil || obj.Type == "undefined" || obj.Subtype == "null" {
		return nil, nil
	}
	switch {
	case obj.Subtype == "node" && obj.ObjectID != "":
		return &Node{window: w, object: obj.ObjectID}, nil
	case obj.Subtype == "array" && obj.ObjectID != "":
		defer w.release(obj.ObjectID)
		return w.decodeArray(ctx, obj.ObjectID)
	case obj.Type == "object" && obj.ObjectID != "":
		defer w.release(obj.ObjectID)
		res, err := w.callFunction(ctx, jsSelf, callTarget{object: obj.ObjectID}, true)
		if err != nil {
			return nil, err
		}
		return decodeValue(res)
	case obj.Type == "function":
		return nil, nil
	default:
		return decodeValue(obj)
	}
}

func (w *window) decodeArray(ctx context.Context, id runtime.RemoteObjectID) ([]interface{}, error) {
	lenObj, err := w.callFunction(ctx, jsLength, callTarget{object: id}, true)
	if err != nil {
		return nil, err
	}
	n, err := decodeValue(lenObj)
	if err != nil {
		return nil, err
	}
	length, _ := n.(float64)

	out := make([]interface{}, 0, int(length))
	for i := 0; i < int(length); i++ {
		item, err := w.callFunction(ctx, jsIndex, callTarget{object: id}, false, i)
		if err != nil {
			return nil, err
		}
		v, err := w.decode(ctx, item)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// nodes unpacks an array of elements returned by a lookup helper.
func (w *window) nodes(ctx context.Context, obj *runtime.RemoteObject) ([]*Node, error) {
	v, err := w.decode(ctx, obj)
	if err != nil {
		return nil, err
	}
	items, _ := v.([]interface{})
	out := make([]*Node, 0, len(items))
	for _, item := range items {
		if n, ok := item.(*Node); ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (w *window) release(id runtime.RemoteObjectID) {
	if id == "" {
		return
	}
	_ = w.RunBackgroundActions(w.ctx, runtime.ReleaseObject(id))
}

// decodeValue reads a by-value result.
func decodeValue(obj *runtime.RemoteObject) (interface{}, error) {
	if obj == nil {
		return nil, nil
	}
	if obj.UnserializableValue != "" {
		switch s := string(obj.UnserializableValue); s {
		case "NaN":
			return math.NaN(), nil
		case "Infinity":
			return math.Inf(1), nil
		case "-Infinity":
			return math.Inf(-1), nil
		case "-0":
			return math.Copysign(0, -1), nil
		default:
			// BigInt literals such as 12n.
			return strings.TrimSuffix(s, "n"), nil
		}
	}
	if len(obj.Value) == 0 {
		return nil, nil
	}
	var v interface{}
	if err := jsoniter.Unmarshal([]byte(obj.Value), &v); err != nil {
		return nil, fmt.Errorf("failed to decode script result: %w", err)
	}
	return v, nil
}

// jsArg passes nodes by reference and everything else as JSON.
func jsArg(v interface{}) (*runtime.CallArgument, error) {
	switch v := v.(type) {
	case *Node:
		if v == nil {
			return &runtime.CallArgument{Value: []byte("null")}, nil
		}
		return &runtime.CallArgument{ObjectID: v.object}, nil
	case nil:
		return &runtime.CallArgument{Value: []byte("null")}, nil
	}
	b, err := jsoniter.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot pass %T to script: %v", ErrUnsupportedValue, v, err)
	}
	return &runtime.CallArgument{Value: b}, nil
}
