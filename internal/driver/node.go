package driver

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/dom"
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

// Node is a reference to a DOM element held by the browser. It stays valid
// while the element is attached to its document; afterwards every method
// returns an *ObsoleteNodeError.
type Node struct {
	window *window
	object runtime.RemoteObjectID
}

// Rect is an element's border box relative to its frame's viewport.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (n *Node) metrics() *Metrics { return n.window.session.metrics }

func (n *Node) call(ctx context.Context, decl string, byValue bool, args ...interface{}) (*runtime.RemoteObject, error) {
	if n.window.session.isClosed() {
		return nil, ErrSessionClosed
	}
	obj, err := n.window.callFunction(ctx, decl, callTarget{object: n.object}, byValue, args...)
	return obj, n.metrics().observe(err)
}

func (n *Node) value(ctx context.Context, decl string, args ...interface{}) (interface{}, error) {
	obj, err := n.call(ctx, decl, true, args...)
	if err != nil {
		return nil, err
	}
	return decodeValue(obj)
}

func (n *Node) stringValue(ctx context.Context, decl string, args ...interface{}) (string, error) {
	v, err := n.value(ctx, decl, args...)
	if err != nil {
		return "", err
	}
	s, _ := v.(string)
	return s, nil
}

func (n *Node) boolValue(ctx context.Context, decl string, args ...interface{}) (bool, error) {
	v, err := n.value(ctx, decl, args...)
	if err != nil {
		return false, err
	}
	b, _ := v.(bool)
	return b, nil
}

// Text returns the rendered text of the element, or "" when it is hidden.
func (n *Node) Text(ctx context.Context) (string, error) {
	return n.stringValue(ctx, jsVisibleText)
}

// AllText returns the text content of the element including hidden parts.
func (n *Node) AllText(ctx context.Context) (string, error) {
	return n.stringValue(ctx, jsAllText)
}

// Attribute returns the named attribute and whether it is present.
func (n *Node) Attribute(ctx context.Context, name string) (string, bool, error) {
	v, err := n.value(ctx, jsAttribute, name)
	if err != nil {
		return "", false, err
	}
	list, _ := v.([]interface{})
	if len(list) == 0 {
		return "", false, nil
	}
	s, _ := list[0].(string)
	return s, true, nil
}

// Property returns the named DOM property. Element-valued properties come
// back as *Node.
func (n *Node) Property(ctx context.Context, name string) (interface{}, error) {
	obj, err := n.call(ctx, jsProperty, false, name)
	if err != nil {
		return nil, err
	}
	v, err := n.window.decode(ctx, obj)
	return v, n.metrics().observe(err)
}

// Value returns the form value: a string, or []string for a multiple select.
func (n *Node) Value(ctx context.Context) (interface{}, error) {
	v, err := n.value(ctx, jsValue)
	if err != nil {
		return nil, err
	}
	if list, ok := v.([]interface{}); ok {
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, _ := item.(string)
			out = append(out, s)
		}
		return out, nil
	}
	return v, nil
}

// TagName returns the lower-case tag name.
func (n *Node) TagName(ctx context.Context) (string, error) {
	return n.stringValue(ctx, jsTagName)
}

// Path returns an absolute XPath that selects this element.
func (n *Node) Path(ctx context.Context) (string, error) {
	return n.stringValue(ctx, jsPath)
}

// Rect returns the element's bounding box.
func (n *Node) Rect(ctx context.Context) (Rect, error) {
	obj, err := n.call(ctx, jsRect, true)
	if err != nil {
		return Rect{}, err
	}
	var r Rect
	if err := jsoniter.Unmarshal([]byte(obj.Value), &r); err != nil {
		return Rect{}, fmt.Errorf("failed to decode element rect: %w", err)
	}
	return r, nil
}

// Visible reports whether the element is rendered.
func (n *Node) Visible(ctx context.Context) (bool, error) { return n.boolValue(ctx, jsVisible) }

// Checked reports the checked state of a checkbox or radio button.
func (n *Node) Checked(ctx context.Context) (bool, error) { return n.boolValue(ctx, jsChecked) }

// Selected reports whether an option is selected.
func (n *Node) Selected(ctx context.Context) (bool, error) { return n.boolValue(ctx, jsSelected) }

// Disabled reports whether the element is disabled, including through a
// disabled fieldset, select or optgroup.
func (n *Node) Disabled(ctx context.Context) (bool, error) { return n.boolValue(ctx, jsDisabled) }

// Obscured reports whether the element is hidden, outside the viewport or
// covered by another element at its centre.
func (n *Node) Obscured(ctx context.Context) (bool, error) { return n.boolValue(ctx, jsObscured) }

// ClickOption adjusts a pointer click.
type ClickOption func(*clickOptions)

type clickOptions struct {
	modifiers []KeyModifier
	offset    *Point
	hold      time.Duration
}

// WithModifiers holds modifier keys during the click.
func WithModifiers(mods ...KeyModifier) ClickOption {
	return func(o *clickOptions) { o.modifiers = append(o.modifiers, mods...) }
}

// WithOffset clicks at x, y from the element's top-left corner instead of
// its centre.
func WithOffset(x, y float64) ClickOption {
	return func(o *clickOptions) { o.offset = &Point{X: x, Y: y} }
}

// WithHold keeps the button pressed for d before releasing it.
func WithHold(d time.Duration) ClickOption {
	return func(o *clickOptions) { o.hold = d }
}

// Click scrolls the element into view and clicks it with the left button.
func (n *Node) Click(ctx context.Context, opts ...ClickOption) error {
	return n.click(ctx, "click", input.Left, 1, opts)
}

// RightClick is Click with the right button.
func (n *Node) RightClick(ctx context.Context, opts ...ClickOption) error {
	return n.click(ctx, "right_click", input.Right, 1, opts)
}

// DoubleClick clicks twice so the page sees a dblclick.
func (n *Node) DoubleClick(ctx context.Context, opts ...ClickOption) error {
	return n.click(ctx, "double_click", input.Left, 2, opts)
}

func (n *Node) click(ctx context.Context, action string, button input.MouseButton, count int, opts []ClickOption) error {
	var o clickOptions
	for _, opt := range opts {
		opt(&o)
	}

	p, option, err := n.clickPoint(ctx, o.offset)
	if err != nil {
		return err
	}
	if option {
		// Options are not hit-testable; clicking one selects it.
		if button != input.Left {
			return nil
		}
		return n.SelectOption(ctx)
	}

	if err := n.window.dispatch(ctx, action, clickActions(p, button, count, modifierMask(o.modifiers), o.hold)...); err != nil {
		return n.metrics().observe(err)
	}
	n.metrics().nodeAction(action)
	return nil
}

// clickPoint scrolls the element into view and returns the viewport point
// a pointer action should target. option is true for <option> elements.
func (n *Node) clickPoint(ctx context.Context, offset *Point) (p Point, option bool, err error) {
	args := []interface{}{false, 0, 0}
	if offset != nil {
		args = []interface{}{true, offset.X, offset.Y}
	}
	obj, err := n.call(ctx, jsClickPoint, true, args...)
	if err != nil {
		return Point{}, false, err
	}
	var res struct {
		Option   bool    `json:"option"`
		X        float64 `json:"x"`
		Y        float64 `json:"y"`
		OK       bool    `json:"ok"`
		Selector string  `json:"selector"`
	}
	if err := jsoniter.Unmarshal([]byte(obj.Value), &res); err != nil {
		return Point{}, false, fmt.Errorf("failed to decode click point: %w", err)
	}
	if res.Option {
		return Point{}, true, nil
	}
	if !res.OK {
		return Point{}, false, n.metrics().observe(&MouseEventFailedError{Selector: res.Selector, X: res.X, Y: res.Y})
	}
	return Point{X: res.X, Y: res.Y}, false, nil
}

// Hover moves the pointer over the element's centre.
func (n *Node) Hover(ctx context.Context) error {
	p, option, err := n.clickPoint(ctx, nil)
	if err != nil || option {
		return err
	}
	if err := n.window.dispatch(ctx, "hover", input.DispatchMouseEvent(input.MouseMoved, p.X, p.Y)); err != nil {
		return n.metrics().observe(err)
	}
	n.metrics().nodeAction("hover")
	return nil
}

// DragTo presses on this element, moves to target and releases there.
func (n *Node) DragTo(ctx context.Context, target *Node) error {
	from, _, err := n.clickPoint(ctx, nil)
	if err != nil {
		return err
	}
	to, _, err := target.clickPoint(ctx, nil)
	if err != nil {
		return err
	}
	if err := n.window.dispatch(ctx, "drag", dragActions(from, to, 10)...); err != nil {
		return n.metrics().observe(err)
	}
	n.metrics().nodeAction("drag")
	return nil
}

// Trigger dispatches a synthetic DOM event of the given type.
func (n *Node) Trigger(ctx context.Context, event string) error {
	if _, err := n.call(ctx, jsTrigger, true, event); err != nil {
		return err
	}
	n.metrics().nodeAction("trigger")
	return nil
}

// SendKeys focuses the element and types keys: Text is typed character by
// character, Key presses a named key and Chord holds modifiers.
func (n *Node) SendKeys(ctx context.Context, keys ...KeyInput) error {
	if _, err := n.call(ctx, jsFocusForTyping, true); err != nil {
		return err
	}
	if err := n.window.dispatch(ctx, "send_keys", keySequence(keys)...); err != nil {
		return n.metrics().observe(err)
	}
	n.metrics().nodeAction("send_keys")
	return nil
}

type fieldInfo struct {
	Tag      string `json:"tag"`
	Type     string `json:"type"`
	ReadOnly bool   `json:"readOnly"`
	Disabled bool   `json:"disabled"`
	Editable bool   `json:"editable"`
	Checked  bool   `json:"checked"`
}

// directInputs take their value by assignment; typing into them is
// unreliable across locales.
var directInputs = map[string]bool{
	"date": true, "time": true, "datetime-local": true, "month": true,
	"week": true, "color": true, "range": true, "hidden": true,
}

// Set fills the element with value the way a user would. Text fields are
// typed into, so maxlength applies; checkboxes and radios take a bool and
// are clicked; file inputs take a path or []string of paths; content
// editable elements have their text replaced. Disabled and readonly fields
// are left unchanged.
func (n *Node) Set(ctx context.Context, value interface{}) error {
	obj, err := n.call(ctx, jsDescribeField, true)
	if err != nil {
		return err
	}
	var info fieldInfo
	if err := jsoniter.Unmarshal([]byte(obj.Value), &info); err != nil {
		return fmt.Errorf("failed to describe field: %w", err)
	}

	if info.Disabled || info.ReadOnly {
		n.window.logger.Debug("Ignoring Set on a field that cannot be edited.",
			zap.String("tag", info.Tag), zap.Bool("disabled", info.Disabled), zap.Bool("readonly", info.ReadOnly))
		return nil
	}

	switch {
	case info.Tag == "input" && (info.Type == "checkbox" || info.Type == "radio"):
		want, ok := value.(bool)
		if !ok {
			return n.unsupported(info, value)
		}
		if want == info.Checked || (!want && info.Type == "radio") {
			return nil
		}
		return n.Click(ctx)
	case info.Tag == "input" && info.Type == "file":
		return n.setFiles(ctx, value)
	case info.Tag == "input" && directInputs[info.Type]:
		str, ok := textValue(value, info.Type)
		if !ok {
			return n.unsupported(info, value)
		}
		return n.finish(ctx, "set", jsSetDirect, str)
	case info.Tag == "input" || info.Tag == "textarea":
		str, ok := textValue(value, info.Type)
		if !ok {
			return n.unsupported(info, value)
		}
		return n.typeText(ctx, str)
	case info.Editable:
		str, ok := textValue(value, "")
		if !ok {
			return n.unsupported(info, value)
		}
		return n.finish(ctx, "set", jsSetContent, str)
	default:
		return n.unsupported(info, value)
	}
}

func (n *Node) unsupported(info fieldInfo, value interface{}) error {
	target := info.Tag
	if info.Type != "" {
		target += "[type=" + info.Type + "]"
	}
	return n.metrics().observe(fmt.Errorf("%w: cannot set %T on %s", ErrUnsupportedValue, value, target))
}

func (n *Node) finish(ctx context.Context, action, decl string, args ...interface{}) error {
	if _, err := n.call(ctx, decl, true, args...); err != nil {
		return err
	}
	n.metrics().nodeAction(action)
	return nil
}

// typeText clears the field and types text key by key.
func (n *Node) typeText(ctx context.Context, text string) error {
	if _, err := n.call(ctx, jsClearForTyping, true); err != nil {
		return err
	}
	if text != "" {
		if err := n.window.dispatch(ctx, "set", chromedp.KeyEvent(text)); err != nil {
			return n.metrics().observe(err)
		}
	}
	return n.finish(ctx, "set", jsFinishTyping)
}

func (n *Node) setFiles(ctx context.Context, value interface{}) error {
	var paths []string
	switch v := value.(type) {
	case string:
		paths = []string{v}
	case []string:
		paths = v
	default:
		return n.metrics().observe(fmt.Errorf("%w: file inputs take a path or []string, got %T", ErrUnsupportedValue, value))
	}
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return fmt.Errorf("failed to resolve upload path %q: %w", p, err)
		}
		abs = append(abs, a)
	}
	if err := n.window.RunActions(ctx, dom.SetFileInputFiles(abs).WithObjectID(n.object)); err != nil {
		if isObsoleteCDPError(err) {
			err = &ObsoleteNodeError{Reason: err.Error()}
		}
		return n.metrics().observe(err)
	}
	n.metrics().nodeAction("set")
	return nil
}

// textValue renders value for a text-like field. time.Time is formatted to
// suit date and time inputs.
func textValue(value interface{}, inputType string) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		if t, ok := v.(time.Time); ok {
			return formatTime(t, inputType), true
		}
		return v.String(), true
	case int, int32, int64, uint, uint32, uint64, float32, float64:
		return fmt.Sprint(v), true
	default:
		return "", false
	}
}

func formatTime(t time.Time, inputType string) string {
	switch inputType {
	case "date":
		return t.Format("2006-01-02")
	case "time":
		return t.Format("15:04")
	case "month":
		return t.Format("2006-01")
	case "week":
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	default:
		return t.Format("2006-01-02T15:04")
	}
}

// SelectOption selects this <option>. Disabled options are left alone.
func (n *Node) SelectOption(ctx context.Context) error {
	ok, err := n.boolValue(ctx, jsSelectOption)
	if err != nil {
		return err
	}
	if ok {
		n.metrics().nodeAction("select_option")
	}
	return nil
}

// UnselectOption deselects this <option>. It fails with
// ErrNotMultipleSelect unless the option belongs to a multiple select.
func (n *Node) UnselectOption(ctx context.Context) error {
	if _, err := n.call(ctx, jsUnselectOption, true); err != nil {
		return err
	}
	n.metrics().nodeAction("unselect_option")
	return nil
}

// Find returns the descendants of this element matching selector.
func (n *Node) Find(ctx context.Context, method, selector string) ([]*Node, error) {
	if err := checkMethod(method, selector); err != nil {
		return nil, n.metrics().observe(err)
	}
	if n.window.session.isClosed() {
		return nil, ErrSessionClosed
	}
	obj, err := n.window.callFunction(ctx, jsFindInNode, callTarget{object: n.object}, false, method, selector)
	var invalid *InvalidSelectorError
	if errors.As(err, &invalid) {
		invalid.Method, invalid.Selector = method, selector
	}
	if err != nil {
		return nil, n.metrics().observe(err)
	}
	nodes, err := n.window.nodes(ctx, obj)
	return nodes, n.metrics().observe(err)
}

// FindCSS is Find with the css method.
func (n *Node) FindCSS(ctx context.Context, selector string) ([]*Node, error) {
	return n.Find(ctx, "css", selector)
}

// FindXPath is Find with the xpath method.
func (n *Node) FindXPath(ctx context.Context, selector string) ([]*Node, error) {
	return n.Find(ctx, "xpath", selector)
}

// Equal reports whether n and other refer to the same element.
func (n *Node) Equal(ctx context.Context, other *Node) (bool, error) {
	if other == nil || other.window != n.window {
		return false, nil
	}
	if other.object == n.object {
		return true, nil
	}
	eq, err := n.boolValue(ctx, jsEqual, other)
	if err != nil && strings.Contains(err.Error(), "same JavaScript world") {
		// Elements of different frames can never be equal.
		return false, nil
	}
	return eq, err
}

// frameState reports the loading state of an iframe element's document.
func (n *Node) frameState(ctx context.Context) (string, error) {
	return n.stringValue(ctx, jsFrameState)
}

// contentFrame returns the frame id of an iframe element's document.
func (n *Node) contentFrame(ctx context.Context) (cdp.FrameID, error) {
	var desc *cdp.Node
	err := n.window.RunActions(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		desc, err = dom.DescribeNode().WithObjectID(n.object).Do(ctx)
		return err
	}))
	if err != nil {
		if isObsoleteCDPError(err) {
			return "", &ObsoleteNodeError{Reason: err.Error()}
		}
		return "", err
	}
	if desc == nil || desc.FrameID == "" {
		return "", fmt.Errorf("%w: element does not own a frame", ErrUnsupportedValue)
	}
	return desc.FrameID, nil
}
