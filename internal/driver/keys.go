package driver

import (
	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

// KeyModifier is a modifier key held during a click or chord. The values
// are the CDP input modifier bits.
type KeyModifier int64

const (
	ModAlt   KeyModifier = KeyModifier(input.ModifierAlt)
	ModCtrl  KeyModifier = KeyModifier(input.ModifierCtrl)
	ModMeta  KeyModifier = KeyModifier(input.ModifierMeta)
	ModShift KeyModifier = KeyModifier(input.ModifierShift)
)

func modifierMask(mods []KeyModifier) input.Modifier {
	var mask input.Modifier
	for _, m := range mods {
		mask |= input.Modifier(m)
	}
	return mask
}

// KeyInput is anything SendKeys can type: Text, a named Key or a Chord.
type KeyInput interface {
	keyActions() []chromedp.Action
}

// Text is typed character by character.
type Text string

func (t Text) keyActions() []chromedp.Action {
	if t == "" {
		return nil
	}
	return []chromedp.Action{chromedp.KeyEvent(string(t))}
}

// Key is a single named key.
type Key string

const (
	KeyEnter     Key = kb.Enter
	KeyTab       Key = kb.Tab
	KeyBackspace Key = kb.Backspace
	KeyDelete    Key = kb.Delete
	KeyEscape    Key = kb.Escape
	KeyLeft      Key = kb.ArrowLeft
	KeyRight     Key = kb.ArrowRight
	KeyUp        Key = kb.ArrowUp
	KeyDown      Key = kb.ArrowDown
	KeyHome      Key = kb.Home
	KeyEnd       Key = kb.End
	KeyPageUp    Key = kb.PageUp
	KeyPageDown  Key = kb.PageDown
	KeySpace     Key = " "
)

func (k Key) keyActions() []chromedp.Action {
	return []chromedp.Action{chromedp.KeyEvent(string(k))}
}

// Chord presses Key while Modifiers are held, e.g. Chord{Key: "a", Modifiers: []KeyModifier{ModCtrl}}.
type Chord struct {
	Modifiers []KeyModifier
	Key       Key
}

func (c Chord) keyActions() []chromedp.Action {
	mods := make([]input.Modifier, 0, len(c.Modifiers))
	for _, m := range c.Modifiers {
		mods = append(mods, input.Modifier(m))
	}
	return []chromedp.Action{chromedp.KeyEvent(string(c.Key), chromedp.KeyModifiers(mods...))}
}

// keySequence flattens inputs into the actions that type them.
func keySequence(keys []KeyInput) []chromedp.Action {
	var actions []chromedp.Action
	for _, k := range keys {
		if k == nil {
			continue
		}
		actions = append(actions, k.keyActions()...)
	}
	return actions
}
