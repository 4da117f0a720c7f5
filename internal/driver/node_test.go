package driver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeReading(t *testing.T) {
	s, ctx := visitPage(t, "index.html")

	t.Run("text", func(t *testing.T) {
		assert.Equal(t, "Welcome", textOf(t, ctx, s, "#heading"))
		assert.Equal(t, "", textOf(t, ctx, s, "#hidden"), "hidden elements have no visible text")

		all, err := one(t, ctx, s, "#hidden").AllText(ctx)
		require.NoError(t, err)
		assert.Equal(t, "Secret text", all)
	})

	t.Run("attributes and properties", func(t *testing.T) {
		link := one(t, ctx, s, "#form-link")
		kind, ok, err := link.Attribute(ctx, "data-kind")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "nav", kind)

		_, ok, err = link.Attribute(ctx, "data-missing")
		require.NoError(t, err)
		assert.False(t, ok)

		href, err := link.Property(ctx, "href")
		require.NoError(t, err)
		assert.Equal(t, harness.site.URL("/static/form.html"), href)

		parent, err := one(t, ctx, s, "#inner").Property(ctx, "parentElement")
		require.NoError(t, err)
		node, ok := parent.(*Node)
		require.True(t, ok, "got %T", parent)
		tag, err := node.TagName(ctx)
		require.NoError(t, err)
		assert.Equal(t, "p", tag)
	})

	t.Run("path and geometry", func(t *testing.T) {
		heading := one(t, ctx, s, "#heading")
		path, err := heading.Path(ctx)
		require.NoError(t, err)
		assert.Equal(t, "/html/body/h1", path)

		nodes, err := s.FindXPath(ctx, path)
		require.NoError(t, err)
		require.Len(t, nodes, 1)
		same, err := nodes[0].Equal(ctx, heading)
		require.NoError(t, err)
		assert.True(t, same)

		r, err := one(t, ctx, s, "#clicks").Rect(ctx)
		require.NoError(t, err)
		assert.Equal(t, Rect{X: 50, Y: 300, Width: 200, Height: 100}, r)
	})

	t.Run("state", func(t *testing.T) {
		visible, err := one(t, ctx, s, "#heading").Visible(ctx)
		require.NoError(t, err)
		assert.True(t, visible)

		visible, err = one(t, ctx, s, "#hidden").Visible(ctx)
		require.NoError(t, err)
		assert.False(t, visible)

		obscured, err := one(t, ctx, s, "#covered").Obscured(ctx)
		require.NoError(t, err)
		assert.True(t, obscured)

		obscured, err = one(t, ctx, s, "#heading").Obscured(ctx)
		require.NoError(t, err)
		assert.False(t, obscured)
	})

	t.Run("scoped find", func(t *testing.T) {
		paras, err := s.FindCSS(ctx, "p.para")
		require.NoError(t, err)
		require.Len(t, paras, 2)

		inner, err := paras[1].FindCSS(ctx, "span")
		require.NoError(t, err)
		assert.Len(t, inner, 1)

		inner, err = paras[0].FindCSS(ctx, "span")
		require.NoError(t, err)
		assert.Empty(t, inner)

		rel, err := paras[1].FindXPath(ctx, "./span")
		require.NoError(t, err)
		assert.Len(t, rel, 1)

		_, err = paras[1].FindCSS(ctx, "span[")
		var invalid *InvalidSelectorError
		assert.ErrorAs(t, err, &invalid)
	})

	t.Run("equality", func(t *testing.T) {
		paras, err := s.FindCSS(ctx, "p.para")
		require.NoError(t, err)
		require.Len(t, paras, 2)
		same, err := paras[0].Equal(ctx, paras[1])
		require.NoError(t, err)
		assert.False(t, same)
	})
}

func TestNodeClick(t *testing.T) {
	s, ctx := visitPage(t, "index.html")
	area := one(t, ctx, s, "#clicks")

	t.Run("centre", func(t *testing.T) {
		require.NoError(t, area.Click(ctx))
		eventuallyText(t, ctx, s, "#log", "click 100,50")
	})

	t.Run("offset from the top left corner", func(t *testing.T) {
		require.NoError(t, area.Click(ctx, WithOffset(10, 20)))
		eventuallyText(t, ctx, s, "#log", "click 10,20")
	})

	t.Run("modifiers", func(t *testing.T) {
		require.NoError(t, area.Click(ctx, WithModifiers(ModShift, ModAlt)))
		eventuallyText(t, ctx, s, "#log", "click 100,50 shift+alt")
	})

	t.Run("right and double", func(t *testing.T) {
		require.NoError(t, area.RightClick(ctx))
		eventuallyText(t, ctx, s, "#log", "contextmenu 100,50")
		require.NoError(t, area.DoubleClick(ctx, WithOffset(5, 5)))
		eventuallyText(t, ctx, s, "#log", "dblclick 5,5")
	})

	t.Run("hold", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, area.Click(ctx, WithHold(200*time.Millisecond)))
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
		eventuallyText(t, ctx, s, "#log", "click 100,50")
	})

	t.Run("scrolls into view", func(t *testing.T) {
		require.NoError(t, one(t, ctx, s, "#far").Click(ctx))
		eventuallyText(t, ctx, s, "#far-result", "Far clicked")
	})

	t.Run("covered element", func(t *testing.T) {
		err := one(t, ctx, s, "#covered").Click(ctx)
		var failed *MouseEventFailedError
		require.ErrorAs(t, err, &failed)
		assert.Equal(t, "html body div#cover", failed.Selector)
	})

	t.Run("hidden element", func(t *testing.T) {
		err := one(t, ctx, s, "#hidden").Click(ctx)
		assert.ErrorIs(t, err, ErrNotInteractable)
	})

	t.Run("link navigates", func(t *testing.T) {
		require.NoError(t, one(t, ctx, s, "#form-link").Click(ctx))
		require.Eventually(t, func() bool {
			title, err := s.Title(ctx)
			return err == nil && title == "Form"
		}, 5*time.Second, 25*time.Millisecond)
	})
}

func TestNodePointerAndEvents(t *testing.T) {
	s, ctx := visitPage(t, "index.html")

	require.NoError(t, one(t, ctx, s, "#hover-target").Hover(ctx))
	eventuallyText(t, ctx, s, "#hover-result", "Hovered")

	require.NoError(t, one(t, ctx, s, "#drag-src").DragTo(ctx, one(t, ctx, s, "#drag-dst")))
	eventuallyText(t, ctx, s, "#drag-dst", "Dropped")

	require.NoError(t, one(t, ctx, s, "#change").Trigger(ctx, "click"))
	eventuallyText(t, ctx, s, "#changed", "Changed!")
}

func TestNodeSendKeys(t *testing.T) {
	s, ctx := visitPage(t, "index.html")
	field := one(t, ctx, s, "#keys")

	require.NoError(t, field.SendKeys(ctx, Text("ab"), KeyBackspace, Chord{Modifiers: []KeyModifier{ModShift}, Key: "c"}))
	v, err := field.Value(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ac", v)
	eventuallyText(t, ctx, s, "#key-log", "a b Backspace c+shift")
}

func TestNodeObsolete(t *testing.T) {
	s, ctx := visitPage(t, "index.html")

	gone := one(t, ctx, s, "#remove-me")
	require.NoError(t, one(t, ctx, s, "#remove").Click(ctx))
	require.Eventually(t, func() bool {
		nodes, err := s.FindCSS(ctx, "#remove-me")
		return err == nil && len(nodes) == 0
	}, 5*time.Second, 25*time.Millisecond)

	var obsolete *ObsoleteNodeError
	_, err := gone.Text(ctx)
	assert.ErrorAs(t, err, &obsolete)
	assert.ErrorAs(t, gone.Click(ctx), &obsolete)

	heading := one(t, ctx, s, "#heading")
	require.NoError(t, s.Visit(ctx, "/static/form.html"))
	_, err = heading.Text(ctx)
	assert.ErrorAs(t, err, &obsolete, "nodes do not survive navigation")
}

func TestNodeSet(t *testing.T) {
	s, ctx := visitPage(t, "form.html")

	value := func(css string) interface{} {
		t.Helper()
		v, err := one(t, ctx, s, css).Value(ctx)
		require.NoError(t, err)
		return v
	}

	t.Run("text fields are typed into", func(t *testing.T) {
		name := one(t, ctx, s, "#name")
		require.NoError(t, name.Set(ctx, "Jane"))
		require.NoError(t, name.Set(ctx, "Jo"))
		assert.Equal(t, "Jo", value("#name"))

		require.NoError(t, one(t, ctx, s, "#short").Set(ctx, "truncated"))
		assert.Equal(t, "trunc", value("#short"), "maxlength applies")

		require.NoError(t, one(t, ctx, s, "#bio").Set(ctx, "line one\nline two"))
		assert.Equal(t, "line one\nline two", value("#bio"))

		require.NoError(t, one(t, ctx, s, "#name").Set(ctx, 42))
		assert.Equal(t, "42", value("#name"))
	})

	t.Run("fields that cannot be edited are left alone", func(t *testing.T) {
		require.NoError(t, one(t, ctx, s, "#locked").Set(ctx, "changed"))
		assert.Equal(t, "fixed", value("#locked"))

		require.NoError(t, one(t, ctx, s, "#off").Set(ctx, "changed"))
		assert.Equal(t, "off", value("#off"))

		field := one(t, ctx, s, "#in-fieldset")
		disabled, err := field.Disabled(ctx)
		require.NoError(t, err)
		assert.True(t, disabled)
		require.NoError(t, field.Set(ctx, "changed"))
		assert.Equal(t, "", value("#in-fieldset"))
	})

	t.Run("checkbox", func(t *testing.T) {
		box := one(t, ctx, s, "#agree")
		require.NoError(t, box.Set(ctx, true))
		checked, err := box.Checked(ctx)
		require.NoError(t, err)
		assert.True(t, checked)

		require.NoError(t, box.Set(ctx, true))
		checked, err = box.Checked(ctx)
		require.NoError(t, err)
		assert.True(t, checked, "setting the current state is a no-op")

		require.NoError(t, box.Set(ctx, false))
		checked, err = box.Checked(ctx)
		require.NoError(t, err)
		assert.False(t, checked)

		assert.ErrorIs(t, box.Set(ctx, "yes"), ErrUnsupportedValue)
	})

	t.Run("radio", func(t *testing.T) {
		require.NoError(t, one(t, ctx, s, "#blue").Set(ctx, true))
		red, err := one(t, ctx, s, "#red").Checked(ctx)
		require.NoError(t, err)
		assert.False(t, red)

		require.NoError(t, one(t, ctx, s, "#blue").Set(ctx, false))
		blue, err := one(t, ctx, s, "#blue").Checked(ctx)
		require.NoError(t, err)
		assert.True(t, blue, "radios cannot be unchecked directly")
	})

	t.Run("single select", func(t *testing.T) {
		require.NoError(t, one(t, ctx, s, "#single option[value=b]").SelectOption(ctx))
		assert.Equal(t, "b", value("#single"))

		require.NoError(t, one(t, ctx, s, "#single option[value=c]").Click(ctx))
		assert.Equal(t, "b", value("#single"), "disabled options are not selected")

		require.NoError(t, one(t, ctx, s, "#single option[value=a]").Click(ctx))
		assert.Equal(t, "a", value("#single"))

		selected, err := one(t, ctx, s, "#single option[value=a]").Selected(ctx)
		require.NoError(t, err)
		assert.True(t, selected)

		assert.ErrorIs(t, one(t, ctx, s, "#single option[value=a]").UnselectOption(ctx), ErrNotMultipleSelect)
	})

	t.Run("multiple select", func(t *testing.T) {
		assert.Equal(t, []interface{}{"x"}, value("#multi"))
		require.NoError(t, one(t, ctx, s, "#multi option[value=z]").SelectOption(ctx))
		require.NoError(t, one(t, ctx, s, "#multi option[value=x]").UnselectOption(ctx))
		assert.Equal(t, []interface{}{"z"}, value("#multi"))
	})

	t.Run("date", func(t *testing.T) {
		require.NoError(t, one(t, ctx, s, "#when").Set(ctx, time.Date(2024, time.February, 29, 15, 0, 0, 0, time.UTC)))
		assert.Equal(t, "2024-02-29", value("#when"))

		require.NoError(t, one(t, ctx, s, "#when").Set(ctx, "2025-01-31"))
		assert.Equal(t, "2025-01-31", value("#when"))
	})

	t.Run("content editable", func(t *testing.T) {
		require.NoError(t, one(t, ctx, s, "#editable").Set(ctx, "new content"))
		assert.Equal(t, "new content", textOf(t, ctx, s, "#editable"))
	})

	t.Run("file upload", func(t *testing.T) {
		dir := t.TempDir()
		a := filepath.Join(dir, "a.txt")
		b := filepath.Join(dir, "b.txt")
		require.NoError(t, os.WriteFile(a, []byte("a"), 0o600))
		require.NoError(t, os.WriteFile(b, []byte("bb"), 0o600))

		require.NoError(t, one(t, ctx, s, "#upload").Set(ctx, []string{a, b}))
		v, err := s.EvaluateScript(ctx, "Array.from(document.getElementById('upload').files).map((f) => f.name + ':' + f.size)")
		require.NoError(t, err)
		assert.Equal(t, []interface{}{"a.txt:1", "b.txt:2"}, v)

		assert.ErrorIs(t, one(t, ctx, s, "#upload").Set(ctx, 7), ErrUnsupportedValue)
	})

	t.Run("unsupported targets", func(t *testing.T) {
		assert.ErrorIs(t, one(t, ctx, s, "#changes").Set(ctx, "x"), ErrUnsupportedValue)
		assert.ErrorIs(t, one(t, ctx, s, "#name").Set(ctx, struct{}{}), ErrUnsupportedValue)
	})

	t.Run("change events fire", func(t *testing.T) {
		log := textOf(t, ctx, s, "#changes")
		for _, id := range []string{"name;", "short;", "bio;", "agree;", "blue;", "single;", "multi;", "when;"} {
			assert.Contains(t, log, id)
		}
		assert.NotContains(t, log, "locked;")
	})
}
