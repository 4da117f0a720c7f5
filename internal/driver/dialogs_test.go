package driver

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDialogs(t *testing.T) {
	s, ctx := visitPage(t, "modals.html")
	click := func(css string) func() error {
		return func() error { return one(t, ctx, s, css).Click(ctx) }
	}

	t.Run("accept alert", func(t *testing.T) {
		msg, err := s.AcceptModal(ctx, ModalAlert, ModalOptions{}, click("#alert-btn"))
		require.NoError(t, err)
		assert.Equal(t, "Hello from alert", msg)
		eventuallyText(t, ctx, s, "#result", "alerted")
	})

	t.Run("accept and dismiss confirm", func(t *testing.T) {
		msg, err := s.AcceptModal(ctx, ModalConfirm, ModalOptions{Text: "sure"}, click("#confirm-btn"))
		require.NoError(t, err)
		assert.Equal(t, "Are you sure?", msg)
		eventuallyText(t, ctx, s, "#result", "confirmed")

		_, err = s.DismissModal(ctx, ModalConfirm, ModalOptions{Pattern: regexp.MustCompile(`^Are`)}, click("#confirm-btn"))
		require.NoError(t, err)
		eventuallyText(t, ctx, s, "#result", "cancelled")
	})

	t.Run("prompt", func(t *testing.T) {
		_, err := s.AcceptModal(ctx, ModalPrompt, ModalOptions{Response: PromptResponse("Ada")}, click("#prompt-btn"))
		require.NoError(t, err)
		eventuallyText(t, ctx, s, "#result", "hello Ada")

		_, err = s.AcceptModal(ctx, ModalPrompt, ModalOptions{}, click("#prompt-btn"))
		require.NoError(t, err)
		eventuallyText(t, ctx, s, "#result", "hello Default name")

		_, err = s.AcceptModal(ctx, ModalPrompt, ModalOptions{Response: PromptResponse("")}, click("#prompt-btn"))
		require.NoError(t, err)
		require.Eventually(t, func() bool {
			v, err := s.EvaluateScript(ctx, "document.getElementById('result').textContent")
			return err == nil && v == "hello "
		}, 5*time.Second, 25*time.Millisecond, "an empty response replaces the default")

		_, err = s.DismissModal(ctx, ModalPrompt, ModalOptions{}, click("#prompt-btn"))
		require.NoError(t, err)
		eventuallyText(t, ctx, s, "#result", "no answer")
	})

	t.Run("message mismatch", func(t *testing.T) {
		msg, err := s.DismissModal(ctx, ModalConfirm, ModalOptions{Text: "delete everything"}, click("#confirm-btn"))
		var notFound *ModalNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, ModalConfirm, notFound.Kind)
		assert.Equal(t, "Are you sure?", msg)
		eventuallyText(t, ctx, s, "#result", "confirmed")
	})

	t.Run("no dialog", func(t *testing.T) {
		start := time.Now()
		_, err := s.AcceptModal(ctx, ModalAlert, ModalOptions{Wait: 200 * time.Millisecond}, click("#nothing-btn"))
		var notFound *ModalNotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("unexpected dialogs get the default answer", func(t *testing.T) {
		require.NoError(t, one(t, ctx, s, "#confirm-btn").Click(ctx))
		eventuallyText(t, ctx, s, "#result", "confirmed")
		require.NoError(t, one(t, ctx, s, "#prompt-btn").Click(ctx))
		eventuallyText(t, ctx, s, "#result", "hello Default name")
	})

	t.Run("history", func(t *testing.T) {
		history := s.ModalHistory()
		require.Len(t, history, 9)

		assert.Equal(t, HandledModal{Kind: ModalAlert, Message: "Hello from alert", Accepted: true, Expected: true}, history[0])
		assert.Equal(t, HandledModal{Kind: ModalPrompt, Message: "Your name?", Accepted: true, Response: "Ada", Expected: true}, history[3])
		assert.False(t, history[5].Accepted)
		assert.Equal(t, HandledModal{Kind: ModalConfirm, Message: "Are you sure?", Accepted: true, Expected: false}, history[6])
		assert.Equal(t, HandledModal{Kind: ModalPrompt, Message: "Your name?", Accepted: true, Response: "Default name", Expected: false}, history[8])
	})
}
