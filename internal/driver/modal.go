package driver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ModalKind is the type of a JavaScript dialog.
type ModalKind string

const (
	ModalAlert        ModalKind = "alert"
	ModalConfirm      ModalKind = "confirm"
	ModalPrompt       ModalKind = "prompt"
	ModalBeforeUnload ModalKind = "beforeunload"
)

// ModalOptions narrows which dialog an expectation claims and how it is answered.
type ModalOptions struct {
	// Text must be a substring of the dialog message.
	Text string
	// Pattern must match the dialog message.
	Pattern *regexp.Regexp
	// Response is typed into an accepted prompt. nil keeps the prompt's
	// default; an empty string clears it.
	Response *string
	// Wait bounds how long to wait for the dialog after the trigger returns.
	// Zero uses driver.modal_wait.
	Wait time.Duration
}

// PromptResponse returns text for use as ModalOptions.Response.
func PromptResponse(text string) *string { return &text }

func (o ModalOptions) matches(message string) bool {
	if o.Text != "" && !strings.Contains(message, o.Text) {
		return false
	}
	if o.Pattern != nil && !o.Pattern.MatchString(message) {
		return false
	}
	return true
}

func (o ModalOptions) describe() string {
	switch {
	case o.Text != "":
		return fmt.Sprintf("text %q", o.Text)
	case o.Pattern != nil:
		return fmt.Sprintf("pattern /%s/", o.Pattern)
	default:
		return ""
	}
}

// HandledModal records a dialog the session answered.
type HandledModal struct {
	Kind     ModalKind
	Message  string
	Accepted bool
	Response string
	// Expected is true when an AcceptModal/DismissModal call claimed it.
	Expected bool
}

type modalOutcome struct {
	message string
	matched bool
}

type modalExpectation struct {
	kind   ModalKind
	accept bool
	opts   ModalOptions
	done   chan modalOutcome
}

// modalBroker pairs opening dialogs with registered expectations. It is
// shared by all windows of a session.
type modalBroker struct {
	logger  *zap.Logger
	metrics *Metrics

	mu      sync.Mutex
	pending []*modalExpectation
	handled []HandledModal
}

func newModalBroker(logger *zap.Logger, metrics *Metrics) *modalBroker {
	return &modalBroker{logger: logger.Named("modals"), metrics: metrics}
}

func (b *modalBroker) expect(kind ModalKind, accept bool, opts ModalOptions) *modalExpectation {
	exp := &modalExpectation{kind: kind, accept: accept, opts: opts, done: make(chan modalOutcome, 1)}
	b.mu.Lock()
	b.pending = append(b.pending, exp)
	b.mu.Unlock()
	return exp
}

// withdraw removes exp if no dialog claimed it yet and reports whether it did.
func (b *modalBroker) withdraw(exp *modalExpectation) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, p := range b.pending {
		if p == exp {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			return true
		}
	}
	return false
}

// decide answers a dialog. The oldest pending expectation of the same kind
// claims it; a message mismatch fails that expectation and the dialog gets
// the default answer. Unclaimed dialogs are accepted, prompts with their
// default text.
func (b *modalBroker) decide(kind ModalKind, message, defaultPrompt string) (accept bool, promptText string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	accept, promptText = true, defaultPrompt
	var claimed *modalExpectation
	for i, p := range b.pending {
		if p.kind == kind {
			claimed = p
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			break
		}
	}

	matched := claimed != nil && claimed.opts.matches(message)
	if matched {
		accept = claimed.accept
		if claimed.opts.Response != nil {
			promptText = *claimed.opts.Response
		}
	}
	if claimed != nil {
		claimed.done <- modalOutcome{message: message, matched: matched}
	}

	record := HandledModal{Kind: kind, Message: message, Accepted: accept, Expected: matched}
	if kind == ModalPrompt && accept {
		record.Response = promptText
	}
	b.handled = append(b.handled, record)
	b.metrics.dialog(kind, matched)
	b.logger.Debug("Answered dialog.",
		zap.String("kind", string(kind)),
		zap.String("message", message),
		zap.Bool("accepted", accept),
		zap.Bool("expected", matched))
	return accept, promptText
}

// await blocks until exp is answered, wait elapses or ctx ends.
func (b *modalBroker) await(ctx context.Context, exp *modalExpectation, wait time.Duration) (string, error) {
	notFound := &ModalNotFoundError{Kind: exp.kind, Text: exp.opts.describe()}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case out := <-exp.done:
		if !out.matched {
			return out.message, notFound
		}
		return out.message, nil
	case <-timer.C:
	case <-ctx.Done():
	}

	if !b.withdraw(exp) {
		// A dialog claimed it between the timer firing and the withdrawal.
		out := <-exp.done
		if !out.matched {
			return out.message, notFound
		}
		return out.message, nil
	}
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	return "", notFound
}

func (b *modalBroker) history() []HandledModal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]HandledModal, len(b.handled))
	copy(out, b.handled)
	return out
}

func (b *modalBroker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handled = nil
	for _, p := range b.pending {
		close(p.done)
	}
	b.pending = nil
}
