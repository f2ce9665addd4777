// Package cancel implements the cooperative cancellation primitive used
// throughout the runtime: a thread-safe, one-shot flag plus a callback
// list, cascading from a task to its in-flight dependencies.
package cancel

import (
	"sync"

	"github.com/nimbusflow/reactor/errs"
)

// Token is a one-shot cancellation signal. The zero value is not usable;
// construct with New. A Token is safe for concurrent use.
type Token struct {
	mu        sync.Mutex
	cancelled bool
	callbacks []func()
	children  []*Token
	onErr     func(err any)
}

// New constructs a Token that is not yet cancelled.
func New() *Token {
	return &Token{}
}

// Cancel flips the token to cancelled and invokes every registered callback
// exactly once, in registration order, then cascades to every child token
// depth-first. Calling Cancel more than once is a no-op. Callback panics are
// recovered and reported via OnCallbackError if set; they never stop the
// remaining callbacks or the cascade.
func (t *Token) Cancel() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.cancelled = true
	callbacks := t.callbacks
	children := t.children
	onErr := t.onErr
	t.mu.Unlock()

	for _, cb := range callbacks {
		runCallback(cb, onErr)
	}
	for _, child := range children {
		child.Cancel()
	}
}

func runCallback(cb func(), onErr func(err any)) {
	defer func() {
		if r := recover(); r != nil && onErr != nil {
			onErr(r)
		}
	}()
	cb()
}

// IsCancelled reports whether Cancel has been called.
func (t *Token) IsCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// ThrowIfCancelled returns a Cancelled error if the token has been
// cancelled, and nil otherwise.
func (t *Token) ThrowIfCancelled() error {
	if t.IsCancelled() {
		return errs.New(errs.Cancelled, "operation was cancelled")
	}
	return nil
}

// OnCancel registers a callback invoked when the token is cancelled. If the
// token is already cancelled, the callback runs synchronously before OnCancel
// returns.
func (t *Token) OnCancel(cb func()) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		runCallback(cb, t.onErr)
		return
	}
	t.callbacks = append(t.callbacks, cb)
	t.mu.Unlock()
}

// OnCallbackError installs a handler invoked when a callback panics instead
// of letting the panic escape Cancel. Logged-and-continue semantics mirror
// the bus's subscriber isolation.
func (t *Token) OnCallbackError(fn func(err any)) {
	t.mu.Lock()
	t.onErr = fn
	t.mu.Unlock()
}

// Cascade registers child as a token that is cancelled whenever t is
// cancelled. Used by the executor to cancel in-flight dependencies
// depth-first when the dependent task is cancelled. If t is already
// cancelled, child is cancelled immediately.
func (t *Token) Cascade(child *Token) {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		child.Cancel()
		return
	}
	t.children = append(t.children, child)
	t.mu.Unlock()
}
