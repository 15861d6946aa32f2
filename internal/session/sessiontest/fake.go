// Package sessiontest provides an in-memory session for engine tests.
package sessiontest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/whatsapp-automation/broadcaster/internal/message"
)

// Sent records one delivered message.
type Sent struct {
	To      string
	Content message.Template
	ID      string
}

// Fake is a controllable session.Session.
type Fake struct {
	id    string
	owner string

	mu      sync.Mutex
	ready   bool
	closed  bool
	fail    func(to string) error
	sent    []Sent
	counter int
	onSend  func(to string)
}

// New creates a ready fake session.
func New(id, owner string) *Fake {
	return &Fake{id: id, owner: owner, ready: true}
}

func (f *Fake) ID() string      { return f.id }
func (f *Fake) OwnerID() string { return f.owner }

func (f *Fake) Ready() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ready && !f.closed
}

// SetReady toggles readiness.
func (f *Fake) SetReady(ready bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready = ready
}

// FailWith makes every send to a recipient for which fn returns an error fail.
func (f *Fake) FailWith(fn func(to string) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

// FailAll makes every subsequent send fail.
func (f *Fake) FailAll() {
	f.FailWith(func(string) error { return errors.New("transport: send rejected") })
}

// OnSend registers a hook run after each send attempt.
func (f *Fake) OnSend(fn func(to string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onSend = fn
}

func (f *Fake) Send(ctx context.Context, to string, content message.Template) (string, error) {
	f.mu.Lock()
	fail := f.fail
	hook := f.onSend
	f.mu.Unlock()

	defer func() {
		if hook != nil {
			hook(to)
		}
	}()

	if err := ctx.Err(); err != nil {
		return "", err
	}
	if fail != nil {
		if err := fail(to); err != nil {
			return "", err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.counter++
	id := fmt.Sprintf("%s-msg-%d", f.id, f.counter)
	f.sent = append(f.sent, Sent{To: to, Content: content, ID: id})
	return id, nil
}

func (f *Fake) Close(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Closed reports whether Close was called.
func (f *Fake) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Sent returns a copy of everything delivered so far.
func (f *Fake) Sent() []Sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Sent(nil), f.sent...)
}
