package controller

import (
	"strings"
	"sync"

	"github.com/opencode-ai/inlinechat/internal/async"
)

// Message is a set of control signals. Signals posted before the state loop
// looks at them coalesce into one wake-up.
type Message struct {
	AcceptSession bool
	CancelSession bool
	PauseSession  bool
	CancelRequest bool
	CancelInput   bool
	AcceptInput   bool
}

// IsZero reports whether no signal is set.
func (m Message) IsZero() bool {
	return m == Message{}
}

// Merge returns the union of both signal sets.
func (m Message) Merge(o Message) Message {
	return Message{
		AcceptSession: m.AcceptSession || o.AcceptSession,
		CancelSession: m.CancelSession || o.CancelSession,
		PauseSession:  m.PauseSession || o.PauseSession,
		CancelRequest: m.CancelRequest || o.CancelRequest,
		CancelInput:   m.CancelInput || o.CancelInput,
		AcceptInput:   m.AcceptInput || o.AcceptInput,
	}
}

func (m Message) String() string {
	var names []string
	for _, f := range []struct {
		set  bool
		name string
	}{
		{m.AcceptSession, "accept-session"},
		{m.CancelSession, "cancel-session"},
		{m.PauseSession, "pause-session"},
		{m.CancelRequest, "cancel-request"},
		{m.CancelInput, "cancel-input"},
		{m.AcceptInput, "accept-input"},
	} {
		if f.set {
			names = append(names, f.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// mailbox delivers messages to the state loop. Each wait gets its own
// one-shot future.
type mailbox struct {
	mu      sync.Mutex
	pending Message
	waiter  *async.Future[Message]
}

func newMailbox() *mailbox {
	return &mailbox{}
}

// post adds m to the pending set, waking the current waiter if any.
func (b *mailbox) post(m Message) {
	if m.IsZero() {
		return
	}
	b.mu.Lock()
	b.pending = b.pending.Merge(m)
	w := b.waiter
	var deliver Message
	if w != nil {
		deliver = b.pending
		b.pending = Message{}
		b.waiter = nil
	}
	b.mu.Unlock()

	if w != nil {
		w.Resolve(deliver)
	}
}

// next returns a future for the next message. It resolves immediately when
// messages are already pending.
func (b *mailbox) next() *async.Future[Message] {
	f := async.NewFuture[Message]()
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.pending.IsZero() {
		f.Resolve(b.pending)
		b.pending = Message{}
		return f
	}
	b.waiter = f
	return f
}

// release abandons f and returns everything delivered to it or still
// pending.
func (b *mailbox) release(f *async.Future[Message]) Message {
	b.mu.Lock()
	if b.waiter == f {
		b.waiter = nil
	}
	m := b.pending
	b.pending = Message{}
	b.mu.Unlock()

	if f != nil && f.IsResolved() {
		m = m.Merge(f.Value())
	}
	return m
}

// requeue puts messages back for a later state.
func (b *mailbox) requeue(m Message) {
	b.post(m)
}

// abandon stops waiting on f. A message already delivered to f goes back to
// the pending set.
func (b *mailbox) abandon(f *async.Future[Message]) {
	b.mu.Lock()
	if b.waiter == f {
		b.waiter = nil
	}
	if f.IsResolved() {
		b.pending = b.pending.Merge(f.Value())
	}
	b.mu.Unlock()
}

// signal hands a value to whoever waits for it at the moment it fires.
// Values fired with no waiter are dropped.
type signal[T any] struct {
	mu     sync.Mutex
	waiter *async.Future[T]
}

func (s *signal[T]) next() *async.Future[T] {
	f := async.NewFuture[T]()
	s.mu.Lock()
	s.waiter = f
	s.mu.Unlock()
	return f
}

func (s *signal[T]) fire(v T) {
	s.mu.Lock()
	w := s.waiter
	s.waiter = nil
	s.mu.Unlock()
	if w != nil {
		w.Resolve(v)
	}
}

func (s *signal[T]) release(f *async.Future[T]) {
	s.mu.Lock()
	if s.waiter == f {
		s.waiter = nil
	}
	s.mu.Unlock()
}
