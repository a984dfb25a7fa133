// Package chat holds the conversation behind an editing session: requests,
// their streamed responses and the service that produces them.
package chat

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/inlinechat/internal/agent"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

// RemovalReason explains why a request left the model.
type RemovalReason int

const (
	RemovalReasonRemoved RemovalReason = iota
	RemovalReasonResend
)

// EventKind identifies a Model change.
type EventKind int

const (
	EventAddRequest EventKind = iota
	EventRemoveRequest
	EventMove
)

// ModelEvent describes a change of a Model.
type ModelEvent struct {
	Kind    EventKind
	Request *Request
	Reason  RemovalReason
	// URI and Range are set for EventMove.
	URI   string
	Range types.Range
}

// Model is an ordered list of requests. Models move between sessions when a
// response relocates the session to another document.
type Model struct {
	id string

	mu        sync.Mutex
	requests  []*Request
	listeners map[int]func(ModelEvent)
	nextID    int
}

// NewModel creates an empty chat model.
func NewModel() *Model {
	return &Model{
		id:        ulid.Make().String(),
		listeners: make(map[int]func(ModelEvent)),
	}
}

// ID returns the model identifier.
func (m *Model) ID() string { return m.id }

// Requests returns the requests in order.
func (m *Model) Requests() []*Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Request(nil), m.requests...)
}

// LastRequest returns the newest request or nil.
func (m *Model) LastRequest() *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		return nil
	}
	return m.requests[len(m.requests)-1]
}

// Request finds a request by ID.
func (m *Model) Request(id string) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.requests {
		if r.ID == id {
			return r
		}
	}
	return nil
}

// HasCompletedRequest reports whether any response has completed.
func (m *Model) HasCompletedRequest() bool {
	for _, r := range m.Requests() {
		if r.Response.IsComplete() {
			return true
		}
	}
	return false
}

// AddRequest appends a new request with an empty response.
func (m *Model) AddRequest(message string, attachments []agent.Attachment) *Request {
	req := &Request{
		ID:          ulid.Make().String(),
		Message:     message,
		Attachments: attachments,
		Created:     time.Now(),
		Response:    newResponse(),
	}
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	m.emit(ModelEvent{Kind: EventAddRequest, Request: req})
	return req
}

// RemoveRequest drops a request and reports whether it existed.
func (m *Model) RemoveRequest(id string, reason RemovalReason) bool {
	m.mu.Lock()
	var removed *Request
	for i, r := range m.requests {
		if r.ID == id {
			removed = r
			m.requests = append(m.requests[:i], m.requests[i+1:]...)
			break
		}
	}
	m.mu.Unlock()

	if removed == nil {
		return false
	}
	m.emit(ModelEvent{Kind: EventRemoveRequest, Request: removed, Reason: reason})
	return true
}

// Move announces that the session should continue at uri/r.
func (m *Model) Move(uri string, r types.Range) {
	m.emit(ModelEvent{Kind: EventMove, URI: uri, Range: r})
}

// Subscribe registers fn for model events and returns an unsubscribe func.
func (m *Model) Subscribe(fn func(ModelEvent)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

func (m *Model) emit(ev ModelEvent) {
	m.mu.Lock()
	fns := make([]func(ModelEvent), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// Request is one user turn.
type Request struct {
	ID          string
	Message     string
	Attachments []agent.Attachment
	Created     time.Time
	Response    *Response

	// document is the context the request was first sent with, reused on resend.
	document agent.DocumentContext
}
