// Package agent defines the producers that answer inline chat requests with
// text, document edits and move directives.
package agent

import (
	"context"

	"github.com/opencode-ai/inlinechat/pkg/types"
)

// Agent prepares sessions and answers requests.
type Agent interface {
	ID() string
	// Prepare is called once per session. A nil result with a nil error means
	// the agent declines to start a session.
	Prepare(ctx context.Context, req *PrepareRequest) (*Prepared, error)
	// Invoke streams one response into sink. It returns when the response is
	// finished or ctx is canceled.
	Invoke(ctx context.Context, req *Request, sink Sink) error
}

// Sink receives a streamed response.
type Sink interface {
	Text(text string)
	// Edits appends edits to the current edit group for uri. Each edit must be
	// valid against the document as left by the previous one.
	Edits(uri string, edits []types.TextEdit)
	// Move asks the controller to continue the session in another document.
	Move(uri string, r types.Range)
}

// PrepareRequest describes where a session is about to start.
type PrepareRequest struct {
	URI       string
	Text      string
	Selection types.Range
}

// Prepared is the agent's answer to PrepareRequest.
type Prepared struct {
	// WholeRange is the region the agent intends to edit. Zero means use the
	// selection.
	WholeRange  types.Range
	Placeholder string
	Message     string
}

// Attachment is extra context sent with a request.
type Attachment struct {
	Name    string `json:"name" yaml:"name"`
	URI     string `json:"uri,omitempty" yaml:"uri,omitempty"`
	Content string `json:"content" yaml:"content"`
}

// DocumentContext is the document state a request is made against.
type DocumentContext struct {
	URI        string
	Text       string
	WholeRange types.Range
	Selection  types.Range
}

// Exchange is one earlier request/response pair of the same session.
type Exchange struct {
	Message  string
	Response string
}

// Request is one user turn.
type Request struct {
	SessionID   string
	RequestID   string
	Message     string
	Attachments []Attachment
	Document    DocumentContext
	History     []Exchange
}

// Error is a known agent failure whose message is shown to the user as is.
type Error struct {
	Message string
	// Filtered marks a response withheld by a content filter.
	Filtered bool
	// Transient marks a failure worth retrying.
	Transient bool
}

func (e *Error) Error() string { return e.Message }
