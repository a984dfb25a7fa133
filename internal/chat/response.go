package chat

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/inlinechat/pkg/types"
)

// ErrorDetails describes a failed response.
type ErrorDetails struct {
	Message string
	// ResponseIsFiltered marks a response withheld by a content filter. Edits
	// of filtered responses are kept.
	ResponseIsFiltered bool
	// Known marks messages that can be shown to the user verbatim.
	Known bool
}

// Result is attached to a response when it completes.
type Result struct {
	ErrorDetails *ErrorDetails
}

// Response accumulates the streamed parts of an answer.
type Response struct {
	mu        sync.Mutex
	parts     []types.Part
	complete  bool
	canceled  bool
	result    *Result
	listeners map[int]func()
	nextID    int
	done      chan struct{}
}

func newResponse() *Response {
	return &Response{
		listeners: make(map[int]func()),
		done:      make(chan struct{}),
	}
}

// Value returns a snapshot of the parts. Edit groups are copied; their State
// pointer is shared with the response.
func (r *Response) Value() []types.Part {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.Part, 0, len(r.parts))
	for _, p := range r.parts {
		switch p := p.(type) {
		case *types.EditGroupPart:
			cp := *p
			cp.Edits = append([]types.TextEdit(nil), p.Edits...)
			out = append(out, &cp)
		case *types.TextPart:
			cp := *p
			out = append(out, &cp)
		case *types.MovePart:
			cp := *p
			out = append(out, &cp)
		}
	}
	return out
}

// EditGroups returns snapshots of the edit groups, optionally for one URI.
func (r *Response) EditGroups(uri string) []*types.EditGroupPart {
	var groups []*types.EditGroupPart
	for _, p := range r.Value() {
		if g, ok := p.(*types.EditGroupPart); ok && (uri == "" || g.URI == uri) {
			groups = append(groups, g)
		}
	}
	return groups
}

// Text returns the concatenated text parts.
func (r *Response) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s string
	for _, p := range r.parts {
		if t, ok := p.(*types.TextPart); ok {
			s += t.Text
		}
	}
	return s
}

// AppendText adds markdown to the response. Parts arriving after completion
// are dropped.
func (r *Response) AppendText(text string) {
	r.mu.Lock()
	if r.complete {
		r.mu.Unlock()
		return
	}
	if n := len(r.parts); n > 0 {
		if t, ok := r.parts[n-1].(*types.TextPart); ok {
			t.Text += text
			r.mu.Unlock()
			r.changed()
			return
		}
	}
	r.parts = append(r.parts, &types.TextPart{ID: ulid.Make().String(), Type: "text", Text: text})
	r.mu.Unlock()
	r.changed()
}

// PushEdits appends edits to the open edit group of uri, starting a new group
// when there is none.
func (r *Response) PushEdits(uri string, edits []types.TextEdit) {
	r.mu.Lock()
	if r.complete {
		r.mu.Unlock()
		return
	}
	group := r.openGroup(uri)
	if group == nil {
		group = &types.EditGroupPart{ID: ulid.Make().String(), Type: "textEditGroup", URI: uri}
		r.parts = append(r.parts, group)
	}
	group.Edits = append(group.Edits, edits...)
	r.mu.Unlock()
	r.changed()
}

// AppendUnappliedEdits folds reverted edits back into the last edit group of
// uri. The group counts them as not yet applied.
func (r *Response) AppendUnappliedEdits(uri string, edits []types.TextEdit) {
	r.mu.Lock()
	var group *types.EditGroupPart
	for i := len(r.parts) - 1; i >= 0; i-- {
		if g, ok := r.parts[i].(*types.EditGroupPart); ok && g.URI == uri {
			group = g
			break
		}
	}
	if group == nil {
		group = &types.EditGroupPart{ID: ulid.Make().String(), Type: "textEditGroup", URI: uri, Done: true}
		r.parts = append(r.parts, group)
	}
	group.Edits = append(group.Edits, edits...)
	r.mu.Unlock()
	r.changed()
}

func (r *Response) openGroup(uri string) *types.EditGroupPart {
	for i := len(r.parts) - 1; i >= 0; i-- {
		if g, ok := r.parts[i].(*types.EditGroupPart); ok && g.URI == uri && !g.Done {
			return g
		}
	}
	return nil
}

// EnsureEditState returns the state of the group with the given ID, creating
// it against checksum on first use.
func (r *Response) EnsureEditState(groupID, checksum string) *types.EditGroupState {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.parts {
		if g, ok := p.(*types.EditGroupPart); ok && g.ID == groupID {
			if g.State == nil {
				g.State = types.NewEditGroupState(checksum)
			}
			return g.State
		}
	}
	return nil
}

// AddMove records a move directive.
func (r *Response) AddMove(uri string, rng types.Range) {
	r.mu.Lock()
	if r.complete {
		r.mu.Unlock()
		return
	}
	r.parts = append(r.parts, &types.MovePart{ID: ulid.Make().String(), Type: "move", URI: uri, Range: rng})
	r.mu.Unlock()
	r.changed()
}

// Complete finishes the response. Later calls are ignored.
func (r *Response) Complete(result *Result) {
	r.finish(result, false)
}

// Cancel finishes the response as canceled.
func (r *Response) Cancel() {
	r.finish(nil, true)
}

func (r *Response) finish(result *Result, canceled bool) {
	r.mu.Lock()
	if r.complete {
		r.mu.Unlock()
		return
	}
	r.complete = true
	r.canceled = canceled
	if result == nil {
		result = &Result{}
	}
	r.result = result
	for _, p := range r.parts {
		if g, ok := p.(*types.EditGroupPart); ok {
			g.Done = true
		}
	}
	close(r.done)
	r.mu.Unlock()
	r.changed()
}

// IsComplete reports whether the response finished.
func (r *Response) IsComplete() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete
}

// IsCanceled reports whether the response was canceled.
func (r *Response) IsCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

// Result returns the completion result, nil while streaming.
func (r *Response) Result() *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Done is closed when the response completes.
func (r *Response) Done() <-chan struct{} { return r.done }

// Subscribe registers fn for response changes and returns an unsubscribe func.
func (r *Response) Subscribe(fn func()) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.listeners, id)
		r.mu.Unlock()
	}
}

func (r *Response) changed() {
	r.mu.Lock()
	fns := make([]func(), 0, len(r.listeners))
	for _, fn := range r.listeners {
		fns = append(fns, fn)
	}
	r.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
