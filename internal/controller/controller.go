// Package controller drives inline editing sessions. A Controller owns one
// document: it starts or resumes a session there, streams agent edits into
// the text and resolves the session as accepted, canceled or paused.
package controller

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/inlinechat/internal/agent"
	"github.com/opencode-ai/inlinechat/internal/chat"
	"github.com/opencode-ai/inlinechat/internal/event"
	"github.com/opencode-ai/inlinechat/internal/hunk"
	"github.com/opencode-ai/inlinechat/internal/logging"
	"github.com/opencode-ai/inlinechat/internal/session"
	"github.com/opencode-ai/inlinechat/internal/strategy"
	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

var (
	// ErrNoSession is returned by session operations while no session is attached.
	ErrNoSession = errors.New("no active session")
	// ErrNothingToRerun is returned by Rerun when the session has no request.
	ErrNothingToRerun = errors.New("no request to rerun")
)

// RunOptions configure one Run.
type RunOptions struct {
	// Selection is the user's selection. Defaults to the editor cursor.
	Selection *types.Range
	// InitialRange overrides the range the agent picks for a new session.
	InitialRange *types.Range
	// Position is where the widget opens when no change anchors it.
	Position *types.Position
	// Message is placed in the input when the session is ready.
	Message string
	// AutoSend submits Message right away.
	AutoSend    bool
	Attachments []agent.Attachment
	// ExistingSession resumes a session instead of looking one up.
	ExistingSession *session.Session
}

type runHandle struct {
	box  *mailbox
	done chan struct{}
}

// run is the state of one Run call.
type run struct {
	box       *mailbox
	opts      RunOptions
	selection types.Range
	session   *session.Session
	strategy  strategy.Strategy
	added     signal[*chat.Request]
	unsubs    []func()

	mu           sync.Mutex
	anchor       *types.Position
	requestStart map[string]int
	undoTo       *int
}

// Controller runs inline editing sessions on one document.
type Controller struct {
	uri  string
	doc  *textmodel.Model
	deps Deps
	log  zerolog.Logger

	runMu sync.Mutex
	tail  *runHandle

	mu       sync.Mutex
	active   *runHandle
	state    State
	session  *session.Session
	strategy strategy.Strategy
	hasEdits bool
	input    string
}

// New creates a controller for doc.
func New(doc *textmodel.Model, deps Deps) *Controller {
	return &Controller{
		uri:   doc.URI(),
		doc:   doc,
		deps:  deps.withDefaults(),
		log:   logging.Component("controller").With().Str("uri", doc.URI()).Logger(),
		state: StateIdle,
	}
}

// URI returns the document the controller works on.
func (c *Controller) URI() string { return c.uri }

// Document returns the live document.
func (c *Controller) Document() *textmodel.Model { return c.doc }

// Run drives one session until it is accepted, canceled or paused and
// reports whether it was accepted. A Run started while another is active
// accepts that one and waits for it to finish first. Canceling ctx cancels
// the session.
func (c *Controller) Run(ctx context.Context, opts RunOptions) bool {
	h := &runHandle{box: newMailbox(), done: make(chan struct{})}
	c.runMu.Lock()
	prev := c.tail
	c.tail = h
	c.runMu.Unlock()
	defer close(h.done)

	if prev != nil {
		prev.box.post(Message{AcceptSession: true})
		<-prev.done
	}

	c.mu.Lock()
	c.active = h
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.active == h {
			c.active = nil
		}
		c.mu.Unlock()
	}()

	stop := context.AfterFunc(ctx, func() { h.box.post(Message{CancelSession: true}) })
	defer stop()

	r := &run{box: h.box, opts: opts, requestStart: make(map[string]int)}
	return c.loop(ctx, r)
}

// Done returns a channel that is closed once the latest Run has returned.
func (c *Controller) Done() <-chan struct{} {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.tail == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.tail.done
}

func (c *Controller) loop(ctx context.Context, r *run) (accepted bool) {
	defer func() {
		if p := recover(); p != nil {
			c.log.Error().Interface("panic", p).Str("stack", string(debug.Stack())).Msg("session loop panicked")
			c.deps.UI.Hide()
			sess := r.session
			c.detach(r)
			if sess != nil {
				c.deps.Sessions.ReleaseSession(sess, types.OutcomeCanceled)
			}
			c.setState(StatePause)
			accepted = false
		}
	}()

	var st sessionState = createSessionState{}
	for {
		c.setState(st.name())
		switch s := st.(type) {
		case createSessionState:
			st = c.createSession(ctx, r)
		case initUIState:
			st = c.initUI(r)
		case waitForInputState:
			st = c.waitForInput(ctx, r)
		case showRequestState:
			st = c.showRequest(ctx, r, s)
		case pauseState:
			c.pause(r)
			return false
		case cancelState:
			c.cancel(r, s)
			return false
		case acceptState:
			return c.accept(r)
		}
	}
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.log.Debug().Str("state", string(s)).Msg("state changed")
	if c.deps.Bus != nil {
		c.deps.Bus.PublishSync(event.Event{Type: event.StateChanged, Data: event.StateChangedData{URI: c.uri, State: string(s)}})
	}
}

func (c *Controller) publish(t event.EventType, data any) {
	if c.deps.Bus != nil {
		c.deps.Bus.Publish(event.Event{Type: t, Data: data})
	}
}

func (c *Controller) post(m Message) {
	c.mu.Lock()
	h := c.active
	c.mu.Unlock()
	if h != nil {
		h.box.post(m)
	}
}

// AcceptSession keeps the changes and ends the active run.
func (c *Controller) AcceptSession() { c.post(Message{AcceptSession: true}) }

// CancelSession reverts the changes and ends the active run.
func (c *Controller) CancelSession() { c.post(Message{CancelSession: true}) }

// PauseSession ends the active run but keeps the session for a later Run.
func (c *Controller) PauseSession() { c.post(Message{PauseSession: true}) }

// CancelRequest stops the response being streamed.
func (c *Controller) CancelRequest() { c.post(Message{CancelRequest: true}) }

// AcceptInput submits text as a new request.
func (c *Controller) AcceptInput(text string) {
	c.setInput(text)
	c.post(Message{AcceptInput: true})
}

func (c *Controller) setInput(text string) {
	c.mu.Lock()
	c.input = text
	c.mu.Unlock()
}

func (c *Controller) takeInput() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	text := c.input
	c.input = ""
	return text
}

// IsActive reports whether a session is attached.
func (c *Controller) IsActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the attached session or nil.
func (c *Controller) Session() *session.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// HasEdits reports whether the document differs from the session baseline.
func (c *Controller) HasEdits() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hasEdits
}

func (c *Controller) setHasEdits(v bool) {
	c.mu.Lock()
	c.hasEdits = v
	c.mu.Unlock()
}

func (c *Controller) attached() (*session.Session, strategy.Strategy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session, c.strategy
}

// Focus moves keyboard focus into the widget.
func (c *Controller) Focus() { c.deps.UI.Focus() }

// ArrowOut leaves the widget for the editor line above or below it.
func (c *Controller) ArrowOut(up bool) {
	if !c.deps.UI.HasFocus() {
		return
	}
	at := c.deps.UI.AnchoredAt()
	if at == nil {
		return
	}
	line := at.Line
	if !up {
		line++
	}
	if n := c.doc.LineCount(); line > n {
		line = n
	}
	if line < 1 {
		line = 1
	}
	c.deps.Editor.SetCursor(types.Position{Line: line, Column: c.deps.Editor.Cursor().Column})
	c.deps.Editor.Focus()
}

// ViewInChat continues the conversation in the chat panel. The changes made
// so far travel with it as one unapplied edit and the session is canceled.
func (c *Controller) ViewInChat() {
	sess, _ := c.attached()
	if sess == nil {
		return
	}
	model := sess.Chat()
	if last := model.LastRequest(); last != nil && sess.HasChangedText() {
		base := sess.TextModel0()
		edit := base.EditTo(c.doc.Text())
		last.Response.AppendUnappliedEdits(c.uri, []types.TextEdit{edit})
	}
	c.deps.Panel.Reveal(model)
	c.CancelSession()
}

// Rerun sends the last request again. Changes of the old response are
// undone once the new one is shown.
func (c *Controller) Rerun(ctx context.Context) error {
	sess, _ := c.attached()
	if sess == nil {
		return ErrNoSession
	}
	last := sess.Chat().LastRequest()
	if last == nil {
		return ErrNothingToRerun
	}
	_, err := c.deps.Chat.ResendRequest(ctx, sess.Chat(), last.ID, sess.ID())
	return err
}

func (c *Controller) hunkAction(h *hunk.Hunk, action hunk.Action) (*hunk.Hunk, error) {
	sess, st := c.attached()
	if st == nil {
		return nil, ErrNoSession
	}
	res, err := st.PerformHunkAction(h, action)
	if err != nil {
		return nil, err
	}
	c.setHasEdits(sess.HasChangedText())
	return res, nil
}

// AcceptHunk keeps one change. Nil means the first pending hunk.
func (c *Controller) AcceptHunk(h *hunk.Hunk) error {
	_, err := c.hunkAction(h, hunk.ActionAccept)
	return err
}

// DiscardHunk reverts one change. Nil means the first pending hunk.
func (c *Controller) DiscardHunk(h *hunk.Hunk) error {
	_, err := c.hunkAction(h, hunk.ActionDiscard)
	return err
}

// ToggleDiff shows or hides the original text of a hunk.
func (c *Controller) ToggleDiff(h *hunk.Hunk) error {
	_, err := c.hunkAction(h, hunk.ActionToggleDiff)
	return err
}

// MoveHunk puts the cursor on the next or previous pending hunk.
func (c *Controller) MoveHunk(next bool) error {
	action := hunk.ActionMovePrev
	if next {
		action = hunk.ActionMoveNext
	}
	h, err := c.hunkAction(nil, action)
	if err != nil {
		return err
	}
	if h != nil {
		c.deps.Editor.SetCursor(types.Position{Line: h.Modified.Start, Column: 1})
	}
	return nil
}

// UnstashLastSession restores the session stashed by the last cancel. It
// returns nil when there is none or the document changed since. Pass the
// result to Run as ExistingSession to continue it.
func (c *Controller) UnstashLastSession() *session.Session {
	st := c.deps.Sessions.Stashed(c.uri)
	if st == nil {
		return nil
	}
	sess, err := st.Unstash()
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to unstash session")
		return nil
	}
	return sess
}
