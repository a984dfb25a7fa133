package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/inlinechat/internal/agent"
	"github.com/opencode-ai/inlinechat/internal/chat"
	"github.com/opencode-ai/inlinechat/internal/session"
	"github.com/opencode-ai/inlinechat/internal/strategy"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
	base    = "l1\nl2\nl3\nl4\n"
)

func TestMessage_Merge(t *testing.T) {
	m := Message{AcceptSession: true}.Merge(Message{CancelRequest: true})
	assert.True(t, m.AcceptSession)
	assert.True(t, m.CancelRequest)
	assert.False(t, m.CancelSession)
	assert.Equal(t, "accept-session|cancel-request", m.String())
	assert.True(t, Message{}.IsZero())
	assert.Equal(t, "none", Message{}.String())
}

func TestMailbox_CoalescesPosts(t *testing.T) {
	b := newMailbox()
	b.post(Message{CancelRequest: true})
	b.post(Message{PauseSession: true})

	f := b.next()
	require.True(t, f.IsResolved())
	assert.Equal(t, Message{CancelRequest: true, PauseSession: true}, b.release(f))

	f = b.next()
	assert.False(t, f.IsResolved())
	b.post(Message{AcceptSession: true})
	require.True(t, f.IsResolved())
	assert.Equal(t, Message{AcceptSession: true}, b.release(f))
}

func TestMailbox_AbandonKeepsDelivered(t *testing.T) {
	b := newMailbox()
	f := b.next()
	b.post(Message{CancelSession: true})
	b.abandon(f)

	g := b.next()
	require.True(t, g.IsResolved())
	assert.Equal(t, Message{CancelSession: true}, b.release(g))

	// posts after abandoning go to the pending set, not the stale future
	h := b.next()
	b.abandon(h)
	b.post(Message{PauseSession: true})
	assert.False(t, h.IsResolved())
	assert.Equal(t, Message{PauseSession: true}, b.release(b.next()))
}

func TestDecideWake(t *testing.T) {
	tests := []struct {
		name string
		in   wakeInput
		want wakeAction
	}{
		{"nothing", wakeInput{}, keepStreaming},
		{"move beats cancel", wakeInput{move: true, msgs: Message{CancelSession: true}}, followMove},
		{"move beats removal", wakeInput{move: true, removed: true}, followMove},
		{"removal", wakeInput{removed: true, msgs: Message{CancelSession: true}}, requestRemoved},
		{"cancel", wakeInput{msgs: Message{CancelSession: true}}, stopRequest},
		{"cancel request", wakeInput{msgs: Message{CancelRequest: true}}, stopRequest},
		{"accept", wakeInput{msgs: Message{AcceptSession: true}}, stopRequest},
		{"input waits", wakeInput{msgs: Message{AcceptInput: true}}, keepStreaming},
		{"complete", wakeInput{complete: true, msgs: Message{CancelSession: true}}, requestDone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, decideWake(tt.in))
		})
	}
}

func TestRegistry_ForDocument(t *testing.T) {
	f := newFixture(base)
	again, err := f.registry.ForDocument(testURI)
	require.NoError(t, err)
	assert.Same(t, f.ctrl, again)
	assert.Same(t, f.ctrl, f.registry.Lookup(testURI))

	_, err = f.registry.ForDocument("file:///missing.go")
	assert.ErrorIs(t, err, ErrUnknownDocument)
	assert.Nil(t, f.registry.Lookup("file:///missing.go"))
}

// submitAndApply sends a request and streams n edits to completion.
func submitAndApply(t *testing.T, f *fixture, n int) {
	t.Helper()
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.ctrl.AcceptInput("add lines")
	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)
	require.True(t, f.agent.send(pushEdits(testURI, insertLines(1, n))))
	require.True(t, f.agent.send(nil))
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
}

func TestController_AcceptSessionIsIdempotent(t *testing.T) {
	f := newFixture(base)
	done := f.start(context.Background(), RunOptions{})
	submitAndApply(t, f, 2)

	f.ctrl.AcceptSession()
	f.ctrl.AcceptSession()
	f.ctrl.AcceptSession()
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.True(t, accepted)
	f.ctrl.AcceptSession()

	assert.Equal(t, "N1\nN2\n"+base, f.doc.Text())
	assert.Equal(t, StateAccept, f.ctrl.State())
	assert.False(t, f.ctrl.IsActive())
	assert.Equal(t, []string{"create:" + testURI, "release:accepted"}, f.sessions.entries())
	assert.Equal(t, 1, f.ui.selectAll)
}

func TestController_CancelRoundTripWithStash(t *testing.T) {
	f := newFixture(base)
	done := f.start(context.Background(), RunOptions{})
	submitAndApply(t, f, 3)
	edited := f.doc.Text()
	require.NotEqual(t, base, edited)

	f.ctrl.CancelSession()
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.False(t, accepted)
	assert.Equal(t, base, f.doc.Text())
	assert.Equal(t, StateCancel, f.ctrl.State())
	assert.False(t, f.ui.isShown())

	sess := f.ctrl.UnstashLastSession()
	require.NotNil(t, sess)
	assert.Equal(t, edited, f.doc.Text())
	assert.True(t, sess.IsUnstashed())
	assert.Nil(t, f.ctrl.UnstashLastSession())

	done = f.start(context.Background(), RunOptions{ExistingSession: sess})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	assert.Same(t, sess, f.ctrl.Session())
	assert.True(t, f.ctrl.HasEdits())

	f.ctrl.CancelSession()
	_, ok = awaitResult(done)
	require.True(t, ok)
	assert.Equal(t, base, f.doc.Text())
	assert.Nil(t, f.ctrl.UnstashLastSession(), "an unstashed session is not stashed again")
	assert.Contains(t, f.sessions.entries(), "release:canceled")
}

func TestController_CancelWithoutStash(t *testing.T) {
	f := newFixture(base, withStash(false))
	done := f.start(context.Background(), RunOptions{})
	submitAndApply(t, f, 1)

	f.ctrl.CancelSession()
	_, ok := awaitResult(done)
	require.True(t, ok)
	assert.Equal(t, base, f.doc.Text())
	assert.Nil(t, f.ctrl.UnstashLastSession())
	assert.Equal(t, []string{"create:" + testURI, "release:canceled"}, f.sessions.entries())
}

func TestController_StashDroppedByEdit(t *testing.T) {
	f := newFixture(base)
	done := f.start(context.Background(), RunOptions{})
	submitAndApply(t, f, 1)
	f.ctrl.CancelSession()
	_, ok := awaitResult(done)
	require.True(t, ok)

	require.NoError(t, f.doc.ApplyEdits([]types.TextEdit{{Range: types.NewRange(4, 3, 4, 3), Text: "!"}}))
	assert.Nil(t, f.ctrl.UnstashLastSession())
	assert.Equal(t, "l1\nl2\nl3\nl4!\n", f.doc.Text())
}

func TestController_PauseAndResume(t *testing.T) {
	f := newFixture(base)
	done := f.start(context.Background(), RunOptions{})
	submitAndApply(t, f, 2)
	sess := f.ctrl.Session()

	f.ctrl.PauseSession()
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.False(t, accepted)
	assert.Equal(t, StatePause, f.ctrl.State())
	assert.Equal(t, "N1\nN2\n"+base, f.doc.Text(), "pausing keeps the changes")
	assert.Same(t, sess, f.sessions.GetSession(testURI))

	done = f.start(context.Background(), RunOptions{})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	assert.Same(t, sess, f.ctrl.Session())
	assert.Equal(t, "N1\nN2\n"+base, f.doc.Text(), "completed edits are not applied twice")

	f.ctrl.AcceptSession()
	accepted, ok = awaitResult(done)
	require.True(t, ok)
	assert.True(t, accepted)
	assert.Equal(t, []string{"create:" + testURI, "release:accepted"}, f.sessions.entries())
}

func TestController_CreateFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status string
	}{
		{"agent error shown verbatim", &agent.Error{Message: "quota exceeded"}, "error: quota exceeded"},
		{"unknown error", errors.New("socket closed"), "error: " + genericCreateError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(base)
			f.agent.prepErr = tt.err
			accepted, ok := awaitResult(f.start(context.Background(), RunOptions{}))
			require.True(t, ok)
			assert.False(t, accepted)
			assert.Equal(t, StateCancel, f.ctrl.State())
			assert.Equal(t, tt.status, f.ui.lastStatus())
		})
	}
}

func TestController_Declined(t *testing.T) {
	f := newFixture(base)
	f.agent.decline = true
	accepted, ok := awaitResult(f.start(context.Background(), RunOptions{}))
	require.True(t, ok)
	assert.False(t, accepted)
	assert.Equal(t, StateCancel, f.ctrl.State())
	assert.Empty(t, f.ui.lastStatus())
}

func TestController_CancelWhileCreating(t *testing.T) {
	f := newFixture(base)
	f.agent.prepGate = make(chan struct{})
	done := f.start(context.Background(), RunOptions{})
	require.Eventually(t, f.inState(StateCreateSession), waitFor, tick)

	f.ctrl.PauseSession()
	f.ctrl.CancelSession()
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.False(t, accepted)
	assert.Equal(t, StateCancel, f.ctrl.State())
	assert.Nil(t, f.sessions.GetSession(testURI))
}

func TestController_MessagesDuringCreateAreKept(t *testing.T) {
	f := newFixture(base)
	f.agent.prepGate = make(chan struct{})
	done := f.start(context.Background(), RunOptions{})
	require.Eventually(t, f.inState(StateCreateSession), waitFor, tick)

	f.ctrl.PauseSession()
	close(f.agent.prepGate)
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.False(t, accepted)
	assert.Equal(t, StatePause, f.ctrl.State())
	assert.NotNil(t, f.sessions.GetSession(testURI))
}

func TestController_ContextCancelEndsRun(t *testing.T) {
	f := newFixture(base)
	ctx, cancel := context.WithCancel(context.Background())
	done := f.start(ctx, RunOptions{})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)

	cancel()
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.False(t, accepted)
	assert.Equal(t, StateCancel, f.ctrl.State())
}

func TestController_AutoSend(t *testing.T) {
	f := newFixture(base)
	att := []agent.Attachment{{Name: "notes.md", Content: "be brief"}}
	done := f.start(context.Background(), RunOptions{Message: "rename x", AutoSend: true, Attachments: att})

	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)
	require.Eventually(t, func() bool { return f.agent.invocations() == 1 }, waitFor, tick)
	f.agent.mu.Lock()
	req := f.agent.invoked[0]
	f.agent.mu.Unlock()
	assert.Equal(t, "rename x", req.Message)
	assert.Equal(t, att, req.Attachments)
	assert.Equal(t, testURI, req.Document.URI)
	assert.Equal(t, "rename x", f.ctrl.Session().LastInput())

	require.True(t, f.agent.send(nil))
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.ctrl.CancelSession()
	_, ok := awaitResult(done)
	require.True(t, ok)
}

func TestController_SeededMessageWithoutAutoSend(t *testing.T) {
	f := newFixture(base)
	done := f.start(context.Background(), RunOptions{Message: "draft"})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.ui.mu.Lock()
	assert.Equal(t, "draft", f.ui.input)
	f.ui.mu.Unlock()
	assert.Equal(t, 0, f.agent.invocations())

	f.ctrl.AcceptInput("   ")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateWaitForInput, f.ctrl.State(), "blank input is not sent")

	f.ctrl.CancelSession()
	_, ok := awaitResult(done)
	require.True(t, ok)
}

func TestController_CancelRequestKeepsSession(t *testing.T) {
	f := newFixture(base)
	done := f.start(context.Background(), RunOptions{})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.ctrl.AcceptInput("go")
	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)
	require.True(t, f.agent.send(pushEdits(testURI, insertLines(1, 2))))
	require.Eventually(t, func() bool { return f.applied() == 2 }, waitFor, tick)

	f.ctrl.CancelRequest()
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	assert.True(t, f.lastResponse().IsCanceled())
	assert.Equal(t, "N1\nN2\n"+base, f.doc.Text())
	assert.True(t, f.ctrl.HasEdits())

	f.ctrl.AcceptSession()
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.True(t, accepted)
}

func TestController_FilteredErrorKeepsEdits(t *testing.T) {
	f := newFixture(base)
	done := f.start(context.Background(), RunOptions{})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.ctrl.AcceptInput("go")
	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)
	require.True(t, f.agent.send(pushEdits(testURI, insertLines(1, 1))))
	require.True(t, f.agent.send(func(agent.Sink) error {
		return &agent.Error{Message: "filtered", Filtered: true}
	}))
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)

	assert.Equal(t, "N1\n"+base, f.doc.Text())
	assert.Equal(t, "error: filtered", f.ui.lastStatus())
	f.ctrl.CancelSession()
	_, ok := awaitResult(done)
	require.True(t, ok)
}

func TestController_FinishOnType(t *testing.T) {
	f := newFixture(base, withFinishOnType())
	sel := types.NewRange(3, 1, 3, 1)
	done := f.start(context.Background(), RunOptions{Selection: &sel})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)

	// inside the range: keeps going
	require.NoError(t, f.doc.ApplyEdits([]types.TextEdit{{Range: types.NewRange(3, 1, 3, 1), Text: "x"}}))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, StateWaitForInput, f.ctrl.State())

	require.NoError(t, f.doc.ApplyEdits([]types.TextEdit{{Range: types.NewRange(1, 1, 1, 1), Text: "y"}}))
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.True(t, accepted)
}

func TestController_ExternalEditUpdatesHunks(t *testing.T) {
	f := newFixture(base)
	done := f.start(context.Background(), RunOptions{})
	submitAndApply(t, f, 1)
	require.True(t, f.ctrl.HasEdits())
	assert.Equal(t, 1, f.ctrl.Session().Hunks().Pending())

	require.NoError(t, f.doc.ApplyEdits([]types.TextEdit{{Range: types.NewRange(1, 1, 2, 1), Text: ""}}))
	assert.False(t, f.ctrl.HasEdits())
	assert.Equal(t, 0, f.ctrl.Session().Hunks().Pending())

	f.ctrl.CancelSession()
	_, ok := awaitResult(done)
	require.True(t, ok)
}

func TestController_AcceptingLastHunkAcceptsSession(t *testing.T) {
	f := newFixture(base)
	done := f.start(context.Background(), RunOptions{})
	submitAndApply(t, f, 2)

	require.NoError(t, f.ctrl.AcceptHunk(nil))
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.True(t, accepted)
	assert.Equal(t, "N1\nN2\n"+base, f.doc.Text())
}

func TestController_DiscardingLastHunkCancelsSession(t *testing.T) {
	f := newFixture(base)
	done := f.start(context.Background(), RunOptions{})
	submitAndApply(t, f, 2)

	require.NoError(t, f.ctrl.DiscardHunk(nil))
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.False(t, accepted)
	assert.Equal(t, base, f.doc.Text())
	assert.Nil(t, f.ctrl.UnstashLastSession(), "decided hunks are not stashed")
}

func TestController_HunkNavigation(t *testing.T) {
	f := newFixture(base)
	assert.ErrorIs(t, f.ctrl.MoveHunk(true), ErrNoSession)

	sel := types.NewRange(1, 1, 4, 3)
	done := f.start(context.Background(), RunOptions{Selection: &sel})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.ctrl.AcceptInput("go")
	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)
	require.True(t, f.agent.send(pushEdits(testURI, []types.TextEdit{
		{Range: types.NewRange(1, 1, 1, 3), Text: "L1"},
		{Range: types.NewRange(4, 1, 4, 3), Text: "L4"},
	})))
	require.True(t, f.agent.send(nil))
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	require.Equal(t, 2, f.ctrl.Session().Hunks().Pending())

	require.NoError(t, f.ctrl.MoveHunk(true))
	assert.Equal(t, 1, f.editor.Cursor().Line)
	require.NoError(t, f.ctrl.MoveHunk(true))
	assert.Equal(t, 4, f.editor.Cursor().Line)
	require.NoError(t, f.ctrl.MoveHunk(false))
	assert.Equal(t, 1, f.editor.Cursor().Line)

	require.NoError(t, f.ctrl.ToggleDiff(nil))
	assert.True(t, f.ctrl.Session().Hunks().All()[0].DiffVisible)

	f.ctrl.CancelSession()
	_, ok := awaitResult(done)
	require.True(t, ok)
}

func TestController_ViewInChat(t *testing.T) {
	f := newFixture(base, withStash(false))
	done := f.start(context.Background(), RunOptions{})
	submitAndApply(t, f, 2)
	old := f.ctrl.Session()
	edited := f.doc.Text()

	f.ctrl.ViewInChat()
	_, ok := awaitResult(done)
	require.True(t, ok)
	assert.Equal(t, base, f.doc.Text())
	require.Len(t, f.panel.revealed, 1)
	assert.Same(t, old.Chat(), f.panel.revealed[0])

	groups := old.Chat().LastRequest().Response.EditGroups(testURI)
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Edits, 3)
	assert.Equal(t, 2, groups[0].State.Applied())

	// a session continuing the conversation writes the folded edit back
	resumed, err := f.sessions.CreateSession(context.Background(), f.doc, session.Hints{Transfer: old})
	require.NoError(t, err)
	done = f.start(context.Background(), RunOptions{ExistingSession: resumed})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	assert.Equal(t, edited, f.doc.Text())
	assert.True(t, f.ctrl.HasEdits())

	f.ctrl.AcceptSession()
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.True(t, accepted)
}

func TestController_ArrowOut(t *testing.T) {
	f := newFixture(base)
	sel := types.NewRange(2, 1, 2, 1)
	done := f.start(context.Background(), RunOptions{Selection: &sel})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.editor.SetCursor(types.Position{Line: 4, Column: 2})

	f.ctrl.ArrowOut(false)
	assert.Equal(t, types.Position{Line: 4, Column: 2}, f.editor.Cursor(), "ignored without widget focus")

	f.ui.mu.Lock()
	f.ui.hasFocus = true
	f.ui.mu.Unlock()
	f.ctrl.ArrowOut(false)
	assert.Equal(t, types.Position{Line: 3, Column: 2}, f.editor.Cursor())
	f.ctrl.ArrowOut(true)
	assert.Equal(t, types.Position{Line: 2, Column: 2}, f.editor.Cursor())
	assert.Equal(t, 2, f.editor.focused)

	f.ctrl.Focus()
	assert.True(t, f.ui.focused)

	f.ctrl.CancelSession()
	_, ok := awaitResult(done)
	require.True(t, ok)
}

func TestController_PanicForcesPause(t *testing.T) {
	f := newFixture(base)
	f.ui.show = func() { panic("widget exploded") }

	accepted, ok := awaitResult(f.start(context.Background(), RunOptions{}))
	require.True(t, ok)
	assert.False(t, accepted)
	assert.Equal(t, StatePause, f.ctrl.State())
	assert.False(t, f.ctrl.IsActive())
	assert.Equal(t, []string{"create:" + testURI, "release:canceled"}, f.sessions.entries())
}

func TestController_Rerun(t *testing.T) {
	f := newFixture(base)
	assert.ErrorIs(t, f.ctrl.Rerun(context.Background()), ErrNoSession)

	done := f.start(context.Background(), RunOptions{})
	submitAndApply(t, f, 2)
	require.Equal(t, "N1\nN2\n"+base, f.doc.Text())

	require.NoError(t, f.ctrl.Rerun(context.Background()))
	require.Eventually(t, func() bool { return f.agent.invocations() == 2 }, waitFor, tick)
	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)
	require.Eventually(t, func() bool { return f.doc.Text() == base }, waitFor, tick)

	require.True(t, f.agent.send(pushEdits(testURI, []types.TextEdit{{Range: types.NewRange(1, 1, 1, 1), Text: "R\n"}})))
	require.True(t, f.agent.send(nil))
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	assert.Equal(t, "R\n"+base, f.doc.Text())
	assert.Len(t, f.ctrl.Session().Chat().Requests(), 1)

	f.ctrl.AcceptSession()
	_, ok := awaitResult(done)
	require.True(t, ok)
}

func TestController_MoveContinuesInOtherDocument(t *testing.T) {
	const otherURI = "file:///work/other.go"
	f := newFixture(base)
	other := f.ws.Open(otherURI, "o1\no2\n")

	done := f.start(context.Background(), RunOptions{})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.ctrl.AcceptInput("split this")
	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)
	model := f.ctrl.Session().Chat()

	require.True(t, f.agent.send(pushEdits(testURI, insertLines(1, 1))))
	require.Eventually(t, func() bool { return strings.HasPrefix(f.doc.Text(), "N1\n") }, waitFor, tick)
	require.True(t, f.agent.send(func(s agent.Sink) error {
		s.Move(otherURI, types.NewRange(2, 1, 2, 1))
		return nil
	}))

	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.False(t, accepted)
	assert.Equal(t, base, f.doc.Text(), "the source document is reverted")
	assert.Contains(t, f.sessions.entries(), "release:moved")

	target := f.registry.Lookup(otherURI)
	require.NotNil(t, target)
	require.Eventually(t, func() bool { return target.State() == StateShowRequest }, waitFor, tick)
	assert.Same(t, model, target.Session().Chat())

	require.True(t, f.agent.send(pushEdits(otherURI, insertLines(2, 1))))
	require.True(t, f.agent.send(nil))
	require.Eventually(t, func() bool { return target.State() == StateWaitForInput }, waitFor, tick)
	assert.Equal(t, "o1\nN2\no2\n", other.Text())
	assert.True(t, f.uiFor(otherURI).isShown())

	target.AcceptSession()
	require.Eventually(t, func() bool { return target.State() == StateAccept }, waitFor, tick)
}

func TestController_ResendWhileStreamingIsShown(t *testing.T) {
	f := newFixture(base)
	done := f.start(context.Background(), RunOptions{})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.ctrl.AcceptInput("go")
	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)
	require.True(t, f.agent.send(pushEdits(testURI, insertLines(1, 1))))
	require.Eventually(t, func() bool { return f.applied() == 1 }, waitFor, tick)

	model := f.ctrl.Session().Chat()
	first := model.LastRequest()
	_, err := f.chat.ResendRequest(context.Background(), model, first.ID, f.ctrl.Session().ID())
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.agent.invocations() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return f.doc.Text() == base }, waitFor, tick)

	require.True(t, f.agent.send(pushEdits(testURI, []types.TextEdit{{Range: types.NewRange(1, 1, 1, 1), Text: "R\n"}})))
	require.True(t, f.agent.send(nil))
	require.Eventually(t, func() bool { return f.doc.Text() == "R\n"+base }, waitFor, tick)
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)

	f.ctrl.CancelSession()
	_, ok := awaitResult(done)
	require.True(t, ok)
}

func TestController_RemovedRequestCancels(t *testing.T) {
	f := newFixture(base, withStash(false))
	done := f.start(context.Background(), RunOptions{})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.ctrl.AcceptInput("go")
	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)
	require.True(t, f.agent.send(pushEdits(testURI, insertLines(1, 1))))
	require.Eventually(t, func() bool { return f.applied() == 1 }, waitFor, tick)

	model := f.ctrl.Session().Chat()
	model.RemoveRequest(model.LastRequest().ID, chat.RemovalReasonRemoved)
	accepted, ok := awaitResult(done)
	require.True(t, ok)
	assert.False(t, accepted)
	assert.Equal(t, base, f.doc.Text())
}

func TestController_OnlyFirstBatchStartsUndoGroup(t *testing.T) {
	var rec *stopRecorder
	f := newFixture(base, withStrategy(func(sess *session.Session, opts strategy.Options) strategy.Strategy {
		rec = &stopRecorder{Strategy: strategy.NewLiveStrategy(sess, opts)}
		return rec
	}))
	done := f.start(context.Background(), RunOptions{})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.ctrl.AcceptInput("add lines")
	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)

	require.True(t, f.agent.send(pushEdits(testURI, insertLines(1, 1))))
	require.Eventually(t, func() bool { return f.applied() == 1 }, waitFor, tick)
	require.True(t, f.agent.send(pushEdits(testURI, insertLines(2, 2))))
	require.Eventually(t, func() bool { return f.applied() == 3 }, waitFor, tick)
	require.True(t, f.agent.send(nil))
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	assert.Equal(t, []bool{true, false}, rec.recorded())

	// the whole response is one undo step
	require.True(t, f.doc.Undo())
	assert.Equal(t, base, f.doc.Text())

	f.ctrl.AcceptInput("one more")
	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)
	require.True(t, f.agent.send(pushEdits(testURI, insertLines(1, 1))))
	require.True(t, f.agent.send(nil))
	require.Eventually(t, func() bool {
		return f.ctrl.State() == StateWaitForInput && len(rec.recorded()) == 3
	}, waitFor, tick)
	assert.Equal(t, []bool{true, false, true}, rec.recorded())

	f.ctrl.CancelSession()
	_, ok := awaitResult(done)
	require.True(t, ok)
}

func TestController_EditsPushedRightBeforeCompletionAreApplied(t *testing.T) {
	const n = 40
	var want strings.Builder
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&want, "N%d\n", i)
	}
	want.WriteString(base)

	for i := 0; i < 50; i++ {
		f := newFixture(base)
		done := f.start(context.Background(), RunOptions{})
		require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
		f.ctrl.AcceptInput("add lines")
		require.True(t, f.agent.send(burst(testURI, insertLines(1, n))), "iteration %d", i)

		require.Eventually(t, func() bool {
			resp := f.lastResponse()
			return resp != nil && resp.IsComplete() && f.applied() == n && f.ctrl.State() == StateWaitForInput
		}, waitFor, tick, "iteration %d", i)
		require.Equal(t, want.String(), f.doc.Text(), "iteration %d", i)
		assert.Equal(t, 1, f.ctrl.Session().Hunks().Pending(), "iteration %d", i)

		f.ctrl.CancelSession()
		_, ok := awaitResult(done)
		require.True(t, ok, "iteration %d", i)
	}
}

func TestController_UnstashReopensWidgetWhereItWas(t *testing.T) {
	f := newFixture(base)
	at := types.Position{Line: 3, Column: 1}
	done := f.start(context.Background(), RunOptions{Position: &at})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	f.ctrl.AcceptInput("explain this")
	require.Eventually(t, f.inState(StateShowRequest), waitFor, tick)
	require.True(t, f.agent.send(func(s agent.Sink) error {
		s.Text("nothing to change")
		return nil
	}))
	require.True(t, f.agent.send(nil))
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)

	f.ctrl.CancelSession()
	_, ok := awaitResult(done)
	require.True(t, ok)
	require.Nil(t, f.ui.AnchoredAt())

	sess := f.ctrl.UnstashLastSession()
	require.NotNil(t, sess)
	done = f.start(context.Background(), RunOptions{ExistingSession: sess})
	require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
	require.NotNil(t, f.ui.AnchoredAt())
	assert.Equal(t, at, *f.ui.AnchoredAt())

	f.ctrl.CancelSession()
	_, ok = awaitResult(done)
	require.True(t, ok)
}

func TestController_ReapplyChecksProducedAgainst(t *testing.T) {
	tests := []struct {
		name     string
		checksum func(f *fixture) string
		want     string
	}{
		{"same text", func(f *fixture) string { return f.doc.Checksum() }, "N1\n" + base},
		{"text changed since", func(*fixture) string { return "stale" }, base},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(base)
			sess, err := f.sessions.CreateSession(context.Background(), f.doc, session.Hints{})
			require.NoError(t, err)
			require.NotNil(t, sess)

			req := sess.Chat().AddRequest("add a line", nil)
			req.Response.PushEdits(testURI, insertLines(1, 1))
			req.Response.Complete(&chat.Result{})
			groups := req.Response.EditGroups(testURI)
			require.Len(t, groups, 1)
			req.Response.EnsureEditState(groups[0].ID, tt.checksum(f))

			done := f.start(context.Background(), RunOptions{ExistingSession: sess})
			require.Eventually(t, f.inState(StateWaitForInput), waitFor, tick)
			assert.Equal(t, tt.want, f.doc.Text())

			f.ctrl.CancelSession()
			_, ok := awaitResult(done)
			require.True(t, ok)
		})
	}
}
