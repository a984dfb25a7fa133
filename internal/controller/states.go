package controller

import (
	"context"
	"errors"
	"strings"

	"github.com/opencode-ai/inlinechat/internal/agent"
	"github.com/opencode-ai/inlinechat/internal/chat"
	"github.com/opencode-ai/inlinechat/internal/session"
	"github.com/opencode-ai/inlinechat/internal/strategy"
	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

const genericCreateError = "Failed to start editor chat"

func (c *Controller) createSession(ctx context.Context, r *run) sessionState {
	r.selection = c.initialSelection(r.opts)

	sess := r.opts.ExistingSession
	if sess == nil {
		sess = c.deps.Sessions.GetSession(c.uri)
	}
	if sess == nil {
		var next sessionState
		if sess, next = c.startSession(ctx, r); next != nil {
			return next
		}
	}
	if sess.TextModelN() != c.doc {
		c.log.Error().Str("session", sess.ID()).Str("sessionURI", sess.URI()).Msg("session belongs to another document")
		return cancelState{}
	}
	c.attach(r, sess)
	return initUIState{}
}

func (c *Controller) initialSelection(opts RunOptions) types.Range {
	switch {
	case opts.Selection != nil:
		return *opts.Selection
	case opts.Position != nil:
		return types.Range{Start: *opts.Position, End: *opts.Position}
	}
	cur := c.deps.Editor.Cursor()
	return types.Range{Start: cur, End: cur}
}

// startSession creates a new session while listening for messages. Cancel
// messages abort creation; others are kept for the states that follow.
func (c *Controller) startSession(ctx context.Context, r *run) (*session.Session, sessionState) {
	cctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		sess *session.Session
		err  error
	}
	done := make(chan result, 1)
	hints := session.Hints{Selection: r.selection, WholeRange: r.opts.InitialRange}
	go func() {
		s, err := c.deps.Sessions.CreateSession(cctx, c.doc, hints)
		done <- result{sess: s, err: err}
	}()

	var deferred Message
	defer func() { r.box.requeue(deferred) }()

	for {
		f := r.box.next()
		select {
		case res := <-done:
			r.box.abandon(f)
			if res.err != nil {
				c.reportCreateError(res.err)
				return nil, cancelState{}
			}
			if res.sess == nil {
				c.log.Debug().Msg("agent declined the session")
				return nil, cancelState{}
			}
			return res.sess, nil
		case <-f.Done():
			m := r.box.release(f)
			if m.CancelSession || m.CancelInput {
				cancel()
				if res := <-done; res.sess != nil {
					c.deps.Sessions.ReleaseSession(res.sess, types.OutcomeCanceled)
				}
				deferred = Message{}
				return nil, cancelState{}
			}
			deferred = deferred.Merge(m)
		}
	}
}

func (c *Controller) reportCreateError(err error) {
	c.log.Warn().Err(err).Msg("failed to create session")
	msg := genericCreateError
	var agentErr *agent.Error
	if errors.As(err, &agentErr) || errors.Is(err, session.ErrExcluded) {
		msg = err.Error()
	}
	c.deps.UI.UpdateStatus(msg, StatusError)
}

func (c *Controller) attach(r *run, sess *session.Session) {
	st := c.deps.NewStrategy(sess, strategy.Options{
		Renderer: c.deps.Renderer,
		Pace:     c.deps.Config.ProgressiveEditsEnabled(),
	})
	r.session = sess
	r.strategy = st

	c.mu.Lock()
	c.session = sess
	c.strategy = st
	c.hasEdits = sess.HasChangedText()
	c.mu.Unlock()

	r.unsubs = append(r.unsubs,
		c.doc.Subscribe(func(ev textmodel.ChangeEvent) { c.onDocumentChanged(r, ev) }),
		st.OnResolved(func(allDiscarded bool) {
			if allDiscarded {
				r.box.post(Message{CancelSession: true})
			} else {
				r.box.post(Message{AcceptSession: true})
			}
		}),
		sess.Chat().Subscribe(func(ev chat.ModelEvent) { c.onChatEvent(r, ev) }),
	)
	c.log.Debug().Str("session", sess.ID()).Msg("session attached")
}

func (c *Controller) detach(r *run) {
	for _, unsub := range r.unsubs {
		unsub()
	}
	r.unsubs = nil
	if r.strategy != nil {
		r.strategy.Dispose()
	}
	c.mu.Lock()
	c.session = nil
	c.strategy = nil
	c.hasEdits = false
	c.mu.Unlock()
}

func (c *Controller) onChatEvent(r *run, ev chat.ModelEvent) {
	switch ev.Kind {
	case chat.EventAddRequest:
		r.added.fire(ev.Request)
	case chat.EventRemoveRequest:
		if ev.Reason != chat.RemovalReasonResend {
			return
		}
		r.mu.Lock()
		if v, ok := r.requestStart[ev.Request.ID]; ok {
			r.undoTo = &v
		}
		r.mu.Unlock()
	}
}

// onDocumentChanged handles edits made by the user while a session is attached.
func (c *Controller) onDocumentChanged(r *run, ev textmodel.ChangeEvent) {
	sess := r.session
	if sess.IgnoringChanges() {
		return
	}
	if c.deps.Config.FinishOnTypeEnabled() {
		wr := sess.WholeRange().Range()
		for _, ch := range ev.Changes {
			if ch.Range.End.Line < wr.Start.Line || ch.Range.Start.Line > wr.End.Line {
				r.box.post(Message{AcceptSession: true})
				break
			}
		}
	}
	if err := sess.RecomputeHunks(); err != nil {
		c.log.Warn().Err(err).Msg("failed to recompute hunks")
	}
	r.strategy.RenderChanges()
	c.setHasEdits(sess.HasChangedText())
}

func (c *Controller) initUI(r *run) sessionState {
	sess := r.session
	model := sess.Chat()
	c.deps.UI.SetDocumentModel(sess)

	inFlight := c.deps.Chat.HasPendingRequest(model)
	last := model.LastRequest()
	for _, req := range model.Requests() {
		resp := req.Response
		switch {
		case !resp.IsComplete() && inFlight && req == last:
		case !resp.IsComplete():
			c.log.Debug().Str("requestID", req.ID).Msg("discarding stale response")
			resp.Cancel()
		case !resp.IsCanceled():
			c.reapply(r, req)
		}
	}

	if err := sess.RecomputeHunks(); err != nil {
		c.log.Warn().Err(err).Msg("failed to recompute hunks")
	}
	c.setHasEdits(sess.HasChangedText())

	pos := sess.WholeRange().Range().Start
	anchor := r.strategy.RenderChanges()
	if at, ok := sess.TakeResumeAnchor(); ok {
		pos = at
	} else if anchor != nil {
		pos = *anchor
	} else if r.opts.Position != nil {
		pos = *r.opts.Position
	}
	r.mu.Lock()
	r.anchor = &pos
	r.mu.Unlock()
	c.deps.UI.Show(pos)

	if inFlight && last != nil && !last.Response.IsComplete() {
		return showRequestState{}
	}
	return waitForInputState{}
}

// reapply writes the edits of a finished response that never reached the
// document. A group none of whose edits landed is only written to the text
// it was produced against.
func (c *Controller) reapply(r *run, req *chat.Request) {
	resp := req.Response
	checksum := c.doc.Checksum()
	for _, g := range resp.EditGroups(c.uri) {
		state := resp.EnsureEditState(g.ID, checksum)
		applied := state.Applied()
		if applied >= len(g.Edits) {
			continue
		}
		if applied == 0 && state.BaselineChecksum() != checksum {
			c.log.Debug().Str("requestID", req.ID).Str("group", g.ID).Msg("document changed since edits were produced, skipping")
			continue
		}
		if err := c.applyEdits(r, state, g.Edits[applied:]); err != nil {
			c.log.Warn().Err(err).Str("requestID", req.ID).Msg("failed to reapply edits")
		}
	}
}

func (c *Controller) applyEdits(r *run, state *types.EditGroupState, edits []types.TextEdit) error {
	guard := r.session.BeginSelfEdit()
	defer guard.Release()
	for i, e := range edits {
		if err := r.strategy.MakeChanges([]types.TextEdit{e}, nil, i == 0); err != nil {
			return err
		}
		if err := state.Advance(guard, 1); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) waitForInput(ctx context.Context, r *run) sessionState {
	model := r.session.Chat()
	added := r.added.next()
	defer r.added.release(added)

	if msg := r.opts.Message; msg != "" {
		r.opts.Message = ""
		c.deps.UI.SetInput(msg)
		c.setInput(msg)
		if r.opts.AutoSend {
			c.takeInput()
			if c.submit(ctx, r, msg, r.opts.Attachments) {
				return showRequestState{}
			}
		}
	}

	if last := model.LastRequest(); last != nil && !last.Response.IsComplete() && last.Message != "" {
		return showRequestState{}
	}

	f := r.box.next()
	select {
	case <-added.Done():
		r.box.abandon(f)
		if req := added.Value(); req == nil || req.Message == "" {
			return waitForInputState{}
		}
		return showRequestState{}
	case <-f.Done():
		return c.afterInput(ctx, r, r.box.release(f))
	}
}

func (c *Controller) afterInput(ctx context.Context, r *run, m Message) sessionState {
	switch {
	case m.CancelInput || m.CancelSession:
		return cancelState{}
	case m.PauseSession:
		return pauseState{}
	case m.AcceptSession:
		c.deps.UI.SelectAll()
		return acceptState{}
	case m.AcceptInput:
		text := c.takeInput()
		if strings.TrimSpace(text) == "" {
			return waitForInputState{}
		}
		if c.submit(ctx, r, text, nil) {
			return showRequestState{}
		}
	}
	return waitForInputState{}
}

func (c *Controller) submit(ctx context.Context, r *run, text string, attachments []agent.Attachment) bool {
	sess := r.session
	sess.SetLastInput(text)
	_, err := c.deps.Chat.SendRequest(ctx, sess.Chat(), chat.SendOptions{
		SessionID:   sess.ID(),
		Message:     text,
		Attachments: attachments,
		Document: agent.DocumentContext{
			URI:        c.uri,
			Text:       c.doc.Text(),
			WholeRange: sess.WholeRange().Range(),
			Selection:  r.selection,
		},
	})
	if err != nil {
		c.log.Warn().Err(err).Msg("failed to send request")
		c.deps.UI.UpdateStatus(err.Error(), StatusError)
		return false
	}
	return true
}

func (c *Controller) pause(r *run) {
	c.deps.UI.Hide()
	c.detach(r)
}

func (c *Controller) cancel(r *run, s cancelState) {
	sess := r.session
	if sess == nil {
		c.deps.UI.Hide()
		return
	}
	if !s.moved {
		c.deps.Chat.CancelCurrentRequest(sess.Chat())
	}

	// decided before the revert discards the pending hunks
	hunks := sess.Hunks()
	stash := !s.moved &&
		c.deps.Config.StashEnabled() &&
		!sess.IsUnstashed() &&
		sess.Chat().HasCompletedRequest() &&
		hunks.Size() == hunks.Pending()
	anchor := sess.WholeRange().Range().Start
	r.mu.Lock()
	if r.anchor != nil {
		anchor = *r.anchor
	}
	r.mu.Unlock()

	redo, err := r.strategy.Cancel()
	if err != nil {
		c.log.Error().Err(err).Str("session", sess.ID()).Msg("failed to discard changes")
		c.deps.Dialogs.ShowError("Failed to discard changes", err.Error())
		stash = false
	}
	c.deps.UI.Hide()
	c.detach(r)

	if stash {
		c.deps.Sessions.StashSession(sess, anchor, redo)
		return
	}
	outcome := types.OutcomeCanceled
	if s.moved {
		outcome = types.OutcomeMoved
	}
	c.deps.Sessions.ReleaseSession(sess, outcome)
}

func (c *Controller) accept(r *run) bool {
	sess := r.session
	if err := r.strategy.Apply(); err != nil {
		c.log.Error().Err(err).Str("session", sess.ID()).Msg("failed to apply changes")
		c.deps.Dialogs.ShowError("Failed to apply changes", err.Error())
	}
	c.deps.UI.Hide()
	c.detach(r)
	c.deps.Sessions.ReleaseSession(sess, types.OutcomeAccepted)
	return true
}
