package controller

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/opencode-ai/inlinechat/internal/async"
	"github.com/opencode-ai/inlinechat/internal/chat"
	"github.com/opencode-ai/inlinechat/internal/event"
	"github.com/opencode-ai/inlinechat/internal/session"
	"github.com/opencode-ai/inlinechat/internal/strategy"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

// stopsRequest reports whether m ends the response being streamed.
func (m Message) stopsRequest() bool {
	return m.AcceptSession || m.CancelSession || m.PauseSession || m.CancelRequest || m.CancelInput
}

// wakeAction is what the streaming loop does after a wake-up.
type wakeAction int

const (
	keepStreaming wakeAction = iota
	followMove
	requestRemoved
	stopRequest
	requestDone
)

type wakeInput struct {
	msgs     Message
	move     bool
	removed  bool
	complete bool
}

// decideWake orders the reasons to leave the streaming loop. A move wins
// over everything, including a cancel that arrived at the same time.
func decideWake(in wakeInput) wakeAction {
	switch {
	case in.move:
		return followMove
	case in.removed:
		return requestRemoved
	case in.complete:
		return requestDone
	case in.msgs.stopsRequest():
		return stopRequest
	}
	return keepStreaming
}

// progress applies the edits of one response in arrival order.
type progress struct {
	ctx      context.Context
	cancel   context.CancelFunc
	queue    *async.Queue
	avg      async.MovingAverage
	enqueued map[string]int
	first    bool
	last     time.Time
}

func newProgress(ctx context.Context) *progress {
	pctx, cancel := context.WithCancel(ctx)
	return &progress{
		ctx:      pctx,
		cancel:   cancel,
		queue:    async.NewQueue(),
		enqueued: make(map[string]int),
		first:    true,
		last:     time.Now(),
	}
}

// guardObserver marks every batch written by the strategy as a self edit.
type guardObserver struct {
	session *session.Session
	guard   *session.SelfEditGuard
}

func (o *guardObserver) Start() { o.guard = o.session.BeginSelfEdit() }
func (o *guardObserver) Stop()  { o.guard.Release() }

func (c *Controller) showRequest(ctx context.Context, r *run, s showRequestState) sessionState {
	sess := r.session
	model := sess.Chat()

	if s.awaitRequest {
		if next := c.awaitResent(ctx, r); next != nil {
			return next
		}
	}
	req := model.LastRequest()
	if req == nil {
		return waitForInputState{}
	}
	c.undoResent(r)

	ui := c.deps.UI
	ui.SetValidationDecorations(false)
	defer ui.SetValidationDecorations(true)

	versionAtStart := c.doc.AlternativeVersionID()
	r.mu.Lock()
	r.requestStart[req.ID] = versionAtStart
	r.mu.Unlock()

	p := newProgress(ctx)
	defer p.cancel()

	resp := req.Response
	poke := make(chan struct{}, 1)
	wake := func() {
		select {
		case poke <- struct{}{}:
		default:
		}
	}
	var removal atomic.Pointer[chat.RemovalReason]
	unsubResp := resp.Subscribe(wake)
	defer unsubResp()
	unsubModel := model.Subscribe(func(ev chat.ModelEvent) {
		if ev.Kind == chat.EventRemoveRequest && ev.Request == req {
			reason := ev.Reason
			removal.Store(&reason)
		}
		wake()
	})
	defer unsubModel()
	wake()

	var msgs Message
	skipMove := false
	for done := false; !done; {
		f := r.box.next()
		select {
		case <-poke:
			r.box.abandon(f)
		case <-f.Done():
			msgs = msgs.Merge(r.box.release(f))
		}

		// read before the snapshot: a complete response holds every edit
		complete := resp.IsComplete()
		if !resp.IsCanceled() {
			c.enqueueEdits(r, req, p)
		}
		var move *types.MovePart
		if !skipMove {
			move = findMove(resp, c.uri)
		}

		switch decideWake(wakeInput{
			msgs:     msgs,
			move:     move != nil,
			removed:  removal.Load() != nil,
			complete: complete,
		}) {
		case followMove:
			<-p.queue.WhenIdle()
			if next := c.move(ctx, r, move); next != nil {
				return next
			}
			skipMove = true
		case requestRemoved:
			p.cancel()
			done = true
		case stopRequest:
			c.deps.Chat.CancelCurrentRequest(model)
			resp.Cancel()
			p.cancel()
			done = true
		case requestDone:
			if resp.IsCanceled() {
				p.cancel()
			}
			done = true
		}
	}

	<-p.queue.WhenIdle()
	if err := p.queue.Err(); err != nil {
		c.log.Warn().Err(err).Str("requestID", req.ID).Msg("failed to apply edits")
	}

	if reason := removal.Load(); reason != nil {
		if *reason == chat.RemovalReasonResend {
			return showRequestState{awaitRequest: true}
		}
		return cancelState{}
	}

	if res := resp.Result(); res != nil && res.ErrorDetails != nil {
		if !res.ErrorDetails.ResponseIsFiltered {
			guard := sess.BeginSelfEdit()
			c.doc.UndoTo(versionAtStart)
			guard.Release()
		}
		ui.UpdateStatus(res.ErrorDetails.Message, StatusError)
	}

	if err := sess.RecomputeHunks(); err != nil {
		c.log.Warn().Err(err).Msg("failed to recompute hunks")
	}
	hasEdits := sess.HasChangedText()
	c.setHasEdits(hasEdits)
	c.publish(event.HunksUpdated, event.HunksUpdatedData{
		SessionID: sess.ID(),
		URI:       c.uri,
		Total:     sess.Hunks().Size(),
		Pending:   sess.Hunks().Pending(),
		HasEdits:  hasEdits,
	})
	if anchor := r.strategy.RenderChanges(); anchor != nil {
		r.mu.Lock()
		r.anchor = anchor
		r.mu.Unlock()
		ui.UpdatePositionAndHeight(*anchor)
	}

	switch {
	case msgs.CancelSession || msgs.CancelInput:
		return cancelState{}
	case msgs.PauseSession:
		return pauseState{}
	case msgs.AcceptSession:
		return acceptState{}
	}
	if msgs.AcceptInput {
		r.box.requeue(Message{AcceptInput: true})
	}
	return waitForInputState{}
}

// awaitResent waits for the request that replaces a resent one.
func (c *Controller) awaitResent(ctx context.Context, r *run) sessionState {
	added := r.added.next()
	defer r.added.release(added)
	if last := r.session.Chat().LastRequest(); last != nil && !last.Response.IsComplete() {
		return nil
	}
	f := r.box.next()
	select {
	case <-added.Done():
		r.box.abandon(f)
		return nil
	case <-f.Done():
		return c.afterInput(ctx, r, r.box.release(f))
	}
}

// undoResent reverts the changes of a request that was sent again.
func (c *Controller) undoResent(r *run) {
	r.mu.Lock()
	v := r.undoTo
	r.undoTo = nil
	r.mu.Unlock()
	if v == nil {
		return
	}
	guard := r.session.BeginSelfEdit()
	if !c.doc.UndoTo(*v) {
		c.log.Warn().Int("version", *v).Msg("could not undo resent request")
	}
	guard.Release()
	if err := r.session.RecomputeHunks(); err != nil {
		c.log.Warn().Err(err).Msg("failed to recompute hunks")
	}
}

// enqueueEdits queues the edits for this document that arrived since the
// last wake-up.
func (c *Controller) enqueueEdits(r *run, req *chat.Request, p *progress) {
	if p.ctx.Err() != nil {
		return
	}
	resp := req.Response
	for _, g := range resp.EditGroups(c.uri) {
		state := resp.EnsureEditState(g.ID, c.doc.Checksum())
		n, seen := p.enqueued[g.ID]
		if !seen {
			n = state.Applied()
		}
		if n >= len(g.Edits) {
			p.enqueued[g.ID] = n
			continue
		}
		batch := g.Edits[n:]
		p.enqueued[g.ID] = len(g.Edits)

		now := time.Now()
		p.avg.Update(float64(now.Sub(p.last).Milliseconds()))
		p.last = now
		undoStop := p.first
		p.first = false
		timing := strategy.Timing{Duration: p.avg.Duration()}

		p.queue.Enqueue(func() error {
			return c.applyBatch(p.ctx, r, req, state, batch, timing, undoStop)
		})
	}
}

func (c *Controller) applyBatch(ctx context.Context, r *run, req *chat.Request, state *types.EditGroupState, edits []types.TextEdit, timing strategy.Timing, undoStop bool) error {
	if ctx.Err() != nil || req.Response.IsCanceled() {
		return nil
	}
	sess := r.session
	guard := sess.BeginSelfEdit()
	defer guard.Release()

	n, err := r.strategy.MakeProgressiveChanges(ctx, edits, &guardObserver{session: sess}, timing, undoStop)
	if n > 0 {
		if aerr := state.Advance(guard, n); aerr != nil {
			return aerr
		}
	}
	if err != nil {
		return err
	}

	c.publish(event.EditsApplied, event.EditsAppliedData{
		SessionID: sess.ID(),
		RequestID: req.ID,
		URI:       c.uri,
		Count:     n,
		Applied:   state.Applied(),
	})
	c.reanchor(r, sess.WholeRange().Range().Start)
	return nil
}

// reanchor moves the widget to pos when the range start moved or the widget
// sits elsewhere.
func (c *Controller) reanchor(r *run, pos types.Position) {
	r.mu.Lock()
	moved := r.anchor == nil || *r.anchor != pos
	r.anchor = &pos
	r.mu.Unlock()
	if at := c.deps.UI.AnchoredAt(); moved || at == nil || *at != pos {
		c.deps.UI.UpdatePositionAndHeight(pos)
	}
}

// findMove returns the first move of resp to another document.
func findMove(resp *chat.Response, uri string) *types.MovePart {
	for _, p := range resp.Value() {
		if mv, ok := p.(*types.MovePart); ok && mv.URI != uri {
			return mv
		}
	}
	return nil
}

// move continues the session in another document. It returns nil when the
// move cannot be carried out and streaming should go on here.
func (c *Controller) move(ctx context.Context, r *run, mv *types.MovePart) sessionState {
	if c.deps.Registry == nil {
		c.log.Warn().Str("target", mv.URI).Msg("cannot move session without a registry")
		return nil
	}
	target, err := c.deps.Registry.ForDocument(mv.URI)
	if err != nil {
		c.log.Warn().Err(err).Str("target", mv.URI).Msg("cannot move session")
		return nil
	}
	rng := mv.Range
	sess, err := c.deps.Sessions.CreateSession(ctx, target.Document(), session.Hints{
		Selection:  rng,
		WholeRange: &rng,
		Transfer:   r.session,
	})
	if err != nil || sess == nil {
		c.log.Warn().Err(err).Str("target", mv.URI).Msg("failed to create session for move")
		return nil
	}

	c.log.Info().Str("session", r.session.ID()).Str("target", mv.URI).Msg("moving session")
	start := rng.Start
	go target.Run(context.WithoutCancel(ctx), RunOptions{ExistingSession: sess, Position: &start})
	return cancelState{moved: true}
}
