// Package strategy applies agent edits to the live document of a session.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/inlinechat/internal/hunk"
	"github.com/opencode-ai/inlinechat/internal/logging"
	"github.com/opencode-ai/inlinechat/internal/session"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

// Decoration classes emitted by RenderChanges.
const (
	ClassWholeRange = "inline-chat-whole-range"
	ClassInserted   = "inline-chat-inserted"
	ClassOriginal   = "inline-chat-original"
)

// ErrDisposed is returned by operations on a disposed strategy.
var ErrDisposed = errors.New("strategy disposed")

// EditObserver is notified around every batch of edits.
type EditObserver interface {
	Start()
	Stop()
}

// Timing paces progressive edits. Duration is the time budget of one batch.
type Timing struct {
	Duration time.Duration
}

// Renderer draws decorations for a document.
type Renderer interface {
	RenderDecorations(uri string, decorations []types.Decoration)
}

// Strategy applies, reverts and finalizes the edits of a session.
type Strategy interface {
	MakeChanges(edits []types.TextEdit, obs EditObserver, undoStopBefore bool) error
	// MakeProgressiveChanges applies edits one by one and returns how many
	// were applied before ctx ended.
	MakeProgressiveChanges(ctx context.Context, edits []types.TextEdit, obs EditObserver, timing Timing, undoStopBefore bool) (int, error)
	// Cancel reverts every change made since the strategy was created and
	// returns the edits that redo them.
	Cancel() ([]types.TextEdit, error)
	// Apply keeps every pending change.
	Apply() error
	// RenderChanges refreshes decorations and returns where the widget should
	// be anchored, or nil to leave it where it is.
	RenderChanges() *types.Position
	WholeRangeDecoration() []types.Decoration
	PerformHunkAction(h *hunk.Hunk, action hunk.Action) (*hunk.Hunk, error)
	// OnResolved registers fn to run when the last pending hunk is resolved.
	OnResolved(fn func(allDiscarded bool)) func()
	Dispose()
}

// Options configure a LiveStrategy.
type Options struct {
	Renderer Renderer
	// Pace streams each edit word by word within Timing.Duration.
	Pace bool
	// MaxWordDelay caps the pause between two words.
	MaxWordDelay time.Duration
}

// LiveStrategy writes edits straight into the live document.
type LiveStrategy struct {
	session  *session.Session
	renderer Renderer
	pace     bool
	maxDelay time.Duration
	log      zerolog.Logger

	versionAtStart int

	mu        sync.Mutex
	disposed  bool
	listeners map[int]func(bool)
	nextID    int
}

var _ Strategy = (*LiveStrategy)(nil)

// NewLiveStrategy creates a strategy for sess. Everything written to the
// document from now on is reverted by Cancel.
func NewLiveStrategy(sess *session.Session, opts Options) *LiveStrategy {
	maxDelay := opts.MaxWordDelay
	if maxDelay == 0 {
		maxDelay = 50 * time.Millisecond
	}
	doc := sess.TextModelN()
	doc.PushStackElement()
	return &LiveStrategy{
		session:        sess,
		renderer:       opts.Renderer,
		pace:           opts.Pace,
		maxDelay:       maxDelay,
		log:            logging.Component("strategy"),
		versionAtStart: doc.AlternativeVersionID(),
		listeners:      make(map[int]func(bool)),
	}
}

func (s *LiveStrategy) isDisposed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disposed
}

// MakeChanges applies edits in one step.
func (s *LiveStrategy) MakeChanges(edits []types.TextEdit, obs EditObserver, undoStopBefore bool) error {
	if s.isDisposed() {
		return ErrDisposed
	}
	if obs != nil {
		obs.Start()
		defer obs.Stop()
	}
	doc := s.session.TextModelN()
	if undoStopBefore {
		doc.PushStackElement()
	}
	return doc.ApplyEdits(edits)
}

// MakeProgressiveChanges applies edits in order. An edit that has started is
// always finished, so cancellation never leaves half an edit behind.
func (s *LiveStrategy) MakeProgressiveChanges(ctx context.Context, edits []types.TextEdit, obs EditObserver, timing Timing, undoStopBefore bool) (int, error) {
	if s.isDisposed() {
		return 0, ErrDisposed
	}
	if obs != nil {
		obs.Start()
		defer obs.Stop()
	}
	doc := s.session.TextModelN()

	var perEdit time.Duration
	if s.pace && len(edits) > 0 {
		perEdit = timing.Duration / time.Duration(len(edits))
	}

	for i, e := range edits {
		if ctx.Err() != nil {
			return i, nil
		}
		if i == 0 && undoStopBefore {
			doc.PushStackElement()
		}
		if err := s.applyPaced(ctx, e, perEdit); err != nil {
			return i, fmt.Errorf("failed to apply edit %d: %w", i, err)
		}
	}
	return len(edits), nil
}

func (s *LiveStrategy) applyPaced(ctx context.Context, e types.TextEdit, budget time.Duration) error {
	doc := s.session.TextModelN()
	words := splitWords(e.Text)
	if budget <= 0 || len(words) < 2 {
		return doc.ApplyEdits([]types.TextEdit{e})
	}

	delay := budget / time.Duration(len(words))
	if delay > s.maxDelay {
		delay = s.maxDelay
	}

	if err := doc.ApplyEdits([]types.TextEdit{{Range: e.Range, Text: words[0]}}); err != nil {
		return err
	}
	start, err := doc.OffsetAt(e.Range.Start)
	if err != nil {
		return err
	}
	offset := start + len(words[0])

	for i := 1; i < len(words); i++ {
		text := words[i]
		if ctx.Err() != nil {
			text = strings.Join(words[i:], "")
		} else {
			select {
			case <-ctx.Done():
				text = strings.Join(words[i:], "")
			case <-time.After(delay):
			}
		}
		at := doc.PositionAt(offset)
		if err := doc.ApplyEdits([]types.TextEdit{{Range: types.Range{Start: at, End: at}, Text: text}}); err != nil {
			return err
		}
		offset += len(text)
		if text != words[i] {
			return nil
		}
	}
	return nil
}

// splitWords cuts text into chunks that each end after a run of whitespace.
func splitWords(text string) []string {
	var words []string
	start := 0
	inSpace := false
	for i := 0; i < len(text); i++ {
		space := text[i] == ' ' || text[i] == '\t' || text[i] == '\n'
		if inSpace && !space {
			words = append(words, text[start:i])
			start = i
		}
		inSpace = space
	}
	if start < len(text) {
		words = append(words, text[start:])
	}
	return words
}

// Cancel undoes everything written since the strategy was created and
// discards whatever pending hunks remain.
func (s *LiveStrategy) Cancel() ([]types.TextEdit, error) {
	if s.isDisposed() {
		return nil, ErrDisposed
	}
	sess := s.session
	doc := sess.TextModelN()

	guard := sess.BeginSelfEdit()
	defer guard.Release()

	after := doc.Text()
	if doc.AlternativeVersionID() != s.versionAtStart && !doc.UndoTo(s.versionAtStart) {
		// the undo stack was lost; restore the baseline text directly
		s.log.Warn().Str("uri", doc.URI()).Msg("undo stack exhausted, restoring baseline")
		doc.PushStackElement()
		if err := doc.ApplyEdits([]types.TextEdit{{Range: doc.FullRange(), Text: sess.TextModel0().Text()}}); err != nil {
			return nil, fmt.Errorf("failed to restore baseline: %w", err)
		}
	}
	// changes from earlier runs of a resumed session are not on this
	// strategy's part of the undo stack
	if err := sess.RecomputeHunks(); err != nil {
		return nil, err
	}
	if err := sess.Hunks().DiscardAll(); err != nil {
		return nil, fmt.Errorf("failed to discard hunks: %w", err)
	}
	sess.Hunks().Reset()
	before := doc.Text()
	if after == before {
		return nil, nil
	}
	return []types.TextEdit{doc.EditTo(after)}, nil
}

// Apply accepts every pending hunk.
func (s *LiveStrategy) Apply() error {
	if s.isDisposed() {
		return ErrDisposed
	}
	if err := s.session.Hunks().AcceptAll(); err != nil {
		return err
	}
	s.session.TextModelN().PushStackElement()
	return nil
}

// RenderChanges draws the whole range and the pending hunks. The widget is
// anchored at the first pending hunk.
func (s *LiveStrategy) RenderChanges() *types.Position {
	if s.isDisposed() {
		return nil
	}
	doc := s.session.TextModelN()
	decorations := s.WholeRangeDecoration()

	var anchor *types.Position
	for _, h := range s.session.Hunks().All() {
		if h.State != hunk.Pending {
			continue
		}
		if anchor == nil {
			anchor = &types.Position{Line: h.Modified.Start, Column: 1}
		}
		if !h.Modified.IsEmpty() {
			decorations = append(decorations, types.Decoration{
				Range:       doc.LineRangeToRange(h.Modified),
				Class:       ClassInserted,
				WholeLine:   true,
				Description: h.ID,
			})
		}
		if h.DiffVisible && h.OriginalText != "" {
			at := types.Position{Line: h.Modified.Start, Column: 1}
			decorations = append(decorations, types.Decoration{
				Range:       types.Range{Start: at, End: at},
				Class:       ClassOriginal,
				HoverText:   h.OriginalText,
				Description: h.ID,
			})
		}
	}

	if s.renderer != nil {
		s.renderer.RenderDecorations(doc.URI(), decorations)
	}
	return anchor
}

// WholeRangeDecoration marks the range the session works on.
func (s *LiveStrategy) WholeRangeDecoration() []types.Decoration {
	return []types.Decoration{{
		Range:     s.session.WholeRange().Range(),
		Class:     ClassWholeRange,
		WholeLine: true,
	}}
}

// PerformHunkAction runs a hunk action and fires OnResolved listeners when no
// pending hunk remains.
func (s *LiveStrategy) PerformHunkAction(h *hunk.Hunk, action hunk.Action) (*hunk.Hunk, error) {
	if s.isDisposed() {
		return nil, ErrDisposed
	}
	store := s.session.Hunks()
	pendingBefore := store.Pending()

	res, err := store.PerformAction(h, action)
	if err != nil {
		return nil, err
	}
	s.RenderChanges()

	if (action == hunk.ActionAccept || action == hunk.ActionDiscard) && pendingBefore > 0 && store.Pending() == 0 {
		sum := store.Summary()
		s.resolved(sum.Accepted == 0 && sum.Discarded > 0)
	}
	return res, nil
}

// OnResolved registers fn and returns an unsubscribe func.
func (s *LiveStrategy) OnResolved(fn func(allDiscarded bool)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

func (s *LiveStrategy) resolved(allDiscarded bool) {
	s.mu.Lock()
	fns := make([]func(bool), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(allDiscarded)
	}
}

// Dispose clears decorations. The document keeps its text.
func (s *LiveStrategy) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	s.listeners = map[int]func(bool){}
	s.mu.Unlock()

	if s.renderer != nil {
		s.renderer.RenderDecorations(s.session.URI(), nil)
	}
}
