package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/opencode-ai/inlinechat/internal/chat"
	"github.com/opencode-ai/inlinechat/internal/diff"
	"github.com/opencode-ai/inlinechat/internal/hunk"
	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

// Session is one inline editing session on a document.
type Session struct {
	id          string
	projectID   string
	placeholder string
	created     time.Time

	textModel0 *textmodel.Model
	textModelN *textmodel.Model
	wholeRange *RangeTracker
	hunks      *hunk.Store
	chat       *chat.Model

	selfEdits atomic.Int32

	mu          sync.Mutex
	isUnstashed bool
	resumeAt    *types.Position
	lastInput   string
}

// Options configure a new session.
type Options struct {
	ID          string
	ProjectID   string
	Placeholder string
	Diff        diff.Options
	// Chat is the conversation to continue. Nil starts a new one.
	Chat *chat.Model
}

// New starts a session on doc. The baseline is a copy of doc as it is now.
func New(doc *textmodel.Model, wholeRange types.Range, opts Options) (*Session, error) {
	s := &Session{
		id:          opts.ID,
		projectID:   opts.ProjectID,
		placeholder: opts.Placeholder,
		created:     time.Now(),
		textModel0:  doc.Clone(doc.URI() + "#baseline"),
		textModelN:  doc,
		chat:        opts.Chat,
	}
	if s.chat == nil {
		s.chat = chat.NewModel()
	}

	tracker, err := NewRangeTracker(doc, wholeRange)
	if err != nil {
		return nil, err
	}
	s.wholeRange = tracker

	diffOpts := opts.Diff
	s.hunks = hunk.NewStore(s.textModel0, s.textModelN,
		func(original, modified string) (*diff.Result, error) {
			return diff.Compute(original, modified, diffOpts)
		},
		func() hunk.Guard { return s.BeginSelfEdit() },
	)
	return s, nil
}

func (s *Session) ID() string                   { return s.id }
func (s *Session) ProjectID() string            { return s.projectID }
func (s *Session) URI() string                  { return s.textModelN.URI() }
func (s *Session) Placeholder() string          { return s.placeholder }
func (s *Session) Created() time.Time           { return s.created }
func (s *Session) TextModel0() *textmodel.Model { return s.textModel0 }
func (s *Session) TextModelN() *textmodel.Model { return s.textModelN }
func (s *Session) WholeRange() *RangeTracker    { return s.wholeRange }
func (s *Session) Hunks() *hunk.Store           { return s.hunks }
func (s *Session) Chat() *chat.Model            { return s.chat }

// IsUnstashed reports whether the session was resumed from the stash.
func (s *Session) IsUnstashed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isUnstashed
}

func (s *Session) markUnstashed(anchor types.Position) {
	s.mu.Lock()
	s.isUnstashed = true
	s.resumeAt = &anchor
	s.mu.Unlock()
}

// TakeResumeAnchor returns where the widget was when the session was
// stashed. It reports false once taken or when the session was never
// unstashed.
func (s *Session) TakeResumeAnchor() (types.Position, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resumeAt == nil {
		return types.Position{}, false
	}
	at := *s.resumeAt
	s.resumeAt = nil
	return at, true
}

// LastInput is the text last submitted in this session.
func (s *Session) LastInput() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastInput
}

// SetLastInput records the submitted text.
func (s *Session) SetLastInput(text string) {
	s.mu.Lock()
	s.lastInput = text
	s.mu.Unlock()
}

// HasChangedText reports whether the live document differs from the baseline.
func (s *Session) HasChangedText() bool {
	return s.textModel0.Text() != s.textModelN.Text()
}

// RecomputeHunks diffs the documents again.
func (s *Session) RecomputeHunks() error {
	return s.hunks.Refresh()
}

// Record summarizes the session for persistence.
func (s *Session) Record(outcome types.SessionOutcome) types.SessionRecord {
	rec := types.SessionRecord{
		ID:        s.id,
		ProjectID: s.projectID,
		URI:       s.URI(),
		Outcome:   outcome,
		Hunks:     s.hunks.Summary(),
		Time: types.SessionTime{
			Created:  s.created.UnixMilli(),
			Released: time.Now().UnixMilli(),
		},
	}
	for _, r := range s.chat.Requests() {
		rr := types.RequestRecord{ID: r.ID, Message: r.Message}
		for _, g := range r.Response.EditGroups("") {
			rr.Edits += len(g.Edits)
		}
		if res := r.Response.Result(); res != nil && res.ErrorDetails != nil {
			rr.Error = res.ErrorDetails.Message
		}
		rec.Requests = append(rec.Requests, rr)
	}
	return rec
}

func (s *Session) dispose() {
	s.wholeRange.Dispose()
}
