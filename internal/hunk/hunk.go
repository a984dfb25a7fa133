// Package hunk tracks the change regions between a session's baseline and its
// live document, and the accept/discard decision made for each of them.
package hunk

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agnivade/levenshtein"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/inlinechat/internal/diff"
	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

// State is the lifecycle of a hunk.
type State int

const (
	Pending State = iota
	Accepted
	Discarded
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Discarded:
		return "discarded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Action is an operation on a hunk.
type Action int

const (
	ActionAccept Action = iota
	ActionDiscard
	ActionMoveNext
	ActionMovePrev
	ActionToggleDiff
)

func (a Action) String() string {
	switch a {
	case ActionAccept:
		return "accept"
	case ActionDiscard:
		return "discard"
	case ActionMoveNext:
		return "move-next"
	case ActionMovePrev:
		return "move-prev"
	case ActionToggleDiff:
		return "toggle-diff"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// similarityThreshold is the minimum modified-text similarity for a changed
// hunk to keep the identity of the one it replaces.
const similarityThreshold = 0.8

var (
	// ErrNoHunk is returned when an action has no hunk to act on.
	ErrNoHunk = errors.New("no such hunk")
	// ErrResolved is returned when accepting or discarding a resolved hunk.
	ErrResolved = errors.New("hunk already resolved")
)

// Hunk is one contiguous change region. Ranges are only meaningful for
// pending hunks; resolved hunks keep the ranges they had when decided.
type Hunk struct {
	ID           string
	Original     types.LineRange
	Modified     types.LineRange
	OriginalText string
	ModifiedText string
	State        State
	DiffVisible  bool
}

func (h *Hunk) identity() string {
	return h.OriginalText + "\x00" + h.ModifiedText
}

// Guard is released when a self-inflicted write to the live document ends.
type Guard interface {
	Release()
}

// Differ computes the diff between baseline and live text.
type Differ func(original, modified string) (*diff.Result, error)

// Store owns the hunks of one session.
type Store struct {
	mu sync.Mutex

	original  *textmodel.Model
	modified  *textmodel.Model
	differ    Differ
	beginEdit func() Guard

	hunks   []*Hunk
	focused string
}

// NewStore creates a store over a baseline (original) and live (modified) model.
// beginEdit must return a guard that marks writes to modified as self-inflicted.
func NewStore(original, modified *textmodel.Model, differ Differ, beginEdit func() Guard) *Store {
	return &Store{
		original:  original,
		modified:  modified,
		differ:    differ,
		beginEdit: beginEdit,
	}
}

// recompute replaces the pending hunks with the changes of a fresh diff.
// Resolved hunks are kept with their decision; pending hunks whose identity
// is unchanged keep their ID and diff toggle.
func (s *Store) recompute(res *diff.Result) {
	var resolved, previous []*Hunk
	for _, h := range s.hunks {
		if h.State == Pending {
			previous = append(previous, h)
		} else {
			resolved = append(resolved, h)
		}
	}

	byIdentity := make(map[string][]*Hunk, len(previous))
	for _, h := range previous {
		byIdentity[h.identity()] = append(byIdentity[h.identity()], h)
	}
	used := make(map[*Hunk]bool)

	var next []*Hunk
	if res != nil {
		for _, change := range res.Changes {
			h := &Hunk{
				Original:     change.Original,
				Modified:     change.Modified,
				OriginalText: s.original.LineRangeText(change.Original),
				ModifiedText: s.modified.LineRangeText(change.Modified),
				State:        Pending,
			}

			if prev := takeFirst(byIdentity[h.identity()], used); prev != nil {
				h.ID = prev.ID
				h.DiffVisible = prev.DiffVisible
			} else if prev := closest(previous, h, used); prev != nil {
				h.ID = prev.ID
				h.DiffVisible = prev.DiffVisible
			} else {
				h.ID = ulid.Make().String()
			}
			next = append(next, h)
		}
	}

	next = append(next, resolved...)
	sort.SliceStable(next, func(i, j int) bool {
		return next[i].Modified.Start < next[j].Modified.Start
	})
	s.hunks = next
}

func takeFirst(candidates []*Hunk, used map[*Hunk]bool) *Hunk {
	for _, c := range candidates {
		if !used[c] {
			used[c] = true
			return c
		}
	}
	return nil
}

// closest finds an unused pending hunk overlapping h whose modified text is
// similar enough to treat h as its continuation.
func closest(previous []*Hunk, h *Hunk, used map[*Hunk]bool) *Hunk {
	var best *Hunk
	bestScore := similarityThreshold
	for _, prev := range previous {
		if used[prev] || !prev.Original.Intersects(h.Original) {
			continue
		}
		if score := similarity(prev.ModifiedText, h.ModifiedText); score >= bestScore {
			best, bestScore = prev, score
		}
	}
	if best != nil {
		used[best] = true
	}
	return best
}

// similarity calculates normalized Levenshtein similarity.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1.0
	}
	if len(a) == 0 || len(b) == 0 {
		return 0.0
	}
	if len(a) > 10000 || len(b) > 10000 {
		maxLen := max(len(a), len(b))
		minLen := min(len(a), len(b))
		return float64(minLen) / float64(maxLen)
	}
	dist := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(dist)/float64(max(len(a), len(b)))
}

// Refresh diffs the two models again and recomputes the hunks. Listeners of
// the live model must not call back into the store while a self-edit guard
// is held: discards write to the live model under the lock.
func (s *Store) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refresh()
}

func (s *Store) refresh() error {
	res, err := s.differ(s.original.Text(), s.modified.Text())
	if err != nil {
		return fmt.Errorf("failed to diff session documents: %w", err)
	}
	s.recompute(res)
	return nil
}

// PerformAction applies an action to h, or to the first pending hunk when h
// is nil. Moves return the newly focused hunk; other actions return the
// hunk acted on.
func (s *Store) PerformAction(h *Hunk, action Action) (*Hunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch action {
	case ActionMoveNext, ActionMovePrev:
		return s.move(h, action == ActionMoveNext)
	}

	target := s.resolve(h)
	if target == nil {
		return nil, ErrNoHunk
	}

	switch action {
	case ActionAccept:
		if target.State != Pending {
			return nil, ErrResolved
		}
		if err := s.accept(target); err != nil {
			return nil, err
		}
	case ActionDiscard:
		if target.State != Pending {
			return nil, ErrResolved
		}
		if err := s.discard(target); err != nil {
			return nil, err
		}
	case ActionToggleDiff:
		target.DiffVisible = !target.DiffVisible
		copied := *target
		return &copied, nil
	default:
		return nil, fmt.Errorf("unknown hunk action %s", action)
	}

	decided := *target
	if err := s.refresh(); err != nil {
		return &decided, err
	}
	return &decided, nil
}

func (s *Store) resolve(h *Hunk) *Hunk {
	if h == nil {
		for _, x := range s.hunks {
			if x.State == Pending {
				return x
			}
		}
		return nil
	}
	for _, x := range s.hunks {
		if x.ID == h.ID {
			return x
		}
	}
	return nil
}

// accept folds the hunk's modified lines into the baseline.
func (s *Store) accept(h *Hunk) error {
	edit := types.TextEdit{
		Range: s.original.LineRangeToRange(h.Original),
		Text:  s.modified.LineRangeText(h.Modified),
	}
	if err := s.original.ApplyEdits([]types.TextEdit{edit}); err != nil {
		return fmt.Errorf("failed to accept hunk: %w", err)
	}
	h.State = Accepted
	return nil
}

// discard restores the hunk's original lines in the live document.
func (s *Store) discard(h *Hunk) error {
	guard := s.beginEdit()
	defer guard.Release()

	edit := types.TextEdit{
		Range: s.modified.LineRangeToRange(h.Modified),
		Text:  s.original.LineRangeText(h.Original),
	}
	s.modified.PushStackElement()
	if err := s.modified.ApplyEdits([]types.TextEdit{edit}); err != nil {
		return fmt.Errorf("failed to discard hunk: %w", err)
	}
	s.modified.PushStackElement()
	h.State = Discarded
	return nil
}

func (s *Store) move(h *Hunk, next bool) (*Hunk, error) {
	var pending []*Hunk
	for _, x := range s.hunks {
		if x.State == Pending {
			pending = append(pending, x)
		}
	}
	if len(pending) == 0 {
		return nil, ErrNoHunk
	}

	from := s.focused
	if h != nil {
		from = h.ID
	}
	idx := -1
	for i, x := range pending {
		if x.ID == from {
			idx = i
			break
		}
	}

	switch {
	case idx < 0 && next:
		idx = 0
	case idx < 0:
		idx = len(pending) - 1
	case next:
		idx = (idx + 1) % len(pending)
	default:
		idx = (idx - 1 + len(pending)) % len(pending)
	}

	s.focused = pending[idx].ID
	copied := *pending[idx]
	return &copied, nil
}

// AcceptAll accepts every pending hunk.
func (s *Store) AcceptAll() error {
	return s.resolveAll(s.accept)
}

// DiscardAll discards every pending hunk.
func (s *Store) DiscardAll() error {
	return s.resolveAll(s.discard)
}

func (s *Store) resolveAll(fn func(*Hunk) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// bottom-up so earlier ranges stay valid
	for i := len(s.hunks) - 1; i >= 0; i-- {
		h := s.hunks[i]
		if h.State != Pending {
			continue
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return s.refresh()
}

// Size returns the number of hunks, resolved ones included.
func (s *Store) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.hunks)
}

// Pending returns the number of undecided hunks.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, h := range s.hunks {
		if h.State == Pending {
			n++
		}
	}
	return n
}

// All returns copies of every hunk ordered by position.
func (s *Store) All() []Hunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Hunk, len(s.hunks))
	for i, h := range s.hunks {
		out[i] = *h
	}
	return out
}

// Summary counts hunks by state.
func (s *Store) Summary() types.HunkSummary {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := types.HunkSummary{Total: len(s.hunks)}
	for _, h := range s.hunks {
		switch h.State {
		case Pending:
			sum.Pending++
		case Accepted:
			sum.Accepted++
		case Discarded:
			sum.Discarded++
		}
	}
	return sum
}

// Reset forgets every hunk.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hunks = nil
	s.focused = ""
}
