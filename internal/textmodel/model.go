// Package textmodel provides the in-memory documents edited by inline chat sessions.
package textmodel

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/opencode-ai/inlinechat/pkg/types"
)

// ErrInvalidRange is returned for ranges outside the document or overlapping edits.
var ErrInvalidRange = errors.New("invalid range")

// ContentChange describes one replaced span. Offsets are relative to the
// document as it was right before this change.
type ContentChange struct {
	Range       types.Range
	RangeOffset int
	RangeLength int
	Text        string
}

// ChangeEvent is delivered to listeners after a batch of changes.
type ChangeEvent struct {
	URI       string
	Changes   []ContentChange
	VersionID int
	IsUndoing bool
}

// Listener receives change events.
type Listener func(ChangeEvent)

type listenerEntry struct {
	id uint64
	fn Listener
}

// undoGroup holds the inverse edits of every change since the last stop, in
// application order.
type undoGroup struct {
	beforeAltVersion int
	inverses         []types.TextEdit
}

// Model is a versioned text document with an undo stack.
type Model struct {
	mu sync.RWMutex

	uri        string
	text       string
	lineStarts []int

	versionID    int
	altVersionID int

	undo []*undoGroup
	open *undoGroup

	listeners []listenerEntry
	nextID    uint64
}

// New creates a model holding text.
func New(uri, text string) *Model {
	m := &Model{uri: uri, versionID: 1, altVersionID: 1}
	m.setText(text)
	return m
}

func (m *Model) setText(text string) {
	m.text = text
	m.lineStarts = m.lineStarts[:0]
	m.lineStarts = append(m.lineStarts, 0)
	for i := 0; i < len(text); i++ {
		if text[i] == '\n' {
			m.lineStarts = append(m.lineStarts, i+1)
		}
	}
}

// URI returns the document identifier.
func (m *Model) URI() string { return m.uri }

// Text returns the full document text.
func (m *Model) Text() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.text
}

// Checksum returns the sha256 of the document text.
func (m *Model) Checksum() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sum := sha256.Sum256([]byte(m.text))
	return hex.EncodeToString(sum[:])
}

// VersionID increases with every change, including undo.
func (m *Model) VersionID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.versionID
}

// AlternativeVersionID returns to an earlier value when changes are undone.
func (m *Model) AlternativeVersionID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.altVersionID
}

// LineCount returns the number of lines. A trailing newline starts an empty last line.
func (m *Model) LineCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.lineStarts)
}

// LineContent returns a line without its terminator.
func (m *Model) LineContent(line int) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if line < 1 || line > len(m.lineStarts) {
		return ""
	}
	start, end := m.lineBounds(line)
	return m.text[start:end]
}

// lineBounds returns the offsets of a line's content, excluding the newline.
func (m *Model) lineBounds(line int) (int, int) {
	start := m.lineStarts[line-1]
	end := len(m.text)
	if line < len(m.lineStarts) {
		end = m.lineStarts[line] - 1
	}
	return start, end
}

// FullRange covers the whole document.
func (m *Model) FullRange() types.Range {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return types.Range{Start: types.Position{Line: 1, Column: 1}, End: m.positionAt(len(m.text))}
}

// PositionAt converts an offset into a position, clamping to the document.
func (m *Model) PositionAt(offset int) types.Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.positionAt(offset)
}

func (m *Model) positionAt(offset int) types.Position {
	if offset < 0 {
		offset = 0
	}
	if offset > len(m.text) {
		offset = len(m.text)
	}
	line := sort.Search(len(m.lineStarts), func(i int) bool { return m.lineStarts[i] > offset })
	return types.Position{Line: line, Column: offset - m.lineStarts[line-1] + 1}
}

// OffsetAt converts a position into an offset.
func (m *Model) OffsetAt(pos types.Position) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offsetAt(pos)
}

func (m *Model) offsetAt(pos types.Position) (int, error) {
	if pos.Line < 1 || pos.Line > len(m.lineStarts) {
		return 0, fmt.Errorf("%w: line %d of %d", ErrInvalidRange, pos.Line, len(m.lineStarts))
	}
	start, end := m.lineBounds(pos.Line)
	if pos.Column < 1 || start+pos.Column-1 > end {
		return 0, fmt.Errorf("%w: column %d on line %d", ErrInvalidRange, pos.Column, pos.Line)
	}
	return start + pos.Column - 1, nil
}

// ValueInRange returns the text covered by r.
func (m *Model) ValueInRange(r types.Range) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, end, err := m.rangeOffsets(r)
	if err != nil {
		return "", err
	}
	return m.text[start:end], nil
}

func (m *Model) rangeOffsets(r types.Range) (int, int, error) {
	start, err := m.offsetAt(r.Start)
	if err != nil {
		return 0, 0, err
	}
	end, err := m.offsetAt(r.End)
	if err != nil {
		return 0, 0, err
	}
	if end < start {
		return 0, 0, fmt.Errorf("%w: %s ends before it starts", ErrInvalidRange, r)
	}
	return start, end, nil
}

// LineRangeOffsets returns the byte span of whole lines [Start, EndExclusive).
// A range reaching past the last line ends at the end of the document.
func (m *Model) LineRangeOffsets(lr types.LineRange) (int, int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lineRangeOffsets(lr)
}

func (m *Model) lineRangeOffsets(lr types.LineRange) (int, int) {
	at := func(line int) int {
		if line < 1 {
			return 0
		}
		if line > len(m.lineStarts) {
			return len(m.text)
		}
		return m.lineStarts[line-1]
	}
	start := at(lr.Start)
	end := at(lr.EndExclusive)
	if end < start {
		end = start
	}
	return start, end
}

// LineRangeText returns the text of whole lines [Start, EndExclusive), newlines included.
func (m *Model) LineRangeText(lr types.LineRange) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, end := m.lineRangeOffsets(lr)
	return m.text[start:end]
}

// LineRangeToRange converts whole lines into a character range.
func (m *Model) LineRangeToRange(lr types.LineRange) types.Range {
	m.mu.RLock()
	defer m.mu.RUnlock()
	start, end := m.lineRangeOffsets(lr)
	return types.Range{Start: m.positionAt(start), End: m.positionAt(end)}
}

// EditTo returns the single edit that turns the document text into text,
// replacing only the span between their common prefix and suffix.
func (m *Model) EditTo(text string) types.TextEdit {
	m.mu.RLock()
	defer m.mu.RUnlock()
	old := m.text
	prefix := 0
	for prefix < len(old) && prefix < len(text) && old[prefix] == text[prefix] {
		prefix++
	}
	suffix := 0
	for suffix < len(old)-prefix && suffix < len(text)-prefix &&
		old[len(old)-1-suffix] == text[len(text)-1-suffix] {
		suffix++
	}
	return types.TextEdit{
		Range: types.Range{Start: m.positionAt(prefix), End: m.positionAt(len(old) - suffix)},
		Text:  text[prefix : len(text)-suffix],
	}
}

// Subscribe registers a change listener. Returns an unsubscribe function.
func (m *Model) Subscribe(fn Listener) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners = append(m.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, l := range m.listeners {
			if l.id == id {
				m.listeners = append(m.listeners[:i:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

type pendingEdit struct {
	start, end int
	text       string
}

// ApplyEdits applies edits that all refer to the current document state.
// They must not overlap. The inverse edits join the open undo group.
func (m *Model) ApplyEdits(edits []types.TextEdit) error {
	if len(edits) == 0 {
		return nil
	}

	m.mu.Lock()
	pending := make([]pendingEdit, 0, len(edits))
	for _, e := range edits {
		start, end, err := m.rangeOffsets(e.Range)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		pending = append(pending, pendingEdit{start: start, end: end, text: e.Text})
	}
	sort.SliceStable(pending, func(i, j int) bool { return pending[i].start > pending[j].start })
	for i := 1; i < len(pending); i++ {
		if pending[i].end > pending[i-1].start {
			m.mu.Unlock()
			return fmt.Errorf("%w: overlapping edits", ErrInvalidRange)
		}
	}

	if m.open == nil {
		m.open = &undoGroup{beforeAltVersion: m.altVersionID}
		m.undo = append(m.undo, m.open)
	}

	changes := make([]ContentChange, 0, len(pending))
	for _, p := range pending {
		change, inverse := m.splice(p.start, p.end, p.text)
		changes = append(changes, change)
		m.open.inverses = append(m.open.inverses, inverse)
	}
	m.versionID++
	m.altVersionID = m.versionID
	ev := ChangeEvent{URI: m.uri, Changes: changes, VersionID: m.versionID}
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	notify(listeners, ev)
	return nil
}

// splice replaces text[start:end] and returns the change plus its inverse.
func (m *Model) splice(start, end int, text string) (ContentChange, types.TextEdit) {
	change := ContentChange{
		Range:       types.Range{Start: m.positionAt(start), End: m.positionAt(end)},
		RangeOffset: start,
		RangeLength: end - start,
		Text:        text,
	}
	old := m.text[start:end]

	var b strings.Builder
	b.Grow(len(m.text) - (end - start) + len(text))
	b.WriteString(m.text[:start])
	b.WriteString(text)
	b.WriteString(m.text[end:])
	m.setText(b.String())

	inverse := types.TextEdit{
		Range: types.Range{Start: m.positionAt(start), End: m.positionAt(start + len(text))},
		Text:  old,
	}
	return change, inverse
}

// PushStackElement closes the open undo group so later edits undo separately.
func (m *Model) PushStackElement() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open = nil
}

// CanUndo reports whether an undo group is available.
func (m *Model) CanUndo() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.undo) > 0
}

// Undo reverts the most recent undo group. Returns false when there is nothing to undo.
func (m *Model) Undo() bool {
	m.mu.Lock()
	m.open = nil
	if len(m.undo) == 0 {
		m.mu.Unlock()
		return false
	}
	group := m.undo[len(m.undo)-1]
	m.undo = m.undo[:len(m.undo)-1]

	changes := make([]ContentChange, 0, len(group.inverses))
	for i := len(group.inverses) - 1; i >= 0; i-- {
		inv := group.inverses[i]
		start, end, err := m.rangeOffsets(inv.Range)
		if err != nil {
			// the stack no longer matches the text
			m.undo = nil
			break
		}
		change, _ := m.splice(start, end, inv.Text)
		changes = append(changes, change)
	}
	m.versionID++
	m.altVersionID = group.beforeAltVersion
	ev := ChangeEvent{URI: m.uri, Changes: changes, VersionID: m.versionID, IsUndoing: true}
	listeners := m.snapshotListeners()
	m.mu.Unlock()

	notify(listeners, ev)
	return true
}

// UndoTo undoes groups until the alternative version equals version or the
// stack is exhausted. Returns whether the version was reached.
func (m *Model) UndoTo(version int) bool {
	for m.AlternativeVersionID() != version {
		if !m.Undo() {
			return false
		}
	}
	return true
}

// Clone returns an independent model with the same text and no history.
func (m *Model) Clone(uri string) *Model {
	return New(uri, m.Text())
}

func (m *Model) snapshotListeners() []Listener {
	out := make([]Listener, len(m.listeners))
	for i, l := range m.listeners {
		out[i] = l.fn
	}
	return out
}

func notify(listeners []Listener, ev ChangeEvent) {
	for _, fn := range listeners {
		fn(ev)
	}
}
