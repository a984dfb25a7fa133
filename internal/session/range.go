package session

import (
	"sync"

	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

// RangeTracker follows a range of a document through edits. Typing at either
// edge grows the range.
type RangeTracker struct {
	model *textmodel.Model
	unsub func()

	mu        sync.Mutex
	start     int
	end       int
	listeners map[int]func(types.Range)
	nextID    int
}

// NewRangeTracker starts tracking r in model.
func NewRangeTracker(model *textmodel.Model, r types.Range) (*RangeTracker, error) {
	t := &RangeTracker{model: model, listeners: make(map[int]func(types.Range))}
	if err := t.Set(r); err != nil {
		return nil, err
	}
	t.unsub = model.Subscribe(t.onChange)
	return t, nil
}

// Range returns the current range.
func (t *RangeTracker) Range() types.Range {
	t.mu.Lock()
	start, end := t.start, t.end
	t.mu.Unlock()
	return types.Range{Start: t.model.PositionAt(start), End: t.model.PositionAt(end)}
}

// Set moves the tracked range.
func (t *RangeTracker) Set(r types.Range) error {
	start, err := t.model.OffsetAt(r.Start)
	if err != nil {
		return err
	}
	end, err := t.model.OffsetAt(r.End)
	if err != nil {
		return err
	}
	if end < start {
		start, end = end, start
	}
	t.mu.Lock()
	t.start, t.end = start, end
	t.mu.Unlock()
	t.notify()
	return nil
}

// Subscribe registers fn for range changes.
func (t *RangeTracker) Subscribe(fn func(types.Range)) func() {
	t.mu.Lock()
	id := t.nextID
	t.nextID++
	t.listeners[id] = fn
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.listeners, id)
		t.mu.Unlock()
	}
}

// Dispose stops tracking.
func (t *RangeTracker) Dispose() {
	if t.unsub != nil {
		t.unsub()
	}
}

func (t *RangeTracker) onChange(ev textmodel.ChangeEvent) {
	t.mu.Lock()
	before := [2]int{t.start, t.end}
	for _, c := range ev.Changes {
		t.start, t.end = adjust(t.start, t.end, c.RangeOffset, c.RangeLength, len(c.Text))
	}
	moved := before != [2]int{t.start, t.end}
	t.mu.Unlock()

	if moved {
		t.notify()
	}
}

func (t *RangeTracker) notify() {
	t.mu.Lock()
	fns := make([]func(types.Range), 0, len(t.listeners))
	for _, fn := range t.listeners {
		fns = append(fns, fn)
	}
	t.mu.Unlock()
	if len(fns) == 0 {
		return
	}
	r := t.Range()
	for _, fn := range fns {
		fn(r)
	}
}

// adjust maps [start,end) through the replacement of length removed at off
// by inserted bytes.
func adjust(start, end, off, removed, inserted int) (int, int) {
	changeEnd := off + removed
	delta := inserted - removed
	switch {
	case changeEnd < start:
		return start + delta, end + delta
	case off > end:
		return start, end
	}
	newStart := start
	if off < start {
		newStart = off
	}
	newEnd := end + delta
	if changeEnd > end {
		newEnd = off + inserted
	}
	return newStart, newEnd
}
