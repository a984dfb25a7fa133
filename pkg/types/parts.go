package types

import (
	"errors"
	"sync"
)

// Part represents a component of a streamed response.
type Part interface {
	PartType() string
	PartID() string
}

// TextPart is markdown text streamed by the agent.
type TextPart struct {
	ID   string `json:"id"`
	Type string `json:"type"` // always "text"
	Text string `json:"text"`
}

func (p *TextPart) PartType() string { return "text" }
func (p *TextPart) PartID() string   { return p.ID }

// EditGroupPart is a named bundle of edits for one document. Edits only ever
// grow while the response streams; earlier entries are never rewritten.
type EditGroupPart struct {
	ID    string          `json:"id"`
	Type  string          `json:"type"` // always "textEditGroup"
	URI   string          `json:"uri"`
	Edits []TextEdit      `json:"edits"`
	Done  bool            `json:"done"`
	State *EditGroupState `json:"state,omitempty"`
}

func (p *EditGroupPart) PartType() string { return "textEditGroup" }
func (p *EditGroupPart) PartID() string   { return p.ID }

// EditGuard is held while the controller writes to the live document.
type EditGuard interface {
	Held() bool
}

// ErrGuardNotHeld is returned when edit bookkeeping is attempted outside a
// self-edit guard.
var ErrGuardNotHeld = errors.New("self-edit guard not held")

// EditGroupState tracks how many edits of a group have been applied and
// against which document checksum the first of them landed.
type EditGroupState struct {
	mu               sync.Mutex
	baselineChecksum string
	applied          int
}

// NewEditGroupState creates a state anchored at the given document checksum.
func NewEditGroupState(checksum string) *EditGroupState {
	return &EditGroupState{baselineChecksum: checksum}
}

// Applied returns the number of edits applied so far.
func (s *EditGroupState) Applied() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.applied
}

// BaselineChecksum returns the checksum of the document before the first edit.
func (s *EditGroupState) BaselineChecksum() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baselineChecksum
}

// Advance records n more applied edits. The count never decreases and only
// moves while the caller holds a live guard.
func (s *EditGroupState) Advance(guard EditGuard, n int) error {
	if guard == nil || !guard.Held() {
		return ErrGuardNotHeld
	}
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	s.applied += n
	s.mu.Unlock()
	return nil
}

// Reset clears the state so the group is treated as never applied.
func (s *EditGroupState) Reset(checksum string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baselineChecksum = checksum
	s.applied = 0
}

// MovePart asks the controller to continue the session in another document.
type MovePart struct {
	ID    string `json:"id"`
	Type  string `json:"type"` // always "move"
	URI   string `json:"uri"`
	Range Range  `json:"range"`
}

func (p *MovePart) PartType() string { return "move" }
func (p *MovePart) PartID() string   { return p.ID }
