// Package types provides the core data types shared by the inline chat packages.
package types

import "fmt"

// Position is a 1-based line/column location in a document.
// Columns count bytes within the line.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d", p.Line, p.Column)
}

// Before reports whether p comes strictly before other.
func (p Position) Before(other Position) bool {
	if p.Line != other.Line {
		return p.Line < other.Line
	}
	return p.Column < other.Column
}

// Range is a half-open span between two positions.
type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

// NewRange builds a range from line/column pairs.
func NewRange(startLine, startColumn, endLine, endColumn int) Range {
	return Range{
		Start: Position{Line: startLine, Column: startColumn},
		End:   Position{Line: endLine, Column: endColumn},
	}
}

// IsEmpty reports whether the range covers no text.
func (r Range) IsEmpty() bool {
	return r.Start == r.End
}

// ContainsPosition reports whether pos lies within the range, edges included.
func (r Range) ContainsPosition(pos Position) bool {
	return !pos.Before(r.Start) && !r.End.Before(pos)
}

func (r Range) String() string {
	return fmt.Sprintf("[%s-%s]", r.Start, r.End)
}

// TextEdit replaces the text covered by Range with Text.
type TextEdit struct {
	Range Range  `json:"range"`
	Text  string `json:"text"`
}

// LineRange is a 1-based, end-exclusive range of whole lines.
type LineRange struct {
	Start        int `json:"start"`
	EndExclusive int `json:"endExclusive"`
}

// Len returns the number of lines in the range.
func (r LineRange) Len() int {
	return r.EndExclusive - r.Start
}

// IsEmpty reports whether the range has no lines.
func (r LineRange) IsEmpty() bool {
	return r.EndExclusive <= r.Start
}

// Intersects reports whether the two ranges overlap or touch.
func (r LineRange) Intersects(other LineRange) bool {
	return r.Start <= other.EndExclusive && other.Start <= r.EndExclusive
}

func (r LineRange) String() string {
	return fmt.Sprintf("[%d,%d)", r.Start, r.EndExclusive)
}

// Decoration marks a range of a document with a style class.
type Decoration struct {
	Range       Range  `json:"range"`
	Class       string `json:"class"`
	WholeLine   bool   `json:"wholeLine,omitempty"`
	HoverText   string `json:"hoverText,omitempty"`
	Description string `json:"description,omitempty"`
}
