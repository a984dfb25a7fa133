// Package diff computes line-based differences between two document snapshots.
package diff

import (
	"fmt"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/opencode-ai/inlinechat/pkg/types"
)

// Options tunes a diff computation.
type Options struct {
	// IgnoreTrimWhitespace compares lines with leading/trailing whitespace removed.
	IgnoreTrimWhitespace bool
	// MaxComputationTime bounds the diff; zero means no limit.
	MaxComputationTime time.Duration
}

// Change maps a range of original lines onto a range of modified lines.
// Either side may be empty for pure insertions or deletions.
type Change struct {
	Original types.LineRange `json:"original"`
	Modified types.LineRange `json:"modified"`
}

func (c Change) String() string {
	return fmt.Sprintf("%s->%s", c.Original, c.Modified)
}

// Result is the outcome of a diff.
type Result struct {
	Changes    []Change `json:"changes"`
	Identical  bool     `json:"identical"`
	HitTimeout bool     `json:"hitTimeout"`
	Additions  int      `json:"additions"`
	Deletions  int      `json:"deletions"`
}

// Compute diffs original against modified line by line.
func Compute(original, modified string, opts Options) (*Result, error) {
	if original == modified {
		return &Result{Identical: true}, nil
	}

	a, b := original, modified
	if opts.IgnoreTrimWhitespace {
		a, b = trimLines(original), trimLines(modified)
		if a == b {
			return &Result{Identical: true}, nil
		}
	}

	dmp := diffmatchpatch.New()
	dmp.DiffTimeout = opts.MaxComputationTime
	start := time.Now()
	ca, cb, lineArray := dmp.DiffLinesToChars(a, b)
	diffs := dmp.DiffMain(ca, cb, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	hitTimeout := opts.MaxComputationTime > 0 && time.Since(start) >= opts.MaxComputationTime

	result := &Result{HitTimeout: hitTimeout}
	origLine, modLine := 1, 1
	var current *Change

	flush := func() {
		if current != nil {
			result.Changes = append(result.Changes, *current)
			current = nil
		}
	}
	open := func() {
		if current == nil {
			current = &Change{
				Original: types.LineRange{Start: origLine, EndExclusive: origLine},
				Modified: types.LineRange{Start: modLine, EndExclusive: modLine},
			}
		}
	}

	for _, d := range diffs {
		n := countLines(d.Text)
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			flush()
			origLine += n
			modLine += n
		case diffmatchpatch.DiffDelete:
			open()
			origLine += n
			current.Original.EndExclusive = origLine
			result.Deletions += n
		case diffmatchpatch.DiffInsert:
			open()
			modLine += n
			current.Modified.EndExclusive = modLine
			result.Additions += n
		}
	}
	flush()

	return result, nil
}

// trimLines strips leading and trailing whitespace from every line while
// keeping the line structure intact.
func trimLines(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	return strings.Join(lines, "\n")
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}
