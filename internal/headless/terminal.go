// Package headless renders an editing session on a terminal. It stands in
// for the editor widget when inline chat runs from the command line.
package headless

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/opencode-ai/inlinechat/internal/chat"
	"github.com/opencode-ai/inlinechat/internal/controller"
	"github.com/opencode-ai/inlinechat/internal/session"
	"github.com/opencode-ai/inlinechat/internal/strategy"
	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

var (
	dim     = color.New(color.FgHiBlack)
	prompt  = color.New(color.FgCyan, color.Bold)
	added   = color.New(color.FgGreen)
	removed = color.New(color.FgRed)
	warning = color.New(color.FgYellow)
	failure = color.New(color.FgRed, color.Bold)
	answer  = color.New(color.FgGreen, color.Bold)
)

// Options configure a Terminal.
type Options struct {
	NoColor bool
	// Quiet suppresses everything but errors.
	Quiet bool
	// Workspace resolves documents for rendering decorations.
	Workspace *textmodel.Workspace
}

// Console serializes output of the terminals sharing one writer.
type Console struct {
	mu   sync.Mutex
	out  io.Writer
	opts Options
}

// NewConsole creates a console writing to out.
func NewConsole(out io.Writer, opts Options) *Console {
	color.NoColor = opts.NoColor
	return &Console{out: out, opts: opts}
}

func (c *Console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *Console) println(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, s)
}

// Writer returns a writer that shares the console's lock.
func (c *Console) Writer() io.Writer {
	return consoleWriter{console: c}
}

type consoleWriter struct {
	console *Console
}

func (w consoleWriter) Write(p []byte) (int, error) {
	w.console.mu.Lock()
	defer w.console.mu.Unlock()
	return w.console.out.Write(p)
}

// For returns the terminal of doc.
func (c *Console) For(doc *textmodel.Model) *Terminal {
	return &Terminal{console: c, uri: doc.URI(), cursor: types.Position{Line: 1, Column: 1}}
}

// Renderer returns a decoration renderer printing pending changes.
func (c *Console) Renderer() strategy.Renderer {
	return &diffRenderer{console: c}
}

// Terminal implements the widget, editor, dialog and chat panel
// collaborators of one controller.
type Terminal struct {
	console *Console
	uri     string

	mu        sync.Mutex
	shown     bool
	anchor    *types.Position
	cursor    types.Position
	focused   bool
	input     string
	status    string
	session   *session.Session
	decorated bool
}

var (
	_ controller.UI        = (*Terminal)(nil)
	_ controller.Editor    = (*Terminal)(nil)
	_ controller.Dialogs   = (*Terminal)(nil)
	_ controller.ChatPanel = (*Terminal)(nil)
)

// Show reveals the widget at pos.
func (t *Terminal) Show(pos types.Position) {
	t.mu.Lock()
	t.shown = true
	t.anchor = &pos
	t.mu.Unlock()
	if !t.console.opts.Quiet {
		t.console.println(dim.Sprintf("inline chat on %s at %s", t.uri, pos))
	}
}

// UpdatePositionAndHeight moves the widget to pos.
func (t *Terminal) UpdatePositionAndHeight(pos types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.anchor = &pos
}

// Hide closes the widget.
func (t *Terminal) Hide() {
	t.mu.Lock()
	wasShown := t.shown
	t.shown = false
	t.anchor = nil
	t.focused = false
	t.mu.Unlock()
	if wasShown && !t.console.opts.Quiet {
		t.console.println(dim.Sprint("inline chat closed"))
	}
}

// SetDocumentModel binds the widget to sess.
func (t *Terminal) SetDocumentModel(sess *session.Session) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.session = sess
}

// UpdateStatus prints a status line.
func (t *Terminal) UpdateStatus(text string, style controller.StatusStyle) {
	t.mu.Lock()
	t.status = text
	t.mu.Unlock()

	switch style {
	case controller.StatusError:
		t.console.println(failure.Sprintf("error: %s", text))
	case controller.StatusWarning:
		t.console.println(warning.Sprint(text))
	default:
		if !t.console.opts.Quiet {
			t.console.println(dim.Sprint(text))
		}
	}
}

// Status returns the last status text.
func (t *Terminal) Status() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Terminal) SelectAll() {}

// Focus gives the widget the keyboard.
func (t *Terminal) Focus() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.focused = true
}

// SetInput fills the input box and echoes it.
func (t *Terminal) SetInput(text string) {
	t.mu.Lock()
	t.input = text
	t.mu.Unlock()
	if !t.console.opts.Quiet {
		t.console.printf("%s %s\n", prompt.Sprint("you ›"), text)
	}
}

// HasFocus reports whether the widget holds the keyboard.
func (t *Terminal) HasFocus() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.focused
}

// AnchoredAt returns the widget position, nil while hidden.
func (t *Terminal) AnchoredAt() *types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.anchor == nil {
		return nil
	}
	pos := *t.anchor
	return &pos
}

// SetValidationDecorations is a no-op; there are no diagnostics to hide.
func (t *Terminal) SetValidationDecorations(bool) {}

// Cursor returns the editor cursor.
func (t *Terminal) Cursor() types.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cursor
}

// SetCursor moves the editor cursor.
func (t *Terminal) SetCursor(pos types.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cursor = pos
}

// ShowError prints a modal error.
func (t *Terminal) ShowError(title, detail string) {
	t.console.println(failure.Sprintf("%s: %s", title, detail))
}

// Reveal prints the conversation of m.
func (t *Terminal) Reveal(m *chat.Model) {
	for _, req := range m.Requests() {
		t.console.printf("%s %s\n", prompt.Sprint("you ›"), req.Message)
		if text := req.Response.Text(); text != "" {
			t.console.printf("%s %s\n", answer.Sprint("assistant ›"), text)
		}
		for _, g := range req.Response.EditGroups("") {
			t.console.println(dim.Sprintf("  %d edit(s) to %s", len(g.Edits), g.URI))
		}
	}
}

// diffRenderer prints the pending hunks of a document as a unified diff.
type diffRenderer struct {
	console *Console

	mu   sync.Mutex
	last map[string]string
}

func (r *diffRenderer) RenderDecorations(uri string, decorations []types.Decoration) {
	if r.console.opts.Quiet {
		return
	}
	ws := r.console.opts.Workspace
	var doc *textmodel.Model
	if ws != nil {
		doc, _ = ws.Get(uri)
	}

	// one hunk yields an optional original and inserted decoration
	type lines struct{ minus, plus []string }
	var order []string
	hunks := make(map[string]*lines)
	for _, d := range decorations {
		if d.Class != strategy.ClassOriginal && d.Class != strategy.ClassInserted {
			continue
		}
		h, ok := hunks[d.Description]
		if !ok {
			h = &lines{}
			hunks[d.Description] = h
			order = append(order, d.Description)
		}
		if d.Class == strategy.ClassOriginal {
			h.minus = splitLines(d.HoverText)
			continue
		}
		if doc == nil {
			continue
		}
		if text, err := doc.ValueInRange(d.Range); err == nil {
			h.plus = splitLines(text)
		}
	}

	var b strings.Builder
	for _, id := range order {
		for _, line := range hunks[id].minus {
			b.WriteString(removed.Sprintf("- %s", line))
			b.WriteByte('\n')
		}
		for _, line := range hunks[id].plus {
			b.WriteString(added.Sprintf("+ %s", line))
			b.WriteByte('\n')
		}
	}

	out := b.String()
	r.mu.Lock()
	if r.last == nil {
		r.last = make(map[string]string)
	}
	same := r.last[uri] == out
	r.last[uri] = out
	r.mu.Unlock()
	if same || out == "" {
		return
	}
	r.console.printf("%s\n%s", dim.Sprintf("@@ %s", uri), out)
}

func splitLines(s string) []string {
	s = strings.TrimSuffix(s, "\n")
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
