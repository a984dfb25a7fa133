package controller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/opencode-ai/inlinechat/internal/agent"
	"github.com/opencode-ai/inlinechat/internal/chat"
	"github.com/opencode-ai/inlinechat/internal/session"
	"github.com/opencode-ai/inlinechat/internal/strategy"
	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

const testURI = "file:///work/main.go"

// step is one scripted action of stepAgent. A nil step ends the invocation,
// as does a step returning errEndTurn.
type step func(agent.Sink) error

var errEndTurn = errors.New("end of turn")

// stepAgent runs the steps sent on its channel, one at a time.
type stepAgent struct {
	steps chan step

	mu       sync.Mutex
	prepErr  error
	prepGate chan struct{}
	decline  bool
	invoked  []*agent.Request
}

func newStepAgent() *stepAgent {
	return &stepAgent{steps: make(chan step)}
}

func (a *stepAgent) ID() string { return "steps" }

func (a *stepAgent) Prepare(ctx context.Context, req *agent.PrepareRequest) (*agent.Prepared, error) {
	a.mu.Lock()
	gate := a.prepGate
	a.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.prepErr != nil {
		return nil, a.prepErr
	}
	if a.decline {
		return nil, nil
	}
	return &agent.Prepared{WholeRange: req.Selection, Placeholder: "Ask for an edit"}, nil
}

func (a *stepAgent) Invoke(ctx context.Context, req *agent.Request, sink agent.Sink) error {
	a.mu.Lock()
	a.invoked = append(a.invoked, req)
	a.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case s := <-a.steps:
			if s == nil {
				return nil
			}
			if err := s(sink); err != nil {
				if errors.Is(err, errEndTurn) {
					return nil
				}
				return err
			}
		}
	}
}

// send hands s to the running invocation.
func (a *stepAgent) send(s step) bool {
	select {
	case a.steps <- s:
		return true
	case <-time.After(2 * time.Second):
		return false
	}
}

func (a *stepAgent) invocations() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.invoked)
}

// insertLines returns n edits that each insert one numbered line, starting
// at line from. Every edit is relative to the text left by the previous one.
func insertLines(from, n int) []types.TextEdit {
	edits := make([]types.TextEdit, 0, n)
	for i := 0; i < n; i++ {
		line := from + i
		at := types.Position{Line: line, Column: 1}
		edits = append(edits, types.TextEdit{Range: types.Range{Start: at, End: at}, Text: fmt.Sprintf("N%d\n", line)})
	}
	return edits
}

func pushEdits(uri string, edits []types.TextEdit) step {
	return func(s agent.Sink) error {
		s.Edits(uri, edits)
		return nil
	}
}

// burst pushes edits one at a time and ends the invocation right after the
// last one.
func burst(uri string, edits []types.TextEdit) step {
	return func(s agent.Sink) error {
		for _, e := range edits {
			s.Edits(uri, []types.TextEdit{e})
		}
		return errEndTurn
	}
}

// fakeUI records what the controller asks of the widget.
type fakeUI struct {
	mu          sync.Mutex
	shown       bool
	anchor      *types.Position
	hides       int
	selectAll   int
	focused     bool
	hasFocus    bool
	input       string
	statuses    []string
	validations []bool
	repositions int
	reposition  func()
	show        func()
}

func (u *fakeUI) Show(pos types.Position) {
	u.mu.Lock()
	hook := u.show
	u.shown = true
	u.anchor = &pos
	u.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (u *fakeUI) UpdatePositionAndHeight(pos types.Position) {
	u.mu.Lock()
	hook := u.reposition
	u.anchor = &pos
	u.repositions++
	u.mu.Unlock()
	if hook != nil {
		hook()
	}
}

func (u *fakeUI) Hide() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.shown = false
	u.anchor = nil
	u.hides++
}

func (u *fakeUI) SetDocumentModel(*session.Session) {}

func (u *fakeUI) UpdateStatus(text string, style StatusStyle) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.statuses = append(u.statuses, style.String()+": "+text)
}

func (u *fakeUI) SelectAll() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.selectAll++
}

func (u *fakeUI) Focus() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.focused = true
}

func (u *fakeUI) SetInput(text string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.input = text
}

func (u *fakeUI) HasFocus() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.hasFocus
}

func (u *fakeUI) AnchoredAt() *types.Position {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.anchor == nil {
		return nil
	}
	p := *u.anchor
	return &p
}

func (u *fakeUI) SetValidationDecorations(enabled bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.validations = append(u.validations, enabled)
}

func (u *fakeUI) isShown() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.shown
}

func (u *fakeUI) lastStatus() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.statuses) == 0 {
		return ""
	}
	return u.statuses[len(u.statuses)-1]
}

func (u *fakeUI) setReposition(fn func()) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.reposition = fn
}

type fakeEditor struct {
	mu      sync.Mutex
	cursor  types.Position
	focused int
}

func (e *fakeEditor) Cursor() types.Position {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cursor
}

func (e *fakeEditor) SetCursor(pos types.Position) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cursor = pos
}

func (e *fakeEditor) Focus() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.focused++
}

type fakeDialogs struct {
	mu     sync.Mutex
	errors []string
}

func (d *fakeDialogs) ShowError(title, detail string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errors = append(d.errors, title+": "+detail)
}

type fakePanel struct {
	mu       sync.Mutex
	revealed []*chat.Model
}

func (p *fakePanel) Reveal(m *chat.Model) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revealed = append(p.revealed, m)
}

// recordingSessions logs session lifecycle calls in order.
type recordingSessions struct {
	*session.Service

	mu  sync.Mutex
	log []string
}

func (s *recordingSessions) record(entry string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, entry)
}

func (s *recordingSessions) entries() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

func (s *recordingSessions) CreateSession(ctx context.Context, doc *textmodel.Model, hints session.Hints) (*session.Session, error) {
	s.record("create:" + doc.URI())
	return s.Service.CreateSession(ctx, doc, hints)
}

func (s *recordingSessions) ReleaseSession(sess *session.Session, outcome types.SessionOutcome) {
	s.Service.ReleaseSession(sess, outcome)
	s.record("release:" + string(outcome))
}

// fixture wires a controller to real session and chat services.
type fixture struct {
	ws       *textmodel.Workspace
	doc      *textmodel.Model
	agent    *stepAgent
	chat     *chat.Service
	sessions *recordingSessions
	ui       *fakeUI
	editor   *fakeEditor
	dialogs  *fakeDialogs
	panel    *fakePanel
	registry *Registry
	ctrl     *Controller

	mu  sync.Mutex
	uis map[string]*fakeUI
}

type fixtureSettings struct {
	config      types.InlineChatConfig
	newStrategy func(*session.Session, strategy.Options) strategy.Strategy
}

type fixtureOption func(*fixtureSettings)

func withStash(on bool) fixtureOption {
	return func(s *fixtureSettings) { s.config.Stash = &on }
}

func withFinishOnType() fixtureOption {
	return func(s *fixtureSettings) {
		on := true
		s.config.FinishOnType = &on
	}
}

func withStrategy(fn func(*session.Session, strategy.Options) strategy.Strategy) fixtureOption {
	return func(s *fixtureSettings) { s.newStrategy = fn }
}

func newFixture(text string, opts ...fixtureOption) *fixture {
	off := false
	settings := fixtureSettings{config: types.InlineChatConfig{ProgressiveEdits: &off}}
	for _, opt := range opts {
		opt(&settings)
	}
	cfg := settings.config

	f := &fixture{
		ws:      textmodel.NewWorkspace(),
		agent:   newStepAgent(),
		editor:  &fakeEditor{cursor: types.Position{Line: 1, Column: 1}},
		dialogs: &fakeDialogs{},
		panel:   &fakePanel{},
		uis:     make(map[string]*fakeUI),
	}
	f.chat = chat.NewService(f.agent)
	f.sessions = &recordingSessions{Service: session.NewService(f.agent, cfg, session.WithRetryInterval(time.Millisecond))}
	f.doc = f.ws.Open(testURI, text)
	f.registry = NewRegistry(f.ws, func(doc *textmodel.Model) Deps {
		ui := &fakeUI{}
		f.mu.Lock()
		f.uis[doc.URI()] = ui
		f.mu.Unlock()
		return Deps{
			Sessions:    f.sessions,
			Chat:        f.chat,
			UI:          ui,
			Editor:      f.editor,
			Dialogs:     f.dialogs,
			Panel:       f.panel,
			Config:      cfg,
			NewStrategy: settings.newStrategy,
		}
	})
	ctrl, err := f.registry.ForDocument(testURI)
	if err != nil {
		panic(err)
	}
	f.ctrl = ctrl
	f.ui = f.uiFor(testURI)
	return f
}

func (f *fixture) uiFor(uri string) *fakeUI {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uis[uri]
}

// start runs the controller in the background.
func (f *fixture) start(ctx context.Context, opts RunOptions) <-chan bool {
	out := make(chan bool, 1)
	go func() { out <- f.ctrl.Run(ctx, opts) }()
	return out
}

func (f *fixture) inState(s State) func() bool {
	return func() bool { return f.ctrl.State() == s }
}

func (f *fixture) lastResponse() *chat.Response {
	sess := f.ctrl.Session()
	if sess == nil {
		return nil
	}
	if req := sess.Chat().LastRequest(); req != nil {
		return req.Response
	}
	return nil
}

func (f *fixture) applied() int {
	resp := f.lastResponse()
	if resp == nil {
		return -1
	}
	total := 0
	for _, g := range resp.EditGroups(testURI) {
		if g.State != nil {
			total += g.State.Applied()
		}
	}
	return total
}

func awaitResult(ch <-chan bool) (bool, bool) {
	select {
	case v := <-ch:
		return v, true
	case <-time.After(3 * time.Second):
		return false, false
	}
}

// stopRecorder wraps a strategy and records the undoStopBefore flag of every
// batch it applies.
type stopRecorder struct {
	strategy.Strategy

	mu    sync.Mutex
	stops []bool
}

func (r *stopRecorder) MakeProgressiveChanges(ctx context.Context, edits []types.TextEdit, obs strategy.EditObserver, timing strategy.Timing, undoStopBefore bool) (int, error) {
	r.mu.Lock()
	r.stops = append(r.stops, undoStopBefore)
	r.mu.Unlock()
	return r.Strategy.MakeProgressiveChanges(ctx, edits, obs, timing, undoStopBefore)
}

func (r *stopRecorder) recorded() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.stops...)
}
