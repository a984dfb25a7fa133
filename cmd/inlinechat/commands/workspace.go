package commands

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/inlinechat/internal/agent"
	"github.com/opencode-ai/inlinechat/internal/chat"
	"github.com/opencode-ai/inlinechat/internal/config"
	"github.com/opencode-ai/inlinechat/internal/controller"
	"github.com/opencode-ai/inlinechat/internal/docwatch"
	"github.com/opencode-ai/inlinechat/internal/event"
	"github.com/opencode-ai/inlinechat/internal/headless"
	"github.com/opencode-ai/inlinechat/internal/logging"
	"github.com/opencode-ai/inlinechat/internal/session"
	"github.com/opencode-ai/inlinechat/internal/storage"
	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

// editor wires the services an interactive session needs.
type editor struct {
	dir      string
	config   *types.Config
	ws       *textmodel.Workspace
	bus      *event.Bus
	console  *headless.Console
	sessions *session.Service
	registry *controller.Registry
	watcher  *docwatch.Watcher
	events   *headless.EventLog
	eventOut io.Closer
	log      zerolog.Logger
}

// loadConfig reads the configuration of the project directory.
func loadConfig() (string, *types.Config, error) {
	dir, err := GetWorkDir(workDir)
	if err != nil {
		return "", nil, err
	}
	cfg, err := config.Load(dir)
	if err != nil {
		return "", nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel == "" && cfg.LogLevel != "" {
		logging.Logger = logging.Logger.Level(logging.ParseLevel(cfg.LogLevel))
	}
	return dir, cfg, nil
}

func newEditor(out io.Writer, a agent.Agent, dir string, cfg *types.Config) (*editor, error) {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("failed to create data directories: %w", err)
	}

	e := &editor{
		dir:    dir,
		config: cfg,
		ws:     textmodel.NewWorkspace(),
		bus:    event.NewBus(event.WithForwardTopic(headless.EventsTopic)),
		log:    logging.Component("cli"),
	}
	e.console = headless.NewConsole(out, headless.Options{NoColor: noColor, Quiet: quiet, Workspace: e.ws})

	store := storage.New(paths.StoragePath())
	e.sessions = session.NewService(a, cfg.InlineChat,
		session.WithStorage(store, dir),
		session.WithBus(e.bus),
	)
	chats := chat.NewService(a)
	renderer := e.console.Renderer()

	e.registry = controller.NewRegistry(e.ws, func(doc *textmodel.Model) controller.Deps {
		term := e.console.For(doc)
		return controller.Deps{
			Sessions: e.sessions,
			Chat:     chats,
			UI:       term,
			Editor:   term,
			Dialogs:  term,
			Panel:    term,
			Renderer: renderer,
			Bus:      e.bus,
			Config:   cfg.InlineChat,
		}
	})

	w, err := docwatch.NewWatcher(e.ws, e.registry, e.bus)
	if err != nil {
		return nil, fmt.Errorf("failed to watch documents: %w", err)
	}
	e.watcher = w
	w.Start()
	return e, nil
}

func (e *editor) close() {
	if err := e.watcher.Stop(); err != nil {
		e.log.Debug().Err(err).Msg("failed to stop watcher")
	}
	_ = e.bus.Close()
	if e.events != nil {
		e.events.Wait()
	}
	if e.eventOut != nil {
		_ = e.eventOut.Close()
	}
}

// logEvents writes every bus event to path as JSON lines. "-" is the
// command output.
func (e *editor) logEvents(ctx context.Context, path string) error {
	out := e.console.Writer()
	if path != "-" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create event log: %w", err)
		}
		e.eventOut = f
		out = f
	}
	l, err := headless.StartEventLog(context.WithoutCancel(ctx), e.bus.PubSub(), headless.EventsTopic, out)
	if err != nil {
		return err
	}
	e.events = l
	return nil
}

// open loads files into the workspace. The first one is returned.
func (e *editor) open(paths ...string) (*textmodel.Model, error) {
	var first *textmodel.Model
	for _, p := range paths {
		doc, err := e.watcher.Open(p)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", p, err)
		}
		if first == nil {
			first = doc
		}
	}
	return first, nil
}

// saveAll writes back every document whose text differs from its file.
func (e *editor) saveAll() error {
	for _, uri := range e.ws.URIs() {
		doc, _ := e.ws.Get(uri)
		path, ok := docwatch.PathFromURI(uri)
		if doc == nil || !ok {
			continue
		}
		if data, err := os.ReadFile(path); err == nil && string(data) == doc.Text() {
			continue
		}
		if err := e.watcher.Save(uri); err != nil {
			return fmt.Errorf("failed to save %s: %w", path, err)
		}
		e.log.Info().Str("path", path).Msg("saved document")
	}
	return nil
}

// answer is a reply to the review prompt.
type answer int

const (
	answerNone answer = iota
	answerAccept
	answerDiscard
	answerPause
	answerView
	answerFollowUp
)

func parseAnswer(line string) (answer, string) {
	text := strings.TrimSpace(line)
	switch strings.ToLower(text) {
	case "":
		return answerNone, ""
	case "a", "accept", "y", "yes":
		return answerAccept, ""
	case "d", "discard", "n", "no":
		return answerDiscard, ""
	case "p", "pause":
		return answerPause, ""
	case "v", "view":
		return answerView, ""
	}
	return answerFollowUp, text
}

// parseLineRange parses "a:b" or "a" into whole lines of doc.
func parseLineRange(doc *textmodel.Model, s string) (*types.Range, error) {
	if s == "" {
		return nil, nil
	}
	from, to, found := strings.Cut(s, ":")
	start, err := strconv.Atoi(from)
	if err != nil {
		return nil, fmt.Errorf("invalid range %q: %w", s, err)
	}
	end := start
	if found {
		if end, err = strconv.Atoi(to); err != nil {
			return nil, fmt.Errorf("invalid range %q: %w", s, err)
		}
	}
	if start < 1 || end < start || end > doc.LineCount() {
		return nil, fmt.Errorf("invalid range %q: document has %d lines", s, doc.LineCount())
	}
	r := doc.LineRangeToRange(types.LineRange{Start: start, EndExclusive: end + 1})
	return &r, nil
}

// driveOptions control how a session is reviewed.
type driveOptions struct {
	Message   string
	Selection *types.Range
	// Accept accepts the session once the first response is done.
	Accept bool
	In     io.Reader
	Out    io.Writer
}

// stateChange is a controller state reported on the bus.
type stateChange struct {
	uri   string
	state controller.State
}

// drive runs a controller over doc and answers its prompts until the session
// ends. A session that moves to another document is followed there. It
// returns the final state: StateAccept, StateCancel or StatePause.
func (e *editor) drive(ctx context.Context, doc *textmodel.Model, opts driveOptions) (controller.State, error) {
	ctrl, err := e.registry.ForDocument(doc.URI())
	if err != nil {
		return "", err
	}

	changes := make(chan stateChange, 256)
	unsub := e.bus.Subscribe(event.StateChanged, func(ev event.Event) {
		if data, ok := ev.Data.(event.StateChangedData); ok {
			changes <- stateChange{uri: data.URI, state: controller.State(data.State)}
		}
	})
	defer unsub()

	lines := make(chan string)
	stop := make(chan struct{})
	defer close(stop)
	if !opts.Accept {
		go readLines(opts.In, lines, stop)
	}

	go ctrl.Run(ctx, controller.RunOptions{
		Selection: opts.Selection,
		Message:   opts.Message,
		AutoSend:  opts.Message != "",
	})

	current := doc.URI()
	last := make(map[string]controller.State)
	// pending marks documents showing a response that awaits a decision
	pending := make(map[string]bool)
	for ch := range changes {
		last[ch.uri] = ch.state
		if ch.state == controller.StateShowRequest {
			pending[ch.uri] = true
		}
		if ch.uri != current {
			continue
		}

		switch ch.state {
		case controller.StateAccept, controller.StatePause:
			e.awaitIdle(current)
			return ch.state, nil
		case controller.StateCancel:
			target := e.movedTo(current)
			if target == "" {
				e.awaitIdle(current)
				return ch.state, nil
			}
			e.log.Info().Str("from", current).Str("to", target).Msg("session moved")
			current = target
			if last[target] != controller.StateWaitForInput {
				continue
			}
		case controller.StateWaitForInput:
		default:
			continue
		}

		if !pending[current] {
			continue
		}
		pending[current] = false
		next := e.registry.Lookup(current)
		if next == nil {
			continue
		}
		if opts.Accept {
			next.AcceptSession()
			continue
		}
		e.ask(ctx, next, opts.Out, lines)
	}
	return "", nil
}

// ask prompts for a decision on the session of ctrl.
func (e *editor) ask(ctx context.Context, ctrl *controller.Controller, out io.Writer, lines <-chan string) {
	for {
		fmt.Fprint(out, "[a]ccept, [d]iscard, [p]ause, [v]iew or type a follow-up: ")
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				// input closed, keep the edits
				ctrl.PauseSession()
				return
			}
			line = l
		}

		switch kind, text := parseAnswer(line); kind {
		case answerAccept:
			ctrl.AcceptSession()
		case answerDiscard:
			ctrl.CancelSession()
		case answerPause:
			ctrl.PauseSession()
		case answerView:
			ctrl.ViewInChat()
		case answerFollowUp:
			ctrl.AcceptInput(text)
		default:
			continue
		}
		return
	}
}

// movedTo returns the document the session of uri moved to, if any.
func (e *editor) movedTo(uri string) string {
	for _, other := range e.ws.URIs() {
		if other != uri && e.sessions.GetSession(other) != nil {
			return other
		}
	}
	return ""
}

// awaitIdle waits until the controller of uri has finished its run.
func (e *editor) awaitIdle(uri string) {
	if ctrl := e.registry.Lookup(uri); ctrl != nil {
		<-ctrl.Done()
	}
}

func readLines(in io.Reader, out chan<- string, stop <-chan struct{}) {
	defer close(out)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case out <- scanner.Text():
		case <-stop:
			return
		}
	}
}
