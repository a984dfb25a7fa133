package controller

import (
	"context"

	"github.com/opencode-ai/inlinechat/internal/chat"
	"github.com/opencode-ai/inlinechat/internal/event"
	"github.com/opencode-ai/inlinechat/internal/session"
	"github.com/opencode-ai/inlinechat/internal/strategy"
	"github.com/opencode-ai/inlinechat/internal/textmodel"
	"github.com/opencode-ai/inlinechat/pkg/types"
)

// StatusStyle tells the UI how to present a status line.
type StatusStyle int

const (
	StatusInfo StatusStyle = iota
	StatusWarning
	StatusError
)

func (s StatusStyle) String() string {
	switch s {
	case StatusWarning:
		return "warning"
	case StatusError:
		return "error"
	default:
		return "info"
	}
}

// UI is the inline widget of one document.
type UI interface {
	Show(pos types.Position)
	UpdatePositionAndHeight(pos types.Position)
	Hide()
	SetDocumentModel(sess *session.Session)
	UpdateStatus(text string, style StatusStyle)
	SelectAll()
	Focus()
	SetInput(text string)
	// HasFocus reports whether keyboard focus is inside the widget.
	HasFocus() bool
	// AnchoredAt returns where the widget is shown, or nil when hidden.
	AnchoredAt() *types.Position
	SetValidationDecorations(enabled bool)
}

// Editor is the code editor hosting the document.
type Editor interface {
	Cursor() types.Position
	SetCursor(pos types.Position)
	Focus()
}

// Dialogs shows modal messages.
type Dialogs interface {
	ShowError(title, detail string)
}

// ChatPanel shows a conversation in the full chat view.
type ChatPanel interface {
	Reveal(model *chat.Model)
}

// SessionService creates and tracks sessions. Implemented by *session.Service.
type SessionService interface {
	CreateSession(ctx context.Context, doc *textmodel.Model, hints session.Hints) (*session.Session, error)
	GetSession(uri string) *session.Session
	ReleaseSession(sess *session.Session, outcome types.SessionOutcome)
	StashSession(sess *session.Session, anchor types.Position, revertEdits []types.TextEdit) *session.StashedSession
	Stashed(uri string) *session.StashedSession
}

// ChatService produces responses. Implemented by *chat.Service.
type ChatService interface {
	SendRequest(ctx context.Context, m *chat.Model, opts chat.SendOptions) (*chat.Request, error)
	CancelCurrentRequest(m *chat.Model)
	HasPendingRequest(m *chat.Model) bool
	ResendRequest(ctx context.Context, m *chat.Model, requestID string, sessionID string) (*chat.Request, error)
}

var (
	_ SessionService = (*session.Service)(nil)
	_ ChatService    = (*chat.Service)(nil)
)

// Deps are the collaborators of a controller. Sessions and Chat are
// required; the rest default to no-ops.
type Deps struct {
	Sessions SessionService
	Chat     ChatService
	UI       UI
	Editor   Editor
	Dialogs  Dialogs
	Panel    ChatPanel
	Renderer strategy.Renderer
	Bus      *event.Bus
	Config   types.InlineChatConfig
	// Registry resolves the controllers of other documents for moves.
	Registry *Registry
	// NewStrategy builds the edit strategy of each session. Defaults to
	// strategy.NewLiveStrategy.
	NewStrategy func(sess *session.Session, opts strategy.Options) strategy.Strategy
}

func (d Deps) withDefaults() Deps {
	if d.UI == nil {
		d.UI = nopUI{}
	}
	if d.Editor == nil {
		d.Editor = nopEditor{}
	}
	if d.Dialogs == nil {
		d.Dialogs = nopDialogs{}
	}
	if d.Panel == nil {
		d.Panel = nopPanel{}
	}
	if d.NewStrategy == nil {
		d.NewStrategy = func(sess *session.Session, opts strategy.Options) strategy.Strategy {
			return strategy.NewLiveStrategy(sess, opts)
		}
	}
	return d
}

type nopUI struct{}

func (nopUI) Show(types.Position)                    {}
func (nopUI) UpdatePositionAndHeight(types.Position) {}
func (nopUI) Hide()                                  {}
func (nopUI) SetDocumentModel(*session.Session)      {}
func (nopUI) UpdateStatus(string, StatusStyle)       {}
func (nopUI) SelectAll()                             {}
func (nopUI) Focus()                                 {}
func (nopUI) SetInput(string)                        {}
func (nopUI) HasFocus() bool                         { return false }
func (nopUI) AnchoredAt() *types.Position            { return nil }
func (nopUI) SetValidationDecorations(bool)          {}

type nopEditor struct{}

func (nopEditor) Cursor() types.Position   { return types.Position{Line: 1, Column: 1} }
func (nopEditor) SetCursor(types.Position) {}
func (nopEditor) Focus()                   {}

type nopDialogs struct{}

func (nopDialogs) ShowError(string, string) {}

type nopPanel struct{}

func (nopPanel) Reveal(*chat.Model) {}
