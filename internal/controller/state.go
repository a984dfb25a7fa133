package controller

// State names the phase a controller is in.
type State string

const (
	StateIdle          State = "IDLE"
	StateCreateSession State = "CREATE_SESSION"
	StateInitUI        State = "INIT_UI"
	StateWaitForInput  State = "WAIT_FOR_INPUT"
	StateShowRequest   State = "SHOW_REQUEST"
	StatePause         State = "PAUSE"
	StateCancel        State = "CANCEL"
	StateAccept        State = "ACCEPT"
)

// sessionState is the closed set of states the run loop moves through. Each
// variant carries only what is valid in that state.
type sessionState interface {
	name() State
}

type createSessionState struct{}

type initUIState struct{}

type waitForInputState struct{}

type showRequestState struct {
	// awaitRequest waits for a resent request to be added before showing it.
	awaitRequest bool
}

type pauseState struct{}

type cancelState struct {
	// moved marks a session that continues in another document.
	moved bool
}

type acceptState struct{}

func (createSessionState) name() State { return StateCreateSession }
func (initUIState) name() State        { return StateInitUI }
func (waitForInputState) name() State  { return StateWaitForInput }
func (showRequestState) name() State   { return StateShowRequest }
func (pauseState) name() State         { return StatePause }
func (cancelState) name() State        { return StateCancel }
func (acceptState) name() State        { return StateAccept }

