package event

import "github.com/opencode-ai/inlinechat/pkg/types"

// SessionStartedData is the payload of SessionStarted.
type SessionStartedData struct {
	SessionID string `json:"sessionID"`
	URI       string `json:"uri"`
}

// SessionEndedData is the payload of SessionEnded.
type SessionEndedData struct {
	SessionID string               `json:"sessionID"`
	URI       string               `json:"uri"`
	Outcome   types.SessionOutcome `json:"outcome"`
}

// StateChangedData is the payload of StateChanged.
type StateChangedData struct {
	URI   string `json:"uri"`
	State string `json:"state"`
}

// EditsAppliedData is the payload of EditsApplied.
type EditsAppliedData struct {
	SessionID string `json:"sessionID"`
	RequestID string `json:"requestID"`
	URI       string `json:"uri"`
	Count     int    `json:"count"`
	Applied   int    `json:"applied"`
}

// HunksUpdatedData is the payload of HunksUpdated.
type HunksUpdatedData struct {
	SessionID string `json:"sessionID"`
	URI       string `json:"uri"`
	Total     int    `json:"total"`
	Pending   int    `json:"pending"`
	HasEdits  bool   `json:"hasEdits"`
}

// DocumentChangedData is the payload of DocumentChanged.
type DocumentChangedData struct {
	URI     string `json:"uri"`
	Deleted bool   `json:"deleted,omitempty"`
}
