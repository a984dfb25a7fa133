package types

// SessionOutcome is how an editing session ended.
type SessionOutcome string

const (
	OutcomeAccepted SessionOutcome = "accepted"
	OutcomeCanceled SessionOutcome = "canceled"
	OutcomeStashed  SessionOutcome = "stashed"
	OutcomeMoved    SessionOutcome = "moved"
)

// SessionRecord is the persisted summary of a released session.
type SessionRecord struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"projectID"`
	URI       string          `json:"uri"`
	Outcome   SessionOutcome  `json:"outcome"`
	Requests  []RequestRecord `json:"requests"`
	Hunks     HunkSummary     `json:"hunks"`
	Time      SessionTime     `json:"time"`
}

// RequestRecord summarizes one request/response exchange.
type RequestRecord struct {
	ID      string `json:"id"`
	Message string `json:"message"`
	Edits   int    `json:"edits"`
	Error   string `json:"error,omitempty"`
}

// HunkSummary counts hunk decisions at release time.
type HunkSummary struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Accepted  int `json:"accepted"`
	Discarded int `json:"discarded"`
}

// SessionTime contains timestamps for a session.
type SessionTime struct {
	Created  int64 `json:"created"`
	Released int64 `json:"released"`
}
