// Package event provides the pub/sub bus the inline chat components report on.
//
// A Bus is constructed once by the caller and passed to every component that
// publishes or listens; there is no package-level instance. Subscribers are
// called directly with typed payloads. When a forward topic is configured,
// every event is also marshaled to JSON and published on the bus's watermill
// GoChannel so out-of-process consumers can be attached with standard
// watermill routing.
//
// # Event Types
//
//   - session.started / session.ended: a controller took or released a session
//   - controller.state: the controller entered a new state
//   - edits.applied: a batch of streamed edits reached the document
//   - hunks.updated: the hunk set was recomputed
//   - document.changed: a watched document changed on disk
package event
