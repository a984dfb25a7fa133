// Package session manages inline editing sessions.
//
// A Session pairs a live document (TextModelN) with a frozen copy taken when
// the session started (TextModel0). The difference between the two is split
// into hunks that the user accepts or discards one by one.
//
// # Components
//
//   - Session: the two documents, the tracked whole range, the hunk store and
//     the chat model of the conversation.
//   - SelfEditGuard: marks writes made by the session itself so the change
//     listeners can tell them apart from user typing.
//   - RangeTracker: keeps the whole range anchored while the document changes.
//   - Service: creates, releases, stashes and looks up sessions and persists a
//     record of every released session.
//   - StashedSession: a canceled session kept around so it can be resumed.
//
// # Self edits
//
// Every write the session makes to TextModelN happens inside a guard:
//
//	guard := sess.BeginSelfEdit()
//	defer guard.Release()
//	err := sess.TextModelN().ApplyEdits(edits)
//
// While any guard is held, IgnoringChanges reports true.
package session
