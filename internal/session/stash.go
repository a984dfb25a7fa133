package session

import (
	"sync"

	"github.com/opencode-ai/inlinechat/pkg/types"
)

// StashedSession is a canceled session that can be resumed until its
// document changes.
type StashedSession struct {
	service *Service
	session *Session
	anchor  types.Position
	redo    []types.TextEdit
	version int
	unsub   func()

	mu   sync.Mutex
	done bool
}

// Session returns the parked session.
func (st *StashedSession) Session() *Session { return st.session }

// Unstash re-applies the reverted edits and hands the session back. It
// returns nil when the stash is no longer valid.
func (st *StashedSession) Unstash() (*Session, error) {
	if !st.take() {
		return nil, nil
	}
	st.service.dropStash(st)

	sess := st.session
	doc := sess.TextModelN()
	if doc.VersionID() != st.version {
		st.service.finish(sess, types.OutcomeStashed)
		return nil, nil
	}

	guard := sess.BeginSelfEdit()
	defer guard.Release()
	doc.PushStackElement()
	for _, e := range st.redo {
		if err := doc.ApplyEdits([]types.TextEdit{e}); err != nil {
			st.service.finish(sess, types.OutcomeStashed)
			return nil, err
		}
	}
	doc.PushStackElement()

	sess.markUnstashed(st.anchor)
	if err := sess.RecomputeHunks(); err != nil {
		return nil, err
	}
	st.service.adopt(sess)
	st.service.log.Debug().Str("sessionID", sess.ID()).Msg("session unstashed")
	return sess, nil
}

// Dispose drops the stash and releases the session.
func (st *StashedSession) Dispose() {
	if !st.take() {
		return
	}
	st.service.dropStash(st)
	st.service.finish(st.session, types.OutcomeStashed)
}

// take claims the stash exactly once.
func (st *StashedSession) take() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.done {
		return false
	}
	st.done = true
	if st.unsub != nil {
		st.unsub()
	}
	return true
}
