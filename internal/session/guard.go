package session

import (
	"sync"
	"sync/atomic"
)

// SelfEditGuard is held while the session writes to its live document.
// Guards nest; Release is idempotent.
type SelfEditGuard struct {
	session *Session
	once    sync.Once
	held    atomic.Bool
}

// BeginSelfEdit acquires a new guard. Callers release it with defer.
func (s *Session) BeginSelfEdit() *SelfEditGuard {
	s.selfEdits.Add(1)
	g := &SelfEditGuard{session: s}
	g.held.Store(true)
	return g
}

// Held reports whether the guard has not been released yet.
func (g *SelfEditGuard) Held() bool {
	return g != nil && g.held.Load()
}

// Release ends the guarded section.
func (g *SelfEditGuard) Release() {
	if g == nil {
		return
	}
	g.once.Do(func() {
		g.held.Store(false)
		g.session.selfEdits.Add(-1)
	})
}

// IgnoringChanges reports whether a self edit is in progress.
func (s *Session) IgnoringChanges() bool {
	return s.selfEdits.Load() > 0
}
