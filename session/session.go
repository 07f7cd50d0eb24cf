package session

import (
	"crypto/tls"
	"sync/atomic"
)

// Session is a reference-counted handle around a resumable TLS client session.
//
// Every holder owns exactly one reference and must call Release once it is done
// with it. The free hook runs when the last reference is released.
type Session struct {
	state  *tls.ClientSessionState
	refs   atomic.Int32
	onFree func()
}

// New wraps state in a Session holding a single reference owned by the caller.
// onFree may be nil.
func New(state *tls.ClientSessionState, onFree func()) *Session {
	s := &Session{
		state:  state,
		onFree: onFree,
	}
	s.refs.Store(1)
	return s
}

// State returns the wrapped session state.
func (s *Session) State() *tls.ClientSessionState {
	return s.state
}

// Ref adds a reference and returns s for chaining.
func (s *Session) Ref() *Session {
	if s.refs.Add(1) <= 1 {
		panic("session: ref of released session")
	}
	return s
}

// Release drops one reference.
func (s *Session) Release() {
	n := s.refs.Add(-1)
	switch {
	case n == 0:
		if s.onFree != nil {
			s.onFree()
		}
	case n < 0:
		panic("session: release of released session")
	}
}

// Refs returns the current reference count.
func (s *Session) Refs() int32 {
	return s.refs.Load()
}
