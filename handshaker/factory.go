// Package handshaker builds reference-counted TLS handshaker factories and the
// per-connection handshakers they produce.
//
// A ClientFactory optionally carries a session.Cache: handshakers created from
// it look up a resumable session by server name before the handshake starts,
// and sessions issued by the peer are stored back under the same name.
// A ServerFactory holds one TLS configuration per certificate and picks the
// one matching the client's SNI.
package handshaker

import (
	"sync/atomic"
	"time"
)

// Factory is the lifecycle shared by client and server factories. A new
// factory holds one reference; the last Unref destroys it.
type Factory interface {
	Ref()
	Unref()
}

type destroyer interface {
	destroy()
}

// refCount is embedded by the concrete factories.
type refCount struct {
	refs      atomic.Int32
	destroyed atomic.Bool
	target    destroyer
}

func (r *refCount) init(target destroyer) {
	r.target = target
	r.refs.Store(1)
}

// Ref adds a reference.
func (r *refCount) Ref() {
	if r.refs.Add(1) <= 1 {
		panic("handshaker: ref of destroyed factory")
	}
}

// Unref drops a reference and destroys the factory when it was the last.
func (r *refCount) Unref() {
	n := r.refs.Add(-1)
	if n < 0 {
		panic("handshaker: unref of destroyed factory")
	}
	if n == 0 {
		r.destroyed.Store(true)
		r.target.destroy()
	}
}

// tryRef adds a reference unless the factory is already gone.
func (r *refCount) tryRef() bool {
	for {
		n := r.refs.Load()
		if n <= 0 {
			return false
		}
		if r.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Side tells which end of the connection a handshaker runs.
type Side string

const (
	SideClient Side = "client"
	SideServer Side = "server"
)

// Observer receives handshake outcomes.
type Observer interface {
	Handshake(side Side, resumed bool, err error, d time.Duration)
	// NewSession reports whether a session issued by the peer was cached.
	NewSession(stored bool)
}

type nopObserver struct{}

func (nopObserver) Handshake(Side, bool, error, time.Duration) {}
func (nopObserver) NewSession(bool)                            {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}
