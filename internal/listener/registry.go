// Package listener owns bound listener sockets and accepts incoming
// connections. Registry implements the reload-time migration rule: a bound
// socket transfers to the new listener set when a socket-equivalent
// listener exists there, is bound fresh when it doesn't, and is closed when
// no new listener wants it.
package listener

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/jcodybaker/sniproxy/internal/snapshot"
)

// entry tracks one bound socket shared across a reload boundary. This is a
// heavily rewritten adaptation of the teacher's NodeManager: there, a
// refcounted map entry tracked a cloudflared subprocess per hostname with
// idle-timeout teardown; here, the same mutex+map+refcount shape tracks a
// bound fd per socket key with reload-driven (not idle-driven) teardown.
type entry struct {
	ln       net.Listener
	refCount int
}

// Registry is the single owner of every currently-bound listener socket.
// It must be shared across all reloads of a running process; a fresh
// Registry would have no record of previously-bound sockets and would
// rebind everything, violating the no-reuse-race invariant.
type Registry struct {
	mu      sync.Mutex
	entries map[snapshot.SocketKey]*entry
}

// NewRegistry returns an empty Registry, used once at process startup.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[snapshot.SocketKey]*entry)}
}

// Migrate computes the socket set for newListeners, transferring any
// already-bound socket that is socket-equivalent (same key), binding fresh
// sockets for the rest, and closing any previously-bound socket that no
// listener in newListeners wants anymore. It returns one Runtime per
// listener, in the same order as newListeners.
//
// This is the Go realization of spec.md §4.C's 4-step migration algorithm:
// steps 2-3 are the transfer-or-bind loop below; step 4 is the trailing
// close-unmatched pass; step 1 (compute the new listener set) is simply
// newListeners as given by the caller's compiled snapshot.
func (r *Registry) Migrate(newListeners []snapshot.Listener) ([]*Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	keep := make(map[snapshot.SocketKey]bool, len(newListeners))
	runtimes := make([]*Runtime, len(newListeners))

	for i, l := range newListeners {
		rt := &Runtime{Listener: l, sockets: make(map[snapshot.SocketKey]net.Listener)}
		for _, key := range l.SocketKeys() {
			keep[key] = true
			e, ok := r.entries[key]
			if !ok {
				ln, err := bind(key)
				if err != nil {
					r.unwindLocked(runtimes[:i], rt)
					return nil, fmt.Errorf("listener: bind %s %s:%d: %w", key.Family, key.Address, key.Port, err)
				}
				e = &entry{ln: ln}
				r.entries[key] = e
			}
			e.refCount++
			rt.sockets[key] = e.ln
		}
		runtimes[i] = rt
	}

	for key, e := range r.entries {
		if !keep[key] {
			e.ln.Close()
			delete(r.entries, key)
		}
	}

	return runtimes, nil
}

// unwindLocked releases sockets claimed by runtimes built so far in a
// failed Migrate call, so a bind failure partway through doesn't leak
// refcounts on sockets that were successfully transferred or bound.
// Must be called with r.mu held.
func (r *Registry) unwindLocked(committed []*Runtime, partial *Runtime) {
	for _, rt := range committed {
		for key := range rt.sockets {
			r.releaseLocked(key)
		}
	}
	for key := range partial.sockets {
		r.releaseLocked(key)
	}
}

func (r *Registry) releaseLocked(key snapshot.SocketKey) {
	e, ok := r.entries[key]
	if !ok {
		return
	}
	e.refCount--
	if e.refCount <= 0 {
		e.ln.Close()
		delete(r.entries, key)
	}
}

// Release drops a Runtime's claim on its sockets, closing any socket whose
// last claim this was. Migrate's unmatched-close pass only closes sockets
// no new listener wants; Release is what drops a superseded generation's
// claims after a reload, and every claim at final process shutdown.
func (r *Registry) Release(rt *Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key := range rt.sockets {
		r.releaseLocked(key)
	}
}

func bind(key snapshot.SocketKey) (net.Listener, error) {
	network := key.Family
	addr := net.JoinHostPort(key.Address, strconv.Itoa(int(key.Port)))
	return net.Listen(network, addr)
}
