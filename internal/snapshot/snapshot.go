// Package snapshot holds the immutable, reference-counted configuration
// state that connections and listener runtimes pin themselves to. A new
// Snapshot is built on every reload; existing references keep working
// against the snapshot they were handed until they release it.
package snapshot

import (
	"net/netip"
	"sync/atomic"

	"github.com/jcodybaker/sniproxy/internal/routing"
)

// Listener is one listener's compiled configuration: its bind addresses,
// route table, and per-listener slot-route overrides.
type Listener struct {
	Name         string
	BindAddress  netip.Addr // zero Addr means "any" for the enabled families below
	BindPort     uint16
	EnableIPv4   bool
	EnableIPv6   bool
	Routes       routing.Table
	HelloTimeout int64 // nanoseconds; 0 means inherit the global default
}

// SocketKey returns the (network, address, port) identity used by
// internal/listener's migration registry to decide whether a bound socket
// from the prior snapshot can be handed to this listener.
type SocketKey struct {
	Family  string // "tcp4" or "tcp6"
	Address string
	Port    uint16
}

// SocketKeys returns the socket keys this listener needs bound, one per
// enabled address family.
func (l Listener) SocketKeys() []SocketKey {
	var keys []SocketKey
	if l.EnableIPv4 {
		keys = append(keys, SocketKey{Family: "tcp4", Address: bindAddressFor(l.BindAddress, false), Port: l.BindPort})
	}
	if l.EnableIPv6 {
		keys = append(keys, SocketKey{Family: "tcp6", Address: bindAddressFor(l.BindAddress, true), Port: l.BindPort})
	}
	return keys
}

// bindAddressFor returns the literal address a socket of the requested
// family should bind to. A BindAddress belonging to that family is used
// verbatim; everything else (the zero/invalid Addr that means "any", or a
// literal address of the other family — a single listener can have both
// families enabled when BindAddress is unspecified) falls back to that
// family's own unspecified address, since a "tcp6" listener can't bind an
// IPv4 literal and vice versa.
func bindAddressFor(addr netip.Addr, v6 bool) string {
	if v6 {
		if addr.IsValid() && addr.Is6() && !addr.Is4In6() {
			return addr.String()
		}
		return "::"
	}
	if addr.IsValid() && (addr.Is4() || addr.Is4In6()) {
		return addr.String()
	}
	return "0.0.0.0"
}

// Snapshot is an immutable, ownership-shared configuration state. It is
// never mutated after construction; reconfiguration always produces a new
// Snapshot via New. The zero value is not valid — use New.
type Snapshot struct {
	Listeners []Listener
	Global    routing.SlotRoutes

	refCount atomic.Int32
	onZero   func()
}

// New constructs a Snapshot with a refcount of one. onZero, if non-nil, runs
// exactly once when the last reference is released — callers use it to free
// anything the snapshot uniquely owns (currently nothing but derived lookup
// tables; listener sockets are owned by listener runtimes, not snapshots).
func New(listeners []Listener, global routing.SlotRoutes, onZero func()) *Snapshot {
	s := &Snapshot{Listeners: listeners, Global: global, onZero: onZero}
	s.refCount.Store(1)
	return s
}

// Retain increments the reference count and returns s, so callers can chain
// it at the point they hand out a new reference:
//
//	conn.snapshot = current.Retain()
func (s *Snapshot) Retain() *Snapshot {
	s.refCount.Add(1)
	return s
}

// Release drops one reference. When the count reaches zero it runs onZero,
// if set, exactly once. Releasing more times than retained is a caller bug;
// it is reported by going negative rather than panicking, since a snapshot
// has no way to distinguish a legitimate extra release from a double-free
// at this layer.
func (s *Snapshot) Release() {
	if s.refCount.Add(-1) == 0 && s.onZero != nil {
		s.onZero()
	}
}

// RefCount reports the current reference count, for tests and diagnostics.
func (s *Snapshot) RefCount() int32 {
	return s.refCount.Load()
}

// Listener returns the listener at position i in the Listeners slice.
func (s *Snapshot) Listener(i int) Listener {
	return s.Listeners[i]
}
