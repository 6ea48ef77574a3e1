package listener

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/jcodybaker/sniproxy/internal/logging"
	"github.com/jcodybaker/sniproxy/internal/snapshot"
)

// acceptPollInterval bounds how long a cancelled Runtime can take to notice
// and stop: acceptLoop sets this as the socket's accept deadline so it can
// recheck ctx between blocking Accept calls without closing the underlying
// fd — a transferred socket must keep working for whichever Runtime (old or
// new generation) currently owns the accept duty on it.
const acceptPollInterval = 200 * time.Millisecond

// Handler processes one accepted connection. It is given a fresh reference
// to the snapshot the connection was accepted under (the caller must call
// Release when the connection is fully closed) and the listener's own
// compiled config within that snapshot.
type Handler func(ctx context.Context, conn net.Conn, snap *snapshot.Snapshot, l snapshot.Listener)

// Runtime is one listener config's running instance: the socket(s) it was
// handed or bound by Registry.Migrate, and the accept loop driving them.
// A Runtime holds no per-connection state; each accepted connection is
// handed off to a Handler and then forgotten.
type Runtime struct {
	Listener snapshot.Listener
	sockets  map[snapshot.SocketKey]net.Listener

	log *logging.Logger
}

// Start begins accepting on every socket this Runtime owns. snap is
// retained once per accepted connection (never once for the Runtime
// itself — a listener socket is not a snapshot reference per spec.md's
// ownership split).
//
// acceptCtx governs only the accept loop's own lifetime — cancelling it
// stops this Runtime from calling Accept again (e.g. because a reload
// superseded it), without disturbing connections already handed off.
// connCtx is passed to every Handler call instead, so an in-flight
// connection's lifetime is independent of the generation that accepted
// it: a reload must not reach into a connection mid-splice and cancel it.
// Start returns once acceptCtx is cancelled and every accept goroutine has
// exited.
func (rt *Runtime) Start(acceptCtx, connCtx context.Context, snap *snapshot.Snapshot, handle Handler, log *logging.Logger) {
	rt.log = log
	var wg sync.WaitGroup
	for key, ln := range rt.sockets {
		wg.Add(1)
		go func(key snapshot.SocketKey, ln net.Listener) {
			defer wg.Done()
			rt.acceptLoop(acceptCtx, connCtx, key, ln, snap, handle)
		}(key, ln)
	}
	wg.Wait()
}

// acceptLoop accepts on ln until acceptCtx is cancelled or ln is closed out
// from under it. It deliberately never closes ln itself: a socket
// transferred across a reload is shared with the new generation's Runtime,
// and only the registry (via its refcount, on Release or on Migrate's
// unmatched pass) decides when the fd actually goes away. This Runtime
// cooperatively stops accepting on acceptCtx cancellation by polling with a
// short accept deadline, the classic pre-context idiom for an
// interruptible blocking Accept.
func (rt *Runtime) acceptLoop(acceptCtx, connCtx context.Context, key snapshot.SocketKey, ln net.Listener, snap *snapshot.Snapshot, handle Handler) {
	deadliner, canPoll := ln.(interface{ SetDeadline(time.Time) error })

	for {
		if acceptCtx.Err() != nil {
			return
		}
		if canPoll {
			_ = deadliner.SetDeadline(time.Now().Add(acceptPollInterval))
		}
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if rt.log != nil {
				rt.log.Errorf("accept on %s %s:%d: %v", key.Family, key.Address, key.Port, err)
			}
			continue
		}
		connSnap := snap.Retain()
		go handle(connCtx, conn, connSnap, rt.Listener)
	}
}

// Close releases this Runtime's claim on its sockets via registry. If this
// was the only claim (i.e. no newer generation transferred the socket out
// from under it), the underlying fd is closed; otherwise this is the
// "socket_disabled" no-op case from spec.md §4.C.
func (rt *Runtime) Close(registry *Registry) {
	registry.Release(rt)
}
