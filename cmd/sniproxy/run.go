package main

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jcodybaker/sniproxy/internal/config"
	"github.com/jcodybaker/sniproxy/internal/connproxy"
	"github.com/jcodybaker/sniproxy/internal/daemon"
	"github.com/jcodybaker/sniproxy/internal/listener"
	"github.com/jcodybaker/sniproxy/internal/logging"
	"github.com/jcodybaker/sniproxy/internal/snapshot"
)

// Exit codes per the CLI's external contract: 0 success, 1 config error, 2
// bind error, 3 runtime fatal.
const (
	exitConfigError = 1
	exitBindError   = 2
	exitRuntime     = 3
)

type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCodeFor(err error) int {
	if ee, ok := err.(*exitError); ok {
		return ee.code
	}
	return exitRuntime
}

// runTestConfig implements -t: parse and validate, exit nonzero on failure,
// and print "configuration OK" on success.
func runTestConfig(path string) error {
	f, err := config.Load(path)
	if err != nil {
		return &exitError{exitConfigError, err}
	}
	if err := f.Validate(); err != nil {
		return &exitError{exitConfigError, err}
	}
	fmt.Println("configuration OK")
	return nil
}

// generation is one reload epoch's running state: the snapshot connections
// are accepted under and the listener runtimes accepting for it. cancel
// stops those runtimes' accept loops — it never reaches into an
// already-accepted connection, which runs under the process-wide
// connection context instead (see runServe).
type generation struct {
	snap     *snapshot.Snapshot
	runtimes []*listener.Runtime
	cancel   context.CancelFunc
}

// stop cancels this generation's accept loops and drops its claim on every
// socket it was using. Sockets a newer generation transferred out from
// under it stay open (registry's refcount still reflects the new
// generation's claim); sockets nobody wants anymore get closed here.
func (g *generation) stop(registry *listener.Registry) {
	g.cancel()
	for _, rt := range g.runtimes {
		registry.Release(rt)
	}
	g.snap.Release()
}

// runServe loads the configuration, binds every listener, and runs until a
// termination signal arrives, reloading its snapshot and listener set on
// SIGHUP. On SIGTERM/SIGINT it stops accepting immediately but lets
// in-flight connections run to completion, forcing them closed only if
// they outlive the shutdown timeout.
func runServe(path string) error {
	logging.Setup("plain")
	log := logging.New("main")

	f, err := config.Load(path)
	if err != nil {
		return &exitError{exitConfigError, err}
	}

	registry := listener.NewRegistry()
	shutdown := daemon.NewShutdownHandler(0)
	shutdown.Start()
	defer shutdown.Stop()

	// connCtx outlives every generation: a reload must never interrupt a
	// connection already splicing under a prior generation's route. Only
	// final process shutdown's grace-period expiry cancels it.
	connCtx, cancelConns := context.WithCancel(context.Background())
	defer cancelConns()
	var activeConns sync.WaitGroup

	current, err := startGeneration(f, registry, shutdown.Context(), connCtx, &activeConns, log)
	if err != nil {
		return &exitError{exitBindError, err}
	}

	shutdown.OnShutdown(func() {
		log.Info("shutting down: no longer accepting new connections")
	})

	for {
		select {
		case <-shutdown.Done():
			current.stop(registry)
			waitForDrain(&activeConns, cancelConns, shutdown.ShutdownTimeout(), log)
			return nil

		case <-shutdown.ReloadChan():
			newFile, err := config.Load(path)
			if err != nil {
				log.Errorf("reload: failed to load config: %v", err)
				continue
			}
			next, err := startGeneration(newFile, registry, shutdown.Context(), connCtx, &activeConns, log)
			if err != nil {
				log.Errorf("reload: failed to apply new config, keeping previous snapshot: %v", err)
				continue
			}
			f = newFile
			current.stop(registry)
			current = next
			log.Info("reloaded configuration")
		}
	}
}

// waitForDrain blocks until every in-flight connection finishes or timeout
// elapses, whichever comes first; on timeout it cancels connCtx so
// splice/readHello loops still running tear down instead of lingering
// forever.
func waitForDrain(activeConns *sync.WaitGroup, cancelConns context.CancelFunc, timeout time.Duration, log *logging.Logger) {
	done := make(chan struct{})
	go func() {
		activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("all connections drained")
	case <-time.After(timeout):
		log.Errorf("shutdown timeout (%s) elapsed with connections still active; forcing close", timeout)
		cancelConns()
		<-done
	}
}

// startGeneration compiles f into a snapshot, migrates the listener socket
// set onto it via registry, and starts one Runtime per listener. acceptCtx
// scopes this generation's accept loops (cancelled when superseded);
// connCtx and activeConns are shared across every generation for the life
// of the process. It is used both at startup and on every SIGHUP reload.
func startGeneration(f *config.File, registry *listener.Registry, acceptParent, connCtx context.Context, activeConns *sync.WaitGroup, log *logging.Logger) (*generation, error) {
	snap, err := f.Compile(nil)
	if err != nil {
		return nil, fmt.Errorf("compiling configuration: %w", err)
	}

	runtimes, err := registry.Migrate(snap.Listeners)
	if err != nil {
		snap.Release()
		return nil, fmt.Errorf("migrating listener sockets: %w", err)
	}

	res := f.BuildResolver()
	deps := connproxy.Deps{
		Resolver: res,
		Log:      log,
		FileRoot: "/etc/sniproxy/files",
	}

	handle := func(ctx context.Context, conn net.Conn, s *snapshot.Snapshot, l snapshot.Listener) {
		activeConns.Add(1)
		defer activeConns.Done()
		c := connproxy.New(conn, s, l, deps)
		c.Run(ctx)
	}

	acceptCtx, cancel := context.WithCancel(acceptParent)
	for _, rt := range runtimes {
		go rt.Start(acceptCtx, connCtx, snap, handle, log)
	}

	return &generation{snap: snap, runtimes: runtimes, cancel: cancel}, nil
}
