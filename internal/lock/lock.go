// Package lock provides the single advisory file lock that serializes the
// admission transaction across cooperating spooler processes on a host
// (spec §4.3, §4.4, §4.6). It is grounded on the original implementation's
// Locker class (flock on a well-known file plus signal masking around the
// critical section), reworked as a Go type holding an *os.File and a
// signal-safe Acquire/Release pair.
package lock

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sys/unix"
)

// terminatingSignals are the signals §4.4 requires Acquire to mask while
// the lock is held, so one never leaves the admission transaction's
// critical section with the lock stuck held.
var terminatingSignals = []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP, syscall.SIGQUIT}

// Lock wraps an flock(2)-based advisory lock on a single well-known file.
// It is not safe for concurrent use by multiple goroutines in the same
// process; TSP's admission loop runs single-threaded per process by design.
type Lock struct {
	f *os.File

	sigCh   chan os.Signal
	sigDone chan struct{}
}

// Open creates (if needed) and opens the lock file at path without taking
// the lock. The file is never written to; its only purpose is to be the
// target of flock.
func Open(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}
	return &Lock{f: f}, nil
}

// Acquire blocks until the exclusive lock is held, then masks the
// terminating signals per §4.4: a chained handler is installed so that if
// one of them arrives while the lock is held, the lock is released before
// the signal is allowed to take the process down the way it would have
// without this handler.
func (l *Lock) Acquire() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock: flock LOCK_EX: %w", err)
	}
	l.maskSignals()
	return nil
}

// Release restores the previous signal disposition and drops the lock. It
// is safe to call Release without a matching Acquire having succeeded;
// flock(LOCK_UN) on an unlocked fd is a no-op, and unmaskSignals is a
// no-op when no handler is installed.
func (l *Lock) Release() error {
	l.unmaskSignals()
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("lock: flock LOCK_UN: %w", err)
	}
	return nil
}

// maskSignals installs a one-shot handler for every signal in
// terminatingSignals. On delivery the handler releases the lock, stops
// forwarding the signal to our own channel, and re-raises it against this
// process so any other still-registered handler for that signal — e.g. the
// CLI's own pre-admission cancellation handler — observes it exactly as it
// would have if our handler were never installed. This is §4.4's "chain to
// the previous handler" restated for Go: signal.Notify/signal.Stop have no
// equivalent of sigaction's saved-handler struct, so "the previous handler"
// here means "whatever else is still subscribed to this signal", not a
// captured prior disposition.
func (l *Lock) maskSignals() {
	l.sigCh = make(chan os.Signal, 1)
	l.sigDone = make(chan struct{})
	signal.Notify(l.sigCh, terminatingSignals...)

	go func() {
		select {
		case sig := <-l.sigCh:
			l.Release()
			if s, ok := sig.(syscall.Signal); ok {
				unix.Kill(os.Getpid(), s)
			}
		case <-l.sigDone:
		}
	}()
}

// unmaskSignals stops routing terminatingSignals through our channel and
// lets the goroutine started by maskSignals exit, restoring whatever
// disposition (default or another package's handler) was in effect
// before Acquire.
func (l *Lock) unmaskSignals() {
	if l.sigDone == nil {
		return
	}
	signal.Stop(l.sigCh)
	close(l.sigDone)
	l.sigCh = nil
	l.sigDone = nil
}

// Close releases the lock, if held, and closes the underlying file.
func (l *Lock) Close() error {
	l.Release()
	return l.f.Close()
}

// WithLock runs fn while holding the lock, releasing it unconditionally
// afterwards regardless of fn's outcome. This is the shape every admission
// attempt uses (spec §4.3): take the lock, run one AllocateSlots
// transaction, release, sleep-and-retry on Deferred.
func (l *Lock) WithLock(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
