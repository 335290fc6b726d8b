package lock

import (
	"os"
	"os/signal"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Acquire())
	require.NoError(t, l.Release())
}

func TestWithLockExcludesConcurrentCallers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.lock")

	var inside int32
	var sawOverlap int32

	run := func() {
		l, err := Open(path)
		require.NoError(t, err)
		defer l.Close()
		require.NoError(t, l.WithLock(func() error {
			if atomic.AddInt32(&inside, 1) > 1 {
				atomic.StoreInt32(&sawOverlap, 1)
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			return nil
		}))
	}

	done := make(chan struct{}, 2)
	go func() { run(); done <- struct{}{} }()
	go func() { run(); done <- struct{}{} }()
	<-done
	<-done

	require.Equal(t, int32(0), atomic.LoadInt32(&sawOverlap))
}

// TestAcquireReleasesLockOnTerminatingSignal exercises §4.4's masking
// contract: a signal arriving while the lock is held must still release
// it, then let any other still-registered handler for that signal observe
// it. SIGUSR1 stands in for the real terminating signals so the test
// doesn't risk killing itself — once any channel is subscribed via
// signal.Notify, Go delivers to channels instead of taking the default
// (process-terminating) action.
func TestAcquireReleasesLockOnTerminatingSignal(t *testing.T) {
	orig := terminatingSignals
	terminatingSignals = []os.Signal{syscall.SIGUSR1}
	defer func() { terminatingSignals = orig }()

	path := filepath.Join(t.TempDir(), "test.lock")
	l, err := Open(path)
	require.NoError(t, err)
	defer l.Close()

	require.NoError(t, l.Acquire())

	relay := make(chan os.Signal, 2)
	signal.Notify(relay, syscall.SIGUSR1)
	defer signal.Stop(relay)

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case <-relay:
	case <-time.After(2 * time.Second):
		t.Fatal("expected the re-raised signal to reach the still-registered relay channel")
	}

	l2, err := Open(filepath.Join(t.TempDir(), "test2.lock"))
	require.NoError(t, err)
	defer l2.Close()

	// A fresh lock file, just confirming Acquire still works normally
	// post-handler; the real assertion is that l's own Release ran,
	// checked next via an Acquire on the same path through a second open
	// file description (re-locking l's own fd would succeed regardless).
	require.NoError(t, l2.Acquire())
	require.NoError(t, l2.Release())

	l3, err := Open(path)
	require.NoError(t, err)
	defer l3.Close()

	done := make(chan struct{})
	go func() {
		l3.Acquire()
		close(done)
	}()
	select {
	case <-done:
		require.NoError(t, l3.Release())
	case <-time.After(2 * time.Second):
		t.Fatal("expected the signal handler to have released the lock")
	}
}
