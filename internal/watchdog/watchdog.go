// Package watchdog is the optional runtime-budget sidecar supplementing
// the distilled spec: poll every running job and SIGTERM the spooler
// process owning any job that has run longer than a configured budget
// (spec supplement, grounded verbatim on original_source/timeout.cpp's
// do_timeout loop). It is a separate concern from internal/memprof: one
// watches memory, this watches wall-clock runtime.
package watchdog

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/dsroberts/go-tsp/internal/interfaces"
)

// Watchdog polls the store for running jobs and kills any whose runtime
// exceeds JobTimeout.
type Watchdog struct {
	Store           interfaces.Store
	PollingInterval time.Duration
	IdleTimeout     time.Duration
	JobTimeout      time.Duration
	Verbose         bool
	Logger          interfaces.Logger

	lastActivity time.Time
}

func New(store interfaces.Store, pollingInterval, idleTimeout, jobTimeout time.Duration) *Watchdog {
	return &Watchdog{
		Store:           store,
		PollingInterval: pollingInterval,
		IdleTimeout:     idleTimeout,
		JobTimeout:      jobTimeout,
	}
}

// Run polls until idle for IdleTimeout with no running jobs, then returns.
func (w *Watchdog) Run() error {
	w.lastActivity = time.Now()
	for {
		running, err := w.Store.JobsByCategory("running")
		if err != nil {
			return fmt.Errorf("watchdog: list running jobs: %w", err)
		}

		now := time.Now()
		if len(running) == 0 {
			if now.Sub(w.lastActivity) > w.IdleTimeout {
				w.logf("idle timeout reached, exiting")
				return nil
			}
		} else {
			w.lastActivity = now
		}

		for _, job := range running {
			w.checkAndKill(job, now)
		}

		time.Sleep(w.PollingInterval)
	}
}

func (w *Watchdog) checkAndKill(job interfaces.JobRecord, now time.Time) {
	if !job.HasSTime || job.HasETime {
		// Recovered a job that hasn't started or has already finished;
		// nothing to enforce a budget against.
		return
	}
	runUs := now.UnixMicro() - job.STime
	if time.Duration(runUs)*time.Microsecond < w.JobTimeout {
		return
	}

	w.logf("job %d exceeded runtime budget of %s, killing pid %d", job.ID, w.JobTimeout, job.PID)
	if err := unix.Kill(job.PID, unix.SIGTERM); err != nil && err != unix.ESRCH {
		w.logf("unable to kill job %d (pid %d): %v", job.ID, job.PID, err)
	}
}

func (w *Watchdog) logf(format string, args ...any) {
	if !w.Verbose || w.Logger == nil {
		return
	}
	w.Logger.Printf(format, args...)
}
