// Package admission orchestrates the retry loop around store.AllocateSlots:
// take the host lock, attempt the transaction, and either come back bound
// to a set of cores or sleep with jitter and try again (spec §4.3, §4.6).
// It is the Go-native replacement for the original implementation's
// do-while loop in do_spooler (locker.lock() / stat.allowed_to_run() /
// locker.unlock() / sleep), reshaped around this module's own Store and
// Lock abstractions instead of a single monolithic function.
package admission

import (
	"github.com/dsroberts/go-tsp/internal/interfaces"
)

// Sleeper abstracts the jitter.Source used between retries, so tests can
// supply a zero-delay stand-in.
type Sleeper interface {
	Sleep()
}

// Outcome describes the result of one Wait call.
type Outcome struct {
	// Admitted is true once the transaction reserved Cores for the job.
	Admitted bool
	// Cores holds the slot numbers reserved, valid only when Admitted.
	Cores []int
}

// Canceler is consulted once per attempt so a pending SIGINT/SIGTERM can
// abort the wait before a job ever starts (spec §4.4 "time_to_die").
type Canceler interface {
	// Canceled reports whether a shutdown signal has been observed.
	Canceled() bool
}

// Admitter drives the try/defer/retry loop for a single job.
type Admitter struct {
	store   interfaces.Store
	lock    interface{ WithLock(func() error) error }
	sleeper Sleeper
}

func New(store interfaces.Store, lock interface{ WithLock(func() error) error }, sleeper Sleeper) *Admitter {
	return &Admitter{store: store, lock: lock, sleeper: sleeper}
}

// Wait blocks until the job is admitted or cancel reports true. coreIDs
// is the full set of physical core ids this host's cpuset makes
// available, the contract AllocateSlots reserves from (spec §3, §4.2).
// On cancellation it returns a zero Outcome and nil error; the caller is
// responsible for recording the job's early termination.
func (a *Admitter) Wait(uuid string, coreIDs []int, requestedSlots int, cancel Canceler) (Outcome, error) {
	for {
		if cancel != nil && cancel.Canceled() {
			return Outcome{}, nil
		}

		var (
			cores []int
			err   error
		)
		lockErr := a.lock.WithLock(func() error {
			cores, err = a.store.AllocateSlots(uuid, coreIDs, requestedSlots)
			return err
		})
		if lockErr != nil {
			return Outcome{}, lockErr
		}
		if err != nil {
			return Outcome{}, err
		}
		if cores != nil {
			return Outcome{Admitted: true, Cores: cores}, nil
		}

		a.sleeper.Sleep()
	}
}

// signalCanceler adapts a *bool "time to die" flag, set by a
// signal handler installed before admission begins, to the Canceler
// interface consumed by Wait.
type signalCanceler struct {
	flag *bool
}

func NewSignalCanceler(flag *bool) Canceler {
	return &signalCanceler{flag: flag}
}

func (c *signalCanceler) Canceled() bool {
	return c.flag != nil && *c.flag
}
