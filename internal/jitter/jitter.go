// Package jitter provides the bounded uniform random sleep TSP's admission
// retry loop uses between attempts (spec §4.6), so that many spoolers
// deferred at the same moment don't all retry in lockstep. It is grounded
// on the original implementation's Jitter class (mt19937 seeded from
// random_device, uniform_int_distribution over [-limit, limit]), reworked
// here as a *rand.Rand-backed Source in the style of the example pack's
// retry.BackoffStrategy types, with golang.org/x/time/rate layered on top
// of the raw random offset to cap how often one process is allowed to
// re-attempt admission regardless of how short base is configured.
package jitter

import (
	"context"
	"math/rand"
	"time"

	"golang.org/x/time/rate"

	"github.com/dsroberts/go-tsp/internal/constants"
)

// Source draws bounded random offsets around a fixed base delay. Not safe
// for concurrent use; each process owns exactly one admission retry loop.
type Source struct {
	rng       *rand.Rand
	base      time.Duration
	amplitude time.Duration
	limiter   *rate.Limiter
}

// New returns a Source seeded from the runtime's entropy whose Next
// durations are uniformly distributed in [base-amplitude, base+amplitude].
// A rate.Limiter allowing one event per base interval backstops Sleep (not
// Next) so a misconfigured near-zero base can't turn the retry loop into a
// busy spin against the shared lock. Because of it, a Sleep never returns
// less than one base interval after the previous Sleep returned, so draws
// below that are lengthened; only the first Sleep is the bare Next draw.
func New(base, amplitude time.Duration) *Source {
	limit := rate.Every(base)
	if base <= 0 {
		limit = rate.Inf
	}
	return &Source{
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		base:      base,
		amplitude: amplitude,
		limiter:   rate.NewLimiter(limit, 1),
	}
}

// Default returns a Source configured with the package's standard retry
// tuning (constants.RetryBaseSleep, constants.JitterAmplitude).
func Default() *Source {
	return New(constants.RetryBaseSleep, constants.JitterAmplitude)
}

// Next returns one sleep duration. Never negative even if base is smaller
// than amplitude.
func (s *Source) Next() time.Duration {
	if s.amplitude <= 0 {
		return s.base
	}
	offset := time.Duration(s.rng.Int63n(int64(2*s.amplitude+1))) - s.amplitude
	d := s.base + offset
	if d < 0 {
		return 0
	}
	return d
}

// Sleep blocks for one Next() duration, then waits on the rate limiter so
// back-to-back retries can never run faster than one per base interval.
func (s *Source) Sleep() {
	time.Sleep(s.Next())
	_ = s.limiter.Wait(context.Background())
}
