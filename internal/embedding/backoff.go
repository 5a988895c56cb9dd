package embedding

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// jitterBackoff implements backoff.BackOff with the exact delay sequence
// spec §4.5 names: base*2^(k-1) + jitter∈[0, base*2^(k-1)). This isn't
// algebraically the same curve as backoff.ExponentialBackOff's own
// randomization (which jitters symmetrically around the computed interval
// rather than only upward from it), so a small custom BackOff is used
// instead of configuring the library's defaults (see DESIGN.md).
type jitterBackoff struct {
	base    time.Duration
	attempt int
	rng     *rand.Rand
}

// newJitterBackoff builds a jitterBackoff seeded from the process RNG.
func newJitterBackoff(base time.Duration) *jitterBackoff {
	return &jitterBackoff{base: base, rng: rand.New(rand.NewSource(rand.Int63()))}
}

func (j *jitterBackoff) NextBackOff() time.Duration {
	j.attempt++
	window := j.base * (1 << (j.attempt - 1))
	jitter := time.Duration(j.rng.Int63n(int64(window)))
	return window + jitter
}

func (j *jitterBackoff) Reset() { j.attempt = 0 }

var _ backoff.BackOff = (*jitterBackoff)(nil)
