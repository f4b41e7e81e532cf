package engine

import (
	"time"

	"github.com/sethvargo/go-retry"
)

const (
	DefaultBackoffBase = 30 * time.Second
	DefaultBackoffCap  = 30 * time.Minute

	// maxBackoffSteps bounds the walk; the cap is reached long before.
	maxBackoffSteps = 64
)

// Backoff spaces out periodic retries of a failing head item. It only gates
// periodic triggers; manual, foreground and enqueue triggers always attempt.
type Backoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Delay returns how long to wait after the retryCount-th failure. Zero
// failures means no wait.
func (b Backoff) Delay(retryCount int) time.Duration {
	if retryCount <= 0 {
		return 0
	}
	base, ceiling := b.Base, b.Cap
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCap
	}

	seq := retry.WithCappedDuration(ceiling, retry.NewExponential(base))
	var d time.Duration
	for i := 0; i < min(retryCount, maxBackoffSteps); i++ {
		d, _ = seq.Next()
	}
	return d
}

// Due reports whether a head with the given retry state may be attempted by
// a periodic trigger at now.
func (b Backoff) Due(retryCount int, lastAttempt *time.Time, now time.Time) bool {
	if retryCount == 0 || lastAttempt == nil {
		return true
	}
	return !now.Before(lastAttempt.Add(b.Delay(retryCount)))
}
