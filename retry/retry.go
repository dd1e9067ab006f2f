// Package retry implements RetryPolicy (§4.5): a bounded retry loop over
// a block of work, applied only to operations the caller has already
// determined are idempotent-or-unobservable.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/bsbodden/goradix/rediserr"
)

// Backoff computes the sleep duration before retry attempt n (1-based).
type Backoff interface {
	Compute(attempt int) time.Duration
}

// Zero never sleeps between attempts.
type Zero struct{}

func (Zero) Compute(int) time.Duration { return 0 }

// Constant always sleeps Delay.
type Constant struct {
	Delay time.Duration
}

func (c Constant) Compute(int) time.Duration { return c.Delay }

// Exponential sleeps base*2^(n-1), capped at Cap.
type Exponential struct {
	Base time.Duration
	Cap  time.Duration
}

func (e Exponential) Compute(attempt int) time.Duration {
	return capDuration(shifted(e.Base, attempt), e.Cap)
}

// ExponentialJitter sleeps a uniform random duration in
// [0, min(Cap, base*2^(n-1))].
type ExponentialJitter struct {
	Base time.Duration
	Cap  time.Duration
}

func (e ExponentialJitter) Compute(attempt int) time.Duration {
	d := capDuration(shifted(e.Base, attempt), e.Cap)
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// EqualJitter sleeps a uniform random duration in [d/2, d] where
// d = min(Cap, base*2^(n-1)).
type EqualJitter struct {
	Base time.Duration
	Cap  time.Duration
}

func (e EqualJitter) Compute(attempt int) time.Duration {
	d := capDuration(shifted(e.Base, attempt), e.Cap)
	half := d / 2
	if d-half <= 0 {
		return half
	}
	return half + time.Duration(rand.Int63n(int64(d-half)+1))
}

func capDuration(d, max time.Duration) time.Duration {
	if d < 0 {
		// overflowed the shift; treat as saturated
		return max
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

// shifted returns base*2^(attempt-1), or -1 when that does not fit in a
// time.Duration, which capDuration treats as saturated.
func shifted(base time.Duration, attempt int) time.Duration {
	n := uint(attempt - 1)
	if base > 0 && (n >= 63 || base > time.Duration(math.MaxInt64)>>n) {
		return -1
	}
	return base << n
}

// Policy is the tuple (max_retries, backoff, on_retry_callback) of
// spec.md §4.5.
type Policy struct {
	MaxRetries int
	Backoff    Backoff

	// OnRetry, if set, is invoked with the triggering error and the
	// 1-based attempt number right before sleeping.
	OnRetry func(err error, attempt int)
}

// Execute runs block, retrying on ConnectionError/TimeoutError up to
// MaxRetries times. Backoff on the very first retry is zero sleep per
// spec.md's reference semantics; normal backoff applies thereafter.
func (p Policy) Execute(block func() error) error {
	attempt := 0
	for {
		err := block()
		if err == nil {
			return nil
		}
		if !rediserr.IsRetriable(err) {
			return err
		}
		attempt++
		if attempt > p.MaxRetries {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(err, attempt)
		}
		delay := time.Duration(0)
		if attempt > 1 {
			delay = p.backoff().Compute(attempt)
		}
		sleep(delay)
	}
}

func (p Policy) backoff() Backoff {
	if p.Backoff != nil {
		return p.Backoff
	}
	return Zero{}
}

var sleep = time.Sleep
