// Package retry implements the two retry policies of spec.md §4.4: a
// capped-exponential-backoff Service policy with unbounded attempts, used by
// the node-active loop, and an Interactive policy with a fixed attempt
// budget and short deadline, used by one-shot calls. Grounded on the
// teacher's failover backoff idiom (cluster waits out FailTime/FailLimit
// windows before retrying an election); generalized here into a reusable,
// context-aware policy instead of being inlined into one call site.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/sirupsen/logrus"
)

// Policy describes a capped-exponential-backoff retry loop.
type Policy struct {
	Base       time.Duration
	Factor     float64
	Jitter     float64 // fraction, e.g. 0.2 == +/-20%
	Cap        time.Duration
	MaxAttempts int           // 0 == unbounded
	Deadline    time.Duration // 0 == unbounded
}

// Service is the retry policy used by the node-active loop: unbounded
// attempts while the service is running (spec.md §4.4).
func Service() Policy {
	return Policy{
		Base:   100 * time.Millisecond,
		Factor: 2,
		Jitter: 0.2,
		Cap:    30 * time.Second,
	}
}

// Interactive is the retry policy used by one-shot CLI-style calls: a fixed
// attempt budget and a short overall deadline (spec.md §4.4).
func Interactive() Policy {
	return Policy{
		Base:        100 * time.Millisecond,
		Factor:      2,
		Jitter:      0.2,
		Cap:         30 * time.Second,
		MaxAttempts: 10,
		Deadline:    5 * time.Second,
	}
}

// Retryable classifies whether an error should be retried at all (spec.md
// §4.4: "transient network failures, connection refused, monitor restart
// window, deadlock-like error codes").
type Retryable func(error) bool

// Do runs fn, retrying per the policy while classify(err) reports true. It
// stops and returns the last error when the attempt budget or deadline (if
// any) is exhausted, or when ctx is cancelled.
func (p Policy) Do(ctx context.Context, log *logrus.Entry, classify Retryable, fn func(context.Context) error) error {
	if p.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Deadline)
		defer cancel()
	}

	delay := p.Base
	attempt := 0
	for {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !classify(err) {
			return err
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}

		wait := jitter(delay, p.Jitter)
		if log != nil {
			log.WithError(err).Debugf("retrying attempt %d after %s", attempt, wait)
		}

		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * p.Factor)
		if delay > p.Cap {
			delay = p.Cap
		}
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := float64(d) * frac
	offset := (rand.Float64()*2 - 1) * delta
	result := float64(d) + offset
	if result < 0 {
		result = 0
	}
	return time.Duration(result)
}
