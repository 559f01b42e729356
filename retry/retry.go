package retry

import (
	"context"
	"math/rand"
	"time"
)

const (
	defaultMaxRetries  = 3
	defaultBaseWait    = 100 * time.Millisecond
	defaultMaxWait     = 5 * time.Second
	defaultBackoffRate = 2.0
)

type options struct {
	maxRetries  int
	baseWait    time.Duration
	maxWait     time.Duration
	backoffRate float64
	jitter      bool
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets the number of retries after the initial attempt.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseWait sets the delay before the first retry.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithMaxWait caps the delay between retries.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// WithBackoffRate sets the multiplier applied to the wait after each attempt.
func WithBackoffRate(rate float64) Option {
	return func(o *options) { o.backoffRate = rate }
}

// WithJitter enables full jitter on retry delays.
func WithJitter() Option {
	return func(o *options) { o.jitter = true }
}

// Do runs fn, retrying with exponential backoff while the returned error is
// recoverable (see IsRecoverable). The last error is returned once retries
// are exhausted or a non-recoverable error occurs.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries:  defaultMaxRetries,
		baseWait:    defaultBaseWait,
		maxWait:     defaultMaxWait,
		backoffRate: defaultBackoffRate,
	}
	for _, opt := range opts {
		opt(&o)
	}

	wait := o.baseWait
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= o.maxRetries || !IsRecoverable(err) {
			return err
		}
		delay := wait
		if o.jitter {
			delay = time.Duration(rand.Int63n(int64(wait) + 1))
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait = time.Duration(float64(wait) * o.backoffRate)
		if wait > o.maxWait {
			wait = o.maxWait
		}
	}
}
