package transport

import (
	"context"
	"time"
)

// Defaults match the hub client's historical behaviour.
const (
	DefaultMaxAttempts   = 3
	DefaultTimeout       = 15 * time.Second
	DefaultBaseDelay     = 500 * time.Millisecond
	DefaultMaxDelay      = 4 * time.Second
	DefaultMaxRetryAfter = 30 * time.Second
)

// Backoff computes exponential delays: Base, 2·Base, 4·Base ... capped at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the wait after the given failed attempt (1-based).
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 || b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if b.Max > 0 && d >= b.Max {
			break
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Policy bounds the attempts made for one request.
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
	Backoff     Backoff
	// Upper bound on a server Retry-After hint.
	MaxRetryAfter time.Duration
}

// DefaultPolicy returns the standard retry policy.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:   DefaultMaxAttempts,
		Timeout:       DefaultTimeout,
		Backoff:       Backoff{Base: DefaultBaseDelay, Max: DefaultMaxDelay},
		MaxRetryAfter: DefaultMaxRetryAfter,
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real-time SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Retrier runs requests through a Client under a Policy.
type Retrier struct {
	Policy Policy
	Sleep  SleepFunc
	// OnRetry, when set, observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, f *Failure)
}

// NewRetrier creates a Retrier with real-time sleeping.
func NewRetrier(p Policy) *Retrier {
	return &Retrier{Policy: p, Sleep: Sleep}
}

// Do executes req, retrying transient failures. It returns the response and
// the number of attempts made. Permanent failures are returned as *Failure
// after one attempt; running out of attempts returns *ExhaustedError.
func (r *Retrier) Do(ctx context.Context, ch Channel, c Client, req Request) (Response, int, error) {
	maxAttempts := r.Policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	for attempt := 1; ; attempt++ {
		resp, err := r.attempt(ctx, c, req)
		if err == nil {
			return resp, attempt, nil
		}

		f := Classify(ch, err)
		if f.Kind == Permanent {
			return Response{}, attempt, f
		}
		if attempt >= maxAttempts || ctx.Err() != nil {
			return Response{}, attempt, &ExhaustedError{Attempts: attempt, Last: f}
		}

		delay := r.delay(attempt, f)
		if r.OnRetry != nil {
			r.OnRetry(attempt, delay, f)
		}
		if err := sleep(ctx, delay); err != nil {
			return Response{}, attempt, &ExhaustedError{Attempts: attempt, Last: f}
		}
	}
}

func (r *Retrier) attempt(ctx context.Context, c Client, req Request) (Response, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = r.Policy.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return c.Execute(ctx, req)
}

func (r *Retrier) delay(attempt int, f *Failure) time.Duration {
	if f.RetryAfter > 0 {
		if r.Policy.MaxRetryAfter > 0 && f.RetryAfter > r.Policy.MaxRetryAfter {
			return r.Policy.MaxRetryAfter
		}
		return f.RetryAfter
	}
	return r.Policy.Backoff.Delay(attempt)
}
