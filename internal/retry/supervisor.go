package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/danmuck/portroute/internal/observability"
)

const (
	// ConnectInterval spaces registration and dial attempts.
	ConnectInterval = 50 * time.Millisecond
	// PollInterval spaces condition checks such as "data has arrived".
	PollInterval = 10 * time.Millisecond
)

// Supervisor retries an operation until it succeeds, fails permanently, the
// timeout elapses or the context is cancelled. The zero value polls every
// ConnectInterval on the wall clock.
type Supervisor struct {
	Name     string
	Interval time.Duration
	// Backoff replaces the fixed Interval when enabled.
	Backoff  BackoffConfig
	Clock    clock.Clock
	Recorder observability.Recorder

	rng *rand.Rand
}

// New returns a supervisor with a fixed interval on the wall clock.
func New(name string, interval time.Duration) Supervisor {
	return Supervisor{Name: name, Interval: interval}
}

// WithClock returns a copy of s driven by clk.
func (s Supervisor) WithClock(clk clock.Clock) Supervisor {
	s.Clock = clk
	return s
}

// WithRecorder returns a copy of s reporting attempts to rec.
func (s Supervisor) WithRecorder(rec observability.Recorder) Supervisor {
	s.Recorder = rec
	return s
}

// RetryUntil invokes op until it returns nil.
//
//   - nil from op: returns nil.
//   - Permanent error: returns the wrapped error without retrying.
//   - other errors: waits one interval and tries again; once the time since the
//     first attempt reaches timeout it returns a *TimeoutError instead.
//   - ctx cancelled before the next attempt: returns nil without attempting.
//     Callers that treat cancellation as failure check ctx.Err().
//
// A timeout <= 0 retries until success, permanent failure or cancellation.
func (s Supervisor) RetryUntil(ctx context.Context, op func(ctx context.Context) error, timeout time.Duration) error {
	clk := s.clock()
	start := clk.Now()
	attempt := 0
	for {
		if ctx.Err() != nil {
			s.record(attempt, "cancelled", ctx.Err())
			return nil
		}
		attempt++
		err := op(ctx)
		if err == nil {
			s.record(attempt, "success", nil)
			return nil
		}
		if IsPermanent(err) {
			s.record(attempt, "permanent", err)
			return unwrapPermanent(err)
		}
		if ctx.Err() != nil {
			s.record(attempt, "cancelled", err)
			return nil
		}

		elapsed := clk.Since(start)
		if timeout > 0 && elapsed >= timeout {
			s.record(attempt, "timeout", err)
			return &TimeoutError{
				Name:     s.Name,
				Attempts: attempt,
				Elapsed:  elapsed,
				Timeout:  timeout,
				Last:     err,
			}
		}
		s.record(attempt, "retry", err)

		delay := s.delay(attempt)
		if timeout > 0 {
			if remaining := timeout - elapsed; delay > remaining {
				delay = remaining
			}
		}
		timer := clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.record(attempt, "cancelled", ctx.Err())
			return nil
		case <-timer.C:
		}
	}
}

// WaitUntil polls cond until it reports true, with RetryUntil's exit rules.
func (s Supervisor) WaitUntil(ctx context.Context, cond func() bool, timeout time.Duration) error {
	return s.RetryUntil(ctx, func(context.Context) error {
		if cond() {
			return nil
		}
		return ErrNotYet
	}, timeout)
}

func (s Supervisor) clock() clock.Clock {
	if s.Clock == nil {
		return clock.New()
	}
	return s.Clock
}

func (s *Supervisor) delay(attempt int) time.Duration {
	if s.Backoff.Enabled() {
		if s.rng == nil && s.Backoff.Jitter {
			s.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
		}
		return NextBackoffDelay(s.Backoff, attempt, s.rng)
	}
	if s.Interval <= 0 {
		return ConnectInterval
	}
	return s.Interval
}

func (s Supervisor) record(attempt int, outcome string, err error) {
	observability.RecordRetryAttempt(outcome)
	if s.Recorder == nil {
		return
	}
	attrs := map[string]any{
		"name":    s.Name,
		"attempt": attempt,
		"outcome": outcome,
	}
	if err != nil {
		attrs["error"] = err.Error()
	}
	s.Recorder.Record(observability.EventRetryAttempt, attrs)
}
