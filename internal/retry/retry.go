// Package retry implements the managed-retry executor (§4.5 "Managed
// retry", §8 P8): run a transaction function, classify errors as
// retryable, sleep with exponential-jittered backoff until a deadline.
package retry

import (
	"context"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/jroosing/hydrabolt/internal/drivererrors"
)

// Config parameterizes the backoff (§4.5).
type Config struct {
	MaxRetryTime time.Duration
	InitialDelay time.Duration
	Multiplier   float64
	JitterFactor float64
}

// DefaultConfig matches §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetryTime: 30 * time.Second,
		InitialDelay: time.Second,
		Multiplier:   2.0,
		JitterFactor: 0.2,
	}
}

// Hook is called after every attempt (success or failure), letting
// callers observe retry counts in tests (§8 scenario 3).
type Hook func(attempt int, err error)

// Sleeper abstracts time.Sleep so cancellation tests can inject a fake
// clock; production code uses RealSleeper.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RealSleeper sleeps on the wall clock and is cancellable via ctx
// (§5 "Sleeping between retries is cancellable").
var RealSleeper Sleeper = realSleeper{}

// Executor runs a transaction function under the managed-retry loop.
type Executor struct {
	cfg     Config
	sleeper Sleeper
	hook    Hook
}

// New returns an Executor with cfg, defaulting zero-value durations to
// DefaultConfig's.
func New(cfg Config, sleeper Sleeper, hook Hook) *Executor {
	if cfg.MaxRetryTime <= 0 {
		cfg.MaxRetryTime = DefaultConfig().MaxRetryTime
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig().InitialDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultConfig().Multiplier
	}
	if sleeper == nil {
		sleeper = RealSleeper
	}
	return &Executor{cfg: cfg, sleeper: sleeper, hook: hook}
}

// TxFunc is the user-supplied transaction body (§4.5). Returning an
// error triggers the caller's rollback-and-maybe-retry path; the
// executor itself never sees transaction objects, only the
// begin/run/commit/rollback orchestration the session performs via
// attempt.
type TxFunc func(ctx context.Context) (any, error)

// Run drives attempt in a loop: on success, returns its value; on a
// retryable error, sleeps a jittered exponential backoff and retries
// until MaxRetryTime has elapsed since the first attempt; otherwise (or
// once the deadline passes) returns the last error (§4.5, §8 P8).
//
// attempt is responsible for running begin/commit/rollback itself —
// Run only supplies the retry loop and backoff, matching §9's guidance
// that the retry executor is a thin loop around a caller-supplied
// transaction function, not a transaction manager of its own.
func (e *Executor) Run(ctx context.Context, attempt TxFunc) (any, error) {
	var start time.Time
	delay := e.cfg.InitialDelay

	for attemptNum := 1; ; attemptNum++ {
		if attemptNum == 2 {
			start = time.Now()
		}

		value, err := attempt(ctx)
		if e.hook != nil {
			e.hook(attemptNum, err)
		}
		if err == nil {
			return value, nil
		}

		if !drivererrors.IsRetryable(err) {
			return nil, err
		}
		if attemptNum > 1 && time.Since(start) >= e.cfg.MaxRetryTime {
			return nil, err
		}

		jittered := jitter(delay, e.cfg.JitterFactor)
		if sleepErr := e.sleeper.Sleep(ctx, jittered); sleepErr != nil {
			return nil, sleepErr
		}
		delay = nextDelay(delay, e.cfg.Multiplier)
	}
}

// jitter returns a duration uniformly sampled from
// [d*(1-j), d*(1+j)], matching §4.5's formula. It is expressed via
// go-retryablehttp's exported LinearJitterBackoff (min=d*(1-j),
// max=d*(1+j), attemptNum=0, resp=nil), which picks uniformly at
// random in [min, max] and multiplies by attemptNum+1 — passing
// attemptNum=0 makes that multiplier 1, so the result is a plain
// uniform sample in the jitter window, not the exponential
// DefaultBackoff curve (whose attempt=1 floor would deterministically
// return max for any j < 1/3). Reused rather than hand-rolled a second
// time since nabbar-golib already vendors this library for the same
// purpose.
func jitter(d time.Duration, j float64) time.Duration {
	if j <= 0 {
		return d
	}
	lo := time.Duration(float64(d) * (1 - j))
	hi := time.Duration(float64(d) * (1 + j))
	if hi <= lo {
		return d
	}
	return retryablehttp.LinearJitterBackoff(lo, hi, 0, nil)
}

func nextDelay(d time.Duration, multiplier float64) time.Duration {
	return time.Duration(float64(d) * multiplier)
}
